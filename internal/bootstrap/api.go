package bootstrap

import (
	"net/http"

	ledgerapp "github.com/erp/ledger/internal/application/ledger"
	"github.com/erp/ledger/internal/application/saga"
	"github.com/erp/ledger/internal/infrastructure/persistence"
	"github.com/erp/ledger/internal/interfaces/http/handler"
	"github.com/erp/ledger/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
)

// NewAPIServer assembles the ledger HTTP API on db. Readiness covers the
// database and the broker connection.
func (rt *Runtime) NewAPIServer(db *persistence.Database, t *Transport, pub *Publishing, version string) *http.Server {
	cfg := rt.Config
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	entries := ledgerapp.NewService(
		persistence.NewGormJournalEntryRepository(db.DB, cfg.Database.StatementTimeout),
		pub.Publisher(),
		rt.Logger.Named("ledger"),
		ledgerapp.WithMetrics(rt.Metrics),
	)
	admin := saga.NewAdminService(
		persistence.NewGormManualReviewRepository(db.DB),
		pub.Outbox,
		rt.Logger.Named("admin"),
	)

	engine := router.NewEngine(router.EngineConfig{
		ServiceName:   cfg.Telemetry.ServiceName,
		Logger:        rt.Logger,
		Tracing:       rt.Tracer.IsEnabled(),
		MeterProvider: rt.Meter,
		Profiling:     rt.Profiler.IsEnabled(),
		BodyLimit:     cfg.HTTP.MaxBodySize,
	})
	health := handler.NewHealthHandler(cfg.App.Name, version, map[string]handler.ReadinessCheck{
		"database": db.Ping,
		"broker":   t.Ping,
	})
	router.NewRouter(engine, router.WithHealth(health)).
		Register(handler.NewJournalEntryHandler(entries)).
		Register(handler.NewAdminHandler(admin)).
		Setup()

	return &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}
}
