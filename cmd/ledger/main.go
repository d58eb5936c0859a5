package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/erp/ledger/internal/bootstrap"
	"github.com/erp/ledger/internal/infrastructure/config"
	"github.com/erp/ledger/internal/infrastructure/persistence/models"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	inProcess := flag.Bool("consumers", false, "also run the consumer groups in this process (implied by broker.driver=memory)")
	flag.Parse()

	// A missing .env is fine; the environment and config.toml still apply
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.NewRuntime(ctx, cfg, "api", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start runtime: %v\n", err)
		os.Exit(1)
	}
	log := rt.Logger

	if err := run(ctx, rt, *inProcess); err != nil {
		log.Error("Ledger exited with error", zap.Error(err))
		shutdownRuntime(rt)
		os.Exit(1)
	}
	shutdownRuntime(rt)
}

func run(ctx context.Context, rt *bootstrap.Runtime, inProcess bool) error {
	cfg := rt.Config
	log := rt.Logger

	log.Info("Starting ledger API",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version),
		zap.String("broker", cfg.Broker.Driver),
	)

	db, err := rt.OpenDatabase("")
	if err != nil {
		return err
	}
	defer func() {
		if stats, err := db.Stats(); err == nil {
			log.Info("Database pool at shutdown", zap.Any("stats", stats))
		}
		_ = db.Close()
	}()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, models.LedgerModels()...); err != nil {
			return err
		}
	}

	transport, err := bootstrap.OpenTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	pub := rt.NewPublishing(db, transport.Broker)
	if err := pub.Start(ctx); err != nil {
		return err
	}

	consumersDone := make(chan error, 1)
	var consumers *bootstrap.Consumers
	if inProcess || transport.Driver == config.BrokerMemory {
		consumers, err = rt.NewConsumers(ctx, bootstrap.ConsumerDeps{
			Ledger:      db,
			Projections: db,
			Transport:   transport,
			Publisher:   pub.Sync,
		})
		if err != nil {
			return err
		}
		go func() { consumersDone <- consumers.Run(ctx, transport.Broker) }()
	}

	srv := rt.NewAPIServer(db, transport, pub, version)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case runErr = <-serveErr:
	case runErr = <-consumersDone:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := pub.Stop(shutdownCtx); err != nil {
		log.Error("Publisher did not drain", zap.Error(err))
	}
	if consumers != nil {
		if err := consumers.Stop(shutdownCtx); err != nil {
			log.Error("Consumers did not stop cleanly", zap.Error(err))
		}
	}

	log.Info("Server exited gracefully")
	return runErr
}

func shutdownRuntime(rt *bootstrap.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.Config.HTTP.ShutdownTimeout)
	defer cancel()
	rt.Shutdown(ctx)
}
