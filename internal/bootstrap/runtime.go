// Package bootstrap builds the process-wide pieces shared by the ledger API
// and the consumer binaries: logging, telemetry, the database, the broker
// and the consumer groups.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/ledger/internal/infrastructure/config"
	"github.com/erp/ledger/internal/infrastructure/logger"
	"github.com/erp/ledger/internal/infrastructure/persistence"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// MeterName is the instrumentation scope of the ledger instruments
const MeterName = "github.com/erp/ledger"

// Runtime holds the logger and telemetry providers of one process
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Tracer   *telemetry.TracerProvider
	Meter    *telemetry.MeterProvider
	Logs     *telemetry.LoggerProvider
	Profiler *telemetry.Profiler
	Metrics  *telemetry.LedgerMetrics
}

// NewRuntime starts logging, tracing, metrics and profiling for component.
// On error everything started so far is shut down again.
func NewRuntime(ctx context.Context, cfg *config.Config, component, version string) (*Runtime, error) {
	serviceName := cfg.Telemetry.ServiceName + "-" + component
	rt := &Runtime{Config: cfg}

	logs, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       serviceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	rt.Logs = logs

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}, logs.ZapCore(logger.ParseLevel(cfg.Log.Level)))
	if err != nil {
		_ = logs.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rt.Logger = log.With(zap.String("component", component))

	if err := rt.startTelemetry(ctx, serviceName, version); err != nil {
		rt.Shutdown(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) startTelemetry(ctx context.Context, serviceName, version string) error {
	cfg := rt.Config

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       serviceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, rt.Logger)
	if err != nil {
		return err
	}
	rt.Tracer = tp

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       serviceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, rt.Logger)
	if err != nil {
		return err
	}
	rt.Meter = mp

	metrics, err := telemetry.NewLedgerMetrics(mp.Meter(MeterName))
	if err != nil {
		return fmt.Errorf("failed to create ledger metrics: %w", err)
	}
	rt.Metrics = metrics

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Profiling.Enabled,
		ServerAddress:   cfg.Profiling.ServerAddress,
		ApplicationName: serviceName,
		Tags:            map[string]string{"env": cfg.App.Env},
	}, rt.Logger)
	if err != nil {
		return err
	}
	rt.Profiler = profiler
	if profiler.IsEnabled() && cfg.Profiling.SpanProfiles {
		tp.EnableSpanProfiles()
	}
	return nil
}

// OpenDatabase connects to the configured PostgreSQL database, or to dbName
// on the same server when it is set, and installs query tracing.
func (rt *Runtime) OpenDatabase(dbName string) (*persistence.Database, error) {
	dbCfg := rt.Config.Database
	if dbName != "" {
		dbCfg.DBName = dbName
	}

	gormLog := logger.NewGormLogger(rt.Logger, logger.MapGormLogLevel(rt.Config.Log.Level),
		logger.WithSlowThreshold(rt.Config.Telemetry.DBSlowQueryThresh))
	db, err := persistence.NewDatabase(&dbCfg, gormLog)
	if err != nil {
		return nil, err
	}

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         rt.Config.Telemetry.Enabled && rt.Config.Telemetry.DBTraceEnabled,
		LogFullSQL:      rt.Config.Telemetry.DBLogFullSQL,
		SlowQueryThresh: rt.Config.Telemetry.DBSlowQueryThresh,
		DBName:          dbCfg.DBName,
	}, rt.Logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register database tracing: %w", err)
	}

	rt.Logger.Info("Database connected",
		zap.String("host", dbCfg.Host),
		zap.String("dbname", dbCfg.DBName),
	)
	return db, nil
}

// Shutdown stops the profiler and flushes every telemetry provider
func (rt *Runtime) Shutdown(ctx context.Context) {
	var errs []error
	if rt.Profiler != nil {
		errs = append(errs, rt.Profiler.Stop())
	}
	if rt.Tracer != nil {
		errs = append(errs, rt.Tracer.Shutdown(ctx))
	}
	if rt.Meter != nil {
		errs = append(errs, rt.Meter.Shutdown(ctx))
	}
	if rt.Logs != nil {
		errs = append(errs, rt.Logs.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil && rt.Logger != nil {
		rt.Logger.Error("Error shutting down telemetry", zap.Error(err))
	}
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
}
