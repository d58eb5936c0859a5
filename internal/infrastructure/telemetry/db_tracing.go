package telemetry

import (
	"context"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig holds configuration for database tracing.
type DBTracingConfig struct {
	Enabled         bool
	LogFullSQL      bool // include bind variables in span statements
	SlowQueryThresh time.Duration
	DBName          string
	TracerProvider  trace.TracerProvider // defaults to the global provider
}

type queryStartKey struct{}

// RegisterDBTracing installs the otelgorm plugin plus callbacks that flag
// statements slower than SlowQueryThresh on their span.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.SlowQueryThresh <= 0 {
		cfg.SlowQueryThresh = 200 * time.Millisecond
	}

	opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBName)}
	if cfg.TracerProvider != nil {
		opts = append(opts, otelgorm.WithTracerProvider(cfg.TracerProvider))
	}
	if !cfg.LogFullSQL {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	cb := &slowQueryCallbacks{threshold: cfg.SlowQueryThresh}
	if err := cb.register(db); err != nil {
		return err
	}

	logger.Info("Database tracing enabled",
		zap.Bool("log_full_sql", cfg.LogFullSQL),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThresh),
	)
	return nil
}

type slowQueryCallbacks struct {
	threshold time.Duration
}

// register hooks around each gorm operation. The after hook runs ahead of
// otelgorm's own after hook, which ends the span.
func (c *slowQueryCallbacks) register(db *gorm.DB) error {
	cb := db.Callback()
	registrations := []func() error{
		func() error { return cb.Create().Before("gorm:create").Register("ledger:before_create", c.before) },
		func() error { return cb.Query().Before("gorm:query").Register("ledger:before_query", c.before) },
		func() error { return cb.Update().Before("gorm:update").Register("ledger:before_update", c.before) },
		func() error { return cb.Delete().Before("gorm:delete").Register("ledger:before_delete", c.before) },
		func() error { return cb.Raw().Before("gorm:raw").Register("ledger:before_raw", c.before) },
		func() error {
			return cb.Create().After("gorm:create").Before("otel:after:create").Register("ledger:after_create", c.after)
		},
		func() error {
			return cb.Query().After("gorm:query").Before("otel:after:select").Register("ledger:after_query", c.after)
		},
		func() error {
			return cb.Update().After("gorm:update").Before("otel:after:update").Register("ledger:after_update", c.after)
		},
		func() error {
			return cb.Delete().After("gorm:delete").Before("otel:after:delete").Register("ledger:after_delete", c.after)
		},
		func() error {
			return cb.Raw().After("gorm:raw").Before("otel:after:raw").Register("ledger:after_raw", c.after)
		},
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

func (c *slowQueryCallbacks) before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartKey{}, time.Now())
	}
}

func (c *slowQueryCallbacks) after(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	start, ok := ctx.Value(queryStartKey{}).(time.Time)
	if !ok {
		return
	}
	if elapsed := time.Since(start); elapsed > c.threshold {
		span.SetAttributes(
			attribute.Bool("db.slow_query", true),
			attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
		)
		span.AddEvent("slow_query", trace.WithAttributes(
			attribute.Int64("threshold_ms", c.threshold.Milliseconds()),
		))
	}
}
