package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap/zapcore"
)

// LogsConfig holds the OTLP logs bridge configuration
type LogsConfig struct {
	Enabled           bool
	CollectorEndpoint string
	ServiceName       string
	ServiceVersion    string
	Insecure          bool
}

// LoggerProvider ships zap records to the collector next to the local output
type LoggerProvider struct {
	provider *sdklog.LoggerProvider
	scope    string
}

// LoggerProviderOption customizes NewLoggerProvider
type LoggerProviderOption func(*loggerProviderOptions)

type loggerProviderOptions struct {
	processor sdklog.Processor
}

// WithLogExporter sends records synchronously to exporter instead of
// batching them to the OTLP collector. The bridge is enabled regardless of
// cfg.Enabled.
func WithLogExporter(exporter sdklog.Exporter) LoggerProviderOption {
	return func(o *loggerProviderOptions) { o.processor = sdklog.NewSimpleProcessor(exporter) }
}

// NewLoggerProvider creates and registers the global LoggerProvider
func NewLoggerProvider(ctx context.Context, cfg LogsConfig, opts ...LoggerProviderOption) (*LoggerProvider, error) {
	var o loggerProviderOptions
	for _, opt := range opts {
		opt(&o)
	}

	lp := &LoggerProvider{scope: cfg.ServiceName}
	if !cfg.Enabled && o.processor == nil {
		return lp, nil
	}

	processor := o.processor
	if processor == nil {
		exporterOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.CollectorEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlploggrpc.WithInsecure())
		}
		exporter, err := otlploggrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP logs exporter: %w", err)
		}
		processor = sdklog.NewBatchProcessor(exporter)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	lp.provider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	)
	global.SetLoggerProvider(lp.provider)
	return lp, nil
}

// Shutdown flushes pending records and stops the provider
func (lp *LoggerProvider) Shutdown(ctx context.Context) error {
	if lp.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := lp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown logger provider: %w", err)
	}
	return nil
}

// IsEnabled reports whether records leave the process
func (lp *LoggerProvider) IsEnabled() bool {
	return lp.provider != nil
}

// ZapCore returns a core forwarding records enabled by level to the bridge,
// to be teed next to the local encoder core. A disabled provider yields a
// no-op core.
func (lp *LoggerProvider) ZapCore(level zapcore.LevelEnabler) zapcore.Core {
	if lp.provider == nil {
		return zapcore.NewNopCore()
	}
	core := otelzap.NewCore(lp.scope, otelzap.WithLoggerProvider(lp.provider))
	return &levelFilterCore{Core: core, enabler: level}
}

// levelFilterCore gives the otelzap core a minimum level; it has none of
// its own
type levelFilterCore struct {
	zapcore.Core
	enabler zapcore.LevelEnabler
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.enabler.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabler.Enabled(entry.Level) {
		return ce
	}
	return c.Core.Check(entry, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), enabler: c.enabler}
}
