package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/erp/ledger/internal/bootstrap"
	"github.com/erp/ledger/internal/infrastructure/config"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Broker.Driver == config.BrokerMemory {
		fmt.Fprintln(os.Stderr, "broker.driver=memory cannot be consumed from a separate process; run cmd/ledger instead")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.NewRuntime(ctx, cfg, "consumer", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start runtime: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if err := run(ctx, rt); err != nil {
		rt.Logger.Error("Consumer exited with error", zap.Error(err))
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	rt.Shutdown(shutdownCtx)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, rt *bootstrap.Runtime) error {
	cfg := rt.Config
	log := rt.Logger

	log.Info("Starting consumers",
		zap.Strings("groups", cfg.Consumer.Groups),
		zap.Bool("saga", cfg.Saga.Enabled),
		zap.String("broker", cfg.Broker.Driver),
	)

	ledgerDB, err := rt.OpenDatabase("")
	if err != nil {
		return err
	}
	defer func() { _ = ledgerDB.Close() }()

	projectionDB := ledgerDB
	if cfg.Consumer.ProjectionDBName != "" && cfg.Consumer.ProjectionDBName != cfg.Database.DBName {
		projectionDB, err = rt.OpenDatabase(cfg.Consumer.ProjectionDBName)
		if err != nil {
			return err
		}
		defer func() { _ = projectionDB.Close() }()
	}

	transport, err := bootstrap.OpenTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	// Compensations go out synchronously so the saga sees failures
	pub := rt.NewPublishing(ledgerDB, transport.Broker)

	consumers, err := rt.NewConsumers(ctx, bootstrap.ConsumerDeps{
		Ledger:      ledgerDB,
		Projections: projectionDB,
		Transport:   transport,
		Publisher:   pub.Sync,
	})
	if err != nil {
		return err
	}

	runErr := consumers.Run(ctx, transport.Broker)
	log.Info("Stopping consumers...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := consumers.Stop(stopCtx); err != nil {
		log.Error("Consumers did not stop cleanly", zap.Error(err))
	}
	return runErr
}
