package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/databases/mongodb"
	"github.com/placekeeper-io/placekeeper/databases/postgresql"
	"github.com/placekeeper-io/placekeeper/distlock"
	"github.com/placekeeper-io/placekeeper/engine/clock"
	"github.com/placekeeper-io/placekeeper/log"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/migration"
	"github.com/placekeeper-io/placekeeper/rangedeleter"
	"github.com/placekeeper-io/placekeeper/routing"
	"github.com/placekeeper-io/placekeeper/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfigWithDefaults(*configPath)
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}
	logger := log.NewDefaultLogger()

	store, err := newPlacementStore(cfg)
	if err != nil {
		stdlog.Fatalf("failed to connect to the authority store: %v", err)
	}
	defer store.Close()

	pins := rangedeleter.NewPinTracker()
	worker := rangedeleter.NewExecutor(cfg, logger, store, pins)

	router := routing.NewRouter(logger, store)
	gate := routing.NewVersionGate(logger, router, cfg.Core.NodeId)
	locks := distlock.NewLockManager(cfg, logger, store, clock.NewRealTimeSource())
	peers := service.NewHTTPPeers(cfg)

	donor := migration.NewDonorCoordinator(cfg, logger, store, locks, worker, router, peers)
	recipient := migration.NewRecipientCoordinator(cfg, logger, store, worker, peers)

	// Interrupted migrations must be resolved before serving writes
	recovery := migration.NewRecoveryManager(cfg, logger, store, worker)
	recoveryCtx, recoveryCancel := context.WithTimeout(context.Background(), cfg.Core.DatabaseAPITimeout*4)
	if err := recovery.Run(recoveryCtx); err != nil {
		recoveryCancel()
		stdlog.Fatalf("migration recovery failed: %v", err)
	}
	recoveryCancel()

	worker.Start()
	defer worker.Stop()

	server := service.NewServer(cfg, logger, donor, recipient, gate, router, pins)
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			stdlog.Fatalf("HTTP service failed: %v", err)
		}
	case sig := <-signalChan:
		logger.Info("Shutting down on signal", tag.Value(sig.String()))
		if err := server.Stop(context.Background()); err != nil {
			stdlog.Printf("shutdown error: %v", err)
		}
	}
}

func newPlacementStore(cfg *config.Config) (databases.PlacementStore, error) {
	switch cfg.Store.Backend {
	case "mongodb":
		return mongodb.NewMongoDBPlacementStore(&cfg.Store.MongoDB)
	case "postgresql":
		return postgresql.NewPostgreSQLPlacementStore(&cfg.Store.PostgreSQL)
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", cfg.Store.Backend)
	}
}
