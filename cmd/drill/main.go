// cmd/drill/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"shelfledger/internal/circulation"
	"shelfledger/internal/config"
	"shelfledger/internal/database"
	"shelfledger/internal/drill"
	"shelfledger/internal/settings"
	"shelfledger/pkg/eventstore"
)

func main() {
	concurrency := flag.Int("concurrency", 20, "simultaneous requests fired at a single copy")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		Driver:          cfg.DBDriver,
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnectAttempts: cfg.ConnectAttempts,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store := settings.NewStore(db)
	ledger := circulation.NewService(db, eventstore.NewEventStore(), store, store,
		circulation.WithLocation(cfg.Location),
		circulation.WithLockTimeout(cfg.LockTimeout),
		circulation.WithLogger(logger),
	)

	engine := drill.NewEngine(db, ledger, logger)
	results, err := engine.RunAll(ctx, engine.Experiments(*concurrency))
	if err != nil {
		log.Fatalf("Drill failed: %v", err)
	}

	failed := 0
	for _, res := range results {
		if res.HypothesisHeld {
			continue
		}
		failed++
		logger.Error("hypothesis violated",
			"experiment", res.Experiment,
			"violations", res.Violations,
			"failed_assertions", res.Failed,
			"errors", res.Errors,
		)
	}
	if failed > 0 {
		stop()
		db.Close()
		os.Exit(1)
	}
	logger.Info("all drills passed", "experiments", len(results))
}
