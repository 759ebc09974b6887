package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/obsync/obsync/internal/breaker"
	"github.com/obsync/obsync/internal/config"
	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/extstore"
	"github.com/obsync/obsync/internal/syncer"
)

func main() {
	var (
		dbPath      string
		collection  string
		windowHours int
		forceFull   bool
		timeout     time.Duration
	)

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.LoadForTool()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	flag.StringVar(&dbPath, "db", cfg.Database.Path, "database path without .sqlite suffix")
	flag.StringVar(&collection, "collection", syncer.CollectionTraces, "collection to sync (traces or evaluations)")
	flag.IntVar(&windowHours, "window", 0, "override sync window in hours (0 uses the cursor)")
	flag.BoolVar(&forceFull, "full", false, "ignore the cursor and resync the full window")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "run timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = database.Close() }()

	ext, err := extstore.Dial(ctx, cfg.ExternalStore.MongoURI, cfg.ExternalStore.MongoDatabase)
	if err != nil {
		log.Fatalf("connect external store: %v", err)
	}
	defer func() { _ = ext.Close(context.Background()) }()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		MinInterval:      cfg.Breaker.MinInterval,
		CallTimeout:      cfg.Breaker.CallTimeout,
	})

	sync := syncer.New(database, ext, breakers, nil, syncer.Config{
		BatchSize:       cfg.Sync.BatchSize,
		WindowHours:     cfg.Sync.WindowHours,
		FullWindowHours: cfg.Sync.FullWindowHours,
	}, logger)

	result, err := sync.Sync(ctx, syncer.Request{
		CollectionID: collection,
		WindowHours:  windowHours,
		ForceFull:    forceFull,
	})
	if err != nil {
		log.Fatalf("sync %s: %v", collection, err)
	}

	fmt.Printf("sync run complete\n")
	fmt.Printf("run id:  %s\n", result.RunID)
	fmt.Printf("status:  %s\n", result.Status)
	fmt.Printf("records: %d\n", result.RecordsProcessed)
	if result.ErrorDetail != "" {
		fmt.Printf("detail:  %s\n", result.ErrorDetail)
	}
	if result.Status != db.RunStatusSuccess {
		os.Exit(1)
	}
}
