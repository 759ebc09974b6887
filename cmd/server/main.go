package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obsync/obsync/internal/breaker"
	"github.com/obsync/obsync/internal/cache"
	"github.com/obsync/obsync/internal/config"
	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/extstore"
	"github.com/obsync/obsync/internal/scheduler"
	"github.com/obsync/obsync/internal/server"
	"github.com/obsync/obsync/internal/server/routes"
	"github.com/obsync/obsync/internal/syncer"
	"github.com/obsync/obsync/internal/webhook"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	ext, err := extstore.Dial(ctx, cfg.ExternalStore.MongoURI, cfg.ExternalStore.MongoDatabase)
	if err != nil {
		slog.Error("Failed to connect external store", "error", err)
		return
	}
	defer func() {
		if err := ext.Close(context.Background()); err != nil {
			slog.Error("Failed to disconnect external store", "error", err)
		}
	}()

	tiers := []cache.Backend{cache.NewMemory(cfg.Cache.MaxEntries)}
	if cfg.Cache.Distributed {
		mongoTier, err := cache.NewMongo(ctx, ext.CacheCollection("cache_entries"))
		if err != nil {
			slog.Warn("Distributed cache tier unavailable, continuing with local tier only", "error", err)
		} else {
			tiers = append(tiers, mongoTier)
		}
	}
	manager := cache.NewManager(log, tiers...)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		MinInterval:      cfg.Breaker.MinInterval,
		CallTimeout:      cfg.Breaker.CallTimeout,
	})

	sync := syncer.New(database, ext, breakers, manager, syncer.Config{
		BatchSize:       cfg.Sync.BatchSize,
		WindowHours:     cfg.Sync.WindowHours,
		FullWindowHours: cfg.Sync.FullWindowHours,
	}, log)

	sources := make(map[string]webhook.SourceConfig, len(cfg.Webhooks.Sources))
	for name, src := range cfg.Webhooks.Sources {
		sources[name] = webhook.SourceConfig{
			Secret:      src.Secret,
			Legacy:      src.Legacy,
			CloudEvents: src.CloudEvents,
		}
	}
	ingestion := webhook.NewService(database, manager, sources, cfg.Webhooks.SkipVerify, log)
	if cfg.Webhooks.SkipVerify {
		slog.Warn("Webhook signature verification is disabled")
	}

	sched := scheduler.New(sync, database, map[string]scheduler.Pinger{
		"sqlite": database,
		"mongo":  ext,
	}, scheduler.Config{
		SyncInterval:   cfg.Sync.Interval,
		SyncTimeout:    cfg.Sync.Timeout,
		QueueSize:      cfg.Sync.QueueSize,
		RunRetention:   cfg.RunRetention(),
		EventRetention: cfg.RunRetention(),
	}, log)
	sched.Start(ctx)

	srv := server.New(log)
	srv.RegisterRouter(routes.NewWebhookRoutes(ingestion))
	srv.RegisterRouter(routes.NewSyncRoutes(sched, database, breakers, cfg.Server.TriggerToken))
	srv.RegisterRouter(routes.NewReadRoutes(database, manager, cfg.Cache.TTL))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	slog.Info("Starting server", "port", cfg.Server.Port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	sched.Wait()
	slog.Info("Server stopped cleanly")
}
