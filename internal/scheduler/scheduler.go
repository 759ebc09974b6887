// Package scheduler drives the periodic background jobs: per-collection sync,
// dependency health checks, and retention cleanup. Manual sync triggers are
// enqueued as pending run rows and picked up by a single worker, so callers
// get a run id immediately and poll for the outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/syncer"
)

// ErrBusy is returned when the manual trigger queue is full.
var ErrBusy = errors.New("scheduler: trigger queue full")

// SyncRunner runs one sync for a collection.
type SyncRunner interface {
	Sync(ctx context.Context, req syncer.Request) (syncer.Result, error)
}

// Pinger is a dependency probed by the health check job.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the job intervals and retention windows.
type Config struct {
	// SyncInterval is the periodic sync cadence. Default: 5m.
	SyncInterval time.Duration
	// HealthInterval is the dependency probe cadence. Default: 1m.
	HealthInterval time.Duration
	// CleanupInterval is the retention sweep cadence. Default: 1h.
	CleanupInterval time.Duration
	// RunRetention is how long finished sync runs are kept. Default: 72h.
	RunRetention time.Duration
	// EventRetention is how long processed webhook events are kept. Default: 72h.
	EventRetention time.Duration
	// SyncTimeout bounds one sync run. Default: 10m.
	SyncTimeout time.Duration
	// QueueSize bounds pending manual triggers. Default: 16.
	QueueSize int
	// Collections lists the collections synced on the periodic cadence.
	Collections []string
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RunRetention <= 0 {
		c.RunRetention = 72 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 72 * time.Hour
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 10 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if len(c.Collections) == 0 {
		c.Collections = []string{syncer.CollectionTraces, syncer.CollectionEvaluations}
	}
	return c
}

// Scheduler owns the background job loops.
type Scheduler struct {
	runner  SyncRunner
	store   *db.Database
	pingers map[string]Pinger
	cfg     Config
	log     *slog.Logger

	queue chan syncer.Request
	// syncMu serializes sync work per collection. Periodic ticks use TryLock
	// and skip when a run is still in flight; the manual trigger worker blocks
	// until the collection is free so an enqueued run is never dropped.
	syncMu    map[string]*sync.Mutex
	cleanupMu sync.Mutex
	wg        sync.WaitGroup
}

// New creates a scheduler. pingers maps a dependency name to its probe.
func New(runner SyncRunner, store *db.Database, pingers map[string]Pinger, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	// Manual triggers accept any known collection, not just the ones on the
	// periodic cadence, so every known collection gets a lock.
	mu := make(map[string]*sync.Mutex, len(cfg.Collections)+2)
	for _, collection := range append([]string{syncer.CollectionTraces, syncer.CollectionEvaluations}, cfg.Collections...) {
		mu[collection] = &sync.Mutex{}
	}
	return &Scheduler{
		runner:  runner,
		store:   store,
		pingers: pingers,
		cfg:     cfg,
		log:     log,
		queue:   make(chan syncer.Request, cfg.QueueSize),
		syncMu:  mu,
	}
}

// Start launches the job loops. They stop when ctx is cancelled; Wait blocks
// until all of them have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.consumeTriggers(ctx)

	s.every(ctx, s.cfg.SyncInterval, "sync", s.syncAll)
	s.every(ctx, s.cfg.HealthInterval, "healthcheck", s.healthcheck)
	s.every(ctx, s.cfg.CleanupInterval, "cleanup", s.cleanup)
}

// Wait blocks until every job loop has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// TriggerSync enqueues a manual sync and returns the run id for polling. The
// run row is created as pending before enqueueing, so a crash between the two
// leaves an auditable stuck-pending row rather than a silent drop.
func (s *Scheduler) TriggerSync(ctx context.Context, collectionID string, windowHours int, forceFull bool) (string, error) {
	if !syncer.KnownCollection(collectionID) {
		return "", fmt.Errorf("%w: %q", syncer.ErrUnknownCollection, collectionID)
	}

	runID := uuid.NewString()
	run := db.SyncRun{
		RunID:        runID,
		CollectionID: collectionID,
		StartedAt:    time.Now().UTC(),
		Status:       db.RunStatusPending,
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return "", fmt.Errorf("create pending run: %w", err)
	}

	req := syncer.Request{
		RunID:        runID,
		CollectionID: collectionID,
		WindowHours:  windowHours,
		ForceFull:    forceFull,
	}
	select {
	case s.queue <- req:
		return runID, nil
	default:
		if err := s.store.FinalizeSyncRun(ctx, runID, db.RunStatusFailed, 0, "trigger queue full", time.Now().UTC()); err != nil {
			s.log.ErrorContext(ctx, "failed to finalize rejected trigger", "run_id", runID, "error", err)
		}
		return "", ErrBusy
	}
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, job string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.guard(ctx, job, fn)
			}
		}
	}()
}

// guard isolates a job panic so one bad run cannot take the loop down.
func (s *Scheduler) guard(ctx context.Context, job string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "scheduled job panicked",
				"job", job,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(ctx)
}

func (s *Scheduler) consumeTriggers(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			mu := s.syncMu[req.CollectionID]
			mu.Lock()
			s.guard(ctx, "sync:"+req.CollectionID, func(ctx context.Context) {
				s.runSync(ctx, req)
			})
			mu.Unlock()
		}
	}
}

func (s *Scheduler) syncAll(ctx context.Context) {
	for _, collection := range s.cfg.Collections {
		s.syncCollection(ctx, syncer.Request{CollectionID: collection})
	}
}

func (s *Scheduler) syncCollection(ctx context.Context, req syncer.Request) {
	mu := s.syncMu[req.CollectionID]
	if !mu.TryLock() {
		s.log.InfoContext(ctx, "sync still in progress, skipping tick", "collection", req.CollectionID)
		return
	}
	defer mu.Unlock()
	s.runSync(ctx, req)
}

func (s *Scheduler) runSync(ctx context.Context, req syncer.Request) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	if _, err := s.runner.Sync(runCtx, req); err != nil {
		s.log.ErrorContext(ctx, "sync run bookkeeping failed",
			"collection", req.CollectionID, "error", err)
	}
}

func (s *Scheduler) healthcheck(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for name, pinger := range s.pingers {
		if err := pinger.Ping(probeCtx); err != nil {
			s.log.WarnContext(ctx, "dependency unhealthy", "dependency", name, "error", err)
		}
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if !s.cleanupMu.TryLock() {
		return
	}
	defer s.cleanupMu.Unlock()

	now := time.Now().UTC()
	runs, err := s.store.PruneSyncRuns(ctx, now.Add(-s.cfg.RunRetention))
	if err != nil {
		s.log.ErrorContext(ctx, "prune sync runs failed", "error", err)
	}
	events, err := s.store.PruneWebhookEvents(ctx, now.Add(-s.cfg.EventRetention))
	if err != nil {
		s.log.ErrorContext(ctx, "prune webhook events failed", "error", err)
	}
	if runs > 0 || events > 0 {
		s.log.InfoContext(ctx, "retention sweep finished", "runs_pruned", runs, "events_pruned", events)
	}
}
