// Package syncer pulls incremental changes from the external document store
// into the local relational tables, advancing a per-collection cursor only
// after each batch is durably committed.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/obsync/obsync/internal/breaker"
	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/extstore"
)

// ResourceExternalStore is the circuit breaker resource name for all reads
// against the external document store.
const ResourceExternalStore = "external-store"

// Synced collections.
const (
	CollectionTraces      = "traces"
	CollectionEvaluations = "evaluations"
)

// ErrUnknownCollection is returned for collections this deployment does not sync.
var ErrUnknownCollection = errors.New("syncer: unknown collection")

// Source fetches change-ordered documents from the external store.
type Source interface {
	FetchChanges(ctx context.Context, collection string, since time.Time, afterID string, limit int) ([]extstore.Document, error)
}

// Invalidator lets sync drop cached read results after it mutates the store.
type Invalidator interface {
	Invalidate(ctx context.Context, keyOrPrefix string)
}

// Config tunes the sync algorithm.
type Config struct {
	// BatchSize bounds each pull from the external store. Default: 100.
	BatchSize int
	// WindowHours is how far back a first sync of a collection reaches. Default: 24.
	WindowHours int
	// FullWindowHours is the wider window used by force_full. Default: 168.
	FullWindowHours int
	// RetryBase is the first backoff step for transient fetch failures; two
	// retries follow the initial attempt before the failure counts against
	// the circuit breaker. Default: 1s.
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.WindowHours <= 0 {
		c.WindowHours = 24
	}
	if c.FullWindowHours <= 0 {
		c.FullWindowHours = 168
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

// Request describes one sync invocation. RunID is set when the run was
// already enqueued as pending by a manual trigger.
type Request struct {
	RunID        string
	CollectionID string
	WindowHours  int
	ForceFull    bool
}

// Result summarizes a finished run.
type Result struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	RecordsProcessed int    `json:"records_processed"`
	ErrorDetail      string `json:"error_detail,omitempty"`
}

// Syncer is the external store sync service.
type Syncer struct {
	store    *db.Database
	source   Source
	breakers *breaker.Registry
	cache    Invalidator
	cfg      Config
	log      *slog.Logger
}

// New creates a sync service.
func New(store *db.Database, source Source, breakers *breaker.Registry, cache Invalidator, cfg Config, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		store:    store,
		source:   source,
		breakers: breakers,
		cache:    cache,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// KnownCollection reports whether the collection is synced by this deployment.
func KnownCollection(collectionID string) bool {
	return collectionID == CollectionTraces || collectionID == CollectionEvaluations
}

// Sync runs one incremental sync for the collection. Failures are recorded in
// the run's audit row and returned in the Result; the error return is
// reserved for bookkeeping problems (the audit row itself being unwritable).
func (s *Syncer) Sync(ctx context.Context, req Request) (Result, error) {
	if !KnownCollection(req.CollectionID) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCollection, req.CollectionID)
	}

	runID, err := s.startRun(ctx, req)
	if err != nil {
		return Result{}, err
	}

	result := s.run(ctx, runID, req)

	// The run context may already be past its deadline; the audit row must
	// still be finalized.
	finalizeCtx := context.WithoutCancel(ctx)
	if err := s.store.FinalizeSyncRun(finalizeCtx, runID, result.Status, result.RecordsProcessed, result.ErrorDetail, time.Now().UTC()); err != nil {
		return result, fmt.Errorf("finalize run %s: %w", runID, err)
	}
	s.log.InfoContext(ctx, "sync run finished",
		"run_id", runID,
		"collection", req.CollectionID,
		"status", result.Status,
		"records", result.RecordsProcessed,
	)
	return result, nil
}

func (s *Syncer) startRun(ctx context.Context, req Request) (string, error) {
	now := time.Now().UTC()
	if req.RunID != "" {
		if err := s.store.MarkSyncRunRunning(ctx, req.RunID, now); err != nil {
			return "", fmt.Errorf("mark run running: %w", err)
		}
		return req.RunID, nil
	}

	runID := uuid.NewString()
	run := db.SyncRun{RunID: runID, CollectionID: req.CollectionID, StartedAt: now, Status: db.RunStatusRunning}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return runID, nil
}

func (s *Syncer) run(ctx context.Context, runID string, req Request) Result {
	result := Result{RunID: runID, Status: db.RunStatusSuccess}

	since, afterID, err := s.startPosition(ctx, req)
	if err != nil {
		result.Status = db.RunStatusFailed
		result.ErrorDetail = err.Error()
		return result
	}

	br := s.breakers.Get(ResourceExternalStore)
	for {
		if err := ctx.Err(); err != nil {
			s.fail(&result, fmt.Errorf("deadline reached: %w", err))
			return result
		}

		docs, err := s.fetchBatch(ctx, br, req.CollectionID, since, afterID)
		if err != nil {
			s.fail(&result, err)
			return result
		}
		if len(docs) == 0 {
			return result
		}

		last := docs[len(docs)-1]
		cursor := db.SyncCursor{
			CollectionID: req.CollectionID,
			LastSyncedAt: last.UpdatedAt,
			LastRecordID: last.ID,
		}
		if err := s.applyBatch(ctx, req.CollectionID, docs, cursor); err != nil {
			s.fail(&result, fmt.Errorf("apply batch: %w", err))
			return result
		}
		result.RecordsProcessed += len(docs)
		s.invalidateReads(ctx)

		if len(docs) < s.cfg.BatchSize {
			return result
		}
		since, afterID = last.UpdatedAt, last.ID
	}
}

// startPosition resolves the cursor to resume from. A collection that has
// never been synced starts at now minus the sync window.
func (s *Syncer) startPosition(ctx context.Context, req Request) (time.Time, string, error) {
	window := s.cfg.WindowHours
	if req.WindowHours > 0 {
		window = req.WindowHours
	}
	if req.ForceFull {
		window = s.cfg.FullWindowHours
		if req.WindowHours > 0 {
			window = req.WindowHours
		}
	}
	fallback := time.Now().UTC().Add(-time.Duration(window) * time.Hour)

	if req.ForceFull {
		return fallback, "", nil
	}

	cursor, err := s.store.GetSyncCursor(ctx, req.CollectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, "", nil
	}
	if err != nil {
		return time.Time{}, "", fmt.Errorf("read cursor: %w", err)
	}
	return cursor.LastSyncedAt, cursor.LastRecordID, nil
}

// fetchBatch pulls one batch through the circuit breaker. Transient failures
// are retried with exponential backoff inside the breaker call, so only an
// exhausted retry budget counts as a breaker failure.
func (s *Syncer) fetchBatch(ctx context.Context, br *breaker.Breaker, collection string, since time.Time, afterID string) ([]extstore.Document, error) {
	var docs []extstore.Document
	err := br.Do(ctx, func(ctx context.Context) error {
		backoff := retry.WithMaxRetries(2, retry.NewExponential(s.cfg.RetryBase))
		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			fetched, fetchErr := s.source.FetchChanges(ctx, collection, since, afterID, s.cfg.BatchSize)
			if fetchErr != nil {
				return retry.RetryableError(fetchErr)
			}
			docs = fetched
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Syncer) applyBatch(ctx context.Context, collection string, docs []extstore.Document, cursor db.SyncCursor) error {
	switch collection {
	case CollectionTraces:
		traces, err := transformTraces(docs)
		if err != nil {
			return err
		}
		return s.store.ApplyTraceBatch(ctx, traces, cursor)
	case CollectionEvaluations:
		evals, err := transformEvaluations(docs)
		if err != nil {
			return err
		}
		return s.store.ApplyEvaluationBatch(ctx, evals, cursor)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
}

func (s *Syncer) invalidateReads(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, "metrics:")
	s.cache.Invalidate(ctx, "traces:")
}

// fail marks the result partial when earlier batches committed and failed
// otherwise. The persisted cursor already sits at the last committed batch,
// so the next run resumes without a gap.
func (s *Syncer) fail(result *Result, err error) {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		result.ErrorDetail = "circuit open"
	} else {
		result.ErrorDetail = err.Error()
	}

	if result.RecordsProcessed > 0 {
		result.Status = db.RunStatusPartial
	} else {
		result.Status = db.RunStatusFailed
	}
}
