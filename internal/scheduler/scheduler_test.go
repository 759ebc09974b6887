package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/syncer"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []syncer.Request
	started chan struct{}
	release chan struct{}
	panics  bool
}

func (f *fakeRunner) Sync(ctx context.Context, req syncer.Request) (syncer.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.panics {
		panic("runner exploded")
	}
	if f.release != nil {
		<-f.release
	}
	return syncer.Result{RunID: req.RunID, Status: db.RunStatusSuccess}, nil
}

func (f *fakeRunner) calls() []syncer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncer.Request(nil), f.reqs...)
}

func newTestDB(t *testing.T) *db.Database {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "scheduler-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Tickers never fire during a test with these intervals.
var quietConfig = Config{
	SyncInterval:    time.Hour,
	HealthInterval:  time.Hour,
	CleanupInterval: time.Hour,
}

func TestTriggerSyncCreatesPendingRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)
	s := New(&fakeRunner{}, database, nil, quietConfig, nil)

	runID, err := s.TriggerSync(ctx, syncer.CollectionTraces, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := database.GetSyncRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusPending, run.Status)
	assert.Equal(t, syncer.CollectionTraces, run.CollectionID)
}

func TestTriggerSyncBusyWhenQueueFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)
	cfg := quietConfig
	cfg.QueueSize = 1
	s := New(&fakeRunner{}, database, nil, cfg, nil)

	_, err := s.TriggerSync(ctx, syncer.CollectionTraces, 0, false)
	require.NoError(t, err)

	_, err = s.TriggerSync(ctx, syncer.CollectionTraces, 0, false)
	require.ErrorIs(t, err, ErrBusy)

	// The rejected trigger's audit row must not be left dangling as pending.
	runs, err := database.LatestSyncRuns(ctx)
	require.NoError(t, err)
	var failed int
	for _, run := range runs {
		if run.Status == db.RunStatusFailed {
			failed++
			assert.Equal(t, "trigger queue full", run.ErrorDetail)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestTriggerSyncRejectsUnknownCollection(t *testing.T) {
	t.Parallel()

	s := New(&fakeRunner{}, newTestDB(t), nil, quietConfig, nil)
	_, err := s.TriggerSync(context.Background(), "datasets", 0, false)
	assert.ErrorIs(t, err, syncer.ErrUnknownCollection)
}

func TestManualTriggerRunsEnqueuedRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database := newTestDB(t)
	runner := &fakeRunner{started: make(chan struct{}, 1)}
	s := New(runner, database, nil, quietConfig, nil)
	s.Start(ctx)

	runID, err := s.TriggerSync(ctx, syncer.CollectionEvaluations, 12, true)
	require.NoError(t, err)

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger was never dequeued")
	}

	calls := runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, runID, calls[0].RunID)
	assert.Equal(t, syncer.CollectionEvaluations, calls[0].CollectionID)
	assert.Equal(t, 12, calls[0].WindowHours)
	assert.True(t, calls[0].ForceFull)

	cancel()
	s.Wait()
}

func TestOverlappingSyncTickIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := quietConfig
	cfg.Collections = []string{syncer.CollectionTraces}
	runner := &fakeRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(runner, newTestDB(t), nil, cfg, nil)

	done := make(chan struct{})
	go func() {
		s.syncAll(ctx)
		close(done)
	}()
	<-runner.started

	// Second tick lands while the first run is still holding the collection.
	s.syncAll(ctx)
	assert.Len(t, runner.calls(), 1)

	close(runner.release)
	<-done

	s.syncAll(ctx)
	assert.Len(t, runner.calls(), 2)
}

func TestJobPanicIsContainedAndLockReleased(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := quietConfig
	cfg.Collections = []string{syncer.CollectionTraces}
	runner := &fakeRunner{panics: true}
	s := New(runner, newTestDB(t), nil, cfg, nil)

	assert.NotPanics(t, func() {
		s.guard(ctx, "sync", s.syncAll)
	})

	// The panicking run must not leave the collection locked.
	runner.panics = false
	s.guard(ctx, "sync", s.syncAll)
	assert.Len(t, runner.calls(), 2)
}

type flakyPinger struct {
	calls int
	err   error
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	p.calls++
	return p.err
}

func TestHealthcheckProbesEveryDependency(t *testing.T) {
	t.Parallel()

	healthy := &flakyPinger{}
	broken := &flakyPinger{err: errors.New("connection refused")}
	s := New(&fakeRunner{}, newTestDB(t), map[string]Pinger{
		"sqlite": healthy,
		"mongo":  broken,
	}, quietConfig, nil)

	assert.NotPanics(t, func() {
		s.healthcheck(context.Background())
	})
	assert.Equal(t, 1, healthy.calls)
	assert.Equal(t, 1, broken.calls)
}

func TestCleanupPrunesOldRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)
	cfg := quietConfig
	cfg.RunRetention = 24 * time.Hour
	s := New(&fakeRunner{}, database, nil, cfg, nil)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, database.CreateSyncRun(ctx, db.SyncRun{
		RunID: "old-run", CollectionID: syncer.CollectionTraces, StartedAt: old, Status: db.RunStatusRunning,
	}))
	require.NoError(t, database.FinalizeSyncRun(ctx, "old-run", db.RunStatusSuccess, 10, "", old.Add(time.Minute)))

	s.cleanup(ctx)

	_, err := database.GetSyncRun(ctx, "old-run")
	assert.Error(t, err)
}
