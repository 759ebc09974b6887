package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "store-test"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestCursorAdvancesWithTraceBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	if _, err := database.GetSyncCursor(ctx, "traces"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for unsynced collection, got %v", err)
	}

	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	batch := []Trace{
		{TraceID: "tr-1", Name: "chat", Status: "ok", StartedAt: t1, UpdatedAt: t1},
		{TraceID: "tr-2", Name: "chat", Status: "error", StartedAt: t1, UpdatedAt: t1.Add(time.Minute)},
	}
	cursor := SyncCursor{CollectionID: "traces", LastSyncedAt: t1.Add(time.Minute), LastRecordID: "tr-2"}
	if err := database.ApplyTraceBatch(ctx, batch, cursor); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	got, err := database.GetSyncCursor(ctx, "traces")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !got.LastSyncedAt.Equal(t1.Add(time.Minute)) || got.LastRecordID != "tr-2" {
		t.Fatalf("unexpected cursor: %+v", got)
	}
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	forward := SyncCursor{CollectionID: "traces", LastSyncedAt: t1, LastRecordID: "tr-9"}
	if err := database.ApplyTraceBatch(ctx, nil, forward); err != nil {
		t.Fatalf("apply forward cursor: %v", err)
	}

	backward := SyncCursor{CollectionID: "traces", LastSyncedAt: t1.Add(-time.Hour), LastRecordID: "tr-1"}
	if err := database.ApplyTraceBatch(ctx, nil, backward); err != nil {
		t.Fatalf("apply backward cursor: %v", err)
	}

	got, err := database.GetSyncCursor(ctx, "traces")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !got.LastSyncedAt.Equal(t1) || got.LastRecordID != "tr-9" {
		t.Fatalf("cursor moved backwards: %+v", got)
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	run := SyncRun{RunID: "run-1", CollectionID: "traces", StartedAt: started, Status: RunStatusRunning}
	if err := database.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	finished := started.Add(30 * time.Second)
	if err := database.FinalizeSyncRun(ctx, "run-1", RunStatusPartial, 200, "batch 3 failed", finished); err != nil {
		t.Fatalf("finalize run: %v", err)
	}

	// A second finalize must not overwrite the terminal status.
	if err := database.FinalizeSyncRun(ctx, "run-1", RunStatusSuccess, 999, "", finished.Add(time.Minute)); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	got, err := database.GetSyncRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusPartial || got.RecordsProcessed != 200 || got.ErrorDetail != "batch 3 failed" {
		t.Fatalf("unexpected run: %+v", got)
	}

	latest, err := database.LatestSyncRuns(ctx)
	if err != nil {
		t.Fatalf("latest runs: %v", err)
	}
	if len(latest) != 1 || latest[0].RunID != "run-1" {
		t.Fatalf("unexpected latest runs: %+v", latest)
	}
}

func TestWebhookEventDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	ev := WebhookEvent{
		EventID:    "abc123",
		DedupKey:   "dk-1",
		Source:     "obs-api",
		EventType:  "trace.created",
		Payload:    []byte(`{"id":"abc123"}`),
		ReceivedAt: time.Now(),
	}
	id, err := database.InsertWebhookEvent(ctx, ev)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := database.FinalizeWebhookEvent(ctx, id, EventStatusProcessed, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := database.InsertWebhookEvent(ctx, ev); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if err := database.MarkWebhookEventDuplicate(ctx, "dk-1"); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}

	got, err := database.GetWebhookEventByDedupKey(ctx, "dk-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != EventStatusDuplicate {
		t.Fatalf("expected duplicate status, got %s", got.Status)
	}
}

func TestReopenWebhookEventOnlyWhenFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	id, err := database.InsertWebhookEvent(ctx, WebhookEvent{DedupKey: "dk-r", Source: "obs-api", ReceivedAt: time.Now()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	reopened, err := database.ReopenWebhookEvent(ctx, "dk-r")
	if err != nil {
		t.Fatalf("reopen pending: %v", err)
	}
	if reopened {
		t.Fatal("pending event must not be reopened")
	}

	if err := database.FinalizeWebhookEvent(ctx, id, EventStatusFailed, "boom"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	reopened, err = database.ReopenWebhookEvent(ctx, "dk-r")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !reopened {
		t.Fatal("failed event should be reopened for retry")
	}

	got, err := database.GetWebhookEventByDedupKey(ctx, "dk-r")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != EventStatusPending || got.ErrorDetail != "" {
		t.Fatalf("unexpected reopened event: %+v", got)
	}
}

func TestFinalizeWebhookEventOnlyTouchesPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	id, err := database.InsertWebhookEvent(ctx, WebhookEvent{DedupKey: "dk-2", Source: "obs-api", ReceivedAt: time.Now()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := database.FinalizeWebhookEvent(ctx, id, EventStatusFailed, "handler exploded"); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := database.FinalizeWebhookEvent(ctx, id, EventStatusProcessed, ""); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	got, err := database.GetWebhookEventByDedupKey(ctx, "dk-2")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != EventStatusFailed || got.ErrorDetail != "handler exploded" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestPruneKeepsFailedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	insert := func(key, status string) {
		id, err := database.InsertWebhookEvent(ctx, WebhookEvent{DedupKey: key, Source: "obs-api", ReceivedAt: old})
		if err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
		if status != EventStatusPending {
			if err := database.FinalizeWebhookEvent(ctx, id, status, ""); err != nil {
				t.Fatalf("finalize %s: %v", key, err)
			}
		}
	}
	insert("p1", EventStatusProcessed)
	insert("f1", EventStatusFailed)

	deleted, err := database.PruneWebhookEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned event, got %d", deleted)
	}
	if _, err := database.GetWebhookEventByDedupKey(ctx, "f1"); err != nil {
		t.Fatalf("failed event should survive pruning: %v", err)
	}
}

func TestQueryLatencyStatsRecordInstrumentedQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	if _, err := database.ListTraces(ctx, 10, 0); err != nil {
		t.Fatalf("list traces: %v", err)
	}

	stats := database.QueryLatencyStats()
	if len(stats) != 1 || stats[0].Name != "list_traces" {
		t.Fatalf("unexpected latency stats: %+v", stats)
	}
	if stats[0].Count != 1 || stats[0].Max <= 0 {
		t.Fatalf("unexpected sample: %+v", stats[0])
	}
}

func TestMetricsSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newTestDB(t)

	now := time.Now().UTC()
	traces := []Trace{
		{TraceID: "tr-1", Status: "ok", DurationMS: 100, StartedAt: now, UpdatedAt: now},
		{TraceID: "tr-2", Status: "error", DurationMS: 300, StartedAt: now, UpdatedAt: now},
	}
	cursor := SyncCursor{CollectionID: "traces", LastSyncedAt: now, LastRecordID: "tr-2"}
	if err := database.ApplyTraceBatch(ctx, traces, cursor); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if err := database.UpsertEvaluation(ctx, Evaluation{EvalID: "ev-1", TraceID: "tr-1", Score: 0.8, Verdict: "pass", CompletedAt: now}); err != nil {
		t.Fatalf("upsert evaluation: %v", err)
	}

	summary, err := database.MetricsSummary(ctx, 24)
	if err != nil {
		t.Fatalf("metrics summary: %v", err)
	}
	if summary.TraceCount != 2 || summary.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.ErrorRate != 0.5 || summary.AvgDurationMS != 200 {
		t.Fatalf("unexpected aggregates: %+v", summary)
	}
	if summary.EvalCount != 1 || summary.AvgEvalScore != 0.8 {
		t.Fatalf("unexpected eval aggregates: %+v", summary)
	}
}
