package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/obsync/obsync/internal/breaker"
	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/extstore"
)

// fakeSource serves documents with the same (updated_at, _id) cursor
// semantics as the real external store, with optional injected failures.
type fakeSource struct {
	docs    []extstore.Document
	calls   int
	failOn  map[int]error // 1-based call number -> error
	onFetch func(call int)
}

func (f *fakeSource) FetchChanges(ctx context.Context, collection string, since time.Time, afterID string, limit int) ([]extstore.Document, error) {
	f.calls++
	if f.onFetch != nil {
		f.onFetch(f.calls)
	}
	if err, ok := f.failOn[f.calls]; ok {
		return nil, err
	}

	var out []extstore.Document
	for _, doc := range f.docs {
		if doc.UpdatedAt.After(since) || (doc.UpdatedAt.Equal(since) && doc.ID > afterID) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func traceDoc(t *testing.T, id string, updatedAt time.Time) extstore.Document {
	t.Helper()

	raw, err := bson.Marshal(traceDocument{
		ID:         id,
		Name:       "chat",
		Status:     "ok",
		DurationMS: 120,
		Model:      "gpt-test",
		StartedAt:  updatedAt.Add(-time.Second),
		UpdatedAt:  updatedAt,
	})
	require.NoError(t, err)
	return extstore.Document{ID: id, UpdatedAt: updatedAt, Data: raw}
}

func newTestSyncer(t *testing.T, source Source) (*Syncer, *db.Database, *breaker.Registry) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "syncer-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3,
		MinInterval:      time.Nanosecond,
		CallTimeout:      5 * time.Second,
	})
	cfg := Config{BatchSize: 100, RetryBase: time.Millisecond}
	return New(database, source, breakers, nil, cfg, nil), database, breakers
}

func seedDocs(t *testing.T, n int, base time.Time) []extstore.Document {
	t.Helper()

	docs := make([]extstore.Document, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tr-%04d", i)
		docs = append(docs, traceDoc(t, id, base.Add(time.Duration(i)*time.Second)))
	}
	return docs
}

func TestSyncAdvancesCursorAndRecordsSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{docs: seedDocs(t, 250, base)}
	s, database, _ := newTestSyncer(t, source)

	result, err := s.Sync(ctx, Request{CollectionID: CollectionTraces})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, result.Status)
	assert.Equal(t, 250, result.RecordsProcessed)

	cursor, err := database.GetSyncCursor(ctx, CollectionTraces)
	require.NoError(t, err)
	assert.Equal(t, "tr-0249", cursor.LastRecordID)
	assert.True(t, cursor.LastSyncedAt.Equal(base.Add(249*time.Second)))

	run, err := database.GetSyncRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, run.Status)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestSyncPartialFailureLeavesCursorAtLastCommittedBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		docs:   seedDocs(t, 250, base),
		failOn: map[int]error{3: errors.New("upstream 503")},
	}
	// Every transient failure is retried before it surfaces, so call 3 keeps
	// failing on its retries too.
	source.failOn[4] = source.failOn[3]
	source.failOn[5] = source.failOn[3]

	s, database, _ := newTestSyncer(t, source)

	result, err := s.Sync(ctx, Request{CollectionID: CollectionTraces})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusPartial, result.Status)
	assert.Equal(t, 200, result.RecordsProcessed)
	assert.Contains(t, result.ErrorDetail, "upstream 503")

	cursor, err := database.GetSyncCursor(ctx, CollectionTraces)
	require.NoError(t, err)
	assert.Equal(t, "tr-0199", cursor.LastRecordID, "cursor stays at the end of batch 2")
}

func TestSyncResumesFromDurableCursorWithoutGap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		docs:   seedDocs(t, 250, base),
		failOn: map[int]error{3: errors.New("boom"), 4: errors.New("boom"), 5: errors.New("boom")},
	}
	s, database, _ := newTestSyncer(t, source)

	first, err := s.Sync(ctx, Request{CollectionID: CollectionTraces})
	require.NoError(t, err)
	require.Equal(t, db.RunStatusPartial, first.Status)

	second, err := s.Sync(ctx, Request{CollectionID: CollectionTraces})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, second.Status)
	assert.Equal(t, 50, second.RecordsProcessed, "only records past the durable cursor are reprocessed")

	cursor, err := database.GetSyncCursor(ctx, CollectionTraces)
	require.NoError(t, err)
	assert.Equal(t, "tr-0249", cursor.LastRecordID)
}

func TestSyncSkippedWhenCircuitOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	source := &fakeSource{}
	s, database, breakers := newTestSyncer(t, source)

	br := breakers.Get(ResourceExternalStore)
	for i := 0; i < 3; i++ {
		_ = br.Do(ctx, func(ctx context.Context) error { return errors.New("down") })
	}

	result, err := s.Sync(ctx, Request{CollectionID: CollectionTraces})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, result.Status)
	assert.Equal(t, "circuit open", result.ErrorDetail)
	assert.Zero(t, source.calls, "no fetch is attempted while the circuit is open")

	run, err := database.GetSyncRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "circuit open", run.ErrorDetail)
}

func TestSyncDeadlineAbortsBetweenBatches(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{docs: seedDocs(t, 250, base)}
	source.onFetch = func(call int) {
		if call == 3 {
			cancel()
		}
	}
	s, database, _ := newTestSyncer(t, source)

	result, err := s.Sync(ctx, Request{CollectionID: CollectionTraces})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusPartial, result.Status)
	assert.Equal(t, 200, result.RecordsProcessed)

	cursor, err := database.GetSyncCursor(context.Background(), CollectionTraces)
	require.NoError(t, err)
	assert.Equal(t, "tr-0199", cursor.LastRecordID)
}

func TestSyncRejectsUnknownCollection(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSyncer(t, &fakeSource{})
	_, err := s.Sync(context.Background(), Request{CollectionID: "users"})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestSyncEvaluationsCollection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	completed := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	raw, err := bson.Marshal(evaluationDocument{
		ID:          "ev-1",
		TraceID:     "tr-0001",
		Score:       0.92,
		Verdict:     "pass",
		CompletedAt: completed,
		UpdatedAt:   completed,
	})
	require.NoError(t, err)

	source := &fakeSource{docs: []extstore.Document{{ID: "ev-1", UpdatedAt: completed, Data: raw}}}
	s, database, _ := newTestSyncer(t, source)

	result, err := s.Sync(ctx, Request{CollectionID: CollectionEvaluations})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, result.RecordsProcessed)

	cursor, err := database.GetSyncCursor(ctx, CollectionEvaluations)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", cursor.LastRecordID)
}
