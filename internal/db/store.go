package db

import (
	"context"
	"database/sql"
	"time"
)

// GetSyncCursor fetches the cursor for one collection. Returns sql.ErrNoRows
// when the collection has never been synced.
func (d *Database) GetSyncCursor(ctx context.Context, collectionID string) (SyncCursor, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT collection_id, last_synced_at, last_record_id, updated_at
		 FROM sync_cursors WHERE collection_id = ?`, collectionID)
	return scanCursor(row)
}

// ListSyncCursors returns every collection cursor ordered by collection id.
func (d *Database) ListSyncCursors(ctx context.Context) ([]SyncCursor, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT collection_id, last_synced_at, last_record_id, updated_at
		 FROM sync_cursors ORDER BY collection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []SyncCursor
	for rows.Next() {
		cur, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, cur)
	}
	return cursors, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCursor(row rowScanner) (SyncCursor, error) {
	var cur SyncCursor
	var syncedAt, updatedAt int64
	if err := row.Scan(&cur.CollectionID, &syncedAt, &cur.LastRecordID, &updatedAt); err != nil {
		return SyncCursor{}, err
	}
	cur.LastSyncedAt = fromMillis(syncedAt)
	cur.UpdatedAt = fromMillis(updatedAt)
	return cur, nil
}

const upsertCursorSQL = `
INSERT INTO sync_cursors (collection_id, last_synced_at, last_record_id, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (collection_id) DO UPDATE SET
	last_synced_at = excluded.last_synced_at,
	last_record_id = excluded.last_record_id,
	updated_at = excluded.updated_at
WHERE excluded.last_synced_at >= sync_cursors.last_synced_at`

// CreateSyncRun inserts a new audit row for a sync invocation.
func (d *Database) CreateSyncRun(ctx context.Context, run SyncRun) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, collection_id, started_at, status, records_processed, error_detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CollectionID, toMillis(run.StartedAt), run.Status, run.RecordsProcessed, run.ErrorDetail)
	return err
}

// MarkSyncRunRunning flips an enqueued run to running and stamps its start time.
func (d *Database) MarkSyncRunRunning(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, started_at = ? WHERE run_id = ? AND status = ?`,
		RunStatusRunning, toMillis(startedAt), runID, RunStatusPending)
	return err
}

// FinalizeSyncRun records the terminal status of a run. Already-finalized rows
// are left untouched.
func (d *Database) FinalizeSyncRun(ctx context.Context, runID, status string, recordsProcessed int, errorDetail string, finishedAt time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, records_processed = ?, error_detail = ?, finished_at = ?
		 WHERE run_id = ? AND status IN (?, ?)`,
		status, recordsProcessed, errorDetail, toMillis(finishedAt), runID, RunStatusPending, RunStatusRunning)
	return err
}

// GetSyncRun fetches a single run by id.
func (d *Database) GetSyncRun(ctx context.Context, runID string) (SyncRun, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT run_id, collection_id, started_at, finished_at, status, records_processed, error_detail
		 FROM sync_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// LatestSyncRuns returns the most recent run per collection.
func (d *Database) LatestSyncRuns(ctx context.Context) ([]SyncRun, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, collection_id, started_at, finished_at, status, records_processed, error_detail
		 FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY collection_id ORDER BY started_at DESC, run_id DESC) AS rn
			FROM sync_runs
		 ) WHERE rn = 1 ORDER BY collection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (SyncRun, error) {
	var run SyncRun
	var startedAt int64
	var finishedAt sql.NullInt64
	if err := row.Scan(&run.RunID, &run.CollectionID, &startedAt, &finishedAt, &run.Status, &run.RecordsProcessed, &run.ErrorDetail); err != nil {
		return SyncRun{}, err
	}
	run.StartedAt = fromMillis(startedAt)
	if finishedAt.Valid {
		run.FinishedAt = fromMillis(finishedAt.Int64)
	}
	return run, nil
}

// PruneSyncRuns deletes finalized runs started before the given time.
func (d *Database) PruneSyncRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM sync_runs WHERE started_at < ? AND status IN (?, ?, ?)`,
		toMillis(before), RunStatusSuccess, RunStatusPartial, RunStatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertWebhookEvent inserts a pending event row. The unique dedup_key
// constraint is the atomic dedup check: a violation returns ErrDuplicateEvent
// without any prior SELECT.
func (d *Database) InsertWebhookEvent(ctx context.Context, ev WebhookEvent) (int64, error) {
	defer d.timed("insert_webhook_event")()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, dedup_key, source, event_type, payload, signature, received_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.DedupKey, ev.Source, ev.EventType, ev.Payload, ev.Signature, toMillis(ev.ReceivedAt), EventStatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateEvent
		}
		return 0, err
	}
	return res.LastInsertId()
}

// MarkWebhookEventDuplicate records a repeat delivery on the original row.
func (d *Database) MarkWebhookEventDuplicate(ctx context.Context, dedupKey string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = ? WHERE dedup_key = ?`,
		EventStatusDuplicate, dedupKey)
	return err
}

// ReopenWebhookEvent flips a failed event back to pending so a sender retry
// can re-run its handler. Returns false when the row is not in failed state,
// which keeps processed events exactly-once.
func (d *Database) ReopenWebhookEvent(ctx context.Context, dedupKey string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = ?, error_detail = '' WHERE dedup_key = ? AND status = ?`,
		EventStatusPending, dedupKey, EventStatusFailed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FinalizeWebhookEvent records the handler outcome for a pending event.
func (d *Database) FinalizeWebhookEvent(ctx context.Context, id int64, status, errorDetail string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = ?, error_detail = ? WHERE id = ? AND status = ?`,
		status, errorDetail, id, EventStatusPending)
	return err
}

// GetWebhookEventByDedupKey fetches one event row by its dedup key.
func (d *Database) GetWebhookEventByDedupKey(ctx context.Context, dedupKey string) (WebhookEvent, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, event_id, dedup_key, source, event_type, payload, signature, received_at, status, error_detail
		 FROM webhook_events WHERE dedup_key = ?`, dedupKey)

	var ev WebhookEvent
	var receivedAt int64
	err := row.Scan(&ev.ID, &ev.EventID, &ev.DedupKey, &ev.Source, &ev.EventType, &ev.Payload, &ev.Signature, &receivedAt, &ev.Status, &ev.ErrorDetail)
	if err != nil {
		return WebhookEvent{}, err
	}
	ev.ReceivedAt = fromMillis(receivedAt)
	return ev, nil
}

// PruneWebhookEvents deletes processed and duplicate events received before
// the given time. Failed events are kept for inspection.
func (d *Database) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < ? AND status IN (?, ?)`,
		toMillis(before), EventStatusProcessed, EventStatusDuplicate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
