package db

import (
	"context"
	"database/sql"
	"time"
)

const upsertTraceSQL = `
INSERT INTO traces (trace_id, name, status, duration_ms, model, metadata, started_at, updated_at, deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (trace_id) DO UPDATE SET
	name = excluded.name,
	status = excluded.status,
	duration_ms = excluded.duration_ms,
	model = excluded.model,
	metadata = excluded.metadata,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at,
	deleted = 0
WHERE excluded.updated_at >= traces.updated_at`

const upsertEvaluationSQL = `
INSERT INTO evaluations (eval_id, trace_id, score, verdict, completed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (eval_id) DO UPDATE SET
	trace_id = excluded.trace_id,
	score = excluded.score,
	verdict = excluded.verdict,
	completed_at = excluded.completed_at`

// ApplyTraceBatch upserts one batch of synced traces and advances the
// collection cursor in a single transaction. The cursor row is only ever
// written together with a durably committed batch.
func (d *Database) ApplyTraceBatch(ctx context.Context, traces []Trace, cursor SyncCursor) error {
	defer d.timed("apply_trace_batch")()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, tr := range traces {
			if _, err := tx.ExecContext(ctx, upsertTraceSQL,
				tr.TraceID, tr.Name, tr.Status, tr.DurationMS, tr.Model, tr.Metadata,
				toMillis(tr.StartedAt), toMillis(tr.UpdatedAt)); err != nil {
				return err
			}
		}
		return execCursor(ctx, tx, cursor)
	})
}

// ApplyEvaluationBatch upserts one batch of synced evaluations together with
// the collection cursor, mirroring ApplyTraceBatch.
func (d *Database) ApplyEvaluationBatch(ctx context.Context, evals []Evaluation, cursor SyncCursor) error {
	defer d.timed("apply_evaluation_batch")()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range evals {
			if _, err := tx.ExecContext(ctx, upsertEvaluationSQL,
				ev.EvalID, ev.TraceID, ev.Score, ev.Verdict, toMillis(ev.CompletedAt)); err != nil {
				return err
			}
		}
		return execCursor(ctx, tx, cursor)
	})
}

func execCursor(ctx context.Context, tx *sql.Tx, cursor SyncCursor) error {
	_, err := tx.ExecContext(ctx, upsertCursorSQL,
		cursor.CollectionID, toMillis(cursor.LastSyncedAt), cursor.LastRecordID, toMillis(time.Now()))
	return err
}

// UpsertTrace applies a single trace, used by the webhook path.
func (d *Database) UpsertTrace(ctx context.Context, tr Trace) error {
	_, err := d.db.ExecContext(ctx, upsertTraceSQL,
		tr.TraceID, tr.Name, tr.Status, tr.DurationMS, tr.Model, tr.Metadata,
		toMillis(tr.StartedAt), toMillis(tr.UpdatedAt))
	return err
}

// MarkTraceDeleted soft-deletes a trace so read paths stop returning it.
func (d *Database) MarkTraceDeleted(ctx context.Context, traceID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE traces SET deleted = 1, updated_at = ? WHERE trace_id = ?`,
		toMillis(at), traceID)
	return err
}

// UpsertEvaluation applies a single evaluation, used by the webhook path.
func (d *Database) UpsertEvaluation(ctx context.Context, ev Evaluation) error {
	_, err := d.db.ExecContext(ctx, upsertEvaluationSQL,
		ev.EvalID, ev.TraceID, ev.Score, ev.Verdict, toMillis(ev.CompletedAt))
	return err
}

// InsertAlert records a triggered alert. Repeated alert ids are ignored.
func (d *Database) InsertAlert(ctx context.Context, alert Alert) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, severity, message, triggered_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (alert_id) DO NOTHING`,
		alert.AlertID, alert.Severity, alert.Message, toMillis(alert.TriggeredAt))
	return err
}

// ListTraces returns non-deleted traces, newest first.
func (d *Database) ListTraces(ctx context.Context, limit, offset int) ([]Trace, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	defer d.timed("list_traces")()
	rows, err := d.db.QueryContext(ctx,
		`SELECT trace_id, name, status, duration_ms, model, metadata, started_at, updated_at
		 FROM traces WHERE deleted = 0
		 ORDER BY updated_at DESC, trace_id
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var tr Trace
		var startedAt, updatedAt int64
		if err := rows.Scan(&tr.TraceID, &tr.Name, &tr.Status, &tr.DurationMS, &tr.Model, &tr.Metadata, &startedAt, &updatedAt); err != nil {
			return nil, err
		}
		tr.StartedAt = fromMillis(startedAt)
		tr.UpdatedAt = fromMillis(updatedAt)
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

// GetTrace fetches a single trace regardless of deletion state.
func (d *Database) GetTrace(ctx context.Context, traceID string) (Trace, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT trace_id, name, status, duration_ms, model, metadata, started_at, updated_at, deleted
		 FROM traces WHERE trace_id = ?`, traceID)

	var tr Trace
	var startedAt, updatedAt int64
	var deleted int64
	if err := row.Scan(&tr.TraceID, &tr.Name, &tr.Status, &tr.DurationMS, &tr.Model, &tr.Metadata, &startedAt, &updatedAt, &deleted); err != nil {
		return Trace{}, err
	}
	tr.StartedAt = fromMillis(startedAt)
	tr.UpdatedAt = fromMillis(updatedAt)
	tr.Deleted = deleted != 0
	return tr, nil
}

// MetricsSummary aggregates trace and evaluation activity within the window.
func (d *Database) MetricsSummary(ctx context.Context, windowHours int) (MetricsSummary, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	defer d.timed("metrics_summary")()
	since := toMillis(time.Now().Add(-time.Duration(windowHours) * time.Hour))

	summary := MetricsSummary{WindowHours: windowHours}
	row := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
				COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
				COALESCE(AVG(duration_ms), 0)
		 FROM traces WHERE deleted = 0 AND updated_at >= ?`, since)
	if err := row.Scan(&summary.TraceCount, &summary.ErrorCount, &summary.AvgDurationMS); err != nil {
		return MetricsSummary{}, err
	}
	if summary.TraceCount > 0 {
		summary.ErrorRate = float64(summary.ErrorCount) / float64(summary.TraceCount)
	}

	row = d.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(score), 0) FROM evaluations WHERE completed_at >= ?`, since)
	if err := row.Scan(&summary.EvalCount, &summary.AvgEvalScore); err != nil {
		return MetricsSummary{}, err
	}
	return summary, nil
}

// CountAlerts returns the number of alerts triggered within the window.
func (d *Database) CountAlerts(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE triggered_at >= ?`, toMillis(since)).Scan(&n)
	return n, err
}
