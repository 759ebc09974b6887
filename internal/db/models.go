package db

import "time"

// Sync run statuses. Pending covers enqueued manual triggers; a finalized run
// is always success, partial, or failed and is never updated again.
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// Webhook event statuses.
const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
	EventStatusDuplicate = "duplicate"
)

// SyncCursor is the per-collection incremental sync watermark. It only moves
// forward, and only after the batch it describes is durably committed.
type SyncCursor struct {
	CollectionID string    `json:"collection_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastRecordID string    `json:"last_record_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyncRun is one append-only audit record for a sync invocation.
type SyncRun struct {
	RunID            string    `json:"run_id"`
	CollectionID     string    `json:"collection_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitzero"`
	Status           string    `json:"status"`
	RecordsProcessed int       `json:"records_processed"`
	ErrorDetail      string    `json:"error_detail,omitempty"`
}

// WebhookEvent is a received webhook delivery. DedupKey uniqueness at the
// storage layer is the sole exactly-once mechanism for handler side effects.
type WebhookEvent struct {
	ID          int64
	EventID     string
	DedupKey    string
	Source      string
	EventType   string
	Payload     []byte
	Signature   string
	ReceivedAt  time.Time
	Status      string
	ErrorDetail string
}

// Trace is the local mirror of one external trace document.
type Trace struct {
	TraceID    string    `json:"trace_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Model      string    `json:"model"`
	Metadata   string    `json:"metadata"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Deleted    bool      `json:"-"`
}

// Evaluation is a completed evaluation attached to a trace.
type Evaluation struct {
	EvalID      string    `json:"eval_id"`
	TraceID     string    `json:"trace_id"`
	Score       float64   `json:"score"`
	Verdict     string    `json:"verdict"`
	CompletedAt time.Time `json:"completed_at"`
}

// Alert is a triggered alert pushed by an observability source.
type Alert struct {
	ID          int64     `json:"id"`
	AlertID     string    `json:"alert_id"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// MetricsSummary aggregates trace activity for the read API.
type MetricsSummary struct {
	WindowHours   int     `json:"window_hours"`
	TraceCount    int64   `json:"trace_count"`
	ErrorCount    int64   `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	EvalCount     int64   `json:"eval_count"`
	AvgEvalScore  float64 `json:"avg_eval_score"`
}
