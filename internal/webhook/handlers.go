package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obsync/obsync/internal/db"
)

type tracePayload struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	Model      string          `json:"model"`
	Metadata   json.RawMessage `json:"metadata"`
	StartedAt  time.Time       `json:"started_at"`
}

type evaluationPayload struct {
	ID          string    `json:"id"`
	TraceID     string    `json:"trace_id"`
	Score       float64   `json:"score"`
	Verdict     string    `json:"verdict"`
	CompletedAt time.Time `json:"completed_at"`
}

type alertPayload struct {
	ID          string    `json:"id"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// defaultHandlers wires the known event kinds to their store mutations.
// Decode failures and missing identifiers are permanent: retrying the same
// payload cannot fix them.
func defaultHandlers(store *db.Database) map[Kind]Handler {
	upsertTrace := func(ctx context.Context, ev Event) error {
		var p tracePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode trace payload: %v", ErrPermanent, err)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: trace payload has no id", ErrPermanent)
		}
		metadata := "{}"
		if len(p.Metadata) > 0 {
			metadata = string(p.Metadata)
		}
		startedAt := p.StartedAt
		if startedAt.IsZero() {
			startedAt = ev.ReceivedAt
		}
		return store.UpsertTrace(ctx, db.Trace{
			TraceID:    p.ID,
			Name:       p.Name,
			Status:     p.Status,
			DurationMS: p.DurationMS,
			Model:      p.Model,
			Metadata:   metadata,
			StartedAt:  startedAt.UTC(),
			UpdatedAt:  ev.ReceivedAt,
		})
	}

	return map[Kind]Handler{
		KindTraceCreated: upsertTrace,
		KindTraceUpdated: upsertTrace,

		KindTraceDeleted: func(ctx context.Context, ev Event) error {
			var p tracePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("%w: decode trace payload: %v", ErrPermanent, err)
			}
			if p.ID == "" {
				return fmt.Errorf("%w: trace payload has no id", ErrPermanent)
			}
			return store.MarkTraceDeleted(ctx, p.ID, ev.ReceivedAt)
		},

		KindEvaluationCompleted: func(ctx context.Context, ev Event) error {
			var p evaluationPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("%w: decode evaluation payload: %v", ErrPermanent, err)
			}
			if p.ID == "" || p.TraceID == "" {
				return fmt.Errorf("%w: evaluation payload missing id or trace_id", ErrPermanent)
			}
			completedAt := p.CompletedAt
			if completedAt.IsZero() {
				completedAt = ev.ReceivedAt
			}
			return store.UpsertEvaluation(ctx, db.Evaluation{
				EvalID:      p.ID,
				TraceID:     p.TraceID,
				Score:       p.Score,
				Verdict:     p.Verdict,
				CompletedAt: completedAt.UTC(),
			})
		},

		KindAlertTriggered: func(ctx context.Context, ev Event) error {
			var p alertPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("%w: decode alert payload: %v", ErrPermanent, err)
			}
			if p.ID == "" {
				return fmt.Errorf("%w: alert payload has no id", ErrPermanent)
			}
			triggeredAt := p.TriggeredAt
			if triggeredAt.IsZero() {
				triggeredAt = ev.ReceivedAt
			}
			return store.InsertAlert(ctx, db.Alert{
				AlertID:     p.ID,
				Severity:    p.Severity,
				Message:     p.Message,
				TriggeredAt: triggeredAt.UTC(),
			})
		},
	}
}
