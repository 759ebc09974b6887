package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/extstore"
)

type traceDocument struct {
	ID         string         `bson:"_id"`
	Name       string         `bson:"name"`
	Status     string         `bson:"status"`
	DurationMS int64          `bson:"duration_ms"`
	Model      string         `bson:"model"`
	Metadata   map[string]any `bson:"metadata"`
	StartedAt  time.Time      `bson:"started_at"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

type evaluationDocument struct {
	ID          string    `bson:"_id"`
	TraceID     string    `bson:"trace_id"`
	Score       float64   `bson:"score"`
	Verdict     string    `bson:"verdict"`
	CompletedAt time.Time `bson:"completed_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func transformTraces(docs []extstore.Document) ([]db.Trace, error) {
	traces := make([]db.Trace, 0, len(docs))
	for _, doc := range docs {
		var ext traceDocument
		if err := bson.Unmarshal(doc.Data, &ext); err != nil {
			return nil, fmt.Errorf("decode trace %s: %w", doc.ID, err)
		}
		metadata := "{}"
		if len(ext.Metadata) > 0 {
			encoded, err := json.Marshal(ext.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encode trace %s metadata: %w", doc.ID, err)
			}
			metadata = string(encoded)
		}
		traces = append(traces, db.Trace{
			TraceID:    ext.ID,
			Name:       ext.Name,
			Status:     ext.Status,
			DurationMS: ext.DurationMS,
			Model:      ext.Model,
			Metadata:   metadata,
			StartedAt:  ext.StartedAt.UTC(),
			UpdatedAt:  ext.UpdatedAt.UTC(),
		})
	}
	return traces, nil
}

func transformEvaluations(docs []extstore.Document) ([]db.Evaluation, error) {
	evals := make([]db.Evaluation, 0, len(docs))
	for _, doc := range docs {
		var ext evaluationDocument
		if err := bson.Unmarshal(doc.Data, &ext); err != nil {
			return nil, fmt.Errorf("decode evaluation %s: %w", doc.ID, err)
		}
		completedAt := ext.CompletedAt
		if completedAt.IsZero() {
			completedAt = ext.UpdatedAt
		}
		evals = append(evals, db.Evaluation{
			EvalID:      ext.ID,
			TraceID:     ext.TraceID,
			Score:       ext.Score,
			Verdict:     ext.Verdict,
			CompletedAt: completedAt.UTC(),
		})
	}
	return evals, nil
}
