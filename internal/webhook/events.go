package webhook

import "time"

// Kind is the tagged variant for known event types. Dispatch switches on the
// kind instead of matching raw strings so new variants can be checked for
// exhaustiveness.
type Kind int

const (
	KindUnknown Kind = iota
	KindTraceCreated
	KindTraceUpdated
	KindTraceDeleted
	KindEvaluationCompleted
	KindAlertTriggered
)

func (k Kind) String() string {
	switch k {
	case KindTraceCreated:
		return "trace.created"
	case KindTraceUpdated:
		return "trace.updated"
	case KindTraceDeleted:
		return "trace.deleted"
	case KindEvaluationCompleted:
		return "evaluation.completed"
	case KindAlertTriggered:
		return "alert.triggered"
	default:
		return "unknown"
	}
}

// KindOf maps a source-provided event type to its variant. Anything
// unrecognized is KindUnknown, which is accepted and processed as a no-op.
func KindOf(eventType string) Kind {
	switch eventType {
	case "trace.created", "trace-created":
		return KindTraceCreated
	case "trace.updated", "trace-updated":
		return KindTraceUpdated
	case "trace.deleted", "trace-deleted":
		return KindTraceDeleted
	case "evaluation.completed", "evaluation-completed":
		return KindEvaluationCompleted
	case "alert.triggered", "alert-triggered":
		return KindAlertTriggered
	default:
		return KindUnknown
	}
}

// Event is one parsed webhook delivery handed to a handler.
type Event struct {
	Kind       Kind
	Source     string
	ID         string
	Type       string
	Payload    []byte
	ReceivedAt time.Time
}
