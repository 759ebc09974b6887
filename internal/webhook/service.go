// Package webhook ingests pushed events from observability sources: verifies
// authenticity, deduplicates through the storage layer's unique constraint,
// and dispatches to typed handlers.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cebinding "github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/obsync/obsync/internal/db"
)

// SignatureHeader carries the hex HMAC of the raw body, optionally prefixed
// with the algorithm ("sha256=<hex>").
const SignatureHeader = "X-Signature"

// Receipt statuses.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// ErrPermanent marks a handler failure that a sender retry cannot fix.
// Permanent failures are acknowledged with 200 so senders do not retry them;
// any other handler failure answers 5xx and the event may be redelivered.
var ErrPermanent = errors.New("permanent handler failure")

// SourceConfig describes one webhook source.
type SourceConfig struct {
	// Secret is the shared HMAC secret.
	Secret string
	// Legacy sources sign with HMAC-SHA1 instead of HMAC-SHA256.
	Legacy bool
	// CloudEvents sources wrap their payload in a CloudEvents envelope; id,
	// type, and data are taken from the envelope.
	CloudEvents bool
}

// Handler applies one event to the relational store.
type Handler func(ctx context.Context, ev Event) error

// Invalidator lets handlers drop cached read results after mutating data.
type Invalidator interface {
	Invalidate(ctx context.Context, keyOrPrefix string)
}

// Receipt is the outcome of one ingestion attempt.
type Receipt struct {
	Status   string `json:"status"`
	HTTPCode int    `json:"-"`
	EventID  string `json:"event_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Service is the webhook ingestion service.
type Service struct {
	store      *db.Database
	cache      Invalidator
	sources    map[string]SourceConfig
	handlers   map[Kind]Handler
	skipVerify bool
	log        *slog.Logger
}

// NewService creates the ingestion service with the default handler set.
// skipVerify disables signature checking and must only ever be true outside
// production; config validation enforces that.
func NewService(store *db.Database, cache Invalidator, sources map[string]SourceConfig, skipVerify bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:      store,
		cache:      cache,
		sources:    sources,
		skipVerify: skipVerify,
		log:        log,
	}
	s.handlers = defaultHandlers(store)
	return s
}

// Register overrides the handler for one event kind.
func (s *Service) Register(kind Kind, h Handler) {
	s.handlers[kind] = h
}

// Ingest runs the full pipeline for one delivery: authenticate, parse,
// atomically insert, dispatch, finalize. It never panics outward and maps
// every outcome to an HTTP code in the Receipt.
func (s *Service) Ingest(ctx context.Context, source string, body []byte, headers http.Header) Receipt {
	cfg, ok := s.sources[source]
	if !ok {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusNotFound, Detail: "unknown source"}
	}

	if !s.skipVerify {
		if !validSignature(body, cfg, headers.Get(SignatureHeader)) {
			s.log.WarnContext(ctx, "webhook signature verification failed",
				"source", source,
				"event", "security_audit",
			)
			return Receipt{Status: StatusRejected, HTTPCode: http.StatusUnauthorized, Detail: "invalid signature"}
		}
	}

	eventID, eventType, payload, err := s.parse(ctx, cfg, body, headers)
	if err != nil {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusBadRequest, Detail: "malformed body"}
	}

	key, err := dedupKey(source, eventID, payload)
	if err != nil {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusBadRequest, Detail: "malformed body"}
	}

	row := db.WebhookEvent{
		EventID:    eventID,
		DedupKey:   key,
		Source:     source,
		EventType:  eventType,
		Payload:    body,
		Signature:  headers.Get(SignatureHeader),
		ReceivedAt: time.Now().UTC(),
	}
	rowID, err := s.store.InsertWebhookEvent(ctx, row)
	if errors.Is(err, db.ErrDuplicateEvent) {
		return s.onDuplicate(ctx, source, key, eventID, eventType, payload)
	}
	if err != nil {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: "storage failure"}
	}

	return s.dispatch(ctx, rowID, Event{
		Kind:       KindOf(eventType),
		Source:     source,
		ID:         eventID,
		Type:       eventType,
		Payload:    payload,
		ReceivedAt: row.ReceivedAt,
	})
}

// onDuplicate resolves a dedup-key collision. Successfully processed events
// are acknowledged as duplicates; events whose handler previously failed are
// reopened so a sender retry can re-run them.
func (s *Service) onDuplicate(ctx context.Context, source, key, eventID, eventType string, payload []byte) Receipt {
	reopened, err := s.store.ReopenWebhookEvent(ctx, key)
	if err != nil {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: "storage failure"}
	}
	if !reopened {
		if err := s.store.MarkWebhookEventDuplicate(ctx, key); err != nil {
			return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: "storage failure"}
		}
		s.log.InfoContext(ctx, "duplicate webhook delivery", "source", source, "event_id", eventID)
		return Receipt{Status: StatusDuplicate, HTTPCode: http.StatusOK, EventID: eventID}
	}

	existing, err := s.store.GetWebhookEventByDedupKey(ctx, key)
	if err != nil {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: "storage failure"}
	}
	return s.dispatch(ctx, existing.ID, Event{
		Kind:       KindOf(eventType),
		Source:     source,
		ID:         eventID,
		Type:       eventType,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
}

func (s *Service) dispatch(ctx context.Context, rowID int64, ev Event) Receipt {
	handler, ok := s.handlers[ev.Kind]
	if ev.Kind == KindUnknown || !ok {
		// Unknown types must never 5xx; that would trigger sender retry storms.
		s.log.InfoContext(ctx, "unknown webhook event type accepted as no-op",
			"source", ev.Source, "event_type", ev.Type)
		if err := s.store.FinalizeWebhookEvent(ctx, rowID, db.EventStatusProcessed, ""); err != nil {
			return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: "storage failure"}
		}
		return Receipt{Status: StatusAccepted, HTTPCode: http.StatusOK, EventID: ev.ID}
	}

	if err := handler(ctx, ev); err != nil {
		detail := err.Error()
		if finalizeErr := s.store.FinalizeWebhookEvent(ctx, rowID, db.EventStatusFailed, detail); finalizeErr != nil {
			s.log.ErrorContext(ctx, "failed to finalize webhook event", "error", finalizeErr)
		}
		s.log.ErrorContext(ctx, "webhook handler failed",
			"source", ev.Source, "event_type", ev.Type, "error", err)
		if errors.Is(err, ErrPermanent) {
			return Receipt{Status: StatusAccepted, HTTPCode: http.StatusOK, EventID: ev.ID, Detail: detail}
		}
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: detail}
	}

	if err := s.store.FinalizeWebhookEvent(ctx, rowID, db.EventStatusProcessed, ""); err != nil {
		return Receipt{Status: StatusRejected, HTTPCode: http.StatusInternalServerError, Detail: "storage failure"}
	}
	s.invalidate(ctx, ev.Kind)
	return Receipt{Status: StatusAccepted, HTTPCode: http.StatusOK, EventID: ev.ID}
}

func (s *Service) invalidate(ctx context.Context, kind Kind) {
	if s.cache == nil {
		return
	}
	switch kind {
	case KindTraceCreated, KindTraceUpdated, KindTraceDeleted:
		s.cache.Invalidate(ctx, "traces:")
		s.cache.Invalidate(ctx, "metrics:")
	case KindEvaluationCompleted, KindAlertTriggered:
		s.cache.Invalidate(ctx, "metrics:")
	}
}

type genericPayload struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Type      string `json:"type"`
}

func (s *Service) parse(ctx context.Context, cfg SourceConfig, body []byte, headers http.Header) (eventID, eventType string, payload []byte, err error) {
	if cfg.CloudEvents {
		return parseCloudEvent(ctx, body, headers)
	}

	var generic genericPayload
	if err := json.Unmarshal(body, &generic); err != nil {
		return "", "", nil, fmt.Errorf("parse payload: %w", err)
	}
	eventID = generic.ID
	if eventID == "" {
		eventID = generic.EventID
	}
	eventType = generic.EventType
	if eventType == "" {
		eventType = generic.Type
	}
	return eventID, eventType, body, nil
}

func parseCloudEvent(ctx context.Context, body []byte, headers http.Header) (string, string, []byte, error) {
	req := &http.Request{
		Method: http.MethodPost,
		Header: headers.Clone(),
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
	message := cehttp.NewMessageFromHttpRequest(req)
	defer func() {
		_ = message.Finish(nil)
	}()

	event, err := cebinding.ToEvent(ctx, message)
	if err != nil {
		return "", "", nil, fmt.Errorf("parse cloudevent: %w", err)
	}
	data := event.Data()
	if len(data) == 0 {
		return "", "", nil, errors.New("cloudevent data is empty")
	}
	return event.ID(), event.Type(), data, nil
}

// dedupKey derives the stable unique key for one delivery: the source plus
// the event id, or the canonicalized payload when the source provides no id.
func dedupKey(source, eventID string, payload []byte) (string, error) {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})

	if eventID != "" {
		h.Write([]byte(eventID))
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	// json.Marshal writes map keys in sorted order, which normalizes key
	// ordering differences between deliveries.
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validSignature(body []byte, cfg SourceConfig, header string) bool {
	if cfg.Secret == "" {
		return false
	}
	signature := strings.ToLower(strings.TrimSpace(header))
	if signature == "" {
		return false
	}

	newHash := func() hash.Hash { return sha256.New() }
	switch {
	case strings.HasPrefix(signature, "sha256="):
		signature = strings.TrimPrefix(signature, "sha256=")
	case strings.HasPrefix(signature, "sha1="):
		if !cfg.Legacy {
			return false
		}
		signature = strings.TrimPrefix(signature, "sha1=")
		newHash = sha1.New
	case cfg.Legacy:
		newHash = sha1.New
	}

	mac := hmac.New(newHash, []byte(cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
