// Package breaker guards calls to unreliable external dependencies.
//
// A Breaker tracks consecutive failures per named resource and moves between
// three states: closed (calls pass through), open (calls fail fast without
// touching the network), and half-open (exactly one probe call is allowed to
// test recovery). The recovery window after a failed probe is a fixed
// recovery timeout, not an exponential one.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state for one resource.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds per-resource breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 3.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a half-open
	// probe is allowed. Default: 30s.
	RecoveryTimeout time.Duration
	// MinInterval is the minimum gap between attempts against the resource,
	// enforced in every state. Calls inside the gap fail fast with a
	// ThrottledError carrying a retry-after hint. Default: 1s.
	MinInterval time.Duration
	// CallTimeout bounds a single wrapped call. Default: 10s.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// OpenError is returned when the circuit is open and the call was not attempted.
type OpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Resource, e.RetryAfter)
}

// ThrottledError is returned when the minimum inter-request interval has not
// elapsed. The call was not attempted.
type ThrottledError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("calls to %q throttled, retry after %s", e.Resource, e.RetryAfter)
}

// Breaker is a circuit breaker for one named resource. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	lastAttempt   time.Time
	probeInFlight bool

	clock func() time.Time
}

// New creates a closed breaker for the named resource.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		clock: time.Now,
	}
}

// Do runs op through the breaker. When the circuit is open it returns an
// *OpenError without invoking op; inside the minimum inter-request interval it
// returns a *ThrottledError. op runs under a context bounded by CallTimeout.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	err := op(callCtx)
	cancel()

	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()

	if b.state == StateOpen {
		if elapsed := now.Sub(b.openedAt); elapsed < b.cfg.RecoveryTimeout {
			return &OpenError{Resource: b.name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.probeInFlight = false
	}

	if b.state == StateHalfOpen && b.probeInFlight {
		return &OpenError{Resource: b.name, RetryAfter: b.cfg.MinInterval}
	}

	if !b.lastAttempt.IsZero() {
		if gap := now.Sub(b.lastAttempt); gap < b.cfg.MinInterval {
			return &ThrottledError{Resource: b.name, RetryAfter: b.cfg.MinInterval - gap}
		}
	}

	b.lastAttempt = now
	if b.state == StateHalfOpen {
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = StateClosed
		b.failures = 0
		b.probeInFlight = false
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.clock()
		b.probeInFlight = false
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.clock()
		}
	}
}

// Snapshot is a point-in-time view of one breaker, used by the status endpoint.
type Snapshot struct {
	Resource            string    `json:"resource"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	NextProbeAt         time.Time `json:"next_probe_at,omitzero"`
}

// Snapshot returns the current state of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Resource:            b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
	}
	if b.state == StateOpen {
		snap.OpenedAt = b.openedAt
		snap.NextProbeAt = b.openedAt.Add(b.cfg.RecoveryTimeout)
	}
	return snap
}
