package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Manager chains cache tiers nearest-first in front of a compute function.
// Failures of farther tiers degrade silently to the nearer ones; they are
// logged and counted but never surfaced to callers.
type Manager struct {
	tiers []Backend
	log   *slog.Logger

	hits       atomic.Int64
	misses     atomic.Int64
	computes   atomic.Int64
	tierErrors atomic.Int64
	tierHits   map[string]*atomic.Int64
}

// NewManager creates a manager over the given tiers, ordered nearest first.
func NewManager(log *slog.Logger, tiers ...Backend) *Manager {
	if log == nil {
		log = slog.Default()
	}
	tierHits := make(map[string]*atomic.Int64, len(tiers))
	for _, tier := range tiers {
		tierHits[tier.Name()] = &atomic.Int64{}
	}
	return &Manager{tiers: tiers, log: log, tierHits: tierHits}
}

// GetOrCompute returns the cached value for key, trying each tier in order
// and invoking compute only when every tier misses. The computed value is
// stored in all tiers with the given ttl; hits in a far tier backfill the
// nearer ones.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	for i, tier := range m.tiers {
		value, err := tier.Get(ctx, key)
		if err == nil {
			m.hits.Add(1)
			m.tierHits[tier.Name()].Add(1)
			m.backfill(ctx, m.tiers[:i], key, value, ttl)
			return value, nil
		}
		if err != ErrNotFound {
			m.degrade(ctx, tier, "get", err)
		}
	}

	m.misses.Add(1)
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	m.computes.Add(1)

	for _, tier := range m.tiers {
		if err := tier.Set(ctx, key, value, ttl); err != nil {
			m.degrade(ctx, tier, "set", err)
		}
	}
	return value, nil
}

// Invalidate removes the key, or every key under it when used as a prefix,
// from all tiers. Tier failures are logged and swallowed; the underlying
// relational store remains the source of truth.
func (m *Manager) Invalidate(ctx context.Context, keyOrPrefix string) {
	for _, tier := range m.tiers {
		if err := tier.DeletePrefix(ctx, keyOrPrefix); err != nil {
			m.degrade(ctx, tier, "delete", err)
		}
	}
}

func (m *Manager) backfill(ctx context.Context, nearer []Backend, key string, value []byte, ttl time.Duration) {
	for _, tier := range nearer {
		if err := tier.Set(ctx, key, value, ttl); err != nil {
			m.degrade(ctx, tier, "backfill", err)
		}
	}
}

func (m *Manager) degrade(ctx context.Context, tier Backend, op string, err error) {
	m.tierErrors.Add(1)
	m.log.WarnContext(ctx, "cache tier degraded", "tier", tier.Name(), "op", op, "error", err)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits       int64            `json:"hits"`
	Misses     int64            `json:"misses"`
	Computes   int64            `json:"computes"`
	HitRate    float64          `json:"hit_rate"`
	TierHits   map[string]int64 `json:"tier_hits"`
	TierErrors int64            `json:"tier_errors"`
}

// Stats returns current hit/miss counters.
func (m *Manager) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()

	stats := Stats{
		Hits:       hits,
		Misses:     misses,
		Computes:   m.computes.Load(),
		TierErrors: m.tierErrors.Load(),
		TierHits:   make(map[string]int64, len(m.tierHits)),
	}
	for name, counter := range m.tierHits {
		stats.TierHits[name] = counter.Load()
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
