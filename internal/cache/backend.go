// Package cache provides the multi-tier read-through cache in front of the
// hot read paths. Tiers implement one Backend interface so the distributed
// tier can be absent without special-casing call sites.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or expired in a tier.
var ErrNotFound = errors.New("cache: key not found")

// Backend is the contract every cache tier implements. Values are opaque
// bytes; expired entries must never be returned even if still present.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
