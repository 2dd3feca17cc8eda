// Package kv defines the key-value store contract the guardrail subsystem
// builds on: plain reads/writes with TTL, an atomic counter with expiry for
// rate windows, compare-and-set for idempotency records, and set membership
// for the cache tag index.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the atomic key-value contract. All methods must honor ctx
// deadlines; exceeding one is reported as an ordinary error so callers can
// apply their degraded-mode policy.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// IncrWithExpiry atomically increments key and, when the increment
	// creates the key, arms its expiry to window. Returns the new count.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)

	// CompareAndSet atomically replaces the value at key with next if the
	// current value equals expected. A nil expected means create-if-absent.
	// Returns false (no error) when the comparison fails.
	CompareAndSet(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)

	// SAdd adds members to the set at key and refreshes its expiry.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error

	// SMembers returns all members of the set at key. A missing set is an
	// empty result, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)
}
