package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/triage-ai/sentinel/internal/kv"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// brokenStore fails every counter increment with a fixed error.
type brokenStore struct {
	kv.Store
	err error
}

func (s *brokenStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, s.err
}

func testLimiter(store kv.Store) (*Limiter, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(Config{Store: store, Logger: zap.New(core)})
	return l, logs
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(kv.NewMemoryStore())
	pol := Policy{Limit: 3, Window: time.Minute, DegradedMode: FailOpen}

	id := HashIdentifier("user", "alice")
	for i := 0; i < 3; i++ {
		d := l.Check(ctx, id, "inference.stream", pol)
		if !d.Allowed {
			t.Fatalf("check %d: denied under limit", i+1)
		}
		if want := int64(3 - i - 1); d.Remaining != want {
			t.Fatalf("check %d: remaining %d, want %d", i+1, d.Remaining, want)
		}
		if d.Degraded {
			t.Fatalf("check %d: unexpectedly degraded", i+1)
		}
	}

	d := l.Check(ctx, id, "inference.stream", pol)
	if d.Allowed {
		t.Fatal("fourth check exceeded limit but was allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining %d after exceeding limit, want 0", d.Remaining)
	}
	if d.ResetAt.IsZero() {
		t.Fatal("denied decision carries no reset time")
	}
}

func TestCheckIsolatesIdentifiersAndKeys(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(kv.NewMemoryStore())
	pol := Policy{Limit: 1, Window: time.Minute, DegradedMode: FailOpen}

	alice := HashIdentifier("user", "alice")
	bob := HashIdentifier("user", "bob")

	if d := l.Check(ctx, alice, "k", pol); !d.Allowed {
		t.Fatal("first alice check denied")
	}
	if d := l.Check(ctx, alice, "k", pol); d.Allowed {
		t.Fatal("second alice check allowed over limit")
	}
	if d := l.Check(ctx, bob, "k", pol); !d.Allowed {
		t.Fatal("bob denied by alice's bucket")
	}
	if d := l.Check(ctx, alice, "other", pol); !d.Allowed {
		t.Fatal("alice denied on an unrelated limit key")
	}
}

func TestCheckFailOpenOnStoreError(t *testing.T) {
	ctx := context.Background()
	l, logs := testLimiter(&brokenStore{err: errors.New("connection refused")})
	pol := Policy{Limit: 5, Window: time.Minute, DegradedMode: FailOpen}

	d := l.Check(ctx, HashIdentifier("user", "alice"), "k", pol)
	if !d.Allowed {
		t.Fatal("fail-open policy denied during store outage")
	}
	if !d.Degraded || d.DegradedReason != ReasonKVError {
		t.Fatalf("degraded=%v reason=%q, want degraded kv_error", d.Degraded, d.DegradedReason)
	}
	if n := logs.FilterLevelExact(zap.ErrorLevel).Len(); n != 1 {
		t.Fatalf("fail-open alert count %d, want 1", n)
	}
}

func TestCheckFailClosedOnStoreError(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(&brokenStore{err: errors.New("connection refused")})
	pol := Policy{Limit: 5, Window: time.Minute, DegradedMode: FailClosed}

	d := l.Check(ctx, HashIdentifier("user", "alice"), "k", pol)
	if d.Allowed {
		t.Fatal("fail-closed policy allowed during store outage")
	}
	if !d.Degraded || d.DegradedReason != ReasonKVError {
		t.Fatalf("degraded=%v reason=%q, want degraded kv_error", d.Degraded, d.DegradedReason)
	}
}

func TestCheckTimeoutReason(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(&brokenStore{err: context.DeadlineExceeded})
	pol := Policy{Limit: 5, Window: time.Minute, DegradedMode: FailOpen}

	d := l.Check(ctx, HashIdentifier("ip", "10.0.0.1"), "k", pol)
	if d.DegradedReason != ReasonKVTimeout {
		t.Fatalf("reason %q, want %q", d.DegradedReason, ReasonKVTimeout)
	}
}

func TestFailOpenAlertDeduplication(t *testing.T) {
	ctx := context.Background()
	l, logs := testLimiter(&brokenStore{err: errors.New("connection refused")})
	pol := Policy{Limit: 5, Window: time.Minute, DegradedMode: FailOpen}

	id := HashIdentifier("user", "alice")
	for i := 0; i < 10; i++ {
		l.Check(ctx, id, "same-scope", pol)
	}
	if n := logs.FilterLevelExact(zap.ErrorLevel).Len(); n != 1 {
		t.Fatalf("alerts for one scope within window: %d, want 1", n)
	}

	// A different scope is a separate alert stream.
	l.Check(ctx, id, "other-scope", pol)
	if n := logs.FilterLevelExact(zap.ErrorLevel).Len(); n != 2 {
		t.Fatalf("alerts after second scope: %d, want 2", n)
	}
}

func TestCheckRejectsInvalidPolicy(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(kv.NewMemoryStore())
	id := HashIdentifier("user", "alice")

	tests := []struct {
		name        string
		pol         Policy
		wantAllowed bool
	}{
		{"zero window fail-closed", Policy{Limit: 10, Window: 0, DegradedMode: FailClosed}, false},
		{"zero window fail-open", Policy{Limit: 10, Window: 0, DegradedMode: FailOpen}, true},
		{"zero limit fail-closed", Policy{Limit: 0, Window: time.Minute, DegradedMode: FailClosed}, false},
		{"negative window fail-closed", Policy{Limit: 10, Window: -time.Second, DegradedMode: FailClosed}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := l.Check(ctx, id, "k", tc.pol)
			if d.Allowed != tc.wantAllowed {
				t.Fatalf("allowed=%v, want %v", d.Allowed, tc.wantAllowed)
			}
			if !d.Degraded || d.DegradedReason != ReasonInvalidPolicy {
				t.Fatalf("degraded=%v reason=%q, want degraded %s", d.Degraded, d.DegradedReason, ReasonInvalidPolicy)
			}
		})
	}
}

func TestHashIdentifierShape(t *testing.T) {
	id := HashIdentifier("user", "alice")
	if len(id) != len("user:")+64 {
		t.Fatalf("unexpected identifier length %d", len(id))
	}
	if id[:5] != "user:" {
		t.Fatalf("identifier missing kind prefix: %q", id[:5])
	}
	if id == HashIdentifier("user", "bob") {
		t.Fatal("distinct raw identifiers hashed to the same value")
	}
	if id != HashIdentifier("user", "alice") {
		t.Fatal("hash is not deterministic")
	}
}
