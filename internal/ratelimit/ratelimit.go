// Package ratelimit implements a fixed-window counter over the KV store with
// an explicit degraded-mode policy for when the store itself is unavailable.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/sentinel/internal/kv"
	"go.uber.org/zap"
)

// DegradedMode selects what Check reports when the KV store cannot be
// consulted. Privileged and cost-bearing routes fail closed; everything else
// fails open.
type DegradedMode string

const (
	FailOpen   DegradedMode = "fail_open"
	FailClosed DegradedMode = "fail_closed"
)

// Degraded reasons.
const (
	ReasonKVError       = "kv_error"
	ReasonKVTimeout     = "kv_timeout"
	ReasonInvalidPolicy = "invalid_policy"
)

var errInvalidPolicy = errors.New("ratelimit: limit and window must be positive")

const (
	// DefaultTimeout bounds how long a single check waits on the KV store.
	DefaultTimeout = 5000 * time.Millisecond

	// DefaultAlertWindow suppresses repeat fail-open alerts for the same
	// reason+scope.
	DefaultAlertWindow = 60 * time.Second
)

// Policy is the per-route limit configuration a caller declares on each check.
type Policy struct {
	Limit        int64
	Window       time.Duration
	DegradedMode DegradedMode
	Timeout      time.Duration // zero = DefaultTimeout
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed        bool
	Remaining      int64
	ResetAt        time.Time
	Degraded       bool
	DegradedReason string
}

// ResetAtEpochMs is the reset instant as epoch milliseconds, for Retry-After
// style headers.
func (d Decision) ResetAtEpochMs() int64 {
	return d.ResetAt.UnixMilli()
}

// Limiter checks identifiers against fixed windows in the KV store.
type Limiter struct {
	store  kv.Store
	alerts *alertDeduper
	logger *zap.Logger
	now    func() time.Time
}

// Config configures a Limiter.
type Config struct {
	Store       kv.Store
	AlertWindow time.Duration // zero = DefaultAlertWindow
	Logger      *zap.Logger
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	window := cfg.AlertWindow
	if window == 0 {
		window = DefaultAlertWindow
	}
	return &Limiter{
		store:  cfg.Store,
		alerts: newAlertDeduper(window),
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// HashIdentifier builds the only identifier form the limiter accepts:
// {kind}:{sha256(raw)}. Raw user IDs and IPs must never reach KV keys or logs.
func HashIdentifier(kind, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return kind + ":" + hex.EncodeToString(sum[:])
}

// Check counts one request for identifier under limitKey and decides whether
// it is allowed. KV errors and timeouts never bubble up; they are converted
// into the policy's degraded decision.
func (l *Limiter) Check(ctx context.Context, identifier, limitKey string, pol Policy) Decision {
	timeout := pol.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	now := l.now()

	// A non-positive limit or window is a misconfigured policy, not a KV
	// outage; the same degraded-mode policy applies so fail-closed routes
	// stay closed rather than dividing by zero.
	if pol.Limit <= 0 || pol.Window <= 0 {
		return l.degraded(identifier, limitKey, pol, now, errInvalidPolicy)
	}

	bucket := now.UnixMilli() / pol.Window.Milliseconds()
	resetAt := time.UnixMilli((bucket + 1) * pol.Window.Milliseconds())
	key := fmt.Sprintf("rl:%s:%s:%d", limitKey, identifier, bucket)

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	count, err := l.store.IncrWithExpiry(checkCtx, key, pol.Window)
	if err != nil {
		return l.degraded(identifier, limitKey, pol, resetAt, err)
	}

	remaining := pol.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= pol.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) degraded(identifier, limitKey string, pol Policy, resetAt time.Time, err error) Decision {
	reason := ReasonKVError
	switch {
	case errors.Is(err, errInvalidPolicy):
		reason = ReasonInvalidPolicy
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonKVTimeout
	}

	d := Decision{
		ResetAt:        resetAt,
		Degraded:       true,
		DegradedReason: reason,
	}

	switch pol.DegradedMode {
	case FailOpen:
		d.Allowed = true
		d.Remaining = pol.Limit
		// Alert once per reason+scope per window; a sustained outage must
		// not page operators on every request.
		if l.alerts.shouldAlert(reason, limitKey) {
			l.logger.Error("rate limiter degraded, failing open",
				zap.String("limit_key", limitKey),
				zap.String("identifier", identifier),
				zap.String("reason", reason),
				zap.Error(err),
			)
		}
	default:
		d.Allowed = false
		l.logger.Warn("rate limiter degraded, failing closed",
			zap.String("limit_key", limitKey),
			zap.String("identifier", identifier),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	return d
}
