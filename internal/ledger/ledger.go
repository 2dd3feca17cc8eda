// Package ledger records idempotent operation outcomes in the KV store.
// Records move through a forward-only state machine; all mutations go through
// compare-and-set so concurrent callers across process instances serialize at
// the KV boundary, never on an in-process lock.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/sentinel/internal/kv"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

// allowedTransitions is the forward-only state machine. Expiry is not listed;
// it is derived from the record's deadline on read.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted},
}

// DefaultTTL is how long an unadvanced record stays live.
const DefaultTTL = 15 * time.Minute

const keyPrefix = "idem:"

// casAttempts bounds Advance retries: a CAS failure can mean a concurrent
// write to another field, not necessarily a status change, so re-read before
// giving up.
const casAttempts = 3

var (
	// ErrConflict means the caller reused a token for a different payload —
	// a caller bug or a replay, never a transient condition.
	ErrConflict = errors.New("ledger: idempotency key reused with different payload")

	// ErrInvalidTransition means the requested advance is not in the state
	// machine at all (programmer error, distinct from losing a race).
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Record is one idempotency ledger entry.
type Record struct {
	Key         string    `json:"key"`
	Status      Status    `json:"status"`
	PayloadHash string    `json:"payload_hash"`
	ResultJSON  string    `json:"result_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record's deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Key derives the ledger key from a caller-supplied token and scope. The raw
// token never appears in KV keys or logs.
func Key(token, scope string) string {
	sum := sha256.Sum256([]byte(token + "|" + scope))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// HashPayload produces the payload fingerprint bound to a record.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Ledger stores idempotency records.
type Ledger struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

// Config configures a Ledger.
type Config struct {
	Store kv.Store
	TTL   time.Duration // zero = DefaultTTL
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Ledger{store: cfg.Store, ttl: ttl, now: time.Now}
}

// CreateOrGet creates a pending record for key, or returns the existing one.
// Exactly one of two concurrent callers wins the create; the loser observes
// the winner's record. An existing record with a different payload hash is an
// ErrConflict. The second return value reports whether this call created the
// record.
func (l *Ledger) CreateOrGet(ctx context.Context, key, payloadHash string) (*Record, bool, error) {
	now := l.now().UTC()
	rec := &Record{
		Key:         key,
		Status:      StatusPending,
		PayloadHash: payloadHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("CreateOrGet: %w", err)
	}

	won, err := l.store.CompareAndSet(ctx, key, nil, raw, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("CreateOrGet: %w", err)
	}
	if won {
		return rec, true, nil
	}

	existing, _, err := l.getRaw(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// Lost the create race but the winner's record already expired
			// out from under us; treat as a fresh create on the next call.
			return nil, false, fmt.Errorf("CreateOrGet: record expired during create race: %w", err)
		}
		return nil, false, fmt.Errorf("CreateOrGet: %w", err)
	}
	if existing.PayloadHash != payloadHash {
		return nil, false, ErrConflict
	}
	return existing, false, nil
}

// Get returns the record for key, or (nil, nil) when none exists. Records
// past their deadline are reported with status expired.
func (l *Ledger) Get(ctx context.Context, key string) (*Record, error) {
	rec, _, err := l.getRaw(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	if rec.Expired(l.now()) {
		rec.Status = StatusExpired
	}
	return rec, nil
}

// Advance moves the record from one status to another with a conditional
// update. Returns false (not an error) when the record is no longer in the
// from status — someone else already advanced it.
func (l *Ledger) Advance(ctx context.Context, key string, from, to Status) (bool, error) {
	if !transitionAllowed(from, to) {
		return false, fmt.Errorf("Advance: %s -> %s: %w", from, to, ErrInvalidTransition)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, raw, err := l.getRaw(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("Advance: %w", err)
		}
		if rec.Expired(l.now()) || rec.Status != from {
			return false, nil
		}

		next := *rec
		next.Status = to
		nextRaw, err := json.Marshal(&next)
		if err != nil {
			return false, fmt.Errorf("Advance: %w", err)
		}

		ttl := time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return false, nil
		}

		ok, err := l.store.CompareAndSet(ctx, key, raw, nextRaw, ttl)
		if err != nil {
			return false, fmt.Errorf("Advance: %w", err)
		}
		if ok {
			return true, nil
		}
		// CAS lost: re-read and re-check the status before concluding the
		// transition already happened.
	}
	return false, nil
}

// RecordResult attaches an execution result to an executed record so replays
// of the same key can return it without re-executing.
func (l *Ledger) RecordResult(ctx context.Context, key, resultJSON string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, raw, err := l.getRaw(ctx, key)
		if err != nil {
			return fmt.Errorf("RecordResult: %w", err)
		}
		if rec.Status != StatusExecuted {
			return fmt.Errorf("RecordResult: record is %s, not executed", rec.Status)
		}

		next := *rec
		next.ResultJSON = resultJSON
		nextRaw, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("RecordResult: %w", err)
		}

		ttl := time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("RecordResult: record expired")
		}

		ok, err := l.store.CompareAndSet(ctx, key, raw, nextRaw, ttl)
		if err != nil {
			return fmt.Errorf("RecordResult: %w", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("RecordResult: lost %d consecutive CAS races", casAttempts)
}

func (l *Ledger) getRaw(ctx context.Context, key string) (*Record, []byte, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("getRaw: corrupt record: %w", err)
	}
	return &rec, raw, nil
}

func transitionAllowed(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
