package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/sentinel/internal/kv"
)

func testLedger(ttl time.Duration) *Ledger {
	return New(Config{Store: kv.NewMemoryStore(), TTL: ttl})
}

func TestKeyHidesToken(t *testing.T) {
	k := Key("tok-123", "proj:tool")
	if len(k) != len(keyPrefix)+64 {
		t.Fatalf("unexpected key length %d", len(k))
	}
	for i := 0; i+len("tok-123") <= len(k); i++ {
		if k[i:i+len("tok-123")] == "tok-123" {
			t.Fatal("raw token leaked into ledger key")
		}
	}
	if Key("tok-123", "proj:tool") != k {
		t.Fatal("key derivation is not deterministic")
	}
	if Key("tok-123", "proj:other") == k {
		t.Fatal("same token in a different scope must map to a different key")
	}
}

func TestCreateOrGet(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	hash := HashPayload([]byte(`{"a":1}`))

	rec, created, err := l.CreateOrGet(ctx, key, hash)
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created {
		t.Fatal("first call did not create")
	}
	if rec.Status != StatusPending {
		t.Fatalf("new record status %q, want pending", rec.Status)
	}

	rec2, created, err := l.CreateOrGet(ctx, key, hash)
	if err != nil {
		t.Fatalf("CreateOrGet replay: %v", err)
	}
	if created {
		t.Fatal("replay claimed to create")
	}
	if rec2.PayloadHash != hash {
		t.Fatalf("replay returned wrong record: %q", rec2.PayloadHash)
	}
}

func TestCreateOrGetPayloadConflict(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")

	if _, _, err := l.CreateOrGet(ctx, key, HashPayload([]byte(`{"a":1}`))); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	_, _, err := l.CreateOrGet(ctx, key, HashPayload([]byte(`{"a":2}`)))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("reused token with different payload: got %v, want ErrConflict", err)
	}
}

func TestCreateOrGetConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	hash := HashPayload([]byte(`{}`))

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := l.CreateOrGet(ctx, key, hash)
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for created := range results {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d callers created the record, want exactly 1", winners)
	}
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	if _, _, err := l.CreateOrGet(ctx, key, "h"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	ok, err := l.Advance(ctx, key, StatusPending, StatusApproved)
	if err != nil || !ok {
		t.Fatalf("Advance pending->approved: ok=%v err=%v", ok, err)
	}

	// Replaying the same transition loses quietly.
	ok, err = l.Advance(ctx, key, StatusPending, StatusApproved)
	if err != nil {
		t.Fatalf("Advance replay: %v", err)
	}
	if ok {
		t.Fatal("replayed transition reported success")
	}

	ok, err = l.Advance(ctx, key, StatusApproved, StatusExecuted)
	if err != nil || !ok {
		t.Fatalf("Advance approved->executed: ok=%v err=%v", ok, err)
	}
}

func TestAdvanceRejectsUnknownTransition(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	if _, _, err := l.CreateOrGet(ctx, key, "h"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	for _, tc := range []struct{ from, to Status }{
		{StatusPending, StatusExecuted},
		{StatusRejected, StatusApproved},
		{StatusExecuted, StatusPending},
	} {
		if _, err := l.Advance(ctx, key, tc.from, tc.to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Advance %s->%s: got %v, want ErrInvalidTransition", tc.from, tc.to, err)
		}
	}
}

func TestAdvanceConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	if _, _, err := l.CreateOrGet(ctx, key, "h"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if ok, err := l.Advance(ctx, key, StatusPending, StatusApproved); err != nil || !ok {
		t.Fatalf("Advance: ok=%v err=%v", ok, err)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Advance(ctx, key, StatusApproved, StatusExecuted)
			if err != nil {
				t.Errorf("Advance: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d callers won approved->executed, want exactly 1", winners)
	}
}

func TestGetReportsExpired(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	if _, _, err := l.CreateOrGet(ctx, key, "h"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	// Move the clock past the record's deadline.
	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	rec, err := l.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("Get returned nil for a live KV entry")
	}
	if rec.Status != StatusExpired {
		t.Fatalf("status %q, want expired", rec.Status)
	}
}

func TestAdvanceRefusesExpiredRecord(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	if _, _, err := l.CreateOrGet(ctx, key, "h"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	ok, err := l.Advance(ctx, key, StatusPending, StatusApproved)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if ok {
		t.Fatal("expired record was advanced")
	}
}

func TestGetMissingRecord(t *testing.T) {
	l := testLedger(time.Minute)
	rec, err := l.Get(context.Background(), Key("tok", "scope"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("Get missing: got %+v, want nil", rec)
	}
}

func TestRecordResult(t *testing.T) {
	ctx := context.Background()
	l := testLedger(time.Minute)
	key := Key("tok", "scope")
	if _, _, err := l.CreateOrGet(ctx, key, "h"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	if err := l.RecordResult(ctx, key, `{"out":1}`); err == nil {
		t.Fatal("RecordResult accepted a non-executed record")
	}

	mustAdvance(t, l, key, StatusPending, StatusApproved)
	mustAdvance(t, l, key, StatusApproved, StatusExecuted)

	if err := l.RecordResult(ctx, key, `{"out":1}`); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	rec, err := l.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ResultJSON != `{"out":1}` {
		t.Fatalf("stored result %q", rec.ResultJSON)
	}
}

func mustAdvance(t *testing.T, l *Ledger, key string, from, to Status) {
	t.Helper()
	ok, err := l.Advance(context.Background(), key, from, to)
	if err != nil || !ok {
		t.Fatalf("Advance %s->%s: ok=%v err=%v", from, to, ok, err)
	}
}
