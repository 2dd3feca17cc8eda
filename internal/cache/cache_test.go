package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/sentinel/internal/kv"
	"go.uber.org/zap"
)

func TestGetOrLoadCachesValue(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore(), zap.NewNop())

	var loads int32
	loader := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("value"), nil
	}

	for i := 0; i < 3; i++ {
		val, err := c.GetOrLoad(ctx, "k", []string{"t"}, time.Minute, loader)
		if err != nil {
			t.Fatalf("GetOrLoad: %v", err)
		}
		if string(val) != "value" {
			t.Fatalf("GetOrLoad: got %q, want %q", val, "value")
		}
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("loader invoked %d times, want 1", n)
	}
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore(), zap.NewNop())

	wantErr := errors.New("backend down")
	var loads int32
	loader := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return nil, wantErr
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrLoad(ctx, "k", nil, time.Minute, loader); !errors.Is(err, wantErr) {
			t.Fatalf("GetOrLoad: got %v, want %v", err, wantErr)
		}
	}
	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Fatalf("loader invoked %d times, want 2 (errors must not be cached)", n)
	}
}

func TestInvalidateTagForcesReload(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore(), zap.NewNop())

	var loads int32
	loader := func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(&loads, 1)
		if n == 1 {
			return []byte("old"), nil
		}
		return []byte("new"), nil
	}

	val, err := c.GetOrLoad(ctx, "k", []string{"user:abc"}, time.Minute, loader)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if string(val) != "old" {
		t.Fatalf("GetOrLoad: got %q, want %q", val, "old")
	}

	if err := c.InvalidateTag(ctx, "user:abc"); err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}

	// No stale window: the very next read must hit the loader.
	val, err = c.GetOrLoad(ctx, "k", []string{"user:abc"}, time.Minute, loader)
	if err != nil {
		t.Fatalf("GetOrLoad after invalidate: %v", err)
	}
	if string(val) != "new" {
		t.Fatalf("GetOrLoad after invalidate: got %q, want %q", val, "new")
	}
	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Fatalf("loader invoked %d times, want 2", n)
	}
}

func TestInvalidateTagOnlyTouchesTaggedKeys(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemoryStore(), zap.NewNop())

	load := func(v string) func(ctx context.Context) ([]byte, error) {
		return func(ctx context.Context) ([]byte, error) { return []byte(v), nil }
	}

	if _, err := c.GetOrLoad(ctx, "a", []string{"user:one"}, time.Minute, load("a1")); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if _, err := c.GetOrLoad(ctx, "b", []string{"user:two"}, time.Minute, load("b1")); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}

	if err := c.InvalidateTag(ctx, "user:one"); err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}

	var reloaded int32
	val, err := c.GetOrLoad(ctx, "b", []string{"user:two"}, time.Minute, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&reloaded, 1)
		return []byte("b2"), nil
	})
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if string(val) != "b1" || atomic.LoadInt32(&reloaded) != 0 {
		t.Fatalf("untagged key was invalidated: val=%q reloaded=%d", val, reloaded)
	}
}

func TestInvalidateUnknownTagIsNoop(t *testing.T) {
	c := New(kv.NewMemoryStore(), zap.NewNop())
	if err := c.InvalidateTag(context.Background(), "user:nobody"); err != nil {
		t.Fatalf("InvalidateTag on unknown tag: %v", err)
	}
}
