package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local development and tests.
// Single mutex; entries expire lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memEntry
	sets   map[string]memSet
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		sets:   make(map[string]memSet),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveEntry(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memEntry{value: cloneBytes(value), expiresAt: deadline(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.sets, k)
	}
	return nil
}

func (s *MemoryStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveEntry(key)
	var n int64
	if ok {
		n = parseInt(e.value) + 1
		e.value = formatInt(n)
		s.values[key] = e
	} else {
		n = 1
		s.values[key] = memEntry{value: formatInt(1), expiresAt: deadline(window)}
	}
	return n, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveEntry(key)
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || string(e.value) != string(expected) {
			return false, nil
		}
	}
	s.values[key] = memEntry{value: cloneBytes(next), expiresAt: deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.liveSet(key)
	if !ok {
		set = memSet{members: make(map[string]struct{})}
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	set.expiresAt = deadline(ttl)
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.liveSet(key)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set.members))
	for m := range set.members {
		out = append(out, m)
	}
	return out, nil
}

// liveEntry returns the entry for key, expiring it if its TTL has passed.
// Caller must hold s.mu.
func (s *MemoryStore) liveEntry(key string) (memEntry, bool) {
	e, ok := s.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) liveSet(key string) (memSet, bool) {
	set, ok := s.sets[key]
	if !ok {
		return memSet{}, false
	}
	if !set.expiresAt.IsZero() && time.Now().After(set.expiresAt) {
		delete(s.sets, key)
		return memSet{}, false
	}
	return set, true
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func parseInt(b []byte) int64 {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}
