package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for local development and tests.
// Material is kept in memory unencrypted; never use outside dev.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memCredential
}

type memCredential struct {
	record   CredentialRecord
	material string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memCredential)}
}

func memKey(userID, service string) string {
	return userID + ":" + service
}

func (s *MemoryStore) Get(ctx context.Context, userID, service string) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[memKey(userID, service)]
	if !ok {
		return nil, nil
	}
	rec := c.record
	return &rec, nil
}

func (s *MemoryStore) Put(ctx context.Context, userID, service, material string) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := CredentialRecord{
		UserID:    userID,
		Service:   service,
		SecretRef: "sec_" + uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	s.records[memKey(userID, service)] = &memCredential{record: rec, material: material}
	out := rec
	return &out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memKey(userID, service))
	return nil
}

func (s *MemoryStore) Reveal(ctx context.Context, userID, service string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[memKey(userID, service)]
	if !ok {
		return "", fmt.Errorf("Reveal: no credential for service %s", service)
	}
	return c.material, nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, userID, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.records[memKey(userID, service)]; ok {
		c.record.LastUsedAt = time.Now().UTC()
	}
	return nil
}
