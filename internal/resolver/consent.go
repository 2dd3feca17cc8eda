package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ConsentStore holds the per-user gateway-fallback consent flag.
// Absence of a row means consent (default true); only an explicit false
// blocks the fallback.
type ConsentStore interface {
	AllowGatewayFallback(ctx context.Context, userID string) (bool, error)
	SetAllowGatewayFallback(ctx context.Context, userID string, allow bool) error
}

// PostgresConsentStore reads the flag from the user_settings table.
type PostgresConsentStore struct {
	db *sql.DB
}

// NewPostgresConsentStore creates a PostgresConsentStore.
func NewPostgresConsentStore(db *sql.DB) *PostgresConsentStore {
	return &PostgresConsentStore{db: db}
}

func (s *PostgresConsentStore) AllowGatewayFallback(ctx context.Context, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT allow_gateway_fallback FROM user_settings WHERE user_id = $1
	`, userID)

	var allow bool
	if err := row.Scan(&allow); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("AllowGatewayFallback: %w", err)
	}
	return allow, nil
}

func (s *PostgresConsentStore) SetAllowGatewayFallback(ctx context.Context, userID string, allow bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, allow_gateway_fallback)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET allow_gateway_fallback = $2
	`, userID, allow)
	if err != nil {
		return fmt.Errorf("SetAllowGatewayFallback: %w", err)
	}
	return nil
}

// MemoryConsentStore is an in-process ConsentStore for development and tests.
type MemoryConsentStore struct {
	mu    sync.Mutex
	flags map[string]bool
}

// NewMemoryConsentStore creates an empty MemoryConsentStore.
func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{flags: make(map[string]bool)}
}

func (s *MemoryConsentStore) AllowGatewayFallback(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allow, ok := s.flags[userID]
	if !ok {
		return true, nil
	}
	return allow, nil
}

func (s *MemoryConsentStore) SetAllowGatewayFallback(ctx context.Context, userID string, allow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[userID] = allow
	return nil
}
