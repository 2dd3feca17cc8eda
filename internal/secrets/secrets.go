// Package secrets stores per-user provider credentials encrypted at rest.
// Key material only leaves the store through Reveal; everything else deals in
// references and metadata.
package secrets

import (
	"context"
	"time"
)

// CredentialRecord is the metadata for one stored credential. It never carries
// key material and is safe to hand to the resolver and its cache.
type CredentialRecord struct {
	UserID     string    `json:"user_id"`
	Service    string    `json:"service"` // provider name or "gateway"
	SecretRef  string    `json:"secret_ref"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Store is the secret store contract. Get returns (nil, nil) when no
// credential exists for the user+service pair; errors are reserved for the
// store itself being unavailable.
type Store interface {
	Get(ctx context.Context, userID, service string) (*CredentialRecord, error)
	Put(ctx context.Context, userID, service, material string) (*CredentialRecord, error)
	Delete(ctx context.Context, userID, service string) error

	// Reveal decrypts and returns the raw key material. Callers must not
	// cache or log the result.
	Reveal(ctx context.Context, userID, service string) (string, error)

	// TouchLastUsed updates last_used_at. Best-effort; callers treat
	// failures as non-fatal.
	TouchLastUsed(ctx context.Context, userID, service string) error
}
