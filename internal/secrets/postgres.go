package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CredentialStore abstracts DB queries for testability.
type CredentialStore interface {
	LookupCredential(ctx context.Context, userID, service string) (*credentialRow, error)
	UpsertCredential(ctx context.Context, row *credentialRow) error
	DeleteCredential(ctx context.Context, userID, service string) error
	UpdateLastUsed(ctx context.Context, userID, service string, at time.Time) error
}

type credentialRow struct {
	UserID      string
	Service     string
	SecretRef   string
	MaterialEnc string
	CreatedAt   time.Time
	LastUsedAt  sql.NullTime
}

// sqlCredentialStore is the real implementation using *sql.DB.
type sqlCredentialStore struct {
	db *sql.DB
}

func (s *sqlCredentialStore) LookupCredential(ctx context.Context, userID, service string) (*credentialRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, service, secret_ref, material_enc, created_at, last_used_at
		FROM user_credentials
		WHERE user_id = $1 AND service = $2
	`, userID, service)

	var r credentialRow
	if err := row.Scan(&r.UserID, &r.Service, &r.SecretRef, &r.MaterialEnc, &r.CreatedAt, &r.LastUsedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlCredentialStore) UpsertCredential(ctx context.Context, row *credentialRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, service, secret_ref, material_enc, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, service)
		DO UPDATE SET secret_ref = $3, material_enc = $4, created_at = $5, last_used_at = NULL
	`, row.UserID, row.Service, row.SecretRef, row.MaterialEnc, row.CreatedAt)
	return err
}

func (s *sqlCredentialStore) DeleteCredential(ctx context.Context, userID, service string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_credentials WHERE user_id = $1 AND service = $2
	`, userID, service)
	return err
}

func (s *sqlCredentialStore) UpdateLastUsed(ctx context.Context, userID, service string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_credentials SET last_used_at = $3
		WHERE user_id = $1 AND service = $2
	`, userID, service, at)
	return err
}

// PostgresStore keeps credentials in the user_credentials table with the key
// material AES-GCM encrypted under a process master key.
type PostgresStore struct {
	store     CredentialStore
	masterKey []byte
	logger    *zap.Logger
}

// PostgresStoreConfig configures a PostgresStore.
type PostgresStoreConfig struct {
	DB        *sql.DB
	MasterKey []byte // 32 bytes
	Logger    *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if len(cfg.MasterKey) != keyLength {
		return nil, fmt.Errorf("NewPostgresStore: master key must be %d bytes", keyLength)
	}
	return &PostgresStore{
		store:     &sqlCredentialStore{db: cfg.DB},
		masterKey: cfg.MasterKey,
		logger:    cfg.Logger,
	}, nil
}

// NewPostgresStoreWithCredentialStore creates a store with a custom row store (for testing).
func NewPostgresStoreWithCredentialStore(store CredentialStore, masterKey []byte, logger *zap.Logger) (*PostgresStore, error) {
	if len(masterKey) != keyLength {
		return nil, fmt.Errorf("NewPostgresStoreWithCredentialStore: master key must be %d bytes", keyLength)
	}
	return &PostgresStore{store: store, masterKey: masterKey, logger: logger}, nil
}

func (p *PostgresStore) Get(ctx context.Context, userID, service string) (*CredentialRecord, error) {
	row, err := p.store.LookupCredential(ctx, userID, service)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	return recordFromRow(row), nil
}

func (p *PostgresStore) Put(ctx context.Context, userID, service, material string) (*CredentialRecord, error) {
	enc, err := encryptMaterial(p.masterKey, material)
	if err != nil {
		return nil, fmt.Errorf("Put: %w", err)
	}
	row := &credentialRow{
		UserID:      userID,
		Service:     service,
		SecretRef:   "sec_" + uuid.New().String(),
		MaterialEnc: enc,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.UpsertCredential(ctx, row); err != nil {
		return nil, fmt.Errorf("Put: %w", err)
	}
	return recordFromRow(row), nil
}

func (p *PostgresStore) Delete(ctx context.Context, userID, service string) error {
	if err := p.store.DeleteCredential(ctx, userID, service); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

func (p *PostgresStore) Reveal(ctx context.Context, userID, service string) (string, error) {
	row, err := p.store.LookupCredential(ctx, userID, service)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("Reveal: no credential for service %s", service)
		}
		return "", fmt.Errorf("Reveal: %w", err)
	}
	material, err := decryptMaterial(p.masterKey, row.MaterialEnc)
	if err != nil {
		return "", fmt.Errorf("Reveal: %w", err)
	}
	return material, nil
}

func (p *PostgresStore) TouchLastUsed(ctx context.Context, userID, service string) error {
	if err := p.store.UpdateLastUsed(ctx, userID, service, time.Now().UTC()); err != nil {
		return fmt.Errorf("TouchLastUsed: %w", err)
	}
	return nil
}

func recordFromRow(row *credentialRow) *CredentialRecord {
	rec := &CredentialRecord{
		UserID:    row.UserID,
		Service:   row.Service,
		SecretRef: row.SecretRef,
		CreatedAt: row.CreatedAt,
	}
	if row.LastUsedAt.Valid {
		rec.LastUsedAt = row.LastUsedAt.Time
	}
	return rec
}
