package toolreg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PolicyStore abstracts DB queries for testability.
type PolicyStore interface {
	LookupPolicy(ctx context.Context, projectID, toolName string) (*policyRow, error)
}

type policyRow struct {
	ID            string
	ProjectID     string
	ToolName      string
	Sensitive     bool
	PayloadSchema sql.NullString
	RateLimit     sql.NullString
	DegradedMode  sql.NullString
}

// sqlPolicyStore is the real implementation using *sql.DB.
type sqlPolicyStore struct {
	db *sql.DB
}

func (s *sqlPolicyStore) LookupPolicy(ctx context.Context, projectID, toolName string) (*policyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, tool_name, sensitive, payload_schema, rate_limit, degraded_mode
		FROM tool_policies
		WHERE project_id = $1 AND tool_name = $2
	`, projectID, toolName)

	var r policyRow
	if err := row.Scan(&r.ID, &r.ProjectID, &r.ToolName, &r.Sensitive,
		&r.PayloadSchema, &r.RateLimit, &r.DegradedMode); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresPolicyRegistry fetches tool policies from the tool_policies table.
type PostgresPolicyRegistry struct {
	store  PolicyStore
	cache  *PolicyCache
	logger *zap.Logger
}

// PostgresPolicyRegistryConfig configures the PostgresPolicyRegistry.
type PostgresPolicyRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresPolicyRegistry creates a new PostgresPolicyRegistry.
func NewPostgresPolicyRegistry(cfg PostgresPolicyRegistryConfig) *PostgresPolicyRegistry {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresPolicyRegistry{
		store:  &sqlPolicyStore{db: cfg.DB},
		cache:  NewPolicyCache(ttl),
		logger: cfg.Logger,
	}
}

// NewPostgresPolicyRegistryWithStore creates a registry with a custom store (for testing).
func NewPostgresPolicyRegistryWithStore(store PolicyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresPolicyRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresPolicyRegistry{
		store:  store,
		cache:  NewPolicyCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresPolicyRegistry) GetPolicy(ctx context.Context, projectID, toolName string) (*ToolPolicy, error) {
	cacheResult := r.cache.Get(projectID, toolName)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshInBackground(projectID, toolName)
		}
		return cacheResult.Policy, nil
	}

	policy, err := r.fetchFromDB(ctx, projectID, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Negative cache: no policy registered for this tool.
			r.cache.Set(projectID, toolName, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetPolicy: %w", err)
	}

	r.cache.Set(projectID, toolName, policy)
	return policy, nil
}

func (r *PostgresPolicyRegistry) fetchFromDB(ctx context.Context, projectID, toolName string) (*ToolPolicy, error) {
	row, err := r.store.LookupPolicy(ctx, projectID, toolName)
	if err != nil {
		return nil, err
	}
	return parsePolicyRow(row)
}

func (r *PostgresPolicyRegistry) refreshInBackground(projectID, toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy, err := r.fetchFromDB(ctx, projectID, toolName)
	if err != nil {
		// A deleted policy is a valid refresh result, not a failure.
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(projectID, toolName, nil)
			return
		}
		r.logger.Warn("background policy refresh failed",
			zap.String("project_id", projectID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		// Evict the stale entry so the next lookup fetches synchronously
		// instead of serving it forever.
		r.cache.Delete(projectID, toolName)
		return
	}
	r.cache.Set(projectID, toolName, policy)
}

func parsePolicyRow(row *policyRow) (*ToolPolicy, error) {
	policy := &ToolPolicy{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		ToolName:  row.ToolName,
		Sensitive: row.Sensitive,
	}

	if row.PayloadSchema.Valid && row.PayloadSchema.String != "" {
		sch, err := CompilePayloadSchema([]byte(row.PayloadSchema.String))
		if err != nil {
			return nil, fmt.Errorf("parsePolicyRow: payload_schema: %w", err)
		}
		policy.PayloadSchema = sch
	}

	if row.RateLimit.Valid && row.RateLimit.String != "" && row.RateLimit.String != "{}" {
		var rl RateLimit
		if err := json.Unmarshal([]byte(row.RateLimit.String), &rl); err != nil {
			return nil, fmt.Errorf("parsePolicyRow: rate_limit: %w", err)
		}
		if rl.MaxCalls <= 0 || rl.WindowSeconds <= 0 {
			return nil, fmt.Errorf("parsePolicyRow: rate_limit: max_calls and window_seconds must be positive")
		}
		rl.Window = time.Duration(rl.WindowSeconds) * time.Second
		policy.RateLimit = &rl
	}

	if row.DegradedMode.Valid {
		policy.DegradedMode = row.DegradedMode.String
	}

	return policy, nil
}
