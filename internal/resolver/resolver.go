// Package resolver picks which provider credential a request should use,
// walking the priority chain: the user's own gateway-scoped secret, then
// per-provider BYOK secrets, then server-side fallback keys, then the shared
// team gateway — the last two gated on the user's consent flag.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/sentinel/internal/cache"
	"github.com/triage-ai/sentinel/internal/secrets"
	"go.uber.org/zap"
)

// Path is how a resolution was satisfied.
type Path string

const (
	PathUserVault      Path = "user-vault"
	PathServerFallback Path = "server-fallback"
	PathTeamGateway    Path = "team-gateway"
)

// ErrNoProviderAvailable means the chain is exhausted: the user owns no
// usable credential and has opted out of (or cannot use) the fallbacks.
// Recoverable by user action, not by retrying.
var ErrNoProviderAvailable = errors.New("resolver: no provider available")

// DefaultCredentialTTL bounds how stale a cached credential lookup may be.
// Rotations invalidate synchronously, so this only covers out-of-band edits.
const DefaultCredentialTTL = 60 * time.Second

// Result is the routing decision for one request. It carries no secret
// material and is safe to place in telemetry.
type Result struct {
	Provider   Provider  `json:"provider"`
	ModelID    string    `json:"model_id"`
	Path       Path      `json:"path"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// GatewayCredential is the process-wide shared gateway credential, loaded
// once at startup and injected; it is never re-read per request.
type GatewayCredential struct {
	SecretRef string
	Model     string
}

// Resolver orchestrates the secret store and the tag cache to pick a usable
// provider for each request.
type Resolver struct {
	secrets  secrets.Store
	consent  ConsentStore
	cache    *cache.TagCache
	gateway  *GatewayCredential   // nil when no shared gateway is configured
	fallback map[Provider]string  // server-side fallback secret refs
	credTTL  time.Duration
	logger   *zap.Logger
}

// Config configures a Resolver.
type Config struct {
	Secrets        secrets.Store
	Consent        ConsentStore
	Cache          *cache.TagCache
	Gateway        *GatewayCredential
	ServerFallback map[Provider]string
	CredentialTTL  time.Duration // zero = DefaultCredentialTTL
	Logger         *zap.Logger
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	ttl := cfg.CredentialTTL
	if ttl == 0 {
		ttl = DefaultCredentialTTL
	}
	return &Resolver{
		secrets:  cfg.Secrets,
		consent:  cfg.Consent,
		cache:    cfg.Cache,
		gateway:  cfg.Gateway,
		fallback: cfg.ServerFallback,
		credTTL:  ttl,
		logger:   cfg.Logger,
	}
}

// cachedCredential is the cache encoding of a lookup: presence plus the
// opaque reference, never key material.
type cachedCredential struct {
	Present   bool   `json:"present"`
	SecretRef string `json:"secret_ref,omitempty"`
}

// Resolve walks the credential chain for userID; first match wins.
func (r *Resolver) Resolve(ctx context.Context, userID, modelHint string) (*Result, error) {
	userHash := hashUser(userID)

	// 1. The user's own gateway-scoped secret.
	if r.lookup(ctx, userID, userHash, string(ProviderGateway)) {
		r.touchAsync(userID, string(ProviderGateway))
		return r.result(ProviderGateway, modelHint, PathUserVault), nil
	}

	// 2. Per-provider BYOK secrets, fixed priority order.
	for _, p := range byokPriority {
		if r.lookup(ctx, userID, userHash, string(p)) {
			r.touchAsync(userID, string(p))
			return r.result(p, modelHint, PathUserVault), nil
		}
	}

	// 3. Non-user-owned paths need the consent flag. Consent-store errors
	// deny the fallback: assuming consent when we cannot read an explicit
	// false would bypass a security control.
	allow, err := r.allowFallback(ctx, userID, userHash)
	if err != nil {
		r.logger.Warn("consent lookup failed, denying fallback",
			zap.String("user_hash", userHash),
			zap.Error(err),
		)
		return nil, ErrNoProviderAvailable
	}
	if !allow {
		return nil, ErrNoProviderAvailable
	}

	for _, p := range byokPriority {
		if _, ok := r.fallback[p]; ok {
			return r.result(p, modelHint, PathServerFallback), nil
		}
	}

	if r.gateway != nil {
		res := r.result(ProviderGateway, modelHint, PathTeamGateway)
		if res.ModelID == ProviderGateway.DefaultModel() && r.gateway.Model != "" {
			res.ModelID = r.gateway.Model
		}
		return res, nil
	}

	return nil, ErrNoProviderAvailable
}

// PutCredential stores (or rotates) a user credential and synchronously
// invalidates every cached lookup for that user, so the very next Resolve
// reflects the change.
func (r *Resolver) PutCredential(ctx context.Context, userID, service, material string) (*secrets.CredentialRecord, error) {
	rec, err := r.secrets.Put(ctx, userID, service, material)
	if err != nil {
		return nil, fmt.Errorf("PutCredential: %w", err)
	}
	if err := r.invalidateUser(ctx, userID); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteCredential revokes a user credential with the same synchronous
// invalidation as PutCredential.
func (r *Resolver) DeleteCredential(ctx context.Context, userID, service string) error {
	if err := r.secrets.Delete(ctx, userID, service); err != nil {
		return fmt.Errorf("DeleteCredential: %w", err)
	}
	return r.invalidateUser(ctx, userID)
}

// SetConsent updates the gateway-fallback consent flag and invalidates the
// user's cached lookups.
func (r *Resolver) SetConsent(ctx context.Context, userID string, allow bool) error {
	if err := r.consent.SetAllowGatewayFallback(ctx, userID, allow); err != nil {
		return fmt.Errorf("SetConsent: %w", err)
	}
	return r.invalidateUser(ctx, userID)
}

func (r *Resolver) invalidateUser(ctx context.Context, userID string) error {
	if err := r.cache.InvalidateTag(ctx, "user:"+hashUser(userID)); err != nil {
		return fmt.Errorf("invalidateUser: %w", err)
	}
	return nil
}

// lookup reports whether the user owns a credential for service, through the
// tag cache. Secret-store trouble degrades to "absent for this service" so a
// transient vault outage falls down the chain instead of blocking the user.
func (r *Resolver) lookup(ctx context.Context, userID, userHash, service string) bool {
	key := "cred:" + userHash + ":" + service
	val, err := r.cache.GetOrLoad(ctx, key, []string{"user:" + userHash}, r.credTTL, func(ctx context.Context) ([]byte, error) {
		rec, err := r.secrets.Get(ctx, userID, service)
		if err != nil {
			return nil, err
		}
		cached := cachedCredential{}
		if rec != nil {
			cached.Present = true
			cached.SecretRef = rec.SecretRef
		}
		return json.Marshal(cached)
	})
	if err != nil {
		r.logger.Warn("secret lookup failed, treating as absent",
			zap.String("user_hash", userHash),
			zap.String("service", service),
			zap.Error(err),
		)
		return false
	}

	var cached cachedCredential
	if err := json.Unmarshal(val, &cached); err != nil {
		r.logger.Warn("corrupt cached credential, treating as absent",
			zap.String("user_hash", userHash),
			zap.String("service", service),
			zap.Error(err),
		)
		return false
	}
	return cached.Present
}

// allowFallback reads the consent flag through the same user-tagged cache so
// consent changes invalidate alongside credentials.
func (r *Resolver) allowFallback(ctx context.Context, userID, userHash string) (bool, error) {
	key := "consent:" + userHash
	val, err := r.cache.GetOrLoad(ctx, key, []string{"user:" + userHash}, r.credTTL, func(ctx context.Context) ([]byte, error) {
		allow, err := r.consent.AllowGatewayFallback(ctx, userID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(allow)
	})
	if err != nil {
		return false, err
	}
	var allow bool
	if err := json.Unmarshal(val, &allow); err != nil {
		return false, fmt.Errorf("allowFallback: %w", err)
	}
	return allow, nil
}

// touchAsync updates lastUsedAt without delaying the response. Best-effort:
// a failed touch is logged and forgotten.
func (r *Resolver) touchAsync(userID, service string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.secrets.TouchLastUsed(ctx, userID, service); err != nil {
			r.logger.Warn("last-used touch failed",
				zap.String("user_hash", hashUser(userID)),
				zap.String("service", service),
				zap.Error(err),
			)
		}
	}()
}

func (r *Resolver) result(p Provider, modelHint string, path Path) *Result {
	return &Result{
		Provider:   p,
		ModelID:    p.modelFor(modelHint),
		Path:       path,
		ResolvedAt: time.Now().UTC(),
	}
}

// hashUser one-way hashes a user ID for cache keys, tags, and logs.
func hashUser(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}
