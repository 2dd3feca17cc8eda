package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/triage-ai/sentinel/internal/cache"
	"github.com/triage-ai/sentinel/internal/kv"
	"github.com/triage-ai/sentinel/internal/secrets"
	"go.uber.org/zap"
)

type resolverFixture struct {
	resolver *Resolver
	secrets  *secrets.MemoryStore
	consent  ConsentStore
}

func newFixture(t *testing.T, gateway *GatewayCredential, fallback map[Provider]string) *resolverFixture {
	t.Helper()
	sec := secrets.NewMemoryStore()
	consent := NewMemoryConsentStore()
	r := New(Config{
		Secrets:        sec,
		Consent:        consent,
		Cache:          cache.New(kv.NewMemoryStore(), zap.NewNop()),
		Gateway:        gateway,
		ServerFallback: fallback,
		Logger:         zap.NewNop(),
	})
	return &resolverFixture{resolver: r, secrets: sec, consent: consent}
}

func TestResolvePrefersUserGatewaySecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &GatewayCredential{SecretRef: "sec_gw"}, nil)

	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderGateway), "material"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderOpenAI), "material"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider != ProviderGateway || res.Path != PathUserVault {
		t.Fatalf("got %s via %s, want gateway via user-vault", res.Provider, res.Path)
	}
}

func TestResolveBYOKPriorityOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderAnthropic), "material"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderOpenAI), "material"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider != ProviderOpenAI {
		t.Fatalf("got %s, want openai ahead of anthropic", res.Provider)
	}
	if res.Path != PathUserVault {
		t.Fatalf("path %s, want user-vault", res.Path)
	}
}

func TestResolveGatewayFallbackDefaultsToConsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &GatewayCredential{SecretRef: "sec_gw", Model: "gateway/team"}, nil)

	// No credentials, no explicit consent row: fallback is allowed.
	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider != ProviderGateway || res.Path != PathTeamGateway {
		t.Fatalf("got %s via %s, want gateway via team-gateway", res.Provider, res.Path)
	}
	if res.ModelID != "gateway/team" {
		t.Fatalf("model %q, want configured gateway model", res.ModelID)
	}
}

func TestResolveConsentOptOutBlocksFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &GatewayCredential{SecretRef: "sec_gw"}, map[Provider]string{
		ProviderOpenAI: "sec_fb",
	})

	if err := f.resolver.SetConsent(ctx, "alice", false); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}

	_, err := f.resolver.Resolve(ctx, "alice", "")
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("Resolve with consent=false: got %v, want ErrNoProviderAvailable", err)
	}
}

func TestResolveServerFallbackBeforeGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &GatewayCredential{SecretRef: "sec_gw"}, map[Provider]string{
		ProviderAnthropic: "sec_fb",
	})

	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider != ProviderAnthropic || res.Path != PathServerFallback {
		t.Fatalf("got %s via %s, want anthropic via server-fallback", res.Provider, res.Path)
	}
}

func TestResolveNothingAvailable(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.resolver.Resolve(context.Background(), "alice", "")
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("Resolve: got %v, want ErrNoProviderAvailable", err)
	}
}

func TestResolveModelHint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderOpenAI), "material"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	tests := []struct {
		hint string
		want string
	}{
		{"gpt-4o", "gpt-4o"},
		{"claude-sonnet-4-5", ProviderOpenAI.DefaultModel()},
		{"", ProviderOpenAI.DefaultModel()},
	}
	for _, tc := range tests {
		res, err := f.resolver.Resolve(ctx, "alice", tc.hint)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.hint, err)
		}
		if res.ModelID != tc.want {
			t.Fatalf("Resolve(%q): model %q, want %q", tc.hint, res.ModelID, tc.want)
		}
	}
}

func TestRotationReflectsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &GatewayCredential{SecretRef: "sec_gw"}, nil)

	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderOpenAI), "material"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider != ProviderOpenAI {
		t.Fatalf("got %s, want openai", res.Provider)
	}

	// Revoke; despite the 60s lookup TTL the very next resolve must see it.
	if err := f.resolver.DeleteCredential(ctx, "alice", string(ProviderOpenAI)); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	res, err = f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve after delete: %v", err)
	}
	if res.Provider != ProviderGateway || res.Path != PathTeamGateway {
		t.Fatalf("got %s via %s after revocation, want gateway fallback", res.Provider, res.Path)
	}
}

func TestConsentChangeReflectsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &GatewayCredential{SecretRef: "sec_gw"}, nil)

	if _, err := f.resolver.Resolve(ctx, "alice", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := f.resolver.SetConsent(ctx, "alice", false); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, "alice", ""); !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("Resolve after opt-out: got %v, want ErrNoProviderAvailable", err)
	}

	if err := f.resolver.SetConsent(ctx, "alice", true); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}
	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve after opt-in: %v", err)
	}
	if res.Path != PathTeamGateway {
		t.Fatalf("path %s, want team-gateway", res.Path)
	}
}

type failingConsentStore struct{}

func (failingConsentStore) AllowGatewayFallback(ctx context.Context, userID string) (bool, error) {
	return false, errors.New("settings store unavailable")
}

func (failingConsentStore) SetAllowGatewayFallback(ctx context.Context, userID string, allow bool) error {
	return errors.New("settings store unavailable")
}

func TestConsentStoreErrorDeniesFallback(t *testing.T) {
	r := New(Config{
		Secrets: secrets.NewMemoryStore(),
		Consent: failingConsentStore{},
		Cache:   cache.New(kv.NewMemoryStore(), zap.NewNop()),
		Gateway: &GatewayCredential{SecretRef: "sec_gw"},
		Logger:  zap.NewNop(),
	})

	_, err := r.Resolve(context.Background(), "alice", "")
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("Resolve with broken consent store: got %v, want ErrNoProviderAvailable", err)
	}
}

func TestResultCarriesNoSecretMaterial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	if _, err := f.resolver.PutCredential(ctx, "alice", string(ProviderOpenAI), "sk-live-very-secret"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	res, err := f.resolver.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ModelID == "sk-live-very-secret" || string(res.Provider) == "sk-live-very-secret" {
		t.Fatal("secret material leaked into the resolution result")
	}
	if time.Since(res.ResolvedAt) > time.Minute {
		t.Fatalf("stale ResolvedAt: %v", res.ResolvedAt)
	}
}
