package resolver

import "strings"

// Provider is the closed set of model providers the resolver can route to.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderXAI        Provider = "xai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderGateway    Provider = "gateway"
)

// byokPriority is the fixed order per-provider BYOK secrets are tried in.
var byokPriority = []Provider{
	ProviderOpenAI,
	ProviderOpenRouter,
	ProviderAnthropic,
	ProviderXAI,
}

// ParseProvider maps a string onto the closed provider set.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(s)) {
	case ProviderOpenAI:
		return ProviderOpenAI, true
	case ProviderAnthropic:
		return ProviderAnthropic, true
	case ProviderXAI:
		return ProviderXAI, true
	case ProviderOpenRouter:
		return ProviderOpenRouter, true
	case ProviderGateway:
		return ProviderGateway, true
	default:
		return "", false
	}
}

// Endpoint is the transport configuration for one provider variant.
type Endpoint struct {
	BaseURL    string
	AuthHeader string
	AuthScheme string // prepended to the key material, e.g. "Bearer"
}

// NewEndpoint is the per-variant factory. The switch is exhaustive over the
// closed set; there is no runtime plugin loading.
func NewEndpoint(p Provider) Endpoint {
	switch p {
	case ProviderOpenAI:
		return Endpoint{BaseURL: "https://api.openai.com/v1", AuthHeader: "Authorization", AuthScheme: "Bearer"}
	case ProviderAnthropic:
		return Endpoint{BaseURL: "https://api.anthropic.com/v1", AuthHeader: "x-api-key"}
	case ProviderXAI:
		return Endpoint{BaseURL: "https://api.x.ai/v1", AuthHeader: "Authorization", AuthScheme: "Bearer"}
	case ProviderOpenRouter:
		return Endpoint{BaseURL: "https://openrouter.ai/api/v1", AuthHeader: "Authorization", AuthScheme: "Bearer"}
	case ProviderGateway:
		return Endpoint{BaseURL: "https://gateway.internal/v1", AuthHeader: "Authorization", AuthScheme: "Bearer"}
	default:
		return Endpoint{}
	}
}

// DefaultModel returns the model used when the request carries no usable hint.
func (p Provider) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return "claude-sonnet-4-5"
	case ProviderXAI:
		return "grok-3-mini"
	case ProviderOpenRouter:
		return "openrouter/auto"
	case ProviderGateway:
		return "gateway/default"
	default:
		return ""
	}
}

// SupportsModel reports whether a model hint can be served by this provider.
// OpenRouter and the gateway front many providers and accept any hint.
func (p Provider) SupportsModel(hint string) bool {
	if hint == "" {
		return false
	}
	switch p {
	case ProviderOpenAI:
		return strings.HasPrefix(hint, "gpt-") || strings.HasPrefix(hint, "o1") || strings.HasPrefix(hint, "o3")
	case ProviderAnthropic:
		return strings.HasPrefix(hint, "claude-")
	case ProviderXAI:
		return strings.HasPrefix(hint, "grok-")
	case ProviderOpenRouter, ProviderGateway:
		return true
	default:
		return false
	}
}

// modelFor picks the model a resolution routes to: the hint when the provider
// can serve it, the provider default otherwise.
func (p Provider) modelFor(hint string) string {
	if p.SupportsModel(hint) {
		return hint
	}
	return p.DefaultModel()
}
