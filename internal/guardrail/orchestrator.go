// Package guardrail composes the rate limiter, credential resolver, and
// approval gate into one request-scoped decision.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/sentinel/internal/approval"
	"github.com/triage-ai/sentinel/internal/ratelimit"
	"github.com/triage-ai/sentinel/internal/resolver"
	"github.com/triage-ai/sentinel/internal/storage"
	"github.com/triage-ai/sentinel/internal/toolreg"
	"go.uber.org/zap"
)

var (
	// ErrApprovalTokenRequired: the tool needs human approval but the caller
	// supplied no idempotency token to key the state machine on.
	ErrApprovalTokenRequired = errors.New("guardrail: sensitive tool requires an idempotency token")

	// ErrPayloadRejected: the tool payload failed its registered schema.
	ErrPayloadRejected = errors.New("guardrail: tool payload rejected by policy schema")
)

// Request is one evaluation ask from the upstream request handler.
// IdentifierHash must already be in {kind}:{sha256} form; the orchestrator
// never sees raw identifiers.
type Request struct {
	ProjectID        string
	UserID           string
	IdentifierHash   string
	LimitKey         string
	ModelHint        string
	ToolName         string
	PayloadJSON      string
	RequiresApproval bool
	IdempotencyToken string
}

// Response is the request-scoped decision.
type Response struct {
	RequestID  string
	RateLimit  ratelimit.Decision
	Resolution *resolver.Result
	Approval   *approval.Outcome
	LatencyMs  float32
}

// Orchestrator is the subsystem's public entry point.
type Orchestrator struct {
	limiter  *ratelimit.Limiter
	resolver *resolver.Resolver
	gate     *approval.Gate
	registry toolreg.PolicyRegistry // nil = no per-tool policies
	writer   storage.EventWriter
	routes   map[string]ratelimit.Policy
	fallback ratelimit.Policy
	logger   *zap.Logger
}

// Config configures an Orchestrator.
type Config struct {
	Limiter  *ratelimit.Limiter
	Resolver *resolver.Resolver
	Gate     *approval.Gate
	Registry toolreg.PolicyRegistry
	Writer   storage.EventWriter

	// RoutePolicies maps limit keys to their rate policy; unknown keys get
	// DefaultPolicy.
	RoutePolicies map[string]ratelimit.Policy
	DefaultPolicy ratelimit.Policy

	Logger *zap.Logger
}

// DefaultRoutePolicies returns the built-in per-route limits. Privileged and
// cost-bearing routes fail closed; an infra blip must not convert into an
// unbounded-cost incident. Everything else fails open so the same blip does
// not take low-stakes traffic down.
func DefaultRoutePolicies() map[string]ratelimit.Policy {
	return map[string]ratelimit.Policy{
		"inference.stream":     {Limit: 30, Window: time.Minute, DegradedMode: ratelimit.FailClosed},
		"credentials.validate": {Limit: 10, Window: time.Minute, DegradedMode: ratelimit.FailClosed},
		"keys.manage":          {Limit: 10, Window: time.Minute, DegradedMode: ratelimit.FailClosed},
	}
}

// DefaultPolicy is the fallback for limit keys with no explicit route policy.
func DefaultPolicy() ratelimit.Policy {
	return ratelimit.Policy{Limit: 120, Window: time.Minute, DegradedMode: ratelimit.FailOpen}
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	routes := cfg.RoutePolicies
	if routes == nil {
		routes = DefaultRoutePolicies()
	}
	fallback := cfg.DefaultPolicy
	if fallback.Limit == 0 {
		fallback = DefaultPolicy()
	}
	return &Orchestrator{
		limiter:  cfg.Limiter,
		resolver: cfg.Resolver,
		gate:     cfg.Gate,
		registry: cfg.Registry,
		writer:   cfg.Writer,
		routes:   routes,
		fallback: fallback,
		logger:   cfg.Logger,
	}
}

// Evaluate runs the full guardrail decision: rate limit first (cheapest,
// short-circuits), then credential resolution, then the approval gate when
// the tool needs one. A rate-limit deny is not an error — the decision is in
// the response; errors are reserved for the taxonomy cases the caller must
// map (no provider, idempotency conflict, payload rejection).
func (o *Orchestrator) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp := &Response{RequestID: uuid.New().String()}

	policy := o.toolPolicy(ctx, req)

	resp.RateLimit = o.limiter.Check(ctx, req.IdentifierHash, req.LimitKey, o.ratePolicy(req.LimitKey, policy))
	if !resp.RateLimit.Allowed {
		o.finish(req, resp, "", start)
		return resp, nil
	}

	res, err := o.resolver.Resolve(ctx, req.UserID, req.ModelHint)
	if err != nil {
		o.finish(req, resp, err.Error(), start)
		return nil, err
	}
	resp.Resolution = res

	if req.RequiresApproval || (policy != nil && policy.Sensitive) {
		outcome, err := o.requireApproval(ctx, req, policy)
		if err != nil {
			o.finish(req, resp, err.Error(), start)
			return nil, err
		}
		resp.Approval = outcome
	}

	o.finish(req, resp, "", start)
	return resp, nil
}

func (o *Orchestrator) requireApproval(ctx context.Context, req *Request, policy *toolreg.ToolPolicy) (*approval.Outcome, error) {
	if req.IdempotencyToken == "" {
		return nil, ErrApprovalTokenRequired
	}
	if policy != nil && policy.PayloadSchema != nil {
		if err := policy.PayloadSchema.Validate([]byte(req.PayloadJSON)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadRejected, err)
		}
	}

	scope := ApprovalScope(req.ProjectID, req.ToolName)
	outcome, err := o.gate.Require(ctx, req.IdempotencyToken, scope, []byte(req.PayloadJSON))
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// toolPolicy looks up the per-tool policy; registry trouble degrades to the
// unregistered-tool path rather than failing the request.
func (o *Orchestrator) toolPolicy(ctx context.Context, req *Request) *toolreg.ToolPolicy {
	if o.registry == nil || req.ToolName == "" {
		return nil
	}
	policy, err := o.registry.GetPolicy(ctx, req.ProjectID, req.ToolName)
	if err != nil {
		o.logger.Warn("tool policy lookup failed",
			zap.String("project_id", req.ProjectID),
			zap.String("tool_name", req.ToolName),
			zap.Error(err),
		)
		return nil
	}
	return policy
}

// ratePolicy derives the effective limit for this check: route defaults,
// overridden by the tool policy where it says so.
func (o *Orchestrator) ratePolicy(limitKey string, policy *toolreg.ToolPolicy) ratelimit.Policy {
	pol, ok := o.routes[limitKey]
	if !ok {
		pol = o.fallback
	}
	if policy != nil {
		if policy.RateLimit != nil {
			pol.Limit = int64(policy.RateLimit.MaxCalls)
			pol.Window = policy.RateLimit.Window
		}
		switch policy.DegradedMode {
		case string(ratelimit.FailOpen):
			pol.DegradedMode = ratelimit.FailOpen
		case string(ratelimit.FailClosed):
			pol.DegradedMode = ratelimit.FailClosed
		}
	}
	return pol
}

// ApprovalScope binds an idempotency token to the project+tool it was issued
// for, so a token replayed against a different tool is a conflict, not a hit.
func ApprovalScope(projectID, toolName string) string {
	return projectID + ":" + toolName
}

// finish stamps latency and fires the decision event. Fire-and-forget: the
// writer never blocks the response.
func (o *Orchestrator) finish(req *Request, resp *Response, reason string, start time.Time) {
	resp.LatencyMs = float32(float64(time.Since(start)) / float64(time.Millisecond))

	event := &storage.GuardDecisionEvent{
		RequestID:      resp.RequestID,
		ProjectID:      req.ProjectID,
		Timestamp:      time.Now(),
		UserHash:       ratelimit.HashIdentifier("user", req.UserID),
		IdentifierHash: req.IdentifierHash,
		LimitKey:       req.LimitKey,
		ToolName:       req.ToolName,
		RateAllowed:    resp.RateLimit.Allowed,
		RateRemaining:  resp.RateLimit.Remaining,
		Degraded:       resp.RateLimit.Degraded,
		DegradedReason: resp.RateLimit.DegradedReason,
		Reason:         reason,
		LatencyMs:      resp.LatencyMs,
		Source:         "sdk",
	}
	if resp.Resolution != nil {
		event.Provider = string(resp.Resolution.Provider)
		event.ModelID = resp.Resolution.ModelID
		event.Path = string(resp.Resolution.Path)
	}
	if resp.Approval != nil {
		event.ApprovalStatus = string(resp.Approval.Status)
	}

	o.writer.Write(event)
}
