package api

import "encoding/json"

// EvaluateRequest is the body of POST /v1/guardrail/evaluate.
// Identifier is raw here; it is hashed before it reaches the orchestrator or
// any KV key.
type EvaluateRequest struct {
	UserID           string          `json:"user_id" validate:"required"`
	IdentifierKind   string          `json:"identifier_kind" validate:"required,oneof=user ip api_key"`
	Identifier       string          `json:"identifier" validate:"required"`
	LimitKey         string          `json:"limit_key" validate:"required"`
	ModelHint        string          `json:"model_hint"`
	ToolName         string          `json:"tool_name"`
	Payload          json.RawMessage `json:"payload"`
	RequiresApproval bool            `json:"requires_approval"`
	IdempotencyToken string          `json:"idempotency_token"`
}

// RateLimitResp mirrors the limiter decision.
type RateLimitResp struct {
	Allowed        bool   `json:"allowed"`
	Remaining      int64  `json:"remaining"`
	ResetAtEpochMs int64  `json:"reset_at_epoch_ms"`
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// ResolutionResp mirrors the credential resolution.
type ResolutionResp struct {
	Provider   string `json:"provider"`
	ModelID    string `json:"model_id"`
	Path       string `json:"path"`
	ResolvedAt string `json:"resolved_at"`
}

// ApprovalResp mirrors the approval outcome.
type ApprovalResp struct {
	Status    string          `json:"status"`
	ExpiresAt string          `json:"expires_at,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// EvaluateResponse is the body of a successful evaluate call.
type EvaluateResponse struct {
	RequestID  string          `json:"request_id"`
	RateLimit  RateLimitResp   `json:"rate_limit"`
	Resolution *ResolutionResp `json:"resolution,omitempty"`
	Approval   *ApprovalResp   `json:"approval,omitempty"`
	LatencyMs  float32         `json:"latency_ms"`
}

// DecisionRequest is the body of POST /api/guardrail/approvals/decision.
type DecisionRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	ToolName  string `json:"tool_name" validate:"required"`
	Token     string `json:"token" validate:"required"`
	Decision  string `json:"decision" validate:"required,oneof=approve reject"`
}

// ExecutionReport is the body of POST /api/guardrail/executions: the tool
// executor reporting a completed execution.
type ExecutionReport struct {
	ProjectID string          `json:"project_id" validate:"required"`
	ToolName  string          `json:"tool_name" validate:"required"`
	Token     string          `json:"token" validate:"required"`
	Result    json.RawMessage `json:"result" validate:"required"`
}

// PutCredentialRequest is the body of the BYOK upsert endpoint.
type PutCredentialRequest struct {
	Material string `json:"material" validate:"required,min=8"`
}

// ConsentRequest is the body of the consent endpoint.
type ConsentRequest struct {
	AllowGatewayFallback *bool `json:"allow_gateway_fallback" validate:"required"`
}

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
