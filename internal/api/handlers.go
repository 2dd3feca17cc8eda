package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/triage-ai/sentinel/internal/approval"
	"github.com/triage-ai/sentinel/internal/guardrail"
	"github.com/triage-ai/sentinel/internal/ledger"
	"github.com/triage-ai/sentinel/internal/ratelimit"
	"github.com/triage-ai/sentinel/internal/resolver"
	"go.uber.org/zap"
)

// handleEvaluate implements POST /v1/guardrail/evaluate.
// Auth middleware has already validated the Bearer token and injected the caller.
func (d *Dependencies) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := d.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	caller := callerFromContext(r.Context())
	if caller == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing caller context"})
		return
	}

	// Hash the raw identifier at the boundary; nothing past this point sees it.
	identifierHash := ratelimit.HashIdentifier(req.IdentifierKind, req.Identifier)

	resp, err := d.Orchestrator.Evaluate(r.Context(), &guardrail.Request{
		ProjectID:        caller.ProjectID,
		UserID:           req.UserID,
		IdentifierHash:   identifierHash,
		LimitKey:         req.LimitKey,
		ModelHint:        req.ModelHint,
		ToolName:         req.ToolName,
		PayloadJSON:      string(req.Payload),
		RequiresApproval: req.RequiresApproval,
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		d.writeEvaluateError(w, err)
		return
	}

	body := buildEvaluateResponse(resp)

	if !resp.RateLimit.Allowed {
		if resp.RateLimit.Degraded {
			// Fail-closed degraded limiter: the guard could not be
			// evaluated, not a real limit hit.
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		w.Header().Set("Retry-After", retryAfterSeconds(resp.RateLimit.ResetAt))
		writeJSON(w, http.StatusTooManyRequests, body)
		return
	}

	writeJSON(w, http.StatusOK, body)
}

// writeEvaluateError maps the guardrail error taxonomy onto HTTP statuses.
// Anything outside the taxonomy is a 500 with a generic detail — infra
// internals never cross this boundary.
func (d *Dependencies) writeEvaluateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrNoProviderAvailable):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{
			Detail: "no provider available: add a provider key or enable gateway fallback",
		})
	case errors.Is(err, ledger.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResp{
			Detail: "idempotency token reused with a different payload",
		})
	case errors.Is(err, guardrail.ErrApprovalTokenRequired):
		writeJSON(w, http.StatusBadRequest, ErrorResp{
			Detail: "idempotency_token is required for tools needing approval",
		})
	case errors.Is(err, guardrail.ErrPayloadRejected):
		writeJSON(w, http.StatusBadRequest, ErrorResp{
			Detail: "tool payload rejected by policy schema",
		})
	default:
		d.Logger.Error("evaluate failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
	}
}

func buildEvaluateResponse(resp *guardrail.Response) EvaluateResponse {
	out := EvaluateResponse{
		RequestID: resp.RequestID,
		RateLimit: RateLimitResp{
			Allowed:        resp.RateLimit.Allowed,
			Remaining:      resp.RateLimit.Remaining,
			ResetAtEpochMs: resp.RateLimit.ResetAtEpochMs(),
			Degraded:       resp.RateLimit.Degraded,
			DegradedReason: resp.RateLimit.DegradedReason,
		},
		LatencyMs: resp.LatencyMs,
	}
	if resp.Resolution != nil {
		out.Resolution = &ResolutionResp{
			Provider:   string(resp.Resolution.Provider),
			ModelID:    resp.Resolution.ModelID,
			Path:       string(resp.Resolution.Path),
			ResolvedAt: resp.Resolution.ResolvedAt.Format(time.RFC3339),
		}
	}
	if resp.Approval != nil {
		out.Approval = &ApprovalResp{Status: string(resp.Approval.Status)}
		if resp.Approval.Record != nil {
			out.Approval.ExpiresAt = resp.Approval.Record.ExpiresAt.Format(time.RFC3339)
		}
		if resp.Approval.ResultJSON != "" {
			out.Approval.Result = json.RawMessage(resp.Approval.ResultJSON)
		}
	}
	return out
}

func retryAfterSeconds(resetAt time.Time) string {
	secs := int(time.Until(resetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

// handleApprovalDecision implements POST /api/guardrail/approvals/decision.
func (d *Dependencies) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := d.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	decision := approval.DecisionApprove
	if req.Decision == "reject" {
		decision = approval.DecisionReject
	}

	scope := guardrail.ApprovalScope(req.ProjectID, req.ToolName)
	status, err := d.Gate.Decide(r.Context(), req.Token, scope, decision)
	if err != nil {
		if errors.Is(err, approval.ErrNoSuchApproval) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no approval record for token"})
			return
		}
		d.Logger.Error("approval decision failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleApprovalStatus implements GET /api/guardrail/approvals.
func (d *Dependencies) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, toolName, token := q.Get("project_id"), q.Get("tool_name"), q.Get("token")
	if projectID == "" || toolName == "" || token == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "project_id, tool_name and token are required"})
		return
	}

	scope := guardrail.ApprovalScope(projectID, toolName)
	rec, err := d.Gate.Status(r.Context(), token, scope)
	if err != nil {
		if errors.Is(err, approval.ErrNoSuchApproval) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no approval record for token"})
			return
		}
		d.Logger.Error("approval status failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	out := ApprovalResp{
		Status:    string(rec.Status),
		ExpiresAt: rec.ExpiresAt.Format(time.RFC3339),
	}
	if rec.ResultJSON != "" {
		out.Result = json.RawMessage(rec.ResultJSON)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExecutionReport implements POST /api/guardrail/executions: the tool
// executor reporting back so replays of the token return the stored result.
func (d *Dependencies) handleExecutionReport(w http.ResponseWriter, r *http.Request) {
	var req ExecutionReport
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := d.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	scope := guardrail.ApprovalScope(req.ProjectID, req.ToolName)
	if err := d.Gate.ReportExecuted(r.Context(), req.Token, scope, string(req.Result)); err != nil {
		d.Logger.Error("execution report failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePutCredential implements PUT /api/guardrail/users/{user_id}/credentials/{service}.
// The write invalidates the user's cached lookups before returning, so the
// very next resolve reflects the new key.
func (d *Dependencies) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	service := r.PathValue("service")
	if _, ok := resolver.ParseProvider(service); !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown service"})
		return
	}

	var req PutCredentialRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := d.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	rec, err := d.Resolver.PutCredential(r.Context(), userID, service, req.Material)
	if err != nil {
		d.Logger.Error("credential put failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"service":    rec.Service,
		"secret_ref": rec.SecretRef,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
	})
}

// handleDeleteCredential implements DELETE /api/guardrail/users/{user_id}/credentials/{service}.
func (d *Dependencies) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	service := r.PathValue("service")
	if _, ok := resolver.ParseProvider(service); !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown service"})
		return
	}

	if err := d.Resolver.DeleteCredential(r.Context(), userID, service); err != nil {
		d.Logger.Error("credential delete failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSetConsent implements PUT /api/guardrail/users/{user_id}/consent.
func (d *Dependencies) handleSetConsent(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	var req ConsentRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := d.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	if err := d.Resolver.SetConsent(r.Context(), userID, *req.AllowGatewayFallback); err != nil {
		d.Logger.Error("consent update failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
