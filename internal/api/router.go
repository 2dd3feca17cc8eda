package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/triage-ai/sentinel/internal/approval"
	"github.com/triage-ai/sentinel/internal/auth"
	"github.com/triage-ai/sentinel/internal/guardrail"
	"github.com/triage-ai/sentinel/internal/resolver"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Orchestrator *guardrail.Orchestrator
	Gate         *approval.Gate
	Resolver     *resolver.Resolver
	Auth         auth.Authenticator
	Logger       *zap.Logger

	validate *validator.Validate
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	deps.validate = validator.New()

	mux := http.NewServeMux()

	// Evaluate endpoint (auth required via Bearer snt_ token)
	mux.HandleFunc("POST /v1/guardrail/evaluate", deps.authMiddleware(deps.handleEvaluate))

	// Approval lifecycle (no auth — dashboard auth added later)
	mux.HandleFunc("POST /api/guardrail/approvals/decision", deps.handleApprovalDecision)
	mux.HandleFunc("GET /api/guardrail/approvals", deps.handleApprovalStatus)
	mux.HandleFunc("POST /api/guardrail/executions", deps.handleExecutionReport)

	// BYOK credential management (no auth)
	mux.HandleFunc("PUT /api/guardrail/users/{user_id}/credentials/{service}", deps.handlePutCredential)
	mux.HandleFunc("DELETE /api/guardrail/users/{user_id}/credentials/{service}", deps.handleDeleteCredential)
	mux.HandleFunc("PUT /api/guardrail/users/{user_id}/consent", deps.handleSetConsent)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
