// Package toolreg serves per-project tool policies: whether a tool is
// sensitive enough to need human approval, the JSON Schema its payloads must
// satisfy, and its rate-limit and degraded-mode overrides.
package toolreg

import (
	"context"
	"time"
)

// PolicyRegistry provides tool policies for a project.
type PolicyRegistry interface {
	// GetPolicy returns the policy for a project+tool pair.
	// Returns nil if the tool has no policy (unregistered tool path).
	GetPolicy(ctx context.Context, projectID, toolName string) (*ToolPolicy, error)
}

// ToolPolicy is the guardrail configuration registered for one tool.
type ToolPolicy struct {
	ID        string
	ProjectID string
	ToolName  string

	// Sensitive tools are gated behind the approval state machine.
	Sensitive bool

	// PayloadSchema validates tool payloads before an approval record is
	// created. Nil when not set.
	PayloadSchema *PayloadSchema

	// RateLimit overrides the route default when set.
	RateLimit *RateLimit

	// DegradedMode overrides the route default: "fail_open" or "fail_closed".
	DegradedMode string
}

// RateLimit is a per-tool window constraint.
type RateLimit struct {
	MaxCalls int           `json:"max_calls"`
	Window   time.Duration `json:"-"`

	WindowSeconds int `json:"window_seconds"`
}
