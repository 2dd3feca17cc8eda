package storage

import "time"

// EventWriter is the interface for writing guard decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *GuardDecisionEvent)
	Close()
}

// GuardDecisionEvent records one orchestrator evaluation. Identifiers are
// one-way hashed before they reach this struct; raw user IDs, IPs, and
// idempotency tokens never appear here.
type GuardDecisionEvent struct {
	RequestID      string
	ProjectID      string
	Timestamp      time.Time
	UserHash       string
	IdentifierHash string
	LimitKey       string
	ToolName       string

	RateAllowed    bool
	RateRemaining  int64
	Degraded       bool
	DegradedReason string

	Provider string
	ModelID  string
	Path     string

	ApprovalStatus string
	Reason         string

	LatencyMs float32
	Source    string
}
