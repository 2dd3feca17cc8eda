// Package approval gates sensitive tool invocations behind a human decision,
// keyed by caller-supplied idempotency tokens. The gate never blocks waiting
// for a human: first sight of a token parks it as pending, and callers
// resubmit the same token after the decision.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/triage-ai/sentinel/internal/ledger"
	"go.uber.org/zap"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// OutcomeStatus is what a Require call reports back to the orchestrator.
type OutcomeStatus string

const (
	// OutcomePending: record created or still awaiting a human; surface to
	// the user and resubmit the same token later.
	OutcomePending OutcomeStatus = "pending"

	// OutcomeApproved: this caller won the approved->executed advance and
	// must perform the execution, exactly once.
	OutcomeApproved OutcomeStatus = "approved"

	// OutcomeRejected: a human declined the action.
	OutcomeRejected OutcomeStatus = "rejected"

	// OutcomeExecuted: the action already ran; ResultJSON replays the stored
	// result instead of re-executing.
	OutcomeExecuted OutcomeStatus = "executed"

	// OutcomeExpired: the token aged out before being advanced.
	OutcomeExpired OutcomeStatus = "expired"
)

// Outcome is the result of a Require call.
type Outcome struct {
	Status     OutcomeStatus
	Record     *ledger.Record
	ResultJSON string
}

// ErrNoSuchApproval is returned by Decide when no record exists for the token.
var ErrNoSuchApproval = errors.New("approval: no record for token")

// Gate is the approval state machine over the idempotency ledger.
type Gate struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// New creates a Gate.
func New(l *ledger.Ledger, logger *zap.Logger) *Gate {
	return &Gate{ledger: l, logger: logger}
}

// Require is the gate's entry point for a tool call needing approval.
// Exactly one caller ever observes OutcomeApproved for a given token, even
// across concurrent resubmissions and process instances; that serialization
// happens at the KV store's CAS boundary.
func (g *Gate) Require(ctx context.Context, token, scope string, payload []byte) (*Outcome, error) {
	key := ledger.Key(token, scope)
	hash := ledger.HashPayload(payload)

	rec, created, err := g.ledger.CreateOrGet(ctx, key, hash)
	if err != nil {
		return nil, fmt.Errorf("Require: %w", err)
	}
	if created {
		return &Outcome{Status: OutcomePending, Record: rec}, nil
	}

	switch rec.Status {
	case ledger.StatusPending:
		return &Outcome{Status: OutcomePending, Record: rec}, nil
	case ledger.StatusRejected:
		return &Outcome{Status: OutcomeRejected, Record: rec}, nil
	case ledger.StatusExpired:
		return &Outcome{Status: OutcomeExpired, Record: rec}, nil
	case ledger.StatusExecuted:
		return &Outcome{Status: OutcomeExecuted, Record: rec, ResultJSON: rec.ResultJSON}, nil
	case ledger.StatusApproved:
		return g.claimExecution(ctx, key, rec)
	default:
		return nil, fmt.Errorf("Require: unexpected record status %q", rec.Status)
	}
}

// claimExecution races to advance approved -> executed. The single winner is
// told to execute; losers see the executed record and replay its result.
func (g *Gate) claimExecution(ctx context.Context, key string, rec *ledger.Record) (*Outcome, error) {
	won, err := g.ledger.Advance(ctx, key, ledger.StatusApproved, ledger.StatusExecuted)
	if err != nil {
		return nil, fmt.Errorf("claimExecution: %w", err)
	}
	if won {
		return &Outcome{Status: OutcomeApproved, Record: rec}, nil
	}

	current, err := g.ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claimExecution: %w", err)
	}
	if current == nil {
		return &Outcome{Status: OutcomeExpired, Record: rec}, nil
	}
	switch current.Status {
	case ledger.StatusExecuted:
		return &Outcome{Status: OutcomeExecuted, Record: current, ResultJSON: current.ResultJSON}, nil
	case ledger.StatusExpired:
		return &Outcome{Status: OutcomeExpired, Record: current}, nil
	default:
		// Lost the CAS to a non-status write; report the current state.
		return &Outcome{Status: OutcomeStatus(current.Status), Record: current}, nil
	}
}

// Decide records a human verdict for a pending token. Returns the record's
// resulting status; deciding an already-decided token is a no-op that reports
// the existing status rather than an error.
func (g *Gate) Decide(ctx context.Context, token, scope string, decision Decision) (ledger.Status, error) {
	key := ledger.Key(token, scope)

	to := ledger.StatusApproved
	if decision == DecisionReject {
		to = ledger.StatusRejected
	}

	advanced, err := g.ledger.Advance(ctx, key, ledger.StatusPending, to)
	if err != nil {
		return "", fmt.Errorf("Decide: %w", err)
	}
	if advanced {
		return to, nil
	}

	rec, err := g.ledger.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("Decide: %w", err)
	}
	if rec == nil {
		return "", ErrNoSuchApproval
	}
	g.logger.Info("approval decision was a no-op",
		zap.String("status", string(rec.Status)),
		zap.String("decision", string(decision)),
	)
	return rec.Status, nil
}

// Status returns the current outcome for a token without advancing anything.
func (g *Gate) Status(ctx context.Context, token, scope string) (*ledger.Record, error) {
	rec, err := g.ledger.Get(ctx, ledger.Key(token, scope))
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSuchApproval
	}
	return rec, nil
}

// ReportExecuted stores the execution result for an executed token so future
// resubmissions replay it.
func (g *Gate) ReportExecuted(ctx context.Context, token, scope, resultJSON string) error {
	if err := g.ledger.RecordResult(ctx, ledger.Key(token, scope), resultJSON); err != nil {
		return fmt.Errorf("ReportExecuted: %w", err)
	}
	return nil
}
