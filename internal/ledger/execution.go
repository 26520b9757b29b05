// Package ledger records every rule execution: its idempotency identity,
// lifecycle status, and the per-action results accumulated as the engine
// works through the rule's action list.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusSucceeded        Status = "succeeded"
	StatusPartiallyFailed  Status = "partially_failed"
	StatusFailed           Status = "failed"
	StatusSkipped          Status = "skipped"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyFailed, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Retryable reports whether a terminal outcome readmits its idempotency key.
// A partially failed execution left work undone, so an operator may resubmit
// it just like a fully failed one.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusPartiallyFailed
}

// ActionStatus is the outcome of one action within an execution.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// ActionResult is the recorded outcome of one action slot.
type ActionResult struct {
	Index       int            `json:"index"`
	Kind        string         `json:"kind"`
	Status      ActionStatus   `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Execution is one run of one rule against one triggering occurrence.
type Execution struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	RuleID         string         `json:"rule_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         Status         `json:"status"`
	TriggerKind    string         `json:"trigger_kind"`
	ObjectType     string         `json:"object_type,omitempty"`
	ObjectID       string         `json:"object_id,omitempty"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
	Results        []ActionResult `json:"results,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`

	// RetryOf links a manual retry back to the failed execution it re-runs.
	RetryOf string `json:"retry_of,omitempty"`

	// CancelRequested is set by the API; the engine honors it between actions.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Key derives the idempotency key binding one rule to one event occurrence.
func Key(ruleID, eventIdentity string) string {
	sum := sha256.Sum256([]byte(ruleID + "\x00" + eventIdentity))
	return hex.EncodeToString(sum[:])
}
