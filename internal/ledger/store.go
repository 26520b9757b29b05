package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an execution id does not exist for the tenant.
	ErrNotFound = errors.New("execution not found")

	// ErrDuplicateInFlight is returned by Open when a non-terminal execution
	// already holds the idempotency key.
	ErrDuplicateInFlight = errors.New("execution already in flight for this occurrence")

	// ErrAlreadyCompleted is returned by Open when the key resolved in a
	// non-retryable terminal state: the occurrence was handled and must not
	// run again.
	ErrAlreadyCompleted = errors.New("execution already completed for this occurrence")
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	RuleID   string
	ObjectID string
	Status   Status
	// From and To bound StartedAt, inclusive on both ends.
	From  time.Time
	To    time.Time
	Limit int
}

// Store persists executions. Open is the concurrency gate: for a given
// idempotency key it admits at most one live execution, and re-admits only
// after a retryable terminal outcome.
type Store interface {
	// Open inserts exec in StatusPending, claiming its idempotency key.
	Open(ctx context.Context, exec *Execution) error
	// MarkRunning transitions pending → running.
	MarkRunning(ctx context.Context, tenantID, id string) error
	// Suspend transitions running → awaiting_approval.
	Suspend(ctx context.Context, tenantID, id string) error
	// AppendResult records one action outcome on a live execution.
	AppendResult(ctx context.Context, tenantID, id string, res ActionResult) error
	// Close moves the execution to a terminal status.
	Close(ctx context.Context, tenantID, id string, status Status, failureReason string, at time.Time) error
	// RequestCancel flags the execution for cooperative cancellation.
	RequestCancel(ctx context.Context, tenantID, id string) error

	Get(ctx context.Context, tenantID, id string) (*Execution, error)
	List(ctx context.Context, tenantID string, f Filter) ([]*Execution, error)
	// CountSince counts executions of ruleID against objectID started at or
	// after since, excluding skipped ones. Feeds the per-object rate limit.
	CountSince(ctx context.Context, tenantID, ruleID, objectID string, since time.Time) (int, error)
}
