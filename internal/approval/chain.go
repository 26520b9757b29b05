// Package approval manages sequential approval chains: one chain per
// suspended execution, levels decided strictly in order, with a once-only
// escalation when a level's deadline passes.
package approval

import (
	"errors"
	"time"
)

// ChainStatus is the chain lifecycle state.
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainApproved  ChainStatus = "approved"
	ChainRejected  ChainStatus = "rejected"
	ChainCancelled ChainStatus = "cancelled"
)

// LevelStatus is the state of one level within a chain.
type LevelStatus string

const (
	LevelPending  LevelStatus = "pending"
	LevelApproved LevelStatus = "approved"
	LevelRejected LevelStatus = "rejected"
)

var (
	ErrChainNotFound = errors.New("approval chain not found")
	// ErrChainClosed is returned when a decision arrives after the chain
	// already resolved.
	ErrChainClosed = errors.New("approval chain already resolved")
	// ErrNotCurrentLevel is returned when the deciding approver belongs to a
	// level that is not the one currently awaiting a decision.
	ErrNotCurrentLevel = errors.New("not the current approval level")
	// ErrNotAuthorizedApprover is returned when the acting user is not the
	// resolved approver of the current level.
	ErrNotAuthorizedApprover = errors.New("user is not the approver for this level")
)

// Level is one step of a chain. Approver holds the resolved user id; Ref
// keeps the rule author's original reference for display.
type Level struct {
	Index        int         `json:"index"`
	Ref          string      `json:"ref"`
	Approver     string      `json:"approver"`
	Status       LevelStatus `json:"status"`
	TimeoutHours int         `json:"timeout_hours,omitempty"`
	// Deadline is set when the level becomes current; its clock starts at the
	// previous level's decision, not at chain open.
	Deadline  *time.Time `json:"deadline,omitempty"`
	Escalated bool       `json:"escalated,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comment   string     `json:"comment,omitempty"`
}

// Chain is one approval process bound to one suspended execution.
type Chain struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	RuleID       string      `json:"rule_id"`
	ExecutionID  string      `json:"execution_id"`
	ObjectType   string      `json:"object_type,omitempty"`
	ObjectID     string      `json:"object_id,omitempty"`
	Status       ChainStatus `json:"status"`
	CurrentLevel int         `json:"current_level"`
	Levels       []Level     `json:"levels"`
	CreatedAt    time.Time   `json:"created_at"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
}

// Current returns the level awaiting a decision, or nil once resolved.
func (c *Chain) Current() *Level {
	if c.Status != ChainPending || c.CurrentLevel >= len(c.Levels) {
		return nil
	}
	return &c.Levels[c.CurrentLevel]
}
