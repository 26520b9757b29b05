package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/capability"
	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/rule"
)

// Resumer resumes a suspended execution once its chain resolves. Implemented
// by the engine; declared here to keep the dependency pointing one way.
type Resumer interface {
	ResumeApproved(ctx context.Context, tenantID, executionID string) error
	ResumeRejected(ctx context.Context, tenantID, executionID, comment string) error
}

// ApproverResolver maps a rule author's approver reference to a concrete user
// id. References may be literal user ids, "role:" lookups, or "field:" refs
// resolved against the triggering object's snapshot.
type ApproverResolver func(ctx context.Context, tenantID, ref string, snapshot map[string]any) (string, error)

// DefaultResolver resolves "field:path" against the snapshot and passes
// everything else through as a literal user id.
func DefaultResolver(_ context.Context, _ string, ref string, snapshot map[string]any) (string, error) {
	path, ok := strings.CutPrefix(ref, "field:")
	if !ok {
		return ref, nil
	}
	v, ok := snapshot[path]
	if !ok || v == nil {
		return "", fmt.Errorf("approver field %q missing from object", path)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("approver field %q is not a user id", path)
	}
	return s, nil
}

// Manager owns chain lifecycle: opening, sequential decisions, and the
// deadline escalation sweep.
type Manager struct {
	store    Store
	bus      *event.Bus
	notifier capability.Notifier
	resolver ApproverResolver
	resumer  Resumer
	logger   *zap.SugaredLogger
}

func NewManager(store Store, bus *event.Bus, notifier capability.Notifier, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		store:    store,
		bus:      bus,
		notifier: notifier,
		resolver: DefaultResolver,
		logger:   logger,
	}
}

// SetResolver replaces the approver resolver.
func (m *Manager) SetResolver(r ApproverResolver) { m.resolver = r }

// SetResumer wires the engine back in after both sides are constructed.
func (m *Manager) SetResumer(r Resumer) { m.resumer = r }

// OpenParams describes the chain to open for a suspended execution.
type OpenParams struct {
	TenantID    string
	RuleID      string
	ExecutionID string
	ObjectType  string
	ObjectID    string
	Snapshot    map[string]any
	Levels      []rule.ApprovalLevelDef
}

// Open creates a pending chain and notifies the first level's approver.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*Chain, error) {
	if len(p.Levels) == 0 {
		return nil, fmt.Errorf("approval chain needs at least one level")
	}
	now := time.Now().UTC()

	levels := make([]Level, len(p.Levels))
	for i, def := range p.Levels {
		approver, err := m.resolver(ctx, p.TenantID, def.Approver, p.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("resolve approver for level %d: %w", i, err)
		}
		levels[i] = Level{
			Index:        i,
			Ref:          def.Approver,
			Approver:     approver,
			Status:       LevelPending,
			TimeoutHours: def.TimeoutHours,
		}
	}
	if levels[0].TimeoutHours > 0 {
		d := now.Add(time.Duration(levels[0].TimeoutHours) * time.Hour)
		levels[0].Deadline = &d
	}

	c := &Chain{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		RuleID:      p.RuleID,
		ExecutionID: p.ExecutionID,
		ObjectType:  p.ObjectType,
		ObjectID:    p.ObjectID,
		Status:      ChainPending,
		Levels:      levels,
		CreatedAt:   now,
	}
	if err := m.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create approval chain: %w", err)
	}

	m.logger.Infow("Approval chain opened",
		"tenant_id", c.TenantID,
		"chain_id", c.ID,
		"execution_id", c.ExecutionID,
		"levels", len(c.Levels),
	)
	m.notifyApprover(ctx, c, &c.Levels[0])
	return c, nil
}

// Decide records one approve/reject decision by userID against the named
// level, which must be the chain's current one. Approving the last level
// resolves the chain and resumes the execution; any rejection resolves it
// immediately.
func (m *Manager) Decide(ctx context.Context, tenantID, chainID string, level int, userID string, approve bool, comment string) (*Chain, error) {
	c, err := m.store.Get(ctx, tenantID, chainID)
	if err != nil {
		return nil, err
	}
	if c.Status != ChainPending {
		return nil, ErrChainClosed
	}

	cur := c.Current()
	if cur == nil {
		return nil, ErrChainClosed
	}
	if level != cur.Index {
		// The caller aimed at a level that is not awaiting a decision. This
		// matters when the same user approves on several levels: a decision
		// meant for a later level must not land on the current one.
		return nil, ErrNotCurrentLevel
	}
	if cur.Approver != userID {
		return nil, ErrNotAuthorizedApprover
	}

	now := time.Now().UTC()
	cur.DecidedBy = userID
	cur.DecidedAt = &now
	cur.Comment = comment

	if !approve {
		cur.Status = LevelRejected
		c.Status = ChainRejected
		c.ResolvedAt = &now
		if err := m.store.Update(ctx, c); err != nil {
			return nil, fmt.Errorf("update approval chain: %w", err)
		}
		m.logger.Infow("Approval chain rejected",
			"tenant_id", tenantID, "chain_id", chainID, "level", cur.Index, "by", userID)
		if err := m.resumer.ResumeRejected(ctx, tenantID, c.ExecutionID, comment); err != nil {
			return nil, fmt.Errorf("resume rejected execution: %w", err)
		}
		return c, nil
	}

	cur.Status = LevelApproved
	c.CurrentLevel++
	if c.CurrentLevel >= len(c.Levels) {
		c.Status = ChainApproved
		c.ResolvedAt = &now
		if err := m.store.Update(ctx, c); err != nil {
			return nil, fmt.Errorf("update approval chain: %w", err)
		}
		m.logger.Infow("Approval chain approved",
			"tenant_id", tenantID, "chain_id", chainID, "by", userID)
		if err := m.resumer.ResumeApproved(ctx, tenantID, c.ExecutionID); err != nil {
			return nil, fmt.Errorf("resume approved execution: %w", err)
		}
		return c, nil
	}

	// Advance: the next level's deadline starts counting from this decision.
	next := &c.Levels[c.CurrentLevel]
	if next.TimeoutHours > 0 {
		d := now.Add(time.Duration(next.TimeoutHours) * time.Hour)
		next.Deadline = &d
	}
	if err := m.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("update approval chain: %w", err)
	}
	m.notifyApprover(ctx, c, next)
	return c, nil
}

// CancelForExecution closes any pending chain bound to the execution without
// resuming it. Used when the execution itself is cancelled.
func (m *Manager) CancelForExecution(ctx context.Context, tenantID, executionID string) error {
	chains, err := m.store.ListForExecution(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, c := range chains {
		if c.Status != ChainPending {
			continue
		}
		c.Status = ChainCancelled
		c.ResolvedAt = &now
		if err := m.store.Update(ctx, c); err != nil {
			return fmt.Errorf("cancel approval chain %s: %w", c.ID, err)
		}
	}
	return nil
}

// Get fetches one chain.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*Chain, error) {
	return m.store.Get(ctx, tenantID, id)
}

// CheckEscalations marks overdue current levels escalated, once per level,
// and publishes a synthetic approval_chain transition so rules can react.
// The chain stays at the same level awaiting its decision.
func (m *Manager) CheckEscalations(ctx context.Context, now time.Time) error {
	chains, err := m.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open approval chains: %w", err)
	}

	for _, c := range chains {
		cur := c.Current()
		if cur == nil || cur.Escalated || cur.Deadline == nil || now.Before(*cur.Deadline) {
			continue
		}
		cur.Escalated = true
		if err := m.store.Update(ctx, c); err != nil {
			return fmt.Errorf("mark escalation on chain %s: %w", c.ID, err)
		}
		m.logger.Warnw("Approval level escalated",
			"tenant_id", c.TenantID,
			"chain_id", c.ID,
			"level", cur.Index,
			"approver", cur.Approver,
			"deadline", cur.Deadline,
		)
		m.bus.Publish(ctx, &event.Event{
			ID:         uuid.NewString(),
			TenantID:   c.TenantID,
			Kind:       event.KindUpdated,
			ObjectType: event.ChainObjectType,
			ObjectID:   c.ID,
			Before: map[string]any{
				"approval_status": "pending",
				"chain_id":        c.ID,
				"rule_id":         c.RuleID,
				"level":           cur.Index,
				"approver":        cur.Approver,
			},
			After: map[string]any{
				"approval_status": "escalated",
				"chain_id":        c.ID,
				"rule_id":         c.RuleID,
				"level":           cur.Index,
				"approver":        cur.Approver,
			},
			OccurredAt: now,
		})
	}
	return nil
}

func (m *Manager) notifyApprover(ctx context.Context, c *Chain, lvl *Level) {
	err := m.notifier.Send(ctx, capability.Message{
		TenantID:  c.TenantID,
		Recipient: lvl.Approver,
		Subject:   "Approval requested",
		Body:      fmt.Sprintf("Your approval is requested for %s %s (level %d).", c.ObjectType, c.ObjectID, lvl.Index+1),
		Data: map[string]string{
			"chain_id":     c.ID,
			"execution_id": c.ExecutionID,
		},
	})
	if err != nil {
		// Approver notification failure must not block the chain.
		m.logger.Warnw("Approver notification failed",
			"tenant_id", c.TenantID, "chain_id", c.ID, "approver", lvl.Approver, "error", err)
	}
}
