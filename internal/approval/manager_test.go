package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/capability"
	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/rule"
)

type recordingResumer struct {
	mu       sync.Mutex
	approved []string
	rejected []string
	comments []string
}

func (r *recordingResumer) ResumeApproved(_ context.Context, _ string, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved = append(r.approved, executionID)
	return nil
}

func (r *recordingResumer) ResumeRejected(_ context.Context, _ string, executionID, comment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, executionID)
	r.comments = append(r.comments, comment)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *recordingResumer, *capability.StubNotifier, *event.Bus) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	bus := event.NewBus(logger)
	notifier := capability.NewStubNotifier()
	m := NewManager(NewMemoryStore(), bus, notifier, logger)
	resumer := &recordingResumer{}
	m.SetResumer(resumer)
	return m, resumer, notifier, bus
}

func twoLevels() []rule.ApprovalLevelDef {
	return []rule.ApprovalLevelDef{
		{Approver: "mgr-1", TimeoutHours: 24},
		{Approver: "dir-1", TimeoutHours: 48},
	}
}

func TestSequentialApproval(t *testing.T) {
	ctx := context.Background()
	m, resumer, notifier, _ := newTestManager(t)

	c, err := m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e1",
		ObjectType: "deal", ObjectID: "deal-1",
		Levels: twoLevels(),
	})
	require.NoError(t, err)
	require.Len(t, notifier.Sent(), 1)
	assert.Equal(t, "mgr-1", notifier.Sent()[0].Recipient)

	// Second level cannot jump the queue.
	_, err = m.Decide(ctx, "t1", c.ID, 1, "dir-1", true, "")
	assert.ErrorIs(t, err, ErrNotCurrentLevel)

	// A stranger is rejected outright.
	_, err = m.Decide(ctx, "t1", c.ID, 0, "intruder", true, "")
	assert.ErrorIs(t, err, ErrNotAuthorizedApprover)

	c, err = m.Decide(ctx, "t1", c.ID, 0, "mgr-1", true, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, ChainPending, c.Status)
	assert.Equal(t, 1, c.CurrentLevel)
	assert.Empty(t, resumer.approved)
	// Next approver got notified.
	require.Len(t, notifier.Sent(), 2)
	assert.Equal(t, "dir-1", notifier.Sent()[1].Recipient)

	c, err = m.Decide(ctx, "t1", c.ID, 1, "dir-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, ChainApproved, c.Status)
	assert.Equal(t, []string{"e1"}, resumer.approved)

	_, err = m.Decide(ctx, "t1", c.ID, 1, "dir-1", true, "")
	assert.ErrorIs(t, err, ErrChainClosed)
}

func TestDecideTargetsNamedLevel(t *testing.T) {
	ctx := context.Background()
	m, resumer, _, _ := newTestManager(t)

	// The same user approves on both levels; the level argument is the only
	// thing telling the decisions apart.
	c, err := m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e1",
		Levels: []rule.ApprovalLevelDef{
			{Approver: "boss"},
			{Approver: "boss"},
		},
	})
	require.NoError(t, err)

	// A decision aimed at the second level must not land on the first.
	_, err = m.Decide(ctx, "t1", c.ID, 1, "boss", true, "")
	assert.ErrorIs(t, err, ErrNotCurrentLevel)
	got, err := m.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, LevelPending, got.Levels[0].Status)
	assert.Equal(t, 0, got.CurrentLevel)

	c, err = m.Decide(ctx, "t1", c.ID, 0, "boss", true, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentLevel)

	c, err = m.Decide(ctx, "t1", c.ID, 1, "boss", true, "")
	require.NoError(t, err)
	assert.Equal(t, ChainApproved, c.Status)
	assert.Equal(t, []string{"e1"}, resumer.approved)
}

func TestRejectionShortCircuitsChain(t *testing.T) {
	ctx := context.Background()
	m, resumer, _, _ := newTestManager(t)

	c, err := m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e1", Levels: twoLevels(),
	})
	require.NoError(t, err)

	c, err = m.Decide(ctx, "t1", c.ID, 0, "mgr-1", false, "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, ChainRejected, c.Status)
	assert.Equal(t, []string{"e1"}, resumer.rejected)
	assert.Equal(t, []string{"budget exceeded"}, resumer.comments)
	// The director never gets a turn.
	assert.Equal(t, LevelPending, c.Levels[1].Status)
}

func TestFieldApproverResolution(t *testing.T) {
	ctx := context.Background()
	m, _, notifier, _ := newTestManager(t)

	_, err := m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e1",
		Snapshot: map[string]any{"owner_id": "user-42"},
		Levels:   []rule.ApprovalLevelDef{{Approver: "field:owner_id"}},
	})
	require.NoError(t, err)
	require.Len(t, notifier.Sent(), 1)
	assert.Equal(t, "user-42", notifier.Sent()[0].Recipient)

	_, err = m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e2",
		Snapshot: map[string]any{},
		Levels:   []rule.ApprovalLevelDef{{Approver: "field:owner_id"}},
	})
	assert.Error(t, err)
}

func TestEscalationFiresOnce(t *testing.T) {
	ctx := context.Background()
	m, _, _, bus := newTestManager(t)

	var mu sync.Mutex
	var published []*event.Event
	bus.Subscribe("*", event.SubscriberFunc(func(_ context.Context, evt *event.Event) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, evt)
	}))

	c, err := m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e1",
		ObjectType: "deal", ObjectID: "deal-1",
		Levels: []rule.ApprovalLevelDef{{Approver: "mgr-1", TimeoutHours: 24}},
	})
	require.NoError(t, err)

	// Before the deadline: nothing happens.
	require.NoError(t, m.CheckEscalations(ctx, time.Now().UTC().Add(time.Hour)))
	mu.Lock()
	assert.Empty(t, published)
	mu.Unlock()

	overdue := time.Now().UTC().Add(25 * time.Hour)
	require.NoError(t, m.CheckEscalations(ctx, overdue))
	require.NoError(t, m.CheckEscalations(ctx, overdue.Add(time.Hour)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	evt := published[0]
	assert.Equal(t, event.KindUpdated, evt.Kind)
	assert.Equal(t, event.ChainObjectType, evt.ObjectType)
	assert.Equal(t, "escalated", evt.After["approval_status"])
	assert.Equal(t, c.ID, evt.After["chain_id"])

	// The chain still awaits the original approver.
	got, err := m.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ChainPending, got.Status)
	assert.True(t, got.Levels[0].Escalated)
}

func TestCancelForExecution(t *testing.T) {
	ctx := context.Background()
	m, resumer, _, _ := newTestManager(t)

	c, err := m.Open(ctx, OpenParams{
		TenantID: "t1", RuleID: "r1", ExecutionID: "e1", Levels: twoLevels(),
	})
	require.NoError(t, err)

	require.NoError(t, m.CancelForExecution(ctx, "t1", "e1"))
	got, err := m.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, ChainCancelled, got.Status)
	assert.Empty(t, resumer.approved)
	assert.Empty(t, resumer.rejected)

	_, err = m.Decide(ctx, "t1", c.ID, 0, "mgr-1", true, "")
	assert.ErrorIs(t, err, ErrChainClosed)
}
