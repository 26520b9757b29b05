package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExec(tenantID, ruleID, eventIdentity string) *Execution {
	return &Execution{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		RuleID:         ruleID,
		IdempotencyKey: Key(ruleID, eventIdentity),
		TriggerKind:    "on_update",
		ObjectType:     "deal",
		ObjectID:       "deal-1",
		StartedAt:      time.Now().UTC(),
	}
}

func TestOpenRejectsInFlightDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newExec("t1", "r1", "updated/evt-1")
	require.NoError(t, store.Open(ctx, first))

	dup := newExec("t1", "r1", "updated/evt-1")
	err := store.Open(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateInFlight)
}

func TestOpenRejectsCompletedDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newExec("t1", "r1", "updated/evt-1")
	require.NoError(t, store.Open(ctx, first))
	require.NoError(t, store.Close(ctx, "t1", first.ID, StatusSucceeded, "", time.Now().UTC()))

	dup := newExec("t1", "r1", "updated/evt-1")
	assert.ErrorIs(t, store.Open(ctx, dup), ErrAlreadyCompleted)
}

func TestOpenReadmitsAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newExec("t1", "r1", "updated/evt-1")
	require.NoError(t, store.Open(ctx, first))
	require.NoError(t, store.Close(ctx, "t1", first.ID, StatusFailed, "webhook exhausted retries", time.Now().UTC()))

	retry := newExec("t1", "r1", "updated/evt-1")
	retry.RetryOf = first.ID
	require.NoError(t, store.Open(ctx, retry))

	got, err := store.Get(ctx, "t1", retry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, first.ID, got.RetryOf)
}

func TestOpenReadmitsAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newExec("t1", "r1", "updated/evt-1")
	require.NoError(t, store.Open(ctx, first))
	require.NoError(t, store.Close(ctx, "t1", first.ID, StatusPartiallyFailed, "", time.Now().UTC()))

	retry := newExec("t1", "r1", "updated/evt-1")
	retry.RetryOf = first.ID
	require.NoError(t, store.Open(ctx, retry))
}

func TestKeyIsScopedPerRule(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Open(ctx, newExec("t1", "r1", "updated/evt-1")))
	// Same event, different rule: both admitted.
	require.NoError(t, store.Open(ctx, newExec("t1", "r2", "updated/evt-1")))
}

func TestLifecycleAndResults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	exec := newExec("t1", "r1", "created/evt-9")
	require.NoError(t, store.Open(ctx, exec))
	require.NoError(t, store.MarkRunning(ctx, "t1", exec.ID))

	now := time.Now().UTC()
	require.NoError(t, store.AppendResult(ctx, "t1", exec.ID, ActionResult{
		Index: 0, Kind: "send_notification", Status: ActionSucceeded,
		StartedAt: now, CompletedAt: now,
	}))
	require.NoError(t, store.Suspend(ctx, "t1", exec.ID))

	got, err := store.Get(ctx, "t1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, ActionSucceeded, got.Results[0].Status)

	require.NoError(t, store.Close(ctx, "t1", exec.ID, StatusSucceeded, "", time.Now().UTC()))
	got, err = store.Get(ctx, "t1", exec.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	require.NotNil(t, got.CompletedAt)
}

func TestListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		exec := newExec("t1", "r1", "created/evt-"+string(rune('a'+i)))
		exec.StartedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Open(ctx, exec))
	}
	other := newExec("t1", "r2", "created/evt-z")
	require.NoError(t, store.Open(ctx, other))

	out, err := store.List(ctx, "t1", Filter{RuleID: "r1"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Newest first.
	assert.True(t, out[0].StartedAt.After(out[2].StartedAt))

	out, err = store.List(ctx, "t1", Filter{RuleID: "r1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestListDateRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		exec := newExec("t1", "r1", "created/evt-"+string(rune('a'+i)))
		exec.StartedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Open(ctx, exec))
	}

	out, err := store.List(ctx, "t1", Filter{From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = store.List(ctx, "t1", Filter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, base.Add(time.Hour), out[0].StartedAt)

	// Bounds are inclusive.
	out, err = store.List(ctx, "t1", Filter{From: base, To: base})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = store.List(ctx, "t1", Filter{To: base.Add(-time.Second)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCountSinceSkipsSkipped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	since := time.Now().UTC().Add(-time.Hour)

	a := newExec("t1", "r1", "updated/evt-1")
	require.NoError(t, store.Open(ctx, a))
	require.NoError(t, store.Close(ctx, "t1", a.ID, StatusSucceeded, "", time.Now().UTC()))

	b := newExec("t1", "r1", "updated/evt-2")
	require.NoError(t, store.Open(ctx, b))
	require.NoError(t, store.Close(ctx, "t1", b.ID, StatusSkipped, "rate limited", time.Now().UTC()))

	n, err := store.CountSince(ctx, "t1", "r1", "deal-1", since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
