package event

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/rule"
)

type routerFixture struct {
	store    *rule.MemoryStore
	registry *rule.Registry
	router   *Router
}

func newRouterFixture() *routerFixture {
	schemas := rule.NewSchemaRegistry()
	schemas.Register(rule.ObjectSchema{ObjectType: "invoice", Fields: map[string]rule.FieldType{
		"status": rule.FieldEnum,
		"amount": rule.FieldNumber,
	}})
	schemas.Register(rule.ObjectSchema{ObjectType: "deal", Fields: map[string]rule.FieldType{
		"stage": rule.FieldEnum,
	}})

	store := rule.NewMemoryStore()
	registry := rule.NewRegistry(store, schemas, zap.NewNop().Sugar())
	return &routerFixture{
		store:    store,
		registry: registry,
		router:   NewRouter(registry, zap.NewNop().Sugar()),
	}
}

func (f *routerFixture) addRule(t *testing.T, name string, trigger rule.Trigger, createdAt time.Time) *rule.Rule {
	t.Helper()
	rl := &rule.Rule{
		ID:       uuid.NewString(),
		TenantID: "t1",
		Name:     name,
		IsActive: true,
		Trigger:  trigger,
		Actions: []rule.Action{{Kind: rule.ActionCreateTask, Task: &rule.CreateTaskAction{
			Title: "follow up",
		}}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, f.store.Create(context.Background(), rl))
	return rl
}

func TestRouteCreateMatchesObjectType(t *testing.T) {
	f := newRouterFixture()
	now := time.Now().UTC()
	f.addRule(t, "on invoice create", rule.Trigger{Kind: rule.TriggerOnCreate, ObjectType: "invoice"}, now)
	f.addRule(t, "on deal create", rule.Trigger{Kind: rule.TriggerOnCreate, ObjectType: "deal"}, now)

	matched, err := f.router.Route(context.Background(), &Event{
		ID: "evt-1", TenantID: "t1", Kind: KindCreated, ObjectType: "invoice",
		After: map[string]any{"status": "draft"},
	})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "on invoice create", matched[0].Name)
}

func TestRouteUpdateWatchedFields(t *testing.T) {
	f := newRouterFixture()
	now := time.Now().UTC()
	f.addRule(t, "watches status", rule.Trigger{
		Kind: rule.TriggerOnUpdate, ObjectType: "invoice", WatchedFields: []string{"status"},
	}, now)
	f.addRule(t, "watches anything", rule.Trigger{
		Kind: rule.TriggerOnUpdate, ObjectType: "invoice",
	}, now.Add(time.Second))

	// Only the amount moved: the status watcher must not fire.
	matched, err := f.router.Route(context.Background(), &Event{
		ID: "evt-1", TenantID: "t1", Kind: KindUpdated, ObjectType: "invoice",
		Before: map[string]any{"status": "sent", "amount": float64(100)},
		After:  map[string]any{"status": "sent", "amount": float64(120)},
	})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "watches anything", matched[0].Name)

	matched, err = f.router.Route(context.Background(), &Event{
		ID: "evt-2", TenantID: "t1", Kind: KindUpdated, ObjectType: "invoice",
		Before: map[string]any{"status": "sent", "amount": float64(100)},
		After:  map[string]any{"status": "paid", "amount": float64(100)},
	})
	require.NoError(t, err)
	assert.Len(t, matched, 2)
}

func TestRouteTransitionSets(t *testing.T) {
	f := newRouterFixture()
	f.addRule(t, "sent to paid", rule.Trigger{
		Kind: rule.TriggerOnFieldTransition, ObjectType: "invoice",
		Field: "status", FromSet: []string{"sent", "overdue"}, ToSet: []string{"paid"},
	}, time.Now().UTC())

	route := func(before, after string) []*rule.Rule {
		matched, err := f.router.Route(context.Background(), &Event{
			ID: uuid.NewString(), TenantID: "t1", Kind: KindUpdated, ObjectType: "invoice",
			Before: map[string]any{"status": before},
			After:  map[string]any{"status": after},
		})
		require.NoError(t, err)
		return matched
	}

	assert.Len(t, route("sent", "paid"), 1)
	assert.Len(t, route("overdue", "paid"), 1)
	assert.Empty(t, route("draft", "paid"), "from outside the from set")
	assert.Empty(t, route("sent", "void"), "to outside the to set")
	assert.Empty(t, route("paid", "paid"), "no movement")
}

func TestRouteTransitionIgnoresOtherKinds(t *testing.T) {
	f := newRouterFixture()
	f.addRule(t, "sent to paid", rule.Trigger{
		Kind: rule.TriggerOnFieldTransition, ObjectType: "invoice",
		Field: "status", ToSet: []string{"paid"},
	}, time.Now().UTC())

	matched, err := f.router.Route(context.Background(), &Event{
		ID: "evt-1", TenantID: "t1", Kind: KindCreated, ObjectType: "invoice",
		After: map[string]any{"status": "paid"},
	})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestRouteOrderFollowsCreation(t *testing.T) {
	f := newRouterFixture()
	base := time.Now().UTC()
	f.addRule(t, "second", rule.Trigger{Kind: rule.TriggerOnCreate, ObjectType: "invoice"}, base.Add(time.Minute))
	f.addRule(t, "first", rule.Trigger{Kind: rule.TriggerOnCreate, ObjectType: "invoice"}, base)

	matched, err := f.router.Route(context.Background(), &Event{
		ID: "evt-1", TenantID: "t1", Kind: KindCreated, ObjectType: "invoice",
	})
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "first", matched[0].Name)
	assert.Equal(t, "second", matched[1].Name)
}

func TestRouteTickAddressesOneRule(t *testing.T) {
	f := newRouterFixture()
	rl := f.addRule(t, "nightly sweep", rule.Trigger{
		Kind: rule.TriggerScheduled,
		Schedule: &rule.Schedule{
			Recurrence: rule.RecurDaily, AtHour: 3,
		},
	}, time.Now().UTC())

	matched, err := f.router.Route(context.Background(), &Event{
		TenantID: "t1", Kind: KindScheduleTick, RuleID: rl.ID, TickID: "2026-03-15T03:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, rl.ID, matched[0].ID)
}

func TestRouteTickDropsInactiveAndUnknown(t *testing.T) {
	f := newRouterFixture()
	rl := f.addRule(t, "nightly sweep", rule.Trigger{
		Kind:     rule.TriggerScheduled,
		Schedule: &rule.Schedule{Recurrence: rule.RecurDaily},
	}, time.Now().UTC())
	require.NoError(t, f.store.SetActive(context.Background(), "t1", rl.ID, false))

	matched, err := f.router.Route(context.Background(), &Event{
		TenantID: "t1", Kind: KindScheduleTick, RuleID: rl.ID, TickID: "x",
	})
	require.NoError(t, err)
	assert.Empty(t, matched)

	matched, err = f.router.Route(context.Background(), &Event{
		TenantID: "t1", Kind: KindScheduleTick, RuleID: uuid.NewString(), TickID: "x",
	})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestEventIdentity(t *testing.T) {
	data := &Event{ID: "evt-1", Kind: KindUpdated}
	tick := &Event{Kind: KindScheduleTick, RuleID: "r1", TickID: "2026-03-15T03:00:00Z"}

	assert.Equal(t, "updated/evt-1", data.Identity())
	assert.Equal(t, "tick/r1/2026-03-15T03:00:00Z", tick.Identity())
}

func TestChangedFields(t *testing.T) {
	evt := &Event{
		Before: map[string]any{"status": "sent", "amount": float64(100), "note": "x"},
		After:  map[string]any{"status": "paid", "amount": float64(100), "owner": "u1"},
	}
	changed := evt.ChangedFields()
	assert.ElementsMatch(t, []string{"status", "owner", "note"}, changed)

	created := &Event{After: map[string]any{"status": "draft", "amount": float64(10)}}
	assert.ElementsMatch(t, []string{"status", "amount"}, created.ChangedFields())
}
