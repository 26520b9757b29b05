package rule

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingStore struct {
	*MemoryStore
	listActiveCalls int
}

func (s *countingStore) ListActive(ctx context.Context, tenantID string) ([]*Rule, error) {
	s.listActiveCalls++
	return s.MemoryStore.ListActive(ctx, tenantID)
}

func newTestRegistry(store Store) *Registry {
	return NewRegistry(store, testSchemas(), zap.NewNop().Sugar())
}

func storedRule(tenantID, name string, createdAt time.Time) *Rule {
	return &Rule{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Name:     name,
		IsActive: true,
		Trigger:  Trigger{Kind: TriggerOnCreate, ObjectType: "invoice"},
		Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{
			Title: "follow up",
		}}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestActiveRulesServedFromCache(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	registry := newTestRegistry(store)

	require.NoError(t, store.Create(ctx, storedRule("t1", "a", time.Now().UTC())))

	first, err := registry.ActiveRules(ctx, "t1")
	require.NoError(t, err)
	second, err := registry.ActiveRules(ctx, "t1")
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
	assert.Equal(t, 1, store.listActiveCalls)
}

func TestMutationsInvalidateCache(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	registry := newTestRegistry(store)

	doc := &Document{
		Name:    "first",
		Trigger: Trigger{Kind: TriggerOnCreate, ObjectType: "invoice"},
		Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "x"}}},
	}
	created, err := registry.Create(ctx, doc, "t1", "u1")
	require.NoError(t, err)

	rules, err := registry.ActiveRules(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	// Deactivation must be visible immediately, not after TTL expiry.
	_, err = registry.SetActive(ctx, "t1", created.ID, false)
	require.NoError(t, err)

	rules, err = registry.ActiveRules(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Equal(t, 2, store.listActiveCalls)
}

func TestActiveRulesOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := newTestRegistry(store)

	base := time.Now().UTC()
	require.NoError(t, store.Create(ctx, storedRule("t1", "newer", base.Add(time.Minute))))
	require.NoError(t, store.Create(ctx, storedRule("t1", "older", base)))

	rules, err := registry.ActiveRules(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "older", rules[0].Name)
	assert.Equal(t, "newer", rules[1].Name)
}

func TestUpdatePreservesIdentityAndCreation(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(NewMemoryStore())

	doc := &Document{
		Name:    "before rename",
		Trigger: Trigger{Kind: TriggerOnCreate, ObjectType: "invoice"},
		Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "x"}}},
	}
	created, err := registry.Create(ctx, doc, "t1", "u1")
	require.NoError(t, err)

	doc.Name = "after rename"
	updated, err := registry.Update(ctx, doc, "t1", created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "after rename", updated.Name)
}

func TestUpdateUnknownRule(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(NewMemoryStore())

	doc := &Document{
		Name:    "orphan",
		Trigger: Trigger{Kind: TriggerOnCreate, ObjectType: "invoice"},
		Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "x"}}},
	}
	_, err := registry.Update(ctx, doc, "t1", uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDirReadsDocumentsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeRule := func(name, ruleName string) {
		doc := `
name: ` + ruleName + `
trigger:
  kind: on_create
  object_type: invoice
actions:
  - kind: create_task
    task: {title: follow up}
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
	}
	writeRule("20-second.yaml", "second")
	writeRule("10-first.yml", "first")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	docs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "first", docs[0].Name)
	assert.Equal(t, "second", docs[1].Name)
}

func TestLoadDirPropagatesParseErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("::"), 0o644))

	_, err := LoadDir(dir)
	assert.ErrorIs(t, err, ErrInvalidRule)
}
