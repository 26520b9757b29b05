package rule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a rule id does not exist for the tenant.
var ErrNotFound = errors.New("rule not found")

// Store persists rule definitions. Implementations must scope every query to
// the tenant.
type Store interface {
	Get(ctx context.Context, tenantID, id string) (*Rule, error)
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	SetActive(ctx context.Context, tenantID, id string, active bool) error
	List(ctx context.Context, tenantID string) ([]*Rule, error)
	ListActive(ctx context.Context, tenantID string) ([]*Rule, error)
	// RecordExecution bumps the rule's performance counters.
	RecordExecution(ctx context.Context, tenantID, id string, success bool, at time.Time) error
}

// DefaultCacheTTL bounds how stale a tenant's active-rule list may get when
// invalidation is missed (e.g. a rule changed through another replica).
const DefaultCacheTTL = 30 * time.Second

// Registry answers "which active rules exist for tenant T" with a per-tenant
// cache, and owns save-time validation of rule documents.
type Registry struct {
	store   Store
	schemas *SchemaRegistry
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	caches map[string]*activeCache
	ttl    time.Duration
}

func NewRegistry(store Store, schemas *SchemaRegistry, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		store:   store,
		schemas: schemas,
		logger:  logger,
		caches:  make(map[string]*activeCache),
		ttl:     DefaultCacheTTL,
	}
}

// Schemas exposes the schema registry for evaluation-time type lookups.
func (r *Registry) Schemas() *SchemaRegistry { return r.schemas }

// Create validates a document and stores the resulting rule.
func (r *Registry) Create(ctx context.Context, doc *Document, tenantID, userID string) (*Rule, error) {
	rl, err := doc.Build(r.schemas, tenantID, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, rl); err != nil {
		return nil, err
	}
	r.invalidate(tenantID)
	r.logger.Infow("Rule created",
		"tenant_id", tenantID,
		"rule_id", rl.ID,
		"name", rl.Name,
		"trigger", rl.Trigger.Kind,
		"actions", len(rl.Actions),
	)
	return rl, nil
}

// Update re-validates the document and replaces an existing rule's definition.
func (r *Registry) Update(ctx context.Context, doc *Document, tenantID, id string) (*Rule, error) {
	existing, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	rl, err := doc.Build(r.schemas, tenantID, existing.CreatedBy, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	rl.ID = existing.ID
	rl.CreatedAt = existing.CreatedAt
	if err := r.store.Update(ctx, rl); err != nil {
		return nil, err
	}
	r.invalidate(tenantID)
	return rl, nil
}

// SetActive flips activation and returns the updated rule so callers can sync
// schedule entries.
func (r *Registry) SetActive(ctx context.Context, tenantID, id string, active bool) (*Rule, error) {
	if err := r.store.SetActive(ctx, tenantID, id, active); err != nil {
		return nil, err
	}
	r.invalidate(tenantID)
	return r.store.Get(ctx, tenantID, id)
}

// Get fetches one rule.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	return r.store.Get(ctx, tenantID, id)
}

// List fetches every rule for the tenant, active or not.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*Rule, error) {
	return r.store.List(ctx, tenantID)
}

// ActiveRules returns the tenant's active rules in ascending created_at order
// (rule id as tie-break), served from cache when fresh.
func (r *Registry) ActiveRules(ctx context.Context, tenantID string) ([]*Rule, error) {
	c := r.cacheFor(tenantID)
	if rules := c.get(); rules != nil {
		return rules, nil
	}

	rules, err := r.store.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	c.set(rules)
	return rules, nil
}

// RecordExecution forwards counter updates to the store. Counter drift does
// not affect matching, so the cache is left alone.
func (r *Registry) RecordExecution(ctx context.Context, tenantID, id string, success bool, at time.Time) error {
	return r.store.RecordExecution(ctx, tenantID, id, success, at)
}

func (r *Registry) cacheFor(tenantID string) *activeCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[tenantID]
	if !ok {
		c = newActiveCache(r.ttl)
		r.caches[tenantID] = c
	}
	return c
}

func (r *Registry) invalidate(tenantID string) {
	r.cacheFor(tenantID).invalidate()
}
