package approval

import (
	"context"
	"sort"
	"sync"
)

// Store persists approval chains.
type Store interface {
	Create(ctx context.Context, c *Chain) error
	Get(ctx context.Context, tenantID, id string) (*Chain, error)
	Update(ctx context.Context, c *Chain) error
	// ListOpen returns every pending chain across all tenants, for the
	// escalation sweep.
	ListOpen(ctx context.Context) ([]*Chain, error)
	// ListForExecution returns chains bound to one execution, newest first.
	ListForExecution(ctx context.Context, tenantID, executionID string) ([]*Chain, error)
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string]map[string]*Chain // tenant → id → chain
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]map[string]*Chain)}
}

func (s *MemoryStore) Create(_ context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chains[c.TenantID] == nil {
		s.chains[c.TenantID] = make(map[string]*Chain)
	}
	s.chains[c.TenantID][c.ID] = copyChain(c)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[tenantID][id]
	if !ok {
		return nil, ErrChainNotFound
	}
	return copyChain(c), nil
}

func (s *MemoryStore) Update(_ context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[c.TenantID][c.ID]; !ok {
		return ErrChainNotFound
	}
	s.chains[c.TenantID][c.ID] = copyChain(c)
	return nil
}

func (s *MemoryStore) ListOpen(_ context.Context) ([]*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Chain
	for _, tenant := range s.chains {
		for _, c := range tenant {
			if c.Status == ChainPending {
				out = append(out, copyChain(c))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListForExecution(_ context.Context, tenantID, executionID string) ([]*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Chain
	for _, c := range s.chains[tenantID] {
		if c.ExecutionID == executionID {
			out = append(out, copyChain(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyChain(c *Chain) *Chain {
	cp := *c
	cp.Levels = append([]Level(nil), c.Levels...)
	return &cp
}
