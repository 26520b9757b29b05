package rule

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and single-process setups.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]map[string]*Rule // tenant → id → rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]map[string]*Rule)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Create(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules[r.TenantID] == nil {
		s.rules[r.TenantID] = make(map[string]*Rule)
	}
	cp := *r
	s.rules[r.TenantID][r.ID] = &cp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[r.TenantID][r.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *r
	cp.ExecutionCount = existing.ExecutionCount
	cp.SuccessCount = existing.SuccessCount
	cp.FailureCount = existing.FailureCount
	cp.LastExecuted = existing.LastExecuted
	cp.UpdatedAt = time.Now().UTC()
	s.rules[r.TenantID][r.ID] = &cp
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, tenantID, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[tenantID][id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = active
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules[tenantID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListActive(_ context.Context, tenantID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules[tenantID] {
		if r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, tenantID, id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[tenantID][id]
	if !ok {
		return ErrNotFound
	}
	r.ExecutionCount++
	if success {
		r.SuccessCount++
	} else {
		r.FailureCount++
	}
	t := at
	r.LastExecuted = &t
	return nil
}
