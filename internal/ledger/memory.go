package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
// The key index enforces the same at-most-once-in-flight semantics as the
// partial unique index in the SQL store.
type MemoryStore struct {
	mu    sync.Mutex
	execs map[string]map[string]*Execution // tenant → id → execution
	byKey map[string][]*Execution          // tenant\x00key → executions, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]map[string]*Execution),
		byKey: make(map[string][]*Execution),
	}
}

func keyIndex(tenantID, idempotencyKey string) string {
	return tenantID + "\x00" + idempotencyKey
}

func (s *MemoryStore) Open(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := keyIndex(exec.TenantID, exec.IdempotencyKey)
	for _, prior := range s.byKey[idx] {
		if !prior.Status.Terminal() {
			return ErrDuplicateInFlight
		}
		if !prior.Status.Retryable() {
			return ErrAlreadyCompleted
		}
	}

	cp := *exec
	cp.Status = StatusPending
	if s.execs[cp.TenantID] == nil {
		s.execs[cp.TenantID] = make(map[string]*Execution)
	}
	s.execs[cp.TenantID][cp.ID] = &cp
	s.byKey[idx] = append(s.byKey[idx], &cp)
	return nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, tenantID, id string) error {
	return s.setStatus(tenantID, id, StatusRunning)
}

func (s *MemoryStore) Suspend(_ context.Context, tenantID, id string) error {
	return s.setStatus(tenantID, id, StatusAwaitingApproval)
}

func (s *MemoryStore) setStatus(tenantID, id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[tenantID][id]
	if !ok {
		return ErrNotFound
	}
	exec.Status = st
	return nil
}

func (s *MemoryStore) AppendResult(_ context.Context, tenantID, id string, res ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[tenantID][id]
	if !ok {
		return ErrNotFound
	}
	exec.Results = append(exec.Results, res)
	return nil
}

func (s *MemoryStore) Close(_ context.Context, tenantID, id string, status Status, failureReason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[tenantID][id]
	if !ok {
		return ErrNotFound
	}
	exec.Status = status
	exec.FailureReason = failureReason
	t := at
	exec.CompletedAt = &t
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[tenantID][id]
	if !ok {
		return ErrNotFound
	}
	exec.CancelRequested = true
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s.copyOf(exec)
	return cp, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, f Filter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for _, exec := range s.execs[tenantID] {
		if f.RuleID != "" && exec.RuleID != f.RuleID {
			continue
		}
		if f.ObjectID != "" && exec.ObjectID != f.ObjectID {
			continue
		}
		if f.Status != "" && exec.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && exec.StartedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && exec.StartedAt.After(f.To) {
			continue
		}
		out = append(out, s.copyOf(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountSince(_ context.Context, tenantID, ruleID, objectID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, exec := range s.execs[tenantID] {
		if exec.RuleID != ruleID || exec.ObjectID != objectID {
			continue
		}
		if exec.Status == StatusSkipped {
			continue
		}
		if !exec.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) copyOf(exec *Execution) *Execution {
	cp := *exec
	cp.Results = append([]ActionResult(nil), exec.Results...)
	return &cp
}
