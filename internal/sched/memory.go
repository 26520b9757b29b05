package sched

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry // tenant\x00rule → entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func entryKey(tenantID, ruleID string) string { return tenantID + "\x00" + ruleID }

func (s *MemoryStore) Upsert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.UpdatedAt = time.Now().UTC()
	s.entries[entryKey(e.TenantID, e.RuleID)] = &cp
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey(tenantID, ruleID))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, ruleID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey(tenantID, ruleID)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.InFlightTickID == "" && !e.NextRunAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, tenantID, ruleID, tickID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey(tenantID, ruleID)]
	if !ok {
		return ErrEntryNotFound
	}
	if e.InFlightTickID != "" {
		return ErrAlreadyInFlight
	}
	e.InFlightTickID = tickID
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, tenantID, ruleID, tickID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey(tenantID, ruleID)]
	if !ok {
		return ErrEntryNotFound
	}
	if e.InFlightTickID != tickID {
		// A rule update replaced the entry mid-flight; nothing to release.
		return nil
	}
	if next.IsZero() {
		delete(s.entries, entryKey(tenantID, ruleID))
		return nil
	}
	e.InFlightTickID = ""
	e.NextRunAt = next
	e.UpdatedAt = time.Now().UTC()
	return nil
}
