package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/rule"
)

// Scheduler fires schedule_tick events for due entries. It never executes
// rules itself; the engine subscribes to the bus and calls Complete when a
// tick's execution reaches a resting state.
type Scheduler struct {
	store  Store
	bus    *event.Bus
	logger *zap.SugaredLogger
}

func NewScheduler(store Store, bus *event.Bus, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{store: store, bus: bus, logger: logger}
}

// Sync reconciles the entry for rl after a rule save or activation flip.
// Non-scheduled and inactive rules lose their entry.
func (s *Scheduler) Sync(ctx context.Context, rl *rule.Rule) error {
	if !rl.IsActive || rl.Trigger.Kind != rule.TriggerScheduled || rl.Trigger.Schedule == nil {
		if err := s.store.Remove(ctx, rl.TenantID, rl.ID); err != nil {
			return fmt.Errorf("remove schedule entry: %w", err)
		}
		return nil
	}

	next, ok := NextAfter(*rl.Trigger.Schedule, time.Now().UTC())
	if !ok {
		// One-shot already in the past: nothing left to fire.
		if err := s.store.Remove(ctx, rl.TenantID, rl.ID); err != nil {
			return fmt.Errorf("remove spent schedule entry: %w", err)
		}
		return nil
	}

	err := s.store.Upsert(ctx, &Entry{
		TenantID:  rl.TenantID,
		RuleID:    rl.ID,
		Schedule:  *rl.Trigger.Schedule,
		NextRunAt: next,
	})
	if err != nil {
		return fmt.Errorf("upsert schedule entry: %w", err)
	}
	s.logger.Infow("Schedule entry synced",
		"tenant_id", rl.TenantID, "rule_id", rl.ID, "next_run_at", next)
	return nil
}

// Tick fires every due entry once. The tick id is derived from the due time,
// so a crashed-and-restarted scheduler re-fires the same occurrence under the
// same identity and the ledger deduplicates it.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedule entries: %w", err)
	}

	for _, e := range due {
		tickID := e.NextRunAt.UTC().Format(time.RFC3339)
		if err := s.store.Claim(ctx, e.TenantID, e.RuleID, tickID); err != nil {
			if errors.Is(err, ErrAlreadyInFlight) || errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return fmt.Errorf("claim schedule entry %s: %w", e.RuleID, err)
		}

		s.logger.Debugw("Schedule tick fired",
			"tenant_id", e.TenantID, "rule_id", e.RuleID, "tick_id", tickID)
		s.bus.Publish(ctx, &event.Event{
			ID:         uuid.NewString(),
			TenantID:   e.TenantID,
			Kind:       event.KindScheduleTick,
			RuleID:     e.RuleID,
			TickID:     tickID,
			OccurredAt: now,
		})
	}
	return nil
}

// Complete releases the in-flight mark after the tick's execution reached a
// terminal or awaiting state, and advances next_run_at past the fired
// occurrence. Only then can the next occurrence fire.
func (s *Scheduler) Complete(ctx context.Context, tenantID, ruleID, tickID string) error {
	e, err := s.store.Get(ctx, tenantID, ruleID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule entry: %w", err)
	}

	fired, err := time.Parse(time.RFC3339, tickID)
	if err != nil {
		fired = time.Now().UTC()
	}
	next, ok := NextAfter(e.Schedule, fired)
	if !ok {
		return s.store.Release(ctx, tenantID, ruleID, tickID, time.Time{})
	}
	return s.store.Release(ctx, tenantID, ruleID, tickID, next)
}

// Abandon releases the in-flight mark without advancing next_run_at. Used
// when a claimed tick's execution never started: the same occurrence stays
// due and fires again, under the same tick id, on a later scan.
func (s *Scheduler) Abandon(ctx context.Context, tenantID, ruleID, tickID string) error {
	e, err := s.store.Get(ctx, tenantID, ruleID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule entry: %w", err)
	}
	s.logger.Warnw("Schedule tick abandoned",
		"tenant_id", tenantID, "rule_id", ruleID, "tick_id", tickID)
	return s.store.Release(ctx, tenantID, ruleID, tickID, e.NextRunAt)
}

// Run drives Tick on a fixed interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now.UTC()); err != nil {
				s.logger.Errorw("Scheduler tick failed", "error", err)
			}
		}
	}
}
