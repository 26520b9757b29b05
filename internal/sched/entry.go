// Package sched drives scheduled rules: one entry per active scheduled rule,
// fired by a coarse tick loop, with an in-flight guard so a slow execution is
// never overlapped by the next occurrence.
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/crmkit/automation/internal/rule"
)

var (
	ErrEntryNotFound = errors.New("schedule entry not found")
	// ErrAlreadyInFlight is returned by Claim when the entry's previous tick
	// has not completed yet.
	ErrAlreadyInFlight = errors.New("schedule entry already in flight")
)

// Entry is the scheduler's state for one scheduled rule.
type Entry struct {
	TenantID string        `json:"tenant_id"`
	RuleID   string        `json:"rule_id"`
	Schedule rule.Schedule `json:"schedule"`

	NextRunAt time.Time `json:"next_run_at"`

	// InFlightTickID is non-empty while an occurrence is executing. NextRunAt
	// is not advanced until that tick completes.
	InFlightTickID string `json:"in_flight_tick_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists schedule entries.
type Store interface {
	Upsert(ctx context.Context, e *Entry) error
	Remove(ctx context.Context, tenantID, ruleID string) error
	Get(ctx context.Context, tenantID, ruleID string) (*Entry, error)
	// Due returns entries with NextRunAt <= now and no tick in flight.
	Due(ctx context.Context, now time.Time) ([]*Entry, error)
	// Claim atomically marks the entry in flight under tickID.
	Claim(ctx context.Context, tenantID, ruleID, tickID string) error
	// Release clears the in-flight mark and sets the next occurrence.
	// A zero next removes the entry (one-shot schedules).
	Release(ctx context.Context, tenantID, ruleID, tickID string, next time.Time) error
}

// NextAfter computes the first occurrence of s strictly after t, in UTC.
// ok is false when the schedule has no further occurrence.
func NextAfter(s rule.Schedule, t time.Time) (time.Time, bool) {
	t = t.UTC()
	switch s.Recurrence {
	case rule.RecurNone:
		if s.RunAt == nil || !s.RunAt.After(t) {
			return time.Time{}, false
		}
		return s.RunAt.UTC(), true

	case rule.RecurDaily:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.AtHour, s.AtMinute, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	case rule.RecurWeekly:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.AtHour, s.AtMinute, 0, 0, time.UTC)
		days := (s.Weekday - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(t) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true

	case rule.RecurMonthly:
		next := monthlyOccurrence(t.Year(), t.Month(), s)
		if !next.After(t) {
			y, m := t.Year(), t.Month()
			if m == time.December {
				y, m = y+1, time.January
			} else {
				m++
			}
			next = monthlyOccurrence(y, m, s)
		}
		return next, true
	}
	return time.Time{}, false
}

// monthlyOccurrence clamps day_of_month to the month's last day, so "day 31"
// fires on Feb 28/29 rather than skipping the month.
func monthlyOccurrence(year int, month time.Month, s rule.Schedule) time.Time {
	day := s.DayOfMonth
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, s.AtHour, s.AtMinute, 0, 0, time.UTC)
}
