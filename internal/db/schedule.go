package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crmkit/automation/internal/sched"
)

// ScheduleStore implements sched.Store on PostgreSQL. Claim relies on a
// conditional UPDATE so two schedulers racing the same due entry cannot both
// win it.
type ScheduleStore struct {
	c *Client
}

func NewScheduleStore(c *Client) *ScheduleStore { return &ScheduleStore{c: c} }

func (s *ScheduleStore) Upsert(ctx context.Context, e *sched.Entry) error {
	schedule, err := json.Marshal(e.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = s.c.pool.Exec(ctx, `
		INSERT INTO schedule_entries (tenant_id, rule_id, schedule, next_run_at, in_flight_tick_id, updated_at)
		VALUES ($1, $2, $3, $4, '', now())
		ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
			schedule = EXCLUDED.schedule,
			next_run_at = EXCLUDED.next_run_at,
			in_flight_tick_id = '',
			updated_at = now()
	`, e.TenantID, e.RuleID, schedule, e.NextRunAt)
	if err != nil {
		return fmt.Errorf("upsert schedule entry: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Remove(ctx context.Context, tenantID, ruleID string) error {
	_, err := s.c.pool.Exec(ctx, `
		DELETE FROM schedule_entries WHERE tenant_id = $1 AND rule_id = $2
	`, tenantID, ruleID)
	if err != nil {
		return fmt.Errorf("remove schedule entry: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, tenantID, ruleID string) (*sched.Entry, error) {
	row := s.c.pool.QueryRow(ctx, `
		SELECT tenant_id, rule_id, schedule, next_run_at, in_flight_tick_id, updated_at
		FROM schedule_entries WHERE tenant_id = $1 AND rule_id = $2
	`, tenantID, ruleID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sched.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule entry: %w", err)
	}
	return e, nil
}

func (s *ScheduleStore) Due(ctx context.Context, now time.Time) ([]*sched.Entry, error) {
	rows, err := s.c.pool.Query(ctx, `
		SELECT tenant_id, rule_id, schedule, next_run_at, in_flight_tick_id, updated_at
		FROM schedule_entries
		WHERE next_run_at <= $1 AND in_flight_tick_id = ''
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedule entries: %w", err)
	}
	defer rows.Close()

	var out []*sched.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *ScheduleStore) Claim(ctx context.Context, tenantID, ruleID, tickID string) error {
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE schedule_entries SET in_flight_tick_id = $3, updated_at = now()
		WHERE tenant_id = $1 AND rule_id = $2 AND in_flight_tick_id = ''
	`, tenantID, ruleID, tickID)
	if err != nil {
		return fmt.Errorf("claim schedule entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.c.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM schedule_entries WHERE tenant_id = $1 AND rule_id = $2)
		`, tenantID, ruleID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check schedule entry: %w", err)
		}
		if !exists {
			return sched.ErrEntryNotFound
		}
		return sched.ErrAlreadyInFlight
	}
	return nil
}

func (s *ScheduleStore) Release(ctx context.Context, tenantID, ruleID, tickID string, next time.Time) error {
	if next.IsZero() {
		_, err := s.c.pool.Exec(ctx, `
			DELETE FROM schedule_entries
			WHERE tenant_id = $1 AND rule_id = $2 AND in_flight_tick_id = $3
		`, tenantID, ruleID, tickID)
		if err != nil {
			return fmt.Errorf("remove spent schedule entry: %w", err)
		}
		return nil
	}
	_, err := s.c.pool.Exec(ctx, `
		UPDATE schedule_entries SET in_flight_tick_id = '', next_run_at = $4, updated_at = now()
		WHERE tenant_id = $1 AND rule_id = $2 AND in_flight_tick_id = $3
	`, tenantID, ruleID, tickID, next)
	if err != nil {
		return fmt.Errorf("release schedule entry: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*sched.Entry, error) {
	var (
		e        sched.Entry
		schedule []byte
	)
	err := row.Scan(&e.TenantID, &e.RuleID, &schedule, &e.NextRunAt, &e.InFlightTickID, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schedule, &e.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return &e, nil
}
