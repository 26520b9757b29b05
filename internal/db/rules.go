package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crmkit/automation/internal/rule"
)

// RuleStore implements rule.Store on PostgreSQL. Trigger, condition tree and
// action list are stored as jsonb: they are parsed and validated before they
// reach the store, so reads unmarshal straight into the typed structures.
type RuleStore struct {
	c *Client
}

func NewRuleStore(c *Client) *RuleStore { return &RuleStore{c: c} }

const ruleColumns = `
	id, tenant_id, name, description, is_active, trigger_spec, conditions, actions,
	approval_required, max_per_day, created_by, created_at, updated_at,
	execution_count, success_count, failure_count, last_executed
`

func (s *RuleStore) Get(ctx context.Context, tenantID, id string) (*rule.Rule, error) {
	row := s.c.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *RuleStore) Create(ctx context.Context, r *rule.Rule) error {
	trigger, conditions, actions, err := marshalRuleParts(r)
	if err != nil {
		return err
	}
	_, err = s.c.pool.Exec(ctx, `
		INSERT INTO rules (
			id, tenant_id, name, description, is_active, trigger_spec, conditions, actions,
			approval_required, max_per_day, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, r.ID, r.TenantID, r.Name, r.Description, r.IsActive, trigger, conditions, actions,
		r.ApprovalRequired, r.MaxPerDay, r.CreatedBy, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *RuleStore) Update(ctx context.Context, r *rule.Rule) error {
	trigger, conditions, actions, err := marshalRuleParts(r)
	if err != nil {
		return err
	}
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE rules SET
			name = $3, description = $4, is_active = $5, trigger_spec = $6,
			conditions = $7, actions = $8, approval_required = $9,
			max_per_day = $10, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, r.TenantID, r.ID, r.Name, r.Description, r.IsActive, trigger, conditions, actions,
		r.ApprovalRequired, r.MaxPerDay)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rule.ErrNotFound
	}
	return nil
}

func (s *RuleStore) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE rules SET is_active = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, active)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rule.ErrNotFound
	}
	return nil
}

func (s *RuleStore) List(ctx context.Context, tenantID string) ([]*rule.Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE tenant_id = $1
		ORDER BY created_at, id
	`, tenantID)
}

func (s *RuleStore) ListActive(ctx context.Context, tenantID string) ([]*rule.Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE tenant_id = $1 AND is_active
		ORDER BY created_at, id
	`, tenantID)
}

func (s *RuleStore) RecordExecution(ctx context.Context, tenantID, id string, success bool, at time.Time) error {
	successInc := 0
	failureInc := 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE rules SET
			execution_count = execution_count + 1,
			success_count = success_count + $3,
			failure_count = failure_count + $4,
			last_executed = $5
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, successInc, failureInc, at)
	if err != nil {
		return fmt.Errorf("record rule execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rule.ErrNotFound
	}
	return nil
}

func (s *RuleStore) list(ctx context.Context, query, tenantID string) ([]*rule.Rule, error) {
	rows, err := s.c.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalRuleParts(r *rule.Rule) (trigger, conditions, actions []byte, err error) {
	trigger, err = json.Marshal(r.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger: %w", err)
	}
	if r.Conditions != nil {
		conditions, err = json.Marshal(r.Conditions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal conditions: %w", err)
		}
	}
	actions, err = json.Marshal(r.Actions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	return trigger, conditions, actions, nil
}

func scanRule(row pgx.Row) (*rule.Rule, error) {
	var (
		r          rule.Rule
		trigger    []byte
		conditions []byte
		actions    []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.IsActive,
		&trigger, &conditions, &actions, &r.ApprovalRequired, &r.MaxPerDay,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
		&r.ExecutionCount, &r.SuccessCount, &r.FailureCount, &r.LastExecuted)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if len(conditions) > 0 {
		r.Conditions = &rule.ConditionNode{}
		if err := json.Unmarshal(conditions, r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return &r, nil
}
