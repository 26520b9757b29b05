package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crmkit/automation/internal/ledger"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index guarding in-flight idempotency keys.
const uniqueViolation = "23505"

// ExecutionStore implements ledger.Store on PostgreSQL. The in-flight
// idempotency guard is a partial unique index over (tenant_id,
// idempotency_key) restricted to non-terminal statuses, so duplicate claims
// lose the insert race instead of needing an advisory lock.
type ExecutionStore struct {
	c *Client
}

func NewExecutionStore(c *Client) *ExecutionStore { return &ExecutionStore{c: c} }

func (s *ExecutionStore) Open(ctx context.Context, exec *ledger.Execution) error {
	// A successfully handled occurrence must never run twice. Failed and
	// partially failed outcomes readmit the key for a resubmission.
	var blocked bool
	err := s.c.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE tenant_id = $1 AND idempotency_key = $2
			  AND status IN ('succeeded', 'skipped')
		)
	`, exec.TenantID, exec.IdempotencyKey).Scan(&blocked)
	if err != nil {
		return fmt.Errorf("check completed executions: %w", err)
	}
	if blocked {
		return ledger.ErrAlreadyCompleted
	}

	snapshot, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.c.pool.Exec(ctx, `
		INSERT INTO executions (
			id, tenant_id, rule_id, idempotency_key, status, trigger_kind,
			object_type, object_id, snapshot, results, retry_of, started_at
		) VALUES ($1,$2,$3,$4,'pending',$5,$6,$7,$8,'[]',$9,$10)
	`, exec.ID, exec.TenantID, exec.RuleID, exec.IdempotencyKey, exec.TriggerKind,
		exec.ObjectType, exec.ObjectID, snapshot, nullable(exec.RetryOf), exec.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.ErrDuplicateInFlight
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	exec.Status = ledger.StatusPending
	return nil
}

func (s *ExecutionStore) MarkRunning(ctx context.Context, tenantID, id string) error {
	return s.setStatus(ctx, tenantID, id, ledger.StatusRunning)
}

func (s *ExecutionStore) Suspend(ctx context.Context, tenantID, id string) error {
	return s.setStatus(ctx, tenantID, id, ledger.StatusAwaitingApproval)
}

func (s *ExecutionStore) setStatus(ctx context.Context, tenantID, id string, st ledger.Status) error {
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE executions SET status = $3 WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, st)
	if err != nil {
		return fmt.Errorf("set execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) AppendResult(ctx context.Context, tenantID, id string, res ledger.ActionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE executions SET results = results || $3::jsonb
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, data)
	if err != nil {
		return fmt.Errorf("append action result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) Close(ctx context.Context, tenantID, id string, status ledger.Status, failureReason string, at time.Time) error {
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE executions SET status = $3, failure_reason = $4, completed_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, status, failureReason, at)
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) RequestCancel(ctx context.Context, tenantID, id string) error {
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE executions SET cancel_requested = true WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return fmt.Errorf("request execution cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

const executionColumns = `
	id, tenant_id, rule_id, idempotency_key, status, trigger_kind,
	object_type, object_id, snapshot, results, failure_reason, retry_of,
	cancel_requested, started_at, completed_at
`

func (s *ExecutionStore) Get(ctx context.Context, tenantID, id string) (*ledger.Execution, error) {
	row := s.c.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

func (s *ExecutionStore) List(ctx context.Context, tenantID string, f ledger.Filter) ([]*ledger.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions WHERE tenant_id = $1
	`
	args := []any{tenantID}
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		query += fmt.Sprintf(" AND rule_id = $%d", len(args))
	}
	if f.ObjectID != "" {
		args = append(args, f.ObjectID)
		query += fmt.Sprintf(" AND object_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND started_at <= $%d", len(args))
	}
	query += " ORDER BY started_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *ExecutionStore) CountSince(ctx context.Context, tenantID, ruleID, objectID string, since time.Time) (int, error) {
	var n int
	err := s.c.pool.QueryRow(ctx, `
		SELECT count(*) FROM executions
		WHERE tenant_id = $1 AND rule_id = $2 AND object_id = $3
		  AND started_at >= $4 AND status <> 'skipped'
	`, tenantID, ruleID, objectID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

func scanExecution(row pgx.Row) (*ledger.Execution, error) {
	var (
		exec     ledger.Execution
		snapshot []byte
		results  []byte
		retryOf  *string
	)
	err := row.Scan(&exec.ID, &exec.TenantID, &exec.RuleID, &exec.IdempotencyKey,
		&exec.Status, &exec.TriggerKind, &exec.ObjectType, &exec.ObjectID,
		&snapshot, &results, &exec.FailureReason, &retryOf,
		&exec.CancelRequested, &exec.StartedAt, &exec.CompletedAt)
	if err != nil {
		return nil, err
	}
	if retryOf != nil {
		exec.RetryOf = *retryOf
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &exec.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &exec.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return &exec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
