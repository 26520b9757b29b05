package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crmkit/automation/internal/approval"
)

// ChainStore implements approval.Store on PostgreSQL. Levels live in a jsonb
// column: they are always read and written as a unit with the chain.
type ChainStore struct {
	c *Client
}

func NewChainStore(c *Client) *ChainStore { return &ChainStore{c: c} }

const chainColumns = `
	id, tenant_id, rule_id, execution_id, object_type, object_id,
	status, current_level, levels, created_at, resolved_at
`

func (s *ChainStore) Create(ctx context.Context, ch *approval.Chain) error {
	levels, err := json.Marshal(ch.Levels)
	if err != nil {
		return fmt.Errorf("marshal approval levels: %w", err)
	}
	_, err = s.c.pool.Exec(ctx, `
		INSERT INTO approval_chains (
			id, tenant_id, rule_id, execution_id, object_type, object_id,
			status, current_level, levels, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, ch.ID, ch.TenantID, ch.RuleID, ch.ExecutionID, ch.ObjectType, ch.ObjectID,
		ch.Status, ch.CurrentLevel, levels, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval chain: %w", err)
	}
	return nil
}

func (s *ChainStore) Get(ctx context.Context, tenantID, id string) (*approval.Chain, error) {
	row := s.c.pool.QueryRow(ctx, `
		SELECT `+chainColumns+`
		FROM approval_chains WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	ch, err := scanChain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, approval.ErrChainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval chain: %w", err)
	}
	return ch, nil
}

func (s *ChainStore) Update(ctx context.Context, ch *approval.Chain) error {
	levels, err := json.Marshal(ch.Levels)
	if err != nil {
		return fmt.Errorf("marshal approval levels: %w", err)
	}
	tag, err := s.c.pool.Exec(ctx, `
		UPDATE approval_chains SET
			status = $3, current_level = $4, levels = $5, resolved_at = $6
		WHERE tenant_id = $1 AND id = $2
	`, ch.TenantID, ch.ID, ch.Status, ch.CurrentLevel, levels, ch.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update approval chain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return approval.ErrChainNotFound
	}
	return nil
}

func (s *ChainStore) ListOpen(ctx context.Context) ([]*approval.Chain, error) {
	return s.list(ctx, `
		SELECT `+chainColumns+`
		FROM approval_chains WHERE status = 'pending'
		ORDER BY created_at
	`)
}

func (s *ChainStore) ListForExecution(ctx context.Context, tenantID, executionID string) ([]*approval.Chain, error) {
	return s.list(ctx, `
		SELECT `+chainColumns+`
		FROM approval_chains WHERE tenant_id = $1 AND execution_id = $2
		ORDER BY created_at DESC
	`, tenantID, executionID)
}

func (s *ChainStore) list(ctx context.Context, query string, args ...any) ([]*approval.Chain, error) {
	rows, err := s.c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval chains: %w", err)
	}
	defer rows.Close()

	var out []*approval.Chain
	for rows.Next() {
		ch, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval chain: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChain(row pgx.Row) (*approval.Chain, error) {
	var (
		ch     approval.Chain
		levels []byte
	)
	err := row.Scan(&ch.ID, &ch.TenantID, &ch.RuleID, &ch.ExecutionID,
		&ch.ObjectType, &ch.ObjectID, &ch.Status, &ch.CurrentLevel,
		&levels, &ch.CreatedAt, &ch.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(levels, &ch.Levels); err != nil {
		return nil, fmt.Errorf("unmarshal approval levels: %w", err)
	}
	return &ch, nil
}
