package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL, for production
// deployments; SQLStorage backs local/dev with sqlite instead.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage wraps an existing Postgres connection pool and
// ensures the schema exists.
func NewPostgresStorage(ctx context.Context, db *sql.DB) (*PostgresStorage, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS budget_state (
			tenant_id TEXT PRIMARY KEY,
			window_started_at TIMESTAMPTZ NOT NULL,
			accumulated_cost_cents BIGINT NOT NULL,
			accumulated_tokens BIGINT NOT NULL,
			request_counter BIGINT NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("budget: failed to create schema: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) Load(ctx context.Context, tenantID string) (*State, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT window_started_at, accumulated_cost_cents, accumulated_tokens, request_counter FROM budget_state WHERE tenant_id = $1",
		tenantID)
	var st State
	err := row.Scan(&st.WindowStartedAt, &st.AccumulatedCost, &st.AccumulatedTokens, &st.RequestCounter)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: failed to load state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStorage) Save(ctx context.Context, tenantID string, state State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_state (tenant_id, window_started_at, accumulated_cost_cents, accumulated_tokens, request_counter)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			window_started_at = EXCLUDED.window_started_at,
			accumulated_cost_cents = EXCLUDED.accumulated_cost_cents,
			accumulated_tokens = EXCLUDED.accumulated_tokens,
			request_counter = EXCLUDED.request_counter
	`, tenantID, state.WindowStartedAt, state.AccumulatedCost, state.AccumulatedTokens, state.RequestCounter)
	if err != nil {
		return fmt.Errorf("budget: failed to persist state: %w", err)
	}
	return nil
}

var _ Storage = (*PostgresStorage)(nil)
