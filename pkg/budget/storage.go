package budget

import (
	"context"
	"database/sql"

	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"

	_ "modernc.org/sqlite"
)

// Storage persists budget state across process restarts. A read or
// write failure must deny rather than panic or allow, matching the
// fail-closed posture required of every budget path.
type Storage interface {
	Load(ctx context.Context, tenantID string) (*State, error)
	Save(ctx context.Context, tenantID string, state State) error
}

// SQLStorage is a relational Storage adapter (sqlite or Postgres,
// selected by the caller's driver).
type SQLStorage struct {
	db *sql.DB
}

// NewSQLStorage opens the schema against db.
func NewSQLStorage(ctx context.Context, db *sql.DB) (*SQLStorage, error) {
	s := &SQLStorage{db: db}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS budget_state (
			tenant_id TEXT PRIMARY KEY,
			window_started_at TIMESTAMP NOT NULL,
			accumulated_cost_cents INTEGER NOT NULL,
			accumulated_tokens INTEGER NOT NULL,
			request_counter INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) Load(ctx context.Context, tenantID string) (*State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT window_started_at, accumulated_cost_cents, accumulated_tokens, request_counter FROM budget_state WHERE tenant_id = ?`,
		tenantID)
	var st State
	if err := row.Scan(&st.WindowStartedAt, &st.AccumulatedCost, &st.AccumulatedTokens, &st.RequestCounter); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *SQLStorage) Save(ctx context.Context, tenantID string, state State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_state (tenant_id, window_started_at, accumulated_cost_cents, accumulated_tokens, request_counter)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			window_started_at = excluded.window_started_at,
			accumulated_cost_cents = excluded.accumulated_cost_cents,
			accumulated_tokens = excluded.accumulated_tokens,
			request_counter = excluded.request_counter
	`, tenantID, state.WindowStartedAt, state.AccumulatedCost, state.AccumulatedTokens, state.RequestCounter)
	return err
}

// PersistentChecker wraps AtomicChecker's in-memory linearization with a
// durable Storage backend: the per-tenant mutex still serializes debits,
// and Storage is only consulted outside that critical section's hot
// path — on a fresh tenant lock, state is hydrated from Storage once;
// every successful debit is flushed back. A Storage failure denies.
type PersistentChecker struct {
	inner   *AtomicChecker
	storage Storage
	clock   ids.Clock
	configs func(string) Config
}

// NewPersistentChecker constructs a checker backed by storage.
func NewPersistentChecker(clock ids.Clock, configs func(string) Config, storage Storage) *PersistentChecker {
	return &PersistentChecker{
		inner:   NewAtomicChecker(clock, configs),
		storage: storage,
		clock:   clock,
		configs: configs,
	}
}

func (p *PersistentChecker) hydrate(ctx context.Context, tenantID string) *errs.Error {
	st, err := p.storage.Load(ctx, tenantID)
	if err != nil {
		e := errs.Internal("budget", err)
		e.Message = "budget storage load failed"
		return e
	}
	if st != nil {
		tl := p.inner.lockFor(tenantID)
		tl.mu.Lock()
		if tl.state.WindowStartedAt.IsZero() {
			tl.state = *st
		}
		tl.mu.Unlock()
	}
	return nil
}

// CheckTokens hydrates from storage on first touch, debits atomically
// in-process, then persists. Any storage error denies.
func (p *PersistentChecker) CheckTokens(tenantID string, costCents, tokens int64) (Decision, *errs.Error) {
	ctx := context.Background()
	if ferr := p.hydrate(ctx, tenantID); ferr != nil {
		return Decision{Allowed: false, Reason: ferr.Message}, ferr
	}
	decision, ferr := p.inner.CheckTokens(tenantID, costCents, tokens)
	if ferr != nil {
		return decision, ferr
	}
	if decision.Allowed {
		if err := p.storage.Save(ctx, tenantID, p.inner.State(tenantID)); err != nil {
			e := errs.Internal("budget", err)
			e.Message = "budget storage save failed"
			return Decision{Allowed: false, Reason: e.Message}, e
		}
	}
	return decision, nil
}

// Check is the cost-only convenience wrapper.
func (p *PersistentChecker) Check(tenantID string, costCents int64) (Decision, *errs.Error) {
	return p.CheckTokens(tenantID, costCents, 0)
}

// State returns the in-process snapshot (may lag storage by at most one
// hydrate cycle for tenants never touched by this process).
func (p *PersistentChecker) State(tenantID string) State {
	return p.inner.State(tenantID)
}

var _ Checker = (*PersistentChecker)(nil)
var _ Checker = (*AtomicChecker)(nil)
