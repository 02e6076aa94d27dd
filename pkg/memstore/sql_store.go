package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/redact"

	// drivers registered by callers: modernc.org/sqlite for local/dev,
	// github.com/lib/pq for production Postgres deployments.
	_ "modernc.org/sqlite"
)

// SQLStore persists memory items to a relational backend (sqlite or
// Postgres, selected by the caller's sql.DB driver). It fails closed: a
// storage error denies rather than silently dropping the write.
type SQLStore struct {
	db       *sql.DB
	clock    ids.Clock
	redactor *redact.Redactor
}

// NewSQLStore opens the schema against db and returns a ready store.
func NewSQLStore(ctx context.Context, db *sql.DB, clock ids.Clock, redactor *redact.Redactor) (*SQLStore, error) {
	if redactor == nil {
		redactor = redact.New()
	}
	s := &SQLStore{db: db, clock: clock, redactor: redactor}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			vector_pointer TEXT,
			UNIQUE(tenant_id, content_hash)
		);
	`)
	return err
}

// Store implements Store.
func (s *SQLStore) Store(tenantID string, content any, metadata map[string]any) (*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	ctx := context.Background()
	redacted := s.redactor.Value(content)
	hash := canon.Hash(redacted)

	if existing, found, fail := s.lookupByHash(ctx, tenantID, hash); fail != nil {
		return nil, fail
	} else if found {
		return existing, nil
	}

	contentJSON, err := json.Marshal(redacted)
	if err != nil {
		return nil, errs.MemoryStoreFailed(err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, errs.MemoryStoreFailed(err)
	}

	item := &MemoryItem{
		ID:          ids.NewID("mem"),
		TenantID:    tenantID,
		ContentHash: hash,
		Content:     redacted,
		Metadata:    metadata,
		CreatedAt:   s.clock.Now(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_items (id, tenant_id, content_hash, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.TenantID, item.ContentHash, string(contentJSON), string(metaJSON), item.CreatedAt,
	)
	if err != nil {
		// a concurrent writer may have inserted the same (tenant, hash)
		// between our lookup and insert; treat that race as a hit rather
		// than a failure.
		if existing, found, fail := s.lookupByHash(ctx, tenantID, hash); fail == nil && found {
			return existing, nil
		}
		return nil, errs.MemoryStoreFailed(err)
	}
	return item, nil
}

func (s *SQLStore) lookupByHash(ctx context.Context, tenantID, hash string) (*MemoryItem, bool, *errs.Error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, created_at FROM memory_items WHERE tenant_id = ? AND content_hash = ?`,
		tenantID, hash,
	)
	item, err := scanItem(row, tenantID, hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.MemoryStoreFailed(err)
	}
	return item, true, nil
}

func scanItem(row *sql.Row, tenantID, hash string) (*MemoryItem, error) {
	var id, contentJSON, metaJSON string
	var createdAt time.Time
	if err := row.Scan(&id, &contentJSON, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	var content any
	_ = json.Unmarshal([]byte(contentJSON), &content)
	var metadata map[string]any
	_ = json.Unmarshal([]byte(metaJSON), &metadata)
	return &MemoryItem{
		ID:          id,
		TenantID:    tenantID,
		ContentHash: hash,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   createdAt,
	}, nil
}

// GetByHash implements Store.
func (s *SQLStore) GetByHash(tenantID, hash string) (*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	item, found, fail := s.lookupByHash(context.Background(), tenantID, hash)
	if fail != nil {
		return nil, fail
	}
	if !found {
		return nil, errs.MemoryNotFound(hash)
	}
	return item, nil
}

// GetByID implements Store.
func (s *SQLStore) GetByID(tenantID, id string) (*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	row := s.db.QueryRowContext(context.Background(),
		`SELECT content_hash, content, metadata, created_at FROM memory_items WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	var contentHash, contentJSON, metaJSON string
	var createdAt time.Time
	if err := row.Scan(&contentHash, &contentJSON, &metaJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.MemoryNotFound(id)
		}
		return nil, errs.MemoryStoreFailed(err)
	}
	var content any
	_ = json.Unmarshal([]byte(contentJSON), &content)
	var metadata map[string]any
	_ = json.Unmarshal([]byte(metaJSON), &metadata)
	return &MemoryItem{ID: id, TenantID: tenantID, ContentHash: contentHash, Content: content, Metadata: metadata, CreatedAt: createdAt}, nil
}

// List implements Store.
func (s *SQLStore) List(tenantID string, limit int) ([]*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, content_hash, content, metadata, created_at FROM memory_items WHERE tenant_id = ? ORDER BY created_at ASC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, errs.MemoryStoreFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MemoryItem
	for rows.Next() {
		var id, contentHash, contentJSON, metaJSON string
		var createdAt time.Time
		if err := rows.Scan(&id, &contentHash, &contentJSON, &metaJSON, &createdAt); err != nil {
			return nil, errs.MemoryStoreFailed(err)
		}
		var content any
		_ = json.Unmarshal([]byte(contentJSON), &content)
		var metadata map[string]any
		_ = json.Unmarshal([]byte(metaJSON), &metadata)
		out = append(out, &MemoryItem{ID: id, TenantID: tenantID, ContentHash: contentHash, Content: content, Metadata: metadata, CreatedAt: createdAt})
	}
	return out, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(tenantID, id string) *errs.Error {
	if tenantID == "" {
		return errs.TenantRequired()
	}
	res, err := s.db.ExecContext(context.Background(), `DELETE FROM memory_items WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return errs.MemoryStoreFailed(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.MemoryStoreFailed(err)
	}
	if n == 0 {
		return errs.MemoryNotFound(id)
	}
	return nil
}
