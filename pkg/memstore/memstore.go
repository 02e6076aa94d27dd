// Package memstore implements the tenant-scoped, content-addressed
// memory store: redact, canonical-hash, dedup, append-only except
// explicit delete.
package memstore

import (
	"sync"
	"time"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/redact"
)

// MemoryItem is immutable once appended.
type MemoryItem struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ContentHash   string         `json:"content_hash"`
	Content       any            `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	VectorPointer *string        `json:"vector_pointer,omitempty"`
}

// Store is the memory store contract.
type Store interface {
	Store(tenantID string, content any, metadata map[string]any) (*MemoryItem, *errs.Error)
	GetByHash(tenantID, hash string) (*MemoryItem, *errs.Error)
	GetByID(tenantID, id string) (*MemoryItem, *errs.Error)
	List(tenantID string, limit int) ([]*MemoryItem, *errs.Error)
	Delete(tenantID, id string) *errs.Error
}

type partition struct {
	mu      sync.Mutex
	byHash  map[string]*MemoryItem
	byID    map[string]*MemoryItem
	ordered []string // ids, insertion order, for List
}

// InMemoryStore is the default Store: one mutex-guarded partition per
// tenant, so no tenant's writer blocks another's.
type InMemoryStore struct {
	clock    ids.Clock
	redactor *redact.Redactor

	mu         sync.RWMutex
	partitions map[string]*partition
}

// NewInMemoryStore constructs a store with an injected clock and
// redactor.
func NewInMemoryStore(clock ids.Clock, redactor *redact.Redactor) *InMemoryStore {
	if redactor == nil {
		redactor = redact.New()
	}
	return &InMemoryStore{
		clock:      clock,
		redactor:   redactor,
		partitions: make(map[string]*partition),
	}
}

func (s *InMemoryStore) partitionFor(tenantID string) *partition {
	s.mu.RLock()
	p, ok := s.partitions[tenantID]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[tenantID]; ok {
		return p
	}
	p = &partition{byHash: make(map[string]*MemoryItem), byID: make(map[string]*MemoryItem)}
	s.partitions[tenantID] = p
	return p
}

// Store redacts content, canonical-hashes the redacted form, and either
// returns the existing item for (tenant, hash) or appends a new one.
func (s *InMemoryStore) Store(tenantID string, content any, metadata map[string]any) (*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	redacted := s.redactor.Value(content)
	hash := canon.Hash(redacted)

	p := s.partitionFor(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byHash[hash]; ok {
		return existing, nil
	}

	item := &MemoryItem{
		ID:          ids.NewID("mem"),
		TenantID:    tenantID,
		ContentHash: hash,
		Content:     redacted,
		Metadata:    metadata,
		CreatedAt:   s.clock.Now(),
	}
	p.byHash[hash] = item
	p.byID[item.ID] = item
	p.ordered = append(p.ordered, item.ID)
	return item, nil
}

// GetByHash looks up by content hash within the tenant's partition only;
// it can never return an item stored under a different tenant.
func (s *InMemoryStore) GetByHash(tenantID, hash string) (*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	p := s.partitionFor(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.byHash[hash]
	if !ok {
		return nil, errs.MemoryNotFound(hash)
	}
	return item, nil
}

// GetByID looks up by id within the tenant's partition.
func (s *InMemoryStore) GetByID(tenantID, id string) (*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	p := s.partitionFor(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.byID[id]
	if !ok {
		return nil, errs.MemoryNotFound(id)
	}
	return item, nil
}

// List returns up to limit items for the tenant in insertion order.
func (s *InMemoryStore) List(tenantID string, limit int) ([]*MemoryItem, *errs.Error) {
	if tenantID == "" {
		return nil, errs.TenantRequired()
	}
	if limit <= 0 {
		limit = 100
	}
	p := s.partitionFor(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ordered)
	if n > limit {
		n = limit
	}
	out := make([]*MemoryItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.byID[p.ordered[i]])
	}
	return out, nil
}

// Delete removes an item by id. The store is append-only except for this
// explicit operation.
func (s *InMemoryStore) Delete(tenantID, id string) *errs.Error {
	if tenantID == "" {
		return errs.TenantRequired()
	}
	p := s.partitionFor(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.byID[id]
	if !ok {
		return errs.MemoryNotFound(id)
	}
	delete(p.byID, id)
	delete(p.byHash, item.ContentHash)
	for i, oid := range p.ordered {
		if oid == id {
			p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
			break
		}
	}
	return nil
}
