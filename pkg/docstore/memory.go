package docstore

import (
	"context"
	"sync"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

// Memory is an in-process DocumentStore used by tests and dev mode.
type Memory struct {
	collections map[string]map[string]contracts.Document
	mu          sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]contracts.Document),
	}
}

func (m *Memory) CreateIfAbsent(ctx context.Context, collection, id string, doc contracts.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string]contracts.Document)
		m.collections[collection] = col
	}
	if _, exists := col[id]; exists {
		return contracts.ErrConflict
	}
	col[id] = copyDoc(doc)
	return nil
}

func (m *Memory) Read(ctx context.Context, collection, id string) (contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (m *Memory) Upsert(ctx context.Context, collection, id string, doc contracts.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string]contracts.Document)
		m.collections[collection] = col
	}
	col[id] = copyDoc(doc)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filter contracts.Document) ([]contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Document
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			out = append(out, copyDoc(doc))
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func matches(doc, filter contracts.Document) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func copyDoc(doc contracts.Document) contracts.Document {
	dst := make(contracts.Document, len(doc))
	for k, v := range doc {
		dst[k] = v
	}
	return dst
}
