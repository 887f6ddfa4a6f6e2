package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// Catalog is a read-only item lookup.
type Catalog interface {
	Lookup(ctx context.Context, id string) (wire.ContentRef, bool)
}

// Memory is an in-memory catalog. Sync adds newly announced items via Put.
type Memory struct {
	mu    sync.RWMutex
	items map[string]wire.ContentRef
}

// NewMemory returns a catalog holding refs.
func NewMemory(refs ...wire.ContentRef) *Memory {
	m := &Memory{items: make(map[string]wire.ContentRef, len(refs))}
	m.Put(refs...)
	return m
}

// LoadFile reads a JSON array of content refs.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var refs []wire.ContentRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewMemory(refs...), nil
}

// Lookup returns the item with the given id.
func (m *Memory) Lookup(_ context.Context, id string) (wire.ContentRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.items[id]
	return ref, ok
}

// Put inserts or replaces items. Refs without an id are ignored.
func (m *Memory) Put(refs ...wire.ContentRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range refs {
		if r.ID == "" {
			continue
		}
		m.items[r.ID] = r
		n++
	}
	return n
}

// Len returns the number of items.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// IDs returns all item ids, sorted.
func (m *Memory) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
