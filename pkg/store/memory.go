package store

import (
	"bytes"
	"sync"
)

// MemoryStore implements Store using in-memory data structures.
type MemoryStore struct {
	mu   sync.RWMutex
	hits []*Hit
	seen map[hitKey]struct{}
}

// NewMemory creates a new in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		seen: make(map[hitKey]struct{}),
	}
}

// AddHit stores a copy of h.
func (m *MemoryStore) AddHit(h *Hit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := h.key()
	if _, exists := m.seen[k]; exists {
		return nil
	}
	m.seen[k] = struct{}{}

	c := *h
	c.Snippet = bytes.Clone(h.Snippet)
	m.hits = append(m.hits, &c)
	return nil
}

// Hits returns every hit.
func (m *MemoryStore) Hits() ([]*Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Hit, len(m.hits))
	copy(result, m.hits)
	return result, nil
}

// HitsForPattern returns the hits of one pattern.
func (m *MemoryStore) HitsForPattern(id uint32) ([]*Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hit
	for _, h := range m.hits {
		if h.PatternID == id {
			result = append(result, h)
		}
	}
	return result, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
