// Package store persists the hits reported by scans.
package store

import "fmt"

// Hit is one reported match.
type Hit struct {
	Source    string `json:"source"`         // file or buffer label the hit was found in
	PatternID uint32 `json:"pattern_id"`     // ID of the matching pattern
	Name      string `json:"name,omitempty"` // pattern name from its metadata
	From      uint64 `json:"from"`           // start offset, 0 unless leftmost tracking is on
	To        uint64 `json:"to"`             // end offset
	Snippet   []byte `json:"snippet,omitempty"`
}

// Store provides persistence for scan hits. Adding the same (source,
// pattern, from, to) twice keeps one hit.
type Store interface {
	// AddHit stores a hit.
	AddHit(h *Hit) error

	// Hits returns every hit in insertion order.
	Hits() ([]*Hit, error)

	// HitsForPattern returns the hits of one pattern in insertion order.
	HitsForPattern(id uint32) ([]*Hit, error)

	// Close releases the store.
	Close() error
}

// MemoryPath selects the in-memory store.
const MemoryPath = ":memory:"

// Config for store initialization.
type Config struct {
	// Path is the database file path. MemoryPath keeps hits in memory.
	Path string
}

// New creates a store: MemoryStore for MemoryPath, SQLite otherwise.
func New(cfg Config) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.Path == MemoryPath {
		return NewMemory(), nil
	}
	return NewSQLite(cfg.Path)
}

type hitKey struct {
	source    string
	patternID uint32
	from, to  uint64
}

func (h *Hit) key() hitKey {
	return hitKey{source: h.Source, patternID: h.PatternID, from: h.From, to: h.To}
}
