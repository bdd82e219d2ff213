package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLite-based store at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if err := CreateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// AddHit stores a hit.
func (s *SQLiteStore) AddHit(h *Hit) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO hits (source, pattern_id, name, offset_start, offset_end, snippet)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		h.Source,
		int64(h.PatternID),
		h.Name,
		int64(h.From),
		int64(h.To),
		h.Snippet,
	)
	if err != nil {
		return fmt.Errorf("inserting hit: %w", err)
	}
	return nil
}

// Hits returns every hit.
func (s *SQLiteStore) Hits() ([]*Hit, error) {
	return s.query(`
		SELECT source, pattern_id, name, offset_start, offset_end, snippet
		FROM hits
		ORDER BY id
	`)
}

// HitsForPattern returns the hits of one pattern.
func (s *SQLiteStore) HitsForPattern(id uint32) ([]*Hit, error) {
	return s.query(`
		SELECT source, pattern_id, name, offset_start, offset_end, snippet
		FROM hits
		WHERE pattern_id = ?
		ORDER BY id
	`, int64(id))
}

func (s *SQLiteStore) query(q string, args ...any) ([]*Hit, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying hits: %w", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		var (
			h                   Hit
			patternID, from, to int64
		)
		if err := rows.Scan(&h.Source, &patternID, &h.Name, &from, &to, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		h.PatternID = uint32(patternID)
		h.From = uint64(from)
		h.To = uint64(to)
		hits = append(hits, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hits: %w", err)
	}
	return hits, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
