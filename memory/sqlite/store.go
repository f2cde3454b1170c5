// Package sqlite provides a durable core.Persistence backed by SQLite
// through the pure-Go modernc.org/sqlite driver. Sessions, checkpoints and
// long-term user memories survive process restarts, which is what lets a
// suspended run be resumed from a different process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/memory"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (namespace, key)
)`

var _ core.Persistence = (*Store)(nil)

// Config contains configuration for the sqlite store.
type Config struct {
	Path string // Path to the database file; ":memory:" when empty
}

// Store implements core.Persistence over a single SQLite table.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) a sqlite store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: ":memory:" databases are per-connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without running migrations.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get implements core.Persistence.
func (s *Store) Get(ctx context.Context, namespace, key string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE namespace = ? AND key = ?`, namespace, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, core.Transient("sqlite get", err)
	}
	return decode(raw)
}

// Put implements core.Persistence (upsert).
func (s *Store) Put(ctx context.Context, namespace, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return core.Validation("sqlite put", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, string(raw), time.Now().UTC())
	if err != nil {
		return core.Transient("sqlite put", err)
	}
	return nil
}

// List implements core.Persistence; records are ordered by key.
func (s *Store) List(ctx context.Context, namespace string) ([]core.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, core.Transient("sqlite list", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, core.Fatal("sqlite list", err)
		}
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, core.Record{Namespace: namespace, Key: key, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("sqlite list", err)
	}
	return out, nil
}

// Search implements core.Persistence using the same term scoring as the
// in-memory store.
func (s *Store) Search(ctx context.Context, namespace, query string, limit int) ([]core.SearchResult, error) {
	records, err := s.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var results []core.SearchResult
	for _, r := range records {
		content := memory.Content(r.Value)
		if score := memory.MatchScore(content, query); score > 0 {
			results = append(results, core.SearchResult{ID: r.Key, Content: content, Score: score, Metadata: r.Value})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete implements core.Persistence.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return core.Transient("sqlite delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Transient("sqlite delete", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func decode(raw string) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, core.Fatal("sqlite decode", err)
	}
	return v, nil
}
