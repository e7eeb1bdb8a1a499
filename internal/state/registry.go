// Package state records the remote resource IDs (ontologies, projects,
// datasets, model runs) created by earlier pipeline steps so later steps and
// re-runs can find them.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// ErrNotFound is returned by Get for unknown keys
var ErrNotFound = errors.New("state key not found")

// Well-known key builders
func OntologyKey(kind string) string { return "ontology:" + kind }
func ProjectKey(kind string) string  { return "project:" + kind }
func ModelKey(kind string) string    { return "model:" + kind }
func ModelRunKey(kind string) string { return "model_run:" + kind }

// DatasetKey is the registry key of the uploaded image dataset
const DatasetKey = "dataset"

// Entry is one registered resource
type Entry struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is a key/value table in a single SQLite file
type Registry struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the registry at path. ":memory:" keeps it in memory.
func Open(path string) (*Registry, error) {
	if path == "" {
		path = "tree-annotator.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS resources (
		key        TEXT PRIMARY KEY,
		id         TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create resources table: %w", err)
	}
	return &Registry{db: db, path: path}, nil
}

// Path returns the database file
func (r *Registry) Path() string { return r.path }

func (r *Registry) Close() error { return r.db.Close() }

// Put inserts or replaces the entry for key
func (r *Registry) Put(ctx context.Context, key, id, name string) error {
	if key == "" || id == "" {
		return fmt.Errorf("state: key and id are required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `INSERT INTO resources (key, id, name, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET id = excluded.id, name = excluded.name, updated_at = excluded.updated_at`,
		key, id, name, now)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the entry for key or ErrNotFound
func (r *Registry) Get(ctx context.Context, key string) (Entry, error) {
	var e Entry
	var updated string
	err := r.db.QueryRowContext(ctx, `SELECT key, id, name, updated_at FROM resources WHERE key = ?`, key).
		Scan(&e.Key, &e.ID, &e.Name, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

// ID is a shortcut for Get(...).ID
func (r *Registry) ID(ctx context.Context, key string) (string, error) {
	e, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (r *Registry) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM resources WHERE key = ?`, key)
	return err
}

// All returns every entry sorted by key
func (r *Registry) All(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, id, name, updated_at FROM resources`)
	if err != nil {
		return nil, fmt.Errorf("select resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.Key, &e.ID, &e.Name, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
