// Package embedded is the durable single-file adapter. It keeps every table
// in one generic documents relation keyed (table, id) with a JSON payload,
// backed by pure-Go SQLite (modernc.org/sqlite). Filtering reuses the shared
// filter engine after loading the table's rows, so the adapter stays
// schema-loose like the memory adapter while surviving restarts.
package embedded

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stratumdb/stratum/internal/observability"
	"github.com/stratumdb/stratum/internal/storage"
)

// Store is the embedded adapter.
type Store struct {
	storage.Base

	mu   sync.RWMutex
	path string
	db   *sql.DB
}

// New creates a disconnected embedded adapter for the given file path.
// Use ":memory:" for a throwaway database.
func New(path string, log *observability.Logger) *Store {
	s := &Store{path: path}
	s.Base = storage.NewBase("embedded", s, log)
	return s
}

// Connect opens (or creates) the database, applies pragmas and ensures the
// documents schema. Idempotent.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return storage.NewError(storage.CodeConnection, "connect", "", fmt.Errorf("open sqlite %q: %w", s.path, err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return storage.NewError(storage.CodeConnection, "connect", "", err)
	}

	// Single writer avoids SQLITE_BUSY; WAL keeps reads concurrent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return storage.NewError(storage.CodeConnection, "connect", "", fmt.Errorf("set WAL mode: %w", err))
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		table_name TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       TEXT NOT NULL,
		metadata   TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version    INTEGER NOT NULL,
		PRIMARY KEY (table_name, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_table ON documents(table_name);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return storage.NewError(storage.CodeConnection, "connect", "", fmt.Errorf("create schema: %w", err))
	}

	s.db = db
	return nil
}

// Close shuts down the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn(op string) (*sql.DB, error) {
	if s.db == nil {
		return nil, storage.NotConnected(op)
	}
	return s.db, nil
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

func encodeRow(e *storage.Entity) (data string, metadata *string, created, updated string, version int64, err error) {
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		return "", nil, "", "", 0, fmt.Errorf("marshal fields: %w", err)
	}
	if len(e.Metadata) > 0 {
		m, _ := json.Marshal(e.Metadata)
		ms := string(m)
		metadata = &ms
	}
	return string(raw), metadata,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		e.Version, nil
}

func scanRow(id, data string, metadata sql.NullString, created, updated string, version int64) (*storage.Entity, error) {
	e := &storage.Entity{ID: id, Version: version}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &e.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields for %q: %w", id, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &e.Metadata)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

func (s *Store) readLocked(ctx context.Context, table, id string) (*storage.Entity, error) {
	var data string
	var metadata sql.NullString
	var created, updated string
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT data, metadata, created_at, updated_at, version FROM documents WHERE table_name = ? AND id = ?",
		table, id,
	).Scan(&data, &metadata, &created, &updated, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.CodeConnection, "read", table, err)
	}
	return scanRow(id, data, metadata, created, updated, version)
}

// ---------------------------------------------------------------------------
// Primitive operations
// ---------------------------------------------------------------------------

// Create stores a new entity; a duplicate id fails with DUPLICATE_KEY.
func (s *Store) Create(ctx context.Context, table string, e *storage.Entity) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("create", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.conn("create"); err != nil {
			return err
		}
		stored := e.Clone()
		storage.StampCreate(stored, time.Now().UTC())

		existing, err := s.readLocked(ctx, table, stored.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return storage.DuplicateKey("create", table, stored.ID)
		}

		data, metadata, created, updated, version, err := encodeRow(stored)
		if err != nil {
			return storage.NewError(storage.CodeValidation, "create", table, err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (table_name, id, data, metadata, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			table, stored.ID, data, metadata, created, updated, version,
		)
		if err != nil {
			return storage.NewError(storage.CodeConnection, "create", table, err)
		}
		out = stored
		return nil
	})
	return out, err
}

// Read returns the entity or (nil, nil) when the id is absent.
func (s *Store) Read(ctx context.Context, table, id string) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("read", table, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, err := s.conn("read"); err != nil {
			return err
		}
		e, err := s.readLocked(ctx, table, id)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// Update merges fields into an existing entity. A missing id fails with
// NOT_FOUND.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("update", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.conn("update"); err != nil {
			return err
		}
		e, err := s.readLocked(ctx, table, id)
		if err != nil {
			return err
		}
		if e == nil {
			return storage.NotFound("update", table, id)
		}
		storage.ApplyUpdate(e, fields, time.Now().UTC())

		data, metadata, _, updated, version, err := encodeRow(e)
		if err != nil {
			return storage.NewError(storage.CodeValidation, "update", table, err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE documents SET data = ?, metadata = ?, updated_at = ?, version = ?
			WHERE table_name = ? AND id = ?`,
			data, metadata, updated, version, table, id,
		)
		if err != nil {
			return storage.NewError(storage.CodeConnection, "update", table, err)
		}
		out = e
		return nil
	})
	return out, err
}

// Delete removes an entity. A missing id fails with NOT_FOUND.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.Measure("delete", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.conn("delete"); err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM documents WHERE table_name = ? AND id = ?", table, id)
		if err != nil {
			return storage.NewError(storage.CodeConnection, "delete", table, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.NotFound("delete", table, id)
		}
		return nil
	})
}

// Put writes an entity verbatim (snapshot replay), replacing any existing row.
func (s *Store) Put(ctx context.Context, table string, e *storage.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn("put"); err != nil {
		return err
	}
	data, metadata, created, updated, version, err := encodeRow(e)
	if err != nil {
		return storage.NewError(storage.CodeValidation, "put", table, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (table_name, id, data, metadata, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			data = excluded.data,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			version = excluded.version`,
		table, e.ID, data, metadata, created, updated, version,
	)
	if err != nil {
		return storage.NewError(storage.CodeConnection, "put", table, err)
	}
	return nil
}

// Query loads the table's rows and runs the shared filter pipeline.
func (s *Store) Query(ctx context.Context, table string, f storage.Filter) ([]*storage.Entity, error) {
	var out []*storage.Entity
	err := s.Measure("query", table, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, err := s.conn("query"); err != nil {
			return err
		}
		all, err := s.loadTable(ctx, table)
		if err != nil {
			return err
		}
		out = storage.Apply(all, f)
		return nil
	})
	return out, err
}

func (s *Store) loadTable(ctx context.Context, table string) ([]*storage.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, metadata, created_at, updated_at, version FROM documents WHERE table_name = ? ORDER BY id",
		table)
	if err != nil {
		return nil, storage.NewError(storage.CodeConnection, "query", table, err)
	}
	defer rows.Close()

	var all []*storage.Entity
	for rows.Next() {
		var id, data, created, updated string
		var metadata sql.NullString
		var version int64
		if err := rows.Scan(&id, &data, &metadata, &created, &updated, &version); err != nil {
			return nil, err
		}
		e, err := scanRow(id, data, metadata, created, updated, version)
		if err != nil {
			return nil, err
		}
		all = append(all, e)
	}
	return all, rows.Err()
}

// Count returns the number of matching entities. A nil predicate counts the
// whole table without loading it.
func (s *Store) Count(ctx context.Context, table string, where storage.Predicate) (int64, error) {
	var n int64
	err := s.Measure("count", table, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, err := s.conn("count"); err != nil {
			return err
		}
		if where == nil {
			return s.db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM documents WHERE table_name = ?", table).Scan(&n)
		}
		all, err := s.loadTable(ctx, table)
		if err != nil {
			return err
		}
		for _, e := range all {
			if storage.Matches(e, where) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Clear removes all entities from a table.
func (s *Store) Clear(ctx context.Context, table string) error {
	return s.Measure("clear", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.conn("clear"); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE table_name = ?", table)
		if err != nil {
			return storage.NewError(storage.CodeConnection, "clear", table, err)
		}
		return nil
	})
}

// ListTables returns the distinct table names present in the file.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.conn("listTables"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT table_name FROM documents ORDER BY table_name")
	if err != nil {
		return nil, storage.NewError(storage.CodeConnection, "listTables", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropTable removes a table's documents entirely.
func (s *Store) DropTable(ctx context.Context, table string) error {
	return s.Clear(ctx, table)
}
