// Package memstore is the volatile in-memory adapter: one id→entity map per
// table, with secondary indexes maintained for a fixed allow-list of
// foreign-key-shaped field names. Everything not implemented here (batch
// operations, search, transactions, backup/restore, telemetry) is inherited
// from storage.Base.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratumdb/stratum/internal/observability"
	"github.com/stratumdb/stratum/internal/storage"
)

// indexedFields is the allow-list of field names that get a secondary index.
var indexedFields = []string{"userId", "authorId", "ownerId", "category", "status"}

// Store is the in-memory adapter. Table maps are private to the instance and
// access is serialized with a single RWMutex; no mutation of a table happens
// in parallel.
type Store struct {
	storage.Base

	mu        sync.RWMutex
	connected bool
	tables    map[string]map[string]*storage.Entity
	// indexes: table → field → stringified value → set of ids.
	indexes map[string]map[string]map[string]map[string]struct{}
}

// New creates a disconnected memory adapter.
func New(log *observability.Logger) *Store {
	s := &Store{
		tables:  make(map[string]map[string]*storage.Entity),
		indexes: make(map[string]map[string]map[string]map[string]struct{}),
	}
	s.Base = storage.NewBase("memory", s, log)
	return s
}

// Connect marks the adapter usable. There is nothing to dial.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Close drops all tables and disconnects.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.tables = make(map[string]map[string]*storage.Entity)
	s.indexes = make(map[string]map[string]map[string]map[string]struct{})
	return nil
}

func (s *Store) checkConnected(op string) error {
	if !s.connected {
		return storage.NotConnected(op)
	}
	return nil
}

// table returns the id map for a table, creating it on first use.
// Caller must hold the write lock.
func (s *Store) table(name string) map[string]*storage.Entity {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]*storage.Entity)
		s.tables[name] = t
	}
	return t
}

// Create stores a new entity. A duplicate id fails with DUPLICATE_KEY.
func (s *Store) Create(ctx context.Context, table string, e *storage.Entity) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("create", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkConnected("create"); err != nil {
			return err
		}
		stored := e.Clone()
		storage.StampCreate(stored, time.Now().UTC())
		t := s.table(table)
		if _, exists := t[stored.ID]; exists {
			return storage.DuplicateKey("create", table, stored.ID)
		}
		t[stored.ID] = stored
		s.indexAdd(table, stored)
		out = stored.Clone()
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
		if err := s.checkConnected("read"); err != nil {
			return err
		}
		if e, ok := s.tables[table][id]; ok {
			out = e.Clone()
		}
		return nil
	})
	return out, err
}

// Update merges fields into an existing entity, bumping version and
// updatedAt. A missing id fails with NOT_FOUND.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("update", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkConnected("update"); err != nil {
			return err
		}
		e, ok := s.tables[table][id]
		if !ok {
			return storage.NotFound("update", table, id)
		}
		s.indexRemove(table, e)
		storage.ApplyUpdate(e, fields, time.Now().UTC())
		s.indexAdd(table, e)
		out = e.Clone()
		return nil
	})
	return out, err
}

// Delete removes an entity. A missing id fails with NOT_FOUND.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.Measure("delete", table, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkConnected("delete"); err != nil {
			return err
		}
		e, ok := s.tables[table][id]
		if !ok {
			return storage.NotFound("delete", table, id)
		}
		s.indexRemove(table, e)
		delete(s.tables[table], id)
		return nil
	})
}

// Put writes an entity verbatim (snapshot replay).
func (s *Store) Put(ctx context.Context, table string, e *storage.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected("put"); err != nil {
		return err
	}
	t := s.table(table)
	if old, ok := t[e.ID]; ok {
		s.indexRemove(table, old)
	}
	stored := e.Clone()
	t[stored.ID] = stored
	s.indexAdd(table, stored)
	return nil
}

// Query runs the shared filter pipeline over the table.
func (s *Store) Query(ctx context.Context, table string, f storage.Filter) ([]*storage.Entity, error) {
	var out []*storage.Entity
	err := s.Measure("query", table, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if err := s.checkConnected("query"); err != nil {
			return err
		}
		all := make([]*storage.Entity, 0, len(s.tables[table]))
		for _, e := range s.tables[table] {
			all = append(all, e.Clone())
		}
		out = storage.Apply(all, f)
		return nil
	})
	return out, err
}

// QueryByField looks up entities by field equality, preferring the secondary
// index when the field is indexed and falling back to a full scan otherwise.
func (s *Store) QueryByField(ctx context.Context, table, field string, value any) ([]*storage.Entity, error) {
	var out []*storage.Entity
	err := s.Measure("queryByField", table, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if err := s.checkConnected("queryByField"); err != nil {
			return err
		}
		if ids, ok := s.indexes[table][field][indexKey(value)]; ok {
			for id := range ids {
				if e, present := s.tables[table][id]; present {
					out = append(out, e.Clone())
				}
			}
			return nil
		}
		if s.indexes[table][field] != nil {
			// Field is indexed but the value has no entry: nothing matches.
			return nil
		}
		for _, e := range s.tables[table] {
			if storage.Matches(e, storage.Cmp{Field: field, Op: storage.OpEq, Value: value}) {
				out = append(out, e.Clone())
			}
		}
		return nil
	})
	return out, err
}

// Count returns the number of entities matching the predicate.
func (s *Store) Count(ctx context.Context, table string, where storage.Predicate) (int64, error) {
	var n int64
	err := s.Measure("count", table, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if err := s.checkConnected("count"); err != nil {
			return err
		}
		for _, e := range s.tables[table] {
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
		if err := s.checkConnected("clear"); err != nil {
			return err
		}
		delete(s.tables, table)
		delete(s.indexes, table)
		return nil
	})
}

// ListTables returns the current table names.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected("listTables"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names, nil
}

// DropTable removes a table entirely. Same as Clear for this backend.
func (s *Store) DropTable(ctx context.Context, table string) error {
	return s.Clear(ctx, table)
}

// ---------------------------------------------------------------------------
// Secondary indexes
// ---------------------------------------------------------------------------

func indexKey(v any) string {
	return fmt.Sprintf("%v", v)
}

// indexAdd records the entity under every indexed field it carries.
// Caller must hold the write lock.
func (s *Store) indexAdd(table string, e *storage.Entity) {
	for _, field := range indexedFields {
		v, ok := e.Fields[field]
		if !ok {
			continue
		}
		byField, ok := s.indexes[table]
		if !ok {
			byField = make(map[string]map[string]map[string]struct{})
			s.indexes[table] = byField
		}
		byValue, ok := byField[field]
		if !ok {
			byValue = make(map[string]map[string]struct{})
			byField[field] = byValue
		}
		ids, ok := byValue[indexKey(v)]
		if !ok {
			ids = make(map[string]struct{})
			byValue[indexKey(v)] = ids
		}
		ids[e.ID] = struct{}{}
	}
}

// indexRemove drops the entity from every indexed field entry.
// Caller must hold the write lock.
func (s *Store) indexRemove(table string, e *storage.Entity) {
	for _, field := range indexedFields {
		v, ok := e.Fields[field]
		if !ok {
			continue
		}
		if ids, present := s.indexes[table][field][indexKey(v)]; present {
			delete(ids, e.ID)
			if len(ids) == 0 {
				delete(s.indexes[table][field], indexKey(v))
			}
		}
	}
}
