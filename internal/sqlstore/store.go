package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stratumdb/stratum/internal/observability"
	"github.com/stratumdb/stratum/internal/storage"
)

// Config selects the injected driver and pool bounds. Driver is a
// database/sql driver name; the adapter goes through database/sql for all
// statements and touches lib/pq only to classify constraint errors.
type Config struct {
	Driver         string
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	AcquireTimeout time.Duration
}

const defaultAcquireTimeout = 5 * time.Second

// Store is the relational adapter. database/sql provides the bounded
// connection pool; a transaction pins one pooled connection from Begin until
// Commit or Rollback.
type Store struct {
	storage.Base

	cfg Config
	d   dialect
	db  *sql.DB

	mu      sync.Mutex
	schemas map[string]tableSchema
	txs     map[string]*pinnedTx
}

// pinnedTx couples a transaction with the pooled connection it owns.
type pinnedTx struct {
	conn *sql.Conn
	tx   *sql.Tx
}

// New creates a disconnected relational adapter.
func New(cfg Config, log *observability.Logger) *Store {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	s := &Store{
		cfg:     cfg,
		d:       dialectFor(cfg.Driver),
		schemas: make(map[string]tableSchema),
		txs:     make(map[string]*pinnedTx),
	}
	s.Base = storage.NewBase("relational", s, log)
	return s
}

// Connect opens the pool, verifies connectivity and idempotently creates any
// missing built-in tables.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.cfg.Driver, s.cfg.DSN)
	if err != nil {
		return storage.NewError(storage.CodeConnection, "connect", "", fmt.Errorf("open %s: %w", s.cfg.Driver, err))
	}
	if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return storage.NewError(storage.CodeConnection, "connect", "", err)
	}

	for _, schema := range builtinSchemas {
		if _, err := db.ExecContext(ctx, schema.createStatement()); err != nil {
			db.Close()
			return storage.NewError(storage.CodeConnection, "connect", schema.name, fmt.Errorf("ensure schema: %w", err))
		}
		s.schemas[schema.name] = schema
	}

	s.db = db
	s.Log().Info("connected", "driver", s.cfg.Driver, "tables", len(s.schemas))
	return nil
}

// Close rolls back any transactions still open and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	for id, p := range s.txs {
		_ = p.tx.Rollback()
		_ = p.conn.Close()
		delete(s.txs, id)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// PoolStats exposes the pool counters (used by operational tooling and
// tests asserting connection release).
func (s *Store) PoolStats() sql.DBStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func (s *Store) schemaFor(op, table string) (tableSchema, *sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return tableSchema{}, nil, storage.NotConnected(op)
	}
	schema, ok := s.schemas[table]
	if !ok {
		return tableSchema{}, nil, &storage.Error{Code: storage.CodeTableNotFound, Op: op, Table: table}
	}
	return schema, s.db, nil
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

// splitFields routes entity fields to their dedicated columns, converted to
// the column's storage representation, and spills fields without a column
// into the data JSON column. A value that does not fit its dedicated
// column's type is a validation error: a dedicated column is authoritative,
// so its field must never sit in spill while the column reads NULL —
// pushdown compares the column and would silently miss the row.
func splitFields(schema tableSchema, fields map[string]any) (colVals map[string]any, spill map[string]any, err error) {
	colVals = make(map[string]any)
	spill = make(map[string]any)
	for k, v := range fields {
		col, ok := schema.fieldColumn(k)
		if !ok || col.name == "id" || col.name == "created_at" || col.name == "updated_at" || col.name == "version" {
			spill[k] = v
			continue
		}
		cv, err := columnValue(col, v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", k, err)
		}
		colVals[col.name] = cv
	}
	return colVals, spill, nil
}

// columnValue converts a field value into the driver value stored in its
// dedicated column.
func columnValue(col column, v any) (any, error) {
	switch col.kind {
	case kindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case kindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		case string:
			return t, nil
		}
	}
	return nil, fmt.Errorf("%T value does not fit column %q", v, col.name)
}

func (s *Store) insertArgs(schema tableSchema, e *storage.Entity) (cols []string, args []any, err error) {
	colVals, spill, err := splitFields(schema, e.Fields)
	if err != nil {
		return nil, nil, err
	}

	cols = []string{"id", "created_at", "updated_at", "version"}
	args = []any{
		e.ID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		e.Version,
	}

	cols = append(cols, "metadata")
	if len(e.Metadata) > 0 {
		m, _ := json.Marshal(e.Metadata)
		args = append(args, string(m))
	} else {
		args = append(args, nil)
	}

	for _, c := range schema.columns {
		cols = append(cols, c.name)
		if v, ok := colVals[c.name]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}

	cols = append(cols, "data")
	if len(spill) > 0 {
		raw, err := json.Marshal(spill)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal spill fields: %w", err)
		}
		args = append(args, string(raw))
	} else {
		args = append(args, nil)
	}
	return cols, args, nil
}

// scanEntity reads one row in selectList order back into an entity, mapping
// snake_case columns to camelCase fields.
func scanEntity(schema tableSchema, rows interface{ Scan(...any) error }) (*storage.Entity, error) {
	var id, created, updated string
	var version int64
	var metadata sql.NullString

	dest := []any{&id, &created, &updated, &version, &metadata}
	colDest := make([]any, len(schema.columns))
	for i, c := range schema.columns {
		if c.kind == kindInteger {
			colDest[i] = new(sql.NullInt64)
		} else {
			colDest[i] = new(sql.NullString)
		}
		dest = append(dest, colDest[i])
	}
	var data sql.NullString
	dest = append(dest, &data)

	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	e := &storage.Entity{ID: id, Version: version, Fields: make(map[string]any)}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &e.Metadata)
	}
	for i, c := range schema.columns {
		switch v := colDest[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				e.Fields[toCamel(c.name)] = v.Int64
			}
		case *sql.NullString:
			if v.Valid {
				e.Fields[toCamel(c.name)] = v.String
			}
		}
	}
	if data.Valid && data.String != "" {
		var spill map[string]any
		if err := json.Unmarshal([]byte(data.String), &spill); err != nil {
			return nil, fmt.Errorf("unmarshal data for %q: %w", id, err)
		}
		for k, v := range spill {
			e.Fields[k] = v
		}
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	return e, nil
}

func (s *Store) readRow(ctx context.Context, db *sql.DB, schema tableSchema, id string) (*storage.Entity, error) {
	c := &compiler{d: s.d, schema: schema}
	query := fmt.Sprintf("SELECT %s FROM %q WHERE \"id\" = %s",
		schema.selectList(), schema.name, c.add(id))
	row := db.QueryRowContext(ctx, query, c.args...)
	e, err := scanEntity(schema, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.CodeConnection, "read", schema.name, err)
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// Primitive operations
// ---------------------------------------------------------------------------

// Create inserts a new row; a duplicate id fails with DUPLICATE_KEY, whether
// caught by the pre-read or, when another writer races us past it, by the
// primary-key violation from the insert itself.
func (s *Store) Create(ctx context.Context, table string, e *storage.Entity) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("create", table, func() error {
		schema, db, err := s.schemaFor("create", table)
		if err != nil {
			return err
		}
		stored := e.Clone()
		storage.StampCreate(stored, time.Now().UTC())

		existing, err := s.readRow(ctx, db, schema, stored.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return storage.DuplicateKey("create", table, stored.ID)
		}

		cols, args, err := s.insertArgs(schema, stored)
		if err != nil {
			return storage.NewError(storage.CodeValidation, "create", table, err)
		}
		if _, err := db.ExecContext(ctx, s.insertStatement(schema, cols, false), args...); err != nil {
			if isUniqueViolation(err) {
				return storage.DuplicateKey("create", table, stored.ID)
			}
			return storage.NewError(storage.CodeConnection, "create", table, err)
		}
		out = stored
		return nil
	})
	return out, err
}

// isUniqueViolation classifies a driver error as a primary-key or unique
// constraint violation. lib/pq carries SQLSTATE 23505; the sqlite driver
// only exposes message text.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func (s *Store) insertStatement(schema tableSchema, cols []string, upsert bool) string {
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		placeholders[i] = s.d.placeholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		schema.name, join(quoted), join(placeholders))
	if upsert {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if c == "id" {
				continue
			}
			sets = append(sets, fmt.Sprintf("%q = excluded.%q", c, c))
		}
		stmt += ` ON CONFLICT("id") DO UPDATE SET ` + join(sets)
	}
	return stmt
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// Read returns the entity or (nil, nil) when the id is absent.
func (s *Store) Read(ctx context.Context, table, id string) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("read", table, func() error {
		schema, db, err := s.schemaFor("read", table)
		if err != nil {
			return err
		}
		out, err = s.readRow(ctx, db, schema, id)
		return err
	})
	return out, err
}

// Update is read-then-write: the existence check comes first, so a missing
// id fails with NOT_FOUND instead of a silent zero-row update.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.Measure("update", table, func() error {
		schema, db, err := s.schemaFor("update", table)
		if err != nil {
			return err
		}
		e, err := s.readRow(ctx, db, schema, id)
		if err != nil {
			return err
		}
		if e == nil {
			return storage.NotFound("update", table, id)
		}
		storage.ApplyUpdate(e, fields, time.Now().UTC())
		if err := s.writeRow(ctx, db, schema, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (s *Store) writeRow(ctx context.Context, db *sql.DB, schema tableSchema, e *storage.Entity) error {
	cols, args, err := s.insertArgs(schema, e)
	if err != nil {
		return storage.NewError(storage.CodeValidation, "update", schema.name, err)
	}
	sets := make([]string, 0, len(cols))
	n := 0
	setArgs := make([]any, 0, len(args))
	for i, c := range cols {
		if c == "id" {
			continue
		}
		n++
		sets = append(sets, fmt.Sprintf("%q = %s", c, s.d.placeholder(n)))
		setArgs = append(setArgs, args[i])
	}
	n++
	stmt := fmt.Sprintf("UPDATE %q SET %s WHERE \"id\" = %s", schema.name, join(sets), s.d.placeholder(n))
	setArgs = append(setArgs, e.ID)
	if _, err := db.ExecContext(ctx, stmt, setArgs...); err != nil {
		return storage.NewError(storage.CodeConnection, "update", schema.name, err)
	}
	return nil
}

// Delete removes a row; a missing id fails with NOT_FOUND.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.Measure("delete", table, func() error {
		schema, db, err := s.schemaFor("delete", table)
		if err != nil {
			return err
		}
		c := &compiler{d: s.d, schema: schema}
		stmt := fmt.Sprintf("DELETE FROM %q WHERE \"id\" = %s", schema.name, c.add(id))
		res, err := db.ExecContext(ctx, stmt, c.args...)
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
	schema, db, err := s.schemaFor("put", table)
	if err != nil {
		return err
	}
	cols, args, err := s.insertArgs(schema, e)
	if err != nil {
		return storage.NewError(storage.CodeValidation, "put", table, err)
	}
	if _, err := db.ExecContext(ctx, s.insertStatement(schema, cols, true), args...); err != nil {
		return storage.NewError(storage.CodeConnection, "put", table, err)
	}
	return nil
}

// Query compiles the filter into a parameterized SELECT when every
// referenced field has a dedicated column, and falls back to loading the
// table through the shared in-memory filter engine otherwise.
func (s *Store) Query(ctx context.Context, table string, f storage.Filter) ([]*storage.Entity, error) {
	var out []*storage.Entity
	err := s.Measure("query", table, func() error {
		schema, db, err := s.schemaFor("query", table)
		if err != nil {
			return err
		}

		stmt, args, cerr := compileSelect(s.d, schema, f)
		if cerr == errNoPushdown {
			all, err := s.loadAll(ctx, db, schema)
			if err != nil {
				return err
			}
			out = storage.Apply(all, f)
			return nil
		}
		if cerr != nil {
			return storage.NewError(storage.CodeValidation, "query", table, cerr)
		}

		rows, err := db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return storage.NewError(storage.CodeConnection, "query", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntity(schema, rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(f.Select) > 0 {
			out = storage.Apply(out, storage.Filter{Select: f.Select})
		}
		return nil
	})
	return out, err
}

func (s *Store) loadAll(ctx context.Context, db *sql.DB, schema tableSchema) ([]*storage.Entity, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %q ORDER BY \"id\"", schema.selectList(), schema.name)
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, storage.NewError(storage.CodeConnection, "query", schema.name, err)
	}
	defer rows.Close()

	var all []*storage.Entity
	for rows.Next() {
		e, err := scanEntity(schema, rows)
		if err != nil {
			return nil, err
		}
		all = append(all, e)
	}
	return all, rows.Err()
}

// Count compiles the predicate into SELECT COUNT(*), with the same fallback
// as Query.
func (s *Store) Count(ctx context.Context, table string, where storage.Predicate) (int64, error) {
	var n int64
	err := s.Measure("count", table, func() error {
		schema, db, err := s.schemaFor("count", table)
		if err != nil {
			return err
		}
		stmt, args, cerr := compileCount(s.d, schema, where)
		if cerr == errNoPushdown {
			all, err := s.loadAll(ctx, db, schema)
			if err != nil {
				return err
			}
			for _, e := range all {
				if storage.Matches(e, where) {
					n++
				}
			}
			return nil
		}
		if cerr != nil {
			return storage.NewError(storage.CodeValidation, "count", table, cerr)
		}
		return db.QueryRowContext(ctx, stmt, args...).Scan(&n)
	})
	return n, err
}

// Clear deletes every row of a table.
func (s *Store) Clear(ctx context.Context, table string) error {
	return s.Measure("clear", table, func() error {
		schema, db, err := s.schemaFor("clear", table)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", schema.name)); err != nil {
			return storage.NewError(storage.CodeConnection, "clear", table, err)
		}
		return nil
	})
}

// ListTables returns the tables with an ensured schema.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, storage.NotConnected("listTables")
	}
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ---------------------------------------------------------------------------
// Schema management
// ---------------------------------------------------------------------------

// CreateTable registers and creates a schema-loose table: base columns plus
// the data spill column. Idempotent.
func (s *Store) CreateTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.NotConnected("createTable")
	}
	schema, ok := s.schemas[table]
	if !ok {
		schema = tableSchema{name: table}
	}
	if _, err := s.db.ExecContext(ctx, schema.createStatement()); err != nil {
		return storage.NewError(storage.CodeConnection, "createTable", table, err)
	}
	s.schemas[table] = schema
	return nil
}

// DropTable removes the table and forgets its schema.
func (s *Store) DropTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.NotConnected("dropTable")
	}
	if _, ok := s.schemas[table]; !ok {
		return &storage.Error{Code: storage.CodeTableNotFound, Op: "dropTable", Table: table}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
		return storage.NewError(storage.CodeConnection, "dropTable", table, err)
	}
	delete(s.schemas, table)
	return nil
}

// AlterTable adds a dedicated text or bigint column for a field.
func (s *Store) AlterTable(ctx context.Context, table, field, columnType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.NotConnected("alterTable")
	}
	schema, ok := s.schemas[table]
	if !ok {
		return &storage.Error{Code: storage.CodeTableNotFound, Op: "alterTable", Table: table}
	}
	kind := kindText
	if columnType == "integer" || columnType == "bigint" {
		kind = kindInteger
	}
	col := column{name: toSnake(field), kind: kind}
	stmt := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q %s", table, col.name, sqlType(col.kind))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return storage.NewError(storage.CodeConnection, "alterTable", table, err)
	}
	schema.columns = append(schema.columns, col)
	s.schemas[table] = schema

	// Rows written before the column existed hold the field in the data
	// spill while the new column reads NULL; rewrite them so pushdown
	// against the column sees them.
	all, err := s.loadAll(ctx, s.db, schema)
	if err != nil {
		return err
	}
	for _, e := range all {
		if _, ok := e.Fields[field]; !ok {
			continue
		}
		if err := s.writeRow(ctx, s.db, schema, e); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex creates a single-column index on a dedicated column.
func (s *Store) CreateIndex(ctx context.Context, table, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.NotConnected("createIndex")
	}
	schema, ok := s.schemas[table]
	if !ok {
		return &storage.Error{Code: storage.CodeTableNotFound, Op: "createIndex", Table: table}
	}
	col, ok := schema.fieldColumn(field)
	if !ok {
		return storage.NewError(storage.CodeValidation, "createIndex", table,
			fmt.Errorf("field %q has no dedicated column", field))
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (%q)",
		"idx_"+table+"_"+col.name, table, col.name)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return storage.NewError(storage.CodeConnection, "createIndex", table, err)
	}
	return nil
}

// DropIndex drops a single-column index if it exists.
func (s *Store) DropIndex(ctx context.Context, table, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storage.NotConnected("dropIndex")
	}
	stmt := fmt.Sprintf("DROP INDEX IF EXISTS %q", "idx_"+table+"_"+toSnake(field))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return storage.NewError(storage.CodeConnection, "dropIndex", table, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transactions — one pooled connection per transaction lifetime
// ---------------------------------------------------------------------------

// Begin acquires a pooled connection (time-bounded by AcquireTimeout) and
// starts a transaction on it. The connection stays pinned to the handle;
// a caller that never commits or rolls back leaks the pool slot.
func (s *Store) Begin(ctx context.Context, isolation string) (*storage.Tx, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, storage.NotConnected("begin")
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	conn, err := db.Conn(acquireCtx)
	if err != nil {
		return nil, &storage.Error{Code: storage.CodeTransaction, Op: "begin", Err: err}
	}

	// The transaction outlives this call, so it must not be bound to the
	// acquisition context.
	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		conn.Close()
		return nil, &storage.Error{Code: storage.CodeTransaction, Op: "begin", Err: err}
	}

	handle := &storage.Tx{ID: uuid.NewString(), StartedAt: time.Now().UTC(), Isolation: isolation}
	s.mu.Lock()
	s.txs[handle.ID] = &pinnedTx{conn: conn, tx: tx}
	s.mu.Unlock()
	return handle, nil
}

// Commit commits the transaction and returns its connection to the pool.
func (s *Store) Commit(ctx context.Context, tx *storage.Tx) error {
	p, err := s.takeTx("commit", tx)
	if err != nil {
		return err
	}
	commitErr := p.tx.Commit()
	closeErr := p.conn.Close()
	if commitErr != nil {
		return &storage.Error{Code: storage.CodeTransaction, Op: "commit", ID: tx.ID, Err: commitErr}
	}
	return closeErr
}

// Rollback aborts the transaction and returns its connection to the pool.
func (s *Store) Rollback(ctx context.Context, tx *storage.Tx) error {
	p, err := s.takeTx("rollback", tx)
	if err != nil {
		return err
	}
	rbErr := p.tx.Rollback()
	closeErr := p.conn.Close()
	if rbErr != nil {
		return &storage.Error{Code: storage.CodeTransaction, Op: "rollback", ID: tx.ID, Err: rbErr}
	}
	return closeErr
}

// Exec runs a statement inside an open transaction, on its pinned connection.
func (s *Store) Exec(ctx context.Context, tx *storage.Tx, stmt string, args ...any) error {
	s.mu.Lock()
	p, ok := s.txs[tx.ID]
	s.mu.Unlock()
	if !ok {
		return &storage.Error{Code: storage.CodeTransaction, Op: "exec", ID: tx.ID, Err: errUnknownTxHandle}
	}
	_, err := p.tx.ExecContext(ctx, stmt, args...)
	return err
}

func (s *Store) takeTx(op string, tx *storage.Tx) (*pinnedTx, error) {
	if tx == nil {
		return nil, &storage.Error{Code: storage.CodeTransaction, Op: op, Err: errNilTxHandle}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.txs[tx.ID]
	if !ok {
		return nil, &storage.Error{Code: storage.CodeTransaction, Op: op, ID: tx.ID, Err: errUnknownTxHandle}
	}
	delete(s.txs, tx.ID)
	return p, nil
}
