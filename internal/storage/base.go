package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratumdb/stratum/internal/observability"
)

const (
	slowOpThreshold = 1000 * time.Millisecond
	slowOpLogCap    = 10
	snapshotVersion = "1"
)

// Base supplies the inherited half of the Backend contract on top of a
// concrete adapter's Ops core: batch operations loop the singular form,
// Exists goes through Read, Search is a naive scan, transactions are no-ops,
// schema and index management are no-ops, and backup/restore are orchestrated
// per table through Query and Put. Adapters embed Base and override whatever
// they can do better.
type Base struct {
	backend string
	ops     Ops
	log     *observability.Logger
	metrics *observability.MetricsCollector

	mu      sync.Mutex
	slowOps []SlowOp
	openTxs map[string]*Tx
}

// NewBase wires a Base for the named backend around its primitive core.
// A nil logger falls back to a no-op logger.
func NewBase(backend string, ops Ops, log *observability.Logger) Base {
	if log == nil {
		log = observability.Nop()
	}
	return Base{
		backend: backend,
		ops:     ops,
		log:     log,
		metrics: observability.NewMetricsCollector(0),
		openTxs: make(map[string]*Tx),
	}
}

// BackendName returns the adapter type name ("memory", "embedded", ...).
func (b *Base) BackendName() string { return b.backend }

// Log returns the adapter's logger.
func (b *Base) Log() *observability.Logger { return b.log }

// Measure wraps a primitive operation: it records the duration and outcome
// into the metrics collector and appends to the slow-operation log when the
// duration exceeds the threshold.
func (b *Base) Measure(op, table string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	labels := observability.Labels{"op": op, "table": table}
	b.metrics.Record(observability.MetricOpLatency, float64(elapsed.Milliseconds()), labels)
	b.metrics.Increment("op." + op)
	if err != nil {
		b.metrics.Increment("fail." + op)
		b.metrics.Record(observability.MetricOpErrors, 1, labels)
	}

	if elapsed >= slowOpThreshold {
		b.mu.Lock()
		if len(b.slowOps) >= slowOpLogCap {
			b.slowOps = b.slowOps[1:]
		}
		b.slowOps = append(b.slowOps, SlowOp{Op: op, Table: table, Duration: elapsed, At: start})
		b.mu.Unlock()
		b.log.SlowOperation(op, table, float64(elapsed.Milliseconds()))
	}
	return err
}

// ---------------------------------------------------------------------------
// Batch defaults — loop the singular form, stop on first failure
// ---------------------------------------------------------------------------

// CreateMany creates entities one by one. On failure the entities created so
// far stay written; the error is surfaced as-is.
func (b *Base) CreateMany(ctx context.Context, table string, entities []*Entity) ([]*Entity, error) {
	created := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		out, err := b.ops.Create(ctx, table, e)
		if err != nil {
			return created, err
		}
		created = append(created, out)
	}
	return created, nil
}

// UpdateMany applies updates one by one, stopping at the first failure.
func (b *Base) UpdateMany(ctx context.Context, table string, updates []Update) ([]*Entity, error) {
	updated := make([]*Entity, 0, len(updates))
	for _, u := range updates {
		out, err := b.ops.Update(ctx, table, u.ID, u.Fields)
		if err != nil {
			return updated, err
		}
		updated = append(updated, out)
	}
	return updated, nil
}

// DeleteMany deletes ids one by one, returning how many were deleted before
// any failure.
func (b *Base) DeleteMany(ctx context.Context, table string, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		if err := b.ops.Delete(ctx, table, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Exists reports whether an entity exists, via Read.
func (b *Base) Exists(ctx context.Context, table, id string) (bool, error) {
	e, err := b.ops.Read(ctx, table, id)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// ---------------------------------------------------------------------------
// Aggregate / search defaults
// ---------------------------------------------------------------------------

// Aggregate is not supported by default; adapters with a query engine
// override it.
func (b *Base) Aggregate(ctx context.Context, table string, pipeline []Stage) ([]map[string]any, error) {
	return nil, NotSupported("aggregate", b.backend)
}

// Search is a naive case-insensitive substring scan over the named string
// fields. Adapters with real full-text support override it.
func (b *Base) Search(ctx context.Context, table, term string, fields []string) ([]*Entity, error) {
	all, err := b.ops.Query(ctx, table, Filter{})
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(term)
	var out []*Entity
	for _, e := range all {
		for _, f := range fields {
			v, ok := e.Field(f)
			if !ok {
				continue
			}
			if s, isStr := v.(string); isStr && strings.Contains(strings.ToLower(s), needle) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Transaction defaults — no-op handles that always succeed
// ---------------------------------------------------------------------------

// Begin hands out a no-op transaction handle. The handle is tracked so that
// ending an unknown or already-ended transaction still fails with
// TRANSACTION_ERROR, matching adapters with real transactions.
func (b *Base) Begin(ctx context.Context, isolation string) (*Tx, error) {
	tx := &Tx{ID: uuid.NewString(), StartedAt: time.Now().UTC(), Isolation: isolation}
	b.mu.Lock()
	b.openTxs[tx.ID] = tx
	b.mu.Unlock()
	return tx, nil
}

// Commit ends a no-op transaction.
func (b *Base) Commit(ctx context.Context, tx *Tx) error {
	return b.endTx("commit", tx)
}

// Rollback ends a no-op transaction. Nothing is undone; the default
// transaction is a formality for backends without transactional semantics.
func (b *Base) Rollback(ctx context.Context, tx *Tx) error {
	return b.endTx("rollback", tx)
}

func (b *Base) endTx(op string, tx *Tx) error {
	if tx == nil {
		return &Error{Code: CodeTransaction, Op: op, Err: errNilTx}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.openTxs[tx.ID]; !ok {
		return &Error{Code: CodeTransaction, Op: op, ID: tx.ID, Err: errUnknownTx}
	}
	delete(b.openTxs, tx.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Schema / index defaults — no-ops for backends without the concept
// ---------------------------------------------------------------------------

func (b *Base) CreateTable(ctx context.Context, table string) error { return nil }
func (b *Base) DropTable(ctx context.Context, table string) error   { return nil }
func (b *Base) AlterTable(ctx context.Context, table, column, columnType string) error {
	return nil
}
func (b *Base) CreateIndex(ctx context.Context, table, field string) error { return nil }
func (b *Base) DropIndex(ctx context.Context, table, field string) error   { return nil }

// ---------------------------------------------------------------------------
// Backup / restore orchestration
// ---------------------------------------------------------------------------

// Backup copies every table through Query into a snapshot. The copy is
// per-table and not atomic: a failure partway leaves the snapshot incomplete
// and is surfaced to the caller.
func (b *Base) Backup(ctx context.Context) (*Snapshot, error) {
	tables, err := b.ops.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	data := make(map[string][]*Entity, len(tables))
	total := 0
	for _, table := range tables {
		entities, err := b.ops.Query(ctx, table, Filter{})
		if err != nil {
			return nil, NewError(CodeConnection, "backup", table, err)
		}
		copied := make([]*Entity, len(entities))
		for i, e := range entities {
			copied[i] = e.Clone()
		}
		data[table] = copied
		total += len(copied)
	}

	b.metrics.Record(observability.MetricBackup, float64(total), observability.Labels{"backend": b.backend})
	return &Snapshot{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   snapshotVersion,
		Data:      data,
		Metadata: SnapshotMetadata{
			Source:       b.backend,
			Tables:       tables,
			TotalRecords: total,
			Checksum:     Checksum(data),
		},
	}, nil
}

// Restore replays a snapshot through Put, preserving ids, versions and
// timestamps verbatim. With Overwrite each target table is cleared first;
// without it, colliding ids are overwritten in place. Replay is per-table
// and best-effort: a failure does not roll back tables already restored.
func (b *Base) Restore(ctx context.Context, snap *Snapshot, opts RestoreOptions) error {
	if snap == nil {
		return &Error{Code: CodeValidation, Op: "restore", Err: errNilSnapshot}
	}
	if snap.Metadata.Checksum != "" && Checksum(snap.Data) != snap.Metadata.Checksum {
		return &Error{Code: CodeValidation, Op: "restore", Err: errChecksumMismatch}
	}

	selected := snap.Data
	if len(opts.Tables) > 0 {
		selected = make(map[string][]*Entity, len(opts.Tables))
		for _, t := range opts.Tables {
			if entities, ok := snap.Data[t]; ok {
				selected[t] = entities
			}
		}
	}

	for table, entities := range selected {
		if opts.Overwrite {
			if err := b.ops.Clear(ctx, table); err != nil {
				return err
			}
		}
		for _, e := range entities {
			if err := b.ops.Put(ctx, table, e.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

// Info reports per-table record counts.
func (b *Base) Info(ctx context.Context) (*Info, error) {
	tables, err := b.ops.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{Backend: b.backend, Tables: make(map[string]int64, len(tables))}
	for _, table := range tables {
		n, err := b.ops.Count(ctx, table, nil)
		if err != nil {
			return nil, err
		}
		info.Tables[table] = n
		info.TotalRecords += n
	}
	return info, nil
}

// Health probes the backend by listing tables and reports the latency.
func (b *Base) Health(ctx context.Context) (*Health, error) {
	start := time.Now()
	_, err := b.ops.ListTables(ctx)
	h := &Health{
		Backend:   b.backend,
		Latency:   time.Since(start),
		CheckedAt: start.UTC(),
		Healthy:   err == nil,
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h, nil
}

// Metrics assembles the telemetry view from the collector and slow-op log.
func (b *Base) Metrics() *Metrics {
	counters := b.metrics.Snapshot()
	m := &Metrics{
		Operations: make(map[string]int64),
		Failures:   make(map[string]int64),
		AvgLatency: make(map[string]float64),
	}
	for name, v := range counters {
		if op, ok := strings.CutPrefix(name, "op."); ok {
			m.Operations[op] = v
			points := b.metrics.QueryWithLabel(observability.MetricOpLatency, "op", op)
			if len(points) > 0 {
				sum := 0.0
				for _, p := range points {
					sum += p.Value
				}
				m.AvgLatency[op] = sum / float64(len(points))
			}
		}
		if op, ok := strings.CutPrefix(name, "fail."); ok {
			m.Failures[op] = v
		}
	}

	b.mu.Lock()
	m.SlowOps = make([]SlowOp, len(b.slowOps))
	copy(m.SlowOps, b.slowOps)
	b.mu.Unlock()
	return m
}
