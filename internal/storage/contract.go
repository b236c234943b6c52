package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Update pairs an entity id with a partial field update, for batch updates.
type Update struct {
	ID     string
	Fields map[string]any
}

// Tx is an opaque transaction handle. It is created by Begin and terminated
// exactly once by Commit or Rollback. Adapters that pool connections pin one
// connection to the handle for its lifetime; failing to end the transaction
// leaks that connection, and that is the caller's responsibility.
type Tx struct {
	ID        string
	StartedAt time.Time
	Isolation string
}

// StageKind names an aggregation pipeline stage.
type StageKind int

const (
	StageMatch StageKind = iota
	StageGroup
	StageSort
)

// Stage is one step of an aggregation pipeline. Exactly the field matching
// the Kind is consulted; the rest are ignored.
type Stage struct {
	Kind    StageKind
	Match   Predicate
	GroupBy string // group on this field, emitting a "count" per group
	Sort    []SortKey
}

// RestoreOptions controls snapshot replay: which tables to restore (empty
// means all) and whether each target table is cleared first.
type RestoreOptions struct {
	Tables    []string
	Overwrite bool
}

// Snapshot is a point-in-time, per-table export of all entities plus
// integrity metadata. The checksum detects corruption, not authenticity.
type Snapshot struct {
	ID        string               `json:"id"`
	Timestamp time.Time            `json:"timestamp"`
	Version   string               `json:"version"`
	Data      map[string][]*Entity `json:"data"`
	Metadata  SnapshotMetadata     `json:"metadata"`
}

// SnapshotMetadata describes a snapshot's provenance and integrity.
type SnapshotMetadata struct {
	Source       string   `json:"source"`
	Tables       []string `json:"tables"`
	TotalRecords int      `json:"totalRecords"`
	Checksum     string   `json:"checksum"`
}

// Checksum computes the content hash of snapshot data: SHA-256 over the
// canonical JSON serialization (tables sorted, entities sorted by id).
func Checksum(data map[string][]*Entity) string {
	tables := make([]string, 0, len(data))
	for t := range data {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	h := sha256.New()
	for _, t := range tables {
		entities := make([]*Entity, len(data[t]))
		copy(entities, data[t])
		sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
		h.Write([]byte(t))
		for _, e := range entities {
			b, _ := json.Marshal(e)
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Info describes the current contents of a backend.
type Info struct {
	Backend      string           `json:"backend"`
	Tables       map[string]int64 `json:"tables"`
	TotalRecords int64            `json:"totalRecords"`
}

// Health is the result of a liveness probe against a backend.
type Health struct {
	Healthy   bool          `json:"healthy"`
	Backend   string        `json:"backend"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
	Error     string        `json:"error,omitempty"`
}

// SlowOp is one entry of the slow-operation log.
type SlowOp struct {
	Op       string        `json:"op"`
	Table    string        `json:"table"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Metrics is a point-in-time view of an adapter's operation telemetry.
type Metrics struct {
	Operations map[string]int64   `json:"operations"` // per-op invocation counts
	Failures   map[string]int64   `json:"failures"`   // per-op failure counts
	AvgLatency map[string]float64 `json:"avgLatencyMs"`
	SlowOps    []SlowOp           `json:"slowOps"`
}

// Backend is the operation set every adapter exposes. Adapters implement the
// narrow Ops core themselves and inherit the rest from Base.
type Backend interface {
	Connect(ctx context.Context) error
	Close() error

	Create(ctx context.Context, table string, e *Entity) (*Entity, error)
	Read(ctx context.Context, table, id string) (*Entity, error)
	Update(ctx context.Context, table, id string, fields map[string]any) (*Entity, error)
	Delete(ctx context.Context, table, id string) error

	CreateMany(ctx context.Context, table string, entities []*Entity) ([]*Entity, error)
	UpdateMany(ctx context.Context, table string, updates []Update) ([]*Entity, error)
	DeleteMany(ctx context.Context, table string, ids []string) (int, error)

	Query(ctx context.Context, table string, f Filter) ([]*Entity, error)
	Count(ctx context.Context, table string, where Predicate) (int64, error)
	Exists(ctx context.Context, table, id string) (bool, error)
	Clear(ctx context.Context, table string) error

	Aggregate(ctx context.Context, table string, pipeline []Stage) ([]map[string]any, error)
	Search(ctx context.Context, table, term string, fields []string) ([]*Entity, error)

	Begin(ctx context.Context, isolation string) (*Tx, error)
	Commit(ctx context.Context, tx *Tx) error
	Rollback(ctx context.Context, tx *Tx) error

	CreateTable(ctx context.Context, table string) error
	DropTable(ctx context.Context, table string) error
	AlterTable(ctx context.Context, table, column, columnType string) error
	CreateIndex(ctx context.Context, table, field string) error
	DropIndex(ctx context.Context, table, field string) error
	ListTables(ctx context.Context) ([]string, error)

	Backup(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot, opts RestoreOptions) error

	Info(ctx context.Context) (*Info, error)
	Health(ctx context.Context) (*Health, error)
	Metrics() *Metrics
}

// Ops is the primitive core a concrete adapter must supply. Base builds the
// inherited defaults (batch ops, exists, search, backup/restore, info,
// health) on top of these.
type Ops interface {
	Create(ctx context.Context, table string, e *Entity) (*Entity, error)
	Read(ctx context.Context, table, id string) (*Entity, error)
	Update(ctx context.Context, table, id string, fields map[string]any) (*Entity, error)
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, table string, f Filter) ([]*Entity, error)
	Count(ctx context.Context, table string, where Predicate) (int64, error)
	Clear(ctx context.Context, table string) error
	ListTables(ctx context.Context) ([]string, error)

	// Put writes an entity verbatim (upsert, no stamping). Snapshot replay
	// uses it so restored entities keep their versions and timestamps.
	Put(ctx context.Context, table string, e *Entity) error
}
