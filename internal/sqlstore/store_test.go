package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/stratumdb/stratum/internal/storage"
)

// Tests run the adapter against the pure-Go sqlite driver. One connection
// keeps every statement on the same in-memory database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Connect_EnsuresSchemas(t *testing.T) {
	s := newTestStore(t)

	tables, err := s.ListTables(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 3 {
		t.Fatalf("ListTables = %v", tables)
	}
	if tables[0] != "comments" || tables[1] != "posts" || tables[2] != "users" {
		t.Errorf("ListTables = %v", tables)
	}
}

func TestStore_UnknownTable(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read(context.Background(), "widgets", "x")
	if !storage.HasCode(err, storage.CodeTableNotFound) {
		t.Fatalf("err = %v, want TABLE_NOT_FOUND", err)
	}
}

func TestStore_CreateRead_ColumnAndSpill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "users", &storage.Entity{
		Fields: map[string]any{
			"email":    "alice@example.com", // dedicated column
			"name":     "Alice",
			"nickname": "ally", // no column, spills to data
			"age":      30,     // non-string, spills to data
		},
		Metadata: map[string]string{"source": "test"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(ctx, "users", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("entity not found")
	}
	if got.Fields["email"] != "alice@example.com" {
		t.Errorf("email = %v", got.Fields["email"])
	}
	if got.Fields["nickname"] != "ally" {
		t.Errorf("nickname = %v", got.Fields["nickname"])
	}
	if !storage.Matches(got, storage.Cmp{Field: "age", Op: storage.OpEq, Value: 30}) {
		t.Errorf("age = %v (%T)", got.Fields["age"], got.Fields["age"])
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Version != 1 || got.CreatedAt.IsZero() {
		t.Errorf("stamps = v%d %v", got.Version, got.CreatedAt)
	}
}

func TestStore_Create_DuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "users", &storage.Entity{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Create(ctx, "users", &storage.Entity{ID: "u1"})
	if !storage.HasCode(err, storage.CodeDuplicateKey) {
		t.Fatalf("err = %v, want DUPLICATE_KEY", err)
	}
}

func TestStore_UpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "Alice"}})

	updated, err := s.Update(ctx, "users", created.ID, map[string]any{"name": "Bob", "age": 40})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 || updated.Fields["name"] != "Bob" {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := s.Update(ctx, "users", "missing", map[string]any{"x": 1}); !storage.HasCode(err, storage.CodeNotFound) {
		t.Fatalf("update missing err = %v", err)
	}

	if err := s.Delete(ctx, "users", created.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "users", created.ID); !storage.HasCode(err, storage.CodeNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestStore_Query_Pushdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		status := "draft"
		if i%2 == 0 {
			status = "published"
		}
		_, err := s.Create(ctx, "posts", &storage.Entity{Fields: map[string]any{
			"title":    fmt.Sprintf("post %d", i),
			"status":   status,
			"category": "tech",
		}})
		if err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Query(ctx, "posts", storage.Filter{
		Where: storage.And{Preds: []storage.Predicate{
			storage.Cmp{Field: "status", Op: storage.OpEq, Value: "draft"},
			storage.Cmp{Field: "category", Op: storage.OpEq, Value: "tech"},
		}},
		OrderBy: []storage.SortKey{{Field: "title", Desc: true}},
		Limit:   2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Fields["title"] != "post 5" || out[1].Fields["title"] != "post 3" {
		t.Errorf("order = %v, %v", out[0].Fields["title"], out[1].Fields["title"])
	}
}

// A filter on a spill field cannot be pushed down; the fallback path must
// return the same entities the in-memory engine selects.
func TestStore_Query_FallbackMatchesEngine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, "posts", &storage.Entity{Fields: map[string]any{
			"title": fmt.Sprintf("post %d", i),
			"views": i * 10, // spill field
		}})
		if err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Query(ctx, "posts", storage.Filter{
		Where:   storage.Cmp{Field: "views", Op: storage.OpGte, Value: 20},
		OrderBy: []storage.SortKey{{Field: "views"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[0].Fields["title"] != "post 2" {
		t.Errorf("first = %v", out[0].Fields["title"])
	}
}

func TestStore_Query_ProjectionAppliedInGo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "Alice", "email": "a@b.c"}})

	out, err := s.Query(ctx, "users", storage.Filter{
		Where:  storage.Cmp{Field: "name", Op: storage.OpEq, Value: "Alice"},
		Select: []string{"name"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].ID == "" {
		t.Error("id lost in projection")
	}
	if _, ok := out[0].Fields["email"]; ok {
		t.Error("email survived projection")
	}
}

func TestStore_Count(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"status": "active"}})
	s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"status": "active"}})
	s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"status": "blocked"}})

	n, err := s.Count(ctx, "users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Count = %d", n)
	}

	// Pushed down.
	n, _ = s.Count(ctx, "users", storage.Cmp{Field: "status", Op: storage.OpEq, Value: "active"})
	if n != 2 {
		t.Errorf("pushdown Count = %d, want 2", n)
	}

	// Fallback on a spill field.
	s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"score": 10}})
	n, _ = s.Count(ctx, "users", storage.Cmp{Field: "score", Op: storage.OpGt, Value: 5})
	if n != 1 {
		t.Errorf("fallback Count = %d, want 1", n)
	}
}

func TestStore_CreateAndAlterTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTable(ctx, "events"); err != nil {
		t.Fatal(err)
	}

	created, err := s.Create(ctx, "events", &storage.Entity{Fields: map[string]any{"kind": "login"}})
	if err != nil {
		t.Fatal(err)
	}

	// Add a dedicated column; subsequent writes route the field to it and
	// filters on it push down.
	if err := s.AlterTable(ctx, "events", "kind", "text"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "events", &storage.Entity{Fields: map[string]any{"kind": "logout"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateIndex(ctx, "events", "kind"); err != nil {
		t.Fatal(err)
	}

	out, err := s.Query(ctx, "events", storage.Filter{
		Where: storage.Cmp{Field: "kind", Op: storage.OpEq, Value: "logout"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Errorf("len = %d, want 1", len(out))
	}

	got, _ := s.Read(ctx, "events", created.ID)
	if got == nil || got.Fields["kind"] != "login" {
		t.Errorf("pre-alter row = %+v", got)
	}

	if err := s.DropTable(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx, "events", created.ID); !storage.HasCode(err, storage.CodeTableNotFound) {
		t.Errorf("err after drop = %v", err)
	}
}

func TestStore_AlterTable_IntegerColumnPushdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTable(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	if err := s.AlterTable(ctx, "events", "age", "integer"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "events", &storage.Entity{Fields: map[string]any{"age": 30}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "events", &storage.Entity{Fields: map[string]any{"age": 12}}); err != nil {
		t.Fatal(err)
	}

	// The value must land in the column, not the spill, or this pushdown
	// would compare against NULL and return nothing.
	out, err := s.Query(ctx, "events", storage.Filter{
		Where: storage.Cmp{Field: "age", Op: storage.OpGt, Value: 18},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].Fields["age"] != int64(30) {
		t.Errorf("age = %v (%T), want int64 30", out[0].Fields["age"], out[0].Fields["age"])
	}

	n, err := s.Count(ctx, "events", storage.Cmp{Field: "age", Op: storage.OpGte, Value: 12})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestStore_AlterTable_BackfillsExistingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTable(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	// Written before the column exists: the field lives in the data spill.
	if _, err := s.Create(ctx, "events", &storage.Entity{Fields: map[string]any{"age": 30}}); err != nil {
		t.Fatal(err)
	}

	if err := s.AlterTable(ctx, "events", "age", "integer"); err != nil {
		t.Fatal(err)
	}

	out, err := s.Query(ctx, "events", storage.Filter{
		Where: storage.Cmp{Field: "age", Op: storage.OpGt, Value: 18},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1; pre-alter row invisible to pushdown", len(out))
	}
}

func TestStore_Create_ValueMustFitColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTable(ctx, "events"); err != nil {
		t.Fatal(err)
	}
	if err := s.AlterTable(ctx, "events", "age", "integer"); err != nil {
		t.Fatal(err)
	}

	// A dedicated column is authoritative for its field; a value of the
	// wrong type may not hide in the spill where filters cannot see it.
	_, err := s.Create(ctx, "events", &storage.Entity{Fields: map[string]any{"age": "thirty"}})
	if !storage.HasCode(err, storage.CodeValidation) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestStore_Query_ContainsMatchesWildcardsLiterally(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"john_doe profile", "johnxdoe profile", "100% done"} {
		if _, err := s.Create(ctx, "posts", &storage.Entity{Fields: map[string]any{"title": title}}); err != nil {
			t.Fatal(err)
		}
	}

	for _, tc := range []struct {
		needle string
		want   string
	}{
		{"john_doe", "john_doe profile"},
		{"100%", "100% done"},
	} {
		out, err := s.Query(ctx, "posts", storage.Filter{
			Where: storage.Cmp{Field: "title", Op: storage.OpContains, Value: tc.needle},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 1 || out[0].Fields["title"] != tc.want {
			t.Errorf("contains %q matched %d rows, want only %q", tc.needle, len(out), tc.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("pq 23505 not classified as duplicate")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("pq foreign-key violation misclassified as duplicate")
	}
	if !isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: users.id (1555)")) {
		t.Error("sqlite unique violation not classified as duplicate")
	}
	if isUniqueViolation(errors.New("database is locked")) {
		t.Error("unrelated error misclassified as duplicate")
	}
}

func TestStore_BackupRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "Alice"}})
	s.Update(ctx, "users", u.ID, map[string]any{"name": "Alice2"})
	before, _ := s.Read(ctx, "users", u.ID)

	snap, err := s.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(ctx, "users"); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(ctx, snap, storage.RestoreOptions{}); err != nil {
		t.Fatal(err)
	}

	after, _ := s.Read(ctx, "users", u.ID)
	if after == nil {
		t.Fatal("row missing after restore")
	}
	if after.Version != before.Version || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("stamps changed: %+v vs %+v", after, before)
	}
}

// A committed transaction must return its pinned connection to the pool.
func TestStore_Transaction_ReleasesConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.PoolStats().InUse; got != 1 {
		t.Fatalf("InUse during tx = %d, want 1", got)
	}

	if err := s.Exec(ctx, tx, `INSERT INTO "users" ("id", "created_at", "updated_at", "version") VALUES (?, ?, ?, ?)`,
		"tx-user", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", 1); err != nil {
		t.Fatal(err)
	}

	if err := s.Commit(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if got := s.PoolStats().InUse; got != 0 {
		t.Fatalf("InUse after commit = %d, want 0", got)
	}

	// The pool is usable again and the write is visible.
	got, err := s.Read(ctx, "users", "tx-user")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("committed row not visible")
	}

	if err := s.Commit(ctx, tx); !storage.HasCode(err, storage.CodeTransaction) {
		t.Errorf("double commit err = %v", err)
	}
}

func TestStore_Rollback_DiscardsWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Exec(ctx, tx, `INSERT INTO "users" ("id", "created_at", "updated_at", "version") VALUES (?, ?, ?, ?)`,
		"rb-user", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if got := s.PoolStats().InUse; got != 0 {
		t.Fatalf("InUse after rollback = %d", got)
	}

	got, err := s.Read(ctx, "users", "rb-user")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("rolled-back row is visible")
	}
}

func TestStore_Aggregate_GroupCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, cat := range []string{"tech", "tech", "tech", "life", "life", "misc"} {
		if _, err := s.Create(ctx, "posts", &storage.Entity{Fields: map[string]any{"category": cat}}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Aggregate(ctx, "posts", []storage.Stage{
		{Kind: storage.StageGroup, GroupBy: "category"},
		{Kind: storage.StageSort, Sort: []storage.SortKey{{Field: "count", Desc: true}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("groups = %d, want 3", len(out))
	}
	if out[0]["category"] != "tech" || out[0]["count"] != int64(3) {
		t.Errorf("first group = %v", out[0])
	}
}

func TestStore_Aggregate_MatchThenGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []map[string]any{
		{"category": "tech", "status": "draft"},
		{"category": "tech", "status": "published"},
		{"category": "life", "status": "draft"},
	}
	for _, f := range rows {
		if _, err := s.Create(ctx, "posts", &storage.Entity{Fields: f}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Aggregate(ctx, "posts", []storage.Stage{
		{Kind: storage.StageMatch, Match: storage.Cmp{Field: "status", Op: storage.OpEq, Value: "draft"}},
		{Kind: storage.StageGroup, GroupBy: "category"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("groups = %d, want 2", len(out))
	}
	for _, row := range out {
		if row["count"] != int64(1) {
			t.Errorf("row = %v", row)
		}
	}
}

func TestStore_ImplementsBackend(t *testing.T) {
	var _ storage.Backend = (*Store)(nil)
}
