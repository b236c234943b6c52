package embedded

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stratumdb/stratum/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(":memory:", nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_NotConnected(t *testing.T) {
	s := New(":memory:", nil)
	_, err := s.Read(context.Background(), "users", "x")
	if !storage.HasCode(err, storage.CodeConnection) {
		t.Fatalf("err = %v, want CONNECTION_ERROR", err)
	}
}

func TestStore_CreateRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "users", &storage.Entity{
		Fields:   map[string]any{"name": "alice", "age": 30},
		Metadata: map[string]string{"source": "import"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("created = %+v", created)
	}

	got, err := s.Read(ctx, "users", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("entity not found")
	}
	if got.Fields["name"] != "alice" {
		t.Errorf("name = %v", got.Fields["name"])
	}
	if got.Metadata["source"] != "import" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	// Numbers come back as float64 after the JSON round trip; the filter
	// engine compares them loosely.
	if !storage.Matches(got, storage.Cmp{Field: "age", Op: storage.OpEq, Value: 30}) {
		t.Errorf("age = %v (%T)", got.Fields["age"], got.Fields["age"])
	}
}

func TestStore_Read_Missing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Read(context.Background(), "users", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil for missing id")
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

	created, _ := s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "alice"}})

	updated, err := s.Update(ctx, "users", created.ID, map[string]any{"name": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 || updated.Fields["name"] != "bob" {
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

func TestStore_QueryAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": name}}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Query(ctx, "users", storage.Filter{
		Where:   storage.Cmp{Field: "name", Op: storage.OpContains, Value: "o"},
		OrderBy: []storage.SortKey{{Field: "name"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Fields["name"] != "bob" || out[1].Fields["name"] != "carol" {
		t.Errorf("order = %v, %v", out[0].Fields["name"], out[1].Fields["name"])
	}

	n, err := s.Count(ctx, "users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}

	n, _ = s.Count(ctx, "users", storage.Cmp{Field: "name", Op: storage.OpEq, Value: "alice"})
	if n != 1 {
		t.Errorf("filtered Count = %d, want 1", n)
	}
}

func TestStore_ListTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, "users", &storage.Entity{})
	s.Create(ctx, "posts", &storage.Entity{})

	tables, err := s.ListTables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 2 || tables[0] != "posts" || tables[1] != "users" {
		t.Errorf("ListTables = %v", tables)
	}
}

// Data must survive a close and reopen of the same file.
func TestStore_Durability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratum.db")
	ctx := context.Background()

	s := New(path, nil)
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	created, err := s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := New(path, nil)
	if err := reopened.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.Read(ctx, "users", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("entity lost across reopen")
	}
	if got.Fields["name"] != "alice" {
		t.Errorf("name = %v", got.Fields["name"])
	}
	if got.Version != created.Version {
		t.Errorf("Version = %d, want %d", got.Version, created.Version)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestStore_BackupRestore_PreservesStamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "alice"}})
	s.Update(ctx, "users", u.ID, map[string]any{"name": "alice2"})
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

	after, err := s.Read(ctx, "users", u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after == nil {
		t.Fatal("entity missing after restore")
	}
	if after.Version != before.Version {
		t.Errorf("Version = %d, want %d", after.Version, before.Version)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", after.UpdatedAt, before.UpdatedAt)
	}
	if after.Fields["name"] != "alice2" {
		t.Errorf("name = %v", after.Fields["name"])
	}
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Create(ctx, "users", &storage.Entity{})
	s.Create(ctx, "posts", &storage.Entity{})

	if err := s.Clear(ctx, "users"); err != nil {
		t.Fatal(err)
	}

	users, _ := s.Count(ctx, "users", nil)
	posts, _ := s.Count(ctx, "posts", nil)
	if users != 0 || posts != 1 {
		t.Errorf("users = %d, posts = %d", users, posts)
	}
}

func TestStore_ImplementsBackend(t *testing.T) {
	var _ storage.Backend = (*Store)(nil)
}
