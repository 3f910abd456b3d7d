package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	recs := []Record{
		{SessionID: "old", Status: "completed", StartedAt: 1000, Events: 5},
		{SessionID: "new", Status: "completed", StartedAt: 2000, Events: 9, Tags: []string{"ci", "nightly"}},
	}
	for _, rec := range recs {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", rec.SessionID, err)
		}
	}

	got, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d rows, want 2", len(got))
	}
	if got[0].SessionID != "new" {
		t.Errorf("newest first violated: %s", got[0].SessionID)
	}
	if len(got[0].Tags) != 2 || got[0].Tags[0] != "ci" {
		t.Errorf("tags = %v", got[0].Tags)
	}

	// Upsert over an existing row updates it.
	if err := store.Upsert(ctx, Record{SessionID: "new", Status: "error", StartedAt: 2000, Events: 11}); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, _ = store.List(ctx, 1)
	if got[0].Status != "error" || got[0].Events != 11 {
		t.Errorf("upsert did not update: %+v", got[0])
	}
}

func TestLatestSessionID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LatestSessionID(ctx); err != nil || ok {
		t.Errorf("empty catalog: ok=%v err=%v, want false, nil", ok, err)
	}

	store.Upsert(ctx, Record{SessionID: "a", StartedAt: 100})
	store.Upsert(ctx, Record{SessionID: "b", StartedAt: 200})

	id, ok, err := store.LatestSessionID(ctx)
	if err != nil || !ok || id != "b" {
		t.Errorf("LatestSessionID() = %q, %v, %v; want b, true, nil", id, ok, err)
	}
}

func TestPruner(t *testing.T) {
	root := t.TempDir()
	store, err := Open(filepath.Join(root, "index.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	oldDir := filepath.Join(root, "sessions", "ancient")
	newDir := filepath.Join(root, "sessions", "fresh")
	os.MkdirAll(oldDir, 0o755)
	os.MkdirAll(newDir, 0o755)

	store.Upsert(ctx, Record{SessionID: "ancient", StartedAt: time.Now().AddDate(0, 0, -90).UnixMilli()})
	store.Upsert(ctx, Record{SessionID: "fresh", StartedAt: time.Now().UnixMilli()})

	deleted, err := NewPruner(store, root, 30).Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("old session directory survived pruning")
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Error("fresh session directory removed")
	}

	rows, _ := store.List(ctx, 0)
	if len(rows) != 1 || rows[0].SessionID != "fresh" {
		t.Errorf("catalog rows after prune = %+v", rows)
	}
}

func TestPrunerDisabled(t *testing.T) {
	store := openTestStore(t)
	deleted, err := NewPruner(store, t.TempDir(), 0).Prune(context.Background())
	if err != nil || deleted != 0 {
		t.Errorf("disabled pruner: deleted=%d err=%v", deleted, err)
	}
}
