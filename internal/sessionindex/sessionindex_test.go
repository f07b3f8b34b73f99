package sessionindex

import (
	"path/filepath"
	"testing"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCreateAndGet(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.Create("conv-1", "/tmp/conv-1.jsonl"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := idx.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RolloutPath != "/tmp/conv-1.jsonl" {
		t.Errorf("RolloutPath = %q, want %q", rec.RolloutPath, "/tmp/conv-1.jsonl")
	}
	if rec.Title != "" {
		t.Errorf("Title = %q, want empty", rec.Title)
	}
}

func TestExists(t *testing.T) {
	idx := openTestIndex(t)

	if ok, err := idx.Exists("missing"); err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v; want false, nil", ok, err)
	}

	if err := idx.Create("conv-1", "/tmp/conv-1.jsonl"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, err := idx.Exists("conv-1"); err != nil || !ok {
		t.Fatalf("Exists(conv-1) = %v, %v; want true, nil", ok, err)
	}
}

func TestSetTitle(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Create("conv-1", "/tmp/conv-1.jsonl"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := idx.SetTitle("conv-1", "debugging the parser"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}

	rec, err := idx.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Title != "debugging the parser" {
		t.Errorf("Title = %q, want %q", rec.Title, "debugging the parser")
	}
}

func TestListOrdersByMostRecentlyUpdated(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.Create("conv-1", "/tmp/conv-1.jsonl"); err != nil {
		t.Fatalf("Create conv-1: %v", err)
	}
	if err := idx.Create("conv-2", "/tmp/conv-2.jsonl"); err != nil {
		t.Fatalf("Create conv-2: %v", err)
	}

	// Touch conv-1 so it becomes the most recently updated.
	idx.db.Exec("UPDATE conversations SET updated = updated + 100 WHERE conversation_id = ?", "conv-1")

	records, err := idx.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ConversationID != "conv-1" {
		t.Errorf("records[0].ConversationID = %q, want %q", records[0].ConversationID, "conv-1")
	}
}

func TestLatestReturnsErrorWhenEmpty(t *testing.T) {
	idx := openTestIndex(t)
	if _, err := idx.Latest(); err == nil {
		t.Fatal("expected error on empty index")
	}
}

func TestDelete(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Create("conv-1", "/tmp/conv-1.jsonl"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Delete("conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := idx.Exists("conv-1"); err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", ok, err)
	}
}
