package rollout

import (
	"path/filepath"
	"testing"

	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/turncontext"
)

func TestWriteAndReadAllPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	if err := w.WriteTurnContext(turncontext.TurnContext{Cwd: "/work"}); err != nil {
		t.Fatalf("WriteTurnContext: %v", err)
	}
	if err := w.WriteResponseItem(item.NewUserMessage("hello")); err != nil {
		t.Fatalf("WriteResponseItem: %v", err)
	}
	if err := w.WriteResponseItem(item.NewAssistantMessage("hi there")); err != nil {
		t.Fatalf("WriteResponseItem: %v", err)
	}
	if err := w.WriteCompacted("summary payload"); err != nil {
		t.Fatalf("WriteCompacted: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want 4", len(records))
	}
	if records[0].TurnContext == nil || records[0].TurnContext.Cwd != "/work" {
		t.Fatalf("record 0 = %+v", records[0])
	}
	if records[3].Message != "summary payload" {
		t.Fatalf("record 3 message = %q", records[3].Message)
	}
}

func TestReconstructHistoryFromRolloutFoldsOnCompactedMarker(t *testing.T) {
	records := []struct {
		item item.ResponseItem
	}{
		{item.NewUserMessage("session instructions")},
		{item.NewUserMessage("first request")},
		{item.NewAssistantMessage("first reply")},
	}

	// Build the record list manually to include a Compacted marker mid-stream.
	w, err := Create(filepath.Join(t.TempDir(), "r.jsonl"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, r := range records {
		if err := w.WriteResponseItem(r.item); err != nil {
			t.Fatalf("WriteResponseItem: %v", err)
		}
	}
	if err := w.WriteCompacted("summary so far"); err != nil {
		t.Fatalf("WriteCompacted: %v", err)
	}
	if err := w.WriteResponseItem(item.NewUserMessage("second request")); err != nil {
		t.Fatalf("WriteResponseItem: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loaded, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	history := ReconstructHistoryFromRollout(loaded, 1)

	// initial context (1) + bridge (1) + post-compaction item (1) = 3
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3: %+v", len(history), history)
	}
	if history[0].Text() != "session instructions" {
		t.Fatalf("history[0] = %q, want initial context preserved", history[0].Text())
	}
	if history[2].Text() != "second request" {
		t.Fatalf("history[2] = %q, want post-compaction item replayed verbatim", history[2].Text())
	}
}

func TestReadAllSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.jsonl")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteResponseItem(item.NewUserMessage("only item")); err != nil {
		t.Fatalf("WriteResponseItem: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
}
