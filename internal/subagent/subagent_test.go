package subagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/turncontext"
)

type fakeConversation struct {
	id           string
	rolloutPath  string
	events       chan ChildEvent
	submitErr    error
	submitCalls  int
	interrupts   int
	shutdowns    int
}

func newFakeConversation(id string) *fakeConversation {
	return &fakeConversation{id: id, rolloutPath: "/tmp/" + id + ".jsonl", events: make(chan ChildEvent, 16)}
}

func (f *fakeConversation) SubmitUserInput(ctx context.Context, items []item.ResponseItem) error {
	f.submitCalls++
	return f.submitErr
}

func (f *fakeConversation) SubmitInterrupt(ctx context.Context) error {
	f.interrupts++
	return nil
}

func (f *fakeConversation) SubmitShutdown(ctx context.Context) error {
	f.shutdowns++
	close(f.events)
	return nil
}

func (f *fakeConversation) Events() <-chan ChildEvent { return f.events }
func (f *fakeConversation) ConversationID() string    { return f.id }
func (f *fakeConversation) RolloutPath() string        { return f.rolloutPath }

type fakeFactory struct {
	next *fakeConversation
	err  error
}

func (f *fakeFactory) NewConversation(ctx context.Context, cfg ChildConfig) (ChildConversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.next, nil
}

func newTestSupervisor(conv *fakeConversation) (*Supervisor, *fakeFactory) {
	factory := &fakeFactory{next: conv}
	return New(1, 2, factory, turncontext.TurnContext{Cwd: "/work", ModelID: "m1"}), factory
}

func TestOpenRejectsWhenDepthLimitReached(t *testing.T) {
	sup := New(0, 2, &fakeFactory{next: newFakeConversation("c1")}, turncontext.TurnContext{})
	_, err := sup.Open(context.Background(), OpenArgs{Goal: "do work"})
	if !errors.Is(err, ErrDepthLimit) {
		t.Fatalf("err = %v, want ErrDepthLimit", err)
	}
}

func TestOpenRejectsWhenConcurrencyLimitReached(t *testing.T) {
	sup := New(1, 1, &fakeFactory{next: newFakeConversation("c1")}, turncontext.TurnContext{})
	if _, err := sup.Open(context.Background(), OpenArgs{Goal: "first"}); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_, err := sup.Open(context.Background(), OpenArgs{Goal: "second"})
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("err = %v, want ErrConcurrencyLimit", err)
	}
}

func TestOpenReleasesPermitWhenFactoryFails(t *testing.T) {
	sup := New(1, 1, &fakeFactory{err: errors.New("spawn failed")}, turncontext.TurnContext{})
	if _, err := sup.Open(context.Background(), OpenArgs{Goal: "first"}); err == nil {
		t.Fatalf("expected error from factory")
	}
	// The permit must have been released; a second Open with a working
	// factory should succeed.
	sup.factory = &fakeFactory{next: newFakeConversation("c1")}
	if _, err := sup.Open(context.Background(), OpenArgs{Goal: "second"}); err != nil {
		t.Fatalf("Open after failed spawn: %v", err)
	}
}

func TestOpenRejectsZeroMaxTurnsAndMaxRuntime(t *testing.T) {
	sup, _ := newTestSupervisor(newFakeConversation("c1"))
	zero := 0
	if _, err := sup.Open(context.Background(), OpenArgs{Goal: "g", MaxTurns: &zero}); !errors.Is(err, ErrInvalidMaxTurns) {
		t.Fatalf("err = %v, want ErrInvalidMaxTurns", err)
	}
	var zeroMs int64
	if _, err := sup.Open(context.Background(), OpenArgs{Goal: "g", MaxRuntimeMs: &zeroMs}); !errors.Is(err, ErrInvalidMaxRuntime) {
		t.Fatalf("err = %v, want ErrInvalidMaxRuntime", err)
	}
}

func TestReplyRunningFlagClearsWhenSubmitFails(t *testing.T) {
	conv := newFakeConversation("c1")
	conv.submitErr = errors.New("dead conversation")
	sup, _ := newTestSupervisor(conv)

	opened, err := sup.Open(context.Background(), OpenArgs{Goal: "task"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = sup.Reply(context.Background(), opened.SubagentID, "hello", nil, nil)
	if err == nil {
		t.Fatalf("expected error from failed submit")
	}

	// Running flag must have cleared: a second Reply attempt should not see
	// ErrSubagentRunning (it will fail again on submit, not on the guard).
	_, err2 := sup.Reply(context.Background(), opened.SubagentID, "hello again", nil, nil)
	if errors.Is(err2, ErrSubagentRunning) {
		t.Fatalf("running flag did not clear after failed submit")
	}
}

func TestReplyRejectsUnknownSubagent(t *testing.T) {
	sup, _ := newTestSupervisor(newFakeConversation("c1"))
	_, err := sup.Reply(context.Background(), "subagent-missing", "hi", nil, nil)
	if !errors.Is(err, ErrSubagentNotFound) {
		t.Fatalf("err = %v, want ErrSubagentNotFound", err)
	}
}

func TestReplyCollectsDeltasUntilTaskComplete(t *testing.T) {
	conv := newFakeConversation("c1")
	sup, _ := newTestSupervisor(conv)
	opened, err := sup.Open(context.Background(), OpenArgs{Goal: "task"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	conv.events <- ChildEvent{Kind: ChildEventAgentMessageDelta, Delta: "Hello"}
	conv.events <- ChildEvent{Kind: ChildEventAgentMessageDelta, Delta: ", world"}
	conv.events <- ChildEvent{Kind: ChildEventTaskComplete, LastAgentMessage: "Hello, world"}

	result, err := sup.Reply(context.Background(), opened.SubagentID, "hi", nil, nil)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if result.Reply != "Hello, world" {
		t.Fatalf("Reply = %q, want %q", result.Reply, "Hello, world")
	}
	if result.MailID == "" {
		t.Fatalf("expected a mail id to be assigned")
	}
}

func TestReplyEnforcesHardTimeout(t *testing.T) {
	conv := newFakeConversation("c1")
	sup, _ := newTestSupervisor(conv)
	opened, err := sup.Open(context.Background(), OpenArgs{Goal: "task"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	timeout := 20 * time.Millisecond
	result, err := sup.Reply(context.Background(), opened.SubagentID, "hi", nil, &timeout)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if result.Reply != "Subagent reply timed out" {
		t.Fatalf("Reply = %q, want hard timeout message", result.Reply)
	}
	if conv.interrupts != 1 {
		t.Fatalf("interrupts = %d, want 1", conv.interrupts)
	}
}

func TestReplyRejectsWhenAlreadyRunning(t *testing.T) {
	conv := newFakeConversation("c1")
	sup, _ := newTestSupervisor(conv)
	opened, err := sup.Open(context.Background(), OpenArgs{Goal: "task"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sup.Reply(context.Background(), opened.SubagentID, "first", nil, nil)
		close(done)
	}()

	// Give the first Reply a moment to set the running flag before the
	// second races in.
	time.Sleep(10 * time.Millisecond)
	_, err = sup.Reply(context.Background(), opened.SubagentID, "second", nil, nil)
	if !errors.Is(err, ErrSubagentRunning) {
		t.Fatalf("err = %v, want ErrSubagentRunning", err)
	}

	conv.events <- ChildEvent{Kind: ChildEventTaskComplete, LastAgentMessage: "done"}
	<-done
}

func TestReplyEnforcesMaxTurns(t *testing.T) {
	conv := newFakeConversation("c1")
	sup, _ := newTestSupervisor(conv)
	one := 1
	opened, err := sup.Open(context.Background(), OpenArgs{Goal: "task", MaxTurns: &one})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	conv.events <- ChildEvent{Kind: ChildEventTaskComplete, LastAgentMessage: "first reply"}
	if _, err := sup.Reply(context.Background(), opened.SubagentID, "first", nil, nil); err != nil {
		t.Fatalf("first Reply: %v", err)
	}

	_, err = sup.Reply(context.Background(), opened.SubagentID, "second", nil, nil)
	if !errors.Is(err, ErrTurnLimitReached) {
		t.Fatalf("err = %v, want ErrTurnLimitReached", err)
	}
}

func TestEndRemovesRolloutFileWhenNotPersisted(t *testing.T) {
	conv := newFakeConversation("c1")
	conv.rolloutPath = filepath.Join(t.TempDir(), "c1.jsonl")
	if err := os.WriteFile(conv.rolloutPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write rollout: %v", err)
	}
	sup, _ := newTestSupervisor(conv)
	opened, err := sup.Open(context.Background(), OpenArgs{Goal: "task"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	convID, archived, err := sup.End(context.Background(), opened.SubagentID, false, "")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if convID != conv.id {
		t.Fatalf("conversationID = %q, want %q", convID, conv.id)
	}
	if archived != "" {
		t.Fatalf("archived = %q, want empty", archived)
	}
	if conv.shutdowns != 1 {
		t.Fatalf("shutdowns = %d, want 1", conv.shutdowns)
	}
	if _, err := os.Stat(conv.rolloutPath); !os.IsNotExist(err) {
		t.Fatalf("rollout file still present after End(persist=false): stat err = %v", err)
	}

	// Open permit must have been released by End.
	sup.factory = &fakeFactory{next: newFakeConversation("c2")}
	if _, err := sup.Open(context.Background(), OpenArgs{Goal: "reuse"}); err != nil {
		t.Fatalf("Open after End: %v", err)
	}
}

func TestEndRejectsUnknownSubagent(t *testing.T) {
	sup, _ := newTestSupervisor(newFakeConversation("c1"))
	_, _, err := sup.End(context.Background(), "subagent-missing", true, "")
	if !errors.Is(err, ErrSubagentNotFound) {
		t.Fatalf("err = %v, want ErrSubagentNotFound", err)
	}
}

func TestMailboxListsNewestFirst(t *testing.T) {
	mb := newMailbox()
	id1 := mb.enqueue("sub-1", "first task", "first reply", nil, 1)
	id2 := mb.enqueue("sub-1", "second task", "second reply", nil, 1)

	got := mb.List(ListArgs{})
	if len(got) != 2 || got[0].MailID != id2 || got[1].MailID != id1 {
		t.Fatalf("List order = %+v, want newest (%s) first", got, id2)
	}
}

func TestMailboxReadMarksReadUnlessPeeking(t *testing.T) {
	mb := newMailbox()
	id := mb.enqueue("sub-1", "task", "reply", nil, 1)

	peeked, err := mb.Read(id, true)
	if err != nil {
		t.Fatalf("Read (peek): %v", err)
	}
	if peeked.Read {
		t.Fatalf("peek should not mark read")
	}

	unread := mb.List(ListArgs{OnlyUnread: true})
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread item after peek, got %d", len(unread))
	}

	if _, err := mb.Read(id, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	unread = mb.List(ListArgs{OnlyUnread: true})
	if len(unread) != 0 {
		t.Fatalf("expected 0 unread items after read, got %d", len(unread))
	}
}

func TestMailboxReadUnknownIDFails(t *testing.T) {
	mb := newMailbox()
	_, err := mb.Read("mail-999", false)
	if !errors.Is(err, ErrUnknownMailID) {
		t.Fatalf("err = %v, want ErrUnknownMailID", err)
	}
}
