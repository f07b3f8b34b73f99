package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xonecas/agentcore/internal/item"
)

type fakeSummarizer struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, turnInput []item.ResponseItem) (string, error) {
	f.calls++
	if len(turnInput) > 0 {
		f.prompts = append(f.prompts, turnInput[len(turnInput)-1].Text())
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestResponseItemsToTextJoinsNonEmptySegments(t *testing.T) {
	items := []item.ResponseItem{
		item.NewUserMessage("hello"),
		item.NewAssistantMessage("world"),
	}
	text := ResponseItemsToText(items)
	if !strings.Contains(text, "user: hello") || !strings.Contains(text, "assistant: world") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestResponseItemsToTextIgnoresImageOnlyContent(t *testing.T) {
	items := []item.ResponseItem{
		{Kind: item.KindMessage, Role: item.RoleUser, Content: []item.ContentPart{{InputImage: "x.png"}}},
	}
	if text := ResponseItemsToText(items); text != "" {
		t.Fatalf("expected empty text, got %q", text)
	}
}

func TestCollectUserMessagesExtractsUserTextOnly(t *testing.T) {
	history := []item.ResponseItem{
		item.NewUserMessage("do the thing"),
		item.NewAssistantMessage("ok, doing it"),
	}
	got := CollectUserMessages(history)
	if len(got) != 1 || got[0] != "do the thing" {
		t.Fatalf("got %v", got)
	}
}

func TestCollectUserMessagesFiltersSessionPrefixEntries(t *testing.T) {
	history := []item.ResponseItem{
		{Kind: item.KindMessage, Role: item.RoleUser, ContentKind: item.ContentUserInstructions, Content: []item.ContentPart{{OutputText: "system setup"}}},
		{Kind: item.KindMessage, Role: item.RoleUser, ContentKind: item.ContentEnvironmentContext, Content: []item.ContentPart{{OutputText: "cwd: /tmp"}}},
		item.NewUserMessage("actual request"),
		item.NewUserMessage(BridgeSentinel + "\n\nprevious bridge content"),
	}
	got := CollectUserMessages(history)
	if len(got) != 1 || got[0] != "actual request" {
		t.Fatalf("got %v, want only the actual request", got)
	}
}

func TestBuildCompactedHistoryTruncatesOverlongUserMessages(t *testing.T) {
	big := strings.Repeat("X", 200_000)
	initial := []item.ResponseItem{item.NewUserMessage("session instructions")}
	newHistory := BuildCompactedHistory(initial, []string{big}, "SUMMARY")

	if len(newHistory) != 2 {
		t.Fatalf("len(newHistory) = %d, want 2 (initial + bridge)", len(newHistory))
	}
	bridgeText := newHistory[1].Text()
	if !strings.Contains(bridgeText, "tokens truncated") {
		t.Fatalf("bridge missing truncation marker: %q", bridgeText[:200])
	}
	if strings.Contains(bridgeText, big) {
		t.Fatalf("bridge retained the full untruncated text")
	}
	if !strings.Contains(bridgeText, "SUMMARY") {
		t.Fatalf("bridge missing summary text")
	}
}

func TestStagedCompactSuffixLenRespectsFraction(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 3: 1, 10: 3}
	for n, want := range cases {
		if got := StagedCompactSuffixLen(n); got != want {
			t.Errorf("StagedCompactSuffixLen(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestAssembleStagedSummaryFormatsSections(t *testing.T) {
	summary := assembleStagedSummary("overall picture", []string{"first segment", "", "third segment"})
	if !strings.Contains(summary, "High-level summary:\noverall picture") {
		t.Fatalf("missing high-level section: %q", summary)
	}
	if !strings.Contains(summary, "1. first segment") || !strings.Contains(summary, "2. (empty)") || !strings.Contains(summary, "3. third segment") {
		t.Fatalf("segment breakdown malformed: %q", summary)
	}
}

func TestRebalanceSuffixTurnBoundaryMovesTrailingPrefixIntoSuffix(t *testing.T) {
	// Scenario 1 from spec: tool-pair rebalance after a turn-boundary fix.
	prefix := []item.ResponseItem{item.NewUserMessage("run diagnostics")}
	suffix := []item.ResponseItem{
		{Kind: item.KindFunctionCall, Name: "diag", CallID: "call-1"},
		{Kind: item.KindFunctionCallOutput, CallID: "call-1", Output: "ok"},
	}
	prefix, suffix = RebalanceSuffixTurnBoundary(prefix, suffix)
	prefix, suffix = RebalanceSuffixToolPairs(prefix, suffix)

	if len(prefix) != 0 {
		t.Fatalf("prefix should be empty, got %+v", prefix)
	}
	if len(suffix) != 3 || suffix[0].Text() != "run diagnostics" {
		t.Fatalf("suffix = %+v, want [user, function_call, function_call_output]", suffix)
	}
}

func TestRebalanceSuffixToolPairsMovesOrphanOutputsBack(t *testing.T) {
	// Scenario 2 from spec: orphan outputs move back into prefix.
	prefix := []item.ResponseItem{
		{Kind: item.KindFunctionCall, Name: "fn", CallID: "call-fn"},
		{Kind: item.KindCustomToolCall, Name: "custom", CallID: "call-custom"},
	}
	suffix := []item.ResponseItem{
		{Kind: item.KindFunctionCallOutput, CallID: "call-fn", Output: "done"},
		{Kind: item.KindCustomToolOutput, CallID: "call-custom", Output: "done"},
		item.NewAssistantMessage("latest"),
	}
	prefix, suffix = RebalanceSuffixToolPairs(prefix, suffix)

	if len(suffix) != 1 || suffix[0].Text() != "latest" {
		t.Fatalf("suffix = %+v, want only [assistant latest]", suffix)
	}
	if len(prefix) != 4 {
		t.Fatalf("prefix = %+v, want original 2 calls plus 2 moved outputs", prefix)
	}
}

func TestInlineCompactProducesInitialContextPlusBridge(t *testing.T) {
	snapshot := []item.ResponseItem{
		{Kind: item.KindMessage, Role: item.RoleUser, ContentKind: item.ContentUserInstructions, Content: []item.ContentPart{{OutputText: "be helpful"}}},
		item.NewUserMessage("please fix the bug"),
		item.NewAssistantMessage("fixed"),
	}
	summarizer := &fakeSummarizer{response: "Fixed a null pointer bug."}
	result, err := InlineCompact(context.Background(), snapshot, 1, summarizer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.NewHistory) != 2 {
		t.Fatalf("len(NewHistory) = %d, want 2 (1 initial + 1 bridge)", len(result.NewHistory))
	}
	if summarizer.calls != 1 {
		t.Fatalf("summarizer.calls = %d, want 1", summarizer.calls)
	}
}

func TestStagedCompactSkipsOnEmptyHistory(t *testing.T) {
	result, err := StagedCompact(context.Background(), nil, 0, &fakeSummarizer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != StagedSkippedEmptyHistory {
		t.Fatalf("outcome = %v, want StagedSkippedEmptyHistory", result.Outcome)
	}
}

func TestStagedCompactSkipsWhenOnlyInitialContextPresent(t *testing.T) {
	snapshot := []item.ResponseItem{item.NewUserMessage("session instructions")}
	result, err := StagedCompact(context.Background(), snapshot, 1, &fakeSummarizer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != StagedSkippedOnlyInitial {
		t.Fatalf("outcome = %v, want StagedSkippedOnlyInitial", result.Outcome)
	}
}

func TestStagedCompactSkipsWhenEntirelyRecent(t *testing.T) {
	// A single working item always falls entirely within the recent suffix.
	snapshot := []item.ResponseItem{
		item.NewUserMessage("session instructions"),
		item.NewUserMessage("one recent turn"),
	}
	result, err := StagedCompact(context.Background(), snapshot, 1, &fakeSummarizer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != StagedSkippedWithinRecent {
		t.Fatalf("outcome = %v, want StagedSkippedWithinRecent", result.Outcome)
	}
}

func TestStagedCompactEndToEndHistoryLength(t *testing.T) {
	initial := []item.ResponseItem{item.NewUserMessage("session instructions")}
	var working []item.ResponseItem
	for i := 0; i < 20; i++ {
		working = append(working, item.NewUserMessage("turn"), item.NewAssistantMessage("reply"))
	}
	snapshot := append(append([]item.ResponseItem{}, initial...), working...)

	summarizer := &fakeSummarizer{response: "segment summary"}
	result, err := StagedCompact(context.Background(), snapshot, len(initial), summarizer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != StagedCompleted {
		t.Fatalf("outcome = %v, want StagedCompleted", result.Outcome)
	}
	wantLen := len(initial) + 1 + len(result.Suffix)
	if len(result.NewHistory) != wantLen {
		t.Fatalf("len(NewHistory) = %d, want %d", len(result.NewHistory), wantLen)
	}
}

func TestStagedCompactSummarizeErrorPropagates(t *testing.T) {
	initial := []item.ResponseItem{item.NewUserMessage("init")}
	var working []item.ResponseItem
	for i := 0; i < 20; i++ {
		working = append(working, item.NewUserMessage("turn"), item.NewAssistantMessage("reply"))
	}
	snapshot := append(append([]item.ResponseItem{}, initial...), working...)
	summarizer := &fakeSummarizer{err: errors.New("provider down")}
	_, err := StagedCompact(context.Background(), snapshot, len(initial), summarizer)
	if err == nil {
		t.Fatalf("expected error")
	}
}
