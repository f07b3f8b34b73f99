// Package compaction implements history compaction: inline (single
// summarization turn) and staged (hierarchical, verbatim-suffix-preserving)
// modes that keep a conversation transcript within a model context window.
package compaction

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/xonecas/agentcore/internal/item"
)

const (
	// MaxUserTextBytes bounds the bridge's prior-user-text section: 20,000
	// tokens at roughly 4 bytes/token.
	MaxUserTextBytes = 20_000 * 4

	// StagedRecentFraction is the share of working items kept verbatim.
	StagedRecentFraction = 0.30

	// StagedSegmentItems is the number of prefix items per summarized segment.
	StagedSegmentItems = 12

	// StagedSegmentMaxChars bounds a single segment's rendered transcript
	// before it is handed to the summarizer.
	StagedSegmentMaxChars = 8_000
)

// BridgeSentinel opens every bridge message; CollectUserMessages uses it to
// recognize and skip bridges installed by a previous compaction.
const BridgeSentinel = "You were originally given instructions from a user over one or more turns."

// noSummaryAvailable is substituted when the summarizer produces empty text.
const noSummaryAvailable = "(no summary available)"

// Summarizer drives one model turn whose job is to summarize the given turn
// input (history plus a summarization prompt item) and returns the text of
// the resulting assistant message.
type Summarizer interface {
	Summarize(ctx context.Context, turnInput []item.ResponseItem) (string, error)
}

// SummarizationPromptText is appended to history as a user item to request
// an inline-compaction summary.
const SummarizationPromptText = "Summarize this conversation so it can continue with a much shorter context. Capture goals, decisions, and outstanding work."

// truncateMiddle truncates s to at most maxBytes by removing the middle
// section and inserting a marker naming the number of truncated tokens
// (estimated at 4 bytes/token). s shorter than maxBytes is returned as-is.
func truncateMiddle(s string, maxBytes int) string {
	if len(s) <= maxBytes || maxBytes <= 0 {
		return s
	}
	half := maxBytes / 2
	head := s[:half]
	tail := s[len(s)-half:]
	truncatedBytes := len(s) - 2*half
	truncatedTokens := truncatedBytes / 4
	marker := fmt.Sprintf("\n\n... [%d tokens truncated] ...\n\n", truncatedTokens)
	return head + marker + tail
}

// renderBridge renders the bridge message body from its two fields.
func renderBridge(userMessagesText, summaryText string) string {
	if summaryText == "" {
		summaryText = noSummaryAvailable
	}
	var b strings.Builder
	b.WriteString(BridgeSentinel)
	b.WriteString("\n\nPrior user messages:\n")
	b.WriteString(userMessagesText)
	b.WriteString("\n\nSummary:\n")
	b.WriteString(summaryText)
	return b.String()
}

// isSessionPrefixMessage reports whether a message's content kind marks it
// as part of the initial context rather than an ordinary user turn.
func isSessionPrefixMessage(it item.ResponseItem) bool {
	return it.ContentKind == item.ContentUserInstructions || it.ContentKind == item.ContentEnvironmentContext
}

// CollectUserMessages traverses a history snapshot and returns the textual
// content of every ordinary user-role message, excluding session-prefix
// messages and bridges installed by a previous compaction.
func CollectUserMessages(history []item.ResponseItem) []string {
	var out []string
	for _, it := range history {
		if it.Kind != item.KindMessage || it.Role != item.RoleUser {
			continue
		}
		if isSessionPrefixMessage(it) {
			continue
		}
		text := it.Text()
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, BridgeSentinel) {
			continue
		}
		out = append(out, text)
	}
	return out
}

// BuildCompactedHistory assembles initial_context ++ [bridge] from the
// prior user messages and the model-produced summary.
func BuildCompactedHistory(initialContext []item.ResponseItem, userMessages []string, summaryText string) []item.ResponseItem {
	joined := "(none)"
	if len(userMessages) > 0 {
		joined = strings.Join(userMessages, "\n\n")
	}
	joined = truncateMiddle(joined, MaxUserTextBytes)

	bridgeText := renderBridge(joined, summaryText)
	bridge := item.NewUserMessage(bridgeText)

	out := make([]item.ResponseItem, 0, len(initialContext)+1)
	out = append(out, initialContext...)
	out = append(out, bridge)
	return out
}

// StagedCompactSuffixLen returns ceil(StagedRecentFraction * n), capped at n,
// and 0 for n == 0.
func StagedCompactSuffixLen(n int) int {
	if n == 0 {
		return 0
	}
	l := int(math.Ceil(StagedRecentFraction * float64(n)))
	if l > n {
		l = n
	}
	if l < 1 {
		l = 1
	}
	return l
}

// ResponseItemsToText linearizes a slice of response items into one line
// per item, in the format spec'd for segment summarization prompts. Opaque
// "other" items and empty texts are skipped.
func ResponseItemsToText(items []item.ResponseItem) string {
	var lines []string
	for _, it := range items {
		switch it.Kind {
		case item.KindMessage:
			text := it.Text()
			if text == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s: %s", it.Role, text))
		case item.KindReasoning:
			if len(it.ReasoningSummary) == 0 {
				continue
			}
			lines = append(lines, "assistant.reasoning: "+strings.Join(it.ReasoningSummary, " | "))
		case item.KindFunctionCall:
			lines = append(lines, fmt.Sprintf("assistant.function_call[%s]: %s", it.Name, truncateMiddle(it.Arguments, StagedSegmentMaxChars)))
		case item.KindFunctionCallOutput:
			lines = append(lines, fmt.Sprintf("tool_output[%s]: %s", it.CallID, truncateMiddle(it.Output, StagedSegmentMaxChars)))
		case item.KindCustomToolCall:
			lines = append(lines, fmt.Sprintf("assistant.custom_tool[%s]: %s", it.Name, truncateMiddle(it.Input, StagedSegmentMaxChars)))
		case item.KindCustomToolOutput:
			lines = append(lines, fmt.Sprintf("custom_tool_output[%s]: %s", it.CallID, truncateMiddle(it.Output, StagedSegmentMaxChars)))
		case item.KindLocalShellCall:
			lines = append(lines, fmt.Sprintf("exec[%s]: %s", it.ShellStatus, strings.Join(it.ShellCommand, " ")))
			if it.ShellStatus == item.ShellIncomplete {
				lines = append(lines, "exec result: incomplete")
			}
		case item.KindWebSearchCall:
			if it.WebSearchOther || it.WebSearchQuery == "" {
				lines = append(lines, "web_search: other")
			} else {
				lines = append(lines, "web_search: "+it.WebSearchQuery)
			}
		case item.KindOther:
			continue
		}
	}
	joined := strings.Join(lines, "\n")
	return truncateMiddle(joined, StagedSegmentMaxChars)
}

func buildSegmentPrompt(index, total int, segmentText string) string {
	return fmt.Sprintf("Summarize segment %d/%d of an older conversation window:\n\n%s", index, total, segmentText)
}

func buildConsolidatedPrompt(segmentSummaries []string) string {
	joined := truncateMiddle(strings.Join(segmentSummaries, "\n\n"), StagedSegmentMaxChars)
	return "Consolidate these segment summaries into one coherent high-level summary:\n\n" + joined
}

func assembleStagedSummary(consolidated string, segments []string) string {
	var b strings.Builder
	if consolidated != "" {
		b.WriteString("High-level summary:\n")
		b.WriteString(consolidated)
	}
	b.WriteString("\n\nSegment breakdown:\n")
	for i, s := range segments {
		if s == "" {
			s = "(empty)"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimSpace(b.String())
}

// callPairKind identifies the tool family (function or custom) of a call or
// output, so that call_ids are tracked independently per family.
type callPairKind int

const (
	pairFunction callPairKind = iota
	pairCustomTool
)

// RebalanceSuffixTurnBoundary ensures suffix opens on a user-role message:
// if it does not, the latest user message in prefix (and everything after
// it) is moved to the front of suffix.
func RebalanceSuffixTurnBoundary(prefix, suffix []item.ResponseItem) ([]item.ResponseItem, []item.ResponseItem) {
	if len(suffix) == 0 {
		return prefix, suffix
	}
	if suffix[0].Kind == item.KindMessage && suffix[0].Role == item.RoleUser {
		return prefix, suffix
	}
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i].Kind == item.KindMessage && prefix[i].Role == item.RoleUser {
			moved := append([]item.ResponseItem{}, prefix[i:]...)
			newSuffix := append(moved, suffix...)
			newPrefix := append([]item.ResponseItem{}, prefix[:i]...)
			return newPrefix, newSuffix
		}
	}
	return prefix, suffix
}

// RebalanceSuffixToolPairs scans suffix in order; any function-call-output
// or custom-tool-output whose matching call has not already appeared within
// suffix is moved back to the end of prefix, guaranteeing every tool output
// kept verbatim has its call in the same window.
func RebalanceSuffixToolPairs(prefix, suffix []item.ResponseItem) ([]item.ResponseItem, []item.ResponseItem) {
	seen := map[callPairKind]map[string]bool{
		pairFunction:   {},
		pairCustomTool: {},
	}
	newPrefix := append([]item.ResponseItem{}, prefix...)
	newSuffix := make([]item.ResponseItem, 0, len(suffix))

	for _, it := range suffix {
		switch it.Kind {
		case item.KindFunctionCall:
			seen[pairFunction][it.CallID] = true
			newSuffix = append(newSuffix, it)
		case item.KindCustomToolCall:
			seen[pairCustomTool][it.CallID] = true
			newSuffix = append(newSuffix, it)
		case item.KindFunctionCallOutput:
			if seen[pairFunction][it.CallID] {
				newSuffix = append(newSuffix, it)
			} else {
				newPrefix = append(newPrefix, it)
			}
		case item.KindCustomToolOutput:
			if seen[pairCustomTool][it.CallID] {
				newSuffix = append(newSuffix, it)
			} else {
				newPrefix = append(newPrefix, it)
			}
		default:
			newSuffix = append(newSuffix, it)
		}
	}
	return newPrefix, newSuffix
}

// segmentPrefix splits prefix into contiguous segments of StagedSegmentItems
// items each (the last segment may be short).
func segmentPrefix(prefix []item.ResponseItem) [][]item.ResponseItem {
	if len(prefix) == 0 {
		return nil
	}
	var segs [][]item.ResponseItem
	for i := 0; i < len(prefix); i += StagedSegmentItems {
		end := i + StagedSegmentItems
		if end > len(prefix) {
			end = len(prefix)
		}
		segs = append(segs, prefix[i:end])
	}
	return segs
}

// InlineResult is the outcome of a single inline compaction.
type InlineResult struct {
	SummaryText string
	NewHistory  []item.ResponseItem
}

// InlineCompact performs the single-summarization-turn compaction described
// in spec §4.4: it drives one summarizer turn over the full history plus a
// fixed summarization prompt, then rebuilds history as
// initial_context ++ [bridge].
func InlineCompact(ctx context.Context, snapshot []item.ResponseItem, initialContextLen int, summarizer Summarizer) (InlineResult, error) {
	turnInput := make([]item.ResponseItem, 0, len(snapshot)+1)
	turnInput = append(turnInput, snapshot...)
	turnInput = append(turnInput, item.NewUserMessage(SummarizationPromptText))

	summaryText, err := summarizer.Summarize(ctx, turnInput)
	if err != nil {
		return InlineResult{}, fmt.Errorf("inline compaction summarize: %w", err)
	}

	userMsgs := CollectUserMessages(snapshot)
	if initialContextLen > len(snapshot) {
		initialContextLen = len(snapshot)
	}
	initialContext := snapshot[:initialContextLen]

	newHistory := BuildCompactedHistory(initialContext, userMsgs, summaryText)
	return InlineResult{SummaryText: summaryText, NewHistory: newHistory}, nil
}

// StagedOutcome reports what a staged compaction did.
type StagedOutcome string

const (
	StagedSkippedEmptyHistory   StagedOutcome = "empty_history"
	StagedSkippedOnlyInitial    StagedOutcome = "only_initial_context"
	StagedSkippedWithinRecent   StagedOutcome = "already_within_recent_window"
	StagedCompleted             StagedOutcome = "completed"
)

// StagedResult is the outcome of a staged compaction attempt.
type StagedResult struct {
	Outcome        StagedOutcome
	BackgroundMsg  string
	SummaryPayload string
	Suffix         []item.ResponseItem
	NewHistory     []item.ResponseItem
}

// StagedCompact performs the hierarchical staged compaction described in
// spec §4.4. summarizer.Summarize is called once per prefix segment, and once
// more for consolidation when there is more than one segment.
func StagedCompact(ctx context.Context, snapshot []item.ResponseItem, initialContextLen int, summarizer Summarizer) (StagedResult, error) {
	if len(snapshot) == 0 {
		return StagedResult{
			Outcome:       StagedSkippedEmptyHistory,
			BackgroundMsg: "Staged compact skipped because there is no conversation history.",
		}, nil
	}

	if initialContextLen > len(snapshot) {
		initialContextLen = len(snapshot)
	}
	initialContext := snapshot[:initialContextLen]
	working := snapshot[initialContextLen:]

	if len(working) == 0 {
		return StagedResult{
			Outcome:       StagedSkippedOnlyInitial,
			BackgroundMsg: "Staged compact skipped because only initial context is present.",
		}, nil
	}

	suffixLen := StagedCompactSuffixLen(len(working))
	prefixLen := len(working) - suffixLen
	if prefixLen == 0 {
		return StagedResult{
			Outcome:       StagedSkippedWithinRecent,
			BackgroundMsg: "Staged compact skipped because the history is already within the recent window.",
		}, nil
	}

	prefix := append([]item.ResponseItem{}, working[:prefixLen]...)
	suffix := append([]item.ResponseItem{}, working[prefixLen:]...)

	prefix, suffix = RebalanceSuffixTurnBoundary(prefix, suffix)
	prefix, suffix = RebalanceSuffixToolPairs(prefix, suffix)

	segments := segmentPrefix(prefix)
	segmentSummaries := make([]string, len(segments))
	for i, seg := range segments {
		text := ResponseItemsToText(seg)
		prompt := buildSegmentPrompt(i+1, len(segments), text)
		summary, err := summarizer.Summarize(ctx, []item.ResponseItem{item.NewUserMessage(prompt)})
		if err != nil {
			return StagedResult{}, fmt.Errorf("staged compaction segment %d/%d: %w", i+1, len(segments), err)
		}
		segmentSummaries[i] = summary
	}

	var consolidated string
	if len(segments) == 1 {
		consolidated = segmentSummaries[0]
	} else {
		prompt := buildConsolidatedPrompt(segmentSummaries)
		summary, err := summarizer.Summarize(ctx, []item.ResponseItem{item.NewUserMessage(prompt)})
		if err != nil {
			return StagedResult{}, fmt.Errorf("staged compaction consolidation: %w", err)
		}
		consolidated = summary
	}

	summaryPayload := assembleStagedSummary(consolidated, segmentSummaries)

	userMsgsOfPrefix := CollectUserMessages(prefix)
	bridgeHistory := BuildCompactedHistory(initialContext, userMsgsOfPrefix, summaryPayload)

	newHistory := make([]item.ResponseItem, 0, len(bridgeHistory)+len(suffix))
	newHistory = append(newHistory, bridgeHistory...)
	newHistory = append(newHistory, suffix...)

	return StagedResult{
		Outcome:        StagedCompleted,
		BackgroundMsg:  fmt.Sprintf("Staged compact completed — kept %d recent item(s) verbatim.", len(suffix)),
		SummaryPayload: summaryPayload,
		Suffix:         suffix,
		NewHistory:     newHistory,
	}, nil
}
