// Package session implements the session façade: the component that
// mediates history, rollout, turn context, subagents, and branch review for
// one conversation, driving model turns through the generic stream driver.
package session

import (
	"context"
	"strings"

	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/provider"
	"github.com/xonecas/agentcore/internal/stream"
)

// defaultStreamRetryAttempts bounds RetryWithBackoff calls where the caller
// has no provider-specific override.
const defaultStreamRetryAttempts = 3

// recorderFunc adapts a plain function to stream.Recorder.
type recorderFunc func(items ...item.ResponseItem)

func (f recorderFunc) Record(items ...item.ResponseItem) { f(items...) }

// providerMessages renders response items as provider chat messages. Only
// Message items carry a role a provider understands; every other kind (and a
// Message with no role) is sent under the user role with its Text(), which is
// empty for non-message kinds.
func providerMessages(items []item.ResponseItem) []provider.Message {
	msgs := make([]provider.Message, 0, len(items))
	for _, it := range items {
		role := string(it.Role)
		if it.Kind != item.KindMessage || role == "" {
			role = "user"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: it.Text()})
	}
	return msgs
}

// openModelStream opens one provider chat call and translates its
// StreamEvents into the generic stream.Event sequence DrainToCompleted
// expects: content and reasoning deltas accumulate into a single assistant
// message, reported as one EventOutputItemDone followed by EventCompleted.
// onDelta, if non-nil, is invoked for every raw provider event before
// translation so a caller can forward live deltas to its own event bus.
func openModelStream(prov provider.Provider, messages []provider.Message, onDelta func(evt provider.StreamEvent)) stream.StreamFunc {
	return func(ctx context.Context) (<-chan stream.Event, error) {
		raw, err := prov.ChatStream(ctx, messages, nil)
		if err != nil {
			return nil, err
		}

		out := make(chan stream.Event, 4)
		go func() {
			defer close(out)

			var content, reasoning strings.Builder
			for evt := range raw {
				if onDelta != nil {
					onDelta(evt)
				}

				switch evt.Type {
				case provider.EventContentDelta:
					content.WriteString(evt.Content)
				case provider.EventReasoningDelta:
					reasoning.WriteString(evt.Content)
				case provider.EventUsage:
					out <- stream.Event{Type: stream.EventTokenCount, InputTokens: evt.InputTokens, OutputTokens: evt.OutputTokens}
				case provider.EventError:
					out <- stream.Event{Type: stream.EventError, Err: evt.Err}
					return
				case provider.EventDone:
					msg := item.NewAssistantMessage(content.String())
					if reasoning.Len() > 0 {
						msg.ReasoningSummary = []string{reasoning.String()}
					}
					out <- stream.Event{Type: stream.EventOutputItemDone, Item: msg}
					out <- stream.Event{Type: stream.EventCompleted}
					return
				}
			}
			// Channel closed without a Done/Error terminal.
			out <- stream.Event{Type: stream.EventStreamClosed}
		}()

		return out, nil
	}
}

// collectText drains one model call and concatenates every recorded item's
// text, for callers (summarizer, review runner) that want a plain string
// result rather than a history mutation.
func collectText(ctx context.Context, prov provider.Provider, messages []provider.Message) (string, error) {
	var out strings.Builder
	open := openModelStream(prov, messages, nil)
	_, err := stream.DrainToCompleted(ctx, open, recorderFunc(func(items ...item.ResponseItem) {
		for _, it := range items {
			out.WriteString(it.Text())
		}
	}))
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// estimateTokens is the same 4-bytes-per-token heuristic the compaction
// package's byte budgets are expressed in (see compaction.MaxUserTextBytes).
func estimateTokens(items []item.ResponseItem) int {
	total := 0
	for _, it := range items {
		total += len(it.Text())
	}
	return total / 4
}

func lastAssistantText(items []item.ResponseItem) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == item.KindMessage && items[i].Role == item.RoleAssistant {
			return items[i].Text()
		}
	}
	return ""
}
