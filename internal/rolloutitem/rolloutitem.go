// Package rolloutitem defines the three record kinds persisted to the
// append-only rollout log: TurnContext, ResponseItem, and Compacted.
package rolloutitem

import (
	"encoding/json"
	"fmt"

	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/turncontext"
)

// Kind discriminates a rollout record.
type Kind string

const (
	KindTurnContext  Kind = "TurnContext"
	KindResponseItem Kind = "ResponseItem"
	KindCompacted    Kind = "Compacted"
)

// RolloutItem is one line of the JSONL rollout file.
type RolloutItem struct {
	Kind Kind `json:"kind"`

	TurnContext  *turncontext.TurnContext `json:"turn_context,omitempty"`
	ResponseItem *item.ResponseItem       `json:"response_item,omitempty"`
	Message      string                   `json:"message,omitempty"`
}

// NewTurnContext wraps a TurnContext as a rollout record.
func NewTurnContext(tc turncontext.TurnContext) RolloutItem {
	return RolloutItem{Kind: KindTurnContext, TurnContext: &tc}
}

// NewResponseItem wraps a ResponseItem as a rollout record.
func NewResponseItem(it item.ResponseItem) RolloutItem {
	return RolloutItem{Kind: KindResponseItem, ResponseItem: &it}
}

// NewCompacted builds a Compacted marker carrying the summary payload.
func NewCompacted(message string) RolloutItem {
	return RolloutItem{Kind: KindCompacted, Message: message}
}

// MarshalLine renders the record as a single JSON line (no trailing newline).
func (r RolloutItem) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal rollout item: %w", err)
	}
	return b, nil
}

// UnmarshalLine parses a single JSON line into a RolloutItem.
func UnmarshalLine(line []byte) (RolloutItem, error) {
	var r RolloutItem
	if err := json.Unmarshal(line, &r); err != nil {
		return RolloutItem{}, fmt.Errorf("unmarshal rollout item: %w", err)
	}
	return r, nil
}
