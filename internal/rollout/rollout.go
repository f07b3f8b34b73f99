// Package rollout implements the append-only JSON-Lines persistence log and
// the replay rule that reconstructs live history from it.
package rollout

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcore/internal/compaction"
	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/rolloutitem"
	"github.com/xonecas/agentcore/internal/turncontext"
)

// Writer is a single-writer, order-preserving JSONL appender for one
// session's rollout file.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// Create opens a new rollout file for writing, truncating any existing
// content at path.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create rollout file %s: %w", path, err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// OpenAppend opens an existing rollout file for further appends (used when
// resuming a session whose rollout file already contains records).
func OpenAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open rollout file %s: %w", path, err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// Path returns the underlying file path.
func (w *Writer) Path() string {
	return w.path
}

// WriteTurnContext persists a TurnContext record.
func (w *Writer) WriteTurnContext(tc turncontext.TurnContext) error {
	return w.writeRecord(rolloutitem.NewTurnContext(tc))
}

// WriteResponseItem persists a single ResponseItem record.
func (w *Writer) WriteResponseItem(it item.ResponseItem) error {
	return w.writeRecord(rolloutitem.NewResponseItem(it))
}

// WriteResponseItems persists each item as its own record, in order.
func (w *Writer) WriteResponseItems(items []item.ResponseItem) error {
	for _, it := range items {
		if err := w.WriteResponseItem(it); err != nil {
			return err
		}
	}
	return nil
}

// WriteCompacted persists a Compacted marker carrying the summary payload.
// This record must succeed or the caller must roll back the history rewrite
// it accompanies (per spec §7).
func (w *Writer) WriteCompacted(summaryPayload string) error {
	return w.writeRecord(rolloutitem.NewCompacted(summaryPayload))
}

func (w *Writer) writeRecord(r rolloutitem.RolloutItem) error {
	line, err := r.MarshalLine()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write rollout record: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write rollout record: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("rollout flush failed")
		return fmt.Errorf("flush rollout file: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush rollout file on close: %w", err)
	}
	return w.f.Close()
}

// ReadAll reads every record from a rollout file in order.
func ReadAll(path string) ([]rolloutitem.RolloutItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rollout file %s: %w", path, err)
	}
	var out []rolloutitem.RolloutItem
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := rolloutitem.UnmarshalLine(line)
		if err != nil {
			return nil, fmt.Errorf("parse rollout record in %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReconstructHistoryFromRollout replays rollout records in order, starting
// from an empty history and folding on every ResponseItem, and collapsing
// all prior non-initial response items into a single bridge user message
// whenever a Compacted marker is encountered — the identical algorithm used
// by live compaction (§4.4).
//
// initialContextLen is the number of leading ResponseItem records that make
// up the session's initial context (preserved verbatim across every
// compaction boundary).
func ReconstructHistoryFromRollout(records []rolloutitem.RolloutItem, initialContextLen int) []item.ResponseItem {
	var history []item.ResponseItem
	seenInitial := 0

	for _, rec := range records {
		switch rec.Kind {
		case rolloutitem.KindResponseItem:
			if rec.ResponseItem == nil {
				continue
			}
			history = append(history, *rec.ResponseItem)
			if seenInitial < initialContextLen {
				seenInitial++
			}
		case rolloutitem.KindCompacted:
			initialContext := history
			if len(initialContext) > initialContextLen {
				initialContext = history[:initialContextLen]
			}
			userMsgs := compaction.CollectUserMessages(history[min(initialContextLen, len(history)):])
			history = compaction.BuildCompactedHistory(initialContext, userMsgs, rec.Message)
		case rolloutitem.KindTurnContext:
			// Turn context records describe the context under which
			// subsequent response items were produced; they do not
			// themselves contribute to history.
		}
	}
	return history
}
