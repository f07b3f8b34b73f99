// Package history holds the ordered sequence of response items that makes
// up a conversation's live transcript.
package history

import (
	"sync"

	"github.com/xonecas/agentcore/internal/item"
)

// Store is the mutex-guarded, append-only (except via Replace) sequence of
// response items for one conversation.
type Store struct {
	mu    sync.Mutex
	items []item.ResponseItem
}

// New builds a Store, optionally seeded with an initial context prefix
// (session instructions, environment context) preserved across compactions.
func New(initial ...item.ResponseItem) *Store {
	s := &Store{}
	if len(initial) > 0 {
		s.items = append(s.items, cloneAll(initial)...)
	}
	return s
}

// Snapshot returns a stable, point-in-time clone. Concurrent appends after
// Snapshot returns never mutate the returned slice.
func (s *Store) Snapshot() []item.ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.items)
}

// Len returns the current item count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Record appends items, preserving order.
func (s *Store) Record(items ...item.ResponseItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, cloneAll(items)...)
}

// Replace atomically swaps the entire history, as compaction does when it
// installs a new bridge-based history.
func (s *Store) Replace(newItems []item.ResponseItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = cloneAll(newItems)
}

// TurnInputWithHistory concatenates current history with new input items,
// order preserved, returning the prompt payload for the next model call.
func (s *Store) TurnInputWithHistory(newInput []item.ResponseItem) []item.ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]item.ResponseItem, 0, len(s.items)+len(newInput))
	out = append(out, cloneAll(s.items)...)
	out = append(out, cloneAll(newInput)...)
	return out
}

func cloneAll(items []item.ResponseItem) []item.ResponseItem {
	if items == nil {
		return nil
	}
	out := make([]item.ResponseItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
