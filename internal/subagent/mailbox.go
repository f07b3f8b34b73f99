package subagent

import (
	"fmt"
	"sync"
	"time"
)

// MailItem is a single completed-reply notification delivered to the
// mailbox, readable by the parent without blocking on the subagent.
type MailItem struct {
	MailID         string
	SubagentID     string
	Description    string
	Message        string
	Usage          *Usage
	TurnsCompleted int
	CreatedAt      time.Time
	Read           bool
}

// Mailbox holds completed subagent replies in newest-first order. Reading an
// entry marks it read; entries are never removed.
type Mailbox struct {
	mu     sync.Mutex
	nextID uint64
	order  []string // front = newest
	items  map[string]*MailItem
}

func newMailbox() *Mailbox {
	return &Mailbox{items: make(map[string]*MailItem)}
}

func (m *Mailbox) enqueue(subagentID, description, message string, usage *Usage, turnsCompleted int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	mailID := fmt.Sprintf("mail-%d", m.nextID)

	mi := &MailItem{
		MailID:         mailID,
		SubagentID:     subagentID,
		Description:    description,
		Message:        message,
		Usage:          usage,
		TurnsCompleted: turnsCompleted,
		CreatedAt:      time.Now(),
	}

	m.items[mailID] = mi
	m.order = append([]string{mailID}, m.order...)

	return mailID
}

// ListArgs filters the mailbox listing.
type ListArgs struct {
	SubagentID string
	OnlyUnread bool
	Limit      int
}

// List returns mailbox entries newest-first, applying the given filters. A
// zero Limit defaults to 100.
func (m *Mailbox) List(args ListArgs) []MailItem {
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MailItem, 0, limit)
	for _, id := range m.order {
		mi := m.items[id]
		if mi == nil {
			continue
		}
		if args.SubagentID != "" && mi.SubagentID != args.SubagentID {
			continue
		}
		if args.OnlyUnread && mi.Read {
			continue
		}
		out = append(out, *mi)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Read returns one mail item by id. Unless peek is true, the item is marked
// read as a side effect.
func (m *Mailbox) Read(mailID string, peek bool) (MailItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.items[mailID]
	if !ok {
		return MailItem{}, ErrUnknownMailID
	}
	if !peek {
		mi.Read = true
	}
	return *mi, nil
}
