// Package sessionindex is a SQLite-backed index of conversations, mapping a
// conversation id to the rollout file that holds its actual transcript so a
// shell can list and resume past conversations without parsing every
// rollout file on disk.
package sessionindex

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver
)

const (
	busyMaxRetries    = 10
	busyBackoffStepMs = 50
	busyMaxBackoff    = time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	rollout_path    TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	created         INTEGER NOT NULL,
	updated         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated);
`

// Index is a SQLite-backed directory of {conversation_id, rollout_path,
// title, created, updated} rows, one per known conversation.
type Index struct {
	db *sql.DB
}

// Open creates or opens an index database at dbPath, applying WAL journal
// mode, NORMAL sync and a 5s busy timeout.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session index db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	if idx == nil {
		return nil
	}
	return idx.db.Close()
}

// Record is one row of the index.
type Record struct {
	ConversationID string
	RolloutPath    string
	Title          string
	Created        time.Time
	Updated        time.Time
}

// Create inserts a new conversation pointing at rolloutPath.
func (idx *Index) Create(conversationID, rolloutPath string) error {
	now := time.Now().Unix()
	return idx.withBusyRetry(func() error {
		_, err := idx.db.Exec(
			"INSERT INTO conversations (conversation_id, rollout_path, title, created, updated) VALUES (?, ?, '', ?, ?)",
			conversationID, rolloutPath, now, now,
		)
		return err
	})
}

// Touch bumps a conversation's updated timestamp, called after every turn
// that appends to its rollout file.
func (idx *Index) Touch(conversationID string) error {
	return idx.withBusyRetry(func() error {
		_, err := idx.db.Exec(
			"UPDATE conversations SET updated = ? WHERE conversation_id = ?",
			time.Now().Unix(), conversationID,
		)
		return err
	})
}

// SetTitle updates a conversation's display title.
func (idx *Index) SetTitle(conversationID, title string) error {
	return idx.withBusyRetry(func() error {
		_, err := idx.db.Exec(
			"UPDATE conversations SET title = ?, updated = ? WHERE conversation_id = ?",
			title, time.Now().Unix(), conversationID,
		)
		return err
	})
}

// Get returns one conversation's record by id.
func (idx *Index) Get(conversationID string) (Record, error) {
	var r Record
	var created, updated int64
	err := idx.db.QueryRow(
		"SELECT conversation_id, rollout_path, title, created, updated FROM conversations WHERE conversation_id = ?",
		conversationID,
	).Scan(&r.ConversationID, &r.RolloutPath, &r.Title, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	r.Created = time.Unix(created, 0)
	r.Updated = time.Unix(updated, 0)
	return r, nil
}

// Exists reports whether a conversation id is already indexed.
func (idx *Index) Exists(conversationID string) (bool, error) {
	var count int
	err := idx.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE conversation_id = ?", conversationID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// List returns every conversation, most recently updated first.
func (idx *Index) List() ([]Record, error) {
	rows, err := idx.db.Query("SELECT conversation_id, rollout_path, title, created, updated FROM conversations ORDER BY updated DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created, updated int64
		if err := rows.Scan(&r.ConversationID, &r.RolloutPath, &r.Title, &created, &updated); err != nil {
			continue
		}
		r.Created = time.Unix(created, 0)
		r.Updated = time.Unix(updated, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Latest returns the most recently updated conversation.
func (idx *Index) Latest() (Record, error) {
	var r Record
	var created, updated int64
	err := idx.db.QueryRow(
		"SELECT conversation_id, rollout_path, title, created, updated FROM conversations ORDER BY updated DESC LIMIT 1",
	).Scan(&r.ConversationID, &r.RolloutPath, &r.Title, &created, &updated)
	if err != nil {
		return Record{}, fmt.Errorf("no conversations found: %w", err)
	}
	r.Created = time.Unix(created, 0)
	r.Updated = time.Unix(updated, 0)
	return r, nil
}

// Delete removes a conversation's index row. It does not touch the rollout
// file itself.
func (idx *Index) Delete(conversationID string) error {
	return idx.withBusyRetry(func() error {
		_, err := idx.db.Exec("DELETE FROM conversations WHERE conversation_id = ?", conversationID)
		return err
	})
}

func (idx *Index) withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyMaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == busyMaxRetries {
			log.Warn().Err(err).Msg("session index write failed")
			return err
		}
		backoff := time.Duration((attempt+1)*busyBackoffStepMs) * time.Millisecond
		if backoff > busyMaxBackoff {
			backoff = busyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
