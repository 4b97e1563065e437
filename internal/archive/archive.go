// Package archive keeps a session-scoped, in-memory SQLite copy of every
// message the engine has seen. It exists for fast history re-opens and
// full-text search within the session; nothing survives a restart.
package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"convo/internal/model"
)

// DB wraps the in-memory SQLite connection backing the session archive.
type DB struct {
	*sql.DB
}

// Open creates the in-memory archive database. The connection pool is
// capped at one because each :memory: connection gets its own database.
func Open() (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	return &DB{db}, nil
}

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *model.Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, content, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			state = excluded.state`,
		m.ConversationID, m.ID, m.SenderID, m.Content, string(m.State), m.CreatedAt)
	return err
}

// IngestHistory upserts a batch of messages inside a single transaction.
func (db *DB) IngestHistory(msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, content, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			state = excluded.state`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i := range msgs {
		m := &msgs[i]
		if _, err := stmt.Exec(m.ConversationID, m.ID, m.SenderID, m.Content, string(m.State), m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentMessages returns up to limit messages for a conversation, oldest first.
func (db *DB) RecentMessages(conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, content, state, created_at
		FROM (
			SELECT msg_id, conversation_id, sender_id, content, state, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var state string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &state, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.State = model.MessageState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SearchResult is a message matched by full-text search, with a highlighted snippet.
type SearchResult struct {
	Message model.Message
	Snippet string
}

// Search performs a full-text search over archived message content.
// An empty conversationID searches across all conversations.
func (db *DB) Search(query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.msg_id, m.conversation_id, m.sender_id, m.content, m.state, m.created_at,
		       snippet(messages_fts, '<<', '>>', '...', 0, 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var state string
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.SenderID,
			&r.Message.Content, &state, &r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		r.Message.State = model.MessageState(state)
		results = append(results, r)
	}
	return results, rows.Err()
}
