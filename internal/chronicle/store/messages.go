package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage is returned by Append when the message is missing its
// content or author identity. It is never retried; the gateway maps it to a
// 400 response.
var ErrMalformedMessage = errors.New("store: malformed message")

// ErrLockTimeout is returned by Append when the conversation's serialization
// point could not be acquired within the configured bound. Fatal for that
// request only; the caller may retry the whole operation.
var ErrLockTimeout = errors.New("store: conversation lock timeout")

// ErrNotFound is returned by read operations when the requested conversation
// or agent does not exist.
var ErrNotFound = errors.New("store: not found")

// Indexing status of a message. A message is created 'pending', flipped to
// 'indexed' by the indexer once its embedding is stored, or to 'failed' after
// the indexer exhausts its retry budget. Failed messages remain fully usable
// through recency reads; they are only absent from similarity retrieval.
const (
	IndexPending = "pending"
	IndexIndexed = "indexed"
	IndexFailed  = "failed"
)

// Author roles recognised at the boundary.
const (
	RoleHuman  = "human"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Message is one entry in a conversation's append-only log. Seq is assigned
// by Append and is strictly increasing within the conversation. A message is
// mutated exactly once after creation, by the indexer (embedding + status);
// completion logic never updates it.
type Message struct {
	ConversationID string
	Seq            int64
	AuthorID       string
	Role           string
	Content        string
	CreatedAt      time.Time
	Embedding      []float32 // nil until indexed
	IndexStatus    string
}

// validRole reports whether role is one of the recognised author roles.
func validRole(role string) bool {
	return role == RoleHuman || role == RoleAgent || role == RoleSystem
}

// Append assigns the next sequence number in the message's conversation and
// inserts it, creating the conversation row on first use. Appends to the same
// conversation are serialized behind a per-conversation lock; appends to
// different conversations proceed independently. Contention never causes a
// rejection — callers queue behind the lock up to the configured timeout.
//
// The conversation's retention policy is applied in the same transaction:
// when the retained message count would exceed the limit, the oldest rows are
// pruned.
func (s *Store) Append(ctx context.Context, msg *Message) (int64, error) {
	return s.append(ctx, msg, nil)
}

// AppendThen appends like Append and additionally invokes then with the
// assigned seq after the transaction commits, while the conversation's append
// lock is still held. Because the lock serializes appends, callbacks for one
// conversation run in seq order — callers use this to fan out side effects
// that must observe the store's total order. then must return promptly and
// must not append to the same conversation.
func (s *Store) AppendThen(ctx context.Context, msg *Message, then func(seq int64)) (int64, error) {
	return s.append(ctx, msg, then)
}

func (s *Store) append(ctx context.Context, msg *Message, then func(seq int64)) (int64, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return 0, fmt.Errorf("%w: empty content", ErrMalformedMessage)
	}
	if strings.TrimSpace(msg.AuthorID) == "" {
		return 0, fmt.Errorf("%w: missing author identity", ErrMalformedMessage)
	}
	if !validRole(msg.Role) {
		return 0, fmt.Errorf("%w: unknown role %q", ErrMalformedMessage, msg.Role)
	}
	if strings.TrimSpace(msg.ConversationID) == "" {
		return 0, fmt.Errorf("%w: missing conversation id", ErrMalformedMessage)
	}

	release, err := s.locks.acquire(ctx, msg.ConversationID, s.lockTimeout)
	if err != nil {
		return 0, err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Create the conversation on first append; no-op afterwards.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, last_seq, retention, created_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ConversationID, s.defaultRetention, now,
	); err != nil {
		return 0, fmt.Errorf("store: ensure conversation: %w", err)
	}

	var seq int64
	var retention int
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations SET last_seq = last_seq + 1
		WHERE id = ?
		RETURNING last_seq, retention`,
		msg.ConversationID,
	).Scan(&seq, &retention)
	if err != nil {
		return 0, fmt.Errorf("store: assign seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, author_id, role, content, created_at, index_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, seq, msg.AuthorID, msg.Role, msg.Content, now, IndexPending,
	); err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}

	if retention > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE conversation_id = ? AND seq <= ?`,
			msg.ConversationID, seq-int64(retention),
		); err != nil {
			return 0, fmt.Errorf("store: apply retention: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit append: %w", err)
	}

	msg.Seq = seq
	msg.CreatedAt = now
	msg.IndexStatus = IndexPending

	if then != nil {
		then(seq)
	}
	return seq, nil
}

// ReadRange returns up to limit messages of the conversation with seq >= fromSeq,
// in ascending seq order. A limit <= 0 means no limit.
func (s *Store) ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]Message, error) {
	q := `
		SELECT conversation_id, seq, author_id, role, content, created_at, index_status
		FROM messages
		WHERE conversation_id = ? AND seq >= ?
		ORDER BY seq ASC`
	args := []any{conversationID, fromSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read range: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ReadRecent returns the last n messages of the conversation by seq order,
// oldest first. Fewer than n messages are returned when the conversation is
// shorter; a conversation that does not exist yields an empty slice.
func (s *Store) ReadRecent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, seq, author_id, role, content, created_at, index_status
		FROM (
			SELECT conversation_id, seq, author_id, role, content, created_at, index_status
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("store: read recent: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// LastSeq returns the highest assigned seq of the conversation, or 0 when the
// conversation does not exist or is empty.
func (s *Store) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM conversations WHERE id = ?`, conversationID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: last seq: %w", err)
	}
	return seq, nil
}

// GetMessage returns a single message by conversation and seq.
func (s *Store) GetMessage(ctx context.Context, conversationID string, seq int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, seq, author_id, role, content, created_at, index_status
		FROM messages
		WHERE conversation_id = ? AND seq = ?`,
		conversationID, seq,
	)

	var m Message
	var createdAt time.Time
	err := row.Scan(&m.ConversationID, &m.Seq, &m.AuthorID, &m.Role, &m.Content, &createdAt, &m.IndexStatus)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: message %s/%d", ErrNotFound, conversationID, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	m.CreatedAt = createdAt
	return &m, nil
}

// SetRetention updates the retention policy (maximum retained messages) of a
// conversation. Zero disables pruning.
func (s *Store) SetRetention(ctx context.Context, conversationID string, retention int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET retention = ? WHERE id = ?`, retention, conversationID)
	if err != nil {
		return fmt.Errorf("store: set retention: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return nil
}

// MessageCount returns the number of retained messages across all conversations.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: message count: %w", err)
	}
	return n, nil
}

// ConversationCount returns the number of known conversations.
func (s *Store) ConversationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: conversation count: %w", err)
	}
	return n, nil
}

// --- Indexer-facing operations -----------------------------------------------

// NextPending returns up to limit messages whose embedding has not been
// attempted yet, oldest first across conversations.
func (s *Store) NextPending(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, seq, author_id, role, content, created_at, index_status
		FROM messages
		WHERE index_status = ?
		ORDER BY created_at ASC, conversation_id ASC, seq ASC
		LIMIT ?`,
		IndexPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: next pending: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// SetEmbedding stores the vector for a pending message and flips its status
// to indexed. Re-processing a message that is no longer pending is a no-op,
// which makes indexing idempotent.
func (s *Store) SetEmbedding(ctx context.Context, conversationID string, seq int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("store: set embedding: empty vector")
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("store: marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE messages
		SET embedding = ?, index_status = ?
		WHERE conversation_id = ? AND seq = ? AND index_status = ?`,
		data, IndexIndexed, conversationID, seq, IndexPending,
	)
	if err != nil {
		return fmt.Errorf("store: set embedding: %w", err)
	}
	return nil
}

// MarkIndexFailed flips a pending message to failed after the indexer has
// exhausted its retry budget. The message stays readable through the recency
// window; it is only excluded from similarity retrieval.
func (s *Store) MarkIndexFailed(ctx context.Context, conversationID string, seq int64, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET index_status = ?, index_attempts = ?
		WHERE conversation_id = ? AND seq = ? AND index_status = ?`,
		IndexFailed, attempts, conversationID, seq, IndexPending,
	)
	if err != nil {
		return fmt.Errorf("store: mark index failed: %w", err)
	}
	return nil
}

// IndexedMessages returns all indexed messages of the conversation with their
// embedding vectors loaded, in ascending seq order. Used by the retrieval
// engine for similarity ranking.
func (s *Store) IndexedMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, seq, author_id, role, content, created_at, index_status, embedding
		FROM messages
		WHERE conversation_id = ? AND index_status = ?
		ORDER BY seq ASC`,
		conversationID, IndexIndexed,
	)
	if err != nil {
		return nil, fmt.Errorf("store: indexed messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt time.Time
		var embedding sql.NullString
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.AuthorID, &m.Role,
			&m.Content, &createdAt, &m.IndexStatus, &embedding); err != nil {
			return nil, fmt.Errorf("store: scan indexed message: %w", err)
		}
		m.CreatedAt = createdAt
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
				return nil, fmt.Errorf("store: unmarshal embedding %s/%d: %w", m.ConversationID, m.Seq, err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate indexed messages: %w", err)
	}
	return msgs, nil
}

// scanMessages reads message rows without the embedding column.
func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt time.Time
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.AuthorID, &m.Role,
			&m.Content, &createdAt, &m.IndexStatus); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.CreatedAt = createdAt
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}
