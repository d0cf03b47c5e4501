package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateAgent is returned by CreateSession when the agent id is already
// registered.
var ErrDuplicateAgent = errors.New("store: agent already registered")

// AgentSession binds an agent identity to its inference capabilities: the
// completion endpoint its replies are generated by, the embedding endpoint
// used when building its context, and the persona reference resolved to a
// system prompt at dispatch time. Watermarks live in their own table, scoped
// per conversation (message ids are only meaningful within one conversation).
type AgentSession struct {
	AgentID            string
	CompletionEndpoint string
	CompletionModel    string
	EmbeddingEndpoint  string
	EmbeddingModel     string
	Persona            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateSession registers a new agent session.
func (s *Store) CreateSession(ctx context.Context, sess *AgentSession) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions
			(agent_id, completion_endpoint, completion_model, embedding_endpoint, embedding_model, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.AgentID, sess.CompletionEndpoint, sess.CompletionModel,
		sess.EmbeddingEndpoint, sess.EmbeddingModel, sess.Persona,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, sess.AgentID)
		}
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession retrieves an agent session by id.
func (s *Store) GetSession(ctx context.Context, agentID string) (*AgentSession, error) {
	sess := &AgentSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, completion_endpoint, completion_model, embedding_endpoint, embedding_model, persona, created_at, updated_at
		FROM agent_sessions
		WHERE agent_id = ?`,
		agentID,
	).Scan(
		&sess.AgentID, &sess.CompletionEndpoint, &sess.CompletionModel,
		&sess.EmbeddingEndpoint, &sess.EmbeddingModel, &sess.Persona,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all registered agent sessions.
func (s *Store) ListSessions(ctx context.Context) ([]*AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, completion_endpoint, completion_model, embedding_endpoint, embedding_model, persona, created_at, updated_at
		FROM agent_sessions
		ORDER BY agent_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*AgentSession
	for rows.Next() {
		sess := &AgentSession{}
		if err := rows.Scan(
			&sess.AgentID, &sess.CompletionEndpoint, &sess.CompletionModel,
			&sess.EmbeddingEndpoint, &sess.EmbeddingModel, &sess.Persona,
			&sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes an agent session and its watermarks.
func (s *Store) DeleteSession(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

// AgentCount returns the number of registered agent sessions.
func (s *Store) AgentCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: agent count: %w", err)
	}
	return n, nil
}

// Watermark returns the highest message seq the agent has processed in the
// conversation, or 0 when it has processed none.
func (s *Store) Watermark(ctx context.Context, agentID, conversationID string) (int64, error) {
	var w int64
	err := s.db.QueryRowContext(ctx, `
		SELECT watermark FROM agent_watermarks
		WHERE agent_id = ? AND conversation_id = ?`,
		agentID, conversationID,
	).Scan(&w)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: watermark: %w", err)
	}
	return w, nil
}

// AdvanceWatermark raises the agent's watermark for the conversation to seq.
// The watermark only moves forward: an attempt to set a smaller value is a
// silent no-op, so concurrent or replayed advances cannot regress it.
func (s *Store) AdvanceWatermark(ctx context.Context, agentID, conversationID string, seq int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_watermarks (agent_id, conversation_id, watermark, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, conversation_id) DO UPDATE
			SET watermark = excluded.watermark, updated_at = excluded.updated_at
			WHERE excluded.watermark > agent_watermarks.watermark`,
		agentID, conversationID, seq, now,
	)
	if err != nil {
		return fmt.Errorf("store: advance watermark: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
// modernc.org/sqlite surfaces these as plain errors carrying the constraint
// message, so string matching is the only available check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
