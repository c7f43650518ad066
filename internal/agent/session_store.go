package agent

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// SessionStore persists one (agent, timestamp) conversation transcript,
// created lazily on the first message (spec §3.3).
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore builds a SessionStore backed by db.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// ensureSession returns the session row id for (agent, ts), creating it if
// this is the first message for the pair.
func (s *SessionStore) ensureSession(agent string, ts domain.Timestamp) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM sessions WHERE agent = ? AND timestamp = ?`, agent, ts.String()).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup session for %s at %s: %w", agent, ts, err)
	}

	res, err := s.db.Exec(`INSERT INTO sessions (agent, timestamp) VALUES (?, ?)`, agent, ts.String())
	if err != nil {
		return 0, fmt.Errorf("create session for %s at %s: %w", agent, ts, err)
	}
	return res.LastInsertId()
}

// AppendMessage records one message, assigning it the next sequence number
// within its session (spec §3.3 "append-only per message").
func (s *SessionStore) AppendMessage(agent string, ts domain.Timestamp, msg domain.Message) error {
	sessionID, err := s.ensureSession(agent, ts)
	if err != nil {
		return err
	}

	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM messages WHERE session_ref = ?`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read max seq for session %d: %w", sessionID, err)
	}
	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (session_ref, seq, role, content, tool_call_id, tool_name, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, string(msg.Role), msg.Content, nullIfEmpty(msg.ToolCallID), nullIfEmpty(msg.ToolName), msg.CreatedAt.Format(domain.DateTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("append message to session %d: %w", sessionID, err)
	}
	return nil
}

// Messages returns every message recorded for (agent, ts), in sequence
// order, or an empty slice if no session has been created yet.
func (s *SessionStore) Messages(agent string, ts domain.Timestamp) ([]domain.Message, error) {
	rows, err := s.db.Query(
		`SELECT m.seq, m.role, m.content, m.tool_call_id, m.tool_name, m.ts
		 FROM messages m JOIN sessions s ON s.id = m.session_ref
		 WHERE s.agent = ? AND s.timestamp = ?
		 ORDER BY m.seq`,
		agent, ts.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s at %s: %w", agent, ts, err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var toolCallID, toolName sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.Seq, &role, &msg.Content, &toolCallID, &toolName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message for %s at %s: %w", agent, ts, err)
		}
		msg.Role = domain.MessageRole(role)
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		parsed, err := time.Parse(domain.DateTimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for %s at %s: %w", agent, ts, err)
		}
		msg.CreatedAt = parsed
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
