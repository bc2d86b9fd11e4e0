package storage

import (
	"database/sql"
	"strings"
	"time"
)

// Session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusExpired   = "expired"
	SessionStatusError     = "error"
)

// Session represents a bounded-lifetime conversation between one principal
// and one worker.
type Session struct {
	ID           string     `json:"id"`
	Principal    string     `json:"principal"`
	WorkerID     string     `json:"workerId"`
	Status       string     `json:"status"`
	MessageCount int        `json:"messageCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActive   time.Time  `json:"lastActive"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// SessionMessage is one ordered turn inside a session.
type SessionMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ActionID  string    `json:"actionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateSession creates a new session record.
func (s *Store) CreateSession(session *Session) error {
	status := strings.TrimSpace(strings.ToLower(session.Status))
	if status == "" {
		status = SessionStatusActive
	}
	session.Status = status

	query := `
		INSERT INTO sessions (session_id, principal, worker_id, status, created_at, last_active, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		session.ID, session.Principal, session.WorkerID, status,
		session.CreatedAt, session.LastActive, session.ExpiresAt,
	)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventSessionCreated, session.Principal, session.ID, nil))
	return nil
}

// GetSession retrieves a session by ID. Returns ErrNotFound when absent.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	query := `
		SELECT session_id, principal, worker_id, status, message_count,
		       created_at, last_active, expires_at, completed_at
		FROM sessions WHERE session_id = ?
	`
	var session Session
	var completed sql.NullTime
	err := s.db.QueryRow(query, sessionID).Scan(
		&session.ID, &session.Principal, &session.WorkerID, &session.Status,
		&session.MessageCount, &session.CreatedAt, &session.LastActive,
		&session.ExpiresAt, &completed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		session.CompletedAt = &completed.Time
	}
	return &session, nil
}

// AppendSessionMessage appends one turn and bumps the message counter in a
// single transaction so a retried append never loses the counter update.
func (s *Store) AppendSessionMessage(msg *SessionMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(
		`SELECT message_count FROM sessions WHERE session_id = ?`, msg.SessionID,
	).Scan(&seq); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	msg.Seq = seq + 1

	var actionID any
	if msg.ActionID != "" {
		actionID = msg.ActionID
	}
	if _, err := tx.Exec(`
		INSERT INTO session_messages (session_id, seq, role, content, action_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.SessionID, msg.Seq, msg.Role, msg.Content, actionID, msg.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET message_count = ?, last_active = ? WHERE session_id = ?
	`, msg.Seq, msg.CreatedAt, msg.SessionID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(newEvent(EventSessionUpdated, "", msg.SessionID, map[string]any{
		"messageCount": msg.Seq,
	}))
	return nil
}

// ListSessionMessages returns the ordered turns of a session.
func (s *Store) ListSessionMessages(sessionID string, limit int) ([]*SessionMessage, error) {
	query := `
		SELECT id, session_id, seq, role, content, action_id, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		var actionID sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &actionID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if actionID.Valid {
			m.ActionID = actionID.String
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SetSessionStatus transitions a session and tracks completion timestamps.
func (s *Store) SetSessionStatus(sessionID, status string) error {
	status = strings.TrimSpace(strings.ToLower(status))
	valid := map[string]struct{}{
		SessionStatusActive:    {},
		SessionStatusCompleted: {},
		SessionStatusExpired:   {},
		SessionStatusError:     {},
	}
	if _, ok := valid[status]; !ok {
		return ErrNotFound
	}

	var res sql.Result
	var err error
	if status == SessionStatusActive {
		res, err = s.db.Exec(
			`UPDATE sessions SET status = ?, completed_at = NULL WHERE session_id = ?`,
			status, sessionID,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE sessions SET status = ?, completed_at = ? WHERE session_id = ?`,
			status, time.Now(), sessionID,
		)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.notify(newEvent(EventSessionUpdated, "", sessionID, map[string]any{"status": status}))
	return nil
}

// ExpireSessions moves every active session past its expiry to expired.
// Idempotent. Returns the number of sessions expired.
func (s *Store) ExpireSessions(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, completed_at = ?
		WHERE status = ? AND expires_at < ?
	`, SessionStatusExpired, now, SessionStatusActive, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.notify(newEvent(EventSessionExpired, "", "", map[string]any{"count": affected}))
	}
	return int(affected), nil
}
