// Package session manages bounded multi-turn conversation threads between
// a principal and a worker. Sessions expire after a TTL; every turn append
// is atomic in the store so retries never lose or duplicate a message.
package session

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	sperr "github.com/sprintloop/sprintloop/pkg/errors"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/storage"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Store is the persistence surface the manager depends on.
type Store interface {
	CreateSession(session *storage.Session) error
	GetSession(sessionID string) (*storage.Session, error)
	AppendSessionMessage(msg *storage.SessionMessage) error
	ListSessionMessages(sessionID string, limit int) ([]*storage.SessionMessage, error)
	SetSessionStatus(sessionID, status string) error
	ExpireSessions(now time.Time) (int, error)
}

// Manager creates and validates sessions.
type Manager struct {
	store  Store
	logger *logging.Logger
	ttl    time.Duration

	now func() time.Time
}

// NewManager creates a session manager. A non-positive ttl defaults to 24h.
func NewManager(store Store, logger *logging.Logger, ttl time.Duration) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: store, logger: logger, ttl: ttl, now: time.Now}
}

// Start opens a new session between a principal and a worker.
func (m *Manager) Start(principal, workerID string) (*storage.Session, error) {
	if principal == "" || workerID == "" {
		return nil, sperr.New(sperr.ErrCodeInvalidInput, "principal and worker are required")
	}

	now := m.now()
	s := &storage.Session{
		ID:         ulid.Make().String(),
		Principal:  principal,
		WorkerID:   workerID,
		Status:     storage.SessionStatusActive,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.store.CreateSession(s); err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "create session")
	}

	m.logger.Info(logging.CategorySession, "session_started", "session started", map[string]any{
		"session_id": s.ID,
		"principal":  principal,
		"worker_id":  workerID,
	})
	return s, nil
}

// Resolve loads a session and validates that the principal owns it and
// that it is still usable. Expired-but-unswept sessions are rejected the
// same as swept ones.
func (m *Manager) Resolve(sessionID, principal string) (*storage.Session, error) {
	s, err := m.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, sperr.New(sperr.ErrCodeSessionNotFound, "session does not exist").
				WithContext("session_id", sessionID)
		}
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load session")
	}
	if s.Principal != principal {
		return nil, sperr.New(sperr.ErrCodeSessionOwner, "session belongs to another principal").
			WithContext("session_id", sessionID)
	}
	if s.Status != storage.SessionStatusActive || !m.now().Before(s.ExpiresAt) {
		return nil, sperr.New(sperr.ErrCodeSessionExpired, "session is no longer active").
			WithContext("session_id", sessionID).
			WithContext("status", s.Status).
			WithRemediation("start a new session")
	}
	return s, nil
}

// AppendTurn records one message on an owned, active session. The store
// applies message insert and counter bump in a single transaction.
func (m *Manager) AppendTurn(sessionID, principal, role, content, actionID string) error {
	if _, err := m.Resolve(sessionID, principal); err != nil {
		return err
	}
	err := m.store.AppendSessionMessage(&storage.SessionMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		ActionID:  actionID,
	})
	if err != nil {
		return sperr.Wrap(err, sperr.ErrCodeStorageWrite, "append session message")
	}
	return nil
}

// History returns the ordered turns of an owned session. Unlike Resolve,
// completed and expired sessions stay readable by their owner.
func (m *Manager) History(sessionID, principal string, limit int) ([]*storage.SessionMessage, error) {
	s, err := m.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, sperr.New(sperr.ErrCodeSessionNotFound, "session does not exist")
		}
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load session")
	}
	if s.Principal != principal {
		return nil, sperr.New(sperr.ErrCodeSessionOwner, "session belongs to another principal")
	}
	messages, err := m.store.ListSessionMessages(sessionID, limit)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "list session messages")
	}
	return messages, nil
}

// Complete marks an owned session finished.
func (m *Manager) Complete(sessionID, principal string) error {
	if _, err := m.Resolve(sessionID, principal); err != nil {
		return err
	}
	if err := m.store.SetSessionStatus(sessionID, storage.SessionStatusCompleted); err != nil {
		return sperr.Wrap(err, sperr.ErrCodeStorageWrite, "complete session")
	}
	return nil
}

// ExpireSessions sweeps sessions past their TTL. Idempotent; meant to run
// on a schedule.
func (m *Manager) ExpireSessions() (int, error) {
	count, err := m.store.ExpireSessions(m.now())
	if err != nil {
		return 0, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "expire sessions")
	}
	if count > 0 {
		m.logger.Info(logging.CategorySession, "sessions_expired", "expired stale sessions", map[string]any{
			"count": count,
		})
	}
	return count, nil
}
