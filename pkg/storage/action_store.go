package storage

import (
	"database/sql"
	"time"
)

// Action status constants.
const (
	ActionStatusPending   = "pending"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
)

// Action is the audit record of one orchestration attempt. It is created
// pending before the worker runs and finalized exactly once.
type Action struct {
	ID               string     `json:"id"`
	Principal        string     `json:"principal"`
	WorkerID         string     `json:"workerId"`
	DelegationID     string     `json:"delegationId,omitempty"`
	SessionID        string     `json:"sessionId,omitempty"`
	Category         string     `json:"category"`
	Intent           string     `json:"intent"`
	Confidence       float64    `json:"confidence"`
	Input            string     `json:"input"`
	RawOutput        string     `json:"rawOutput,omitempty"`
	ParsedOutput     string     `json:"parsedOutput,omitempty"`
	Status           string     `json:"status"`
	Error            string     `json:"error,omitempty"`
	PromptTokens     int        `json:"promptTokens"`
	CompletionTokens int        `json:"completionTokens"`
	Cost             float64    `json:"cost"`
	LatencyMs        int64      `json:"latencyMs"`
	Approved         bool       `json:"approved"`
	RolledBack       bool       `json:"rolledBack"`
	CreatedAt        time.Time  `json:"createdAt"`
	FinalizedAt      *time.Time `json:"finalizedAt,omitempty"`
}

// CreateAction inserts a pending audit record at pipeline start.
func (s *Store) CreateAction(a *Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = ActionStatusPending
	}

	var delegationID, sessionID any
	if a.DelegationID != "" {
		delegationID = a.DelegationID
	}
	if a.SessionID != "" {
		sessionID = a.SessionID
	}

	query := `
		INSERT INTO actions (action_id, principal, worker_id, delegation_id, session_id,
		                     category, intent, confidence, input, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	// Retry on transient SQLITE_BUSY during concurrent queue processing
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = s.db.Exec(query,
			a.ID, a.Principal, a.WorkerID, delegationID, sessionID,
			a.Category, a.Intent, a.Confidence, a.Input, a.Status, a.CreatedAt,
		)
		if err == nil {
			s.notify(newEvent(EventActionCreated, a.Principal, a.ID, nil))
			return nil
		}
		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		return err
	}
	return err
}

// FinalizeAction records the outcome of a pending action. Finalized actions
// are immutable except for the rollback flag.
func (s *Store) FinalizeAction(a *Action) error {
	now := time.Now()
	a.FinalizedAt = &now

	query := `
		UPDATE actions
		SET raw_output = ?, parsed_output = ?, status = ?, error = ?,
		    prompt_tokens = ?, completion_tokens = ?, cost = ?, latency_ms = ?,
		    finalized_at = ?
		WHERE action_id = ? AND status = ?
	`
	res, err := s.db.Exec(query,
		a.RawOutput, a.ParsedOutput, a.Status, a.Error,
		a.PromptTokens, a.CompletionTokens, a.Cost, a.LatencyMs,
		now, a.ID, ActionStatusPending,
	)
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

	s.notify(newEvent(EventActionFinalized, a.Principal, a.ID, map[string]any{
		"status": a.Status,
		"cost":   a.Cost,
	}))
	return nil
}

// MarkActionRolledBack flips the rollback flag on a finalized action.
func (s *Store) MarkActionRolledBack(actionID string) error {
	res, err := s.db.Exec(
		`UPDATE actions SET rolled_back = 1 WHERE action_id = ? AND status != ?`,
		actionID, ActionStatusPending,
	)
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
	return nil
}

// GetAction retrieves an action by ID. Returns nil when absent.
func (s *Store) GetAction(actionID string) (*Action, error) {
	query := `
		SELECT action_id, principal, worker_id, delegation_id, session_id,
		       category, intent, confidence, input, raw_output, parsed_output,
		       status, error, prompt_tokens, completion_tokens, cost, latency_ms,
		       approved, rolled_back, created_at, finalized_at
		FROM actions WHERE action_id = ?
	`
	var a Action
	var delegationID, sessionID sql.NullString
	var approved, rolledBack int
	var finalized sql.NullTime
	err := s.db.QueryRow(query, actionID).Scan(
		&a.ID, &a.Principal, &a.WorkerID, &delegationID, &sessionID,
		&a.Category, &a.Intent, &a.Confidence, &a.Input, &a.RawOutput, &a.ParsedOutput,
		&a.Status, &a.Error, &a.PromptTokens, &a.CompletionTokens, &a.Cost, &a.LatencyMs,
		&approved, &rolledBack, &a.CreatedAt, &finalized,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if delegationID.Valid {
		a.DelegationID = delegationID.String
	}
	if sessionID.Valid {
		a.SessionID = sessionID.String
	}
	a.Approved = approved != 0
	a.RolledBack = rolledBack != 0
	if finalized.Valid {
		a.FinalizedAt = &finalized.Time
	}
	return &a, nil
}

// CountActionsSince counts non-denied action records for a delegation with
// timestamp at or after `since`. Quota checks read this live at decision
// time; they never consult the cache.
func (s *Store) CountActionsSince(delegationID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM actions
		WHERE delegation_id = ? AND created_at >= ?
	`, delegationID, since).Scan(&count)
	return count, err
}

// SumActionCostSince sums the recorded cost of actions for a delegation with
// timestamp at or after `since`.
func (s *Store) SumActionCostSince(delegationID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost), 0) FROM actions
		WHERE delegation_id = ? AND created_at >= ?
	`, delegationID, since).Scan(&total)
	return total, err
}

// ListActionsByPrincipal returns recent actions for a principal, newest first.
func (s *Store) ListActionsByPrincipal(principal string, limit int) ([]*Action, error) {
	rows, err := s.db.Query(`
		SELECT action_id, status, intent, category, cost, created_at
		FROM actions
		WHERE principal = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, principal, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Status, &a.Intent, &a.Category, &a.Cost, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Principal = principal
		out = append(out, &a)
	}
	return out, rows.Err()
}
