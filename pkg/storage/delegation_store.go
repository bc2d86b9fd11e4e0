package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Delegation status constants.
const (
	DelegationStatusActive    = "active"
	DelegationStatusSuspended = "suspended"
	DelegationStatusRevoked   = "revoked"
	DelegationStatusExpired   = "expired"
)

// Delegation links one principal to one worker with a scoped, time-boxed,
// quota-limited permission grant.
type Delegation struct {
	ID                string     `json:"id"`
	Principal         string     `json:"principal"`
	WorkerID          string     `json:"workerId"`
	Status            string     `json:"status"`
	Permissions       []string   `json:"permissions"`
	ScopeProducts     []string   `json:"scopeProducts"`
	AllProducts       bool       `json:"allProducts"`
	CanCreate         bool       `json:"canCreate"`
	CanEdit           bool       `json:"canEdit"`
	CanDelete         bool       `json:"canDelete"`
	MaxActionsPerHour int        `json:"maxActionsPerHour"`
	MaxActionsPerDay  int        `json:"maxActionsPerDay"`
	MaxSpendPerDay    float64    `json:"maxSpendPerDay"`
	ValidFrom         time.Time  `json:"validFrom"`
	ValidUntil        *time.Time `json:"validUntil,omitempty"`
	ActionsUsed       int        `json:"actionsUsed"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// HasPermission reports whether the delegated set contains the permission key.
func (d *Delegation) HasPermission(key string) bool {
	for _, p := range d.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// InScope reports whether the product id falls inside the delegation scope.
func (d *Delegation) InScope(productID string) bool {
	if d.AllProducts {
		return true
	}
	for _, id := range d.ScopeProducts {
		if id == productID {
			return true
		}
	}
	return false
}

// DelegationHistoryEntry is one record of the append-only change log.
type DelegationHistoryEntry struct {
	ID           int64     `json:"id"`
	DelegationID string    `json:"delegationId"`
	Event        string    `json:"event"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason"`
	PriorStatus  string    `json:"priorStatus"`
	Snapshot     string    `json:"snapshot"`
	CreatedAt    time.Time `json:"createdAt"`
}

const delegationColumns = `
	delegation_id, principal, worker_id, status, permissions, scope_products,
	all_products, can_create, can_edit, can_delete,
	max_actions_per_hour, max_actions_per_day, max_spend_per_day,
	valid_from, valid_until, actions_used, created_at, updated_at
`

// CreateDelegation persists a new delegation together with its `created`
// history entry in one transaction. The partial unique index on
// (principal, worker_id) WHERE status='active' makes concurrent creates for
// the same pair settle with exactly one winner: losers see
// ErrDuplicateActiveDelegation, never a lock error.
func (s *Store) CreateDelegation(d *Delegation, entry *DelegationHistoryEntry) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DelegationStatusActive
	}

	// Retry on transient SQLITE_BUSY when concurrent writers race for the
	// write lock
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = s.createDelegationTx(d, entry)
		if err == nil {
			s.notify(newEvent(EventDelegationCreated, d.Principal, d.ID, *d))
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

func (s *Store) createDelegationTx(d *Delegation, entry *DelegationHistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO delegations (` + delegationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var validUntil any
	if d.ValidUntil != nil {
		validUntil = *d.ValidUntil
	}
	_, err = tx.Exec(query,
		d.ID, d.Principal, d.WorkerID, d.Status,
		marshalJSON(d.Permissions, "[]"), marshalJSON(d.ScopeProducts, "[]"),
		boolToInt(d.AllProducts), boolToInt(d.CanCreate), boolToInt(d.CanEdit), boolToInt(d.CanDelete),
		d.MaxActionsPerHour, d.MaxActionsPerDay, d.MaxSpendPerDay,
		d.ValidFrom, validUntil, d.ActionsUsed, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveDelegation
		}
		return err
	}

	if entry != nil {
		if err := insertHistory(tx, d.ID, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetDelegation retrieves a delegation by ID. Returns ErrNotFound when
// absent.
func (s *Store) GetDelegation(delegationID string) (*Delegation, error) {
	row := s.db.QueryRow(`SELECT `+delegationColumns+` FROM delegations WHERE delegation_id = ?`, delegationID)
	return scanDelegation(row)
}

// GetActiveDelegation returns the active delegation for a (principal, worker)
// pair, or ErrNotFound when no active grant exists. The uniqueness index
// guarantees at most one row.
func (s *Store) GetActiveDelegation(principal, workerID string) (*Delegation, error) {
	row := s.db.QueryRow(`
		SELECT `+delegationColumns+` FROM delegations
		WHERE principal = ? AND worker_id = ? AND status = ?
	`, principal, workerID, DelegationStatusActive)
	return scanDelegation(row)
}

// ListDelegationsByPrincipal returns all delegations for a principal,
// optionally filtered by status.
func (s *Store) ListDelegationsByPrincipal(principal, status string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE principal = ?`
	args := []any{principal}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelegationStatus transitions a delegation to a new status and appends
// the history entry atomically.
func (s *Store) UpdateDelegationStatus(delegationID, status string, entry *DelegationHistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE delegations SET status = ?, updated_at = ? WHERE delegation_id = ?`,
		status, time.Now(), delegationID,
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

	if entry != nil {
		if err := insertHistory(tx, delegationID, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(newEvent(EventDelegationUpdated, "", delegationID, map[string]any{"status": status}))
	return nil
}

// UpdateDelegationScope replaces the scope and quota envelope of a delegation
// and appends the history entry atomically.
func (s *Store) UpdateDelegationScope(d *Delegation, entry *DelegationHistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE delegations
		SET permissions = ?, scope_products = ?, all_products = ?,
		    can_create = ?, can_edit = ?, can_delete = ?,
		    max_actions_per_hour = ?, max_actions_per_day = ?, max_spend_per_day = ?,
		    updated_at = ?
		WHERE delegation_id = ?
	`,
		marshalJSON(d.Permissions, "[]"), marshalJSON(d.ScopeProducts, "[]"), boolToInt(d.AllProducts),
		boolToInt(d.CanCreate), boolToInt(d.CanEdit), boolToInt(d.CanDelete),
		d.MaxActionsPerHour, d.MaxActionsPerDay, d.MaxSpendPerDay,
		time.Now(), d.ID,
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

	if entry != nil {
		if err := insertHistory(tx, d.ID, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(newEvent(EventDelegationUpdated, d.Principal, d.ID, map[string]any{"scope": "updated"}))
	return nil
}

// IncrementDelegationUsage bumps the lifetime usage counter.
func (s *Store) IncrementDelegationUsage(delegationID string) error {
	_, err := s.db.Exec(
		`UPDATE delegations SET actions_used = actions_used + 1, updated_at = ? WHERE delegation_id = ?`,
		time.Now(), delegationID,
	)
	return err
}

// ExpireDelegations moves every active delegation past its valid_until to
// expired, appending history entries. Idempotent: already-expired rows are
// not touched. Returns the number of delegations expired.
func (s *Store) ExpireDelegations(now time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT delegation_id, status FROM delegations
		WHERE status = ? AND valid_until IS NOT NULL AND valid_until < ?
	`, DelegationStatusActive, now)
	if err != nil {
		return 0, err
	}

	var ids []string
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(
			`UPDATE delegations SET status = ?, updated_at = ? WHERE delegation_id = ?`,
			DelegationStatusExpired, now, id,
		); err != nil {
			return 0, err
		}
		entry := &DelegationHistoryEntry{
			Event:       "expired",
			Actor:       "system",
			Reason:      "validity window elapsed",
			PriorStatus: DelegationStatusActive,
		}
		if err := insertHistory(tx, id, entry); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		s.notify(newEvent(EventDelegationExpired, "", id, nil))
	}
	return len(ids), nil
}

// GetDelegationHistory returns the append-only change log, oldest first.
func (s *Store) GetDelegationHistory(delegationID string) ([]*DelegationHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, delegation_id, event, actor, reason, prior_status, snapshot, created_at
		FROM delegation_history
		WHERE delegation_id = ?
		ORDER BY id ASC
	`, delegationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DelegationHistoryEntry
	for rows.Next() {
		var e DelegationHistoryEntry
		if err := rows.Scan(&e.ID, &e.DelegationID, &e.Event, &e.Actor, &e.Reason,
			&e.PriorStatus, &e.Snapshot, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertHistory(tx execer, delegationID string, entry *DelegationHistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Snapshot == "" {
		entry.Snapshot = "{}"
	}
	_, err := tx.Exec(`
		INSERT INTO delegation_history (delegation_id, event, actor, reason, prior_status, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, delegationID, entry.Event, entry.Actor, entry.Reason, entry.PriorStatus, entry.Snapshot, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append delegation history: %w", err)
	}
	return nil
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	var d Delegation
	var permissions, scope string
	var allProducts, canCreate, canEdit, canDelete int
	var validUntil sql.NullTime
	err := row.Scan(
		&d.ID, &d.Principal, &d.WorkerID, &d.Status,
		&permissions, &scope,
		&allProducts, &canCreate, &canEdit, &canDelete,
		&d.MaxActionsPerHour, &d.MaxActionsPerDay, &d.MaxSpendPerDay,
		&d.ValidFrom, &validUntil, &d.ActionsUsed, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Permissions = unmarshalStrings(permissions)
	d.ScopeProducts = unmarshalStrings(scope)
	d.AllProducts = allProducts != 0
	d.CanCreate = canCreate != 0
	d.CanEdit = canEdit != 0
	d.CanDelete = canDelete != 0
	if validUntil.Valid {
		d.ValidUntil = &validUntil.Time
	}
	return &d, nil
}
