package storage

import (
	"database/sql"
	"strings"
	"time"
)

// Worker status constants.
const (
	WorkerStatusActive     = "active"
	WorkerStatusInactive   = "inactive"
	WorkerStatusTraining   = "training"
	WorkerStatusDeprecated = "deprecated"
)

// Worker represents a capability-bound AI task executor.
type Worker struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	Status            string    `json:"status"`
	Universal         bool      `json:"universal"`
	Capabilities      []string  `json:"capabilities"`
	AllowedRoles      []string  `json:"allowedRoles"`
	MaxActionsPerHour int       `json:"maxActionsPerHour"`
	MaxActionsPerDay  int       `json:"maxActionsPerDay"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasCapability reports whether the worker advertises the given capability.
func (w *Worker) HasCapability(name string) bool {
	for _, c := range w.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// IsActive reports whether the worker can receive work.
func (w *Worker) IsActive() bool {
	return w.Status == WorkerStatusActive
}

// SaveWorker inserts or replaces a worker record.
func (s *Store) SaveWorker(w *Worker) error {
	if strings.TrimSpace(w.ID) == "" {
		return ErrNotFound
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = WorkerStatusActive
	}

	query := `
		INSERT INTO workers (worker_id, name, category, status, universal, capabilities,
		                     allowed_roles, max_actions_per_hour, max_actions_per_day,
		                     created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			status = excluded.status,
			universal = excluded.universal,
			capabilities = excluded.capabilities,
			allowed_roles = excluded.allowed_roles,
			max_actions_per_hour = excluded.max_actions_per_hour,
			max_actions_per_day = excluded.max_actions_per_day,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		w.ID, w.Name, w.Category, w.Status, boolToInt(w.Universal),
		marshalJSON(w.Capabilities, "[]"), marshalJSON(w.AllowedRoles, "[]"),
		w.MaxActionsPerHour, w.MaxActionsPerDay, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

// GetWorker retrieves a worker by ID. Returns ErrNotFound when absent.
func (s *Store) GetWorker(workerID string) (*Worker, error) {
	query := `
		SELECT worker_id, name, category, status, universal, capabilities, allowed_roles,
		       max_actions_per_hour, max_actions_per_day, created_at, updated_at
		FROM workers WHERE worker_id = ?
	`
	row := s.db.QueryRow(query, workerID)
	return scanWorker(row)
}

// ListActiveWorkers returns active workers of the given category plus, when
// includeUniversal is set, any active worker flagged universal regardless of
// category. Universal workers are ordered first.
func (s *Store) ListActiveWorkers(category string, includeUniversal bool) ([]*Worker, error) {
	query := `
		SELECT worker_id, name, category, status, universal, capabilities, allowed_roles,
		       max_actions_per_hour, max_actions_per_day, created_at, updated_at
		FROM workers
		WHERE status = ? AND (category = ? OR (? AND universal = 1))
		ORDER BY universal DESC, created_at ASC
	`
	rows, err := s.db.Query(query, WorkerStatusActive, category, boolToInt(includeUniversal))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var universal int
	var capabilities, roles string
	err := row.Scan(
		&w.ID, &w.Name, &w.Category, &w.Status, &universal,
		&capabilities, &roles,
		&w.MaxActionsPerHour, &w.MaxActionsPerDay,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Universal = universal != 0
	w.Capabilities = unmarshalStrings(capabilities)
	w.AllowedRoles = unmarshalStrings(roles)
	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
