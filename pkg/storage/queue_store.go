package storage

import (
	"database/sql"
	"time"
)

// Queue job status constants.
const (
	JobStatusWaiting   = "waiting"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusDelayed   = "delayed"
)

// QueueJob wraps one deferred orchestration call. Smaller priority values
// dequeue sooner.
type QueueJob struct {
	ID          string     `json:"id"`
	Principal   string     `json:"principal"`
	Input       string     `json:"input"`
	Context     string     `json:"context"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	RunAt       time.Time  `json:"runAt"`
	Result      string     `json:"result,omitempty"`
	Failure     string     `json:"failure,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job can no longer run.
func (j *QueueJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// EnqueueJob persists a new waiting job.
func (s *Store) EnqueueJob(job *QueueJob) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobStatusWaiting
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.Context == "" {
		job.Context = "{}"
	}

	_, err := s.db.Exec(`
		INSERT INTO queue_jobs (job_id, principal, input, context, priority, status,
		                        attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Principal, job.Input, job.Context, job.Priority, job.Status,
		job.Attempts, job.MaxAttempts, job.RunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventJobEnqueued, job.Principal, job.ID, map[string]any{
		"priority": job.Priority,
	}))
	return nil
}

// ClaimNextJob atomically claims the runnable job with the smallest priority
// value (FIFO within a tier), flipping it to active. Returns nil when
// nothing is runnable. Delayed jobs become runnable once their run_at
// passes.
func (s *Store) ClaimNextJob(now time.Time) (*QueueJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT job_id, principal, input, context, priority, status, attempts,
		       max_attempts, run_at, result, failure, created_at, updated_at, finished_at
		FROM queue_jobs
		WHERE status IN (?, ?) AND run_at <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, JobStatusWaiting, JobStatusDelayed, now)

	job, err := scanQueueJob(row)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	res, err := tx.Exec(`
		UPDATE queue_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE job_id = ? AND status = ?
	`, JobStatusActive, now, job.ID, job.Status)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the claim to a concurrent worker.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = JobStatusActive
	job.Attempts++
	return job, nil
}

// CompleteJob marks an active job completed with its serialized result.
func (s *Store) CompleteJob(jobID, result string) error {
	return s.finishJob(jobID, JobStatusCompleted, result, "", time.Time{})
}

// FailJob records a failed attempt. When attempts remain the job is delayed
// until retryAt; otherwise it stays failed permanently.
func (s *Store) FailJob(jobID, failure string, retryAt time.Time) error {
	if retryAt.IsZero() {
		return s.finishJob(jobID, JobStatusFailed, "", failure, time.Time{})
	}

	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE queue_jobs SET status = ?, failure = ?, run_at = ?, updated_at = ?
		WHERE job_id = ? AND status = ?
	`, JobStatusDelayed, failure, retryAt, now, jobID, JobStatusActive)
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

	s.notify(newEvent(EventJobUpdated, "", jobID, map[string]any{
		"status": JobStatusDelayed,
		"runAt":  retryAt,
	}))
	return nil
}

func (s *Store) finishJob(jobID, status, result, failure string, _ time.Time) error {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE queue_jobs SET status = ?, result = ?, failure = ?, updated_at = ?, finished_at = ?
		WHERE job_id = ? AND status = ?
	`, status, result, failure, now, now, jobID, JobStatusActive)
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

	s.notify(newEvent(EventJobUpdated, "", jobID, map[string]any{"status": status}))
	return nil
}

// GetJob retrieves a job by ID. Returns nil when absent.
func (s *Store) GetJob(jobID string) (*QueueJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, principal, input, context, priority, status, attempts,
		       max_attempts, run_at, result, failure, created_at, updated_at, finished_at
		FROM queue_jobs WHERE job_id = ?
	`, jobID)
	return scanQueueJob(row)
}

// DeleteJob removes a job outright. Cancellation of a waiting job uses this;
// the status guard keeps an already-running or finished job untouched.
func (s *Store) DeleteJob(jobID string) error {
	res, err := s.db.Exec(`
		DELETE FROM queue_jobs WHERE job_id = ? AND status IN (?, ?)
	`, jobID, JobStatusWaiting, JobStatusDelayed)
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

	s.notify(newEvent(EventJobCancelled, "", jobID, nil))
	return nil
}

// JobStats returns the count of jobs per lifecycle state.
func (s *Store) JobStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		JobStatusWaiting:   0,
		JobStatusActive:    0,
		JobStatusCompleted: 0,
		JobStatusFailed:    0,
		JobStatusDelayed:   0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// PruneTerminalJobs keeps only the most recent `retain` terminal jobs,
// deleting the oldest beyond that bound.
func (s *Store) PruneTerminalJobs(retain int) (int, error) {
	if retain < 0 {
		retain = 0
	}
	res, err := s.db.Exec(`
		DELETE FROM queue_jobs
		WHERE status IN (?, ?) AND job_id NOT IN (
			SELECT job_id FROM queue_jobs
			WHERE status IN (?, ?)
			ORDER BY finished_at DESC
			LIMIT ?
		)
	`, JobStatusCompleted, JobStatusFailed, JobStatusCompleted, JobStatusFailed, retain)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func scanQueueJob(row rowScanner) (*QueueJob, error) {
	var j QueueJob
	var finished sql.NullTime
	err := row.Scan(
		&j.ID, &j.Principal, &j.Input, &j.Context, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.Result, &j.Failure,
		&j.CreatedAt, &j.UpdatedAt, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}
