// Package queue runs deferred orchestrations from a durable priority
// queue. Jobs survive process restarts, retry with exponential backoff up
// to an attempt ceiling, and publish progress events on the message bus.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sprintloop/sprintloop/pkg/bus"
	"github.com/sprintloop/sprintloop/pkg/config"
	sperr "github.com/sprintloop/sprintloop/pkg/errors"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/orchestrator"
	"github.com/sprintloop/sprintloop/pkg/storage"
)

// Priority tiers. Smaller values dequeue sooner.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// Store is the persistence surface the queue depends on.
type Store interface {
	EnqueueJob(job *storage.QueueJob) error
	ClaimNextJob(now time.Time) (*storage.QueueJob, error)
	CompleteJob(jobID, result string) error
	FailJob(jobID, failure string, retryAt time.Time) error
	GetJob(jobID string) (*storage.QueueJob, error)
	DeleteJob(jobID string) error
	JobStats() (map[string]int, error)
	PruneTerminalJobs(retain int) (int, error)
}

// Runner executes one orchestration. Satisfied by the orchestrator.
type Runner interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// jobContext is the serialized request envelope stored alongside the input.
type jobContext struct {
	ProductID string   `json:"product_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// progressEvent is published on the bus at coarse checkpoints.
type progressEvent struct {
	JobID     string `json:"job_id"`
	Principal string `json:"principal"`
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt,omitempty"`
	Status    string `json:"status,omitempty"`
	Failure   string `json:"failure,omitempty"`
}

// Queue is the durable async front of the orchestrator.
type Queue struct {
	store  Store
	runner Runner
	bus    bus.MessageBus
	logger *logging.Logger
	cfg    config.QueueConfig

	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.Mutex

	now func() time.Time
}

// New creates a queue. The bus is optional; without one, progress events
// are only logged.
func New(store Store, runner Runner, b bus.MessageBus, logger *logging.Logger, cfg config.QueueConfig) *Queue {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Workers < 1 {
		cfg.Workers = config.DefaultQueueWorkers
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = config.DefaultQueueAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = config.DefaultQueueBackoff
	}
	if cfg.Retention < 1 {
		cfg.Retention = config.DefaultQueueRetention
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultQueuePoll
	}
	return &Queue{
		store:  store,
		runner: runner,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Enqueue persists a deferred orchestration. The job id embeds the
// principal and enqueue time so operators can eyeball ownership.
func (q *Queue) Enqueue(principal, input, productID string, roles []string, priority int) (*storage.QueueJob, error) {
	if principal == "" || input == "" {
		return nil, sperr.New(sperr.ErrCodeInvalidInput, "principal and input are required")
	}
	if priority <= 0 {
		priority = PriorityNormal
	}

	envelope, err := json.Marshal(jobContext{ProductID: productID, Roles: roles})
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeInternal, "marshal job context")
	}

	job := &storage.QueueJob{
		ID:          fmt.Sprintf("%s-%s", principal, ulid.Make().String()),
		Principal:   principal,
		Input:       input,
		Context:     string(envelope),
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "enqueue job")
	}

	q.publish(progressEvent{JobID: job.ID, Principal: principal, Stage: "enqueued"})
	q.logger.Info(logging.CategoryQueue, "job_enqueued", "job enqueued", map[string]any{
		"job_id":   job.ID,
		"priority": priority,
	})
	return job, nil
}

// Start launches the worker loop with bounded concurrency. Call Stop to
// drain.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	q.cancel = cancel
	q.group = group

	for i := 0; i < q.cfg.Workers; i++ {
		group.Go(func() error {
			q.workerLoop(runCtx)
			return nil
		})
	}
}

// Stop cancels the worker loop and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, group := q.cancel, q.group
	q.cancel, q.group = nil, nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			job, err := q.store.ClaimNextJob(q.now())
			if err != nil {
				q.logger.Error(logging.CategoryQueue, "claim_failed", "could not claim job", map[string]any{
					"error": err.Error(),
				})
				break
			}
			if job == nil {
				break
			}
			q.runJob(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// runJob executes one claimed job and applies the retry policy on failure.
func (q *Queue) runJob(ctx context.Context, job *storage.QueueJob) {
	q.publish(progressEvent{JobID: job.ID, Principal: job.Principal, Stage: "started", Attempt: job.Attempts})

	var envelope jobContext
	if err := json.Unmarshal([]byte(job.Context), &envelope); err != nil {
		q.fail(job, fmt.Sprintf("bad job context: %v", err))
		return
	}

	result, err := q.runner.Execute(ctx, orchestrator.Request{
		Principal: job.Principal,
		Text:      job.Input,
		ProductID: envelope.ProductID,
		Roles:     envelope.Roles,
		SessionID: envelope.SessionID,
	})
	if err != nil {
		q.fail(job, err.Error())
		return
	}
	// An error-status result is a failed attempt too: the pipeline ran but
	// the worker did not produce a usable answer, so the retry policy applies.
	if result.Status == orchestrator.StatusError {
		q.fail(job, fmt.Sprintf("execution failed: %s", result.Message))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		q.fail(job, fmt.Sprintf("marshal result: %v", err))
		return
	}
	if err := q.store.CompleteJob(job.ID, string(payload)); err != nil {
		q.logger.Error(logging.CategoryQueue, "complete_failed", "could not persist job result", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}

	q.publish(progressEvent{JobID: job.ID, Principal: job.Principal, Stage: "finished", Status: string(result.Status)})

	if _, err := q.store.PruneTerminalJobs(q.cfg.Retention); err != nil {
		q.logger.Warn(logging.CategoryQueue, "prune_failed", "terminal job prune failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// fail applies the retry policy: exponential backoff doubling from the
// base, permanent failure once attempts reach the ceiling.
func (q *Queue) fail(job *storage.QueueJob, reason string) {
	var retryAt time.Time
	if job.Attempts < job.MaxAttempts {
		backoff := q.cfg.BaseBackoff
		for i := 1; i < job.Attempts; i++ {
			backoff *= 2
		}
		retryAt = q.now().Add(backoff)
	}

	if err := q.store.FailJob(job.ID, reason, retryAt); err != nil {
		q.logger.Error(logging.CategoryQueue, "fail_failed", "could not persist job failure", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}

	stage := "retry_scheduled"
	if retryAt.IsZero() {
		stage = "failed"
	}
	q.publish(progressEvent{JobID: job.ID, Principal: job.Principal, Stage: stage, Attempt: job.Attempts, Failure: reason})
	q.logger.Warn(logging.CategoryQueue, "job_"+stage, "job attempt failed", map[string]any{
		"job_id":  job.ID,
		"attempt": job.Attempts,
		"reason":  reason,
	})
}

// Status returns the lifecycle state of a job.
func (q *Queue) Status(jobID string) (*storage.QueueJob, error) {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load job")
	}
	if job == nil {
		return nil, sperr.New(sperr.ErrCodeJobNotFound, "job does not exist").
			WithContext("job_id", jobID)
	}
	return job, nil
}

// Cancel removes a not-yet-terminal job. Only the owning principal may
// cancel, and a job already mid-execution cannot be aborted.
func (q *Queue) Cancel(jobID, principal string) error {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		return sperr.Wrap(err, sperr.ErrCodeStorageRead, "load job")
	}
	if job == nil {
		return sperr.New(sperr.ErrCodeJobNotFound, "job does not exist").
			WithContext("job_id", jobID)
	}
	if job.Principal != principal {
		return sperr.New(sperr.ErrCodeJobOwner, "job belongs to another principal").
			WithContext("job_id", jobID)
	}
	if job.Terminal() || job.Status == storage.JobStatusActive {
		return sperr.New(sperr.ErrCodeJobNotCancellable,
			fmt.Sprintf("job in state %s cannot be cancelled", job.Status)).
			WithContext("job_id", jobID)
	}

	if err := q.store.DeleteJob(jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sperr.New(sperr.ErrCodeJobNotCancellable, "job became uncancellable").
				WithContext("job_id", jobID)
		}
		return sperr.Wrap(err, sperr.ErrCodeStorageWrite, "delete job")
	}

	q.publish(progressEvent{JobID: jobID, Principal: principal, Stage: "cancelled"})
	return nil
}

// Stats counts jobs per lifecycle state.
func (q *Queue) Stats() (map[string]int, error) {
	stats, err := q.store.JobStats()
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "job stats")
	}
	return stats, nil
}

func (q *Queue) publish(event progressEvent) {
	if q.bus == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.bus.Publish(ctx, bus.SubjectQueueEvents, data); err != nil {
		q.logger.Debug(logging.CategoryQueue, "publish_failed", "progress event not published", map[string]any{
			"job_id": event.JobID,
			"error":  err.Error(),
		})
	}
}
