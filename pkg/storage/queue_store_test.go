package storage

import (
	"testing"
	"time"
)

func testJob(id, principal string, priority int) *QueueJob {
	return &QueueJob{
		ID:          id,
		Principal:   principal,
		Input:       "analiza el sprint actual",
		Priority:    priority,
		MaxAttempts: 3,
	}
}

func TestClaimHonorsPriority(t *testing.T) {
	store := newTestStore(t)

	if err := store.EnqueueJob(testJob("job-low", "alice", 10)); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := store.EnqueueJob(testJob("job-high", "alice", 1)); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	claimed, err := store.ClaimNextJob(time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "job-high" {
		t.Fatalf("expected high priority job first, got %+v", claimed)
	}
	if claimed.Status != JobStatusActive || claimed.Attempts != 1 {
		t.Fatalf("expected active job with one attempt, got %+v", claimed)
	}

	next, err := store.ClaimNextJob(time.Now())
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if next == nil || next.ID != "job-low" {
		t.Fatalf("expected low priority job second, got %+v", next)
	}

	// Queue drained.
	empty, err := store.ClaimNextJob(time.Now())
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected empty queue, got %+v", empty)
	}
}

func TestDelayedJobBecomesRunnable(t *testing.T) {
	store := newTestStore(t)

	if err := store.EnqueueJob(testJob("job-1", "alice", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := store.ClaimNextJob(time.Now())
	if claimed == nil {
		t.Fatal("expected claim")
	}

	retryAt := time.Now().Add(5 * time.Second)
	if err := store.FailJob("job-1", "provider timeout", retryAt); err != nil {
		t.Fatalf("fail with retry: %v", err)
	}

	// Not yet runnable.
	if job, _ := store.ClaimNextJob(time.Now()); job != nil {
		t.Fatalf("expected delayed job not claimable, got %+v", job)
	}

	// Runnable once the backoff elapses.
	job, err := store.ClaimNextJob(time.Now().Add(6 * time.Second))
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if job == nil || job.ID != "job-1" || job.Attempts != 2 {
		t.Fatalf("expected retried job with 2 attempts, got %+v", job)
	}
}

func TestPermanentFailureAndStats(t *testing.T) {
	store := newTestStore(t)

	if err := store.EnqueueJob(testJob("job-1", "alice", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextJob(time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailJob("job-1", "attempt ceiling reached", time.Time{}); err != nil {
		t.Fatalf("fail permanently: %v", err)
	}

	job, _ := store.GetJob("job-1")
	if job.Status != JobStatusFailed || !job.Terminal() || job.FinishedAt == nil {
		t.Fatalf("expected terminal failed job, got %+v", job)
	}
	if job.Failure != "attempt ceiling reached" {
		t.Fatalf("expected failure reason persisted, got %q", job.Failure)
	}

	if err := store.EnqueueJob(testJob("job-2", "bob", 5)); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	stats, err := store.JobStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[JobStatusFailed] != 1 || stats[JobStatusWaiting] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDeleteJobOnlyNonTerminal(t *testing.T) {
	store := newTestStore(t)

	if err := store.EnqueueJob(testJob("job-1", "alice", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.DeleteJob("job-1"); err != nil {
		t.Fatalf("delete waiting job: %v", err)
	}
	if job, _ := store.GetJob("job-1"); job != nil {
		t.Fatalf("expected job removed, got %+v", job)
	}

	// A completed job cannot be deleted.
	if err := store.EnqueueJob(testJob("job-2", "alice", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextJob(time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteJob("job-2", `{"status":"success"}`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.DeleteJob("job-2"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound deleting terminal job, got %v", err)
	}
}

func TestPruneTerminalJobs(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := store.EnqueueJob(testJob(id, "alice", 5)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if _, err := store.ClaimNextJob(time.Now()); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
		if err := store.CompleteJob(id, "{}"); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	pruned, err := store.PruneTerminalJobs(2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned job, got %d", pruned)
	}

	stats, _ := store.JobStats()
	if stats[JobStatusCompleted] != 2 {
		t.Fatalf("expected 2 retained terminal jobs, got %+v", stats)
	}
}
