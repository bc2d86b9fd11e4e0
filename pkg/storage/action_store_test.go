package storage

import (
	"testing"
	"time"
)

func TestActionLifecycle(t *testing.T) {
	store := newTestStore(t)

	a := &Action{
		ID:         "act-1",
		Principal:  "alice",
		WorkerID:   "w-1",
		Intent:     "create_backlog_item",
		Category:   "creation",
		Confidence: 0.85,
		Input:      "crea una historia para el login",
	}
	if err := store.CreateAction(a); err != nil {
		t.Fatalf("create action: %v", err)
	}

	fetched, err := store.GetAction("act-1")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if fetched == nil || fetched.Status != ActionStatusPending {
		t.Fatalf("expected pending action, got %+v", fetched)
	}

	a.Status = ActionStatusCompleted
	a.RawOutput = "created story SP-1"
	a.PromptTokens = 120
	a.CompletionTokens = 40
	a.Cost = 0.002
	a.LatencyMs = 350
	if err := store.FinalizeAction(a); err != nil {
		t.Fatalf("finalize action: %v", err)
	}

	fetched, _ = store.GetAction("act-1")
	if fetched.Status != ActionStatusCompleted || fetched.FinalizedAt == nil {
		t.Fatalf("expected finalized action, got %+v", fetched)
	}
	if fetched.Cost != 0.002 || fetched.PromptTokens != 120 {
		t.Fatalf("metrics not persisted: %+v", fetched)
	}

	// Finalizing twice fails: the record is immutable once finalized.
	if err := store.FinalizeAction(a); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double finalize, got %v", err)
	}

	// Rollback flag is the one post-finalization mutation allowed.
	if err := store.MarkActionRolledBack("act-1"); err != nil {
		t.Fatalf("mark rolled back: %v", err)
	}
	fetched, _ = store.GetAction("act-1")
	if !fetched.RolledBack {
		t.Fatalf("expected rollback flag set, got %+v", fetched)
	}
}

func TestListActionsByPrincipal(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"act-1", "act-2", "act-3"} {
		a := &Action{ID: id, Principal: "alice", WorkerID: "w-1", Intent: "create_backlog_item"}
		if err := store.CreateAction(a); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.CreateAction(&Action{ID: "act-bob", Principal: "bob", WorkerID: "w-1"}); err != nil {
		t.Fatalf("create bob action: %v", err)
	}

	actions, err := store.ListActionsByPrincipal("alice", 2)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(actions))
	}
	for _, a := range actions {
		if a.Principal != "alice" {
			t.Fatalf("leaked another principal's action: %+v", a)
		}
	}
}

func TestCountActionsSinceWindows(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	mk := func(id string, age time.Duration, cost float64) {
		a := &Action{
			ID:           id,
			Principal:    "alice",
			WorkerID:     "w-1",
			DelegationID: "d-1",
			CreatedAt:    now.Add(-age),
			Cost:         cost,
		}
		if err := store.CreateAction(a); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		a.Status = ActionStatusCompleted
		if err := store.FinalizeAction(a); err != nil {
			t.Fatalf("finalize %s: %v", id, err)
		}
	}
	mk("a-recent", 10*time.Minute, 0.01)
	mk("a-edge", 59*time.Minute, 0.02)
	mk("a-old", 3*time.Hour, 0.04)

	hourly, err := store.CountActionsSince("d-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count hourly: %v", err)
	}
	if hourly != 2 {
		t.Fatalf("expected 2 actions inside sliding hour, got %d", hourly)
	}

	all, err := store.CountActionsSince("d-1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("count daily: %v", err)
	}
	if all != 3 {
		t.Fatalf("expected 3 actions inside day, got %d", all)
	}

	spend, err := store.SumActionCostSince("d-1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("sum cost: %v", err)
	}
	if spend < 0.069 || spend > 0.071 {
		t.Fatalf("expected total spend ~0.07, got %f", spend)
	}

	hourlySpend, err := store.SumActionCostSince("d-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("sum hourly cost: %v", err)
	}
	if hourlySpend < 0.029 || hourlySpend > 0.031 {
		t.Fatalf("expected hourly spend ~0.03, got %f", hourlySpend)
	}
}
