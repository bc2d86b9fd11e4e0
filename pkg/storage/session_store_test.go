package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestSession(id, principal string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Principal:  principal,
		WorkerID:   "w-1",
		Status:     SessionStatusActive,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestSessionMessageAppendIsOrdered(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateSession(newTestSession("s-1", "alice", 24*time.Hour)); err != nil {
		t.Fatalf("create session: %v", err)
	}

	turns := []struct{ role, content string }{
		{"user", "crea una historia para el login"},
		{"assistant", "created story SP-1"},
		{"user", "y otra para el registro"},
	}
	for _, turn := range turns {
		if err := store.AppendSessionMessage(&SessionMessage{
			SessionID: "s-1",
			Role:      turn.role,
			Content:   turn.content,
		}); err != nil {
			t.Fatalf("append %q: %v", turn.content, err)
		}
	}

	session, _ := store.GetSession("s-1")
	if session.MessageCount != 3 {
		t.Fatalf("expected message count 3, got %d", session.MessageCount)
	}

	messages, err := store.ListSessionMessages("s-1", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, m := range messages {
		if m.Seq != i+1 {
			t.Fatalf("expected sequential seq, got %+v", messages)
		}
	}
}

func TestGetSessionMissing(t *testing.T) {
	store := newTestStore(t)

	s, err := store.GetSession("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil session, got %+v", s)
	}
}

func TestAppendToMissingSession(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendSessionMessage(&SessionMessage{SessionID: "ghost", Role: "user", Content: "hola"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireSessionsSweep(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateSession(newTestSession("s-old", "alice", -time.Hour)); err != nil {
		t.Fatalf("create old session: %v", err)
	}
	if err := store.CreateSession(newTestSession("s-live", "alice", time.Hour)); err != nil {
		t.Fatalf("create live session: %v", err)
	}

	count, err := store.ExpireSessions(time.Now())
	if err != nil {
		t.Fatalf("expire sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired session, got %d", count)
	}

	old, _ := store.GetSession("s-old")
	if old.Status != SessionStatusExpired || old.CompletedAt == nil {
		t.Fatalf("expected expired session, got %+v", old)
	}
	live, _ := store.GetSession("s-live")
	if live.Status != SessionStatusActive {
		t.Fatalf("expected live session untouched, got %+v", live)
	}
}

func TestSetSessionStatus(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateSession(newTestSession("s-1", "alice", time.Hour)); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := store.SetSessionStatus("s-1", SessionStatusCompleted); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	session, _ := store.GetSession("s-1")
	if session.Status != SessionStatusCompleted || session.CompletedAt == nil {
		t.Fatalf("expected completed session, got %+v", session)
	}

	if err := store.SetSessionStatus("missing", SessionStatusError); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}
}
