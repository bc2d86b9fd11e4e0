package storage

import (
	"fmt"
	"time"
)

// EventType represents the type of storage event emitted.
type EventType string

// Storage event type constants.
const (
	EventDelegationCreated EventType = "delegation.created"
	EventDelegationUpdated EventType = "delegation.updated"
	EventDelegationExpired EventType = "delegation.expired"

	EventActionCreated   EventType = "action.created"
	EventActionFinalized EventType = "action.finalized"

	EventSessionCreated EventType = "session.created"
	EventSessionUpdated EventType = "session.updated"
	EventSessionExpired EventType = "session.expired"

	EventJobEnqueued  EventType = "job.enqueued"
	EventJobUpdated   EventType = "job.updated"
	EventJobCancelled EventType = "job.cancelled"
)

// Event represents a change inside the storage layer that other subsystems can react to.
type Event struct {
	Type      EventType `json:"type"`
	Principal string    `json:"principal,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer reacts to storage events.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Event)

// HandleStorageEvent implements the Observer interface.
func (f ObserverFunc) HandleStorageEvent(e Event) {
	f(e)
}

// newEvent is a helper to build a storage event.
func newEvent(eventType EventType, principal string, entityID any, data any) Event {
	entity := ""
	if entityID != nil {
		entity = fmt.Sprintf("%v", entityID)
	}
	return Event{
		Type:      eventType,
		Principal: principal,
		EntityID:  entity,
		Data:      data,
		Timestamp: time.Now(),
	}
}
