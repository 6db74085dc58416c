package events

import (
	"context"
	"time"

	"github.com/careloop/careloop/internal/shared/types"
	"github.com/google/uuid"
)

// Event names used on the bus. All handlers must be idempotent: delivery is
// at-least-once and the same event may be observed more than once.
const (
	TypePatientDischarged  = "patient.discharged"
	TypePlanCreated        = "outreach.plan.created"
	TypeAttemptScheduled   = "outreach.attempt.scheduled"
	TypeAttemptOutcome     = "outreach.attempt.outcome"
	TypeRiskFlagRaised     = "risk.flag.raised"
	TypeTaskCreated        = "task.created"
	TypeTaskAssigned       = "task.assigned"
	TypeTaskResolved       = "task.resolved"
	TypeRiskUpgraded       = "episode.risk_upgraded"
	TypeNotificationSent   = "notification.sent"
	TypeNotificationFailed = "notification.failed"
	TypeNurseActivated     = "careteam.nurse_activated"
)

// Event represents a domain event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Primary entity the event is about
	EntityID types.ID `json:"entity_id,omitempty"`

	// Event data
	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, entityID types.ID, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		EntityID:  entityID,
		Data:      data,
	}
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription to events matching a pattern
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error

	// Close closes the event bus connection
	Close()

	// Health checks the event bus connection
	Health() error
}

// Ensure implementations satisfy EventBus
var (
	_ EventBus = (*Bus)(nil)
	_ EventBus = (*MemoryBus)(nil)
)
