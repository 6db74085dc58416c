package scheduler

import (
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// Timer kinds. The kind selects the handler that runs when the timer fires;
// the entity ID tells the handler which row to re-check.
const (
	KindAttemptDue  = "outreach.attempt_due"
	KindSLAWarning  = "escalation.sla_warning"
	KindSLABreach   = "escalation.sla_breach"
	KindAssignRetry = "escalation.assign_retry"
)

// Timer is a persisted wake-up. Timers survive process restarts; on boot the
// polling loop picks up anything already due. Handlers must be idempotent
// because a crash between handler completion and MarkFired replays the timer.
type Timer struct {
	ID        types.ID   `json:"id"`
	Kind      string     `json:"kind"`
	EntityID  types.ID   `json:"entity_id"`
	FireAt    time.Time  `json:"fire_at"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewTimer creates an unfired timer
func NewTimer(kind string, entityID types.ID, fireAt time.Time) *Timer {
	return &Timer{
		ID:       types.NewID(),
		Kind:     kind,
		EntityID: entityID,
		FireAt:   fireAt.UTC(),
	}
}
