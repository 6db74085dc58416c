package operator

import (
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// Alert kinds surfaced to operators
const (
	KindConfigurationError    = "configuration.error"
	KindNotificationExhausted = "notification.exhausted"
	KindAssignmentStalled     = "assignment.stalled"
)

// Alert is a queue entry that needs human operator attention. Alerts are
// raised when automation cannot proceed: a missing protocol config, a
// critical notification that exhausted its retries, a task with no nurse
// to take it.
type Alert struct {
	ID           types.ID       `json:"id"`
	Kind         string         `json:"kind"`
	EpisodeID    *types.ID      `json:"episode_id,omitempty"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	CreatedAt    time.Time      `json:"created_at"`
}
