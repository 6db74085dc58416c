package escalation

import (
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// Severity classifies a risk signal driving a task's SLA
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityModerate Severity = "MODERATE"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether the severity is a known value
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityModerate, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SLAMinutes is the fixed severity-to-SLA table
func SLAMinutes(s Severity) int {
	switch s {
	case SeverityCritical:
		return 30
	case SeverityHigh:
		return 120
	case SeverityModerate:
		return 240
	default:
		return 480
	}
}

// Priority maps severity to a sortable nurse-queue priority, lowest first
func Priority(s Severity) int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityModerate:
		return 3
	default:
		return 4
	}
}

// FollowUpSLAMinutes is the SLA for follow-up tasks spawned by a
// televisit resolution: seven days.
const FollowUpSLAMinutes = 7 * 24 * 60

// OutcomeTelevisitScheduled spawns a low-severity follow-up task on resolve
const OutcomeTelevisitScheduled = "TELEVISIT_SCHEDULED"

// TaskStatus represents the task state machine
type TaskStatus string

const (
	TaskOpen       TaskStatus = "OPEN"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskResolved   TaskStatus = "RESOLVED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the task status is final
func (s TaskStatus) Terminal() bool {
	return s == TaskResolved || s == TaskCancelled
}

// Task is a time-boxed unit of work for human staff. SLADueAt is computed
// once at creation and never moves.
type Task struct {
	ID               types.ID   `json:"id"`
	EpisodeID        types.ID   `json:"episode_id"`
	Severity         Severity   `json:"severity"`
	Priority         int        `json:"priority"`
	ReasonCodes      []string   `json:"reason_codes"`
	SLADueAt         *time.Time `json:"sla_due_at,omitempty"`
	SLAMinutes       int        `json:"sla_minutes"`
	AssignedToUserID *types.ID  `json:"assigned_to_user_id,omitempty"`
	Status           TaskStatus `json:"status"`
	SourceAttemptID  *types.ID  `json:"source_attempt_id,omitempty"`
	DedupeKey        *string    `json:"dedupe_key,omitempty"`

	ResolutionOutcomeCode *string    `json:"resolution_outcome_code,omitempty"`
	ResolutionNotes       *string    `json:"resolution_notes,omitempty"`
	ResolvedBy            *types.ID  `json:"resolved_by,omitempty"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`

	WarningSentAt *time.Time `json:"warning_sent_at,omitempty"`
	BreachSentAt  *time.Time `json:"breach_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
