package outreach

import (
	"time"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/notification"
	"github.com/careloop/careloop/internal/shared/types"
)

// PlanStatus represents the plan state machine
type PlanStatus string

const (
	PlanPending    PlanStatus = "PENDING"
	PlanInProgress PlanStatus = "IN_PROGRESS"
	PlanCompleted  PlanStatus = "COMPLETED"
	PlanFailed     PlanStatus = "FAILED"
)

// Terminal reports whether the plan status is final
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// AttemptStatus represents the attempt state machine
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "PENDING"
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptCompleted  AttemptStatus = "COMPLETED"
	AttemptFailed     AttemptStatus = "FAILED"
	AttemptNoContact  AttemptStatus = "NO_CONTACT"
	AttemptDeclined   AttemptStatus = "DECLINED"
)

// Terminal reports whether the attempt status is final
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptNoContact, AttemptDeclined:
		return true
	}
	return false
}

// Outcome is a terminal attempt status reported by the response handler
type Outcome = AttemptStatus

// ValidOutcome reports whether the status is a reportable outcome
func ValidOutcome(s AttemptStatus) bool {
	return s.Terminal()
}

// Plan is the per-episode contact schedule. At most one non-terminal plan
// exists per episode.
type Plan struct {
	ID               types.ID             `json:"id"`
	EpisodeID        types.ID             `json:"episode_id"`
	PreferredChannel notification.Channel `json:"preferred_channel"`
	FallbackChannel  notification.Channel `json:"fallback_channel"`
	WindowStart      time.Time            `json:"window_start"`
	WindowEnd        time.Time            `json:"window_end"`
	MaxAttempts      int                  `json:"max_attempts"`
	Timezone         string               `json:"timezone"`
	LanguageCode     string               `json:"language_code"`
	Status           PlanStatus           `json:"status"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Attempt is a single contact try. Attempt numbers are 1-based and strictly
// sequential within a plan.
type Attempt struct {
	ID            types.ID             `json:"id"`
	PlanID        types.ID             `json:"plan_id"`
	AttemptNumber int                  `json:"attempt_number"`
	ScheduledAt   time.Time            `json:"scheduled_at"`
	Channel       notification.Channel `json:"channel"`
	Status        AttemptStatus        `json:"status"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Template holds the condition/risk contact schedule parameters
type Template struct {
	WindowStartOffset time.Duration
	WindowEndOffset   time.Duration
	MaxAttempts       int
	AttemptSpacing    time.Duration
	PreferredChannel  notification.Channel
	FallbackChannel   notification.Channel
}

// TemplateFor returns the contact template for a (condition, risk) pair.
// Higher risk means an earlier, denser schedule.
func TemplateFor(condition episode.ConditionCode, risk episode.RiskLevel) Template {
	t := Template{
		WindowStartOffset: 24 * time.Hour,
		WindowEndOffset:   72 * time.Hour,
		MaxAttempts:       3,
		AttemptSpacing:    24 * time.Hour,
		PreferredChannel:  notification.ChannelSMS,
		FallbackChannel:   notification.ChannelVoice,
	}

	switch risk {
	case episode.RiskMedium:
		t.WindowEndOffset = 96 * time.Hour
	case episode.RiskLow:
		t.WindowStartOffset = 48 * time.Hour
		t.WindowEndOffset = 120 * time.Hour
		t.MaxAttempts = 2
		t.AttemptSpacing = 48 * time.Hour
	}

	// AMI patients get a voice call first regardless of risk
	if condition == episode.ConditionAMI {
		t.PreferredChannel = notification.ChannelVoice
		t.FallbackChannel = notification.ChannelSMS
	}

	return t
}
