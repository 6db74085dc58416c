package protocol

import (
	"time"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/shared/types"
)

// Severity classifies a protocol rule or risk signal
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

// ActionType is the rule's discriminator: what the rule instructs the
// conversational layer to do when its patterns match.
type ActionType string

const (
	ActionRaiseFlag     ActionType = "RAISE_FLAG"
	ActionHandoff       ActionType = "HANDOFF"
	ActionEducate       ActionType = "EDUCATE"
	ActionAskFollowUp   ActionType = "ASK_FOLLOW_UP"
	ActionAdviseER      ActionType = "ADVISE_ER"
)

// Config holds the numeric thresholds and routing switches for one
// (condition, risk) pair. At most one active row exists per pair.
// SchemaVersion lets newer rule shapes coexist with older consumers.
type Config struct {
	ID            types.ID               `json:"id"`
	ConditionCode episode.ConditionCode  `json:"condition_code"`
	RiskLevel     episode.RiskLevel      `json:"risk_level"`
	SchemaVersion int                    `json:"schema_version"`
	Active        bool                   `json:"active"`
	Thresholds    map[string]float64     `json:"thresholds"`
	Routing       map[string]bool        `json:"routing"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Rule is a red-flag / content-pack rule for one condition
type Rule struct {
	ID            types.ID              `json:"id"`
	ConditionCode episode.ConditionCode `json:"condition_code"`
	Severity      Severity              `json:"severity"`
	SchemaVersion int                   `json:"schema_version"`
	TextPatterns  []string              `json:"text_patterns"`
	ActionType    ActionType            `json:"action_type"`
	Message       string                `json:"message"`
	Active        bool                  `json:"active"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Assignment binds an episode to the (condition, risk) pair currently
// governing it. At most one active assignment per episode; creating a new
// one deactivates the previous active one.
type Assignment struct {
	ID            types.ID              `json:"id"`
	EpisodeID     types.ID              `json:"episode_id"`
	ConditionCode episode.ConditionCode `json:"condition_code"`
	RiskLevel     episode.RiskLevel     `json:"risk_level"`
	Active        bool                  `json:"active"`
	AssignedAt    time.Time             `json:"assigned_at"`
	DeactivatedAt *time.Time            `json:"deactivated_at,omitempty"`
}
