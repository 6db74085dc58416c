package episode

import (
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// ConditionCode identifies the clinical condition of the discharge episode
type ConditionCode string

const (
	ConditionHF    ConditionCode = "HF"
	ConditionCOPD  ConditionCode = "COPD"
	ConditionAMI   ConditionCode = "AMI"
	ConditionPNA   ConditionCode = "PNA"
	ConditionOther ConditionCode = "OTHER"
)

// Valid reports whether the condition code is a known value
func (c ConditionCode) Valid() bool {
	switch c {
	case ConditionHF, ConditionCOPD, ConditionAMI, ConditionPNA, ConditionOther:
		return true
	}
	return false
}

// RiskLevel is the clinical risk stratification of an episode
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Valid reports whether the risk level is a known value
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Episode is one clinical hospitalization/discharge event for a patient.
// Created once; riskLevel may be upgraded later through an append-only
// RiskUpgrade record, never edited in place without one.
type Episode struct {
	ID             types.ID      `json:"id"`
	PatientID      types.ID      `json:"patient_id"`
	ConditionCode  ConditionCode `json:"condition_code"`
	RiskLevel      RiskLevel     `json:"risk_level"`
	DischargeAt    time.Time     `json:"discharge_at"`
	LanguageCode   string        `json:"language_code"`
	Timezone       string        `json:"timezone"`
	PreferredPhone string        `json:"preferred_phone,omitempty"`
	Email          string        `json:"email,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RiskUpgrade is the structured record of a risk-level change. One row per
// upgrade, append-only; the episode row carries the current level.
type RiskUpgrade struct {
	ID        types.ID  `json:"id"`
	EpisodeID types.ID  `json:"episode_id"`
	FromLevel RiskLevel `json:"from_level"`
	ToLevel   RiskLevel `json:"to_level"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
