package riskadapter

import (
	"encoding/json"

	"github.com/careloop/careloop/internal/escalation"
	"github.com/careloop/careloop/internal/shared/errors"
)

// Tool names in the fixed contract offered to the conversational service
const (
	ToolRaiseFlag                 = "raise_flag"
	ToolHandoffToNurse            = "handoff_to_nurse"
	ToolAskMore                   = "ask_more"
	ToolLogCheckin                = "log_checkin"
	ToolCountWellnessConfirmation = "count_wellness_confirmation"
)

// ToolCall is the closed set of structured actions the conversational
// service may invoke. One variant per tool; decoding an unknown name fails
// rather than falling through to a default.
type ToolCall interface {
	toolName() string
}

// RaiseFlag reports a detected risk signal
type RaiseFlag struct {
	FlagType  string              `json:"flag_type"`
	Severity  escalation.Severity `json:"severity"`
	Rationale string              `json:"rationale"`
}

// HandoffToNurse requests an immediate synchronous handoff. The declared
// severity of the underlying signal is irrelevant; handoffs are always
// treated as critical.
type HandoffToNurse struct {
	Reason   string `json:"reason"`
	FlagType string `json:"flag_type,omitempty"`
}

// AskMore continues the dialogue with one to three follow-up questions
type AskMore struct {
	Questions []string `json:"questions"`
}

// LogCheckin closes the interaction with no escalation
type LogCheckin struct {
	Result  string `json:"result"`
	Summary string `json:"summary"`
}

// CountWellnessConfirmation accumulates the per-interaction counter the
// dialogue layer uses to decide when a check-in is complete
type CountWellnessConfirmation struct {
	IsConfirmation bool   `json:"is_confirmation"`
	AreaConfirmed  string `json:"area_confirmed,omitempty"`
}

func (RaiseFlag) toolName() string                 { return ToolRaiseFlag }
func (HandoffToNurse) toolName() string            { return ToolHandoffToNurse }
func (AskMore) toolName() string                   { return ToolAskMore }
func (LogCheckin) toolName() string                { return ToolLogCheckin }
func (CountWellnessConfirmation) toolName() string { return ToolCountWellnessConfirmation }

// RawToolCall is the wire form emitted by the conversational service
type RawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeToolCall converts the wire form into its typed variant
func DecodeToolCall(raw RawToolCall) (ToolCall, error) {
	switch raw.Name {
	case ToolRaiseFlag:
		var call RaiseFlag
		if err := json.Unmarshal(raw.Arguments, &call); err != nil {
			return nil, errors.Validation("invalid raise_flag arguments", nil)
		}
		if call.FlagType == "" || !call.Severity.Valid() {
			return nil, errors.Validation("raise_flag requires flag_type and a valid severity", map[string]string{
				"flag_type": call.FlagType,
				"severity":  string(call.Severity),
			})
		}
		return call, nil

	case ToolHandoffToNurse:
		var call HandoffToNurse
		if err := json.Unmarshal(raw.Arguments, &call); err != nil {
			return nil, errors.Validation("invalid handoff_to_nurse arguments", nil)
		}
		if call.Reason == "" {
			return nil, errors.Validation("handoff_to_nurse requires a reason", nil)
		}
		return call, nil

	case ToolAskMore:
		var call AskMore
		if err := json.Unmarshal(raw.Arguments, &call); err != nil {
			return nil, errors.Validation("invalid ask_more arguments", nil)
		}
		if len(call.Questions) < 1 || len(call.Questions) > 3 {
			return nil, errors.Validation("ask_more takes between one and three questions", nil)
		}
		return call, nil

	case ToolLogCheckin:
		var call LogCheckin
		if err := json.Unmarshal(raw.Arguments, &call); err != nil {
			return nil, errors.Validation("invalid log_checkin arguments", nil)
		}
		return call, nil

	case ToolCountWellnessConfirmation:
		var call CountWellnessConfirmation
		if err := json.Unmarshal(raw.Arguments, &call); err != nil {
			return nil, errors.Validation("invalid count_wellness_confirmation arguments", nil)
		}
		return call, nil
	}

	return nil, errors.Validation("unknown tool", map[string]string{"name": raw.Name})
}

// ToolDefinition describes one tool in the schema handed to the
// conversational service
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolSchema returns the fixed five-action schema. The conversational
// service may invoke these and nothing else.
func ToolSchema() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolRaiseFlag,
			Description: "Report a detected clinical risk signal with its severity and rationale.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"flag_type": map[string]any{"type": "string"},
					"severity":  map[string]any{"type": "string", "enum": []string{"LOW", "MODERATE", "HIGH", "CRITICAL"}},
					"rationale": map[string]any{"type": "string"},
				},
				"required": []string{"flag_type", "severity", "rationale"},
			},
		},
		{
			Name:        ToolHandoffToNurse,
			Description: "Hand the conversation to a nurse immediately. Always treated as critical.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason":    map[string]any{"type": "string"},
					"flag_type": map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
		},
		{
			Name:        ToolAskMore,
			Description: "Ask the patient between one and three follow-up questions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"questions": map[string]any{
						"type":     "array",
						"items":    map[string]any{"type": "string"},
						"minItems": 1,
						"maxItems": 3,
					},
				},
				"required": []string{"questions"},
			},
		},
		{
			Name:        ToolLogCheckin,
			Description: "Close the check-in with a result and summary. No escalation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"result":  map[string]any{"type": "string"},
					"summary": map[string]any{"type": "string"},
				},
				"required": []string{"result"},
			},
		},
		{
			Name:        ToolCountWellnessConfirmation,
			Description: "Record that the patient confirmed wellness in one assessment area.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"is_confirmation": map[string]any{"type": "boolean"},
					"area_confirmed":  map[string]any{"type": "string"},
				},
				"required": []string{"is_confirmation"},
			},
		},
	}
}
