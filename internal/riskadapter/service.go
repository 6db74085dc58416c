package riskadapter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/escalation"
	"github.com/careloop/careloop/internal/protocol"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/metrics"
	"github.com/careloop/careloop/internal/shared/types"
)

// thresholdHighFlags is the config key gating the repeated-flag risk upgrade
const thresholdHighFlags = "high_flags_before_upgrade"

// ProtocolStore reads the rule layer governing an episode
type ProtocolStore interface {
	GetActiveAssignment(ctx context.Context, episodeID types.ID) (*protocol.Assignment, error)
	GetActiveConfig(ctx context.Context, condition episode.ConditionCode, risk episode.RiskLevel) (*protocol.Config, error)
	ListRulesBySeverity(ctx context.Context, condition episode.ConditionCode, severities []protocol.Severity) ([]protocol.Rule, error)
	Assign(ctx context.Context, a *protocol.Assignment) error
}

// EpisodeStore reads episodes and records risk upgrades
type EpisodeStore interface {
	FindByID(ctx context.Context, id types.ID) (*episode.Episode, error)
	UpgradeRisk(ctx context.Context, upgrade *episode.RiskUpgrade) error
}

// TaskEngine opens escalation tasks for interpreted risk signals
type TaskEngine interface {
	CreateTask(ctx context.Context, params escalation.CreateTaskParams) (*escalation.Task, error)
}

// TaskCounter counts an episode's prior tasks by severity
type TaskCounter interface {
	CountBySeverity(ctx context.Context, episodeID types.ID, severities []escalation.Severity) (int, error)
}

// AlertSink receives configuration errors for the operator queue
type AlertSink interface {
	RaiseAlert(ctx context.Context, kind string, episodeID *types.ID, message string, details map[string]any) error
}

// ConversationalAIService is the external text-generation collaborator.
// Consumed as an interface only; the engine never calls it directly, the
// conversation layer does.
type ConversationalAIService interface {
	Respond(ctx context.Context, decision *DecisionContext, patientUtterance string, schema []ToolDefinition) (string, []RawToolCall, error)
}

// DecisionContext is the grounding bundle handed to the conversational
// service: the episode, its governing assignment and config, and the rule
// set visible at the episode's risk level.
type DecisionContext struct {
	Episode    *episode.Episode     `json:"episode"`
	Assignment *protocol.Assignment `json:"assignment"`
	Config     *protocol.Config     `json:"config"`
	Rules      []protocol.Rule      `json:"rules"`
}

// Interaction is the mutable per-conversation state the adapter threads
// through successive tool calls
type Interaction struct {
	EpisodeID             types.ID  `json:"episode_id"`
	AttemptID             *types.ID `json:"attempt_id,omitempty"`
	WellnessConfirmations int       `json:"wellness_confirmations"`
	AreasConfirmed        []string  `json:"areas_confirmed,omitempty"`
}

// Decision is the adapter's answer to one tool call
type Decision struct {
	// Questions to relay back to the patient (ask_more)
	Questions []string `json:"questions,omitempty"`
	// Task opened by this call, if any
	Task *escalation.Task `json:"task,omitempty"`
	// CheckinComplete signals the dialogue layer to end the check-in
	CheckinComplete bool `json:"checkin_complete"`
	// Result and Summary carry the closing record (log_checkin)
	Result  string `json:"result,omitempty"`
	Summary string `json:"summary,omitempty"`
	// WellnessConfirmations is the accumulated counter after this call
	WellnessConfirmations int `json:"wellness_confirmations"`
}

// Adapter assembles decision context for the conversational service and
// interprets its structured tool calls into engine actions.
type Adapter struct {
	episodes  EpisodeStore
	protocols ProtocolStore
	tasks     TaskEngine
	counter   TaskCounter
	alerts    AlertSink
	bus       events.EventBus
}

// NewAdapter creates a risk decision adapter. alerts may be nil.
func NewAdapter(episodes EpisodeStore, protocols ProtocolStore, tasks TaskEngine, counter TaskCounter, alerts AlertSink, bus events.EventBus) *Adapter {
	return &Adapter{
		episodes:  episodes,
		protocols: protocols,
		tasks:     tasks,
		counter:   counter,
		alerts:    alerts,
		bus:       bus,
	}
}

// BuildDecisionContext loads the grounding bundle for an episode. A missing
// active config is a configuration error surfaced to the operator queue;
// the interaction fails rather than proceeding with no rules.
func (a *Adapter) BuildDecisionContext(ctx context.Context, episodeID types.ID) (*DecisionContext, error) {
	ep, err := a.episodes.FindByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	assignment, err := a.protocols.GetActiveAssignment(ctx, episodeID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, a.configurationError(ctx, ep, "episode has no active protocol assignment")
		}
		return nil, err
	}

	cfg, err := a.protocols.GetActiveConfig(ctx, assignment.ConditionCode, assignment.RiskLevel)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, a.configurationError(ctx, ep, fmt.Sprintf(
				"no active protocol config for %s/%s", assignment.ConditionCode, assignment.RiskLevel))
		}
		return nil, err
	}

	rules, err := a.protocols.ListRulesBySeverity(ctx, assignment.ConditionCode, protocol.SeverityFilter(assignment.RiskLevel))
	if err != nil {
		return nil, err
	}

	return &DecisionContext{
		Episode:    ep,
		Assignment: assignment,
		Config:     cfg,
		Rules:      rules,
	}, nil
}

func (a *Adapter) configurationError(ctx context.Context, ep *episode.Episode, message string) error {
	if a.alerts != nil {
		if err := a.alerts.RaiseAlert(ctx, "configuration.error", &ep.ID, message, map[string]any{
			"condition_code": ep.ConditionCode,
			"risk_level":     ep.RiskLevel,
		}); err != nil {
			log.Printf("riskadapter: raise operator alert: %v", err)
		}
	}
	return errors.Configuration(message, nil)
}

// InterpretToolCall maps one structured action into engine effects and
// returns the decision for the dialogue layer. Handlers are idempotent:
// replayed flag calls dedupe onto the task they already created.
func (a *Adapter) InterpretToolCall(ctx context.Context, inter *Interaction, call ToolCall) (*Decision, error) {
	if inter == nil || inter.EpisodeID.IsZero() {
		return nil, errors.Validation("interaction episode_id is required", nil)
	}

	switch c := call.(type) {
	case RaiseFlag:
		return a.handleRaiseFlag(ctx, inter, c)
	case HandoffToNurse:
		return a.handleHandoff(ctx, inter, c)
	case AskMore:
		return &Decision{Questions: c.Questions, WellnessConfirmations: inter.WellnessConfirmations}, nil
	case LogCheckin:
		return &Decision{
			CheckinComplete:       true,
			Result:                c.Result,
			Summary:               c.Summary,
			WellnessConfirmations: inter.WellnessConfirmations,
		}, nil
	case CountWellnessConfirmation:
		if c.IsConfirmation {
			inter.WellnessConfirmations++
			if c.AreaConfirmed != "" {
				inter.AreasConfirmed = append(inter.AreasConfirmed, c.AreaConfirmed)
			}
		}
		return &Decision{WellnessConfirmations: inter.WellnessConfirmations}, nil
	}

	return nil, errors.Validation("unknown tool call", nil)
}

func (a *Adapter) handleRaiseFlag(ctx context.Context, inter *Interaction, call RaiseFlag) (*Decision, error) {
	metrics.RecordRiskFlag(string(call.Severity))
	a.publish(ctx, events.NewEvent(events.TypeRiskFlagRaised, "riskadapter", inter.EpisodeID, map[string]any{
		"episode_id": inter.EpisodeID,
		"flag_type":  call.FlagType,
		"severity":   call.Severity,
		"rationale":  call.Rationale,
	}))

	decision := &Decision{WellnessConfirmations: inter.WellnessConfirmations}

	if call.Severity != escalation.SeverityLow {
		task, err := a.tasks.CreateTask(ctx, escalation.CreateTaskParams{
			EpisodeID:       inter.EpisodeID,
			Severity:        call.Severity,
			ReasonCodes:     []string{call.FlagType},
			SourceAttemptID: inter.AttemptID,
			DedupeKey:       dedupeKey(inter, call.FlagType),
		})
		if err != nil {
			return nil, err
		}
		decision.Task = task
	}

	if call.Severity == escalation.SeverityHigh || call.Severity == escalation.SeverityCritical {
		if err := a.maybeUpgradeRisk(ctx, inter.EpisodeID, call.FlagType); err != nil {
			return nil, err
		}
	}

	return decision, nil
}

func (a *Adapter) handleHandoff(ctx context.Context, inter *Interaction, call HandoffToNurse) (*Decision, error) {
	reasons := []string{"NURSE_HANDOFF"}
	if call.FlagType != "" {
		reasons = append(reasons, call.FlagType)
	}

	// the handoff contract is synchronous: severity is always CRITICAL
	task, err := a.tasks.CreateTask(ctx, escalation.CreateTaskParams{
		EpisodeID:       inter.EpisodeID,
		Severity:        escalation.SeverityCritical,
		ReasonCodes:     reasons,
		SourceAttemptID: inter.AttemptID,
		DedupeKey:       dedupeKey(inter, "handoff"),
	})
	if err != nil {
		return nil, err
	}

	return &Decision{
		Task:                  task,
		CheckinComplete:       true,
		WellnessConfirmations: inter.WellnessConfirmations,
	}, nil
}

// maybeUpgradeRisk raises the episode risk level to HIGH once the episode
// has accumulated enough HIGH or CRITICAL signals, per the active config's
// threshold. The upgrade is a structured append-only record, and the
// protocol assignment is re-run at the new level.
func (a *Adapter) maybeUpgradeRisk(ctx context.Context, episodeID types.ID, flagType string) error {
	ep, err := a.episodes.FindByID(ctx, episodeID)
	if err != nil {
		return err
	}
	if ep.RiskLevel == episode.RiskHigh {
		return nil
	}

	cfg, err := a.protocols.GetActiveConfig(ctx, ep.ConditionCode, ep.RiskLevel)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	threshold, ok := cfg.Thresholds[thresholdHighFlags]
	if !ok || threshold <= 0 {
		return nil
	}

	count, err := a.counter.CountBySeverity(ctx, episodeID, []escalation.Severity{
		escalation.SeverityHigh, escalation.SeverityCritical,
	})
	if err != nil {
		return err
	}
	if float64(count) < threshold {
		return nil
	}

	upgrade := &episode.RiskUpgrade{
		ID:        types.NewID(),
		EpisodeID: episodeID,
		FromLevel: ep.RiskLevel,
		ToLevel:   episode.RiskHigh,
		Reason:    fmt.Sprintf("%d high-severity flags, latest %s", count, flagType),
		Source:    "riskadapter",
		CreatedAt: time.Now().UTC(),
	}
	if err := a.episodes.UpgradeRisk(ctx, upgrade); err != nil {
		// another upgrade won the race; the level already rose
		if errors.Is(err, errors.ErrConcurrency) {
			return nil
		}
		return err
	}

	if err := a.protocols.Assign(ctx, &protocol.Assignment{
		ID:            types.NewID(),
		EpisodeID:     episodeID,
		ConditionCode: ep.ConditionCode,
		RiskLevel:     episode.RiskHigh,
		Active:        true,
		AssignedAt:    time.Now().UTC(),
	}); err != nil && !errors.Is(err, errors.ErrConcurrency) {
		return err
	}

	a.publish(ctx, events.NewEvent(events.TypeRiskUpgraded, "riskadapter", episodeID, map[string]any{
		"episode_id": episodeID,
		"from_level": upgrade.FromLevel,
		"to_level":   upgrade.ToLevel,
		"reason":     upgrade.Reason,
	}))

	return nil
}

// dedupeKey makes replayed tool calls converge on one task. Attempts give
// the tightest scope; without one the episode and flag type have to do.
func dedupeKey(inter *Interaction, flagType string) *string {
	var key string
	if inter.AttemptID != nil {
		key = fmt.Sprintf("flag:%s:%s:%s", inter.EpisodeID, inter.AttemptID, flagType)
	} else {
		key = fmt.Sprintf("flag:%s:%s", inter.EpisodeID, flagType)
	}
	return &key
}

func (a *Adapter) publish(ctx context.Context, event events.Event) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(ctx, event); err != nil {
		log.Printf("riskadapter: publish %s: %v", event.Type, err)
	}
}
