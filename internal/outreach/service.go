package outreach

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/notification"
	"github.com/careloop/careloop/internal/scheduler"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/metrics"
	"github.com/careloop/careloop/internal/shared/types"
)

// PlanStore persists plans and attempts
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *Plan, first *Attempt) (*Plan, bool, error)
	GetPlan(ctx context.Context, id types.ID) (*Plan, error)
	GetActivePlanByEpisode(ctx context.Context, episodeID types.ID) (*Plan, error)
	UpdatePlanStatus(ctx context.Context, id types.ID, from []PlanStatus, to PlanStatus) error
	CreateAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id types.ID) (*Attempt, error)
	ListAttempts(ctx context.Context, planID types.ID) ([]Attempt, error)
	LatestAttempt(ctx context.Context, planID types.ID) (*Attempt, error)
	UpdateAttemptStatus(ctx context.Context, id types.ID, from []AttemptStatus, to AttemptStatus) error
	RescheduleAttempt(ctx context.Context, id types.ID, at time.Time) error
}

// EpisodeDirectory resolves episodes for plan creation and contact details
type EpisodeDirectory interface {
	FindByID(ctx context.Context, id types.ID) (*episode.Episode, error)
}

// Notifier queues outbound messages
type Notifier interface {
	Dispatch(ctx context.Context, msg *notification.Message) error
}

// Service owns the per-episode contact schedule
type Service struct {
	store    PlanStore
	episodes EpisodeDirectory
	timers   scheduler.Store
	notifier Notifier
	bus      events.EventBus

	// now is swapped in tests
	now func() time.Time
}

// NewService creates an outreach service
func NewService(store PlanStore, episodes EpisodeDirectory, timers scheduler.Store, notifier Notifier, bus events.EventBus) *Service {
	return &Service{
		store:    store,
		episodes: episodes,
		timers:   timers,
		notifier: notifier,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreatePlan enrolls an episode: derives the contact window from the
// condition/risk template and schedules attempt #1 at window start.
// Idempotent: a second call while a plan is active returns the existing
// plan unchanged.
func (s *Service) CreatePlan(ctx context.Context, episodeID types.ID) (*Plan, error) {
	ep, err := s.episodes.FindByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	tmpl := TemplateFor(ep.ConditionCode, ep.RiskLevel)

	plan := &Plan{
		ID:               types.NewID(),
		EpisodeID:        ep.ID,
		PreferredChannel: tmpl.PreferredChannel,
		FallbackChannel:  tmpl.FallbackChannel,
		WindowStart:      ep.DischargeAt.Add(tmpl.WindowStartOffset),
		WindowEnd:        ep.DischargeAt.Add(tmpl.WindowEndOffset),
		MaxAttempts:      tmpl.MaxAttempts,
		Timezone:         ep.Timezone,
		LanguageCode:     ep.LanguageCode,
		Status:           PlanPending,
	}

	first := &Attempt{
		ID:            types.NewID(),
		PlanID:        plan.ID,
		AttemptNumber: 1,
		ScheduledAt:   plan.WindowStart,
		Channel:       plan.PreferredChannel,
		Status:        AttemptPending,
	}

	created, isNew, err := s.store.CreatePlan(ctx, plan, first)
	if err != nil {
		return nil, err
	}
	if !isNew {
		// A crash between the plan commit and the timer insert leaves a
		// pending attempt with no wake-up; the replayed event repairs it.
		// Schedule is idempotent per (kind, entity) so this is free when
		// the timer already exists.
		latest, err := s.store.LatestAttempt(ctx, created.ID)
		if err != nil {
			return nil, err
		}
		if latest.Status == AttemptPending {
			if err := s.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindAttemptDue, latest.ID, latest.ScheduledAt)); err != nil {
				return nil, err
			}
		}
		return created, nil
	}

	if err := s.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindAttemptDue, first.ID, first.ScheduledAt)); err != nil {
		return nil, err
	}

	metrics.RecordPlanCreated(string(ep.ConditionCode), string(ep.RiskLevel))
	s.publish(ctx, events.NewEvent(events.TypePlanCreated, "outreach", plan.ID, map[string]any{
		"plan_id":      plan.ID,
		"episode_id":   ep.ID,
		"window_start": plan.WindowStart,
		"window_end":   plan.WindowEnd,
		"max_attempts": plan.MaxAttempts,
	}))

	return created, nil
}

// RecordAttemptOutcome sets an attempt's terminal status and advances the
// plan: COMPLETED completes the plan; a failed contact schedules the next
// attempt on the alternate channel while the window and attempt budget
// allow, and fails the plan otherwise.
func (s *Service) RecordAttemptOutcome(ctx context.Context, attemptID types.ID, outcome Outcome) (*Plan, error) {
	if !ValidOutcome(outcome) {
		return nil, errors.Validation("outcome must be a terminal attempt status", map[string]string{
			"outcome": string(outcome),
		})
	}

	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	// replayed outcome events are no-ops
	if attempt.Status == outcome {
		return s.store.GetPlan(ctx, attempt.PlanID)
	}
	if attempt.Status.Terminal() {
		return nil, errors.Conflict("attempt already has a different terminal status")
	}

	if err := s.store.UpdateAttemptStatus(ctx, attemptID,
		[]AttemptStatus{AttemptPending, AttemptInProgress}, outcome); err != nil {
		return nil, err
	}
	// due timer no longer needed whatever happens next
	if err := s.timers.Cancel(ctx, scheduler.KindAttemptDue, attemptID); err != nil {
		log.Printf("outreach: cancel due timer: %v", err)
	}

	metrics.RecordAttemptOutcome(string(outcome), string(attempt.Channel))

	plan, err := s.store.GetPlan(ctx, attempt.PlanID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.NewEvent(events.TypeAttemptOutcome, "outreach", attemptID, map[string]any{
		"attempt_id":     attemptID,
		"plan_id":        plan.ID,
		"episode_id":     plan.EpisodeID,
		"attempt_number": attempt.AttemptNumber,
		"channel":        attempt.Channel,
		"outcome":        outcome,
	}))

	if outcome == AttemptCompleted {
		if err := s.store.UpdatePlanStatus(ctx, plan.ID,
			[]PlanStatus{PlanPending, PlanInProgress}, PlanCompleted); err != nil {
			return nil, err
		}
		plan.Status = PlanCompleted
		return plan, nil
	}

	now := s.now()
	if attempt.AttemptNumber < plan.MaxAttempts && now.Before(plan.WindowEnd) {
		next, err := s.scheduleNext(ctx, plan, attempt, now)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, events.NewEvent(events.TypeAttemptScheduled, "outreach", next.ID, map[string]any{
			"attempt_id":     next.ID,
			"plan_id":        plan.ID,
			"attempt_number": next.AttemptNumber,
			"channel":        next.Channel,
			"scheduled_at":   next.ScheduledAt,
		}))
		return plan, nil
	}

	if err := s.store.UpdatePlanStatus(ctx, plan.ID,
		[]PlanStatus{PlanPending, PlanInProgress}, PlanFailed); err != nil {
		return nil, err
	}
	plan.Status = PlanFailed
	return plan, nil
}

// TriggerNow schedules the next attempt immediately, ignoring the window.
// Fails with a conflict if the attempt budget is exhausted.
func (s *Service) TriggerNow(ctx context.Context, episodeID types.ID) (*Attempt, error) {
	plan, err := s.store.GetActivePlanByEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.LatestAttempt(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if latest.Status == AttemptPending {
		if err := s.store.RescheduleAttempt(ctx, latest.ID, now); err != nil {
			return nil, err
		}
		if err := s.timers.Cancel(ctx, scheduler.KindAttemptDue, latest.ID); err != nil {
			log.Printf("outreach: cancel due timer: %v", err)
		}
		if err := s.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindAttemptDue, latest.ID, now)); err != nil {
			return nil, err
		}
		latest.ScheduledAt = now
		return latest, nil
	}

	if latest.Status == AttemptInProgress {
		return nil, errors.Conflict("an attempt is already in progress")
	}

	if latest.AttemptNumber >= plan.MaxAttempts {
		return nil, errors.Conflict("attempt budget exhausted")
	}

	next := &Attempt{
		ID:            types.NewID(),
		PlanID:        plan.ID,
		AttemptNumber: latest.AttemptNumber + 1,
		ScheduledAt:   now,
		Channel:       s.alternate(plan, latest.Channel),
		Status:        AttemptPending,
	}
	if err := s.store.CreateAttempt(ctx, next); err != nil {
		return nil, err
	}
	if err := s.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindAttemptDue, next.ID, now)); err != nil {
		return nil, err
	}

	return next, nil
}

// HandleAttemptDue is the timer handler for due attempts. It re-checks the
// attempt and plan state before acting, so stale timers for resolved work
// are harmless.
func (s *Service) HandleAttemptDue(ctx context.Context, timer scheduler.Timer) error {
	attempt, err := s.store.GetAttempt(ctx, timer.EntityID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if attempt.Status != AttemptPending {
		return nil
	}

	plan, err := s.store.GetPlan(ctx, attempt.PlanID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return nil
	}

	// window closed while the attempt waited
	if !plan.WindowEnd.After(s.now()) && attempt.ScheduledAt.Before(plan.WindowEnd) {
		_, err := s.RecordAttemptOutcome(ctx, attempt.ID, AttemptFailed)
		return err
	}

	if err := s.store.UpdateAttemptStatus(ctx, attempt.ID,
		[]AttemptStatus{AttemptPending}, AttemptInProgress); err != nil {
		if errors.Is(err, errors.ErrConcurrency) {
			return nil
		}
		return err
	}
	if err := s.store.UpdatePlanStatus(ctx, plan.ID,
		[]PlanStatus{PlanPending}, PlanInProgress); err != nil && !errors.Is(err, errors.ErrConcurrency) {
		return err
	}

	ep, err := s.episodes.FindByID(ctx, plan.EpisodeID)
	if err != nil {
		return err
	}

	msg := &notification.Message{
		Recipient: recipientFor(ep, attempt.Channel),
		Channel:   attempt.Channel,
		Subject:   "Post-discharge check-in",
		Body:      checkinBody(ep),
		Critical:  true,
		AttemptID: &attempt.ID,
	}

	// The outbound contact is caller-critical: a send that cannot even be
	// queued fails the attempt so the fallback channel takes over.
	if err := s.notifier.Dispatch(ctx, msg); err != nil {
		_, recordErr := s.RecordAttemptOutcome(ctx, attempt.ID, AttemptFailed)
		if recordErr != nil {
			return recordErr
		}
		return nil
	}

	return nil
}

// HandlePatientDischarged enrolls an episode when a discharge event
// arrives. Delivery is at least once; CreatePlan's idempotency absorbs
// the duplicates.
func (s *Service) HandlePatientDischarged(ctx context.Context, event events.Event) error {
	if event.EntityID.IsZero() {
		return nil
	}
	_, err := s.CreatePlan(ctx, event.EntityID)
	if errors.Is(err, errors.ErrNotFound) {
		log.Printf("outreach: discharge event for unknown episode %s", event.EntityID)
		return nil
	}
	return err
}

// HandleNotificationFailed records a failed outcome for the attempt whose
// outbound contact could not be delivered, which advances the plan to its
// next attempt or fails it. Events for attempts already in a terminal state,
// or for entities that are not attempts at all, are ignored.
func (s *Service) HandleNotificationFailed(ctx context.Context, event events.Event) error {
	if event.EntityID.IsZero() {
		return nil
	}
	_, err := s.RecordAttemptOutcome(ctx, event.EntityID, AttemptFailed)
	if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) scheduleNext(ctx context.Context, plan *Plan, prev *Attempt, now time.Time) (*Attempt, error) {
	ep, err := s.episodes.FindByID(ctx, plan.EpisodeID)
	if err != nil {
		return nil, err
	}
	tmpl := TemplateFor(ep.ConditionCode, ep.RiskLevel)

	scheduledAt := now.Add(tmpl.AttemptSpacing)
	if scheduledAt.After(plan.WindowEnd) {
		scheduledAt = plan.WindowEnd
	}

	next := &Attempt{
		ID:            types.NewID(),
		PlanID:        plan.ID,
		AttemptNumber: prev.AttemptNumber + 1,
		ScheduledAt:   scheduledAt,
		Channel:       s.alternate(plan, prev.Channel),
		Status:        AttemptPending,
	}

	if err := s.store.CreateAttempt(ctx, next); err != nil {
		return nil, err
	}
	if err := s.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindAttemptDue, next.ID, scheduledAt)); err != nil {
		return nil, err
	}

	return next, nil
}

// alternate flips between the preferred and fallback channels
func (s *Service) alternate(plan *Plan, prev notification.Channel) notification.Channel {
	if prev == plan.PreferredChannel {
		return plan.FallbackChannel
	}
	return plan.PreferredChannel
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		log.Printf("outreach: publish %s: %v", event.Type, err)
	}
}

func recipientFor(ep *episode.Episode, channel notification.Channel) string {
	if channel == notification.ChannelEmail {
		return ep.Email
	}
	return ep.PreferredPhone
}

func checkinBody(ep *episode.Episode) string {
	return fmt.Sprintf("Hi, this is your care team checking in after your recent hospital stay. Reply to let us know how you are feeling. (ref %s)", ep.ID)
}
