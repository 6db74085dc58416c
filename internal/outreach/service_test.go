package outreach

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/notification"
	"github.com/careloop/careloop/internal/scheduler"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/types"
)

// --- in-memory fakes ---

type memoryPlanStore struct {
	mu       sync.Mutex
	plans    map[types.ID]*Plan
	attempts map[types.ID]*Attempt
}

func newMemoryPlanStore() *memoryPlanStore {
	return &memoryPlanStore{
		plans:    make(map[types.ID]*Plan),
		attempts: make(map[types.ID]*Attempt),
	}
}

func (m *memoryPlanStore) CreatePlan(ctx context.Context, plan *Plan, first *Attempt) (*Plan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.EpisodeID == plan.EpisodeID && !p.Status.Terminal() {
			copied := *p
			return &copied, false, nil
		}
	}
	p := *plan
	a := *first
	m.plans[plan.ID] = &p
	m.attempts[first.ID] = &a
	copied := p
	return &copied, true, nil
}

func (m *memoryPlanStore) GetPlan(ctx context.Context, id types.ID) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, errors.NotFound("outreach plan", id.String())
	}
	copied := *p
	return &copied, nil
}

func (m *memoryPlanStore) GetActivePlanByEpisode(ctx context.Context, episodeID types.ID) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.EpisodeID == episodeID && !p.Status.Terminal() {
			copied := *p
			return &copied, nil
		}
	}
	return nil, errors.NotFound("active outreach plan", episodeID.String())
}

func (m *memoryPlanStore) UpdatePlanStatus(ctx context.Context, id types.ID, from []PlanStatus, to PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return errors.NotFound("outreach plan", id.String())
	}
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			return nil
		}
	}
	if p.Status == to {
		return nil
	}
	return errors.Concurrency("plan status changed concurrently")
}

func (m *memoryPlanStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.PlanID == a.PlanID && existing.AttemptNumber == a.AttemptNumber {
			return errors.Concurrency("attempt already scheduled for this slot")
		}
	}
	copied := *a
	m.attempts[a.ID] = &copied
	return nil
}

func (m *memoryPlanStore) GetAttempt(ctx context.Context, id types.ID) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, errors.NotFound("outreach attempt", id.String())
	}
	copied := *a
	return &copied, nil
}

func (m *memoryPlanStore) ListAttempts(ctx context.Context, planID types.ID) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if a.PlanID == planID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *memoryPlanStore) LatestAttempt(ctx context.Context, planID types.ID) (*Attempt, error) {
	attempts, _ := m.ListAttempts(ctx, planID)
	if len(attempts) == 0 {
		return nil, errors.NotFound("outreach attempt", planID.String())
	}
	latest := attempts[len(attempts)-1]
	return &latest, nil
}

func (m *memoryPlanStore) UpdateAttemptStatus(ctx context.Context, id types.ID, from []AttemptStatus, to AttemptStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return errors.NotFound("outreach attempt", id.String())
	}
	for _, f := range from {
		if a.Status == f {
			a.Status = to
			if to.Terminal() {
				now := time.Now().UTC()
				a.CompletedAt = &now
			}
			return nil
		}
	}
	if a.Status == to {
		return nil
	}
	return errors.Concurrency("attempt status changed concurrently")
}

func (m *memoryPlanStore) RescheduleAttempt(ctx context.Context, id types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.Status != AttemptPending {
		return errors.Conflict("attempt is not pending")
	}
	a.ScheduledAt = at
	return nil
}

type memoryEpisodes struct {
	episodes map[types.ID]*episode.Episode
}

func (m *memoryEpisodes) FindByID(ctx context.Context, id types.ID) (*episode.Episode, error) {
	ep, ok := m.episodes[id]
	if !ok {
		return nil, errors.NotFound("episode", id.String())
	}
	return ep, nil
}

type memoryTimers struct {
	mu       sync.Mutex
	timers   []*scheduler.Timer
	failNext bool
}

// Schedule mirrors the postgres store: one pending timer per (kind, entity)
func (m *memoryTimers) Schedule(ctx context.Context, t *scheduler.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.Internal(fmt.Errorf("timer store unavailable"))
	}
	for _, existing := range m.timers {
		if existing.Kind == t.Kind && existing.EntityID == t.EntityID && existing.FiredAt == nil {
			return nil
		}
	}
	copied := *t
	m.timers = append(m.timers, &copied)
	return nil
}

func (m *memoryTimers) Cancel(ctx context.Context, kind string, entityID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, t := range m.timers {
		if t.Kind == kind && t.EntityID == entityID && t.FiredAt == nil {
			t.FiredAt = &now
		}
	}
	return nil
}

func (m *memoryTimers) ClaimDue(ctx context.Context, now time.Time, limit int) ([]scheduler.Timer, error) {
	return nil, nil
}

func (m *memoryTimers) MarkFired(ctx context.Context, id types.ID, firedAt time.Time) error {
	return nil
}

func (m *memoryTimers) pendingFor(kind string, entityID types.ID) *scheduler.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		if t.Kind == kind && t.EntityID == entityID && t.FiredAt == nil {
			copied := *t
			return &copied
		}
	}
	return nil
}

type queueNotifier struct {
	mu       sync.Mutex
	messages []*notification.Message
	fail     bool
}

func (n *queueNotifier) Dispatch(ctx context.Context, msg *notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.Provider(errors.ErrProvider, string(msg.Channel))
	}
	copied := *msg
	n.messages = append(n.messages, &copied)
	return nil
}

// --- fixtures ---

type fixture struct {
	service  *Service
	store    *memoryPlanStore
	timers   *memoryTimers
	notifier *queueNotifier
	bus      *events.MemoryBus
	episode  *episode.Episode
}

func newFixture(t *testing.T, condition episode.ConditionCode, risk episode.RiskLevel) *fixture {
	t.Helper()

	ep := &episode.Episode{
		ID:             types.NewID(),
		PatientID:      types.NewID(),
		ConditionCode:  condition,
		RiskLevel:      risk,
		DischargeAt:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		LanguageCode:   "en",
		Timezone:       "America/Chicago",
		PreferredPhone: "+15551230000",
		Email:          "patient@example.com",
	}

	store := newMemoryPlanStore()
	timers := &memoryTimers{}
	notifier := &queueNotifier{}
	bus := events.NewMemoryBus()

	svc := NewService(store, &memoryEpisodes{episodes: map[types.ID]*episode.Episode{ep.ID: ep}}, timers, notifier, bus)

	return &fixture{service: svc, store: store, timers: timers, notifier: notifier, bus: bus, episode: ep}
}

func (f *fixture) setNow(t time.Time) {
	f.service.now = func() time.Time { return t }
}

// --- tests ---

func TestCreatePlanHighRiskHeartFailure(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, err := f.service.CreatePlan(context.Background(), f.episode.ID)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	wantStart := f.episode.DischargeAt.Add(24 * time.Hour)
	wantEnd := f.episode.DischargeAt.Add(72 * time.Hour)

	if !plan.WindowStart.Equal(wantStart) {
		t.Errorf("window start = %v, want %v", plan.WindowStart, wantStart)
	}
	if !plan.WindowEnd.Equal(wantEnd) {
		t.Errorf("window end = %v, want %v", plan.WindowEnd, wantEnd)
	}
	if plan.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", plan.MaxAttempts)
	}
	if plan.PreferredChannel != notification.ChannelSMS {
		t.Errorf("preferred channel = %s, want SMS", plan.PreferredChannel)
	}

	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].AttemptNumber != 1 || !attempts[0].ScheduledAt.Equal(wantStart) || attempts[0].Channel != notification.ChannelSMS {
		t.Errorf("unexpected first attempt %+v", attempts[0])
	}

	if f.timers.pendingFor(scheduler.KindAttemptDue, attempts[0].ID) == nil {
		t.Error("no due timer scheduled for first attempt")
	}
	if len(f.bus.PublishedOfType(events.TypePlanCreated)) != 1 {
		t.Error("plan created event not published")
	}
}

func TestCreatePlanIdempotent(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	first, err := f.service.CreatePlan(context.Background(), f.episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.service.CreatePlan(context.Background(), f.episode.ID)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Errorf("second enroll created a new plan: %s vs %s", first.ID, second.ID)
	}
	if got := len(f.bus.PublishedOfType(events.TypePlanCreated)); got != 1 {
		t.Errorf("expected 1 plan created event, got %d", got)
	}
}

func TestCreatePlanReplayRestoresDueTimer(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	// the plan commits but the process dies before the due timer is written
	f.timers.failNext = true
	if _, err := f.service.CreatePlan(context.Background(), f.episode.ID); err == nil {
		t.Fatal("expected timer store failure to surface")
	}

	plan, err := f.store.GetActivePlanByEpisode(context.Background(), f.episode.ID)
	if err != nil {
		t.Fatalf("plan should have been persisted: %v", err)
	}
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	if f.timers.pendingFor(scheduler.KindAttemptDue, attempts[0].ID) != nil {
		t.Fatal("no due timer should exist yet")
	}

	// the discharge event is redelivered and repairs the missing wake-up
	if _, err := f.service.CreatePlan(context.Background(), f.episode.ID); err != nil {
		t.Fatalf("replayed enroll: %v", err)
	}
	timer := f.timers.pendingFor(scheduler.KindAttemptDue, attempts[0].ID)
	if timer == nil {
		t.Fatal("replay did not restore the due timer")
	}
	if !timer.FireAt.Equal(attempts[0].ScheduledAt) {
		t.Errorf("restored timer fires at %v, want %v", timer.FireAt, attempts[0].ScheduledAt)
	}
}

func TestCreatePlanUnknownEpisode(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	_, err := f.service.CreatePlan(context.Background(), types.NewID())
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompletedAttemptCompletesPlan(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)

	updated, err := f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != PlanCompleted {
		t.Errorf("plan status = %s, want COMPLETED", updated.Status)
	}
}

func TestNoContactSchedulesFallbackChannel(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)

	// still inside the window
	f.setNow(f.episode.DischargeAt.Add(26 * time.Hour))

	if _, err := f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptNoContact); err != nil {
		t.Fatal(err)
	}

	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[1].AttemptNumber != 2 {
		t.Errorf("attempt number = %d, want 2", attempts[1].AttemptNumber)
	}
	if attempts[1].Channel != notification.ChannelVoice {
		t.Errorf("second attempt channel = %s, want VOICE fallback", attempts[1].Channel)
	}
	if attempts[1].ScheduledAt.After(plan.WindowEnd) {
		t.Error("next attempt scheduled past window end")
	}
}

func TestChannelAlternation(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptNoContact)

	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	f.service.RecordAttemptOutcome(context.Background(), attempts[1].ID, AttemptNoContact)

	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}

	want := []notification.Channel{notification.ChannelSMS, notification.ChannelVoice, notification.ChannelSMS}
	for i, a := range attempts {
		if a.Channel != want[i] {
			t.Errorf("attempt %d channel = %s, want %s", i+1, a.Channel, want[i])
		}
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt numbers not sequential: %+v", attempts)
		}
	}
}

func TestExhaustedAttemptsFailPlan(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	for i := 0; i < 3; i++ {
		attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
		updated, err := f.service.RecordAttemptOutcome(context.Background(), attempts[len(attempts)-1].ID, AttemptNoContact)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 && updated.Status.Terminal() {
			t.Fatalf("plan terminal after %d attempts", i+1)
		}
		if i == 2 && updated.Status != PlanFailed {
			t.Errorf("plan status = %s, want FAILED", updated.Status)
		}
	}

	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 3 {
		t.Errorf("attempt count = %d, must never exceed max attempts", len(attempts))
	}
}

func TestWindowClosedFailsPlan(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)

	// past window end on the first failure
	f.setNow(f.episode.DischargeAt.Add(80 * time.Hour))

	updated, err := f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptNoContact)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != PlanFailed {
		t.Errorf("plan status = %s, want FAILED after window close", updated.Status)
	}
}

func TestRecordOutcomeReplayIsNoOp(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	if _, err := f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptNoContact); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptNoContact); err != nil {
		t.Fatalf("replayed outcome should be a no-op, got %v", err)
	}

	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 2 {
		t.Errorf("replay scheduled a duplicate attempt: %d attempts", len(attempts))
	}

	if _, err := f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptDeclined); !errors.Is(err, errors.ErrConflict) {
		t.Errorf("conflicting outcome should fail, got %v", err)
	}
}

func TestTriggerNowReschedulesPendingAttempt(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	now := f.episode.DischargeAt.Add(time.Hour)
	f.setNow(now)

	attempt, err := f.service.TriggerNow(context.Background(), f.episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !attempt.ScheduledAt.Equal(now) {
		t.Errorf("attempt not rescheduled to now: %v", attempt.ScheduledAt)
	}

	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 1 {
		t.Errorf("trigger created a duplicate attempt")
	}
}

func TestTriggerNowExhausted(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	// burn through the attempt budget without failing the plan
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptNoContact)
	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	f.service.RecordAttemptOutcome(context.Background(), attempts[1].ID, AttemptNoContact)

	// third attempt pending; mark it no-contact manually via store so the
	// plan is failed and no active plan remains
	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if _, err := f.service.RecordAttemptOutcome(context.Background(), attempts[2].ID, AttemptNoContact); err != nil {
		t.Fatal(err)
	}

	_, err := f.service.TriggerNow(context.Background(), f.episode.ID)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("expected not found for terminal plan, got %v", err)
	}
}

func TestHandleAttemptDueDispatchesCriticalSend(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	timer := scheduler.Timer{Kind: scheduler.KindAttemptDue, EntityID: attempts[0].ID}
	if err := f.service.HandleAttemptDue(context.Background(), timer); err != nil {
		t.Fatal(err)
	}

	if len(f.notifier.messages) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(f.notifier.messages))
	}
	msg := f.notifier.messages[0]
	if !msg.Critical {
		t.Error("outreach contact must be a critical send")
	}
	if msg.Recipient != f.episode.PreferredPhone {
		t.Errorf("recipient = %s, want preferred phone", msg.Recipient)
	}

	attempt, _ := f.store.GetAttempt(context.Background(), attempts[0].ID)
	if attempt.Status != AttemptInProgress {
		t.Errorf("attempt status = %s, want IN_PROGRESS", attempt.Status)
	}
}

func TestHandleAttemptDueSkipsResolvedAttempt(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	f.service.RecordAttemptOutcome(context.Background(), attempts[0].ID, AttemptCompleted)

	timer := scheduler.Timer{Kind: scheduler.KindAttemptDue, EntityID: attempts[0].ID}
	if err := f.service.HandleAttemptDue(context.Background(), timer); err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.messages) != 0 {
		t.Error("stale timer produced a send for a resolved attempt")
	}
}

func TestHandleAttemptDueSendFailureTriggersFallback(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)
	f.notifier.fail = true

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	timer := scheduler.Timer{Kind: scheduler.KindAttemptDue, EntityID: attempts[0].ID}
	if err := f.service.HandleAttemptDue(context.Background(), timer); err != nil {
		t.Fatal(err)
	}

	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected fallback attempt after send failure, got %d attempts", len(attempts))
	}
	if attempts[0].Status != AttemptFailed {
		t.Errorf("first attempt status = %s, want FAILED", attempts[0].Status)
	}
	if attempts[1].Channel != notification.ChannelVoice {
		t.Errorf("fallback channel = %s, want VOICE", attempts[1].Channel)
	}
}

func TestHandleNotificationFailedFailsInProgressAttempt(t *testing.T) {
	f := newFixture(t, episode.ConditionHF, episode.RiskHigh)

	plan, _ := f.service.CreatePlan(context.Background(), f.episode.ID)
	attempts, _ := f.store.ListAttempts(context.Background(), plan.ID)
	f.setNow(f.episode.DischargeAt.Add(25 * time.Hour))

	// the send was handed to the worker pool, so dispatch itself succeeded
	timer := scheduler.Timer{Kind: scheduler.KindAttemptDue, EntityID: attempts[0].ID}
	if err := f.service.HandleAttemptDue(context.Background(), timer); err != nil {
		t.Fatal(err)
	}

	// the provider rejected the message after dispatch returned
	event := events.NewEvent(events.TypeNotificationFailed, "notification", attempts[0].ID, map[string]any{
		"reason": "carrier rejected",
	})
	if err := f.service.HandleNotificationFailed(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if attempts[0].Status != AttemptFailed {
		t.Errorf("attempt status = %s, want FAILED", attempts[0].Status)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected fallback attempt after delivery failure, got %d attempts", len(attempts))
	}
	if attempts[1].Channel != notification.ChannelVoice {
		t.Errorf("fallback channel = %s, want VOICE", attempts[1].Channel)
	}

	// redelivered failure events and events for unknown entities are no-ops
	if err := f.service.HandleNotificationFailed(context.Background(), event); err != nil {
		t.Fatalf("replayed failure event: %v", err)
	}
	stray := events.NewEvent(events.TypeNotificationFailed, "notification", types.NewID(), nil)
	if err := f.service.HandleNotificationFailed(context.Background(), stray); err != nil {
		t.Fatalf("failure event for unknown attempt: %v", err)
	}
	attempts, _ = f.store.ListAttempts(context.Background(), plan.ID)
	if len(attempts) != 2 {
		t.Errorf("replay spawned extra attempts, got %d", len(attempts))
	}
}

func TestHandlePatientDischargedIdempotent(t *testing.T) {
	f := newFixture(t, episode.ConditionCOPD, episode.RiskMedium)

	event := events.NewEvent(events.TypePatientDischarged, "hospitalfeed", f.episode.ID, nil)
	if err := f.service.HandlePatientDischarged(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if err := f.service.HandlePatientDischarged(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	count := 0
	f.store.mu.Lock()
	for range f.store.plans {
		count++
	}
	f.store.mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly one plan after duplicate discharge events, got %d", count)
	}
}
