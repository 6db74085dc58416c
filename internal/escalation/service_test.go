package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/careloop/careloop/internal/careteam"
	"github.com/careloop/careloop/internal/notification"
	"github.com/careloop/careloop/internal/scheduler"
	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/types"
)

// --- in-memory fakes ---

type memoryTaskStore struct {
	mu    sync.Mutex
	tasks map[types.ID]*Task
}

func newMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{tasks: make(map[types.ID]*Task)}
}

func (m *memoryTaskStore) CreateTask(ctx context.Context, task *Task) (*Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.DedupeKey != nil {
		for _, t := range m.tasks {
			if t.DedupeKey != nil && *t.DedupeKey == *task.DedupeKey {
				copied := *t
				return &copied, false, nil
			}
		}
	}
	copied := *task
	m.tasks[task.ID] = &copied
	result := copied
	return &result, true, nil
}

func (m *memoryTaskStore) GetTask(ctx context.Context, id types.ID) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.NotFound("escalation task", id.String())
	}
	copied := *t
	return &copied, nil
}

func (m *memoryTaskStore) ListOpenUnassigned(ctx context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status == TaskOpen && t.AssignedToUserID == nil {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *memoryTaskStore) AssignTask(ctx context.Context, id types.ID, userID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.NotFound("escalation task", id.String())
	}
	if t.Status != TaskOpen || t.AssignedToUserID != nil {
		if t.AssignedToUserID != nil && *t.AssignedToUserID == userID {
			return nil
		}
		return errors.Concurrency("task already assigned")
	}
	t.AssignedToUserID = &userID
	return nil
}

func (m *memoryTaskStore) UpdateStatus(ctx context.Context, id types.ID, from []TaskStatus, to TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.NotFound("escalation task", id.String())
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			return nil
		}
	}
	if t.Status == to {
		return nil
	}
	return errors.Concurrency("task status changed concurrently")
}

func (m *memoryTaskStore) Resolve(ctx context.Context, id types.ID, outcomeCode, notes string, resolvedBy types.ID, followUp *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.NotFound("escalation task", id.String())
	}
	if t.Status != TaskOpen && t.Status != TaskInProgress {
		if t.Status == TaskResolved {
			return errors.Conflict("task already resolved")
		}
		return errors.Conflict("task is not open")
	}
	now := time.Now().UTC()
	t.Status = TaskResolved
	t.ResolutionOutcomeCode = &outcomeCode
	t.ResolutionNotes = &notes
	t.ResolvedBy = &resolvedBy
	t.ResolvedAt = &now
	if followUp != nil {
		copied := *followUp
		m.tasks[followUp.ID] = &copied
	}
	return nil
}

func (m *memoryTaskStore) MarkWarningSent(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, errors.NotFound("escalation task", id.String())
	}
	if t.WarningSentAt != nil {
		return false, nil
	}
	t.WarningSentAt = &at
	return true, nil
}

func (m *memoryTaskStore) MarkBreachSent(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, errors.NotFound("escalation task", id.String())
	}
	if t.BreachSentAt != nil {
		return false, nil
	}
	t.BreachSentAt = &at
	return true, nil
}

type stubNurses struct {
	mu     sync.Mutex
	nurses []*careteam.User
	next   int
}

func (s *stubNurses) NextNurse(ctx context.Context) (*careteam.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nurses) == 0 {
		return nil, errors.NotFound("active nurse", "")
	}
	nurse := s.nurses[s.next%len(s.nurses)]
	s.next++
	return nurse, nil
}

func (s *stubNurses) GetUser(ctx context.Context, id types.ID) (*careteam.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nurses {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, errors.NotFound("user", id.String())
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
}

func (n *queueNotifier) Dispatch(ctx context.Context, msg *notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	copied := *msg
	n.messages = append(n.messages, &copied)
	return nil
}

func (n *queueNotifier) sent() []*notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*notification.Message(nil), n.messages...)
}

type recordingAlerts struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAlerts) RaiseAlert(ctx context.Context, kind string, episodeID *types.ID, message string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
	return nil
}

// --- fixtures ---

type fixture struct {
	engine   *Engine
	store    *memoryTaskStore
	nurses   *stubNurses
	timers   *memoryTimers
	notifier *queueNotifier
	alerts   *recordingAlerts
	bus      *events.MemoryBus
}

func newFixture(t *testing.T, nurseCount int) *fixture {
	t.Helper()

	nurses := &stubNurses{}
	for i := 0; i < nurseCount; i++ {
		nurses.nurses = append(nurses.nurses, &careteam.User{
			ID:     types.NewID(),
			Name:   "Nurse",
			Role:   careteam.RoleNurse,
			Active: true,
			Phone:  "+15559990000",
		})
	}

	store := newMemoryTaskStore()
	timers := &memoryTimers{}
	notifier := &queueNotifier{}
	alerts := &recordingAlerts{}
	bus := events.NewMemoryBus()

	cfg := config.SchedulerConfig{AssignRetryInterval: 5 * time.Minute}
	engine := NewEngine(store, nurses, timers, notifier, alerts, bus, cfg)

	return &fixture{engine: engine, store: store, nurses: nurses, timers: timers, notifier: notifier, alerts: alerts, bus: bus}
}

func (f *fixture) setNow(t time.Time) {
	f.engine.now = func() time.Time { return t }
}

func (f *fixture) createTask(t *testing.T, severity Severity) *Task {
	t.Helper()
	task, err := f.engine.CreateTask(context.Background(), CreateTaskParams{
		EpisodeID:   types.NewID(),
		Severity:    severity,
		ReasonCodes: []string{"CHEST_PAIN"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// --- tests ---

func TestCreateTaskSLADeadlines(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		severity Severity
		minutes  int
		priority int
	}{
		{SeverityCritical, 30, 1},
		{SeverityHigh, 120, 2},
		{SeverityModerate, 240, 3},
		{SeverityLow, 480, 4},
	}

	for _, tc := range cases {
		t.Run(string(tc.severity), func(t *testing.T) {
			f := newFixture(t, 1)
			f.setNow(now)

			task := f.createTask(t, tc.severity)

			want := now.Add(time.Duration(tc.minutes) * time.Minute)
			if task.SLADueAt == nil || !task.SLADueAt.Equal(want) {
				t.Errorf("sla_due_at = %v, want %v", task.SLADueAt, want)
			}
			if task.SLAMinutes != tc.minutes {
				t.Errorf("sla_minutes = %d, want %d", task.SLAMinutes, tc.minutes)
			}
			if task.Priority != tc.priority {
				t.Errorf("priority = %d, want %d", task.Priority, tc.priority)
			}

			warning := f.timers.pendingFor(scheduler.KindSLAWarning, task.ID)
			breach := f.timers.pendingFor(scheduler.KindSLABreach, task.ID)
			if warning == nil || breach == nil {
				t.Fatal("expected warning and breach timers")
			}
			wantWarning := now.Add(time.Duration(tc.minutes) * time.Minute * 3 / 4)
			if !warning.FireAt.Equal(wantWarning) {
				t.Errorf("warning fire_at = %v, want %v", warning.FireAt, wantWarning)
			}
			if !breach.FireAt.Equal(want) {
				t.Errorf("breach fire_at = %v, want %v", breach.FireAt, want)
			}
			if !warning.FireAt.Before(breach.FireAt) {
				t.Error("warning must precede breach")
			}
		})
	}
}

func TestCreateTaskInvalidSeverity(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.engine.CreateTask(context.Background(), CreateTaskParams{
		EpisodeID: types.NewID(),
		Severity:  Severity("URGENT"),
	})
	if !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateTaskDedupe(t *testing.T) {
	f := newFixture(t, 1)
	episodeID := types.NewID()
	key := "attempt:" + types.NewID().String()

	first, err := f.engine.CreateTask(context.Background(), CreateTaskParams{
		EpisodeID: episodeID,
		Severity:  SeverityCritical,
		DedupeKey: &key,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	second, err := f.engine.CreateTask(context.Background(), CreateTaskParams{
		EpisodeID: episodeID,
		Severity:  SeverityCritical,
		DedupeKey: &key,
	})
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("replay created a second task: %s vs %s", first.ID, second.ID)
	}

	f.timers.mu.Lock()
	count := len(f.timers.timers)
	f.timers.mu.Unlock()
	if count != 2 {
		t.Errorf("expected 2 timers after replay, got %d", count)
	}
}

func TestCreateTaskReplayRestoresMonitors(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, 1)
	f.setNow(now)

	episodeID := types.NewID()
	key := "attempt:" + types.NewID().String()
	params := CreateTaskParams{
		EpisodeID: episodeID,
		Severity:  SeverityHigh,
		DedupeKey: &key,
	}

	// The task commits but the process dies before the monitors land.
	f.timers.failNext = true
	if _, err := f.engine.CreateTask(context.Background(), params); err == nil {
		t.Fatal("expected timer store failure")
	}

	f.store.mu.Lock()
	persisted := len(f.store.tasks)
	f.store.mu.Unlock()
	if persisted != 1 {
		t.Fatalf("expected task persisted despite timer failure, got %d", persisted)
	}

	// The replayed event must repair the missing wake-ups.
	task, err := f.engine.CreateTask(context.Background(), params)
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}

	warning := f.timers.pendingFor(scheduler.KindSLAWarning, task.ID)
	breach := f.timers.pendingFor(scheduler.KindSLABreach, task.ID)
	if warning == nil || breach == nil {
		t.Fatal("expected warning and breach timers after replay")
	}
	wantBreach := now.Add(time.Duration(task.SLAMinutes) * time.Minute)
	if !breach.FireAt.Equal(wantBreach) {
		t.Errorf("breach fire_at = %v, want %v", breach.FireAt, wantBreach)
	}
}

func TestCreateTaskAssignsRoundRobin(t *testing.T) {
	f := newFixture(t, 2)

	first := f.createTask(t, SeverityHigh)
	second := f.createTask(t, SeverityHigh)

	if first.AssignedToUserID == nil || second.AssignedToUserID == nil {
		t.Fatal("expected both tasks assigned")
	}
	if *first.AssignedToUserID == *second.AssignedToUserID {
		t.Error("expected rotation across nurses")
	}
}

func TestCreateTaskNoNurseSchedulesRetry(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, 0)
	f.setNow(now)

	task := f.createTask(t, SeverityHigh)

	if task.AssignedToUserID != nil {
		t.Fatal("expected task unassigned")
	}
	retry := f.timers.pendingFor(scheduler.KindAssignRetry, task.ID)
	if retry == nil {
		t.Fatal("expected assign retry timer")
	}
	if !retry.FireAt.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("retry fire_at = %v, want %v", retry.FireAt, now.Add(5*time.Minute))
	}
}

func TestHandleAssignRetryAssignsWhenNurseAppears(t *testing.T) {
	f := newFixture(t, 0)
	task := f.createTask(t, SeverityHigh)

	f.nurses.mu.Lock()
	nurse := &careteam.User{ID: types.NewID(), Role: careteam.RoleNurse, Active: true, Phone: "+15559990001"}
	f.nurses.nurses = append(f.nurses.nurses, nurse)
	f.nurses.mu.Unlock()

	timer := scheduler.Timer{Kind: scheduler.KindAssignRetry, EntityID: task.ID}
	if err := f.engine.HandleAssignRetry(context.Background(), timer); err != nil {
		t.Fatalf("assign retry: %v", err)
	}

	got, _ := f.store.GetTask(context.Background(), task.ID)
	if got.AssignedToUserID == nil || *got.AssignedToUserID != nurse.ID {
		t.Errorf("expected task assigned to %s, got %v", nurse.ID, got.AssignedToUserID)
	}
}

func TestHandleSLAWarningNotifiesOnce(t *testing.T) {
	f := newFixture(t, 1)
	task := f.createTask(t, SeverityHigh)

	timer := scheduler.Timer{Kind: scheduler.KindSLAWarning, EntityID: task.ID}
	if err := f.engine.HandleSLAWarning(context.Background(), timer); err != nil {
		t.Fatalf("sla warning: %v", err)
	}
	if err := f.engine.HandleSLAWarning(context.Background(), timer); err != nil {
		t.Fatalf("replayed sla warning: %v", err)
	}

	msgs := f.notifier.sent()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 warning notification, got %d", len(msgs))
	}
	if msgs[0].Critical {
		t.Error("warning notification should not be critical")
	}

	got, _ := f.store.GetTask(context.Background(), task.ID)
	if got.WarningSentAt == nil {
		t.Error("expected warning_sent_at stamped")
	}
}

func TestHandleSLABreachIsCritical(t *testing.T) {
	f := newFixture(t, 1)
	task := f.createTask(t, SeverityCritical)

	timer := scheduler.Timer{Kind: scheduler.KindSLABreach, EntityID: task.ID}
	if err := f.engine.HandleSLABreach(context.Background(), timer); err != nil {
		t.Fatalf("sla breach: %v", err)
	}

	msgs := f.notifier.sent()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 breach notification, got %d", len(msgs))
	}
	if !msgs[0].Critical {
		t.Error("breach notification must be critical")
	}
}

func TestHandleSLABreachUnassignedRaisesAlert(t *testing.T) {
	f := newFixture(t, 0)
	task := f.createTask(t, SeverityHigh)

	timer := scheduler.Timer{Kind: scheduler.KindSLABreach, EntityID: task.ID}
	if err := f.engine.HandleSLABreach(context.Background(), timer); err != nil {
		t.Fatalf("sla breach: %v", err)
	}

	if len(f.notifier.sent()) != 0 {
		t.Error("expected no nurse notification for unassigned task")
	}
	f.alerts.mu.Lock()
	kinds := append([]string(nil), f.alerts.kinds...)
	f.alerts.mu.Unlock()
	if len(kinds) != 1 || kinds[0] != "assignment.stalled" {
		t.Errorf("expected assignment.stalled alert, got %v", kinds)
	}
}

func TestResolveBeforeWarningSuppressesMonitors(t *testing.T) {
	f := newFixture(t, 1)
	task := f.createTask(t, SeverityHigh)

	if _, err := f.engine.Resolve(context.Background(), task.ID, "SYMPTOMS_MANAGED", "spoke with patient", types.NewID()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if f.timers.pendingFor(scheduler.KindSLAWarning, task.ID) != nil {
		t.Error("expected warning timer cancelled")
	}
	if f.timers.pendingFor(scheduler.KindSLABreach, task.ID) != nil {
		t.Error("expected breach timer cancelled")
	}

	// a stale timer claimed before the cancel still fires the handler
	timer := scheduler.Timer{Kind: scheduler.KindSLAWarning, EntityID: task.ID}
	if err := f.engine.HandleSLAWarning(context.Background(), timer); err != nil {
		t.Fatalf("stale warning: %v", err)
	}
	if len(f.notifier.sent()) != 0 {
		t.Errorf("expected no notifications for resolved task, got %d", len(f.notifier.sent()))
	}
}

func TestResolveBetweenWarningAndBreach(t *testing.T) {
	f := newFixture(t, 1)
	task := f.createTask(t, SeverityHigh)

	warning := scheduler.Timer{Kind: scheduler.KindSLAWarning, EntityID: task.ID}
	if err := f.engine.HandleSLAWarning(context.Background(), warning); err != nil {
		t.Fatalf("sla warning: %v", err)
	}
	if _, err := f.engine.Resolve(context.Background(), task.ID, "SYMPTOMS_MANAGED", "", types.NewID()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	breach := scheduler.Timer{Kind: scheduler.KindSLABreach, EntityID: task.ID}
	if err := f.engine.HandleSLABreach(context.Background(), breach); err != nil {
		t.Fatalf("stale breach: %v", err)
	}

	if len(f.notifier.sent()) != 1 {
		t.Fatalf("expected exactly the warning notification, got %d", len(f.notifier.sent()))
	}
}

func TestResolveTelevisitSpawnsFollowUp(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, 1)
	f.setNow(now)

	task := f.createTask(t, SeverityHigh)
	if _, err := f.engine.Resolve(context.Background(), task.ID, OutcomeTelevisitScheduled, "televisit on Friday", types.NewID()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var followUp *Task
	f.store.mu.Lock()
	for _, cand := range f.store.tasks {
		if cand.ID != task.ID && cand.EpisodeID == task.EpisodeID {
			copied := *cand
			followUp = &copied
		}
	}
	f.store.mu.Unlock()

	if followUp == nil {
		t.Fatal("expected a follow-up task")
	}
	if followUp.Severity != SeverityLow {
		t.Errorf("follow-up severity = %s, want LOW", followUp.Severity)
	}
	if followUp.SLAMinutes != FollowUpSLAMinutes {
		t.Errorf("follow-up sla_minutes = %d, want %d", followUp.SLAMinutes, FollowUpSLAMinutes)
	}
	want := now.Add(time.Duration(FollowUpSLAMinutes) * time.Minute)
	if followUp.SLADueAt == nil || !followUp.SLADueAt.Equal(want) {
		t.Errorf("follow-up sla_due_at = %v, want %v", followUp.SLADueAt, want)
	}
	if f.timers.pendingFor(scheduler.KindSLABreach, followUp.ID) == nil {
		t.Error("expected breach timer for follow-up")
	}
}

func TestResolveTwiceConflicts(t *testing.T) {
	f := newFixture(t, 1)
	task := f.createTask(t, SeverityModerate)

	if _, err := f.engine.Resolve(context.Background(), task.ID, "SYMPTOMS_MANAGED", "", types.NewID()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := f.engine.Resolve(context.Background(), task.ID, "SYMPTOMS_MANAGED", "", types.NewID())
	if !errors.Is(err, errors.ErrConflict) {
		t.Fatalf("expected conflict on second resolve, got %v", err)
	}
}

func TestStartAndCancel(t *testing.T) {
	f := newFixture(t, 1)
	task := f.createTask(t, SeverityModerate)

	started, err := f.engine.Start(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != TaskInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", started.Status)
	}

	cancelled, err := f.engine.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != TaskCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
	if f.timers.pendingFor(scheduler.KindSLABreach, task.ID) != nil {
		t.Error("expected breach timer cancelled")
	}
}

func TestHandleNurseActivatedAssignsBacklog(t *testing.T) {
	f := newFixture(t, 0)
	first := f.createTask(t, SeverityHigh)
	second := f.createTask(t, SeverityModerate)

	f.nurses.mu.Lock()
	f.nurses.nurses = append(f.nurses.nurses, &careteam.User{ID: types.NewID(), Role: careteam.RoleNurse, Active: true})
	f.nurses.mu.Unlock()

	event := events.NewEvent(events.TypeNurseActivated, "careteam", types.NewID(), nil)
	if err := f.engine.HandleNurseActivated(context.Background(), event); err != nil {
		t.Fatalf("nurse activated: %v", err)
	}

	for _, id := range []types.ID{first.ID, second.ID} {
		got, _ := f.store.GetTask(context.Background(), id)
		if got.AssignedToUserID == nil {
			t.Errorf("task %s still unassigned", id)
		}
	}
}
