package escalation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/careloop/careloop/internal/careteam"
	"github.com/careloop/careloop/internal/notification"
	"github.com/careloop/careloop/internal/scheduler"
	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/metrics"
	"github.com/careloop/careloop/internal/shared/types"
)

// TaskStore persists escalation tasks
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) (*Task, bool, error)
	GetTask(ctx context.Context, id types.ID) (*Task, error)
	ListOpenUnassigned(ctx context.Context) ([]Task, error)
	AssignTask(ctx context.Context, id types.ID, userID types.ID) error
	UpdateStatus(ctx context.Context, id types.ID, from []TaskStatus, to TaskStatus) error
	Resolve(ctx context.Context, id types.ID, outcomeCode, notes string, resolvedBy types.ID, followUp *Task) error
	MarkWarningSent(ctx context.Context, id types.ID, at time.Time) (bool, error)
	MarkBreachSent(ctx context.Context, id types.ID, at time.Time) (bool, error)
}

// NurseDirectory picks assignees and resolves their contact details
type NurseDirectory interface {
	NextNurse(ctx context.Context) (*careteam.User, error)
	GetUser(ctx context.Context, id types.ID) (*careteam.User, error)
}

// Notifier queues outbound messages
type Notifier interface {
	Dispatch(ctx context.Context, msg *notification.Message) error
}

// AlertSink receives operator alerts for stalled assignment
type AlertSink interface {
	RaiseAlert(ctx context.Context, kind string, episodeID *types.ID, message string, details map[string]any) error
}

// Engine owns severity-driven SLA tasks: creation, round-robin assignment,
// staged warning/breach monitoring, resolution and follow-up spawning.
type Engine struct {
	store  TaskStore
	nurses NurseDirectory
	timers scheduler.Store
	notify Notifier
	alerts AlertSink
	bus    events.EventBus
	config config.SchedulerConfig

	// now is swapped in tests
	now func() time.Time
}

// NewEngine creates an escalation engine. alerts may be nil.
func NewEngine(store TaskStore, nurses NurseDirectory, timers scheduler.Store, notify Notifier, alerts AlertSink, bus events.EventBus, cfg config.SchedulerConfig) *Engine {
	return &Engine{
		store:  store,
		nurses: nurses,
		timers: timers,
		notify: notify,
		alerts: alerts,
		bus:    bus,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateTaskParams carries the risk signal that opens a task
type CreateTaskParams struct {
	EpisodeID       types.ID
	Severity        Severity
	ReasonCodes     []string
	SourceAttemptID *types.ID
	// DedupeKey makes creation idempotent under replayed events
	DedupeKey *string
}

// CreateTask opens a task with its SLA clock started: slaDueAt is fixed at
// creation and the warning/breach wake-ups are persisted immediately. A
// duplicate dedupe key returns the existing task without new timers.
func (e *Engine) CreateTask(ctx context.Context, params CreateTaskParams) (*Task, error) {
	if !params.Severity.Valid() {
		return nil, errors.Validation("invalid severity", map[string]string{
			"severity": string(params.Severity),
		})
	}
	if params.EpisodeID.IsZero() {
		return nil, errors.Validation("episode_id is required", nil)
	}

	now := e.now()
	slaMinutes := SLAMinutes(params.Severity)
	dueAt := now.Add(time.Duration(slaMinutes) * time.Minute)

	task := &Task{
		ID:              types.NewID(),
		EpisodeID:       params.EpisodeID,
		Severity:        params.Severity,
		Priority:        Priority(params.Severity),
		ReasonCodes:     params.ReasonCodes,
		SLADueAt:        &dueAt,
		SLAMinutes:      slaMinutes,
		Status:          TaskOpen,
		SourceAttemptID: params.SourceAttemptID,
		DedupeKey:       params.DedupeKey,
		CreatedAt:       now,
	}

	created, isNew, err := e.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	if !isNew {
		// A crash between the task commit and the monitor inserts leaves
		// the SLA unmonitored; the replayed event repairs it. Schedule is
		// idempotent per (kind, entity) so existing monitors are untouched.
		if !created.Status.Terminal() {
			if err := e.scheduleMonitors(ctx, created, created.CreatedAt); err != nil {
				return nil, err
			}
		}
		return created, nil
	}

	metrics.RecordTaskCreated(string(task.Severity))
	e.publish(ctx, events.NewEvent(events.TypeTaskCreated, "escalation", task.ID, map[string]any{
		"task_id":    task.ID,
		"episode_id": task.EpisodeID,
		"severity":   task.Severity,
		"sla_due_at": dueAt,
	}))

	if err := e.scheduleMonitors(ctx, task, now); err != nil {
		return nil, err
	}

	if _, err := e.AssignRoundRobin(ctx, task.ID); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// no active nurse right now; retry on a fixed interval
			retry := scheduler.NewTimer(scheduler.KindAssignRetry, task.ID, now.Add(e.config.AssignRetryInterval))
			if err := e.timers.Schedule(ctx, retry); err != nil {
				return nil, err
			}
		} else {
			log.Printf("escalation: initial assignment for %s: %v", task.ID, err)
		}
	}

	return e.store.GetTask(ctx, task.ID)
}

// scheduleMonitors persists the 75% warning and 100% breach wake-ups.
// A zero SLA disables monitoring entirely.
func (e *Engine) scheduleMonitors(ctx context.Context, task *Task, now time.Time) error {
	if task.SLAMinutes == 0 {
		return nil
	}

	sla := time.Duration(task.SLAMinutes) * time.Minute
	warningAt := now.Add(sla * 3 / 4)
	breachAt := now.Add(sla)

	if err := e.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindSLAWarning, task.ID, warningAt)); err != nil {
		return err
	}
	return e.timers.Schedule(ctx, scheduler.NewTimer(scheduler.KindSLABreach, task.ID, breachAt))
}

// AssignRoundRobin picks the least recently considered active nurse and
// assigns the task. The nurse pick and the assignment are individually
// serialized; a lost race leaves the task with the winner's assignee.
func (e *Engine) AssignRoundRobin(ctx context.Context, taskID types.ID) (*Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskOpen || task.AssignedToUserID != nil {
		return task, nil
	}

	nurse, err := e.nurses.NextNurse(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.store.AssignTask(ctx, taskID, nurse.ID); err != nil {
		if errors.Is(err, errors.ErrConcurrency) {
			return e.store.GetTask(ctx, taskID)
		}
		return nil, err
	}

	e.publish(ctx, events.NewEvent(events.TypeTaskAssigned, "escalation", taskID, map[string]any{
		"task_id":    taskID,
		"episode_id": task.EpisodeID,
		"user_id":    nurse.ID,
	}))

	return e.store.GetTask(ctx, taskID)
}

// Start marks an assigned task picked up
func (e *Engine) Start(ctx context.Context, taskID types.ID) (*Task, error) {
	if err := e.store.UpdateStatus(ctx, taskID, []TaskStatus{TaskOpen}, TaskInProgress); err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, taskID)
}

// Cancel closes a task without resolution
func (e *Engine) Cancel(ctx context.Context, taskID types.ID) (*Task, error) {
	if err := e.store.UpdateStatus(ctx, taskID, []TaskStatus{TaskOpen, TaskInProgress}, TaskCancelled); err != nil {
		return nil, err
	}
	e.cancelMonitors(ctx, taskID)
	return e.store.GetTask(ctx, taskID)
}

// Resolve closes a task with an outcome. A TELEVISIT_SCHEDULED outcome
// atomically spawns a low-severity follow-up task with a seven-day SLA.
func (e *Engine) Resolve(ctx context.Context, taskID types.ID, outcomeCode, notes string, resolvedBy types.ID) (*Task, error) {
	if outcomeCode == "" {
		return nil, errors.Validation("outcome_code is required", nil)
	}

	var followUp *Task
	if outcomeCode == OutcomeTelevisitScheduled {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		now := e.now()
		dueAt := now.Add(time.Duration(FollowUpSLAMinutes) * time.Minute)
		followUp = &Task{
			ID:          types.NewID(),
			EpisodeID:   task.EpisodeID,
			Severity:    SeverityLow,
			Priority:    Priority(SeverityLow),
			ReasonCodes: []string{"TELEVISIT_FOLLOW_UP"},
			SLADueAt:    &dueAt,
			SLAMinutes:  FollowUpSLAMinutes,
			Status:      TaskOpen,
		}
	}

	if err := e.store.Resolve(ctx, taskID, outcomeCode, notes, resolvedBy, followUp); err != nil {
		return nil, err
	}

	e.cancelMonitors(ctx, taskID)
	e.publish(ctx, events.NewEvent(events.TypeTaskResolved, "escalation", taskID, map[string]any{
		"task_id":      taskID,
		"outcome_code": outcomeCode,
		"resolved_by":  resolvedBy,
	}))

	if followUp != nil {
		metrics.RecordTaskCreated(string(SeverityLow))
		e.publish(ctx, events.NewEvent(events.TypeTaskCreated, "escalation", followUp.ID, map[string]any{
			"task_id":    followUp.ID,
			"episode_id": followUp.EpisodeID,
			"severity":   followUp.Severity,
			"sla_due_at": followUp.SLADueAt,
		}))
		if err := e.scheduleMonitors(ctx, followUp, e.now()); err != nil {
			return nil, err
		}
		if _, err := e.AssignRoundRobin(ctx, followUp.ID); err != nil && errors.Is(err, errors.ErrNotFound) {
			retry := scheduler.NewTimer(scheduler.KindAssignRetry, followUp.ID, e.now().Add(e.config.AssignRetryInterval))
			if err := e.timers.Schedule(ctx, retry); err != nil {
				return nil, err
			}
		}
	}

	return e.store.GetTask(ctx, taskID)
}

// HandleSLAWarning fires at 75% of the SLA. It re-reads the task first; a
// task resolved during the wait produces nothing.
func (e *Engine) HandleSLAWarning(ctx context.Context, timer scheduler.Timer) error {
	task, err := e.store.GetTask(ctx, timer.EntityID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status.Terminal() || task.SLAMinutes == 0 {
		return nil
	}

	stamped, err := e.store.MarkWarningSent(ctx, task.ID, e.now())
	if err != nil {
		return err
	}
	if !stamped {
		return nil
	}

	metrics.RecordSLAWarning()
	e.notifyAssignee(ctx, task, false)
	return nil
}

// HandleSLABreach fires at the SLA deadline with the same re-check
func (e *Engine) HandleSLABreach(ctx context.Context, timer scheduler.Timer) error {
	task, err := e.store.GetTask(ctx, timer.EntityID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status.Terminal() || task.SLAMinutes == 0 {
		return nil
	}

	stamped, err := e.store.MarkBreachSent(ctx, task.ID, e.now())
	if err != nil {
		return err
	}
	if !stamped {
		return nil
	}

	metrics.RecordSLABreach()
	e.notifyAssignee(ctx, task, true)

	if task.AssignedToUserID == nil && e.alerts != nil {
		if err := e.alerts.RaiseAlert(ctx, "assignment.stalled", &task.EpisodeID,
			"task breached its SLA with no assignee", map[string]any{
				"task_id":  task.ID.String(),
				"severity": task.Severity,
			}); err != nil {
			log.Printf("escalation: raise operator alert: %v", err)
		}
	}

	return nil
}

// HandleAssignRetry re-runs assignment for tasks that had no nurse
// available at creation time.
func (e *Engine) HandleAssignRetry(ctx context.Context, timer scheduler.Timer) error {
	task, err := e.store.GetTask(ctx, timer.EntityID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != TaskOpen || task.AssignedToUserID != nil {
		return nil
	}

	if _, err := e.AssignRoundRobin(ctx, task.ID); err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		// still nobody; keep retrying. The fired retry timer is still
		// pending in the store, so clear it before inserting the next one.
		if err := e.timers.Cancel(ctx, scheduler.KindAssignRetry, task.ID); err != nil {
			return err
		}
		retry := scheduler.NewTimer(scheduler.KindAssignRetry, task.ID, e.now().Add(e.config.AssignRetryInterval))
		return e.timers.Schedule(ctx, retry)
	}

	return nil
}

// HandleNurseActivated retries assignment for all unassigned open tasks
// when a nurse joins the rotation.
func (e *Engine) HandleNurseActivated(ctx context.Context, event events.Event) error {
	tasks, err := e.store.ListOpenUnassigned(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if _, err := e.AssignRoundRobin(ctx, task.ID); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return nil
			}
			log.Printf("escalation: assign on nurse activation: %v", err)
		}
	}
	return nil
}

func (e *Engine) cancelMonitors(ctx context.Context, taskID types.ID) {
	for _, kind := range []string{scheduler.KindSLAWarning, scheduler.KindSLABreach, scheduler.KindAssignRetry} {
		if err := e.timers.Cancel(ctx, kind, taskID); err != nil {
			log.Printf("escalation: cancel %s timer: %v", kind, err)
		}
	}
}

func (e *Engine) notifyAssignee(ctx context.Context, task *Task, breach bool) {
	if task.AssignedToUserID == nil {
		return
	}

	nurse, err := e.nurses.GetUser(ctx, *task.AssignedToUserID)
	if err != nil {
		log.Printf("escalation: resolve assignee %s: %v", task.AssignedToUserID, err)
		return
	}

	subject := "SLA warning"
	body := fmt.Sprintf("Task %s (%s) is approaching its SLA deadline.", task.ID, task.Severity)
	if breach {
		subject = "SLA breached"
		body = fmt.Sprintf("Task %s (%s) has breached its SLA deadline.", task.ID, task.Severity)
	}

	msg := &notification.Message{
		Recipient: nurse.Phone,
		Channel:   notification.ChannelSMS,
		Subject:   subject,
		Body:      body,
		Critical:  breach,
		TaskID:    &task.ID,
	}
	if err := e.notify.Dispatch(ctx, msg); err != nil {
		log.Printf("escalation: dispatch %s notification: %v", subject, err)
	}
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		log.Printf("escalation: publish %s: %v", event.Type, err)
	}
}
