package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Repository provides database operations for escalation tasks
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new escalation repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const taskColumns = `id, episode_id, severity, priority, reason_codes, sla_due_at, sla_minutes,
	assigned_to_user_id, status, source_attempt_id, dedupe_key,
	resolution_outcome_code, resolution_notes, resolved_by, resolved_at,
	warning_sent_at, breach_sent_at, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID, &t.EpisodeID, &t.Severity, &t.Priority, &t.ReasonCodes, &t.SLADueAt, &t.SLAMinutes,
		&t.AssignedToUserID, &t.Status, &t.SourceAttemptID, &t.DedupeKey,
		&t.ResolutionOutcomeCode, &t.ResolutionNotes, &t.ResolvedBy, &t.ResolvedAt,
		&t.WarningSentAt, &t.BreachSentAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTask inserts a task. When a dedupe key is set and a task with the
// same key already exists, the existing task is returned with created=false.
// This absorbs replayed risk-signal events.
func (r *Repository) CreateTask(ctx context.Context, task *Task) (*Task, bool, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO careloop.escalation_tasks (
			id, episode_id, severity, priority, reason_codes, sla_due_at, sla_minutes,
			status, source_attempt_id, dedupe_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
		task.ID, task.EpisodeID, task.Severity, task.Priority, task.ReasonCodes,
		task.SLADueAt, task.SLAMinutes, task.Status, task.SourceAttemptID, task.DedupeKey,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create task")
	}

	if result.RowsAffected() == 0 && task.DedupeKey != nil {
		existing, err := r.GetTaskByDedupeKey(ctx, *task.DedupeKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return task, true, nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id types.ID) (*Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM careloop.escalation_tasks WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("escalation task", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return t, nil
}

// GetTaskByDedupeKey retrieves a task by its dedupe key
func (r *Repository) GetTaskByDedupeKey(ctx context.Context, key string) (*Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM careloop.escalation_tasks WHERE dedupe_key = $1`, key))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("escalation task", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task by dedupe key")
	}
	return t, nil
}

// ListTasksFilter filters task listings
type ListTasksFilter struct {
	EpisodeID *types.ID
	Status    *TaskStatus
	Assignee  *types.ID
}

// ListTasks lists tasks most urgent first
func (r *Repository) ListTasks(ctx context.Context, filter ListTasksFilter) ([]Task, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.EpisodeID != nil {
		conditions = append(conditions, fmt.Sprintf("episode_id = $%d", argNum))
		args = append(args, *filter.EpisodeID)
		argNum++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.Assignee != nil {
		conditions = append(conditions, fmt.Sprintf("assigned_to_user_id = $%d", argNum))
		args = append(args, *filter.Assignee)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT `+taskColumns+`
		FROM careloop.escalation_tasks
		%s
		ORDER BY priority, sla_due_at NULLS LAST`, whereClause)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, *t)
	}

	return tasks, nil
}

// ListOpenUnassigned lists open tasks with no assignee, most urgent first
func (r *Repository) ListOpenUnassigned(ctx context.Context) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM careloop.escalation_tasks
		WHERE status = 'OPEN' AND assigned_to_user_id IS NULL
		ORDER BY priority, sla_due_at NULLS LAST`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unassigned tasks")
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, *t)
	}

	return tasks, nil
}

// AssignTask sets the assignee if the task is still open and unassigned.
// A concurrent assigner losing the race gets a concurrency error, not a
// double assignment.
func (r *Repository) AssignTask(ctx context.Context, id types.ID, userID types.ID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.escalation_tasks
		SET assigned_to_user_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN' AND assigned_to_user_id IS NULL`,
		id, userID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to assign task")
	}

	if result.RowsAffected() == 0 {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.AssignedToUserID != nil && *t.AssignedToUserID == userID {
			return nil
		}
		return errors.Concurrency("task already assigned or no longer open")
	}

	return nil
}

// UpdateStatus moves a task between non-terminal states
func (r *Repository) UpdateStatus(ctx context.Context, id types.ID, from []TaskStatus, to TaskStatus) error {
	codes := make([]string, len(from))
	for i, s := range from {
		codes[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.escalation_tasks
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, codes,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update task status")
	}

	if result.RowsAffected() == 0 {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == to {
			return nil
		}
		return errors.Concurrency("task status changed concurrently")
	}

	return nil
}

// Resolve marks a task resolved and, when followUp is non-nil, inserts the
// follow-up task in the same transaction.
func (r *Repository) Resolve(ctx context.Context, id types.ID, outcomeCode, notes string, resolvedBy types.ID, followUp *Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE careloop.escalation_tasks
		SET status = 'RESOLVED',
		    resolution_outcome_code = $2,
		    resolution_notes = $3,
		    resolved_by = $4,
		    resolved_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('OPEN', 'IN_PROGRESS')`,
		id, outcomeCode, notes, resolvedBy,
	)
	if err != nil {
		return errors.Wrap(err, "failed to resolve task")
	}
	if result.RowsAffected() == 0 {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == TaskResolved {
			return errors.Conflict("task already resolved")
		}
		return errors.Conflict("task is not open")
	}

	if followUp != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO careloop.escalation_tasks (
				id, episode_id, severity, priority, reason_codes, sla_due_at, sla_minutes, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			followUp.ID, followUp.EpisodeID, followUp.Severity, followUp.Priority,
			followUp.ReasonCodes, followUp.SLADueAt, followUp.SLAMinutes, followUp.Status,
		)
		if err != nil {
			return errors.Wrap(err, "failed to create follow-up task")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// MarkWarningSent stamps the SLA warning exactly once. Returns false when
// another monitor already stamped it.
func (r *Repository) MarkWarningSent(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.escalation_tasks
		SET warning_sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND warning_sent_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark warning sent")
	}
	return result.RowsAffected() > 0, nil
}

// CountBySeverity counts an episode's tasks carrying any of the given
// severities, regardless of status
func (r *Repository) CountBySeverity(ctx context.Context, episodeID types.ID, severities []Severity) (int, error) {
	codes := make([]string, len(severities))
	for i, s := range severities {
		codes[i] = string(s)
	}

	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM careloop.escalation_tasks
		WHERE episode_id = $1 AND severity = ANY($2)`,
		episodeID, codes,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count tasks")
	}
	return count, nil
}

// MarkBreachSent stamps the SLA breach exactly once
func (r *Repository) MarkBreachSent(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.escalation_tasks
		SET breach_sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND breach_sent_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark breach sent")
	}
	return result.RowsAffected() > 0, nil
}
