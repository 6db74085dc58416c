package outreach

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Repository provides database operations for plans and attempts
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new outreach repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const planColumns = `id, episode_id, preferred_channel, fallback_channel,
	window_start, window_end, max_attempts, timezone, language_code, status,
	created_at, updated_at`

const attemptColumns = `id, plan_id, attempt_number, scheduled_at, channel,
	status, completed_at, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	p := &Plan{}
	err := row.Scan(
		&p.ID, &p.EpisodeID, &p.PreferredChannel, &p.FallbackChannel,
		&p.WindowStart, &p.WindowEnd, &p.MaxAttempts, &p.Timezone, &p.LanguageCode, &p.Status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	a := &Attempt{}
	err := row.Scan(
		&a.ID, &a.PlanID, &a.AttemptNumber, &a.ScheduledAt, &a.Channel,
		&a.Status, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreatePlan inserts a plan and its first attempt atomically. If an active
// plan already exists for the episode the insert is a no-op and the existing
// plan is returned with created=false. This is the idempotency guard against
// racing discharge events.
func (r *Repository) CreatePlan(ctx context.Context, plan *Plan, first *Attempt) (*Plan, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO careloop.outreach_plans (
			id, episode_id, preferred_channel, fallback_channel,
			window_start, window_end, max_attempts, timezone, language_code, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (episode_id) WHERE status NOT IN ('COMPLETED', 'FAILED') DO NOTHING`,
		plan.ID, plan.EpisodeID, plan.PreferredChannel, plan.FallbackChannel,
		plan.WindowStart, plan.WindowEnd, plan.MaxAttempts, plan.Timezone, plan.LanguageCode, plan.Status,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert plan")
	}

	if result.RowsAffected() == 0 {
		existing, err := r.GetActivePlanByEpisode(ctx, plan.EpisodeID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO careloop.outreach_attempts (
			id, plan_id, attempt_number, scheduled_at, channel, status
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		first.ID, first.PlanID, first.AttemptNumber, first.ScheduledAt, first.Channel, first.Status,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert first attempt")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit transaction")
	}

	return plan, true, nil
}

// GetPlan retrieves a plan by ID
func (r *Repository) GetPlan(ctx context.Context, id types.ID) (*Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM careloop.outreach_plans WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("outreach plan", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get plan")
	}
	return p, nil
}

// GetActivePlanByEpisode retrieves the non-terminal plan for an episode
func (r *Repository) GetActivePlanByEpisode(ctx context.Context, episodeID types.ID) (*Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM careloop.outreach_plans
		WHERE episode_id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		episodeID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("active outreach plan", episodeID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active plan")
	}
	return p, nil
}

// UpdatePlanStatus moves a plan between states. The allowed-from guard makes
// replayed transitions no-ops: 0 rows affected with the plan already in the
// target state is not an error.
func (r *Repository) UpdatePlanStatus(ctx context.Context, id types.ID, from []PlanStatus, to PlanStatus) error {
	codes := make([]string, len(from))
	for i, s := range from {
		codes[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.outreach_plans
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, codes,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update plan status")
	}

	if result.RowsAffected() == 0 {
		var current PlanStatus
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM careloop.outreach_plans WHERE id = $1`, id).Scan(&current)
		if err == pgx.ErrNoRows {
			return errors.NotFound("outreach plan", id.String())
		}
		if err != nil {
			return errors.Wrap(err, "failed to read plan status")
		}
		if current == to {
			return nil
		}
		return errors.Concurrency("plan status changed concurrently")
	}

	return nil
}

// CreateAttempt inserts the next attempt. The unique (plan_id, attempt_number)
// constraint rejects a concurrent scheduler racing to the same slot.
func (r *Repository) CreateAttempt(ctx context.Context, a *Attempt) error {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO careloop.outreach_attempts (
			id, plan_id, attempt_number, scheduled_at, channel, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (plan_id, attempt_number) DO NOTHING`,
		a.ID, a.PlanID, a.AttemptNumber, a.ScheduledAt, a.Channel, a.Status,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert attempt")
	}
	if result.RowsAffected() == 0 {
		return errors.Concurrency("attempt already scheduled for this slot")
	}
	return nil
}

// GetAttempt retrieves an attempt by ID
func (r *Repository) GetAttempt(ctx context.Context, id types.ID) (*Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM careloop.outreach_attempts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("outreach attempt", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get attempt")
	}
	return a, nil
}

// ListAttempts lists a plan's attempts in order
func (r *Repository) ListAttempts(ctx context.Context, planID types.ID) ([]Attempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM careloop.outreach_attempts
		WHERE plan_id = $1
		ORDER BY attempt_number`,
		planID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt")
		}
		attempts = append(attempts, *a)
	}

	return attempts, nil
}

// LatestAttempt returns the highest-numbered attempt for a plan
func (r *Repository) LatestAttempt(ctx context.Context, planID types.ID) (*Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM careloop.outreach_attempts
		WHERE plan_id = $1
		ORDER BY attempt_number DESC
		LIMIT 1`,
		planID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("outreach attempt", planID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest attempt")
	}
	return a, nil
}

// UpdateAttemptStatus moves an attempt between states with the same
// replay-tolerant guard as UpdatePlanStatus.
func (r *Repository) UpdateAttemptStatus(ctx context.Context, id types.ID, from []AttemptStatus, to AttemptStatus) error {
	codes := make([]string, len(from))
	for i, s := range from {
		codes[i] = string(s)
	}

	var completedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.outreach_attempts
		SET status = $2, completed_at = COALESCE($4, completed_at), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, codes, completedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update attempt status")
	}

	if result.RowsAffected() == 0 {
		var current AttemptStatus
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM careloop.outreach_attempts WHERE id = $1`, id).Scan(&current)
		if err == pgx.ErrNoRows {
			return errors.NotFound("outreach attempt", id.String())
		}
		if err != nil {
			return errors.Wrap(err, "failed to read attempt status")
		}
		if current == to {
			return nil
		}
		return errors.Concurrency("attempt status changed concurrently")
	}

	return nil
}

// RescheduleAttempt moves a pending attempt's scheduled time
func (r *Repository) RescheduleAttempt(ctx context.Context, id types.ID, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.outreach_attempts
		SET scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`,
		id, at,
	)
	if err != nil {
		return errors.Wrap(err, "failed to reschedule attempt")
	}
	if result.RowsAffected() == 0 {
		return errors.Conflict("attempt is not pending")
	}
	return nil
}
