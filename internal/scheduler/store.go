package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Store persists timers
type Store interface {
	Schedule(ctx context.Context, timer *Timer) error
	Cancel(ctx context.Context, kind string, entityID types.ID) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Timer, error)
	MarkFired(ctx context.Context, id types.ID, firedAt time.Time) error
}

// PostgresStore is the pgx-backed timer store
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new timer store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schedule persists a timer. At most one unfired timer exists per
// (kind, entity); re-scheduling while one is pending is a no-op, which lets
// replayed events re-ensure a wake-up that a crash left unscheduled. To move
// a pending timer, Cancel it first.
func (s *PostgresStore) Schedule(ctx context.Context, timer *Timer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO careloop.timers (id, kind, entity_id, fire_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, entity_id) WHERE fired_at IS NULL DO NOTHING`,
		timer.ID, timer.Kind, timer.EntityID, timer.FireAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule timer")
	}
	return nil
}

// Cancel marks all unfired timers of a kind for an entity as fired so the
// polling loop skips them. Cancelling a timer that already fired is a no-op.
func (s *PostgresStore) Cancel(ctx context.Context, kind string, entityID types.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE careloop.timers
		SET fired_at = NOW()
		WHERE kind = $1 AND entity_id = $2 AND fired_at IS NULL`,
		kind, entityID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to cancel timers")
	}
	return nil
}

// claimLease is how long a claimed timer stays invisible to other pollers.
// A poller that crashes mid-handler forfeits the lease and the timer is
// retried once it expires.
const claimLease = 2 * time.Minute

// ClaimDue claims and returns up to limit due timers. The claim is a lease
// written in the same statement that selects the rows, so two pollers can
// never hold the same timer at once; handlers that fail keep the timer
// unfired and it is retried after the lease expires.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE careloop.timers
		SET claimed_until = $3
		WHERE id IN (
			SELECT id
			FROM careloop.timers
			WHERE fire_at <= $1 AND fired_at IS NULL
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY fire_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, entity_id, fire_at, fired_at, created_at`,
		now, limit, now.Add(claimLease),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim due timers")
	}
	defer rows.Close()

	var timers []Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.ID, &t.Kind, &t.EntityID, &t.FireAt, &t.FiredAt, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan timer")
		}
		timers = append(timers, t)
	}

	return timers, nil
}

// MarkFired records that a timer's handler completed
func (s *PostgresStore) MarkFired(ctx context.Context, id types.ID, firedAt time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE careloop.timers
		SET fired_at = $2
		WHERE id = $1 AND fired_at IS NULL`,
		id, firedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark timer fired")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("timer", id.String())
	}
	return nil
}
