package operator

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Repository provides database operations for the operator queue
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new operator repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RaiseAlert adds an alert to the operator queue
func (r *Repository) RaiseAlert(ctx context.Context, kind string, episodeID *types.ID, message string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO careloop.operator_alerts (id, kind, episode_id, message, details)
		VALUES ($1, $2, $3, $4, $5)`,
		types.NewID(), kind, episodeID, message, details,
	)
	if err != nil {
		return errors.Wrap(err, "failed to raise operator alert")
	}
	return nil
}

// ListOpen lists unacknowledged alerts, oldest first
func (r *Repository) ListOpen(ctx context.Context) ([]Alert, error) {
	query := `
		SELECT id, kind, episode_id, message, details, acknowledged, created_at
		FROM careloop.operator_alerts
		WHERE NOT acknowledged
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Kind, &a.EpisodeID, &a.Message, &a.Details, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan alert")
		}
		alerts = append(alerts, a)
	}

	return alerts, nil
}

// Acknowledge clears an alert from the queue
func (r *Repository) Acknowledge(ctx context.Context, id types.ID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.operator_alerts
		SET acknowledged = TRUE
		WHERE id = $1 AND NOT acknowledged`,
		id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to acknowledge alert")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("operator alert", id.String())
	}
	return nil
}
