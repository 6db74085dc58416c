package notification

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Repository provides database operations for the dispatch log
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new notification repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateLog records a pending dispatch
func (r *Repository) CreateLog(ctx context.Context, l *Log) error {
	query := `
		INSERT INTO careloop.notification_logs (
			id, recipient, channel, subject, body, status, retry_count, attempt_id, task_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		l.ID, l.Recipient, l.Channel, l.Subject, l.Body, l.Status, l.RetryCount, l.AttemptID, l.TaskID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create notification log")
	}
	return nil
}

// MarkSent records a successful provider handoff
func (r *Repository) MarkSent(ctx context.Context, id types.ID, providerMessageID string, retryCount int) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.notification_logs
		SET status = $2, provider_message_id = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $1`,
		id, StatusSent, providerMessageID, retryCount,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark notification sent")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("notification log", id.String())
	}
	return nil
}

// MarkFailed records a terminal send failure
func (r *Repository) MarkFailed(ctx context.Context, id types.ID, reason string, retryCount int) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.notification_logs
		SET status = $2, failure_reason = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $1`,
		id, StatusFailed, reason, retryCount,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark notification failed")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("notification log", id.String())
	}
	return nil
}

// ApplyReceipt updates a log from a provider delivery callback. Receipts
// are applied at most once per terminal status; a replayed receipt that
// changes nothing is a no-op, not an error.
func (r *Repository) ApplyReceipt(ctx context.Context, receipt *DeliveryReceipt) (*Log, error) {
	query := `
		UPDATE careloop.notification_logs
		SET status = $2,
		    failure_reason = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE provider_message_id = $1 AND status NOT IN ('DELIVERED', 'FAILED')
		RETURNING id, recipient, channel, subject, body, status, retry_count,
			provider_message_id, failure_reason, attempt_id, task_id, created_at, updated_at`

	l := &Log{}
	err := r.pool.QueryRow(ctx, query, receipt.ProviderMessageID, receipt.Status, receipt.ErrorMessage).Scan(
		&l.ID, &l.Recipient, &l.Channel, &l.Subject, &l.Body, &l.Status, &l.RetryCount,
		&l.ProviderMessageID, &l.FailureReason, &l.AttemptID, &l.TaskID, &l.CreatedAt, &l.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		// Either an unknown message ID or a replay against a terminal row.
		exists := false
		if checkErr := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM careloop.notification_logs WHERE provider_message_id = $1)`,
			receipt.ProviderMessageID,
		).Scan(&exists); checkErr != nil {
			return nil, errors.Wrap(checkErr, "failed to check receipt target")
		}
		if exists {
			return nil, nil
		}
		return nil, errors.NotFound("notification", receipt.ProviderMessageID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply delivery receipt")
	}

	return l, nil
}

// GetLog retrieves a log entry by ID
func (r *Repository) GetLog(ctx context.Context, id types.ID) (*Log, error) {
	query := `
		SELECT id, recipient, channel, subject, body, status, retry_count,
			provider_message_id, failure_reason, attempt_id, task_id, created_at, updated_at
		FROM careloop.notification_logs
		WHERE id = $1`

	l := &Log{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&l.ID, &l.Recipient, &l.Channel, &l.Subject, &l.Body, &l.Status, &l.RetryCount,
		&l.ProviderMessageID, &l.FailureReason, &l.AttemptID, &l.TaskID, &l.CreatedAt, &l.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("notification log", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get notification log")
	}

	return l, nil
}

// ListByAttempt lists logs correlated with an outreach attempt
func (r *Repository) ListByAttempt(ctx context.Context, attemptID types.ID) ([]Log, error) {
	return r.list(ctx, `attempt_id = $1`, attemptID)
}

// ListByTask lists logs correlated with an escalation task
func (r *Repository) ListByTask(ctx context.Context, taskID types.ID) ([]Log, error) {
	return r.list(ctx, `task_id = $1`, taskID)
}

func (r *Repository) list(ctx context.Context, where string, arg any) ([]Log, error) {
	query := `
		SELECT id, recipient, channel, subject, body, status, retry_count,
			provider_message_id, failure_reason, attempt_id, task_id, created_at, updated_at
		FROM careloop.notification_logs
		WHERE ` + where + `
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notification logs")
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		err := rows.Scan(
			&l.ID, &l.Recipient, &l.Channel, &l.Subject, &l.Body, &l.Status, &l.RetryCount,
			&l.ProviderMessageID, &l.FailureReason, &l.AttemptID, &l.TaskID, &l.CreatedAt, &l.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan notification log")
		}
		logs = append(logs, l)
	}

	return logs, nil
}
