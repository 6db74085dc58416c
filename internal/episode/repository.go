package episode

import (
	"context"
	"strings"
	"time"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides episode persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new episode repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new episode
func (r *Repository) Create(ctx context.Context, e *Episode) error {
	query := `
		INSERT INTO careloop.episodes (
			id, patient_id, condition_code, risk_level, discharge_at,
			language_code, timezone, preferred_phone, email,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.PatientID, e.ConditionCode, e.RiskLevel, e.DischargeAt,
		e.LanguageCode, e.Timezone, e.PreferredPhone, e.Email,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("episode already exists")
		}
		return errors.Wrap(err, "failed to create episode")
	}

	return nil
}

// FindByID finds an episode by ID
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*Episode, error) {
	query := `
		SELECT id, patient_id, condition_code, risk_level, discharge_at,
			language_code, timezone, preferred_phone, email,
			created_at, updated_at
		FROM careloop.episodes
		WHERE id = $1`

	e := &Episode{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.PatientID, &e.ConditionCode, &e.RiskLevel, &e.DischargeAt,
		&e.LanguageCode, &e.Timezone, &e.PreferredPhone, &e.Email,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("episode", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find episode")
	}

	return e, nil
}

// UpgradeRisk records a risk-level change: updates the episode row and
// appends the structured upgrade record in one transaction.
func (r *Repository) UpgradeRisk(ctx context.Context, upgrade *RiskUpgrade) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE careloop.episodes
		SET risk_level = $2, updated_at = $3
		WHERE id = $1 AND risk_level = $4`,
		upgrade.EpisodeID, upgrade.ToLevel, time.Now(), upgrade.FromLevel,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update episode risk level")
	}
	if result.RowsAffected() == 0 {
		// Either the episode is missing or another upgrade won the race.
		return errors.Concurrency("episode risk level changed concurrently")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO careloop.risk_upgrades (id, episode_id, from_level, to_level, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		upgrade.ID, upgrade.EpisodeID, upgrade.FromLevel, upgrade.ToLevel,
		upgrade.Reason, upgrade.Source, upgrade.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append risk upgrade")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit risk upgrade")
	}

	return nil
}

// ListRiskUpgrades returns the append-only upgrade trail for an episode
func (r *Repository) ListRiskUpgrades(ctx context.Context, episodeID types.ID) ([]RiskUpgrade, error) {
	query := `
		SELECT id, episode_id, from_level, to_level, reason, source, created_at
		FROM careloop.risk_upgrades
		WHERE episode_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, episodeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list risk upgrades")
	}
	defer rows.Close()

	var upgrades []RiskUpgrade
	for rows.Next() {
		var u RiskUpgrade
		if err := rows.Scan(&u.ID, &u.EpisodeID, &u.FromLevel, &u.ToLevel, &u.Reason, &u.Source, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan risk upgrade")
		}
		upgrades = append(upgrades, u)
	}

	return upgrades, nil
}
