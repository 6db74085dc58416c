package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Repository provides database operations for protocol configuration
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new protocol repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- Config Operations ---

// UpsertConfig activates a new config for its (condition, risk) pair,
// deactivating any previously active row in the same transaction.
func (r *Repository) UpsertConfig(ctx context.Context, cfg *Config) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE careloop.protocol_configs
		SET active = FALSE, updated_at = NOW()
		WHERE condition_code = $1 AND risk_level = $2 AND active`,
		cfg.ConditionCode, cfg.RiskLevel,
	)
	if err != nil {
		return errors.Wrap(err, "failed to deactivate previous config")
	}

	query := `
		INSERT INTO careloop.protocol_configs (
			id, condition_code, risk_level, schema_version, active, thresholds, routing
		) VALUES ($1, $2, $3, $4, TRUE, $5, $6)`

	_, err = tx.Exec(ctx, query,
		cfg.ID, cfg.ConditionCode, cfg.RiskLevel, cfg.SchemaVersion, cfg.Thresholds, cfg.Routing,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("active config already exists for this condition and risk level")
		}
		return errors.Wrap(err, "failed to insert config")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// GetActiveConfig retrieves the active config for a (condition, risk) pair
func (r *Repository) GetActiveConfig(ctx context.Context, condition episode.ConditionCode, risk episode.RiskLevel) (*Config, error) {
	query := `
		SELECT id, condition_code, risk_level, schema_version, active,
			thresholds, routing, created_at, updated_at
		FROM careloop.protocol_configs
		WHERE condition_code = $1 AND risk_level = $2 AND active`

	cfg := &Config{}
	err := r.pool.QueryRow(ctx, query, condition, risk).Scan(
		&cfg.ID, &cfg.ConditionCode, &cfg.RiskLevel, &cfg.SchemaVersion, &cfg.Active,
		&cfg.Thresholds, &cfg.Routing, &cfg.CreatedAt, &cfg.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("protocol config", string(condition)+"/"+string(risk))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get protocol config")
	}

	return cfg, nil
}

// ListConfigs lists all configs, active and retired
func (r *Repository) ListConfigs(ctx context.Context) ([]Config, error) {
	query := `
		SELECT id, condition_code, risk_level, schema_version, active,
			thresholds, routing, created_at, updated_at
		FROM careloop.protocol_configs
		ORDER BY condition_code, risk_level, created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list configs")
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var cfg Config
		err := rows.Scan(
			&cfg.ID, &cfg.ConditionCode, &cfg.RiskLevel, &cfg.SchemaVersion, &cfg.Active,
			&cfg.Thresholds, &cfg.Routing, &cfg.CreatedAt, &cfg.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan config")
		}
		configs = append(configs, cfg)
	}

	return configs, nil
}

// --- Rule Operations ---

// CreateRule creates a new rule
func (r *Repository) CreateRule(ctx context.Context, rule *Rule) error {
	query := `
		INSERT INTO careloop.protocol_rules (
			id, condition_code, severity, schema_version, text_patterns, action_type, message, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		rule.ID, rule.ConditionCode, rule.Severity, rule.SchemaVersion,
		rule.TextPatterns, rule.ActionType, rule.Message, rule.Active,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create rule")
	}

	return nil
}

// DeactivateRule retires a rule without deleting it
func (r *Repository) DeactivateRule(ctx context.Context, id types.ID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.protocol_rules
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to deactivate rule")
	}

	if result.RowsAffected() == 0 {
		return errors.NotFound("protocol rule", id.String())
	}

	return nil
}

// ListRulesBySeverity returns the active rules for a condition whose
// severity is in the given set, ordered most severe first.
func (r *Repository) ListRulesBySeverity(ctx context.Context, condition episode.ConditionCode, severities []Severity) ([]Rule, error) {
	if len(severities) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, condition_code, severity, schema_version, text_patterns,
			action_type, message, active, created_at, updated_at
		FROM careloop.protocol_rules
		WHERE condition_code = $1 AND severity = ANY($2) AND active
		ORDER BY
			CASE severity
				WHEN 'CRITICAL' THEN 0
				WHEN 'HIGH' THEN 1
				WHEN 'MODERATE' THEN 2
				ELSE 3
			END,
			created_at`

	codes := make([]string, len(severities))
	for i, s := range severities {
		codes[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, query, condition, codes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules")
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		err := rows.Scan(
			&rule.ID, &rule.ConditionCode, &rule.Severity, &rule.SchemaVersion, &rule.TextPatterns,
			&rule.ActionType, &rule.Message, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// --- Assignment Operations ---

// Assign binds an episode to a (condition, risk) pair, deactivating any
// previously active assignment in the same transaction.
func (r *Repository) Assign(ctx context.Context, a *Assignment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE careloop.protocol_assignments
		SET active = FALSE, deactivated_at = NOW()
		WHERE episode_id = $1 AND active`,
		a.EpisodeID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to deactivate previous assignment")
	}

	query := `
		INSERT INTO careloop.protocol_assignments (
			id, episode_id, condition_code, risk_level, active, assigned_at
		) VALUES ($1, $2, $3, $4, TRUE, $5)`

	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, query, a.ID, a.EpisodeID, a.ConditionCode, a.RiskLevel, a.AssignedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Concurrency("assignment changed concurrently, retry")
		}
		return errors.Wrap(err, "failed to insert assignment")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// GetActiveAssignment retrieves the active assignment for an episode
func (r *Repository) GetActiveAssignment(ctx context.Context, episodeID types.ID) (*Assignment, error) {
	query := `
		SELECT id, episode_id, condition_code, risk_level, active, assigned_at, deactivated_at
		FROM careloop.protocol_assignments
		WHERE episode_id = $1 AND active`

	a := &Assignment{}
	err := r.pool.QueryRow(ctx, query, episodeID).Scan(
		&a.ID, &a.EpisodeID, &a.ConditionCode, &a.RiskLevel, &a.Active, &a.AssignedAt, &a.DeactivatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("protocol assignment", episodeID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get protocol assignment")
	}

	return a, nil
}

// Seed installs the default configs and rules when the tables are empty
func (r *Repository) Seed(ctx context.Context) error {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM careloop.protocol_configs`).Scan(&count); err != nil {
		return errors.Wrap(err, "failed to count configs")
	}
	if count > 0 {
		return nil
	}

	for _, cfg := range DefaultConfigs() {
		cfg.ID = types.NewID()
		if err := r.UpsertConfig(ctx, &cfg); err != nil {
			return err
		}
	}
	for _, rule := range DefaultRules() {
		rule.ID = types.NewID()
		if err := r.CreateRule(ctx, &rule); err != nil {
			return err
		}
	}

	return nil
}
