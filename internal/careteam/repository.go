package careteam

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/types"
)

// Repository provides database operations for care team members
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new care team repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateUser creates a new care team member
func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO careloop.users (id, name, role, active, phone, email)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		user.ID, user.Name, user.Role, user.Active, user.Phone, user.Email,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("user already exists")
		}
		return errors.Wrap(err, "failed to create user")
	}

	return nil
}

// GetUser retrieves a care team member by ID
func (r *Repository) GetUser(ctx context.Context, id types.ID) (*User, error) {
	query := `
		SELECT id, name, role, active, phone, email, last_considered_at, created_at, updated_at
		FROM careloop.users
		WHERE id = $1`

	user := &User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Name, &user.Role, &user.Active, &user.Phone, &user.Email,
		&user.LastConsideredAt, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}

	return user, nil
}

// SetActive activates or deactivates a care team member
func (r *Repository) SetActive(ctx context.Context, id types.ID, active bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE careloop.users
		SET active = $2, updated_at = NOW()
		WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update user")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("user", id.String())
	}
	return nil
}

// ListUsers lists care team members with optional filters
func (r *Repository) ListUsers(ctx context.Context, filter ListUsersFilter) ([]User, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.Role != nil {
		conditions = append(conditions, fmt.Sprintf("role = $%d", argNum))
		args = append(args, *filter.Role)
		argNum++
	}

	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", argNum))
		args = append(args, *filter.Active)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, name, role, active, phone, email, last_considered_at, created_at, updated_at
		FROM careloop.users
		%s
		ORDER BY name`, whereClause)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		err := rows.Scan(
			&user.ID, &user.Name, &user.Role, &user.Active, &user.Phone, &user.Email,
			&user.LastConsideredAt, &user.CreatedAt, &user.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, user)
	}

	return users, nil
}

// NextNurse picks the active nurse least recently considered and advances
// the round-robin cursor. The row lock keeps concurrent assigners from
// picking the same nurse; SKIP LOCKED lets them move on to the next one.
func (r *Repository) NextNurse(ctx context.Context) (*User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, name, role, active, phone, email, last_considered_at, created_at, updated_at
		FROM careloop.users
		WHERE role = $1 AND active
		ORDER BY last_considered_at NULLS FIRST, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	user := &User{}
	err = tx.QueryRow(ctx, query, RoleNurse).Scan(
		&user.ID, &user.Name, &user.Role, &user.Active, &user.Phone, &user.Email,
		&user.LastConsideredAt, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("active nurse", "")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to pick next nurse")
	}

	_, err = tx.Exec(ctx, `
		UPDATE careloop.users
		SET last_considered_at = NOW(), updated_at = NOW()
		WHERE id = $1`, user.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to advance round-robin cursor")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	return user, nil
}
