package careteam

import (
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// Role represents a care team member's function
type Role string

const (
	RoleNurse       Role = "NURSE"
	RoleCoordinator Role = "COORDINATOR"
	RoleOperator    Role = "OPERATOR"
)

// Valid reports whether the role is a known value
func (r Role) Valid() bool {
	switch r {
	case RoleNurse, RoleCoordinator, RoleOperator:
		return true
	}
	return false
}

// User is a care team member. LastConsideredAt is the round-robin cursor:
// the nurse picked least recently is picked next.
type User struct {
	ID               types.ID   `json:"id"`
	Name             string     `json:"name"`
	Role             Role       `json:"role"`
	Active           bool       `json:"active"`
	Phone            string     `json:"phone,omitempty"`
	Email            string     `json:"email,omitempty"`
	LastConsideredAt *time.Time `json:"last_considered_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ListUsersFilter filters user listings
type ListUsersFilter struct {
	Role   *Role
	Active *bool
}
