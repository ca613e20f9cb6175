package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a dashboard user role.
type Role string

const (
	// RoleAdmin has full access: user management, all devices, audit logs.
	RoleAdmin Role = "admin"
	// RoleAnalyst has read access to data of assigned devices, including live streams.
	RoleAnalyst Role = "analyst"
	// RoleOperator can control assigned devices (start/stop streams) but not browse data.
	RoleOperator Role = "operator"
)

// User is a dashboard user account.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"` // bcrypt hash
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserPublic is the user representation exposed over the API.
type UserPublic struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ToPublic strips credential fields.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
}
