package model

import (
	"fmt"
	"strings"
	"time"
)

// UserType is the institutional category a user books as.
type UserType string

const (
	UserTypeStudent  UserType = "student"
	UserTypeFaculty  UserType = "faculty"
	UserTypeStaff    UserType = "staff"
	UserTypeExternal UserType = "external"
)

// UserTypes lists every known user type.
var UserTypes = []UserType{UserTypeStudent, UserTypeFaculty, UserTypeStaff, UserTypeExternal}

// ParseUserType normalizes s and rejects anything outside the closed set.
func ParseUserType(s string) (UserType, error) {
	t := UserType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case UserTypeStudent, UserTypeFaculty, UserTypeStaff, UserTypeExternal:
		return t, nil
	default:
		return "", fmt.Errorf("unknown user type: %q", s)
	}
}

// Role is the global role of a user.
type Role string

const (
	RoleUser       Role = "user"
	RoleSupervisor Role = "supervisor"
)

// ParseRole returns RoleUser for an empty string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleSupervisor:
		return RoleSupervisor, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Actor is an authenticated caller.
type Actor struct {
	UserID   string   `json:"user_id"`
	Name     string   `json:"name"`
	UserType UserType `json:"user_type"`
	Role     Role     `json:"role"`
}

// User mirrors an actor seen by the service, used for display joins.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserType  UserType  `json:"user_type"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
