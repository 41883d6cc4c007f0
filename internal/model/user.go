package model

import "fmt"

// User is the signed-in person as seen by the app.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
	Avatar string `json:"avatar,omitempty"`
}

// Roles.
const (
	RoleAdmin    = "admin"
	RolePro      = "pro"
	RoleOrdinary = "ordinary"
)

// MinPasswordLength is the shortest password accepted on registration.
const MinPasswordLength = 8

// RoleAtLeast checks if role meets or exceeds the minimum required role.
func RoleAtLeast(role, minimum string) bool {
	levels := map[string]int{
		RoleAdmin:    3,
		RolePro:      2,
		RoleOrdinary: 1,
	}
	have, ok := levels[role]
	if !ok {
		return false
	}
	want, ok := levels[minimum]
	if !ok {
		return false
	}
	return have >= want
}

// NormalizeRole maps unknown or empty roles to RoleOrdinary.
func NormalizeRole(role string) string {
	switch role {
	case RoleAdmin, RolePro, RoleOrdinary:
		return role
	}
	return RoleOrdinary
}

// IsPro reports whether the user has paid-tier features (admins included).
func (u *User) IsPro() bool {
	return u != nil && RoleAtLeast(u.Role, RolePro)
}

// IsAdmin reports whether the user is an administrator.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// ValidatePassword checks password strength rules.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}
