package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the authorization claim carried by principals.
type Role string

const (
	// RoleUser is the default role for every account.
	RoleUser Role = "user"
	// RoleAdmin is the elevated role granted through the promote command.
	RoleAdmin Role = "admin"
)

// ErrInvalidRole indicates a role outside the supported set.
var ErrInvalidRole = errors.New("auth: invalid role")

// ParseRole normalizes raw input into a Role. Empty input yields RoleUser.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(RoleUser):
		return RoleUser, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}
