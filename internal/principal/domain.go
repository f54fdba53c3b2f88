package principal

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of roles known to the platform.
type Role string

const (
	// RoleUser is the default role with no administrative capability.
	RoleUser Role = "USER"
	// RoleAdmin can manage entities and request role changes for users.
	RoleAdmin Role = "ADMIN"
	// RoleSuperAdmin has full administrative capability.
	RoleSuperAdmin Role = "SUPERADMIN"
)

var roleRanks = map[Role]int{
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// Rank returns the position of the role in the hierarchy. Higher outranks lower.
// Unknown roles rank zero, below every valid role.
func (r Role) Rank() int {
	return roleRanks[r]
}

// Valid reports whether the role is one of the known set.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// ParseRole converts a raw string to a Role. Unknown values are rejected,
// never coerced to a default.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("principal: unknown role %q", raw)
	}
	return role, nil
}

// Roles lists all valid roles ordered by ascending rank.
func Roles() []Role {
	return []Role{RoleUser, RoleAdmin, RoleSuperAdmin}
}

// Principal describes an authenticated actor handed in by the auth proxy.
type Principal struct {
	ID        string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}
