// Package auth gates workflow operations by caller role.
package auth

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleDeveloper Role = "DEVELOPER"
)

// ParseRole accepts roles case-insensitively, with or without a ROLE_ prefix.
func ParseRole(v string) (Role, bool) {
	v = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(v)), "ROLE_")
	switch Role(v) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleDeveloper:
		return RoleDeveloper, true
	}
	return "", false
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

// Permission names an operation guarded by a role gate.
type Permission string

const (
	PermReleaseCreate   Permission = "release.create"
	PermReleaseRead     Permission = "release.read"
	PermReleaseComplete Permission = "release.complete"
	PermTaskAdd         Permission = "task.add"
	PermTaskRead        Permission = "task.read"
	PermTaskTransition  Permission = "task.transition"
	PermAlertRead       Permission = "alert.read"
	PermFeedRead        Permission = "feed.read"
	PermSystemReport    Permission = "system.report"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermReleaseCreate, PermReleaseRead, PermReleaseComplete,
		PermTaskAdd, PermTaskRead, PermTaskTransition,
		PermAlertRead, PermFeedRead, PermSystemReport,
	},
	RoleDeveloper: {
		PermReleaseRead, PermTaskRead, PermTaskTransition, PermFeedRead,
	},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission Permission
	Role       Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("role %s lacks permission %s", e.Role, e.Permission)
}

func Allowed(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless p's role grants perm.
func Require(p Principal, perm Permission) error {
	if !Allowed(p.Role, perm) {
		return ForbiddenError{Permission: perm, Role: p.Role}
	}
	return nil
}

// Permissions lists what role may do.
func Permissions(role Role) []Permission {
	out := make([]Permission, len(rolePermissions[role]))
	copy(out, rolePermissions[role])
	return out
}
