// Package rbac decides which session roles may reach which API surfaces.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleGuest    Role = "guest"
	RoleGovernor Role = "governor"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionCommand Action = "command"
	ActionAdmin   Action = "admin"
)

// grants lists each role's actions. Roles inherit from the one below them.
var grants = map[Role][]Action{
	RoleGuest:    {ActionRead},
	RoleGovernor: {ActionRead, ActionCommand},
	RoleAdmin:    {ActionRead, ActionCommand, ActionAdmin},
}

func Can(role Role, action Action) bool {
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps free-form role strings onto a known role. Unknown values
// collapse to guest.
func Normalize(role string) Role {
	candidate := Role(strings.ToLower(strings.TrimSpace(role)))
	if _, ok := grants[candidate]; ok {
		return candidate
	}
	return RoleGuest
}
