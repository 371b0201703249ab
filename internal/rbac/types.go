// Package rbac implements role based access control with wildcard
// permissions and conditional policies.
package rbac

import (
	"fmt"
	"strings"
)

// Permission ids have the form resource:action or resource:action:scope.
type Permission struct {
	ID          string `json:"id"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

func ParsePermission(id string) (Permission, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Permission{}, fmt.Errorf("invalid permission %q: want resource:action", id)
	}
	return Permission{ID: id, Resource: parts[0], Action: parts[1]}, nil
}

// MustPermission panics on malformed ids. Only for package-level constants.
func MustPermission(id string) Permission {
	p, err := ParsePermission(id)
	if err != nil {
		panic(err)
	}
	return p
}

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
	ParentRole  string   `json:"parent_role,omitempty"`
	Priority    int      `json:"priority"`
}

type UserContext struct {
	UserID     string            `json:"user_id"`
	Roles      []string          `json:"roles"`
	SessionID  string            `json:"session_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Effect int

const (
	Allow Effect = iota
	Deny
)

func (e Effect) String() string {
	if e == Deny {
		return "deny"
	}
	return "allow"
}

type Policy struct {
	ID          string
	Name        string
	Condition   Condition
	Effect      Effect
	Permissions []string
}

func (p Policy) covers(permission string) bool {
	for _, id := range p.Permissions {
		if id == permission {
			return true
		}
	}
	return false
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

func DefaultRoles() []Role {
	return []Role{
		{
			ID: "admin", Name: "Administrator", Description: "Full system access",
			Permissions: []string{"system:*", "menu:*", "config:*", "audit:*"},
			Priority:    100,
		},
		{
			ID: "power_user", Name: "Power User", Description: "Extended access",
			Permissions: []string{"menu:view", "menu:interact", "config:read", "config:write", "audit:read"},
			ParentRole:  "user",
			Priority:    50,
		},
		{
			ID: "user", Name: "User", Description: "Standard access",
			Permissions: []string{"menu:view", "menu:interact:basic", "config:read:own"},
			Priority:    10,
		},
		{
			ID: "guest", Name: "Guest", Description: "Read-only access",
			Permissions: []string{"menu:view:basic"},
			Priority:    1,
		},
		{
			ID: "auditor", Name: "Auditor", Description: "Audit and compliance access",
			Permissions: []string{"audit:*", "compliance:view", "menu:view"},
			Priority:    60,
		},
	}
}
