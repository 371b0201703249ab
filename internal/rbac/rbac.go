package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
)

const cacheTTL = 60 * time.Second

// AssignmentStore persists user role assignments. Optional.
type AssignmentStore interface {
	LoadAssignments(ctx context.Context) (map[string][]string, error)
	SaveAssignment(ctx context.Context, userID, roleID string) error
	DeleteAssignment(ctx context.Context, userID, roleID string) error
}

type cached struct {
	granted bool
	expires time.Time
}

type Manager struct {
	mu          sync.RWMutex
	roles       map[string]Role
	permissions map[string]Permission
	policies    []Policy
	assigned    map[string][]string

	cacheMu sync.RWMutex
	cache   map[string]cached

	store  AssignmentStore
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithStore(s AssignmentStore) Option { return func(m *Manager) { m.store = s } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New returns a manager seeded with the default roles.
func New(opts ...Option) *Manager {
	m := &Manager{
		roles:       map[string]Role{},
		permissions: map[string]Permission{},
		assigned:    map[string][]string{},
		cache:       map[string]cached{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Or(m.logger)
	for _, r := range DefaultRoles() {
		m.roles[r.ID] = r
		for _, p := range r.Permissions {
			if perm, err := ParsePermission(p); err == nil {
				m.permissions[p] = perm
			}
		}
	}
	return m
}

// Load restores persisted assignments. It is a no-op without a store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	assigned, err := m.store.LoadAssignments(ctx)
	if err != nil {
		return errs.Storage(err.Error(), "load_role_assignments").WithCause(err)
	}
	m.mu.Lock()
	for user, roles := range assigned {
		m.assigned[user] = append([]string(nil), roles...)
	}
	m.mu.Unlock()
	m.clearCache("")
	return nil
}

// CheckPermission reports whether the user holds permission. Policies are
// consulted first in insertion order; the first one covering the
// permission whose condition holds decides. Otherwise role permissions are
// matched exactly, then by resource:*, then by *:* or system:*.
func (m *Manager) CheckPermission(u UserContext, permission string) bool {
	key := u.UserID + ":" + permission
	now := m.now()

	m.cacheMu.RLock()
	c, ok := m.cache[key]
	m.cacheMu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.granted
	}

	granted := m.evaluate(u, permission, now)

	m.cacheMu.Lock()
	m.cache[key] = cached{granted: granted, expires: now.Add(cacheTTL)}
	m.cacheMu.Unlock()
	return granted
}

func (m *Manager) evaluate(u UserContext, permission string, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.policies {
		if p.covers(permission) && p.Condition != nil && p.Condition.Eval(u, now) {
			m.logger.Debug("rbac policy decided", "policy", p.ID, "permission", permission, "effect", p.Effect.String())
			return p.Effect == Allow
		}
	}

	held := m.userPermissionsLocked(u)
	if _, ok := held[permission]; ok {
		return true
	}
	resource, _, _ := strings.Cut(permission, ":")
	if _, ok := held[resource+":*"]; ok {
		return true
	}
	if _, ok := held["*:*"]; ok {
		return true
	}
	_, ok := held["system:*"]
	return ok
}

// userPermissionsLocked aggregates the permissions of the context roles and
// the assigned roles, including one level of parent inheritance.
func (m *Manager) userPermissionsLocked(u UserContext) map[string]struct{} {
	out := map[string]struct{}{}
	add := func(roleID string) {
		role, ok := m.roles[roleID]
		if !ok {
			return
		}
		for _, p := range role.Permissions {
			out[p] = struct{}{}
		}
		if parent, ok := m.roles[role.ParentRole]; ok && role.ParentRole != "" {
			for _, p := range parent.Permissions {
				out[p] = struct{}{}
			}
		}
	}
	for _, r := range u.Roles {
		add(r)
	}
	for _, r := range m.assigned[u.UserID] {
		add(r)
	}
	return out
}

// Require is CheckPermission as an error.
func (m *Manager) Require(u UserContext, permission string) error {
	if m.CheckPermission(u, permission) {
		return nil
	}
	return errs.Unauthorized(u.UserID, permission).WithCause(ForbiddenError{Permission: permission})
}

// UserPermissions lists the effective role permissions, sorted.
func (m *Manager) UserPermissions(u UserContext) []string {
	m.mu.RLock()
	held := m.userPermissionsLocked(u)
	m.mu.RUnlock()
	out := make([]string, 0, len(held))
	for p := range held {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) AssignRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	if _, ok := m.roles[roleID]; !ok {
		m.mu.Unlock()
		return errs.NotFound("role", roleID)
	}
	for _, r := range m.assigned[userID] {
		if r == roleID {
			m.mu.Unlock()
			return nil
		}
	}
	m.assigned[userID] = append(m.assigned[userID], roleID)
	m.mu.Unlock()

	m.clearCache(userID + ":")
	if m.store != nil {
		if err := m.store.SaveAssignment(ctx, userID, roleID); err != nil {
			return errs.Storage(err.Error(), "save_role_assignment").WithCause(err)
		}
	}
	m.logger.Info("role assigned", "user_id", userID, "role", roleID)
	return nil
}

func (m *Manager) RevokeRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	roles := m.assigned[userID]
	kept := roles[:0]
	for _, r := range roles {
		if r != roleID {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(m.assigned, userID)
	} else {
		m.assigned[userID] = kept
	}
	m.mu.Unlock()

	m.clearCache(userID + ":")
	if m.store != nil {
		if err := m.store.DeleteAssignment(ctx, userID, roleID); err != nil {
			return errs.Storage(err.Error(), "delete_role_assignment").WithCause(err)
		}
	}
	return nil
}

func (m *Manager) UserRoles(userID string) []Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Role
	for _, id := range m.assigned[userID] {
		if r, ok := m.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) Role(id string) (Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	return r, ok
}

// Roles returns every role ordered by descending priority.
func (m *Manager) Roles() []Role {
	m.mu.RLock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) CreateRole(r Role) error {
	if r.ID == "" {
		return errs.Validation("role.id", "role id is required", "")
	}
	for _, p := range r.Permissions {
		if _, err := ParsePermission(p); err != nil {
			return errs.Validation("role.permissions", err.Error(), p)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[r.ID]; ok {
		return errs.Validation("role.id", fmt.Sprintf("role %s already exists", r.ID), r.ID)
	}
	m.roles[r.ID] = r
	return nil
}

// AddPolicy appends a policy and drops every cached decision.
func (m *Manager) AddPolicy(p Policy) error {
	if !wellFormed(p.Condition) {
		return errs.Validation("policy.condition", "condition and every nested condition are required", p.ID)
	}
	m.mu.Lock()
	m.policies = append(m.policies, p)
	m.mu.Unlock()
	m.clearCache("")
	return nil
}

func (m *Manager) RegisterPermission(p Permission) error {
	if _, err := ParsePermission(p.ID); err != nil {
		return errs.Validation("permission.id", err.Error(), p.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions[p.ID] = p
	return nil
}

func (m *Manager) Permission(id string) (Permission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.permissions[id]
	return p, ok
}

func (m *Manager) PermissionsByResource(resource string) []Permission {
	m.mu.RLock()
	var out []Permission
	for _, p := range m.permissions {
		if p.Resource == resource {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// clearCache drops entries whose key starts with prefix; "" clears all.
func (m *Manager) clearCache(prefix string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if prefix == "" {
		m.cache = map[string]cached{}
		return
	}
	for k := range m.cache {
		if strings.HasPrefix(k, prefix) {
			delete(m.cache, k)
		}
	}
}
