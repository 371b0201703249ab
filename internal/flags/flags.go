// Package flags evaluates feature flags with deterministic percentage
// rollout and role or user targeting.
package flags

import (
	"fmt"
	"sort"
	"sync"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
)

type Flag struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	Description       string            `json:"description,omitempty" yaml:"description"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	RolloutPercentage float64           `json:"rollout_percentage" yaml:"rollout_percentage"`
	TargetRoles       []string          `json:"target_roles,omitempty" yaml:"target_roles"`
	TargetUsers       []string          `json:"target_users,omitempty" yaml:"target_users"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

func DefaultFlags() []Flag {
	return []Flag{
		{
			ID: "enterprise_menu", Name: "Enterprise Menu",
			Description:       "Enterprise menu entries",
			Enabled:           true,
			RolloutPercentage: 100,
			TargetRoles:       []string{"admin", "power_user"},
		},
		{
			ID: "advanced_telemetry", Name: "Advanced Telemetry",
			Description: "Extended telemetry collection",
		},
	}
}

// Auditor receives flag changes. *audit.Logger satisfies it.
type Auditor interface {
	Log(ev audit.Event, sev audit.Severity, c audit.Context) (audit.Entry, bool)
}

type Manager struct {
	mu      sync.RWMutex
	flags   map[string]Flag
	auditor Auditor
}

func New(auditor Auditor, initial ...Flag) *Manager {
	m := &Manager{flags: map[string]Flag{}, auditor: auditor}
	if len(initial) == 0 {
		initial = DefaultFlags()
	}
	for _, f := range initial {
		m.flags[f.ID] = f
	}
	return m
}

// IsEnabled evaluates flag id for u. A nil user only passes full rollouts.
// Unknown flags are disabled.
func (m *Manager) IsEnabled(id string, u *rbac.UserContext) bool {
	m.mu.RLock()
	f, ok := m.flags[id]
	m.mu.RUnlock()
	if !ok || !f.Enabled {
		return false
	}
	if u == nil {
		return f.RolloutPercentage >= 100
	}
	for _, target := range f.TargetUsers {
		if target == u.UserID {
			return true
		}
	}
	for _, role := range u.Roles {
		for _, target := range f.TargetRoles {
			if role == target {
				return true
			}
		}
	}
	return InRollout(u.UserID, f.ID, f.RolloutPercentage)
}

// InRollout buckets user and flag into 10 000 slots with FNV-1a.
func InRollout(userID, flagID string, pct float64) bool {
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}
	return fnv1a(userID+":"+flagID)%10000 < uint64(pct*100)
}

const (
	fnvOffset = 14695981039346656037
	fnvPrime  = 1099511628211
)

func fnv1a(s string) uint64 {
	h := uint64(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return h
}

// Toggle flips the master switch and returns the new state.
func (m *Manager) Toggle(id string) (bool, error) {
	m.mu.Lock()
	f, ok := m.flags[id]
	if !ok {
		m.mu.Unlock()
		return false, errs.NotFound("feature_flag", id)
	}
	f.Enabled = !f.Enabled
	m.flags[id] = f
	m.mu.Unlock()

	if m.auditor != nil {
		m.auditor.Log(audit.FeatureFlagToggledEvent(id, f.Enabled), audit.SeverityInfo, audit.SystemContext("flags"))
	}
	return f.Enabled, nil
}

func (m *Manager) Add(f Flag) error {
	if f.ID == "" {
		return errs.Validation("flag.id", "flag id is required", "")
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return errs.Validation("flag.rollout_percentage", "must be between 0 and 100", fmt.Sprint(f.RolloutPercentage))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flags[f.ID]; ok {
		return errs.Validation("flag.id", "flag already exists", f.ID)
	}
	m.flags[f.ID] = f
	return nil
}

func (m *Manager) SetRollout(id string, pct float64) error {
	if pct < 0 || pct > 100 {
		return errs.Validation("rollout_percentage", "must be between 0 and 100", fmt.Sprint(pct))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[id]
	if !ok {
		return errs.NotFound("feature_flag", id)
	}
	f.RolloutPercentage = pct
	m.flags[id] = f
	return nil
}

func (m *Manager) Flag(id string) (Flag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[id]
	return f, ok
}

func (m *Manager) Flags() []Flag {
	m.mu.RLock()
	out := make([]Flag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, f)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
