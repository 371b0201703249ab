package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

type Status int32

const (
	Created Status = iota
	Initializing
	Running
	ShuttingDown
	Shutdown
	Error
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Shutdown:
		return "shutdown"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Manager is a component with an explicit start/stop lifecycle.
type Manager interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Status() Status
}

// Tracker is embedded by managers to hold their status.
type Tracker struct {
	v atomic.Int32
}

func (t *Tracker) Status() Status { return Status(t.v.Load()) }

func (t *Tracker) Set(s Status) { t.v.Store(int32(s)) }

// Transition moves from one status to another, reporting whether the
// current status was from.
func (t *Tracker) Transition(from, to Status) bool {
	return t.v.CompareAndSwap(int32(from), int32(to))
}

// Controller starts managers in registration order and stops them in
// reverse.
type Controller struct {
	mu       sync.Mutex
	managers []Manager
	status   Tracker
}

func NewController(managers ...Manager) *Controller {
	return &Controller{managers: managers}
}

func (c *Controller) Register(m Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managers = append(c.managers, m)
}

func (c *Controller) Status() Status { return c.status.Status() }

// InitializeAll stops at the first failure and leaves the controller in Error.
func (c *Controller) InitializeAll(ctx context.Context) error {
	c.mu.Lock()
	managers := append([]Manager(nil), c.managers...)
	c.mu.Unlock()

	c.status.Set(Initializing)
	for _, m := range managers {
		if err := m.Initialize(ctx); err != nil {
			c.status.Set(Error)
			return errs.Internal(fmt.Sprintf("initialize %s: %v", m.Name(), err), "manager_init_"+m.Name()).WithCause(err)
		}
	}
	c.status.Set(Running)
	return nil
}

// ShutdownAll attempts every manager and joins the failures.
func (c *Controller) ShutdownAll(ctx context.Context) error {
	c.mu.Lock()
	managers := append([]Manager(nil), c.managers...)
	c.mu.Unlock()

	c.status.Set(ShuttingDown)
	var failures []error
	for i := len(managers) - 1; i >= 0; i-- {
		m := managers[i]
		if err := m.Shutdown(ctx); err != nil {
			failures = append(failures, fmt.Errorf("shutdown %s: %w", m.Name(), err))
		}
	}
	if len(failures) > 0 {
		c.status.Set(Error)
		return errors.Join(failures...)
	}
	c.status.Set(Shutdown)
	return nil
}

func (c *Controller) Statuses() map[string]Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Status, len(c.managers))
	for _, m := range c.managers {
		out[m.Name()] = m.Status()
	}
	return out
}
