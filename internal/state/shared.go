// Package state holds named shared cells and the manager lifecycle.
package state

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

// maxReaders bounds concurrent readers. A writer takes every slot.
const maxReaders = 1 << 20

// Shared is a named read/write cell whose lock acquisition honours contexts
// and timeouts. Waiters are served in FIFO order so writers do not starve.
type Shared[T any] struct {
	name  string
	sem   *semaphore.Weighted
	value T
}

func NewShared[T any](name string, v T) *Shared[T] {
	return &Shared[T]{name: name, sem: semaphore.NewWeighted(maxReaders), value: v}
}

func (s *Shared[T]) Name() string { return s.name }

func (s *Shared[T]) acquire(ctx context.Context, n int64, op string) error {
	if err := s.sem.Acquire(ctx, n); err != nil {
		return errs.FromContext(err, op+s.name)
	}
	return nil
}

func (s *Shared[T]) acquireTimeout(d time.Duration, n int64, op string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := s.sem.Acquire(ctx, n); err != nil {
		return errs.Timeout(op+s.name, d)
	}
	return nil
}

// Read runs fn while holding a read lock.
func (s *Shared[T]) Read(ctx context.Context, fn func(T) error) error {
	if err := s.acquire(ctx, 1, "read_lock_"); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(s.value)
}

// Write runs fn while holding the write lock.
func (s *Shared[T]) Write(ctx context.Context, fn func(*T) error) error {
	if err := s.acquire(ctx, maxReaders, "write_lock_"); err != nil {
		return err
	}
	defer s.sem.Release(maxReaders)
	return fn(&s.value)
}

func (s *Shared[T]) TryRead(fn func(T)) bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	defer s.sem.Release(1)
	fn(s.value)
	return true
}

func (s *Shared[T]) TryWrite(fn func(*T)) bool {
	if !s.sem.TryAcquire(maxReaders) {
		return false
	}
	defer s.sem.Release(maxReaders)
	fn(&s.value)
	return true
}

// ReadTimeout fails with Timeout{operation: "read_lock_<name>"} when the lock
// is not acquired within d.
func (s *Shared[T]) ReadTimeout(d time.Duration, fn func(T) error) error {
	if err := s.acquireTimeout(d, 1, "read_lock_"); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(s.value)
}

func (s *Shared[T]) WriteTimeout(d time.Duration, fn func(*T) error) error {
	if err := s.acquireTimeout(d, maxReaders, "write_lock_"); err != nil {
		return err
	}
	defer s.sem.Release(maxReaders)
	return fn(&s.value)
}

func (s *Shared[T]) Update(ctx context.Context, fn func(*T)) error {
	return s.Write(ctx, func(v *T) error {
		fn(v)
		return nil
	})
}

func (s *Shared[T]) Replace(ctx context.Context, v T) error {
	return s.Write(ctx, func(cur *T) error {
		*cur = v
		return nil
	})
}

// Get returns a copy of the value. T should be a value type or be treated as
// immutable by callers.
func (s *Shared[T]) Get(ctx context.Context) (T, error) {
	var out T
	err := s.Read(ctx, func(v T) error {
		out = v
		return nil
	})
	return out, err
}

func (s *Shared[T]) GetTimeout(d time.Duration) (T, error) {
	var out T
	err := s.ReadTimeout(d, func(v T) error {
		out = v
		return nil
	})
	return out, err
}
