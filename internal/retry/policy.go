package retry

import (
	"time"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

type Action int

const (
	ActionRetry Action = iota
	ActionRetryAfter
	ActionStop
)

type Decision struct {
	Action Action
	After  time.Duration
}

var (
	Retry = Decision{Action: ActionRetry}
	Stop  = Decision{Action: ActionStop}
)

func RetryAfter(d time.Duration) Decision { return Decision{Action: ActionRetryAfter, After: d} }

// Policy decides what happens after a failed attempt. attempt is 0-based and
// strictly increasing within one execution.
type Policy interface {
	ShouldRetry(err error, attempt int) Decision
}

type PolicyFunc func(err error, attempt int) Decision

func (f PolicyFunc) ShouldRetry(err error, attempt int) Decision { return f(err, attempt) }

type AlwaysRetry struct{}

func (AlwaysRetry) ShouldRetry(error, int) Decision { return Retry }

type NeverRetry struct{}

func (NeverRetry) ShouldRetry(error, int) Decision { return Stop }

// Predicate retries whenever fn returns true.
func Predicate(fn func(error) bool) Policy {
	return PolicyFunc(func(err error, _ int) Decision {
		if fn(err) {
			return Retry
		}
		return Stop
	})
}

// Classified retries errors that classify as transient and honours their
// retry-after hint. It is the default policy.
type Classified struct{}

func (Classified) ShouldRetry(err error, _ int) Decision {
	if !errs.IsRetryable(err) {
		return Stop
	}
	if d, ok := errs.RetryAfter(err); ok {
		return RetryAfter(d)
	}
	return Retry
}
