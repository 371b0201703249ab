// Package retry runs operations with bounded retries, backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

type Reason int

const (
	AttemptsExhausted Reason = iota
	NonRetryable
	TimeoutExceeded
	InvalidConfiguration
)

func (r Reason) String() string {
	switch r {
	case AttemptsExhausted:
		return "attempts exhausted"
	case NonRetryable:
		return "non-retryable"
	case TimeoutExceeded:
		return "timeout exceeded"
	case InvalidConfiguration:
		return "invalid configuration"
	default:
		return "unknown"
	}
}

// Error is returned when an execution does not produce a value.
type Error struct {
	Reason   Reason
	Attempts int
	Elapsed  time.Duration
	Message  string
	Last     error
}

func (e *Error) Error() string {
	switch e.Reason {
	case InvalidConfiguration:
		return "retry: invalid configuration: " + e.Message
	case TimeoutExceeded:
		return fmt.Sprintf("retry: timeout exceeded after %d attempts (%s): %v", e.Attempts, e.Elapsed, e.Last)
	default:
		return fmt.Sprintf("retry: %s after %d attempts: %v", e.Reason, e.Attempts, e.Last)
	}
}

func (e *Error) Unwrap() error { return e.Last }

// Outcome describes one execution.
type Outcome struct {
	Attempts       int
	TotalDelay     time.Duration
	TimedOut       bool
	FirstAttemptAt time.Time
	TotalElapsed   time.Duration
	LastError      string
}

func (o Outcome) AverageDelay() time.Duration {
	if o.Attempts <= 1 {
		return 0
	}
	return o.TotalDelay / time.Duration(o.Attempts-1)
}

type Config struct {
	MaxAttempts    int
	Backoff        Backoff
	Jitter         Jitter
	MaxTotalTime   time.Duration
	ResetOnSuccess bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		Backoff:      Exponential{Initial: 100 * time.Millisecond, Base: 2, MaxDelay: 30 * time.Second},
		Jitter:       Jitter{Kind: EqualJitter},
		MaxTotalTime: 300 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.Backoff == nil {
		return fmt.Errorf("backoff is required")
	}
	if exp, ok := c.Backoff.(Exponential); ok {
		if exp.Base < 1 {
			return fmt.Errorf("exponential base must be >= 1")
		}
		if exp.Initial <= 0 {
			return fmt.Errorf("exponential initial delay must be > 0")
		}
	}
	if c.Jitter.Kind == DecorrelatedJitter && c.Jitter.Base <= 0 {
		return fmt.Errorf("decorrelated jitter requires a base > 0")
	}
	if c.MaxTotalTime < 0 {
		return fmt.Errorf("max_total_time must not be negative")
	}
	return nil
}

// Executor is safe for concurrent use. Only the decorrelated jitter carries
// state between executions, and only until the next success when
// ResetOnSuccess is set.
type Executor struct {
	cfg    Config
	policy Policy
	rnd    func() float64
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	state  *jitterState
}

type jitterState struct {
	mu   sync.Mutex
	prev time.Duration
}

type Option func(*Executor)

func WithPolicy(p Policy) Option { return func(e *Executor) { e.policy = p } }

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option { return func(e *Executor) { e.rnd = fn } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Reason: InvalidConfiguration, Message: err.Error()}
	}
	e := &Executor{
		cfg:    cfg,
		policy: Classified{},
		rnd:    rand.Float64,
		now:    time.Now,
		sleep:  sleepCtx,
		state:  &jitterState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Config() Config { return e.cfg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, the policy stops, attempts run out, or the
// total time budget would be exceeded. Cancelling ctx aborts the wait between
// attempts and yields TaskCancelled.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	start := e.now()
	out := Outcome{FirstAttemptAt: start}
	finish := func(r Reason, last error) (T, Outcome, error) {
		out.TotalElapsed = e.now().Sub(start)
		if last != nil {
			out.LastError = last.Error()
		}
		out.TimedOut = r == TimeoutExceeded
		return zero, out, &Error{Reason: r, Attempts: out.Attempts, Elapsed: out.TotalElapsed, Last: last}
	}

	var last error
	for attempt := 0; ; attempt++ {
		if e.cfg.MaxTotalTime > 0 && e.now().Sub(start) >= e.cfg.MaxTotalTime {
			return finish(TimeoutExceeded, last)
		}
		if err := ctx.Err(); err != nil {
			out.TotalElapsed = e.now().Sub(start)
			return zero, out, errs.FromContext(err, "retry")
		}

		out.Attempts++
		v, err := op(ctx)
		if err == nil {
			out.TotalElapsed = e.now().Sub(start)
			if e.cfg.ResetOnSuccess {
				e.state.mu.Lock()
				e.state.prev = 0
				e.state.mu.Unlock()
			}
			return v, out, nil
		}
		last = err

		if attempt >= e.cfg.MaxAttempts-1 {
			return finish(AttemptsExhausted, last)
		}

		var delay time.Duration
		switch d := e.policy.ShouldRetry(err, attempt); d.Action {
		case ActionStop:
			return finish(NonRetryable, last)
		case ActionRetryAfter:
			delay = d.After
		default:
			delay = e.nextDelay(attempt)
		}

		if e.cfg.MaxTotalTime > 0 && e.now().Sub(start)+delay > e.cfg.MaxTotalTime {
			return finish(TimeoutExceeded, last)
		}
		if err := e.sleep(ctx, delay); err != nil {
			out.TotalElapsed = e.now().Sub(start)
			out.LastError = last.Error()
			return zero, out, errs.FromContext(err, "retry")
		}
		out.TotalDelay += delay
	}
}

func (e *Executor) nextDelay(attempt int) time.Duration {
	base := e.cfg.Backoff.Delay(attempt)
	if e.cfg.Jitter.Kind != DecorrelatedJitter {
		return e.cfg.Jitter.apply(base, 0, e.rnd)
	}
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	d := e.cfg.Jitter.apply(base, e.state.prev, e.rnd)
	e.state.prev = d
	return d
}

// Run is Do for operations without a result.
func Run(ctx context.Context, e *Executor, op func(context.Context) error) (Outcome, error) {
	_, out, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return out, err
}

// DoSync blocks the calling goroutine for the whole execution, sleeping with
// time.Sleep. Use it only from code that has no context to thread through.
func DoSync[T any](e *Executor, op func() (T, error)) (T, Outcome, error) {
	blocking := *e
	blocking.sleep = func(_ context.Context, d time.Duration) error {
		time.Sleep(d)
		return nil
	}
	return Do(context.Background(), &blocking, func(context.Context) (T, error) { return op() })
}
