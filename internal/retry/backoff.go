package retry

import (
	"math"
	"time"
)

// Backoff computes the base delay before retry number attempt (0-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

type Fixed struct {
	D time.Duration
}

func (f Fixed) Delay(int) time.Duration { return f.D }

type Linear struct {
	Initial   time.Duration
	Increment time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	return saturate(float64(l.Initial) + float64(l.Increment)*float64(attempt))
}

// Exponential is min(Initial * Base^attempt, MaxDelay). A zero MaxDelay means
// the delay saturates at the largest Duration.
type Exponential struct {
	Initial  time.Duration
	Base     float64
	MaxDelay time.Duration
}

// maxExponent keeps Base^attempt finite for any sane base.
const maxExponent = 62

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt > maxExponent {
		attempt = maxExponent
	}
	d := saturate(float64(e.Initial) * math.Pow(e.Base, float64(attempt)))
	if e.MaxDelay > 0 && d > e.MaxDelay {
		return e.MaxDelay
	}
	return d
}

// Custom adapts a function to Backoff.
type Custom func(attempt int) time.Duration

func (c Custom) Delay(attempt int) time.Duration { return c(attempt) }

func saturate(f float64) time.Duration {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

type JitterKind int

const (
	NoJitter JitterKind = iota
	FullJitter
	EqualJitter
	DecorrelatedJitter
)

// Jitter randomizes a computed delay. Base is only used by DecorrelatedJitter.
type Jitter struct {
	Kind JitterKind
	Base time.Duration
}

// apply returns the jittered delay. prev is the previous jittered delay for
// the decorrelated strategy, zero on the first retry.
func (j Jitter) apply(d, prev time.Duration, rnd func() float64) time.Duration {
	switch j.Kind {
	case FullJitter:
		return time.Duration(rnd() * float64(d))
	case EqualJitter:
		half := d / 2
		return half + time.Duration(rnd()*float64(d-half))
	case DecorrelatedJitter:
		if prev <= 0 {
			prev = j.Base
		}
		return saturate(float64(j.Base) + rnd()*float64(prev)*3)
	default:
		return d
	}
}
