// Package validation provides composable field validators.
package validation

import (
	"fmt"
	"strings"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

type FieldError struct {
	Field    string            `json:"field"`
	Message  string            `json:"message"`
	Code     string            `json:"code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Error aggregates field errors.
type Error struct {
	Errors  []FieldError `json:"errors"`
	Context string       `json:"context,omitempty"`
}

func (e *Error) Error() string {
	switch len(e.Errors) {
	case 0:
		return "Validation failed"
	case 1:
		return "Validation failed: " + e.Errors[0].Message
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return fmt.Sprintf("Validation failed with %d errors: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Common converts the first field error to the shared error type, keeping
// the full aggregate as its cause.
func (e *Error) Common() *errs.Error {
	if len(e.Errors) == 0 {
		return errs.Validation("", "validation failed", "").WithCause(e)
	}
	first := e.Errors[0]
	msg := first.Message
	if len(e.Errors) > 1 {
		msg = e.Error()
	}
	return errs.Validation(first.Field, msg, "").WithCause(e)
}

// Validator checks one value of type T.
type Validator[T any] interface {
	Validate(field string, v T) []FieldError
}

type Func[T any] func(field string, v T) []FieldError

func (f Func[T]) Validate(field string, v T) []FieldError { return f(field, v) }

func fail(field, code, format string, args ...any) []FieldError {
	return []FieldError{{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Collector accumulates field errors across several checks.
type Collector struct {
	errs []FieldError
	ctx  string
}

func NewCollector(context string) *Collector { return &Collector{ctx: context} }

func (c *Collector) Add(fe ...FieldError) { c.errs = append(c.errs, fe...) }

func (c *Collector) Addf(field, code, format string, args ...any) {
	c.errs = append(c.errs, fail(field, code, format, args...)...)
}

// Check runs v on value and records its failures.
func Check[T any](c *Collector, v Validator[T], field string, value T) {
	c.errs = append(c.errs, v.Validate(field, value)...)
}

func (c *Collector) HasErrors() bool { return len(c.errs) > 0 }

// Err returns nil when nothing failed.
func (c *Collector) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &Error{Errors: append([]FieldError(nil), c.errs...), Context: c.ctx}
}

type Operator int

const (
	All Operator = iota
	Any
)

// RuleSet combines validators: All fails with every failure, Any passes
// when at least one validator passes.
type RuleSet[T any] struct {
	Operator Operator
	Rules    []Validator[T]
}

func (r RuleSet[T]) Validate(field string, v T) []FieldError {
	var out []FieldError
	for _, rule := range r.Rules {
		fe := rule.Validate(field, v)
		if r.Operator == Any && len(fe) == 0 {
			return nil
		}
		out = append(out, fe...)
	}
	return out
}

// Rules starts a builder for an All rule set.
func Rules[T any](vs ...Validator[T]) *Builder[T] {
	return &Builder[T]{set: RuleSet[T]{Operator: All, Rules: vs}}
}

type Builder[T any] struct {
	set RuleSet[T]
}

func (b *Builder[T]) And(v Validator[T]) *Builder[T] {
	b.set.Rules = append(b.set.Rules, v)
	return b
}

func (b *Builder[T]) AnyOf() *Builder[T] {
	b.set.Operator = Any
	return b
}

func (b *Builder[T]) Build() RuleSet[T] { return b.set }
