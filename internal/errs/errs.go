// Package errs defines the error taxonomy shared by every pulsearc component.
//
// Components convert platform errors into *Error at their boundary and wrap it
// with %w when adding context. Classify walks the chain and recovers the
// classification of the innermost *Error.
package errs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

type Kind int

const (
	KindConfig Kind = iota
	KindLock
	KindCircuitBreakerOpen
	KindSerialization
	KindPersistence
	KindRateLimitExceeded
	KindTimeout
	KindBackend
	KindValidation
	KindNotFound
	KindUnauthorized
	KindInternal
	KindStorage
	KindDetailed
	KindTaskCancelled
	KindAsyncTimeout
)

var kindNames = map[Kind]string{
	KindConfig:             "config",
	KindLock:               "lock",
	KindCircuitBreakerOpen: "circuit_breaker_open",
	KindSerialization:      "serialization",
	KindPersistence:        "persistence",
	KindRateLimitExceeded:  "rate_limit_exceeded",
	KindTimeout:            "timeout",
	KindBackend:            "backend",
	KindValidation:         "validation",
	KindNotFound:           "not_found",
	KindUnauthorized:       "unauthorized",
	KindInternal:           "internal",
	KindStorage:            "storage",
	KindDetailed:           "detailed",
	KindTaskCancelled:      "task_cancelled",
	KindAsyncTimeout:       "async_timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classified is implemented by errors that know how they should be handled.
type Classified interface {
	error
	IsRetryable() bool
	Severity() Severity
	IsCritical() bool
	RetryAfter() (time.Duration, bool)
}

// Error is the common error type. Fields carries the structured values of the
// variant (field, resource, service, ...). Only the keys relevant to Kind are set.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string

	retryable  bool
	severity   *Severity
	retryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case KindConfig:
		return withField("configuration error: "+e.Message, e.Fields["field"])
	case KindLock:
		return fmt.Sprintf("lock error on %s: %s", e.Fields["resource"], e.Message)
	case KindCircuitBreakerOpen:
		return fmt.Sprintf("circuit breaker open for %s", e.Fields["service"])
	case KindSerialization:
		return fmt.Sprintf("serialization error (%s): %s", e.Fields["format"], e.Message)
	case KindPersistence:
		return fmt.Sprintf("persistence error during %s: %s", e.Fields["operation"], e.Message)
	case KindRateLimitExceeded:
		return fmt.Sprintf("rate limit exceeded: %s per %s", e.Fields["limit"], e.Fields["window"])
	case KindTimeout:
		return fmt.Sprintf("operation %s timed out after %s", e.Fields["operation"], e.Fields["duration"])
	case KindBackend:
		return fmt.Sprintf("backend %s error: %s", e.Fields["service"], e.Message)
	case KindValidation:
		return fmt.Sprintf("validation failed for %s: %s", e.Fields["field"], e.Message)
	case KindNotFound:
		return fmt.Sprintf("%s not found: %s", e.Fields["resource_type"], e.Fields["identifier"])
	case KindUnauthorized:
		return withField("unauthorized: "+e.Fields["operation"], e.Fields["required_permission"])
	case KindInternal:
		return "internal error: " + e.Message
	case KindStorage:
		return fmt.Sprintf("storage error during %s: %s", e.Fields["operation"], e.Message)
	case KindTaskCancelled:
		return fmt.Sprintf("task %s cancelled: %s", e.Fields["task_id"], e.Message)
	case KindAsyncTimeout:
		return fmt.Sprintf("%s timed out after %s", e.Fields["future_name"], e.Fields["duration"])
	default:
		return e.Message
	}
}

func withField(msg, field string) string {
	if field == "" {
		return msg
	}
	return msg + " (" + field + ")"
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindLock, KindCircuitBreakerOpen, KindRateLimitExceeded, KindTimeout, KindAsyncTimeout:
		return true
	case KindBackend:
		return e.retryable
	default:
		return false
	}
}

func (e *Error) Severity() Severity {
	if e.severity != nil {
		return *e.severity
	}
	switch e.Kind {
	case KindNotFound, KindTaskCancelled:
		return SeverityInfo
	case KindUnauthorized, KindLock, KindRateLimitExceeded, KindCircuitBreakerOpen, KindTimeout, KindAsyncTimeout:
		return SeverityWarning
	case KindInternal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func (e *Error) IsCritical() bool { return e.Severity() == SeverityCritical }

func (e *Error) RetryAfter() (time.Duration, bool) {
	if e.retryAfter > 0 {
		return e.retryAfter, true
	}
	return 0, false
}

// WithContext attaches an extra structured value and returns e.
func (e *Error) WithContext(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[key] = value
	return e
}

// WithCause records the platform error this one was converted from.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// LogAttrs returns the error as slog attributes in a stable order.
func (e *Error) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_kind", e.Kind.String()),
		slog.String("error", e.Error()),
		slog.String("severity", e.Severity().String()),
		slog.Bool("retryable", e.IsRetryable()),
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, e.Fields[k]))
	}
	return attrs
}

func newErr(kind Kind, msg string, kv ...string) *Error {
	e := &Error{Kind: kind, Message: msg, Fields: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			e.Fields[kv[i]] = kv[i+1]
		}
	}
	return e
}

func Config(msg, field string) *Error { return newErr(KindConfig, msg, "field", field) }

func Lock(msg, resource string) *Error { return newErr(KindLock, msg, "resource", resource) }

func CircuitBreakerOpen(service string, retryAfter time.Duration) *Error {
	e := newErr(KindCircuitBreakerOpen, "", "service", service)
	e.retryAfter = retryAfter
	if retryAfter > 0 {
		e.Fields["retry_after"] = retryAfter.String()
	}
	return e
}

func Serialization(msg, format string) *Error {
	return newErr(KindSerialization, msg, "format", format)
}

func Persistence(msg, operation string) *Error {
	return newErr(KindPersistence, msg, "operation", operation)
}

func RateLimitExceeded(limit int, window, retryAfter time.Duration) *Error {
	e := newErr(KindRateLimitExceeded, "", "limit", fmt.Sprint(limit), "window", window.String())
	e.retryAfter = retryAfter
	if retryAfter > 0 {
		e.Fields["retry_after"] = retryAfter.String()
	}
	return e
}

func Timeout(operation string, d time.Duration) *Error {
	return newErr(KindTimeout, "", "operation", operation, "duration", d.String())
}

func Backend(service, msg string, retryable bool) *Error {
	e := newErr(KindBackend, msg, "service", service)
	e.retryable = retryable
	return e
}

func Validation(field, msg, value string) *Error {
	return newErr(KindValidation, msg, "field", field, "value", value)
}

func NotFound(resourceType, identifier string) *Error {
	return newErr(KindNotFound, "", "resource_type", resourceType, "identifier", identifier)
}

func Unauthorized(operation, requiredPermission string) *Error {
	return newErr(KindUnauthorized, "", "operation", operation, "required_permission", requiredPermission)
}

func Internal(msg, where string) *Error {
	return newErr(KindInternal, msg, "context", where)
}

func Storage(msg, operation string) *Error {
	return newErr(KindStorage, msg, "operation", operation)
}

// Detailed carries an explicit severity and free-form context.
func Detailed(msg string, severity Severity, fields map[string]string) *Error {
	e := newErr(KindDetailed, msg)
	e.severity = &severity
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

func TaskCancelled(taskID, reason string) *Error {
	return newErr(KindTaskCancelled, reason, "task_id", taskID)
}

func AsyncTimeout(futureName string, d time.Duration) *Error {
	return newErr(KindAsyncTimeout, "", "future_name", futureName, "duration", d.String())
}

// FromContext converts a context error into the matching variant.
func FromContext(err error, task string) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return AsyncTimeout(task, 0).WithCause(err)
	case errors.Is(err, context.Canceled):
		return TaskCancelled(task, "context cancelled").WithCause(err)
	default:
		return Internal(err.Error(), task).WithCause(err)
	}
}

// Classify returns the first *Error in err's chain, or an Internal error
// wrapping err when there is none. Classify(nil) is nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var c Classified
	if errors.As(err, &c) {
		if c.IsRetryable() {
			return Backend("external", c.Error(), true).WithCause(err)
		}
		return Detailed(c.Error(), c.Severity(), nil).WithCause(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FromContext(err, "operation")
	}
	return Internal(err.Error(), "unclassified").WithCause(err)
}

// Is reports whether err carries an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// IsCritical reports whether err carries a critical classified error.
// Unclassified errors are not critical.
func IsCritical(err error) bool {
	var c Classified
	return errors.As(err, &c) && c.IsCritical()
}

// IsRetryable reports whether err is transient. Unclassified errors are not.
func IsRetryable(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// RetryAfter returns the hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c.RetryAfter()
	}
	return 0, false
}

// FieldString renders Fields as k=v pairs for log lines and audit metadata.
func (e *Error) FieldString() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Fields[k])
	}
	return strings.Join(parts, " ")
}
