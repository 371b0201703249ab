package audit

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
	SeveritySecurity
)

var severityNames = []string{"Debug", "Info", "Warning", "Error", "Critical", "Security"}

func (s Severity) String() string {
	if int(s) >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "Unknown"
}

func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(name, s) {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown audit severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type EventType string

const (
	MenuItemClicked      EventType = "MenuItemClicked"
	MenuStateChanged     EventType = "MenuStateChanged"
	PermissionCheck      EventType = "PermissionCheck"
	RoleAssigned         EventType = "RoleAssigned"
	ConfigurationChanged EventType = "ConfigurationChanged"
	RemoteConfigSync     EventType = "RemoteConfigSync"
	FeatureFlagToggled   EventType = "FeatureFlagToggled"
	UnauthorizedAccess   EventType = "UnauthorizedAccess"
	SuspiciousActivity   EventType = "SuspiciousActivity"
	ComplianceViolation  EventType = "ComplianceViolation"
	DataAccessed         EventType = "DataAccessed"
	DataModified         EventType = "DataModified"
	ApplicationStarted   EventType = "ApplicationStarted"
	ApplicationStopped   EventType = "ApplicationStopped"
	ErrorOccurred        EventType = "ErrorOccurred"
	Custom               EventType = "Custom"
)

// Event is a tagged union keyed by Type. Only the fields of that type are
// set; the constructors below are the supported shapes.
type Event struct {
	Type EventType `json:"type"`

	MenuID        string          `json:"menu_id,omitempty"`
	Label         string          `json:"label,omitempty"`
	FromState     string          `json:"from_state,omitempty"`
	ToState       string          `json:"to_state,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Permission    string          `json:"permission,omitempty"`
	Granted       *bool           `json:"granted,omitempty"`
	Role          string          `json:"role,omitempty"`
	Key           string          `json:"key,omitempty"`
	OldValue      *string         `json:"old_value,omitempty"`
	NewValue      string          `json:"new_value,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Error         string          `json:"error,omitempty"`
	Flag          string          `json:"flag,omitempty"`
	Enabled       *bool           `json:"enabled,omitempty"`
	Resource      string          `json:"resource,omitempty"`
	Description   string          `json:"description,omitempty"`
	ThreatLevel   string          `json:"threat_level,omitempty"`
	Framework     string          `json:"framework,omitempty"`
	ViolationType string          `json:"violation_type,omitempty"`
	Severity      *Severity       `json:"severity,omitempty"`
	DataType      string          `json:"data_type,omitempty"`
	Operation     string          `json:"operation,omitempty"`
	RecordCount   *int            `json:"record_count,omitempty"`
	Version       string          `json:"version,omitempty"`
	Environment   string          `json:"environment,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ErrorType     string          `json:"error_type,omitempty"`
	Message       string          `json:"message,omitempty"`
	StackTrace    string          `json:"stack_trace,omitempty"`
	Category      string          `json:"category,omitempty"`
	Action        string          `json:"action,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func MenuItemClickedEvent(menuID, label string) Event {
	return Event{Type: MenuItemClicked, MenuID: menuID, Label: label}
}

func MenuStateChangedEvent(from, to string) Event {
	return Event{Type: MenuStateChanged, FromState: from, ToState: to}
}

func PermissionCheckEvent(userID, permission string, granted bool) Event {
	return Event{Type: PermissionCheck, UserID: userID, Permission: permission, Granted: ptr(granted)}
}

func RoleAssignedEvent(userID, role string) Event {
	return Event{Type: RoleAssigned, UserID: userID, Role: role}
}

// ConfigurationChangedEvent records a setting change. old is nil for new keys.
func ConfigurationChangedEvent(key string, old *string, value string) Event {
	return Event{Type: ConfigurationChanged, Key: key, OldValue: old, NewValue: value}
}

func RemoteConfigSyncEvent(success bool, errMsg string) Event {
	return Event{Type: RemoteConfigSync, Success: ptr(success), Error: errMsg}
}

func FeatureFlagToggledEvent(flag string, enabled bool) Event {
	return Event{Type: FeatureFlagToggled, Flag: flag, Enabled: ptr(enabled)}
}

func UnauthorizedAccessEvent(resource, userID string) Event {
	return Event{Type: UnauthorizedAccess, Resource: resource, UserID: userID}
}

func SuspiciousActivityEvent(description, threatLevel string) Event {
	return Event{Type: SuspiciousActivity, Description: description, ThreatLevel: threatLevel}
}

func ComplianceViolationEvent(framework, violationType string, sev Severity) Event {
	return Event{Type: ComplianceViolation, Framework: framework, ViolationType: violationType, Severity: ptr(sev)}
}

func DataAccessedEvent(dataType, operation string, count int) Event {
	return Event{Type: DataAccessed, DataType: dataType, Operation: operation, RecordCount: ptr(count)}
}

func DataModifiedEvent(dataType, operation string, count int) Event {
	return Event{Type: DataModified, DataType: dataType, Operation: operation, RecordCount: ptr(count)}
}

func ApplicationStartedEvent(version, environment string) Event {
	return Event{Type: ApplicationStarted, Version: version, Environment: environment}
}

func ApplicationStoppedEvent(reason string) Event {
	return Event{Type: ApplicationStopped, Reason: reason}
}

func ErrorOccurredEvent(errorType, message, stack string) Event {
	return Event{Type: ErrorOccurred, ErrorType: errorType, Message: message, StackTrace: stack}
}

// CustomEvent marshals details to JSON. Unmarshalable details are dropped.
func CustomEvent(category, action string, details any) Event {
	ev := Event{Type: Custom, Category: category, Action: action}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			ev.Details = b
		}
	}
	return ev
}
