// Package mdm holds enterprise policy configuration, its remote fetch and
// compliance evaluation.
package mdm

import (
	"encoding/json"
	"fmt"
	"math"
	"maps"
	"slices"
	"strings"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/validation"
)

const DefaultUpdateIntervalSecs = 3600

// Config is the policy document pushed by the device management channel.
type Config struct {
	PolicyEnforcement  bool                     `json:"policyEnforcement" yaml:"policy_enforcement"`
	RemoteConfigURL    string                   `json:"remoteConfigUrl,omitempty" yaml:"remote_config_url"`
	ComplianceChecks   []ComplianceRule         `json:"complianceChecks" yaml:"compliance_checks"`
	Policies           map[string]PolicySetting `json:"policies" yaml:"policies"`
	UpdateIntervalSecs uint64                   `json:"updateIntervalSecs" yaml:"update_interval_secs"`
	AllowLocalOverride bool                     `json:"allowLocalOverride" yaml:"allow_local_override"`
}

func DefaultConfig() Config {
	return Config{
		Policies:           map[string]PolicySetting{},
		UpdateIntervalSecs: DefaultUpdateIntervalSecs,
		AllowLocalOverride: true,
	}
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := Severity(raw); v {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		*s = v
	case "":
		*s = SeverityMedium
	default:
		return fmt.Errorf("unknown compliance severity %q", raw)
	}
	return nil
}

type ValidationKind string

const (
	FieldExists  ValidationKind = "fieldExists"
	FieldEquals  ValidationKind = "fieldEquals"
	FieldMatches ValidationKind = "fieldMatches"
	Custom       ValidationKind = "custom"
)

// Validation selects how a rule inspects the context. Field is used by the
// field variants, Value by fieldEquals, Pattern by fieldMatches and Name by
// custom.
type Validation struct {
	Type    ValidationKind `json:"type"`
	Field   string         `json:"field,omitempty"`
	Value   string         `json:"value,omitempty"`
	Pattern string         `json:"pattern,omitempty"`
	Name    string         `json:"name,omitempty"`
}

func Exists(field string) Validation { return Validation{Type: FieldExists, Field: field} }

func Equals(field, value string) Validation {
	return Validation{Type: FieldEquals, Field: field, Value: value}
}

// Matches is substring containment, not a regular expression.
func Matches(field, pattern string) Validation {
	return Validation{Type: FieldMatches, Field: field, Pattern: pattern}
}

func CustomCheck(name string) Validation { return Validation{Type: Custom, Name: name} }

// Criteria add value constraints on the inspected field.
type Criteria struct {
	MinValue      *float64 `json:"minValue,omitempty"`
	MaxValue      *float64 `json:"maxValue,omitempty"`
	AllowedValues []string `json:"allowedValues,omitempty"`
	RegexPattern  string   `json:"regexPattern,omitempty"`
}

func (c Criteria) empty() bool {
	return c.MinValue == nil && c.MaxValue == nil && len(c.AllowedValues) == 0 && c.RegexPattern == ""
}

type ComplianceRule struct {
	Name           string     `json:"name"`
	Required       bool       `json:"required"`
	ValidationType Validation `json:"validationType"`
	Criteria       Criteria   `json:"criteria"`
	Description    string     `json:"description,omitempty"`
	Severity       Severity   `json:"severity"`
}

// UnmarshalJSON applies the defaults for omitted fields: required and
// medium severity.
func (r *ComplianceRule) UnmarshalJSON(b []byte) error {
	type plain ComplianceRule
	v := plain{Required: true, Severity: SeverityMedium}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = ComplianceRule(v)
	return nil
}

type ValueKind string

const (
	KindString  ValueKind = "string"
	KindNumber  ValueKind = "number"
	KindBoolean ValueKind = "boolean"
	KindList    ValueKind = "list"
	KindObject  ValueKind = "object"
)

// PolicyValue is a tagged union; only the field matching Kind is meaningful.
type PolicyValue struct {
	Kind   ValueKind
	String string
	Number float64
	Bool   bool
	List   []string
	Object map[string]string
}

func StringValue(s string) PolicyValue { return PolicyValue{Kind: KindString, String: s} }
func NumberValue(n float64) PolicyValue { return PolicyValue{Kind: KindNumber, Number: n} }
func BoolValue(b bool) PolicyValue { return PolicyValue{Kind: KindBoolean, Bool: b} }
func ListValue(l ...string) PolicyValue { return PolicyValue{Kind: KindList, List: l} }
func ObjectValue(m map[string]string) PolicyValue { return PolicyValue{Kind: KindObject, Object: m} }

type taggedValue struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v PolicyValue) MarshalJSON() ([]byte, error) {
	var inner any
	switch v.Kind {
	case KindString:
		inner = v.String
	case KindNumber:
		inner = v.Number
	case KindBoolean:
		inner = v.Bool
	case KindList:
		inner = v.List
		if v.List == nil {
			inner = []string{}
		}
	case KindObject:
		inner = v.Object
		if v.Object == nil {
			inner = map[string]string{}
		}
	default:
		return nil, fmt.Errorf("policy value has no kind")
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{Type: v.Kind, Value: raw})
}

func (v *PolicyValue) UnmarshalJSON(b []byte) error {
	var t taggedValue
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	out := PolicyValue{Kind: t.Type}
	var dst any
	switch t.Type {
	case KindString:
		dst = &out.String
	case KindNumber:
		dst = &out.Number
	case KindBoolean:
		dst = &out.Bool
	case KindList:
		dst = &out.List
	case KindObject:
		dst = &out.Object
	default:
		return fmt.Errorf("unknown policy value type %q", t.Type)
	}
	if err := json.Unmarshal(t.Value, dst); err != nil {
		return fmt.Errorf("policy value %s: %w", t.Type, err)
	}
	*v = out
	return nil
}

type PolicySetting struct {
	Enabled     bool        `json:"enabled"`
	Value       PolicyValue `json:"value"`
	Description string      `json:"description,omitempty"`
	Enforced    bool        `json:"enforced"`
}

// Validate checks the URL, rule names and policy values. All problems are
// reported together as one validation error.
func (c Config) Validate() error {
	col := validation.NewCollector("mdm config")
	if c.RemoteConfigURL != "" {
		validation.Check[string](col, validation.URL{}, "remoteConfigUrl", c.RemoteConfigURL)
	}
	for i, rule := range c.ComplianceChecks {
		if strings.TrimSpace(rule.Name) == "" {
			col.Addf(fmt.Sprintf("complianceChecks[%d].name", i), "required", "Compliance rule name cannot be empty")
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Policies)) {
		if msg := c.Policies[name].problem(); msg != "" {
			col.Addf("policies."+name, "policy", "Policy '%s': %s", name, msg)
		}
	}
	if err := col.Err(); err != nil {
		return err.(*validation.Error).Common()
	}
	return nil
}

func (p PolicySetting) problem() string {
	switch p.Value.Kind {
	case KindString:
		if p.Value.String == "" {
			return "string value cannot be empty"
		}
	case KindNumber:
		if math.IsNaN(p.Value.Number) {
			return "number value cannot be NaN"
		}
	case KindList:
		if p.Enforced && len(p.Value.List) == 0 {
			return "enforced list value cannot be empty"
		}
	case KindBoolean, KindObject:
	default:
		return "value type is missing"
	}
	return ""
}

// MergeRemote combines the local config with a remotely fetched one. When
// local overrides are not allowed the remote config replaces the local one
// outright. Otherwise rules are unioned by name with local rules winning and
// remote policies overlay local ones key by key.
func (c Config) MergeRemote(remote Config) (Config, error) {
	if !c.AllowLocalOverride {
		merged := remote.Clone()
		if err := merged.Validate(); err != nil {
			return Config{}, err
		}
		return merged, nil
	}
	merged := c.Clone()
	merged.PolicyEnforcement = remote.PolicyEnforcement
	if remote.RemoteConfigURL != "" {
		merged.RemoteConfigURL = remote.RemoteConfigURL
	}
	have := make(map[string]bool, len(merged.ComplianceChecks))
	for _, r := range merged.ComplianceChecks {
		have[r.Name] = true
	}
	for _, r := range remote.ComplianceChecks {
		if !have[r.Name] {
			merged.ComplianceChecks = append(merged.ComplianceChecks, r)
			have[r.Name] = true
		}
	}
	if merged.Policies == nil && len(remote.Policies) > 0 {
		merged.Policies = make(map[string]PolicySetting, len(remote.Policies))
	}
	for k, v := range remote.Policies {
		merged.Policies[k] = v
	}
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	return merged, nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.ComplianceChecks = slices.Clone(c.ComplianceChecks)
	for i, r := range out.ComplianceChecks {
		out.ComplianceChecks[i].Criteria.AllowedValues = slices.Clone(r.Criteria.AllowedValues)
	}
	if c.Policies != nil {
		out.Policies = make(map[string]PolicySetting, len(c.Policies))
		for k, v := range c.Policies {
			v.Value.List = slices.Clone(v.Value.List)
			v.Value.Object = maps.Clone(v.Value.Object)
			out.Policies[k] = v
		}
	}
	return out
}

// IsPolicyEnabled reports whether the named policy exists and is enabled.
func (c Config) IsPolicyEnabled(name string) bool {
	p, ok := c.Policies[name]
	return ok && p.Enabled
}

func (c Config) PolicyValue(name string) (PolicyValue, bool) {
	p, ok := c.Policies[name]
	if !ok {
		return PolicyValue{}, false
	}
	return p.Value, true
}

// ParseConfig decodes and validates a JSON policy document.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, errs.Serialization("decode mdm config: "+err.Error(), "json").WithCause(err)
	}
	if c.UpdateIntervalSecs == 0 {
		c.UpdateIntervalSecs = DefaultUpdateIntervalSecs
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Builder assembles a Config fluently. Build validates.
type Builder struct {
	cfg Config
}

func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

func (b *Builder) PolicyEnforcement(on bool) *Builder {
	b.cfg.PolicyEnforcement = on
	return b
}

func (b *Builder) RemoteConfigURL(u string) *Builder {
	b.cfg.RemoteConfigURL = u
	return b
}

func (b *Builder) UpdateInterval(secs uint64) *Builder {
	b.cfg.UpdateIntervalSecs = secs
	return b
}

func (b *Builder) AllowLocalOverride(on bool) *Builder {
	b.cfg.AllowLocalOverride = on
	return b
}

func (b *Builder) Rule(r ComplianceRule) *Builder {
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	b.cfg.ComplianceChecks = append(b.cfg.ComplianceChecks, r)
	return b
}

func (b *Builder) Policy(name string, p PolicySetting) *Builder {
	b.cfg.Policies[name] = p
	return b
}

func (b *Builder) Build() (Config, error) {
	c := b.cfg.Clone()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
