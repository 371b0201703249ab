package mdm

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ComplianceContext is the data a rule set is evaluated against.
type ComplianceContext struct {
	Fields   map[string]string `json:"fields"`
	Metadata map[string]string `json:"metadata"`
}

func NewContext() ComplianceContext {
	return ComplianceContext{Fields: map[string]string{}, Metadata: map[string]string{}}
}

func (c ComplianceContext) With(field, value string) ComplianceContext {
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	c.Fields[field] = value
	return c
}

type Result struct {
	RuleName string   `json:"rule_name"`
	Passed   bool     `json:"passed"`
	Required bool     `json:"required"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

type Report struct {
	Passed           bool     `json:"passed"`
	Results          []Result `json:"results"`
	CriticalFailures int      `json:"critical_failures"`
	Warnings         int      `json:"warnings"`
}

func NewReport() Report { return Report{Passed: true} }

// Add records one rule outcome. A failing required rule fails the report and
// counts as critical when its severity is critical; a failing optional rule
// is a warning.
func (r *Report) Add(res Result) {
	if !res.Passed {
		if res.Required {
			r.Passed = false
			if res.Severity == SeverityCritical {
				r.CriticalFailures++
			}
		} else {
			r.Warnings++
		}
	}
	r.Results = append(r.Results, res)
}

func (r Report) IsCompliant() bool { return r.Passed && r.CriticalFailures == 0 }

// Failed returns the failing results in evaluation order.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// CustomValidator implements a rule of type custom.
type CustomValidator func(ComplianceContext) (bool, error)

type evaluator struct {
	patterns   map[string]*regexp.Regexp
	validators map[string]CustomValidator
}

func compilePatterns(rules []ComplianceRule) (map[string]*regexp.Regexp, error) {
	out := make(map[string]*regexp.Regexp)
	for _, r := range rules {
		if r.Criteria.RegexPattern == "" {
			continue
		}
		if _, ok := out[r.Criteria.RegexPattern]; ok {
			continue
		}
		re, err := regexp.Compile(r.Criteria.RegexPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid regex pattern: %w", r.Name, err)
		}
		out[r.Criteria.RegexPattern] = re
	}
	return out, nil
}

func (ev evaluator) check(rules []ComplianceRule, ctx ComplianceContext) Report {
	report := NewReport()
	for _, rule := range rules {
		ok, detail := ev.rule(rule, ctx)
		res := Result{RuleName: rule.Name, Passed: ok, Required: rule.Required, Severity: rule.Severity}
		if !ok {
			res.Message = fmt.Sprintf("Compliance check '%s' failed", rule.Name)
			if detail != "" {
				res.Message += ": " + detail
			}
		}
		report.Add(res)
	}
	return report
}

func (ev evaluator) rule(rule ComplianceRule, ctx ComplianceContext) (bool, string) {
	v := rule.ValidationType
	switch v.Type {
	case FieldExists, FieldEquals, FieldMatches:
		val, ok := ctx.Fields[v.Field]
		if !ok {
			return false, "field " + v.Field + " missing"
		}
		switch v.Type {
		case FieldEquals:
			if val != v.Value {
				return false, ""
			}
		case FieldMatches:
			if !strings.Contains(val, v.Pattern) {
				return false, ""
			}
		}
		return ev.criteria(rule.Criteria, val)
	case Custom:
		fn, ok := ev.validators[v.Name]
		if !ok {
			return false, "no validator registered for " + v.Name
		}
		passed, err := fn(ctx)
		if err != nil {
			return false, err.Error()
		}
		return passed, ""
	default:
		return false, "unknown validation type " + string(v.Type)
	}
}

func (ev evaluator) criteria(c Criteria, val string) (bool, string) {
	if c.empty() {
		return true, ""
	}
	if len(c.AllowedValues) > 0 && !slices.Contains(c.AllowedValues, val) {
		return false, "value not allowed"
	}
	if c.MinValue != nil || c.MaxValue != nil {
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return false, "value is not numeric"
		}
		if c.MinValue != nil && n < *c.MinValue {
			return false, "value below minimum"
		}
		if c.MaxValue != nil && n > *c.MaxValue {
			return false, "value above maximum"
		}
	}
	if c.RegexPattern != "" {
		re := ev.patterns[c.RegexPattern]
		if re == nil || !re.MatchString(val) {
			return false, "value does not match pattern"
		}
	}
	return true, ""
}
