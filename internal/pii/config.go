package pii

import (
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/validation"
)

// EmailPattern accepts non-ASCII local parts and domains.
const EmailPattern = `[\p{L}\p{N}._%+-]+@[\p{L}\p{N}.-]+\.\p{L}{2,}`

type PatternConfig struct {
	Type              Type        `yaml:"type" json:"type"`
	Patterns          []string    `yaml:"patterns" json:"patterns"`
	ContextWords      []string    `yaml:"context_words" json:"context_words"`
	Exclusions        []string    `yaml:"exclusions" json:"exclusions"`
	Sensitivity       Sensitivity `yaml:"sensitivity" json:"sensitivity"`
	MinimumConfidence float64     `yaml:"minimum_confidence" json:"minimum_confidence"`
	Enabled           bool        `yaml:"enabled" json:"enabled"`
	Frameworks        []Framework `yaml:"frameworks" json:"frameworks"`
}

type Config struct {
	Version        string `yaml:"version" json:"version"`
	OrganizationID string `yaml:"organization_id" json:"organization_id"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`

	Methods                      []Method               `yaml:"methods" json:"methods"`
	EnableFalsePositiveReduction bool                   `yaml:"false_positive_reduction" json:"false_positive_reduction"`
	Patterns                     map[Type]PatternConfig `yaml:"patterns" json:"patterns"`
	// FalsePositives lists extra regular expressions per type whose matches
	// are discarded.
	FalsePositives map[Type][]string `yaml:"false_positives" json:"false_positives"`

	Frameworks []Framework `yaml:"frameworks" json:"frameworks"`

	EnableCaching         bool `yaml:"caching" json:"caching"`
	EnableInputValidation bool `yaml:"input_validation" json:"input_validation"`
	MaxInputSizeMB        int  `yaml:"max_input_size_mb" json:"max_input_size_mb"`
	EnableRateLimiting    bool `yaml:"rate_limiting" json:"rate_limiting"`
	RateLimitPerMinute    int  `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	MaxMemoryUsageMB      int  `yaml:"max_memory_usage_mb" json:"max_memory_usage_mb"`
}

func DefaultConfig() Config {
	return Config{
		Version:                      "2.0.0",
		OrganizationID:               "default",
		Enabled:                      true,
		Methods:                      []Method{Regex, ContextualAnalysis, ChecksumValidation},
		EnableFalsePositiveReduction: true,
		Patterns: map[Type]PatternConfig{
			Email: {
				Type:              Email,
				Patterns:          []string{EmailPattern},
				ContextWords:      []string{"email", "e-mail", "@"},
				Exclusions:        []string{"noreply@", "test@"},
				Sensitivity:       Confidential,
				MinimumConfidence: 0.8,
				Enabled:           true,
				Frameworks:        []Framework{GDPR, CCPA},
			},
			Phone: {
				Type: Phone,
				Patterns: []string{
					`\b\d{3}-\d{3}-\d{4}\b`,
					`\(\d{3}\)\s*\d{3}-\d{4}\b`,
					`\b\d{10}\b`,
					`\+?\d{1,3}-\d{3}-\d{3}-\d{4}\b`,
				},
				ContextWords:      []string{"phone", "tel", "mobile"},
				Exclusions:        []string{"000-000-0000"},
				Sensitivity:       Confidential,
				MinimumConfidence: 0.7,
				Enabled:           true,
				Frameworks:        []Framework{GDPR},
			},
			SSN: {
				Type:              SSN,
				Patterns:          []string{`\b\d{3}-\d{2}-\d{4}\b`, `\b\d{9}\b`},
				ContextWords:      []string{"ssn", "social security"},
				Exclusions:        []string{"000-00-0000"},
				Sensitivity:       Restricted,
				MinimumConfidence: 0.9,
				Enabled:           true,
				Frameworks:        []Framework{GDPR, CCPA},
			},
			IPAddress: {
				Type:              IPAddress,
				Patterns:          []string{`\b(?:\d{1,3}\.){3}\d{1,3}\b`},
				ContextWords:      []string{"ip", "address", "host", "server"},
				Exclusions:        []string{"0.0.0.0"},
				Sensitivity:       Internal,
				MinimumConfidence: 0.8,
				Enabled:           true,
				Frameworks:        []Framework{GDPR},
			},
			CreditCard: {
				Type: CreditCard,
				Patterns: []string{
					`\b4\d{3}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
					`\b5[1-5]\d{2}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
					`\b3[47]\d{2}[\s-]?\d{6}[\s-]?\d{5}\b`,
				},
				ContextWords:      []string{"card", "credit", "payment"},
				Exclusions:        []string{"0000000000000000"},
				Sensitivity:       Restricted,
				MinimumConfidence: 0.9,
				Enabled:           true,
				Frameworks:        []Framework{PCI},
			},
		},
		Frameworks:            []Framework{GDPR},
		EnableCaching:         true,
		EnableInputValidation: true,
		MaxInputSizeMB:        10,
		EnableRateLimiting:    true,
		RateLimitPerMinute:    1000,
		MaxMemoryUsageMB:      512,
	}
}

// Validate checks required fields and that every pattern compiles.
func (c Config) Validate() error {
	col := validation.NewCollector("pii config")
	validation.Check[string](col, validation.String{NotEmpty: true}, "version", c.Version)
	validation.Check[string](col, validation.String{NotEmpty: true}, "organization_id", c.OrganizationID)
	if c.MaxMemoryUsageMB <= 0 {
		col.Addf("max_memory_usage_mb", "range_min", "Memory limit cannot be zero")
	}
	if c.EnableRateLimiting && c.RateLimitPerMinute <= 0 {
		col.Addf("rate_limit_per_minute", "range_min", "must be > 0 when rate limiting is enabled")
	}
	for _, t := range sortedTypes(c.Patterns) {
		pc := c.Patterns[t]
		field := "patterns." + string(t)
		if len(pc.Patterns) == 0 {
			col.Addf(field, "required", "Pattern config for %s must have at least one regex pattern", t)
		}
		for _, p := range pc.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				col.Addf(field, "regex", "Invalid regex pattern '%s': %v", p, err)
			}
		}
		validation.Check[float64](col, validation.Between(0.0, 1.0), field+".minimum_confidence", pc.MinimumConfidence)
	}
	for _, t := range sortedTypes(c.FalsePositives) {
		for _, p := range c.FalsePositives[t] {
			if _, err := regexp.Compile(p); err != nil {
				col.Addf("false_positives."+string(t), "regex", "Invalid regex pattern '%s': %v", p, err)
			}
		}
	}
	if err := col.Err(); err != nil {
		ce := err.(*validation.Error).Common()
		return errs.Config(ce.Message, ce.Fields["field"]).WithCause(err)
	}
	return nil
}

// EnabledTypes lists the types with detection switched on, sorted.
func (c Config) EnabledTypes() []Type {
	var out []Type
	for _, t := range sortedTypes(c.Patterns) {
		if c.Patterns[t].Enabled {
			out = append(out, t)
		}
	}
	return out
}

func (c Config) hasMethod(m Method) bool { return slices.Contains(c.Methods, m) }

func sortedTypes[V any](m map[Type]V) []Type {
	return slices.Sorted(maps.Keys(m))
}

type compiledSet struct {
	primary []*regexp.Regexp
	context []*regexp.Regexp
}

func compile(c Config) (map[Type]*compiledSet, map[Type][]*regexp.Regexp, error) {
	sets := make(map[Type]*compiledSet, len(c.Patterns))
	for t, pc := range c.Patterns {
		s := &compiledSet{}
		for _, p := range pc.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, nil, errs.Config(fmt.Sprintf("Invalid regex pattern '%s': %v", p, err), "patterns."+string(t))
			}
			s.primary = append(s.primary, re)
		}
		for _, w := range pc.ContextWords {
			if w == "" {
				continue
			}
			s.context = append(s.context, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(w)))
		}
		sets[t] = s
	}
	fps := make(map[Type][]*regexp.Regexp, len(c.FalsePositives))
	for t, list := range c.FalsePositives {
		for _, p := range list {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, nil, errs.Config(fmt.Sprintf("Invalid regex pattern '%s': %v", p, err), "false_positives."+string(t))
			}
			fps[t] = append(fps[t], re)
		}
	}
	return sets, fps, nil
}
