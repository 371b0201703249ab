package pii

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
)

const (
	contextWindowRunes  = 100
	contextSnippetRunes = 50
	contextBaseline     = 0.6
	contextBoost        = 0.2
	customConfidence    = 0.7
)

// Matcher runs the detection pipeline. It is safe for concurrent use.
type Matcher struct {
	mu       sync.RWMutex
	cfg      Config
	compiled map[Type]*compiledSet
	fps      map[Type][]*regexp.Regexp
	limiter  *rate.Limiter

	cache   *resultCache
	metrics *collectors
	logger  *slog.Logger
}

type Option func(*Matcher)

func WithLogger(l *slog.Logger) Option { return func(m *Matcher) { m.logger = l } }

// WithRegisterer exposes the matcher's Prometheus collectors.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Matcher) { m.metrics = newCollectors(r) }
}

func New(cfg Config, opts ...Option) (*Matcher, error) {
	m := &Matcher{cache: newResultCache(cacheMaxEntries, cacheMaxBytes)}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newCollectors(nil)
	}
	m.logger = logging.Or(m.logger)
	if err := m.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// NewDefault builds a matcher with DefaultConfig.
func NewDefault(opts ...Option) (*Matcher, error) { return New(DefaultConfig(), opts...) }

// UpdateConfig validates and recompiles cfg, then clears the result cache.
func (m *Matcher) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	compiled, fps, err := compile(cfg)
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if cfg.EnableRateLimiting {
		perMin := cfg.RateLimitPerMinute
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.compiled = compiled
	m.fps = fps
	m.limiter = limiter
	m.mu.Unlock()
	m.cache.clear()
	return nil
}

func (m *Matcher) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Matcher) Metrics() Metrics {
	items, bytes := m.cache.stats()
	return Metrics{
		Operations:  m.metrics.ops.Load(),
		Matched:     m.metrics.matched.Load(),
		CacheHits:   m.metrics.hits.Load(),
		CacheMisses: m.metrics.misses.Load(),
		LastElapsed: time.Duration(m.metrics.last.Load()),
		CacheItems:  items,
		CacheBytes:  bytes,
	}
}

type unlimitedKey struct{}

// WithoutRateLimit marks ctx as a trusted in-process caller whose detections
// do not draw from the rate limiter.
func WithoutRateLimit(ctx context.Context) context.Context {
	return context.WithValue(ctx, unlimitedKey{}, true)
}

func unlimited(ctx context.Context) bool {
	v, _ := ctx.Value(unlimitedKey{}).(bool)
	return v
}

// Detect analyses text under ac.
func (m *Matcher) Detect(ctx context.Context, text string, ac AnalysisContext) (Result, error) {
	start := time.Now()
	m.mu.RLock()
	cfg, compiled, fps, limiter := m.cfg, m.compiled, m.fps, m.limiter
	m.mu.RUnlock()

	if !cfg.Enabled {
		return Result{OverallSensitivity: Public, Compliance: ComplianceStatus{Frameworks: []Framework{GDPR}}}, nil
	}
	if err := m.validateInput(text, cfg); err != nil {
		m.metrics.operations.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	var key string
	if cfg.EnableCaching {
		key = cacheKey(text)
		if cached, ok := m.cache.get(key); ok {
			m.metrics.hit()
			return Result{
				Entities:           cached,
				Elapsed:            time.Since(start),
				OverallSensitivity: overallSensitivity(cached),
				Compliance:         assessCompliance(cached, cfg),
				Cached:             true,
			}, nil
		}
		m.metrics.miss()
	}
	if limiter != nil && !unlimited(ctx) && !limiter.Allow() {
		m.metrics.operations.WithLabelValues("rate_limited").Inc()
		per := time.Minute / time.Duration(cfg.RateLimitPerMinute)
		return Result{}, errs.RateLimitExceeded(cfg.RateLimitPerMinute, time.Minute, per)
	}

	var entities []Entity
	for _, method := range []Method{Regex, ContextualAnalysis} {
		if err := ctx.Err(); err != nil {
			return Result{}, errs.FromContext(err, "pii_detect")
		}
		if !cfg.hasMethod(method) {
			continue
		}
		switch method {
		case Regex:
			entities = append(entities, detectRegex(text, cfg, compiled)...)
		case ContextualAnalysis:
			entities = append(entities, detectContextual(text, ac, cfg, compiled)...)
		}
	}
	// Dictionary and MachineLearning contribute nothing yet.
	if cfg.hasMethod(ChecksumValidation) {
		entities = rescore(entities)
	}
	if cfg.EnableFalsePositiveReduction {
		entities = removeFalsePositives(entities, fps)
	}
	entities = dedupe(entities)

	if cfg.EnableCaching {
		m.cache.put(key, entities)
	}
	elapsed := time.Since(start)
	m.metrics.observe(entities, elapsed)
	return Result{
		Entities:           entities,
		Elapsed:            elapsed,
		OverallSensitivity: overallSensitivity(entities),
		Compliance:         assessCompliance(entities, cfg),
	}, nil
}

func (m *Matcher) validateInput(text string, cfg Config) error {
	if !cfg.EnableInputValidation {
		return nil
	}
	limit := cfg.MaxInputSizeMB << 20
	if len(text) > limit {
		return errs.Validation("input_size", fmt.Sprintf("Input size %d exceeds maximum allowed size %d", len(text), limit), "")
	}
	if strings.ContainsRune(text, 0) || !utf8.ValidString(text) {
		m.logger.Warn("suspicious pii input: null bytes or invalid utf-8", slog.Int("bytes", len(text)))
	}
	return nil
}

// DetectTypes returns the distinct types found in text, in order of first
// appearance. Errors yield an empty list.
func (m *Matcher) DetectTypes(ctx context.Context, text string) []Type {
	res, err := m.Detect(ctx, text, AnalysisContext{})
	if err != nil {
		return nil
	}
	var out []Type
	for _, e := range res.Entities {
		if !slices.Contains(out, e.Type) {
			out = append(out, e.Type)
		}
	}
	return out
}

// Redact replaces every detected entity with [REDACTED:<type>].
func (m *Matcher) Redact(ctx context.Context, text string) (string, error) {
	res, err := m.Detect(ctx, text, AnalysisContext{})
	if err != nil {
		return "", err
	}
	return Apply(text, res.Entities), nil
}

// Apply redacts entities in text, working right to left so the byte offsets
// of earlier entities stay valid.
func Apply(text string, entities []Entity) string {
	if len(entities) == 0 {
		return text
	}
	sorted := slices.Clone(entities)
	slices.SortFunc(sorted, func(a, b Entity) int { return b.Start - a.Start })
	out := text
	for _, e := range sorted {
		if e.Start < 0 || e.End > len(out) || e.Start >= e.End {
			continue
		}
		out = out[:e.Start] + "[REDACTED:" + string(e.Type) + "]" + out[e.End:]
	}
	return out
}

// ValidateEnterpriseCompliance checks the matcher is fit for an enterprise
// deployment: at least one framework and at least one compiled pattern.
func (m *Matcher) ValidateEnterpriseCompliance() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cfg.Frameworks) == 0 {
		return errs.Validation("compliance_frameworks", "No compliance frameworks configured for enterprise deployment", "")
	}
	if len(m.compiled) == 0 {
		return errs.Validation("compiled_patterns", "No patterns compiled for enterprise compliance validation", "")
	}
	return nil
}

func tagsFor(pc PatternConfig) []string {
	tags := make([]string, 0, len(pc.Frameworks))
	for _, f := range pc.Frameworks {
		tags = append(tags, string(f))
	}
	return tags
}

func excluded(value string, exclusions []string) bool {
	for _, x := range exclusions {
		if x != "" && strings.Contains(value, x) {
			return true
		}
	}
	return false
}

// baseline scores a regex match for its type. The second result is the
// method the entity is attributed to.
func baseline(t Type, value string) (float64, Method) {
	switch t {
	case Email:
		if validEmail(value) {
			return 0.9, Regex
		}
		return 0.6, Regex
	case Phone:
		return 0.8, Regex
	case SSN:
		if validSSN(value) {
			return 0.95, Regex
		}
		return 0.7, Regex
	case CreditCard:
		if luhn(value) {
			return 0.95, ChecksumValidation
		}
		return 0.5, ChecksumValidation
	case IPAddress:
		if validIPv4(value) {
			return 0.9, Regex
		}
		return 0.6, Regex
	default:
		return customConfidence, Regex
	}
}

func detectRegex(text string, cfg Config, compiled map[Type]*compiledSet) []Entity {
	var out []Entity
	for _, t := range cfg.EnabledTypes() {
		pc := cfg.Patterns[t]
		set := compiled[t]
		if set == nil {
			continue
		}
		for _, re := range set.primary {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				value := text[loc[0]:loc[1]]
				probe := value
				if t == CreditCard {
					probe = digits(value)
				}
				if excluded(probe, pc.Exclusions) {
					continue
				}
				conf, method := baseline(t, value)
				if conf < pc.MinimumConfidence {
					continue
				}
				out = append(out, Entity{
					Type:           t,
					Value:          value,
					Start:          loc[0],
					End:            loc[1],
					Confidence:     conf,
					Sensitivity:    pc.Sensitivity,
					Context:        snippet(text, loc[0], loc[1]),
					Metadata:       map[string]string{},
					Method:         method,
					ComplianceTags: tagsFor(pc),
				})
			}
		}
	}
	return out
}

// detectContextual searches a window of code points around every context
// word and reports primary matches inside it with a fixed boosted score.
func detectContextual(text string, ac AnalysisContext, cfg Config, compiled map[Type]*compiledSet) []Entity {
	var out []Entity
	conf := contextBaseline + contextBoost
	for _, t := range cfg.EnabledTypes() {
		pc := cfg.Patterns[t]
		set := compiled[t]
		if set == nil || len(set.primary) == 0 || len(set.context) == 0 {
			continue
		}
		if conf < pc.MinimumConfidence {
			continue
		}
		for _, cre := range set.context {
			for _, cloc := range cre.FindAllStringIndex(text, -1) {
				if !atWordBoundaries(text, cloc[0], cloc[1]) {
					continue
				}
				ws := expandLeft(text, cloc[0], contextWindowRunes)
				we := expandRight(text, cloc[1], contextWindowRunes)
				window := text[ws:we]
				for _, re := range set.primary {
					for _, loc := range re.FindAllStringIndex(window, -1) {
						s, e := ws+loc[0], ws+loc[1]
						out = append(out, Entity{
							Type:           t,
							Value:          text[s:e],
							Start:          s,
							End:            e,
							Confidence:     conf,
							Sensitivity:    pc.Sensitivity,
							Context:        snippet(text, s, e),
							Metadata:       ac.metadata(),
							Method:         ContextualAnalysis,
							ComplianceTags: tagsFor(pc),
						})
					}
				}
			}
		}
	}
	return out
}

// rescore applies structural checks to entities found so far. Valid ones
// gain 0.1; invalid ones lose 0.2 and survive only if they started at 0.8 or
// above.
func rescore(entities []Entity) []Entity {
	out := entities[:0]
	for _, e := range entities {
		if checksumValid(e) {
			e.Confidence = math.Min(1, e.Confidence+0.1)
			e.Method = ChecksumValidation
			out = append(out, e)
		} else if e.Confidence >= 0.8 {
			e.Confidence = math.Max(0, e.Confidence-0.2)
			out = append(out, e)
		}
	}
	return out
}

func removeFalsePositives(entities []Entity, fps map[Type][]*regexp.Regexp) []Entity {
	out := entities[:0]
outer:
	for _, e := range entities {
		for _, re := range fps[e.Type] {
			if re.MatchString(e.Value) {
				continue outer
			}
		}
		if heuristicFalsePositive(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// dedupe resolves overlaps against the last kept entity, keeping the one
// with the higher confidence. The result never overlaps.
func dedupe(entities []Entity) []Entity {
	slices.SortStableFunc(entities, func(a, b Entity) int { return a.Start - b.Start })
	var out []Entity
	for _, e := range entities {
		if n := len(out); n > 0 && e.Start < out[n-1].End {
			if e.Confidence > out[n-1].Confidence {
				out[n-1] = e
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

func overallSensitivity(entities []Entity) Sensitivity {
	s := Public
	for _, e := range entities {
		s = max(s, e.Sensitivity)
	}
	return s
}

func riskScore(entities []Entity) float64 {
	if len(entities) == 0 {
		return 0
	}
	var w float64
	for _, e := range entities {
		w += e.Sensitivity.weight()
	}
	n := float64(len(entities))
	return math.Min(1, 0.1*n*(w/n))
}

func assessCompliance(entities []Entity, cfg Config) ComplianceStatus {
	st := ComplianceStatus{Frameworks: slices.Clone(cfg.Frameworks), RiskScore: riskScore(entities)}
	has := func(pred func(Entity) bool) bool { return slices.ContainsFunc(entities, pred) }
	for _, f := range cfg.Frameworks {
		switch f {
		case GDPR:
			if has(Entity.HighlySensitive) {
				st.Recommendations = append(st.Recommendations, "Consider data minimization under GDPR Article 5(1)(c)")
			}
		case HIPAA:
			if has(func(e Entity) bool { return e.Type == MedicalRecord }) {
				st.Recommendations = append(st.Recommendations, "Ensure PHI protection under HIPAA requirements")
			}
		case PCI:
			if has(func(e Entity) bool { return e.Type == CreditCard }) {
				st.Recommendations = append(st.Recommendations, "Apply PCI DSS data protection requirements")
			}
		}
	}
	return st
}

// snippet returns up to contextSnippetRunes code points on either side of
// the match.
func snippet(text string, start, end int) string {
	return text[expandLeft(text, start, contextSnippetRunes):expandRight(text, end, contextSnippetRunes)]
}
