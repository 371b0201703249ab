package pii

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
)

func newMatcher(t *testing.T, cfg Config) *Matcher {
	t.Helper()
	m, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return m
}

func byType(entities []Entity, typ Type) (Entity, bool) {
	for _, e := range entities {
		if e.Type == typ {
			return e, true
		}
	}
	return Entity{}, false
}

func TestMultibyteEmailAndSSNRoundTrip(t *testing.T) {
	m := newMatcher(t, DefaultConfig())
	text := "Email: テスト@example.com and SSN 123-45-6789"

	res, err := m.Detect(context.Background(), text, AnalysisContext{})
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)

	email, ok := byType(res.Entities, Email)
	require.True(t, ok)
	assert.GreaterOrEqual(t, email.Confidence, 0.9)
	assert.Equal(t, "テスト@example.com", email.Value)
	assert.Equal(t, email.Value, text[email.Start:email.End])

	ssn, ok := byType(res.Entities, SSN)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ssn.Confidence, 0.95)
	assert.Equal(t, Restricted, res.OverallSensitivity)

	out, err := m.Redact(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, "Email: [REDACTED:email] and SSN [REDACTED:ssn]", out)
}

func TestRedactionRemovesEveryValue(t *testing.T) {
	m := newMatcher(t, DefaultConfig())
	text := "Call 415-555-0134, card 4111 1111 1111 1111, host 10.1.2.3, mail ana@corp.io"
	res, err := m.Detect(context.Background(), text, AnalysisContext{})
	require.NoError(t, err)

	out := Apply(text, res.Entities)
	for _, e := range res.Entities {
		assert.NotContains(t, out, e.Value)
		assert.Contains(t, out, "[REDACTED:"+string(e.Type)+"]")
	}
	types := m.DetectTypes(context.Background(), text)
	assert.ElementsMatch(t, []Type{Phone, CreditCard, IPAddress, Email}, types)
}

func TestCreditCardLuhn(t *testing.T) {
	assert.True(t, luhn("4111 1111 1111 1111"))
	assert.True(t, luhn("378282246310005"))
	assert.False(t, luhn("4111 1111 1111 1112"))
	assert.False(t, luhn("123"))

	m := newMatcher(t, DefaultConfig())
	res, err := m.Detect(context.Background(), "card 4111-1111-1111-1112", AnalysisContext{})
	require.NoError(t, err)
	_, found := byType(res.Entities, CreditCard)
	assert.False(t, found, "luhn-invalid numbers stay below the minimum confidence")
}

func TestSSNStructure(t *testing.T) {
	assert.True(t, validSSN("123-45-6789"))
	assert.False(t, validSSN("000-45-6789"))
	assert.False(t, validSSN("123-00-6789"))
	assert.False(t, validSSN("123-45-0000"))
}

func TestHeuristicFalsePositives(t *testing.T) {
	assert.True(t, heuristicFalsePositive(Entity{Type: Phone, Value: "000-000-0000"}))
	assert.True(t, heuristicFalsePositive(Entity{Type: Phone, Value: "111-111-1111"}))
	assert.True(t, heuristicFalsePositive(Entity{Type: Phone, Value: "555-0134"}))
	assert.False(t, heuristicFalsePositive(Entity{Type: Phone, Value: "415-555-0134"}))
	assert.True(t, heuristicFalsePositive(Entity{Type: Email, Value: "test@test.com"}))
	assert.True(t, heuristicFalsePositive(Entity{Type: CreditCard, Value: "1111 1111 1111 1111"}))
}

func TestConfiguredFalsePositivePatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FalsePositives = map[Type][]string{IPAddress: {`^10\.`}}
	m := newMatcher(t, cfg)

	types := m.DetectTypes(context.Background(), "server 10.0.0.7 and 192.168.4.2")
	assert.Equal(t, []Type{IPAddress}, types)
	res, err := m.Detect(context.Background(), "server 10.0.0.7", AnalysisContext{})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestContextualMetadata(t *testing.T) {
	cfg := DefaultConfig()
	compiled, _, err := compile(cfg)
	require.NoError(t, err)

	text := "phone: 415-555-0134"
	found := detectContextual(text, AnalysisContext{SourceApplication: "Slack", Jurisdiction: "EU"}, cfg, compiled)
	require.Len(t, found, 1)
	e := found[0]
	assert.Equal(t, Phone, e.Type)
	assert.Equal(t, ContextualAnalysis, e.Method)
	assert.InDelta(t, 0.8, e.Confidence, 1e-9)
	assert.Equal(t, map[string]string{"source_application": "Slack", "jurisdiction": "EU"}, e.Metadata)

	m := newMatcher(t, cfg)
	res, err := m.Detect(context.Background(), text, AnalysisContext{})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1, "overlapping regex and contextual hits collapse")
}

func TestContextWordsRespectWordBoundaries(t *testing.T) {
	assert.True(t, atWordBoundaries("the ssn is", 4, 7))
	assert.False(t, atWordBoundaries("classnote", 2, 5))
	assert.True(t, atWordBoundaries("テスト@example", len("テスト"), len("テスト@")))
	assert.False(t, atWordBoundaries("a @ b", 2, 3))
}

func TestExpandIsRuneAligned(t *testing.T) {
	text := "日本語テキスト"
	i := len("日本語")
	assert.Equal(t, len("日"), expandLeft(text, i, 2))
	assert.Equal(t, len("日本語テキ"), expandRight(text, i, 2))
	assert.Equal(t, 0, expandLeft(text, i, 100))
	assert.Equal(t, len(text), expandRight(text, i, 100))
}

func TestSnippetOnLongMultibyteText(t *testing.T) {
	m := newMatcher(t, DefaultConfig())
	text := strings.Repeat("あ", 80) + " ana@corp.io " + strings.Repeat("い", 80)
	res, err := m.Detect(context.Background(), text, AnalysisContext{})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	ctx := res.Entities[0].Context
	assert.Contains(t, ctx, "ana@corp.io")
	assert.LessOrEqual(t, len([]rune(ctx)), 50+len("ana@corp.io")+50)
}

func TestCacheHitAndConfigUpdateClears(t *testing.T) {
	m := newMatcher(t, DefaultConfig())
	text := "reach me at ana@corp.io"

	first, err := m.Detect(context.Background(), text, AnalysisContext{})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	second, err := m.Detect(context.Background(), text, AnalysisContext{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Entities, second.Entities)

	mt := m.Metrics()
	assert.Equal(t, uint64(1), mt.CacheHits)
	assert.Equal(t, uint64(1), mt.CacheMisses)
	assert.Equal(t, uint64(1), mt.Operations)
	assert.Equal(t, 1, mt.CacheItems)

	require.NoError(t, m.UpdateConfig(DefaultConfig()))
	assert.Zero(t, m.Metrics().CacheItems)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newResultCache(2, 1<<20)
	c.put("a", nil)
	c.put("b", nil)
	_, _ = c.get("a")
	c.put("c", nil)
	_, okA := c.get("a")
	_, okB := c.get("b")
	assert.True(t, okA)
	assert.False(t, okB)
}

func TestCacheByteBudget(t *testing.T) {
	big := []Entity{{Value: strings.Repeat("x", 600)}}
	c := newResultCache(100, 1000)
	c.put("k1", big)
	c.put("k2", big)
	items, bytes := c.stats()
	assert.Equal(t, 1, items)
	assert.LessOrEqual(t, bytes, 1000)
}

func TestCacheSizeCountsBytesNotRunes(t *testing.T) {
	e := Entity{Value: "テスト"}
	assert.Equal(t, len("k")+cacheEntityOverhead+9, entrySize("k", []Entity{e}))
}

func TestRiskScoreAndRecommendations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Frameworks = []Framework{GDPR, PCI, HIPAA}
	m := newMatcher(t, cfg)
	res, err := m.Detect(context.Background(), "card 4111 1111 1111 1111", AnalysisContext{})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.InDelta(t, 0.1*0.8, res.Compliance.RiskScore, 1e-9)
	assert.Len(t, res.Compliance.Recommendations, 2)

	many := make([]Entity, 20)
	for i := range many {
		many[i].Sensitivity = Restricted
	}
	assert.Equal(t, 1.0, riskScore(many))
	assert.Zero(t, riskScore(nil))
}

func TestDisabledReturnsPublic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := newMatcher(t, cfg)
	res, err := m.Detect(context.Background(), "ana@corp.io", AnalysisContext{})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.Equal(t, Public, res.OverallSensitivity)
}

func TestInputTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInputSizeMB = 1
	m := newMatcher(t, cfg)
	_, err := m.Detect(context.Background(), strings.Repeat("a", 1<<20+1), AnalysisContext{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 2
	cfg.EnableCaching = false
	m := newMatcher(t, cfg)
	for i := 0; i < 2; i++ {
		_, err := m.Detect(context.Background(), fmt.Sprint(i), AnalysisContext{})
		require.NoError(t, err)
	}
	_, err := m.Detect(context.Background(), "x", AnalysisContext{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRateLimitExceeded))
	assert.True(t, errs.IsRetryable(err))
}

func TestCacheHitsAndTrustedCallersSkipRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 1
	m := newMatcher(t, cfg)
	ctx := context.Background()

	_, err := m.Detect(ctx, "mail ana@corp.io", AnalysisContext{})
	require.NoError(t, err)
	res, err := m.Detect(ctx, "mail ana@corp.io", AnalysisContext{})
	require.NoError(t, err)
	assert.True(t, res.Cached)

	_, err = m.Detect(ctx, "fresh text", AnalysisContext{})
	assert.True(t, errs.Is(err, errs.KindRateLimitExceeded))

	_, err = m.Detect(WithoutRateLimit(ctx), "more fresh text", AnalysisContext{})
	assert.NoError(t, err)
}

func TestChecksumRescoringIgnoresMethodOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCaching = false
	cfg.Methods = []Method{ChecksumValidation, Regex}
	res, err := newMatcher(t, cfg).Detect(context.Background(), "mail ana@corp.io", AnalysisContext{})
	require.NoError(t, err)
	e, ok := byType(res.Entities, Email)
	require.True(t, ok)
	assert.Equal(t, ChecksumValidation, e.Method)

	cfg.Methods = []Method{Regex}
	res, err = newMatcher(t, cfg).Detect(context.Background(), "mail ana@corp.io", AnalysisContext{})
	require.NoError(t, err)
	e, ok = byType(res.Entities, Email)
	require.True(t, ok)
	assert.Equal(t, Regex, e.Method)
}

func TestDedupeResolvesOverlapChains(t *testing.T) {
	text := "0123456789ABCDEF"
	got := dedupe([]Entity{
		{Type: Phone, Start: 0, End: 10, Confidence: 0.9},
		{Type: SSN, Start: 2, End: 5, Confidence: 0.95},
		{Type: Email, Start: 4, End: 12, Confidence: 0.8},
		{Type: IPAddress, Start: 7, End: 9, Confidence: 0.5},
	})
	require.Len(t, got, 2)
	assert.Equal(t, SSN, got[0].Type)
	assert.Equal(t, IPAddress, got[1].Type)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i-1].Overlaps(got[i]))
	}
	assert.Equal(t, "01[REDACTED:ssn]56[REDACTED:ip_address]9ABCDEF", Apply(text, got))
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Patterns[CustomType("badge")] = PatternConfig{Type: CustomType("badge"), Patterns: []string{"("}, Enabled: true}
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))

	cfg = DefaultConfig()
	cfg.OrganizationID = ""
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestCustomPatternType(t *testing.T) {
	cfg := DefaultConfig()
	badge := CustomType("badge")
	cfg.Patterns[badge] = PatternConfig{Type: badge, Patterns: []string{`\bBDG-\d{5}\b`}, Sensitivity: Internal, MinimumConfidence: 0.5, Enabled: true}
	m := newMatcher(t, cfg)
	out, err := m.Redact(context.Background(), "badge BDG-12345 scanned")
	require.NoError(t, err)
	assert.Equal(t, "badge [REDACTED:custom_badge] scanned", out)
}

func TestEnterpriseCompliance(t *testing.T) {
	m := newMatcher(t, DefaultConfig())
	assert.NoError(t, m.ValidateEnterpriseCompliance())

	cfg := DefaultConfig()
	cfg.Frameworks = nil
	require.NoError(t, m.UpdateConfig(cfg))
	assert.True(t, errs.Is(m.ValidateEnterpriseCompliance(), errs.KindValidation))
}

func TestPrometheusCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(DefaultConfig(), WithLogger(logging.Discard()), WithRegisterer(reg))
	require.NoError(t, err)
	_, err = m.Detect(context.Background(), "ana@corp.io", AnalysisContext{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.entities.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.cache.WithLabelValues("miss")))
}
