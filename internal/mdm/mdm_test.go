package mdm

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/retry"
)

func sampleConfig() Config {
	minV := 1.0
	return Config{
		PolicyEnforcement: true,
		RemoteConfigURL:   "https://mdm.example.com/config",
		ComplianceChecks: []ComplianceRule{
			{Name: "encryption", Required: true, ValidationType: Equals("disk_encryption", "on"), Severity: SeverityCritical},
			{Name: "os_version", Required: false, ValidationType: Exists("os_version"), Criteria: Criteria{MinValue: &minV}, Severity: SeverityLow},
		},
		Policies: map[string]PolicySetting{
			"telemetry": {Enabled: true, Value: BoolValue(false), Enforced: true},
			"domains":   {Enabled: true, Value: ListValue("example.com"), Description: "allowed"},
			"limits":    {Enabled: false, Value: ObjectValue(map[string]string{"cpu": "50"})},
			"interval":  {Enabled: true, Value: NumberValue(15)},
			"region":    {Enabled: true, Value: StringValue("us")},
		},
		UpdateIntervalSecs: 3600,
		AllowLocalOverride: true,
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := sampleConfig()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"policyEnforcement":true`)
	assert.Contains(t, string(data), `{"type":"boolean","value":false}`)

	var back Config
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)
}

func TestRuleDefaults(t *testing.T) {
	var r ComplianceRule
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","validationType":{"type":"fieldExists","field":"a"},"criteria":{}}`), &r))
	assert.True(t, r.Required)
	assert.Equal(t, SeverityMedium, r.Severity)
}

func TestValidate(t *testing.T) {
	require.NoError(t, sampleConfig().Validate())

	cases := map[string]func(*Config){
		"bad url":      func(c *Config) { c.RemoteConfigURL = "::not a url" },
		"empty rule":   func(c *Config) { c.ComplianceChecks[0].Name = " " },
		"empty string": func(c *Config) { c.Policies["region"] = PolicySetting{Value: StringValue("")} },
		"nan":          func(c *Config) { c.Policies["interval"] = PolicySetting{Value: NumberValue(math.NaN())} },
		"enforced empty list": func(c *Config) {
			c.Policies["domains"] = PolicySetting{Value: ListValue(), Enforced: true}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := sampleConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindValidation))
		})
	}

	cfg := sampleConfig()
	cfg.Policies["domains"] = PolicySetting{Value: ListValue(), Enforced: false}
	assert.NoError(t, cfg.Validate())
}

func TestPolicyErrorNamesPolicy(t *testing.T) {
	cfg := sampleConfig()
	cfg.Policies["region"] = PolicySetting{Value: StringValue("")}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Policy 'region'")
}

func TestMergeRemoteReplacesWithoutOverride(t *testing.T) {
	local := sampleConfig()
	local.AllowLocalOverride = false
	remote := NewBuilderOrFail(t, NewBuilder().PolicyEnforcement(false).Policy("x", PolicySetting{Enabled: true, Value: BoolValue(true)}))

	merged, err := local.MergeRemote(remote)
	require.NoError(t, err)
	assert.Equal(t, remote, merged)
}

func TestMergeRemoteUnionsRules(t *testing.T) {
	local := sampleConfig()
	remote := Config{
		PolicyEnforcement: false,
		RemoteConfigURL:   "https://mdm.example.com/v2",
		ComplianceChecks: []ComplianceRule{
			{Name: "encryption", Required: false, ValidationType: Exists("other"), Severity: SeverityLow},
			{Name: "firewall", Required: true, ValidationType: Equals("firewall", "on"), Severity: SeverityHigh},
		},
		Policies: map[string]PolicySetting{
			"region": {Enabled: true, Value: StringValue("eu")},
			"new":    {Enabled: true, Value: BoolValue(true)},
		},
	}
	merged, err := local.MergeRemote(remote)
	require.NoError(t, err)

	assert.False(t, merged.PolicyEnforcement)
	assert.Equal(t, "https://mdm.example.com/v2", merged.RemoteConfigURL)
	require.Len(t, merged.ComplianceChecks, 3)
	assert.Equal(t, "disk_encryption", merged.ComplianceChecks[0].ValidationType.Field, "local rule wins on name collision")
	assert.Equal(t, "firewall", merged.ComplianceChecks[2].Name)
	assert.Equal(t, "eu", merged.Policies["region"].Value.String)
	assert.True(t, merged.IsPolicyEnabled("new"))
	assert.True(t, merged.IsPolicyEnabled("telemetry"))

	// the local copy is untouched
	assert.Equal(t, "us", local.Policies["region"].Value.String)
}

func TestMergeRemoteKeepsLocalURLWhenRemoteHasNone(t *testing.T) {
	local := sampleConfig()
	merged, err := local.MergeRemote(Config{})
	require.NoError(t, err)
	assert.Equal(t, local.RemoteConfigURL, merged.RemoteConfigURL)
}

func NewBuilderOrFail(t *testing.T, b *Builder) Config {
	t.Helper()
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func TestComplianceReport(t *testing.T) {
	e, err := NewEngine(sampleConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	ok := e.CheckCompliance(NewContext().With("disk_encryption", "on").With("os_version", "14"))
	assert.True(t, ok.IsCompliant())
	assert.Empty(t, ok.Failed())

	bad := e.CheckCompliance(NewContext().With("disk_encryption", "off"))
	assert.False(t, bad.IsCompliant())
	assert.False(t, bad.Passed)
	assert.Equal(t, 1, bad.CriticalFailures)
	assert.Equal(t, 1, bad.Warnings)
	require.Len(t, bad.Failed(), 2)
	assert.Contains(t, bad.Failed()[0].Message, "Compliance check 'encryption' failed")
}

func TestFieldMatchesIsSubstring(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComplianceChecks = []ComplianceRule{{Name: "host", Required: true, ValidationType: Matches("host", "a.b"), Severity: SeverityHigh}}
	e, err := NewEngine(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.True(t, e.CheckCompliance(NewContext().With("host", "xa.by")).IsCompliant())
	r := e.CheckCompliance(NewContext().With("host", "axb"))
	assert.False(t, r.Passed)
	assert.Zero(t, r.CriticalFailures)
}

func TestCriteriaRegexAndAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComplianceChecks = []ComplianceRule{
		{Name: "tag", Required: true, ValidationType: Exists("tag"), Criteria: Criteria{RegexPattern: `^[A-Z]{3}-\d+$`}, Severity: SeverityMedium},
		{Name: "env", Required: true, ValidationType: Exists("env"), Criteria: Criteria{AllowedValues: []string{"prod", "dev"}}, Severity: SeverityMedium},
	}
	e, err := NewEngine(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.True(t, e.CheckCompliance(NewContext().With("tag", "ABC-12").With("env", "dev")).IsCompliant())
	assert.False(t, e.CheckCompliance(NewContext().With("tag", "abc").With("env", "dev")).IsCompliant())
	assert.False(t, e.CheckCompliance(NewContext().With("tag", "ABC-1").With("env", "qa")).IsCompliant())

	cfg.ComplianceChecks[0].Criteria.RegexPattern = "("
	assert.Error(t, e.Apply(cfg))
}

func TestCustomValidator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComplianceChecks = []ComplianceRule{{Name: "screen_lock", Required: true, ValidationType: CustomCheck("screen_lock"), Severity: SeverityCritical}}
	e, err := NewEngine(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	r := e.CheckCompliance(NewContext())
	assert.False(t, r.IsCompliant(), "unregistered custom validators fail")

	e.RegisterValidator("screen_lock", func(c ComplianceContext) (bool, error) {
		return c.Metadata["screen_lock"] == "enabled", nil
	})
	c := NewContext()
	c.Metadata["screen_lock"] = "enabled"
	assert.True(t, e.CheckCompliance(c).IsCompliant())
}

func TestDigestStableAcrossKeyOrder(t *testing.T) {
	a, err := Digest(sampleConfig())
	require.NoError(t, err)
	b, err := Digest(sampleConfig().Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other := sampleConfig()
	other.PolicyEnforcement = false
	c, err := Digest(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func noSleep(context.Context, time.Duration) error { return nil }

func fastRetry(t *testing.T) *retry.Executor {
	t.Helper()
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	e, err := retry.New(cfg, retry.WithSleep(noSleep))
	require.NoError(t, err)
	return e
}

// writeSelfSignedCA writes a freshly generated CA that signed nothing the
// test servers present.
func writeSelfSignedCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "unrelated test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "other-ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func writeCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestClientFetchWithPinnedCA(t *testing.T) {
	remote := sampleConfig()
	body, err := json.Marshal(remote)
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/config", WithCABundle(writeCA(t, srv)), WithRetry(fastRetry(t)), WithClientLogger(logging.Discard()))
	require.NoError(t, err)

	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remote, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientRejectsUnknownCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithCABundle(writeSelfSignedCA(t)), WithRetry(fastRetry(t)), WithClientLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBackend))
	assert.Contains(t, err.Error(), "certificate")
}

func TestClientRequiresHTTPS(t *testing.T) {
	_, err := NewClient("http://mdm.example.com/config")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestClientNon2xxIsRetryableBackend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRetry(fastRetry(t)), WithClientLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBackend))
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientSchemaRejectsMalformed(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"policyEnforcement":"yes"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRetry(fastRetry(t)), WithClientLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestClientSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body, err := json.Marshal(sampleConfig())
	require.NoError(t, err)
	sig, err := Sign(priv, body)
	require.NoError(t, err)

	var send atomic.Value
	send.Store(sig)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(SignatureHeader, send.Load().(string))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithPublicKey(pub), WithRetry(fastRetry(t)), WithClientLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = c.Fetch(context.Background())
	require.NoError(t, err)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	forged, err := Sign(otherPriv, body)
	require.NoError(t, err)
	send.Store(forged)
	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUnauthorized))
}

func TestEngineRefreshAudits(t *testing.T) {
	remote := sampleConfig()
	remote.Policies = map[string]PolicySetting{"remote_only": {Enabled: true, Value: BoolValue(true)}}
	body, err := json.Marshal(remote)
	require.NoError(t, err)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRetry(fastRetry(t)), WithClientLogger(logging.Discard()))
	require.NoError(t, err)
	log := audit.New(audit.Config{MaxMemoryEntries: 10}, audit.WithEnv(func(string) string { return "" }), audit.WithLogger(logging.Discard()))
	e, err := NewEngine(sampleConfig(), WithClient(c), WithAuditor(log), WithLogger(logging.Discard()))
	require.NoError(t, err)
	before := e.Digest()

	require.NoError(t, e.Refresh(context.Background()))
	assert.True(t, e.IsPolicyEnabled("remote_only"))
	assert.True(t, e.IsPolicyEnabled("telemetry"))
	assert.NotEqual(t, before, e.Digest())

	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.RemoteConfigSync, entries[0].Event.Type)
	require.NotNil(t, entries[0].Event.Success)
	assert.True(t, *entries[0].Event.Success)
}

func TestEngineRefreshWithoutClient(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.True(t, errs.Is(e.Refresh(context.Background()), errs.KindConfig))
}

func TestWatchFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdm.json")
	write := func(c Config) {
		data, err := json.Marshal(c)
		require.NoError(t, err)
		tmp := path + ".tmp"
		require.NoError(t, os.WriteFile(tmp, data, 0o600))
		require.NoError(t, os.Rename(tmp, path))
	}
	first := sampleConfig()
	write(first)

	e, err := NewEngine(DefaultConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.WatchFile(ctx, path) }()

	require.Eventually(t, func() bool { return e.Current().PolicyEnforcement }, 2*time.Second, 10*time.Millisecond)

	second := sampleConfig()
	second.PolicyEnforcement = false
	write(second)
	require.Eventually(t, func() bool { return !e.Current().PolicyEnforcement }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
