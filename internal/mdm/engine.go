package mdm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gowebpki/jcs"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
)

// Auditor receives config sync outcomes. *audit.Logger satisfies it.
type Auditor interface {
	Log(ev audit.Event, sev audit.Severity, c audit.Context) (audit.Entry, bool)
}

// Digest returns the hex SHA-256 of the canonical JSON form of cfg.
func Digest(cfg Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", errs.Serialization(err.Error(), "json")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", errs.Serialization(err.Error(), "jcs")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Engine holds the active policy config and the regular expressions its
// rules reference. The two are swapped together under both write locks.
type Engine struct {
	cfgMu  sync.RWMutex
	cfg    Config
	digest string

	patMu      sync.RWMutex
	patterns   map[string]*regexp.Regexp
	validators map[string]CustomValidator

	client  *Client
	auditor Auditor
	logger  *slog.Logger
}

type EngineOption func(*Engine)

func WithClient(c *Client) EngineOption { return func(e *Engine) { e.client = c } }

func WithAuditor(a Auditor) EngineOption { return func(e *Engine) { e.auditor = a } }

func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	e := &Engine{validators: map[string]CustomValidator{}}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Or(e.logger)
	if err := e.Apply(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply validates cfg and makes it current.
func (e *Engine) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	patterns, err := compilePatterns(cfg.ComplianceChecks)
	if err != nil {
		return errs.Validation("complianceChecks", err.Error(), "")
	}
	digest, err := Digest(cfg)
	if err != nil {
		return err
	}
	cfg = cfg.Clone()

	e.cfgMu.Lock()
	e.patMu.Lock()
	changed := digest != e.digest
	e.cfg = cfg
	e.digest = digest
	e.patterns = patterns
	e.patMu.Unlock()
	e.cfgMu.Unlock()

	if changed {
		e.logger.Info("mdm config applied",
			slog.String("digest", digest[:12]),
			slog.Int("rules", len(cfg.ComplianceChecks)),
			slog.Int("policies", len(cfg.Policies)))
	}
	return nil
}

func (e *Engine) Current() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

func (e *Engine) Digest() string {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.digest
}

// Enforcing reports whether compliance failures must block output.
func (e *Engine) Enforcing() bool {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.PolicyEnforcement
}

func (e *Engine) IsPolicyEnabled(name string) bool {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.IsPolicyEnabled(name)
}

// RegisterValidator binds the implementation of a custom rule.
func (e *Engine) RegisterValidator(name string, fn CustomValidator) {
	e.patMu.Lock()
	e.validators[name] = fn
	e.patMu.Unlock()
}

// CheckCompliance evaluates every rule of the current config against ctx.
func (e *Engine) CheckCompliance(ctx ComplianceContext) Report {
	e.cfgMu.RLock()
	rules := e.cfg.ComplianceChecks
	e.cfgMu.RUnlock()

	e.patMu.RLock()
	ev := evaluator{patterns: e.patterns, validators: e.validators}
	report := ev.check(rules, ctx)
	e.patMu.RUnlock()
	return report
}

// Refresh pulls the remote config, merges it into the current one and
// applies the result. The outcome is audited either way.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.client == nil {
		return errs.Config("no remote config client configured", "remote_config_url")
	}
	merged, err := e.client.FetchAndMerge(ctx, e.Current())
	if err == nil {
		err = e.Apply(merged)
	}
	e.auditSync(err)
	return err
}

func (e *Engine) auditSync(err error) {
	if e.auditor == nil {
		return
	}
	if err != nil {
		e.auditor.Log(audit.RemoteConfigSyncEvent(false, err.Error()), audit.SeverityWarning, audit.SystemContext("mdm"))
		return
	}
	e.auditor.Log(audit.RemoteConfigSyncEvent(true, ""), audit.SeverityInfo, audit.SystemContext("mdm"))
}

// LoadFile reads and validates a JSON policy file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Persistence(err.Error(), "read_mdm_config")
	}
	return ParseConfig(data)
}

// WatchFile applies path now and again whenever it changes, until ctx is
// done. A file that fails to parse is logged and the previous config stays
// active.
func (e *Engine) WatchFile(ctx context.Context, path string) error {
	cfg, err := LoadFile(path)
	if err != nil {
		return err
	}
	if err := e.Apply(cfg); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Internal(err.Error(), "mdm.WatchFile")
	}
	defer w.Close()
	// Watch the directory so atomic replace-by-rename is seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return errs.Internal(err.Error(), "mdm.WatchFile")
	}
	target := filepath.Clean(path)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			e.reload(path)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("mdm watch error", slog.String("error", werr.Error()))
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) reload(path string) {
	cfg, err := LoadFile(path)
	if err == nil {
		err = e.Apply(cfg)
	}
	if err != nil {
		e.logger.Warn("mdm reload rejected", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if e.auditor != nil {
		e.auditor.Log(audit.ConfigurationChangedEvent("mdm", nil, e.Digest()), audit.SeverityInfo, audit.SystemContext("mdm"))
	}
}
