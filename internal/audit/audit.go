// Package audit records privileged and security relevant events.
//
// Entries are kept in a bounded in-memory ring, optionally appended to a
// JSON-lines file, and optionally streamed to a webhook.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/state"
)

const (
	defaultMaxEntries    = 10000
	defaultStreamTimeout = 5 * time.Second
	webhookEnv           = "AUDIT_WEBHOOK_URL"
)

type Context struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SystemContext identifies an internal component as the actor.
func SystemContext(component string) Context {
	return Context{UserID: "system-" + component, UserAgent: "component:" + component}
}

type Entry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Event         Event             `json:"event"`
	Severity      Severity          `json:"severity"`
	Context       Context           `json:"context"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Config struct {
	MaxMemoryEntries int           `yaml:"max_memory_entries"`
	MinSeverity      Severity      `yaml:"min_severity"`
	FilePath         string        `yaml:"file_path"`
	StreamingEnabled bool          `yaml:"streaming_enabled"`
	StreamingURL     string        `yaml:"streaming_url"`
	StreamingTimeout time.Duration `yaml:"streaming_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxMemoryEntries: defaultMaxEntries,
		MinSeverity:      SeverityInfo,
		StreamingTimeout: defaultStreamTimeout,
	}
}

type Logger struct {
	state.Tracker

	mu    sync.RWMutex
	cfg   Config
	ring  []Entry
	start int
	count int

	fileMu sync.Mutex
	stream sync.WaitGroup

	client *http.Client
	getenv func(string) string
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Logger)

func WithHTTPClient(c *http.Client) Option { return func(l *Logger) { l.client = c } }

func WithLogger(lg *slog.Logger) Option { return func(l *Logger) { l.logger = lg } }

func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

// WithEnv replaces os.Getenv for the webhook fallback lookup.
func WithEnv(getenv func(string) string) Option { return func(l *Logger) { l.getenv = getenv } }

func New(cfg Config, opts ...Option) *Logger {
	l := &Logger{getenv: os.Getenv, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.Or(l.logger)
	if l.client == nil {
		l.client = &http.Client{}
	}
	l.applyConfig(cfg)
	return l
}

func (l *Logger) applyConfig(cfg Config) {
	if cfg.MaxMemoryEntries <= 0 {
		cfg.MaxMemoryEntries = defaultMaxEntries
	}
	if cfg.StreamingTimeout <= 0 {
		cfg.StreamingTimeout = defaultStreamTimeout
	}
	entries := l.snapshotLocked()
	if len(entries) > cfg.MaxMemoryEntries {
		entries = entries[len(entries)-cfg.MaxMemoryEntries:]
	}
	l.cfg = cfg
	l.ring = make([]Entry, cfg.MaxMemoryEntries)
	l.start = 0
	l.count = copy(l.ring, entries)
}

// Configure swaps the configuration, keeping the newest buffered entries.
func (l *Logger) Configure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyConfig(cfg)
}

func (l *Logger) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Logger) Name() string { return "audit" }

func (l *Logger) Initialize(context.Context) error {
	l.Set(state.Initializing)
	cfg := l.Config()
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			l.Set(state.Error)
			return errs.Persistence(err.Error(), "audit_init").WithCause(err)
		}
	}
	l.Set(state.Running)
	return nil
}

// Shutdown waits for in-flight webhook posts or until ctx is done.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.Set(state.ShuttingDown)
	done := make(chan struct{})
	go func() {
		l.stream.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.Set(state.Shutdown)
		return nil
	case <-ctx.Done():
		l.Set(state.Error)
		return errs.FromContext(ctx.Err(), "audit_shutdown")
	}
}

// Log records an event. It returns the stored entry and false when the
// severity is below the configured minimum.
func (l *Logger) Log(ev Event, sev Severity, c Context) (Entry, bool) {
	return l.LogWithCorrelation(ev, sev, c, "", nil)
}

func (l *Logger) LogWithCorrelation(ev Event, sev Severity, c Context, correlationID string, metadata map[string]string) (Entry, bool) {
	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     l.now().UTC(),
		Event:         ev,
		Severity:      sev,
		Context:       c,
		CorrelationID: correlationID,
		Metadata:      metadata,
	}

	l.mu.Lock()
	cfg := l.cfg
	if sev < cfg.MinSeverity {
		l.mu.Unlock()
		return Entry{}, false
	}
	l.pushLocked(entry)
	l.mu.Unlock()

	if cfg.FilePath != "" {
		if err := l.appendLine(cfg.FilePath, entry); err != nil {
			l.logger.Error("audit file append failed", "path", cfg.FilePath, "error", err)
		}
	}
	if cfg.StreamingEnabled {
		l.streamEntry(cfg, entry)
	}
	if sev == SeveritySecurity {
		l.logger.Warn("security audit event", "event_type", string(ev.Type), "user_id", c.UserID, "entry_id", entry.ID)
	}
	return entry, true
}

func (l *Logger) pushLocked(e Entry) {
	size := len(l.ring)
	if l.count < size {
		l.ring[(l.start+l.count)%size] = e
		l.count++
		return
	}
	l.ring[l.start] = e
	l.start = (l.start + 1) % size
}

// snapshotLocked returns entries oldest first.
func (l *Logger) snapshotLocked() []Entry {
	out := make([]Entry, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(l.start+i)%len(l.ring)])
	}
	return out
}

func (l *Logger) appendLine(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Serialization(err.Error(), "json").WithCause(err)
	}
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Persistence(err.Error(), "audit_mkdir").WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.Persistence(err.Error(), "audit_open").WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return errs.Persistence(err.Error(), "audit_append").WithCause(err)
	}
	return nil
}

type Filter struct {
	Since         time.Time
	Until         time.Time
	MinSeverity   *Severity
	EventType     EventType
	UserID        string
	CorrelationID string
}

func (f Filter) match(e Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.MinSeverity != nil && e.Severity < *f.MinSeverity {
		return false
	}
	if f.EventType != "" && e.Event.Type != f.EventType {
		return false
	}
	if f.UserID != "" && e.Context.UserID != f.UserID {
		return false
	}
	return f.CorrelationID == "" || e.CorrelationID == f.CorrelationID
}

// Query returns matching entries newest first. limit <= 0 means no limit.
func (l *Logger) Query(f Filter, limit int) []Entry {
	l.mu.RLock()
	entries := l.snapshotLocked()
	l.mu.RUnlock()
	var out []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if !f.match(entries[i]) {
			continue
		}
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (l *Logger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Export writes the buffered entries as a pretty JSON array.
func (l *Logger) Export(path string) error {
	b, err := json.MarshalIndent(l.Entries(), "", "  ")
	if err != nil {
		return errs.Serialization(err.Error(), "json").WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Persistence(err.Error(), "audit_export").WithCause(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return errs.Persistence(err.Error(), "audit_export").WithCause(err)
	}
	return nil
}

// Clear empties the buffer without recording that it did so.
func (l *Logger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.count
	l.start, l.count = 0, 0
	clear(l.ring)
	return n
}

type clearRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Reason         string    `json:"reason"`
	AuthorizedBy   string    `json:"authorized_by"`
	EntriesCleared int       `json:"entries_cleared"`
}

// ClearWithExternalAudit writes a record of the clear to the audit file
// before emptying memory. Without a file the clear is only logged.
func (l *Logger) ClearWithExternalAudit(reason, authorizedBy string) (int, error) {
	cfg := l.Config()
	rec := clearRecord{
		Timestamp:      l.now().UTC(),
		Action:         "AuditLogCleared",
		Reason:         reason,
		AuthorizedBy:   authorizedBy,
		EntriesCleared: l.Len(),
	}
	if cfg.FilePath != "" {
		if err := l.appendLine(cfg.FilePath, rec); err != nil {
			return 0, err
		}
	} else {
		l.logger.Warn("audit log cleared without file sink", "reason", reason, "authorized_by", authorizedBy, "entries", rec.EntriesCleared)
	}
	return l.Clear(), nil
}

type Statistics struct {
	Total       int            `json:"total"`
	BySeverity  map[string]int `json:"by_severity"`
	ByEventType map[string]int `json:"by_event_type"`
	Oldest      *time.Time     `json:"oldest,omitempty"`
	Newest      *time.Time     `json:"newest,omitempty"`
}

func (l *Logger) Statistics() Statistics { return Summarize(l.Entries()) }

// Summarize computes statistics over entries in any order.
func Summarize(entries []Entry) Statistics {
	st := Statistics{Total: len(entries), BySeverity: map[string]int{}, ByEventType: map[string]int{}}
	for _, e := range entries {
		st.BySeverity[e.Severity.String()]++
		st.ByEventType[string(e.Event.Type)]++
	}
	if len(entries) > 0 {
		ts := make([]time.Time, len(entries))
		for i, e := range entries {
			ts[i] = e.Timestamp
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		st.Oldest, st.Newest = &ts[0], &ts[len(ts)-1]
	}
	return st
}

// ReadFile loads the entries of a JSON-lines audit file. Lines that are not
// entries, such as clear records, are skipped.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Persistence(err.Error(), "audit_read").WithCause(err)
	}
	defer f.Close()
	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.ID == "" || e.Event.Type == "" {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, errs.Persistence(err.Error(), "audit_read").WithCause(err)
	}
	return out, nil
}
