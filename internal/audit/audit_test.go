package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/state"
)

func noEnv(string) string { return "" }

func TestRingEvictsOldest(t *testing.T) {
	l := New(Config{MaxMemoryEntries: 3}, WithEnv(noEnv), WithLogger(logging.Discard()))
	for i := 0; i < 5; i++ {
		l.Log(CustomEvent("test", "n", map[string]int{"i": i}), SeverityInfo, Context{})
	}
	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.JSONEq(t, `{"i":2}`, string(entries[0].Event.Details))
	assert.JSONEq(t, `{"i":4}`, string(entries[2].Event.Details))
}

func TestMinSeverityDrops(t *testing.T) {
	l := New(Config{MinSeverity: SeverityWarning}, WithEnv(noEnv), WithLogger(logging.Discard()))
	_, kept := l.Log(MenuItemClickedEvent("m1", "Open"), SeverityInfo, Context{})
	assert.False(t, kept)
	_, kept = l.Log(UnauthorizedAccessEvent("config", "bob"), SeveritySecurity, Context{UserID: "bob"})
	assert.True(t, kept)
	assert.Equal(t, 1, l.Len())
}

func TestFileAppendCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.jsonl")
	l := New(Config{FilePath: path}, WithEnv(noEnv), WithLogger(logging.Discard()))
	l.Log(RoleAssignedEvent("bob", "auditor"), SeverityInfo, SystemContext("rbac"))
	l.Log(PermissionCheckEvent("bob", "audit:read", true), SeverityInfo, SystemContext("rbac"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, RoleAssigned, lines[0].Event.Type)
	assert.Equal(t, "system-rbac", lines[1].Context.UserID)
}

func TestEntryJSONRoundTrip(t *testing.T) {
	l := New(DefaultConfig(), WithEnv(noEnv), WithLogger(logging.Discard()))
	old := "3"
	e, _ := l.LogWithCorrelation(ConfigurationChangedEvent("retry.max_attempts", &old, "5"), SeverityWarning,
		Context{UserID: "alice", SessionID: "s1", IPAddress: "10.0.0.1", UserAgent: "cli"}, "corr-1", map[string]string{"source": "mdm"})

	b, err := json.Marshal(e)
	require.NoError(t, err)
	var back Entry
	require.NoError(t, json.Unmarshal(b, &back))

	assert.Equal(t, e.ID, back.ID)
	assert.True(t, e.Timestamp.Equal(back.Timestamp))
	assert.Equal(t, e.Event, back.Event)
	assert.Equal(t, e.Severity, back.Severity)
	assert.Equal(t, e.Context, back.Context)
	assert.Equal(t, e.CorrelationID, back.CorrelationID)
	assert.Equal(t, e.Metadata, back.Metadata)
	assert.Contains(t, string(b), `"severity":"Warning"`)
	assert.Contains(t, string(b), `"type":"ConfigurationChanged"`)
}

func TestStreamingPostsEntry(t *testing.T) {
	var mu sync.Mutex
	var got []Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var e Entry
		_ = json.Unmarshal(body, &e)
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		assert.Equal(t, "FeatureFlagToggled", r.Header.Get("X-PulseArc-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	l := New(Config{StreamingEnabled: true, StreamingURL: srv.URL}, WithEnv(noEnv), WithLogger(logging.Discard()))
	entry, _ := l.Log(FeatureFlagToggledEvent("enterprise_menu", false), SeverityInfo, Context{})
	require.NoError(t, l.Shutdown(context.Background()))
	assert.Equal(t, state.Shutdown, l.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, entry.ID, got[0].ID)
}

func TestWebhookURLPrecedence(t *testing.T) {
	env := func(k string) string {
		if k == webhookEnv {
			return "https://env.example.com/hook"
		}
		return ""
	}
	l := New(DefaultConfig(), WithEnv(env))
	assert.Equal(t, "https://cfg.example.com/hook", l.webhookURL(Config{StreamingURL: "https://cfg.example.com/hook"}))
	assert.Equal(t, "https://env.example.com/hook", l.webhookURL(Config{}))
}

func TestStreamingFailureDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	defer close(release)

	l := New(Config{StreamingEnabled: true, StreamingURL: srv.URL, StreamingTimeout: time.Second}, WithEnv(noEnv), WithLogger(logging.Discard()))
	start := time.Now()
	l.Log(ApplicationStartedEvent("1.0.0", "test"), SeverityInfo, Context{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestQueryStatisticsAndClear(t *testing.T) {
	now := time.Date(2024, 10, 24, 9, 0, 0, 0, time.UTC)
	l := New(Config{FilePath: filepath.Join(t.TempDir(), "audit.jsonl")}, WithEnv(noEnv), WithLogger(logging.Discard()),
		WithClock(func() time.Time {
			now = now.Add(time.Minute)
			return now
		}))
	l.Log(PermissionCheckEvent("bob", "audit:read", false), SeverityWarning, Context{UserID: "bob"})
	l.Log(PermissionCheckEvent("amy", "audit:read", true), SeverityInfo, Context{UserID: "amy"})
	l.LogWithCorrelation(DataModifiedEvent("block", "enqueue", 1), SeverityInfo, Context{UserID: "amy"}, "blk-1", nil)

	warn := SeverityWarning
	assert.Len(t, l.Query(Filter{MinSeverity: &warn}, 0), 1)
	byAmy := l.Query(Filter{UserID: "amy"}, 1)
	require.Len(t, byAmy, 1)
	assert.Equal(t, DataModified, byAmy[0].Event.Type, "newest first")
	assert.Len(t, l.Query(Filter{CorrelationID: "blk-1"}, 0), 1)

	st := l.Statistics()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByEventType["PermissionCheck"])
	assert.Equal(t, 1, st.BySeverity["Warning"])
	require.NotNil(t, st.Oldest)
	assert.True(t, st.Oldest.Before(*st.Newest))

	n, err := l.ClearWithExternalAudit("retention", "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, l.Len())

	data, err := os.ReadFile(l.Config().FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"AuditLogCleared"`)
	assert.Contains(t, string(data), `"entries_cleared":3`)

	replayed, err := ReadFile(l.Config().FilePath)
	require.NoError(t, err)
	require.Len(t, replayed, 3, "clear record is skipped")
	assert.Equal(t, st.ByEventType, Summarize(replayed).ByEventType)
}

func TestExportPrettyJSON(t *testing.T) {
	l := New(DefaultConfig(), WithEnv(noEnv), WithLogger(logging.Discard()))
	l.Log(ApplicationStoppedEvent("test"), SeverityInfo, Context{})
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, l.Export(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Len(t, entries, 1)
	assert.Contains(t, string(data), "\n  ")
}

func TestConfigureKeepsNewest(t *testing.T) {
	l := New(Config{MaxMemoryEntries: 5}, WithEnv(noEnv), WithLogger(logging.Discard()))
	for i := 0; i < 5; i++ {
		l.Log(ApplicationStoppedEvent("x"), SeverityInfo, Context{SessionID: string(rune('a' + i))})
	}
	l.Configure(Config{MaxMemoryEntries: 2})
	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "d", entries[0].Context.SessionID)
	assert.Equal(t, "e", entries[1].Context.SessionID)
}
