package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/config"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/db"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/engine"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/migrate"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mocks"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/syncqueue"
)

const (
	testSecret = "admin-api-secret"
	testDay    = "2024-10-24"
	testEpoch  = int64(1729728000)
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	OAuth  *mocks.OAuth
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e, err := engine.New(conn, config.Default("dev-1"), workspace,
		engine.WithLogger(logging.Discard()),
		engine.WithRegisterer(reg),
		engine.WithGetenv(func(string) string { return "" }))
	require.NoError(t, err)
	clock := mocks.NewClock(time.Unix(testEpoch+20*3600, 0))
	e.Now = clock.Now
	require.NoError(t, e.Repo.ReplaceAll(ctx, mocks.SampleRegistry(), clock.Now()))

	handler, err := New(Config{
		Engine:   e,
		Version:  "test",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Gatherer: reg,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, OAuth: mocks.NewOAuth(testSecret), client: srv.Client()}
}

func (s *testServer) token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	tok, err := s.OAuth.Token(sub, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "healthy", h.Queue)
	assert.Equal(t, "test", h.Version)
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)

	res, data := s.do(t, http.MethodGet, "/v1/audit/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	forged, err := mocks.NewOAuth("other-secret").Token("mallory", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	res, data = s.do(t, http.MethodGet, "/v1/audit/stats", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	expired, err := s.OAuth.Token("alice", []string{"admin"}, -time.Minute)
	require.NoError(t, err)
	res, _ = s.do(t, http.MethodGet, "/v1/audit/stats", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAuditEndpointsEnforceRBAC(t *testing.T) {
	s := newTestServer(t)

	res, data := s.do(t, http.MethodGet, "/v1/audit", s.token(t, "visitor", "guest"), nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = s.do(t, http.MethodGet, "/v1/audit?event_type=PermissionCheck&user_id=visitor", s.token(t, "root", "admin"), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list AuditListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, audit.SeveritySecurity, list.Items[0].Severity)

	res, data = s.do(t, http.MethodGet, "/v1/audit/stats", s.token(t, "inspector", "auditor"), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var st audit.Statistics
	require.NoError(t, json.Unmarshal(data, &st))
	assert.GreaterOrEqual(t, st.ByEventType[string(audit.PermissionCheck)], 3)

	res, _ = s.do(t, http.MethodGet, "/v1/audit?min_severity=Loud", s.token(t, "root", "admin"), nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPipelineRunEnqueuesAndReportsMetrics(t *testing.T) {
	s := newTestServer(t)
	operator := s.token(t, "agent", engine.OperatorRole)

	res, data := s.do(t, http.MethodPost, "/v1/pipeline/run", operator, PipelineRunRequest{
		Day:      testDay,
		Segments: mocks.SampleDay(testEpoch),
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out engine.ProcessResult
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, testDay, out.Day)
	assert.Len(t, out.Blocks, 2)
	assert.Equal(t, 2, out.Enqueued)

	res, data = s.do(t, http.MethodGet, "/v1/queue/metrics", operator, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var m syncqueue.Metrics
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 2, m.Size)
	assert.Equal(t, uint64(2), m.Pushed)

	res, data = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "pulsearc_sync_queue_pushed_total 2")
}

func TestPipelineRunRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	operator := s.token(t, "agent", engine.OperatorRole)

	res, _ := s.do(t, http.MethodPost, "/v1/pipeline/run", operator, map[string]any{"day": "24/10/2024", "segments": []any{}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	bad := mocks.Segment("s1", testEpoch+600, testEpoch, "Excel", "x")
	res, data := s.do(t, http.MethodPost, "/v1/pipeline/run", operator, PipelineRunRequest{Day: testDay, Segments: []domain.ActivitySegment{bad}})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "validation_failed", errorCode(t, data))

	res, _ = s.do(t, http.MethodPost, "/v1/pipeline/run", s.token(t, "viewer", "user"), PipelineRunRequest{Day: testDay, Segments: mocks.SampleDay(testEpoch)})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestPIIRedact(t *testing.T) {
	s := newTestServer(t)

	res, data := s.do(t, http.MethodPost, "/v1/pii/redact", s.token(t, "agent", engine.OperatorRole), RedactRequest{Text: "mail to jane.doe@example.com"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out RedactResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.NotContains(t, out.Redacted, "jane.doe@example.com")
	assert.Contains(t, out.Redacted, "[REDACTED:email]")
	assert.Contains(t, out.Types, "email")

	res, _ = s.do(t, http.MethodPost, "/v1/pii/redact", s.token(t, "visitor", "guest"), RedactRequest{Text: "x"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestFlags(t *testing.T) {
	s := newTestServer(t)
	user := s.token(t, "viewer", "user")

	res, data := s.do(t, http.MethodGet, "/v1/flags/enterprise_menu", user, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var f FlagResponse
	require.NoError(t, json.Unmarshal(data, &f))
	assert.True(t, f.Enabled)

	res, data = s.do(t, http.MethodGet, "/v1/flags/advanced_telemetry", user, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &f))
	assert.False(t, f.Enabled)

	res, data = s.do(t, http.MethodGet, "/v1/flags/nope", user, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, _ = s.do(t, http.MethodGet, "/v1/flags/enterprise_menu", s.token(t, "visitor", "guest"), nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestDrainWithoutBackend(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/v1/queue/drain", s.token(t, "agent", engine.OperatorRole), nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "not_configured", errorCode(t, data))
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v1/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
	assert.Contains(t, string(data), "/v1/pipeline/run")
}
