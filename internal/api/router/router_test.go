package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/watchsync/internal/api/dto"
	"github.com/cuongbtq/watchsync/internal/api/handler"
	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/jobs"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/objectstore"
	"github.com/cuongbtq/watchsync/internal/userstate"
	"github.com/cuongbtq/watchsync/shared/logger"
)

const testCatalog = `
actions:
  - id: greet
    name: Greet
    group: TOOLS
    form:
      fields:
        - text: Says hello.
        - id: name
          regex: '[a-z]+$'
    steps:
      - function: greet
  - id: internal
    name: Internal
    listed: false
    steps:
      - function: greet
`

type fakeChecker struct {
	name string
	err  error
}

func (c fakeChecker) Name() string { return c.name }

func (c fakeChecker) HealthCheck(context.Context) error { return c.err }

type testServer struct {
	engine  *gin.Engine
	jobs    *jobs.Service
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, checkers ...handler.HealthChecker) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewDiscard()
	fast := blobstore.NewMemory()
	durable := objectstore.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cache := userstate.NewCache(fast, durable, nil, m, log)
	states := userstate.NewService(cache, "site", log)

	registry := jobs.NewRegistry()
	registry.Register("greet", func(ctx context.Context, step jobs.StepContext) error {
		return step.Log.Text(ctx, "hello "+step.Params["name"])
	})
	catalog, err := jobs.ParseCatalog([]byte(testCatalog), registry)
	require.NoError(t, err)
	jobService := jobs.NewService(fast, catalog, registry, jobs.NewShellExecutor(0), jobs.Config{Namespace: "site"}, m, log)

	deps := &handler.Dependencies{
		Logger:         log,
		ServiceName:    "api-service",
		UserState:      states,
		Jobs:           jobService,
		HealthCheckers: checkers,
	}
	return &testServer{
		engine:  SetupRouter(deps, m, reg),
		jobs:    jobService,
		metrics: m,
	}
}

func (s *testServer) do(t *testing.T, method, path, userKey, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userKey != "" {
		req.Header.Set(UserKeyHeader, userKey)
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, fakeChecker{name: "postgres"})

		w := s.do(t, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","service":"api-service","checks":{"postgres":"ok"}}`, w.Body.String())
	})

	t.Run("unhealthy", func(t *testing.T) {
		s := newTestServer(t, fakeChecker{name: "postgres"}, fakeChecker{name: "rabbitmq", err: errors.New("closed")})

		w := s.do(t, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"unhealthy","service":"api-service","checks":{"postgres":"ok","rabbitmq":"closed"}}`, w.Body.String())
	})
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodGet, "/health", "", "")
	s.do(t, http.MethodGet, "/api/v1/state", "", "")

	assert.Equal(t, 1.0, metrics.Value(s.metrics.HTTPRequests.WithLabelValues("/health", "200")))
	assert.Equal(t, 1.0, metrics.Value(s.metrics.HTTPRequests.WithLabelValues("/api/v1/state", "401")))

	w := s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "watchsync_http_requests_total")
}

func TestUserKeyRequired(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/state", "/api/v1/actions", "/api/v1/jobs"} {
		w := s.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Contains(t, w.Body.String(), "X-User-Key")
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodOptions, "/api/v1/state", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), UserKeyHeader)
}

func TestState(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/state", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":{},"found":false}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/state", "alice", `{"show-1":[{"id":"","ts":10,"profile":{"pos":42}}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	written := decode[dto.WriteStateResponse](t, w)
	assert.True(t, written.Changed)
	require.Len(t, written.State["show-1"], 1)
	assert.NotEmpty(t, written.State["show-1"][0].ID, "the server assigns ids to new profiles")

	// uploading the merged state again changes nothing
	body, err := json.Marshal(written.State)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/api/v1/state", "alice", string(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[dto.WriteStateResponse](t, w).Changed)

	w = s.do(t, http.MethodGet, "/api/v1/state", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	read := decode[dto.GetStateResponse](t, w)
	assert.True(t, read.Found)
	assert.True(t, read.State.Equal(written.State))

	// other users do not see it
	w = s.do(t, http.MethodGet, "/api/v1/state", "bob", "")
	assert.False(t, decode[dto.GetStateResponse](t, w).Found)
}

func TestState_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		method  string
		userKey string
		body    string
	}{
		{name: "user key with a slash", method: http.MethodGet, userKey: "a/b"},
		{name: "malformed body", method: http.MethodPost, userKey: "alice", body: `{"show-1":`},
		{name: "negative timestamp", method: http.MethodPost, userKey: "alice", body: `{"show-1":[{"id":"a","ts":-1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, "/api/v1/state", tt.userKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestListActions(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/actions", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[dto.ListActionsResponse](t, w)
	require.Len(t, resp.Actions, 1, "unlisted actions are hidden")
	assert.Equal(t, "greet", resp.Actions[0].ID)
	assert.Equal(t, "TOOLS", resp.Actions[0].Group)
	assert.Len(t, resp.Actions[0].Form.Fields, 2)
	assert.NotContains(t, w.Body.String(), "steps")
}

func TestCreateJob(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantField  string
	}{
		{name: "valid", body: `{"action":"greet","params":{"name":"bob","extra":"dropped"}}`, wantStatus: http.StatusAccepted},
		{name: "missing action", body: `{"params":{}}`, wantStatus: http.StatusBadRequest},
		{name: "unknown action", body: `{"action":"nope"}`, wantStatus: http.StatusBadRequest, wantField: "action"},
		{name: "missing field", body: `{"action":"greet","params":{}}`, wantStatus: http.StatusBadRequest, wantField: "name"},
		{name: "regex mismatch", body: `{"action":"greet","params":{"name":"B0b"}}`, wantStatus: http.StatusBadRequest, wantField: "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/jobs", "alice", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, decode[map[string]string](t, w)["field"])
			}
			if tt.wantStatus == http.StatusAccepted {
				job := decode[dto.JobDTO](t, w)
				assert.NotEmpty(t, job.JobID)
				assert.Equal(t, "greet", job.Action)
				assert.Equal(t, map[string]string{"name": "bob"}, job.Params)
			}
		})
	}
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestServer(t)

	for _, name := range []string{"a", "b", "c"} {
		w := s.do(t, http.MethodPost, "/api/v1/jobs", "alice", `{"action":"greet","params":{"name":"`+name+`"}}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := s.do(t, http.MethodPost, "/api/v1/jobs", "bob", `{"action":"greet","params":{"name":"z"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?page_size=2", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[dto.ListJobsResponse](t, w)
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextCursor)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+first.NextCursor, "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[dto.ListJobsResponse](t, w)
	require.Len(t, second.Jobs, 1)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, job := range append(first.Jobs, second.Jobs...) {
		seen[job.JobID] = true
		assert.NotEqual(t, "z", job.Params["name"], "jobs of other users are not listed")
	}
	assert.Len(t, seen, 3)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?cursor=bogus", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobLogs(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	w := s.do(t, http.MethodPost, "/api/v1/jobs", "alice", `{"action":"greet","params":{"name":"bob"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode[dto.JobDTO](t, w).JobID

	// queued but not run yet
	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/logs", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[dto.JobLogsResponse](t, w)
	assert.Empty(t, pending.Entries)
	assert.False(t, pending.Done)

	_, ran, err := s.jobs.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/logs", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[dto.JobLogsResponse](t, w)
	assert.True(t, logs.Done)
	assert.Equal(t, jobID, logs.JobID)
	require.Len(t, logs.Entries, 3)
	assert.Equal(t, "hello bob", logs.Entries[1].Text)

	tests := []struct {
		name       string
		path       string
		userKey    string
		wantStatus int
	}{
		{name: "other user", path: "/api/v1/jobs/" + jobID + "/logs", userKey: "mallory", wantStatus: http.StatusNotFound},
		{name: "unknown job", path: "/api/v1/jobs/6f1c2a9e-3b4d-4e5f-8a7b-9c0d1e2f3a4b/logs", userKey: "alice", wantStatus: http.StatusNotFound},
		{name: "not a uuid", path: "/api/v1/jobs/42/logs", userKey: "alice", wantStatus: http.StatusBadRequest},
		{name: "bad since", path: "/api/v1/jobs/" + jobID + "/logs?since=soon", userKey: "alice", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, tt.path, tt.userKey, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}
