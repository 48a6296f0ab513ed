package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobmesh/internal/apiserver/agent"
	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/jobdef"
	"jobmesh/internal/apiserver/jobrun"
	"jobmesh/internal/apiserver/recovery"
	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/memstore"
	"jobmesh/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const team = "team-1"

// brokenStore Ping 失败的存储
type brokenStore struct {
	storage.Store
}

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestHandler(t *testing.T, store storage.Store) http.Handler {
	t.Helper()
	msg := infra.NewLocalMessaging()
	require.NoError(t, msg.Start(context.Background()))
	t.Cleanup(func() { msg.Stop() })

	metrics := NewMetrics("jobmesh_test")
	d := scheduler.NewDispatcher(store, msg, &scheduler.Config{ActiveAgentTimeout: time.Minute})
	d.SetRecorder(metrics)
	jobs := jobrun.NewService(store, d, nil, msg.EventBus)
	engine := recovery.NewEngine(store, d, jobs, jobs)
	engine.SetRecorder(metrics)
	monitor := agent.NewMonitor(store, d, engine, msg.EventBus, agent.DefaultConfig())
	monitor.SetRecorder(metrics)
	t.Cleanup(monitor.Close)

	h := NewHandler(Deps{
		Store:       store,
		Messaging:   msg,
		Metrics:     metrics,
		Logger:      logging.NewWithWriter(logging.Config{Component: "api"}, io.Discard),
		Definitions: jobdef.NewService(store, nil, jobs),
		Jobs:        jobs,
		Monitor:     monitor,
	})
	return h.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(auth.TeamHeader, team)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		store      storage.Store
		wantCode   int
		wantStatus string
	}{
		{name: "全部正常", store: memstore.New(), wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "存储不可用", store: brokenStore{Store: memstore.New()}, wantCode: http.StatusServiceUnavailable, wantStatus: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.store)
			rec := do(t, h, http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "local", resp.Messaging)
			assert.Equal(t, "ok", resp.Checks["messaging"])
		})
	}
}

func TestRouter_EndToEnd(t *testing.T) {
	h := newTestHandler(t, memstore.New())

	rec := do(t, h, http.MethodPost, "/api/v1/agent/agent-1/heartbeat", `{"name":"box"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = do(t, h, http.MethodPost, "/api/v1/jobdef", `{"name":"etl","tasks":[{"name":"Extract","target":{"kind":"SINGLE_AGENT"}}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var jd struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jd))

	rec = do(t, h, http.MethodPost, "/api/v1/job", `{"jobDefId":"`+jd.ID+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/events?limit=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Positive(t, events.Count)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `jobmesh_test_dispatch_total{result="published"} 1`)
	assert.Contains(t, body, `jobmesh_test_agent_heartbeats_total{reconnected="true"} 1`)
	assert.Contains(t, body, `jobmesh_test_http_requests_total{method="POST",path="/api/v1/agent/{id}/heartbeat",status="200"} 1`)
}

func TestRouter_RequestIDPropagates(t *testing.T) {
	h := newTestHandler(t, memstore.New())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := newTestHandler(t, memstore.New())
	rec := do(t, h, http.MethodOptions, "/api/v1/jobdef", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/jobdef", "/api/v1/jobdef"},
		{"/api/v1/jobdef/abc", "/api/v1/jobdef/{id}"},
		{"/api/v1/agent/a-1/heartbeat", "/api/v1/agent/{id}/heartbeat"},
		{"/api/v1/taskaction/cancel/o-1", "/api/v1/taskaction/cancel/{id}"},
		{"/api/v1/taskaction/cancel", "/api/v1/taskaction/cancel"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}
