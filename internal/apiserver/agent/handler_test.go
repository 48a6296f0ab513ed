package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t, nil)
	mux := http.NewServeMux()
	NewHandler(f.monitor, auth.Config{}).RegisterRoutes(mux)
	return f, auth.Middleware(auth.Config{})(mux)
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(auth.TeamHeader, team)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_HeartbeatAndGet(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/agent/agent-1/heartbeat", map[string]interface{}{
		"name": "build-box", "tags": map[string]string{"os": "linux"}, "reportedVersion": "1.2.0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hb HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hb))
	assert.True(t, hb.Reconnected)
	assert.Empty(t, hb.TasksToCancel)

	rec = do(t, h, http.MethodGet, "/api/v1/agent/agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Name            string            `json:"name"`
		Tags            map[string]string `json:"tags"`
		ReportedVersion string            `json:"reportedVersion"`
		Online          bool              `json:"online"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "build-box", got.Name)
	assert.Equal(t, "1.2.0", got.ReportedVersion)
	assert.True(t, got.Online)

	rec = do(t, h, http.MethodGet, "/api/v1/agent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	// 其他团队看不到
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/agent-1", nil)
	req.Header.Set(auth.TeamHeader, "team-2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_HeartbeatRejectsUnknownFields(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/v1/agent/agent-1/heartbeat", map[string]string{"hostname": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_UpdateProperties(t *testing.T) {
	tests := []struct {
		name       string
		agentID    string
		body       interface{}
		wantStatus int
	}{
		{name: "设置并发上限", agentID: "agent-1", body: map[string]interface{}{"maxActiveTasks": 2, "handleGeneralTasks": false}, wantStatus: http.StatusOK},
		{name: "负数上限", agentID: "agent-1", body: map[string]interface{}{"maxActiveTasks": -1}, wantStatus: http.StatusBadRequest},
		{name: "Agent 不存在", agentID: "ghost", body: map[string]interface{}{"maxActiveTasks": 1}, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, h := newTestServer(t)
			f.heartbeat(t, "agent-1")

			rec := do(t, h, http.MethodPut, "/api/v1/agent/"+tt.agentID+"/properties", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				a := f.agent(t, "agent-1")
				assert.Equal(t, 2, a.PropertyOverrides.MaxActiveTasks)
				assert.False(t, a.PropertyOverrides.AcceptsGeneralTasks())
			}
		})
	}
}

func TestHandler_Delete(t *testing.T) {
	f, h := newTestServer(t)
	f.heartbeat(t, "agent-1")
	require.NoError(t, f.mem.SaveTaskDefs(context.Background(), team, "jd-1", []*model.TaskDefinition{
		{ID: "td-1", TeamID: team, JobDefID: "jd-1", Name: "pinned", Target: model.SingleSpecificAgent("agent-1")},
	}, nil))

	rec := do(t, h, http.MethodDelete, "/api/v1/agent/agent-1", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	require.NoError(t, f.mem.SaveTaskDefs(context.Background(), team, "jd-1", nil, []string{"td-1"}))
	rec = do(t, h, http.MethodDelete, "/api/v1/agent/agent-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/agent/agent-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ProcessOrphanedTasks(t *testing.T) {
	f, h := newTestServer(t)
	f.heartbeat(t, "agent-1")
	f.runningOutcome(t, "o-1", "agent-1", false)

	rec := do(t, h, http.MethodPost, "/api/v1/agent/agent-1/processorphanedtasks", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Equal(t, model.TaskStatusInterrupted, f.outcome(t, "o-1").Status)
	assert.True(t, f.agent(t, "agent-1").Offline)

	rec = do(t, h, http.MethodPost, "/api/v1/agent/ghost/processorphanedtasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
