package jobrun

import (
	"bytes"
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
	f := newFixture(t)
	mux := http.NewServeMux()
	NewHandler(f.service).RegisterRoutes(mux)
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

func TestHandler_JobLifecycle(t *testing.T) {
	f, h := newTestServer(t)
	f.jobDef(t, &model.JobDefinition{ID: "jd-1", Name: "etl"}, &model.TaskDefinition{Name: "Extract"})

	rec := do(t, h, http.MethodPost, "/api/v1/job", map[string]interface{}{
		"jobDefId":    "jd-1",
		"runtimeVars": map[string]interface{}{"password": map[string]interface{}{"value": "hunter2", "sensitive": true}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job model.JobInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "**", job.Variables.Get("password"))
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = do(t, h, http.MethodGet, "/api/v1/job/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Status       model.JobStatus       `json:"status"`
		TaskOutcomes []*model.TaskOutcome `json:"taskOutcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, model.JobStatusRunning, view.Status)
	require.Len(t, view.TaskOutcomes, 1)
	outcomeID := view.TaskOutcomes[0].ID

	rec = do(t, h, http.MethodGet, "/api/v1/taskoutcome/"+outcomeID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		StepOutcomes []*model.StepOutcome `json:"stepOutcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Len(t, detail.StepOutcomes, 1)

	rec = do(t, h, http.MethodPut, "/api/v1/stepoutcome/"+detail.StepOutcomes[0].ID, map[string]interface{}{"lastUpdateId": 1, "stdout": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var progress StepProgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.True(t, progress.Applied)

	rec = do(t, h, http.MethodPut, "/api/v1/taskoutcome/"+outcomeID, map[string]interface{}{"status": int(model.TaskStatusSucceeded)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.JobStatusCompleted, f.job(t, job.ID).Status)

	rec = do(t, h, http.MethodPost, "/api/v1/taskaction/interrupt/"+outcomeID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Errors(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{name: "缺少 jobDefId", method: http.MethodPost, path: "/api/v1/job", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "未知字段", method: http.MethodPost, path: "/api/v1/job", body: map[string]string{"jobDef": "x"}, want: http.StatusBadRequest},
		{name: "作业定义不存在", method: http.MethodPost, path: "/api/v1/job", body: map[string]string{"jobDefId": "nope"}, want: http.StatusNotFound},
		{name: "作业不存在", method: http.MethodGet, path: "/api/v1/job/nope", want: http.StatusNotFound},
		{name: "记录不存在", method: http.MethodPost, path: "/api/v1/taskaction/republish/nope", want: http.StatusNotFound},
		{name: "步骤 lastUpdateId 缺失", method: http.MethodPut, path: "/api/v1/stepoutcome/nope", body: map[string]string{"stdout": "x"}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
