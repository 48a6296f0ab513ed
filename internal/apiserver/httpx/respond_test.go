package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"校验错误", &model.ValidationError{Reason: "bad"}, http.StatusBadRequest},
		{"环", &model.CyclicDependencyError{TaskNames: []string{"A"}}, http.StatusBadRequest},
		{"对象不存在", model.Missing("agent", "a-1"), http.StatusNotFound},
		{"存储不存在", fmt.Errorf("get: %w", storage.ErrNotFound), http.StatusNotFound},
		{"并发冲突", storage.ErrConflict, http.StatusConflict},
		{"重复", storage.ErrDuplicate, http.StatusConflict},
		{"前置条件", fmt.Errorf("paused: %w", errdefs.ErrFailedPrecondition), http.StatusPreconditionFailed},
		{"无可用 Agent", &model.DispatchError{Code: model.FailureNoAgentAvailable}, http.StatusServiceUnavailable},
		{"未知错误", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestWriteErr_Details(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErr(rec, fmt.Errorf("save: %w", &model.CyclicDependencyError{TaskNames: []string{"A", "B", "C"}}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"A", "B", "C"}, resp.TaskNames)

	rec = httptest.NewRecorder()
	WriteErr(rec, errors.New("connection reset by peer"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal error", resp.Error)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"合法", `{"name":"x"}`, false},
		{"空请求体", ``, true},
		{"未知字段", `{"nme":"x"}`, true},
		{"格式错误", `{"name":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := DecodeJSON(req, &v)
			if tt.wantErr {
				assert.True(t, errdefs.IsInvalidArgument(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
