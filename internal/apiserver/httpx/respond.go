// Package httpx REST 处理器共用的请求解析和响应写入
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"jobmesh/internal/shared/model"

	"github.com/containerd/errdefs"
)

// 请求体上限
const maxBodyBytes = 1 << 20

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error     string   `json:"error"`
	Field     string   `json:"field,omitempty"`
	TaskNames []string `json:"taskNames,omitempty"`
	Code      string   `json:"code,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[http.encode] error=%v", err)
	}
}

// WriteError 写入错误消息
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteErr 按错误类别选择状态码并写入响应
//
// 校验错误附带字段和涉及的任务名，派发错误附带失败码。
func WriteErr(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	resp := ErrorResponse{Error: err.Error()}

	var ve *model.ValidationError
	var ce *model.CyclicDependencyError
	var de *model.DispatchError
	switch {
	case errors.As(err, &ve):
		resp.Field = ve.Field
		resp.TaskNames = ve.TaskNames
	case errors.As(err, &ce):
		resp.TaskNames = ce.TaskNames
	case errors.As(err, &de):
		resp.Code = string(de.Code)
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("[http.error] status=%d error=%v", status, err)
		resp.Error = "internal error"
	}
	WriteJSON(w, status, resp)
}

// StatusOf 错误对应的 HTTP 状态码
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err), errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	case errdefs.IsFailedPrecondition(err):
		return http.StatusPreconditionFailed
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON 解析请求体，未知字段和格式错误都归为 InvalidArgument
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", errdefs.ErrInvalidArgument)
		}
		return fmt.Errorf("invalid request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}
