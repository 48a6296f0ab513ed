package model

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// ============================================================================
// 错误分类
//
// 每种错误通过 Unwrap 归入 errdefs 的错误类别，HTTP 层据此选择状态码：
//   - ValidationError / CyclicDependencyError → InvalidArgument
//   - MissingObjectError → NotFound
//   - DispatchError → Unavailable（可重试）
// ============================================================================

// ValidationError 请求字段或任务图不合法，写入被拒绝且无任何副作用
type ValidationError struct {
	Field     string   `json:"field,omitempty"`
	TaskNames []string `json:"taskNames,omitempty"`
	Reason    string   `json:"reason"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Field != "" {
		b.WriteString(" on ")
		b.WriteString(e.Field)
	}
	if len(e.TaskNames) > 0 {
		fmt.Fprintf(&b, " (tasks: %s)", strings.Join(e.TaskNames, ", "))
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// CyclicDependencyError 任务图存在环，TaskNames 为参与任一环的全部任务（已排序）
type CyclicDependencyError struct {
	TaskNames []string `json:"taskNames"`
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between tasks: %s", strings.Join(e.TaskNames, ", "))
}

func (e *CyclicDependencyError) Unwrap() error { return errdefs.ErrInvalidArgument }

// MissingObjectError 引用的作业/任务/Agent 不存在
type MissingObjectError struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (e *MissingObjectError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *MissingObjectError) Unwrap() error { return errdefs.ErrNotFound }

// DispatchError Agent 选择失败；任务保持 WAITING_FOR_AGENT 等待下次触发
type DispatchError struct {
	Code   FailureCode `json:"code"`
	Reason string      `json:"reason,omitempty"`
}

func (e *DispatchError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("dispatch failed: %s", e.Code)
	}
	return fmt.Sprintf("dispatch failed: %s: %s", e.Code, e.Reason)
}

func (e *DispatchError) Unwrap() error { return errdefs.ErrUnavailable }

// Missing 构造 MissingObjectError
func Missing(kind, id string) error {
	return &MissingObjectError{Kind: kind, ID: id}
}
