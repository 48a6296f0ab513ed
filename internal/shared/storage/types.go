package storage

import (
	"time"

	"jobmesh/internal/shared/model"
)

// ============================================================================
// TaskOutcome 查询与条件更新
// ============================================================================

// TaskOutcomeFilter 任务执行记录查询条件，零值字段不参与过滤
type TaskOutcomeFilter struct {
	TeamID              string // 空表示跨团队（仅后台清扫使用）
	JobID               string
	AgentID             string
	Statuses            []model.TaskStatus
	StatusBelow         model.TaskStatus // 非 0 时 status < StatusBelow
	FailureCode         model.FailureCode
	StopRequestedBefore *time.Time
	CurrentOnly         bool // 只返回未被替换的记录
	Limit               int
}

// Match 内存实现使用的过滤判定，与各驱动的查询条件一一对应
func (f TaskOutcomeFilter) Match(o *model.TaskOutcome) bool {
	if f.TeamID != "" && o.TeamID != f.TeamID {
		return false
	}
	if f.JobID != "" && o.JobID != f.JobID {
		return false
	}
	if f.AgentID != "" && o.AgentID != f.AgentID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
		return false
	}
	if f.StatusBelow != 0 && o.Status >= f.StatusBelow {
		return false
	}
	if f.FailureCode != "" && o.FailureCode != f.FailureCode {
		return false
	}
	if f.StopRequestedBefore != nil && (o.StopRequestedAt == nil || !o.StopRequestedAt.Before(*f.StopRequestedBefore)) {
		return false
	}
	if f.CurrentOnly && !o.Current() {
		return false
	}
	return true
}

// OutcomeGuard 条件更新的前置条件
type OutcomeGuard struct {
	Statuses    []model.TaskStatus // 非空时 status 必须在其中
	StatusBelow model.TaskStatus   // 非 0 时 status < StatusBelow
}

// Allows 前置条件是否成立
func (g OutcomeGuard) Allows(o *model.TaskOutcome) bool {
	if len(g.Statuses) > 0 && !containsStatus(g.Statuses, o.Status) {
		return false
	}
	if g.StatusBelow != 0 && o.Status >= g.StatusBelow {
		return false
	}
	return true
}

// GuardStatuses 前置条件：status 属于给定集合
func GuardStatuses(statuses ...model.TaskStatus) OutcomeGuard {
	return OutcomeGuard{Statuses: statuses}
}

// GuardForward 前置条件：只允许状态前进且不离开终态
//
// current < next 且 current < SUCCEEDED。
func GuardForward(next model.TaskStatus) OutcomeGuard {
	below := next
	if below > model.TaskStatusSucceeded {
		below = model.TaskStatusSucceeded
	}
	return OutcomeGuard{StatusBelow: below}
}

// OutcomeUpdate 条件更新要写入的字段，nil 字段不修改
type OutcomeUpdate struct {
	Status            *model.TaskStatus
	FailureCode       *model.FailureCode
	AgentID           *string
	Route             *string
	RuntimeVars       model.Variables // 非 nil 时与已有变量合并
	AddAttemptedAgent string
	ReplacedBy        *string
	DateStarted       *time.Time
	DateCompleted     *time.Time
	StopRequestedAt   *time.Time
}

// ApplyTo 把更新写入内存中的记录
func (u OutcomeUpdate) ApplyTo(o *model.TaskOutcome, now time.Time) {
	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.FailureCode != nil {
		o.FailureCode = *u.FailureCode
	}
	if u.AgentID != nil {
		o.AgentID = *u.AgentID
	}
	if u.Route != nil {
		o.Route = *u.Route
	}
	if u.RuntimeVars != nil {
		o.RuntimeVars = o.RuntimeVars.Merge(u.RuntimeVars)
	}
	if u.AddAttemptedAgent != "" && !o.Attempted(u.AddAttemptedAgent) {
		o.AttemptedAgentIDs = append(o.AttemptedAgentIDs, u.AddAttemptedAgent)
	}
	if u.ReplacedBy != nil {
		o.ReplacedBy = *u.ReplacedBy
	}
	if u.DateStarted != nil {
		t := *u.DateStarted
		o.DateStarted = &t
	}
	if u.DateCompleted != nil {
		t := *u.DateCompleted
		o.DateCompleted = &t
	}
	if u.StopRequestedAt != nil {
		t := *u.StopRequestedAt
		o.StopRequestedAt = &t
	}
	o.UpdatedAt = now
}

// ============================================================================
// StepOutcome 进度更新
// ============================================================================

// StepUpdate Agent 上报的步骤进度
type StepUpdate struct {
	LastUpdateID  int64
	Status        *model.StepStatus
	AppendStdout  string
	AppendStderr  string
	ExitCode      *int
	DateStarted   *time.Time
	DateCompleted *time.Time
}

// ApplyTo 把更新写入内存中的记录（调用方已检查 lastUpdateId）
func (u StepUpdate) ApplyTo(s *model.StepOutcome, now time.Time) {
	s.LastUpdateID = u.LastUpdateID
	s.Stdout += u.AppendStdout
	s.Stderr += u.AppendStderr
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.ExitCode != nil {
		code := *u.ExitCode
		s.ExitCode = &code
	}
	if u.DateStarted != nil {
		t := *u.DateStarted
		s.DateStarted = &t
	}
	if u.DateCompleted != nil {
		t := *u.DateCompleted
		s.DateCompleted = &t
	}
	s.UpdatedAt = now
}

func containsStatus(statuses []model.TaskStatus, s model.TaskStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Ptr 取地址辅助，便于构造 OutcomeUpdate
func Ptr[T any](v T) *T {
	return &v
}
