package model

import "time"

// ============================================================================
// JobInstance - 作业实例
// ============================================================================

// JobInstance 一次作业执行
type JobInstance struct {
	ID            string     `json:"id" bson:"_id"`
	TeamID        string     `json:"teamId" bson:"team_id"`
	JobDefID      string     `json:"jobDefId" bson:"job_def_id"`
	Name          string     `json:"name" bson:"name"`
	Status        JobStatus  `json:"status" bson:"status"`
	Variables     Variables  `json:"runtimeVars,omitempty" bson:"runtime_vars,omitempty"`
	DateStarted   time.Time  `json:"dateStarted" bson:"date_started"`
	DateCompleted *time.Time `json:"dateCompleted,omitempty" bson:"date_completed,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" bson:"updated_at"`
}

// ============================================================================
// TaskOutcome - 任务执行记录
// ============================================================================

// TaskOutcome 一个 TaskDefinition 在作业实例中的一次执行
//
// 扇出任务（ALL_AGENTS*）每个匹配 Agent 一条记录，共享 TaskDefID/TaskName。
// 被重新发布替换的记录 ReplacedBy 指向新记录，不再参与依赖解析。
type TaskOutcome struct {
	ID                string      `json:"id" bson:"_id"`
	TeamID            string      `json:"teamId" bson:"team_id"`
	JobID             string      `json:"jobId" bson:"job_id"`
	JobDefID          string      `json:"jobDefId" bson:"job_def_id"`
	TaskDefID         string      `json:"taskDefId" bson:"task_def_id"`
	TaskName          string      `json:"taskName" bson:"task_name"`
	Target            Target      `json:"target" bson:"target"`
	Status            TaskStatus  `json:"status" bson:"status"`
	FailureCode       FailureCode `json:"failureCode,omitempty" bson:"failure_code,omitempty"`
	AgentID           string      `json:"agentId,omitempty" bson:"agent_id,omitempty"`
	AutoRestart       bool        `json:"autoRestart" bson:"auto_restart"`
	RuntimeVars       Variables   `json:"runtimeVars,omitempty" bson:"runtime_vars,omitempty"`
	Route             string      `json:"route,omitempty" bson:"route,omitempty"`
	AttemptedAgentIDs []string    `json:"attemptedAgentIds,omitempty" bson:"attempted_agent_ids,omitempty"`
	FanOutOf          string      `json:"fanOutOf,omitempty" bson:"fan_out_of,omitempty"`
	ReplacedBy        string      `json:"replacedBy,omitempty" bson:"replaced_by,omitempty"`
	SlotReleased      bool        `json:"-" bson:"slot_released"`
	DateStarted       *time.Time  `json:"dateStarted,omitempty" bson:"date_started,omitempty"`
	DateCompleted     *time.Time  `json:"dateCompleted,omitempty" bson:"date_completed,omitempty"`
	StopRequestedAt   *time.Time  `json:"stopRequestedAt,omitempty" bson:"stop_requested_at,omitempty"`
	CreatedAt         time.Time   `json:"createdAt" bson:"created_at"`
	UpdatedAt         time.Time   `json:"updatedAt" bson:"updated_at"`
}

// Current 是否为该任务当前有效的执行记录
func (o *TaskOutcome) Current() bool {
	return o.ReplacedBy == ""
}

// IdempotencyKey 派发幂等键：作业实例 id + 记录 id
func (o *TaskOutcome) IdempotencyKey() string {
	return o.JobID + ":" + o.ID
}

// Attempted agent 是否已尝试执行过该记录
func (o *TaskOutcome) Attempted(agentID string) bool {
	for _, id := range o.AttemptedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// ============================================================================
// StepOutcome - 步骤执行记录
// ============================================================================

// StepOutcome StepDefinition 的执行记录
//
// Stdout/Stderr 只追加；LastUpdateID 单调递增，用于拒绝乱序和重复投递。
type StepOutcome struct {
	ID            string     `json:"id" bson:"_id"`
	TeamID        string     `json:"teamId" bson:"team_id"`
	JobID         string     `json:"jobId" bson:"job_id"`
	TaskOutcomeID string     `json:"taskOutcomeId" bson:"task_outcome_id"`
	StepDefID     string     `json:"stepDefId" bson:"step_def_id"`
	Name          string     `json:"name" bson:"name"`
	Order         int        `json:"order" bson:"order"`
	Status        StepStatus `json:"status" bson:"status"`
	Stdout        string     `json:"stdout" bson:"stdout"`
	Stderr        string     `json:"stderr" bson:"stderr"`
	ExitCode      *int       `json:"exitCode,omitempty" bson:"exit_code,omitempty"`
	LastUpdateID  int64      `json:"lastUpdateId" bson:"last_update_id"`
	DateStarted   *time.Time `json:"dateStarted,omitempty" bson:"date_started,omitempty"`
	DateCompleted *time.Time `json:"dateCompleted,omitempty" bson:"date_completed,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" bson:"updated_at"`
}
