// Package model 定义任务编排的核心数据模型
//
// status.go 包含所有状态枚举。状态值为有序整数，数值大小即生命周期先后，
// 存储层的条件更新（"当前状态 < 目标状态"）依赖这一顺序。
package model

// ============================================================================
// TaskStatus - 任务执行记录状态
// ============================================================================

// TaskStatus 表示 TaskOutcome 的状态
//
// 生命周期：
//
//	NOT_STARTED → WAITING_FOR_AGENT ⇄ PUBLISHED → RUNNING → SUCCEEDED | FAILED
//	                                      ↓            ↓
//	                                INTERRUPTING   CANCELING → CANCELLED
//	                                      ↓
//	                                 INTERRUPTED
//
// >= TaskStatusSucceeded 为终态。INTERRUPTED 是"可人工复核"的停顿态。
type TaskStatus int

const (
	TaskStatusNotStarted      TaskStatus = 0
	TaskStatusWaitingForAgent TaskStatus = 3
	TaskStatusPublished       TaskStatus = 5
	TaskStatusRunning         TaskStatus = 10
	TaskStatusInterrupting    TaskStatus = 14
	TaskStatusInterrupted     TaskStatus = 15
	TaskStatusCanceling       TaskStatus = 17
	TaskStatusSucceeded       TaskStatus = 20
	TaskStatusCancelled       TaskStatus = 21
	TaskStatusFailed          TaskStatus = 22
	TaskStatusSkipped         TaskStatus = 23
)

var taskStatusNames = map[TaskStatus]string{
	TaskStatusNotStarted:      "NOT_STARTED",
	TaskStatusWaitingForAgent: "WAITING_FOR_AGENT",
	TaskStatusPublished:       "PUBLISHED",
	TaskStatusRunning:         "RUNNING",
	TaskStatusInterrupting:    "INTERRUPTING",
	TaskStatusInterrupted:     "INTERRUPTED",
	TaskStatusCanceling:       "CANCELING",
	TaskStatusSucceeded:       "SUCCEEDED",
	TaskStatusCancelled:       "CANCELLED",
	TaskStatusFailed:          "FAILED",
	TaskStatusSkipped:         "SKIPPED",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid 是否为已定义的状态值
func (s TaskStatus) Valid() bool {
	_, ok := taskStatusNames[s]
	return ok
}

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s >= TaskStatusSucceeded
}

// Settled 终态或 INTERRUPTED，Agent 不再为该记录占用执行槽位
func (s TaskStatus) Settled() bool {
	return s.IsTerminal() || s == TaskStatusInterrupted
}

// Dispatchable 可被（重新）派发的状态
func (s TaskStatus) Dispatchable() bool {
	return s == TaskStatusNotStarted || s == TaskStatusWaitingForAgent
}

// OnAgent 已交给 Agent 执行、尚未结束的状态
func (s TaskStatus) OnAgent() bool {
	return s >= TaskStatusPublished && s < TaskStatusSucceeded && s != TaskStatusInterrupted
}

// ============================================================================
// StepStatus - 步骤执行记录状态
// ============================================================================

// StepStatus 表示 StepOutcome 的状态
type StepStatus int

const (
	StepStatusNotStarted  StepStatus = 0
	StepStatusRunning     StepStatus = 10
	StepStatusInterrupted StepStatus = 15
	StepStatusSucceeded   StepStatus = 20
	StepStatusCancelled   StepStatus = 21
	StepStatusFailed      StepStatus = 22
)

var stepStatusNames = map[StepStatus]string{
	StepStatusNotStarted:  "NOT_STARTED",
	StepStatusRunning:     "RUNNING",
	StepStatusInterrupted: "INTERRUPTED",
	StepStatusSucceeded:   "SUCCEEDED",
	StepStatusCancelled:   "CANCELLED",
	StepStatusFailed:      "FAILED",
}

func (s StepStatus) String() string {
	if name, ok := stepStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid 是否为已定义的状态值
func (s StepStatus) Valid() bool {
	_, ok := stepStatusNames[s]
	return ok
}

// InProgress 未结束（<= RUNNING）
func (s StepStatus) InProgress() bool {
	return s <= StepStatusRunning
}

// ============================================================================
// JobStatus / JobDefStatus
// ============================================================================

// JobStatus 表示作业实例状态
type JobStatus int

const (
	JobStatusNotStarted  JobStatus = 0
	JobStatusRunning     JobStatus = 10
	JobStatusInterrupted JobStatus = 15
	JobStatusCompleted   JobStatus = 20
	JobStatusCancelled   JobStatus = 21
	JobStatusFailed      JobStatus = 22
)

var jobStatusNames = map[JobStatus]string{
	JobStatusNotStarted:  "NOT_STARTED",
	JobStatusRunning:     "RUNNING",
	JobStatusInterrupted: "INTERRUPTED",
	JobStatusCompleted:   "COMPLETED",
	JobStatusCancelled:   "CANCELLED",
	JobStatusFailed:      "FAILED",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal 是否为终态
func (s JobStatus) IsTerminal() bool {
	return s >= JobStatusCompleted
}

// JobDefStatus 作业定义状态
type JobDefStatus int

const (
	JobDefStatusRunning JobDefStatus = 10
	JobDefStatusPaused  JobDefStatus = 15
)

func (s JobDefStatus) String() string {
	switch s {
	case JobDefStatusRunning:
		return "RUNNING"
	case JobDefStatusPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// FailureCode - 失败原因
// ============================================================================

// FailureCode 任务失败/等待的原因码，空字符串表示无
type FailureCode string

const (
	FailureNone                           FailureCode = ""
	FailureAgentCrashedOrLostConnectivity FailureCode = "AGENT_CRASHED_OR_LOST_CONNECTIVITY"
	FailureNoAgentAvailable               FailureCode = "NO_AGENT_AVAILABLE"
	FailureAgentExecError                 FailureCode = "AGENT_EXEC_ERROR"
	FailureQueuedTaskExpired              FailureCode = "QUEUED_TASK_EXPIRED"
	FailureTargetAgentNotSpecified        FailureCode = "TARGET_AGENT_NOT_SPECIFIED"
	FailureMissingTargetTags              FailureCode = "MISSING_TARGET_TAGS"
	FailureLaunchTaskError                FailureCode = "LAUNCH_TASK_ERROR"
	FailureTaskExecError                  FailureCode = "TASK_EXEC_ERROR"
)
