// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：mongostore/、repository/（SQLite/PostgreSQL）、memstore/
//   - 初始化时通过依赖注入传入实现
//
// 所有实体按 (teamID, id) 寻址。带条件的写操作（CAS）必须由驱动原子完成，
// 业务层依赖它们保证：Agent 槽位不超额、离线标记不覆盖新心跳、步骤进度不乱序。
package storage

import (
	"context"
	"time"

	"jobmesh/internal/shared/model"
)

// JobDefStore 作业定义存储接口
type JobDefStore interface {
	CreateJobDef(ctx context.Context, jd *model.JobDefinition) error
	GetJobDef(ctx context.Context, teamID, id string) (*model.JobDefinition, error)
	ListJobDefs(ctx context.Context, teamID string) ([]*model.JobDefinition, error)
	UpdateJobDef(ctx context.Context, jd *model.JobDefinition) error
	// DeleteJobDef 删除作业定义及其全部任务、步骤定义
	DeleteJobDef(ctx context.Context, teamID, id string) error
}

// TaskDefStore 任务定义存储接口
type TaskDefStore interface {
	GetTaskDef(ctx context.Context, teamID, id string) (*model.TaskDefinition, error)
	ListTaskDefs(ctx context.Context, teamID, jobDefID string) ([]*model.TaskDefinition, error)
	// SaveTaskDefs 批量写入同一作业下已校验的任务变更：upserts 整体覆盖，deleteIDs 连同步骤定义删除
	SaveTaskDefs(ctx context.Context, teamID, jobDefID string, upserts []*model.TaskDefinition, deleteIDs []string) error
	// CountTaskDefsTargetingAgent 统计以 SINGLE_SPECIFIC_AGENT 指向该 Agent 的任务定义
	CountTaskDefsTargetingAgent(ctx context.Context, teamID, agentID string) (int, error)
}

// StepDefStore 步骤定义存储接口
type StepDefStore interface {
	GetStepDef(ctx context.Context, teamID, id string) (*model.StepDefinition, error)
	ListStepDefs(ctx context.Context, teamID, taskDefID string) ([]*model.StepDefinition, error)
	// SaveStepDefs 批量写入同一任务下的步骤变更（含换位）
	SaveStepDefs(ctx context.Context, teamID, taskDefID string, upserts []*model.StepDefinition, deleteIDs []string) error
}

// AgentStore Agent 存储接口
type AgentStore interface {
	GetAgent(ctx context.Context, teamID, id string) (*model.Agent, error)
	ListAgents(ctx context.Context, teamID string) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, teamID, id string) error
	UpdateAgentOverrides(ctx context.Context, teamID, id string, overrides model.AgentOverrides) (*model.Agent, error)

	// RecordHeartbeat 原子地写入心跳（不存在则创建），置 offline=false。
	// 返回写入前的记录（首次心跳为 nil）和写入后的记录。
	RecordHeartbeat(ctx context.Context, hb *model.AgentHeartbeat) (prev, cur *model.Agent, err error)

	// MarkAgentOffline CAS：仅当 offline=false 且 lastHeartbeatTime 仍等于 observed 时置 offline=true。
	// 返回是否翻转成功；期间到达的新心跳会使条件不成立。
	MarkAgentOffline(ctx context.Context, teamID, id string, observed time.Time) (bool, error)

	// ListStaleAgents 跨团队查询 offline=false 且心跳早于 cutoff 的 Agent，最多 limit 个
	ListStaleAgents(ctx context.Context, cutoff time.Time, limit int) ([]*model.Agent, error)

	// TryReserveAgentSlot CAS：maxActiveTasks<=0 或 numActiveTasks<maxActiveTasks 时 numActiveTasks+1，
	// 并记录 lastTaskAssignedTime=now。返回是否预占成功。
	TryReserveAgentSlot(ctx context.Context, teamID, id string, now time.Time) (bool, error)

	// ReleaseAgentSlot numActiveTasks-1（不低于 0）
	ReleaseAgentSlot(ctx context.Context, teamID, id string) error
}

// JobStore 作业实例存储接口
type JobStore interface {
	CreateJob(ctx context.Context, job *model.JobInstance) error
	GetJob(ctx context.Context, teamID, id string) (*model.JobInstance, error)
	// CountActiveJobs 统计作业定义下已启动且未结束的实例，排队中的 NOT_STARTED 不计
	CountActiveJobs(ctx context.Context, teamID, jobDefID string) (int, error)
	// ListQueuedJobs 按创建时间升序列出排队中的 NOT_STARTED 实例，limit<=0 不限
	ListQueuedJobs(ctx context.Context, teamID, jobDefID string, limit int) ([]*model.JobInstance, error)
	UpdateJobStatus(ctx context.Context, teamID, id string, status model.JobStatus, completed *time.Time) error
}

// TaskOutcomeStore 任务执行记录存储接口
type TaskOutcomeStore interface {
	// CreateTaskOutcome 主键重复返回 ErrDuplicate
	CreateTaskOutcome(ctx context.Context, o *model.TaskOutcome) error
	GetTaskOutcome(ctx context.Context, teamID, id string) (*model.TaskOutcome, error)
	ListTaskOutcomes(ctx context.Context, filter TaskOutcomeFilter) ([]*model.TaskOutcome, error)

	// TransitionTaskOutcome 条件更新：guard 不满足返回 ErrConflict，记录不存在返回 ErrNotFound
	TransitionTaskOutcome(ctx context.Context, teamID, id string, guard OutcomeGuard, update OutcomeUpdate) (*model.TaskOutcome, error)

	// MarkSlotReleased CAS slotReleased false→true，保证槽位只释放一次
	MarkSlotReleased(ctx context.Context, teamID, id string) (bool, error)

	// PullAttemptedAgent 从团队所有 WAITING_FOR_AGENT 记录的 attemptedAgentIds 中移除 agentID
	PullAttemptedAgent(ctx context.Context, teamID, agentID string) error
}

// StepOutcomeStore 步骤执行记录存储接口
type StepOutcomeStore interface {
	CreateStepOutcomes(ctx context.Context, steps []*model.StepOutcome) error
	GetStepOutcome(ctx context.Context, teamID, id string) (*model.StepOutcome, error)
	ListStepOutcomes(ctx context.Context, teamID, taskOutcomeID string) ([]*model.StepOutcome, error)

	// ApplyStepUpdate 原子地：仅当 stored.lastUpdateId < update.LastUpdateID 时追加 stdout/stderr 并更新字段。
	// 不满足返回 ErrStaleUpdate，记录不存在返回 ErrNotFound。
	ApplyStepUpdate(ctx context.Context, teamID, id string, update StepUpdate) (*model.StepOutcome, error)

	// InterruptStepOutcomes 把任务记录下所有 status<=RUNNING 的步骤置为 INTERRUPTED，返回影响条数
	InterruptStepOutcomes(ctx context.Context, teamID, taskOutcomeID string, now time.Time) (int, error)
}

// Store 持久化存储组合接口
type Store interface {
	JobDefStore
	TaskDefStore
	StepDefStore
	AgentStore
	JobStore
	TaskOutcomeStore
	StepOutcomeStore
	Ping(ctx context.Context) error
	Close() error
}
