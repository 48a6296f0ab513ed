// Package queue Agent 任务队列抽象接口
//
// 每个 Agent 一条队列，承载任务派发与停止请求，当前由 Redis Streams 实现；
// 开发模式与单元测试使用进程内的 MemoryQueue。
//
// 投递语义为至少一次：Agent 侧按 IdempotencyKey 去重。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// AgentQueue Agent 任务队列接口
type AgentQueue interface {
	// PublishTaskToAgent 将任务载荷投递到 Agent 的队列，返回消息 ID
	PublishTaskToAgent(ctx context.Context, teamID, agentID string, msg *TaskMessage) (string, error)
	CreateAgentConsumerGroup(ctx context.Context, teamID, agentID string) error
	ConsumeAgentTasks(ctx context.Context, teamID, agentID, consumerID string, count int64, blockTimeout time.Duration) ([]*TaskMessage, error)
	AckAgentTask(ctx context.Context, teamID, agentID, messageID string) error
	GetAgentQueueLength(ctx context.Context, teamID, agentID string) (int64, error)
	// DeleteAgentQueue 删除 Agent 的队列（Agent 被删除时）
	DeleteAgentQueue(ctx context.Context, teamID, agentID string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Queue 消息队列组合接口
type Queue interface {
	AgentQueue
	Ping(ctx context.Context) error
	Close() error
}
