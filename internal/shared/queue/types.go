// Package queue 消息队列类型定义
package queue

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// MessageKind 队列消息种类
type MessageKind string

const (
	KindTask MessageKind = "task"
	KindStop MessageKind = "stop"
)

// TaskMessage Agent 队列中的一条消息
type TaskMessage struct {
	ID             string          `json:"-"`
	Kind           MessageKind     `json:"kind"`
	TeamID         string          `json:"teamId"`
	AgentID        string          `json:"agentId"`
	JobID          string          `json:"jobId"`
	OutcomeID      string          `json:"outcomeId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PublishedAt    time.Time       `json:"publishedAt"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// Agent 队列 - agents:{teamID}:{agentID}:tasks
	KeyAgentTasks       = "agents:"
	KeyAgentTasksSuffix = ":tasks"

	// 消费者组
	AgentConsumerGroup = "agents"

	// DefaultMaxLen 单个 Agent 队列的近似上限
	DefaultMaxLen = 1000
)

// AgentTasksKey Agent 队列的 key
func AgentTasksKey(teamID, agentID string) string {
	return KeyAgentTasks + teamID + ":" + agentID + KeyAgentTasksSuffix
}
