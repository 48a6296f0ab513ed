// Package queue 进程内队列实现
package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// MemoryQueue - 进程内 Queue 实现（开发模式与测试）
// ============================================================================

// MemoryQueue 按 Agent 保存消息，消费后直到 Ack 前保留在 pending 中
type MemoryQueue struct {
	mu      sync.Mutex
	seq     int64
	queues  map[string][]*TaskMessage
	pending map[string]map[string]*TaskMessage

	// FailPublish 非 nil 时 PublishTaskToAgent 返回该错误（测试注入）
	FailPublish error
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建 MemoryQueue 实例
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:  make(map[string][]*TaskMessage),
		pending: make(map[string]map[string]*TaskMessage),
	}
}

func (q *MemoryQueue) PublishTaskToAgent(ctx context.Context, teamID, agentID string, msg *TaskMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailPublish != nil {
		return "", q.FailPublish
	}
	q.seq++
	c := *msg
	c.ID = strconv.FormatInt(q.seq, 10) + "-0"
	c.TeamID, c.AgentID = teamID, agentID
	if c.PublishedAt.IsZero() {
		c.PublishedAt = time.Now()
	}
	key := AgentTasksKey(teamID, agentID)
	q.queues[key] = append(q.queues[key], &c)
	return c.ID, nil
}

func (q *MemoryQueue) CreateAgentConsumerGroup(ctx context.Context, teamID, agentID string) error {
	return nil
}

func (q *MemoryQueue) ConsumeAgentTasks(ctx context.Context, teamID, agentID, consumerID string, count int64, blockTimeout time.Duration) ([]*TaskMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := AgentTasksKey(teamID, agentID)
	msgs := q.queues[key]
	n := len(msgs)
	if count > 0 && int64(n) > count {
		n = int(count)
	}
	out := make([]*TaskMessage, 0, n)
	if q.pending[key] == nil {
		q.pending[key] = make(map[string]*TaskMessage)
	}
	for _, m := range msgs[:n] {
		q.pending[key][m.ID] = m
		c := *m
		out = append(out, &c)
	}
	q.queues[key] = msgs[n:]
	return out, nil
}

func (q *MemoryQueue) AckAgentTask(ctx context.Context, teamID, agentID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending[AgentTasksKey(teamID, agentID)], messageID)
	return nil
}

func (q *MemoryQueue) GetAgentQueueLength(ctx context.Context, teamID, agentID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[AgentTasksKey(teamID, agentID)])), nil
}

func (q *MemoryQueue) DeleteAgentQueue(ctx context.Context, teamID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := AgentTasksKey(teamID, agentID)
	delete(q.queues, key)
	delete(q.pending, key)
	return nil
}

// Messages 返回 Agent 队列中尚未消费的消息副本（测试用）
func (q *MemoryQueue) Messages(teamID, agentID string) []*TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[AgentTasksKey(teamID, agentID)]
	out := make([]*TaskMessage, 0, len(msgs))
	for _, m := range msgs {
		c := *m
		out = append(out, &c)
	}
	return out
}

// Ping 检查连接
func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }

// Close 关闭队列
func (q *MemoryQueue) Close() error { return nil }
