// Package redis AgentQueue 操作
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmesh/internal/shared/queue"
)

// PublishTaskToAgent XADD 到 Agent 的 Stream，并刷新队列 TTL
//
// Agent 长期不在线时队列随 TTL 过期，积压任务不会无限增长。
func (s *Store) PublishTaskToAgent(ctx context.Context, teamID, agentID string, msg *queue.TaskMessage) (string, error) {
	key := queue.AgentTasksKey(teamID, agentID)
	publishedAt := msg.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now()
	}

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":            string(msg.Kind),
			"job_id":          msg.JobID,
			"outcome_id":      msg.OutcomeID,
			"idempotency_key": msg.IdempotencyKey,
			"payload":         string(msg.Payload),
			"published_at":    publishedAt.Format(time.RFC3339Nano),
		},
	}

	pipe := s.client.TxPipeline()
	add := pipe.XAdd(ctx, args)
	if s.opts.TTL > 0 {
		pipe.Expire(ctx, key, s.opts.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to publish task to agent %s: %w", agentID, err)
	}

	msgID := add.Val()
	log.Printf("[Redis/Queue] Published %s to agent: team=%s agent=%s outcome=%s msg_id=%s",
		msg.Kind, teamID, agentID, msg.OutcomeID, msgID)
	return msgID, nil
}

// CreateAgentConsumerGroup 创建 Agent 消费者组
func (s *Store) CreateAgentConsumerGroup(ctx context.Context, teamID, agentID string) error {
	key := queue.AgentTasksKey(teamID, agentID)
	err := s.client.XGroupCreateMkStream(ctx, key, queue.AgentConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for agent %s: %w", agentID, err)
	}
	return nil
}

// ConsumeAgentTasks 消费 Agent 的任务消息
func (s *Store) ConsumeAgentTasks(ctx context.Context, teamID, agentID, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.TaskMessage, error) {
	key := queue.AgentTasksKey(teamID, agentID)

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.AgentConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume agent tasks: %w", err)
	}

	var messages []*queue.TaskMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, decodeMessage(teamID, agentID, msg))
		}
	}
	return messages, nil
}

func decodeMessage(teamID, agentID string, msg redis.XMessage) *queue.TaskMessage {
	m := &queue.TaskMessage{ID: msg.ID, TeamID: teamID, AgentID: agentID}
	str := func(field string) string {
		v, _ := msg.Values[field].(string)
		return v
	}
	m.Kind = queue.MessageKind(str("kind"))
	m.JobID = str("job_id")
	m.OutcomeID = str("outcome_id")
	m.IdempotencyKey = str("idempotency_key")
	if p := str("payload"); p != "" {
		m.Payload = []byte(p)
	}
	if t, err := time.Parse(time.RFC3339Nano, str("published_at")); err == nil {
		m.PublishedAt = t
	}
	return m
}

// AckAgentTask 确认消息已处理
func (s *Store) AckAgentTask(ctx context.Context, teamID, agentID, messageID string) error {
	return s.client.XAck(ctx, queue.AgentTasksKey(teamID, agentID), queue.AgentConsumerGroup, messageID).Err()
}

// GetAgentQueueLength 获取 Agent 队列长度
func (s *Store) GetAgentQueueLength(ctx context.Context, teamID, agentID string) (int64, error) {
	return s.client.XLen(ctx, queue.AgentTasksKey(teamID, agentID)).Result()
}

// DeleteAgentQueue 删除 Agent 队列
func (s *Store) DeleteAgentQueue(ctx context.Context, teamID, agentID string) error {
	return s.client.Del(ctx, queue.AgentTasksKey(teamID, agentID)).Err()
}
