package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/shared/queue"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	s, err := NewStoreFromURL(url, Options{TTL: time.Hour})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublishAndConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	team, agent := "team-q", "agent-"+time.Now().Format("150405.000000")
	t.Cleanup(func() { s.DeleteAgentQueue(context.Background(), team, agent) })

	require.NoError(t, s.CreateAgentConsumerGroup(ctx, team, agent))
	require.NoError(t, s.CreateAgentConsumerGroup(ctx, team, agent), "重复创建消费者组应忽略 BUSYGROUP")

	id, err := s.PublishTaskToAgent(ctx, team, agent, &queue.TaskMessage{
		Kind:           queue.KindTask,
		JobID:          "job-1",
		OutcomeID:      "out-1",
		IdempotencyKey: "job-1:out-1",
		Payload:        []byte(`{"steps":[]}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ttl, err := s.client.TTL(ctx, queue.AgentTasksKey(team, agent)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	msgs, err := s.ConsumeAgentTasks(ctx, team, agent, "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, queue.KindTask, msgs[0].Kind)
	assert.Equal(t, "job-1:out-1", msgs[0].IdempotencyKey)
	assert.JSONEq(t, `{"steps":[]}`, string(msgs[0].Payload))
	require.NoError(t, s.AckAgentTask(ctx, team, agent, msgs[0].ID))
}
