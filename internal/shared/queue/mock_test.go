package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.PublishTaskToAgent(ctx, "t", "a", &TaskMessage{Kind: KindTask, OutcomeID: "o1"})
	require.NoError(t, err)
	_, err = q.PublishTaskToAgent(ctx, "t", "a", &TaskMessage{Kind: KindStop, OutcomeID: "o1"})
	require.NoError(t, err)

	n, _ := q.GetAgentQueueLength(ctx, "t", "a")
	assert.Equal(t, int64(2), n)

	msgs, err := q.ConsumeAgentTasks(ctx, "t", "a", "c", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindTask, msgs[0].Kind)
	assert.Equal(t, "a", msgs[0].AgentID)

	n, _ = q.GetAgentQueueLength(ctx, "t", "a")
	assert.Equal(t, int64(1), n)
	assert.Empty(t, q.Messages("t", "other"))
}
