package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/queue"
	"jobmesh/internal/shared/storage"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finish 模拟 Agent 上报最终状态
func (f *fixture) finish(t *testing.T, id string, status model.TaskStatus, code model.FailureCode) *model.TaskOutcome {
	t.Helper()
	o, err := f.store.TransitionTaskOutcome(context.Background(), testTeam, id, storage.OutcomeGuard{},
		storage.OutcomeUpdate{Status: &status, FailureCode: &code, DateCompleted: storage.Ptr(testNow)})
	require.NoError(t, err)
	return o
}

func TestRepublish_ReplacesFinishedOutcome(t *testing.T) {
	tests := []struct {
		name          string
		status        model.TaskStatus
		code          model.FailureCode
		wantAttempted []string
	}{
		{name: "失败后重新发布", status: model.TaskStatusFailed, code: model.FailureTaskExecError},
		{name: "中断后重新发布", status: model.TaskStatusInterrupted},
		{name: "Agent 失联后避开原 Agent", status: model.TaskStatusCancelled, code: model.FailureAgentCrashedOrLostConnectivity, wantAttempted: []string{"agent-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.addAgent("agent-1", nil, 0, 0)
			f.addAgent("agent-2", nil, 0, 1)
			o := f.newOutcome(t, "o-1", model.SingleAgent())
			require.NoError(t, f.d.Dispatch(context.Background(), o))
			require.Equal(t, "agent-1", f.outcome(t, "o-1").AgentID)
			require.NoError(t, f.d.ReleaseSlot(context.Background(), f.outcome(t, "o-1")))
			old := f.finish(t, "o-1", tt.status, tt.code)
			old.RuntimeVars = old.RuntimeVars.Merge(model.Variables{model.RouteVariable: {Value: "left"}})

			fresh, err := f.d.Republish(context.Background(), old)
			require.NoError(t, err)

			assert.NotEqual(t, "o-1", fresh.ID)
			assert.Equal(t, fresh.ID, f.outcome(t, "o-1").ReplacedBy)
			assert.Equal(t, model.TaskStatusPublished, fresh.Status)
			assert.Equal(t, tt.wantAttempted, fresh.AttemptedAgentIDs)
			assert.Equal(t, "us", fresh.RuntimeVars.Get("region"))
			assert.Empty(t, fresh.RuntimeVars.Get(model.RouteVariable), "上一次的 route 不沿用")

			steps, err := f.store.ListStepOutcomes(context.Background(), testTeam, fresh.ID)
			require.NoError(t, err)
			assert.Len(t, steps, 2)

			// 被替换的记录不能再次重新发布
			_, err = f.d.Republish(context.Background(), f.outcome(t, "o-1"))
			assert.True(t, errdefs.IsConflict(err))
		})
	}
}

func TestRepublish_WaitingRetriesInPlace(t *testing.T) {
	f := newFixture(t, nil)
	o := f.newOutcome(t, "o-1", model.SingleAgent())
	require.Error(t, f.d.Dispatch(context.Background(), o))

	waiting, err := f.d.Republish(context.Background(), f.outcome(t, "o-1"))
	require.NoError(t, err)
	assert.Equal(t, "o-1", waiting.ID)
	assert.Equal(t, model.TaskStatusWaitingForAgent, waiting.Status)

	f.addAgent("agent-1", nil, 0, 0)
	published, err := f.d.Republish(context.Background(), waiting)
	require.NoError(t, err)
	assert.Equal(t, "o-1", published.ID)
	assert.Equal(t, model.TaskStatusPublished, published.Status)
}

func TestRepublish_RunningConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	o := f.newOutcome(t, "o-1", model.SingleAgent())
	require.NoError(t, f.d.Dispatch(context.Background(), o))
	running := f.finish(t, "o-1", model.TaskStatusRunning, model.FailureNone)

	_, err := f.d.Republish(context.Background(), running)
	assert.True(t, errdefs.IsConflict(err))
}

func TestRequestStop(t *testing.T) {
	tests := []struct {
		name       string
		publish    bool
		cancel     bool
		wantStatus model.TaskStatus
		wantFinal  bool
	}{
		{name: "未发布的记录直接中断", wantStatus: model.TaskStatusInterrupted, wantFinal: true},
		{name: "未发布的记录直接取消", cancel: true, wantStatus: model.TaskStatusCancelled, wantFinal: true},
		{name: "已发布的记录等待 Agent 中断", publish: true, wantStatus: model.TaskStatusInterrupting},
		{name: "已发布的记录等待 Agent 取消", publish: true, cancel: true, wantStatus: model.TaskStatusCanceling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			o := f.newOutcome(t, "o-1", model.SingleSpecificAgent("agent-1"))
			if tt.publish {
				f.addAgent("agent-1", nil, 0, 0)
				require.NoError(t, f.d.Dispatch(context.Background(), o))
			}

			updated, final, err := f.d.RequestStop(context.Background(), f.outcome(t, "o-1"), tt.cancel)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, updated.Status)
			assert.Equal(t, tt.wantFinal, final)

			if !tt.publish {
				assert.NotNil(t, updated.DateCompleted)
				return
			}
			require.NotNil(t, updated.StopRequestedAt)
			assert.Equal(t, testNow, *updated.StopRequestedAt)

			msgs := f.queue.Messages(testTeam, "agent-1")
			require.Len(t, msgs, 2)
			assert.Equal(t, queue.KindStop, msgs[1].Kind)
			var stop StopMessage
			require.NoError(t, json.Unmarshal(msgs[1].Payload, &stop))
			assert.Equal(t, StopMessage{OutcomeID: "o-1", Cancel: tt.cancel}, stop)
		})
	}
}

func TestRequestStop_FinishedConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.newOutcome(t, "o-1", model.SingleAgent())
	done := f.finish(t, "o-1", model.TaskStatusSucceeded, model.FailureNone)

	_, _, err := f.d.RequestStop(context.Background(), done, true)
	assert.True(t, errdefs.IsConflict(err))
}

func TestRedispatchWaiting_AfterAgentJoins(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"o-1", "o-2"} {
		o := f.newOutcome(t, id, model.SingleAgentWithTags(map[string]string{"os": "linux"}))
		require.Error(t, f.d.Dispatch(context.Background(), o))
	}

	n, err := f.d.RedispatchWaiting(context.Background(), testTeam)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.addAgent("agent-1", map[string]string{"os": "linux"}, 0, 0)
	n, err = f.d.RedispatchWaiting(context.Background(), testTeam)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.queue.Messages(testTeam, "agent-1"), 2)
}
