package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/queue"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/memstore"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTeam = "team-1"

type fixture struct {
	store *memstore.Store
	msg   *infra.Messaging
	queue *queue.MemoryQueue
	d     *Dispatcher
}

func newFixture(t *testing.T, config *Config) *fixture {
	t.Helper()
	store := memstore.New()
	msg := infra.NewLocalMessaging()
	require.NoError(t, msg.Start(context.Background()))
	t.Cleanup(func() { msg.Stop() })

	if config == nil {
		config = &Config{ActiveAgentTimeout: testTimeout}
	}
	d := NewDispatcher(store, msg, config)
	d.now = func() time.Time { return testNow }

	f := &fixture{store: store, msg: msg, queue: msg.Queue.(*queue.MemoryQueue), d: d}
	f.seedJob(t)
	return f
}

// seedJob 一个作业实例 + 一个带两个步骤的任务定义
func (f *fixture) seedJob(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, f.store.CreateJob(ctx, &model.JobInstance{
		ID:       "job-1",
		TeamID:   testTeam,
		JobDefID: "jd-1",
		Status:   model.JobStatusRunning,
		Variables: model.Variables{
			"region": {Value: "eu"},
			"token":  {Value: "secret", Sensitive: true},
		},
	}))
	require.NoError(t, f.store.SaveStepDefs(ctx, testTeam, "td-1", []*model.StepDefinition{
		{ID: "sd-1", TeamID: testTeam, TaskDefID: "td-1", Name: "fetch", Order: 1, Command: "curl"},
		{ID: "sd-2", TeamID: testTeam, TaskDefID: "td-1", Name: "load", Order: 2, Script: "echo ok"},
	}, nil))
}

func (f *fixture) addAgent(id string, tags map[string]string, maxActive, active int) *model.Agent {
	a := createTestAgent(id, tags, maxActive, active)
	f.store.PutAgent(a)
	return a
}

func (f *fixture) newOutcome(t *testing.T, id string, target model.Target) *model.TaskOutcome {
	t.Helper()
	o := &model.TaskOutcome{
		ID:          id,
		TeamID:      testTeam,
		JobID:       "job-1",
		JobDefID:    "jd-1",
		TaskDefID:   "td-1",
		TaskName:    "extract",
		Target:      target,
		Status:      model.TaskStatusNotStarted,
		RuntimeVars: model.Variables{"region": {Value: "us"}},
	}
	require.NoError(t, f.d.CreateOutcome(context.Background(), o))
	return o
}

func (f *fixture) outcome(t *testing.T, id string) *model.TaskOutcome {
	t.Helper()
	o, err := f.store.GetTaskOutcome(context.Background(), testTeam, id)
	require.NoError(t, err)
	return o
}

func (f *fixture) agent(t *testing.T, team, id string) *model.Agent {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), team, id)
	require.NoError(t, err)
	return a
}

func dispatchCode(t *testing.T, err error) model.FailureCode {
	t.Helper()
	var de *model.DispatchError
	require.True(t, errors.As(err, &de), "want DispatchError, got %v", err)
	return de.Code
}

func TestDispatch_PublishesToLeastLoadedAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 2)
	f.addAgent("agent-2", nil, 0, 0)
	o := f.newOutcome(t, "o-1", model.SingleAgent())

	require.NoError(t, f.d.Dispatch(context.Background(), o))

	got := f.outcome(t, "o-1")
	assert.Equal(t, model.TaskStatusPublished, got.Status)
	assert.Equal(t, "agent-2", got.AgentID)
	assert.Equal(t, 1, f.agent(t, testTeam, "agent-2").NumActiveTasks)
	assert.Equal(t, testNow, f.agent(t, testTeam, "agent-2").LastTaskAssignedTime)

	msgs := f.queue.Messages(testTeam, "agent-2")
	require.Len(t, msgs, 1)
	assert.Equal(t, queue.KindTask, msgs[0].Kind)
	assert.Equal(t, "job-1:o-1", msgs[0].IdempotencyKey)

	var payload TaskPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	require.Len(t, payload.Steps, 2)
	assert.Equal(t, "fetch", payload.Steps[0].Name)
	assert.Equal(t, "curl", payload.Steps[0].Command)
	assert.Equal(t, "echo ok", payload.Steps[1].Script)
	assert.Equal(t, "us", payload.Variables.Get("region"), "记录变量覆盖作业默认值")
	assert.Equal(t, "secret", payload.Variables.Get("token"), "载荷内不脱敏")
}

func TestDispatch_NoAgentLeavesWaiting(t *testing.T) {
	tests := []struct {
		name     string
		target   model.Target
		wantCode model.FailureCode
	}{
		{name: "团队内没有 Agent", target: model.SingleAgent(), wantCode: model.FailureNoAgentAvailable},
		{name: "未指定目标 Agent", target: model.Target{Kind: model.TargetSingleSpecificAgent}, wantCode: model.FailureTargetAgentNotSpecified},
		{name: "缺少目标标签", target: model.Target{Kind: model.TargetSingleAgentWithTags}, wantCode: model.FailureMissingTargetTags},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			o := f.newOutcome(t, "o-1", tt.target)

			err := f.d.Dispatch(context.Background(), o)
			assert.Equal(t, tt.wantCode, dispatchCode(t, err))
			assert.True(t, errdefs.IsUnavailable(err))

			got := f.outcome(t, "o-1")
			assert.Equal(t, model.TaskStatusWaitingForAgent, got.Status)
			assert.Equal(t, tt.wantCode, got.FailureCode)

			// 占位已释放，后续触发可以重试
			claimed, err := f.msg.Cache.ClaimPublish(context.Background(), o.IdempotencyKey(), time.Minute)
			require.NoError(t, err)
			assert.True(t, claimed)
		})
	}
}

func TestDispatch_SkipsFullAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 1, 1)
	f.addAgent("agent-2", nil, 1, 0)
	o := f.newOutcome(t, "o-1", model.SingleAgent())

	require.NoError(t, f.d.Dispatch(context.Background(), o))
	assert.Equal(t, "agent-2", f.outcome(t, "o-1").AgentID)
	assert.Equal(t, 1, f.agent(t, testTeam, "agent-1").NumActiveTasks)
}

func TestDispatch_CapacityUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 3, 0)

	outcomes := make([]*model.TaskOutcome, 20)
	for i := range outcomes {
		outcomes[i] = f.newOutcome(t, fmt.Sprintf("o-%02d", i), model.SingleAgent())
	}

	var wg sync.WaitGroup
	for _, o := range outcomes {
		wg.Add(1)
		go func(o *model.TaskOutcome) {
			defer wg.Done()
			_ = f.d.Dispatch(context.Background(), o)
		}(o)
	}
	wg.Wait()

	published, err := f.store.ListTaskOutcomes(context.Background(), storage.TaskOutcomeFilter{
		TeamID:   testTeam,
		Statuses: []model.TaskStatus{model.TaskStatusPublished},
	})
	require.NoError(t, err)
	assert.Len(t, published, 3)
	assert.Equal(t, 3, f.agent(t, testTeam, "agent-1").NumActiveTasks)
}

func TestDispatch_PublishFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	f.queue.FailPublish = errors.New("stream unavailable")
	o := f.newOutcome(t, "o-1", model.SingleAgent())

	err := f.d.Dispatch(context.Background(), o)
	require.Error(t, err)

	got := f.outcome(t, "o-1")
	assert.Equal(t, model.TaskStatusWaitingForAgent, got.Status)
	assert.Equal(t, model.FailureLaunchTaskError, got.FailureCode)
	assert.Equal(t, 0, f.agent(t, testTeam, "agent-1").NumActiveTasks)

	// 恢复后可以再次派发到同一个 Agent
	f.queue.FailPublish = nil
	require.NoError(t, f.d.Dispatch(context.Background(), got))
	assert.Equal(t, model.TaskStatusPublished, f.outcome(t, "o-1").Status)
}

func TestDispatch_IgnoresNonDispatchable(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	o := f.newOutcome(t, "o-1", model.SingleAgent())
	require.NoError(t, f.d.Dispatch(context.Background(), o))

	again := f.outcome(t, "o-1")
	require.NoError(t, f.d.Dispatch(context.Background(), again))
	assert.Len(t, f.queue.Messages(testTeam, "agent-1"), 1)
	assert.Equal(t, 1, f.agent(t, testTeam, "agent-1").NumActiveTasks)
}

func TestDispatch_FanOut(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	f.addAgent("agent-2", nil, 0, 1)
	f.addAgent("agent-3", nil, 1, 1) // 已满：兄弟记录等待
	o := f.newOutcome(t, "o-1", model.AllAgents())

	require.NoError(t, f.d.Dispatch(context.Background(), o))

	all, err := f.store.ListTaskOutcomes(context.Background(), storage.TaskOutcomeFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byAgent := map[string]*model.TaskOutcome{}
	for _, got := range all {
		byAgent[got.AgentID] = got
	}
	assert.Equal(t, "o-1", byAgent["agent-1"].ID)
	assert.Equal(t, model.TaskStatusPublished, byAgent["agent-1"].Status)
	assert.Equal(t, model.FanOutID("o-1", "agent-2"), byAgent["agent-2"].ID)
	assert.Equal(t, model.TaskStatusPublished, byAgent["agent-2"].Status)
	assert.Equal(t, "o-1", byAgent["agent-3"].FanOutOf)
	assert.Equal(t, model.TaskStatusWaitingForAgent, byAgent["agent-3"].Status)

	// 兄弟记录有自己的步骤记录
	steps, err := f.store.ListStepOutcomes(context.Background(), testTeam, byAgent["agent-2"].ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	// 容量释放后，等待中的兄弟记录仍只派发到自己的 Agent
	require.NoError(t, f.store.ReleaseAgentSlot(context.Background(), testTeam, "agent-3"))
	n, err := f.d.RedispatchWaiting(context.Background(), testTeam)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.queue.Messages(testTeam, "agent-3"), 1)
	assert.Len(t, f.queue.Messages(testTeam, "agent-1"), 1)
}

func TestDispatch_FanOutKeepsClaim(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	f.addAgent("agent-2", nil, 0, 0)
	o := f.newOutcome(t, "o-1", model.AllAgents())
	ctx := context.Background()

	require.NoError(t, f.d.Dispatch(ctx, o))
	require.Equal(t, model.TaskStatusPublished, f.outcome(t, "o-1").Status)

	// 已投递的原记录仍占着派发幂等键，重复派发被跳过
	claimed, err := f.d.claims.ClaimPublish(ctx, o.IdempotencyKey(), time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, f.d.Dispatch(ctx, o))
	assert.Len(t, f.queue.Messages(testTeam, "agent-1"), 1)
}

func TestDispatch_CloudFunctionRoutesToRunnerTeam(t *testing.T) {
	f := newFixture(t, &Config{
		ActiveAgentTimeout: testTimeout,
		CloudRunner: CloudRunnerConfig{
			TeamID:    "runners",
			Providers: map[model.CloudProvider]map[string]string{model.CloudAWSLambda: {"runner": "lambda"}},
		},
	})
	runner := createTestAgent("runner-1", map[string]string{"runner": "lambda"}, 0, 0)
	runner.TeamID = "runners"
	f.store.PutAgent(runner)
	f.addAgent("agent-1", nil, 0, 0)

	o := f.newOutcome(t, "o-1", model.CloudFunction(model.CloudAWSLambda, map[string]string{"fn": "etl"}))
	require.NoError(t, f.d.Dispatch(context.Background(), o))

	got := f.outcome(t, "o-1")
	assert.Equal(t, "runner-1", got.AgentID)
	assert.Equal(t, "runners", f.d.AgentTeam(got))
	assert.Len(t, f.queue.Messages("runners", "runner-1"), 1)
	assert.Equal(t, 1, f.agent(t, "runners", "runner-1").NumActiveTasks)

	require.NoError(t, f.d.ReleaseSlot(context.Background(), got))
	assert.Equal(t, 0, f.agent(t, "runners", "runner-1").NumActiveTasks)
}

func TestDispatch_CloudFunctionWithoutRunner(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	o := f.newOutcome(t, "o-1", model.CloudFunction(model.CloudGCPFunction, nil))

	err := f.d.Dispatch(context.Background(), o)
	assert.Equal(t, model.FailureNoAgentAvailable, dispatchCode(t, err))
}

func TestReleaseSlot_Once(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent("agent-1", nil, 0, 0)
	f.addAgent("agent-2", nil, 0, 0)
	o1 := f.newOutcome(t, "o-1", model.SingleSpecificAgent("agent-1"))
	o2 := f.newOutcome(t, "o-2", model.SingleSpecificAgent("agent-1"))
	require.NoError(t, f.d.Dispatch(context.Background(), o1))
	require.NoError(t, f.d.Dispatch(context.Background(), o2))
	require.Equal(t, 2, f.agent(t, testTeam, "agent-1").NumActiveTasks)

	got := f.outcome(t, "o-1")
	require.NoError(t, f.d.ReleaseSlot(context.Background(), got))
	require.NoError(t, f.d.ReleaseSlot(context.Background(), got))
	assert.Equal(t, 1, f.agent(t, testTeam, "agent-1").NumActiveTasks)
}
