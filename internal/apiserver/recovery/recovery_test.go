package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const team = "team-1"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// dispatcherRepublisher 直接用派发器完成重新发布
type dispatcherRepublisher struct {
	store storage.Store
	d     *scheduler.Dispatcher
	err   error
	calls []string
	// during 在重新发布之前调用，模拟恢复进行中发生的事件
	during func()
}

func (r *dispatcherRepublisher) Republish(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error) {
	r.calls = append(r.calls, outcomeID)
	if r.during != nil {
		r.during()
	}
	if r.err != nil {
		return nil, r.err
	}
	o, err := r.store.GetTaskOutcome(ctx, teamID, outcomeID)
	if err != nil {
		return nil, err
	}
	return r.d.Republish(ctx, o)
}

type advancerSpy struct{ jobs []string }

func (a *advancerSpy) Advance(ctx context.Context, teamID, jobID string) error {
	a.jobs = append(a.jobs, jobID)
	return nil
}

type fixture struct {
	store    *memstore.Store
	d        *scheduler.Dispatcher
	rep      *dispatcherRepublisher
	advancer *advancerSpy
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	msg := infra.NewLocalMessaging()
	require.NoError(t, msg.Start(ctx))
	t.Cleanup(func() { msg.Stop() })

	d := scheduler.NewDispatcher(store, msg, &scheduler.Config{ActiveAgentTimeout: time.Hour})
	rep := &dispatcherRepublisher{store: store, d: d}
	adv := &advancerSpy{}
	e := NewEngine(store, d, rep, adv)
	e.now = func() time.Time { return testNow }

	require.NoError(t, store.CreateJob(ctx, &model.JobInstance{ID: "job-1", TeamID: team, JobDefID: "jd-1", Status: model.JobStatusRunning}))
	require.NoError(t, store.SaveStepDefs(ctx, team, "td-1", []*model.StepDefinition{
		{ID: "sd-1", TeamID: team, TaskDefID: "td-1", Name: "run", Order: 1, Command: "make"},
	}, nil))
	return &fixture{store: store, d: d, rep: rep, advancer: adv, engine: e}
}

func (f *fixture) addAgent(t *testing.T, id string) {
	t.Helper()
	_, _, err := f.store.RecordHeartbeat(context.Background(), &model.AgentHeartbeat{TeamID: team, AgentID: id, Time: time.Now().UTC()})
	require.NoError(t, err)
}

// running 创建一条记录，派发后置为 RUNNING，并让它的步骤开始执行
func (f *fixture) running(t *testing.T, id string, autoRestart bool) {
	t.Helper()
	ctx := context.Background()
	o := &model.TaskOutcome{
		ID: id, TeamID: team, JobID: "job-1", JobDefID: "jd-1", TaskDefID: "td-1", TaskName: id,
		Target: model.SingleAgent(), Status: model.TaskStatusNotStarted, AutoRestart: autoRestart,
	}
	require.NoError(t, f.d.CreateOutcome(ctx, o))
	require.NoError(t, f.d.Dispatch(ctx, o))

	running := model.TaskStatusRunning
	_, err := f.store.TransitionTaskOutcome(ctx, team, id, storage.OutcomeGuard{}, storage.OutcomeUpdate{Status: &running})
	require.NoError(t, err)

	steps, err := f.store.ListStepOutcomes(ctx, team, id)
	require.NoError(t, err)
	stepRunning := model.StepStatusRunning
	_, err = f.store.ApplyStepUpdate(ctx, team, steps[0].ID, storage.StepUpdate{LastUpdateID: 1, Status: &stepRunning})
	require.NoError(t, err)
}

func (f *fixture) outcome(t *testing.T, id string) *model.TaskOutcome {
	t.Helper()
	o, err := f.store.GetTaskOutcome(context.Background(), team, id)
	require.NoError(t, err)
	return o
}

func TestRecover_TwoBranchPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1")
	f.running(t, "restart-me", true)
	f.running(t, "leave-me", false)
	f.addAgent(t, "agent-2")

	result, err := f.engine.Recover(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Result{Restarted: 1, Interrupted: 1}, result)

	restarted := f.outcome(t, "restart-me")
	assert.Equal(t, model.TaskStatusCancelled, restarted.Status)
	assert.Equal(t, model.FailureAgentCrashedOrLostConnectivity, restarted.FailureCode)
	require.NotEmpty(t, restarted.ReplacedBy)

	fresh := f.outcome(t, restarted.ReplacedBy)
	assert.Contains(t, []model.TaskStatus{model.TaskStatusWaitingForAgent, model.TaskStatusPublished}, fresh.Status)
	assert.Equal(t, "agent-2", fresh.AgentID, "替代记录避开失联的 Agent")

	left := f.outcome(t, "leave-me")
	assert.Equal(t, model.TaskStatusInterrupted, left.Status)
	assert.Equal(t, model.FailureAgentCrashedOrLostConnectivity, left.FailureCode)
	assert.Empty(t, left.ReplacedBy, "非 autoRestart 任务不自动重启")

	all, err := f.store.ListTaskOutcomes(ctx, storage.TaskOutcomeFilter{TeamID: team})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	for _, id := range []string{"restart-me", "leave-me"} {
		steps, err := f.store.ListStepOutcomes(ctx, team, id)
		require.NoError(t, err)
		assert.Equal(t, model.StepStatusInterrupted, steps[0].Status)
		require.NotNil(t, steps[0].DateCompleted)
		assert.Equal(t, testNow, *steps[0].DateCompleted)
	}

	a, err := f.store.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.True(t, a.Offline)
	assert.Equal(t, 0, a.NumActiveTasks, "槽位已归还")
	assert.Equal(t, []string{"job-1"}, f.advancer.jobs)
}

func TestRecover_ContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "agent-1")
	f.running(t, "a", true)
	f.running(t, "b", false)
	f.rep.err = errors.New("queue down")

	result, err := f.engine.Recover(context.Background(), team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.Failed)
	assert.Equal(t, 1, result.Interrupted)
	assert.Equal(t, model.TaskStatusInterrupted, f.outcome(t, "b").Status)
}

func TestRecover_SkipsSettledAndUnpublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1")
	f.running(t, "done", false)
	succeeded := model.TaskStatusSucceeded
	_, err := f.store.TransitionTaskOutcome(ctx, team, "done", storage.OutcomeGuard{}, storage.OutcomeUpdate{Status: &succeeded})
	require.NoError(t, err)

	// 锁定到该 Agent 但尚未发布的扇出兄弟记录
	require.NoError(t, f.d.CreateOutcome(ctx, &model.TaskOutcome{
		ID: "sibling", TeamID: team, JobID: "job-1", TaskDefID: "td-1",
		Target: model.AllAgents(), Status: model.TaskStatusWaitingForAgent, AgentID: "agent-1", FanOutOf: "parent",
	}))

	result, err := f.engine.Recover(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total())
	assert.Equal(t, model.TaskStatusSucceeded, f.outcome(t, "done").Status)
	assert.Equal(t, model.TaskStatusWaitingForAgent, f.outcome(t, "sibling").Status)
	assert.Empty(t, f.rep.calls)
}

func TestRecover_StopRequests(t *testing.T) {
	tests := []struct {
		name        string
		autoRestart bool
		cancel      bool
		want        model.TaskStatus
	}{
		{name: "取消中的记录直接取消", autoRestart: true, cancel: true, want: model.TaskStatusCancelled},
		{name: "中断中的记录不重启", autoRestart: true, want: model.TaskStatusInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addAgent(t, "agent-1")
			f.running(t, "o-1", tt.autoRestart)
			_, _, err := f.d.RequestStop(context.Background(), f.outcome(t, "o-1"), tt.cancel)
			require.NoError(t, err)

			_, err = f.engine.Recover(context.Background(), team, "agent-1")
			require.NoError(t, err)
			got := f.outcome(t, "o-1")
			assert.Equal(t, tt.want, got.Status)
			assert.Empty(t, got.ReplacedBy)
			assert.Empty(t, f.rep.calls)
		})
	}
}

func TestExpireStopRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1")
	f.running(t, "stuck", false)
	f.running(t, "fresh", false)
	f.running(t, "busy", false)

	old := testNow.Add(-10 * time.Minute)
	for id, at := range map[string]time.Time{"stuck": old, "fresh": testNow} {
		canceling := model.TaskStatusCanceling
		_, err := f.store.TransitionTaskOutcome(ctx, team, id, storage.OutcomeGuard{},
			storage.OutcomeUpdate{Status: &canceling, StopRequestedAt: storage.Ptr(at)})
		require.NoError(t, err)
	}

	n, err := f.engine.ExpireStopRequests(ctx, testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.TaskStatusInterrupted, f.outcome(t, "stuck").Status)
	assert.Equal(t, model.TaskStatusCanceling, f.outcome(t, "fresh").Status)
	assert.Equal(t, model.TaskStatusRunning, f.outcome(t, "busy").Status)
	assert.Equal(t, []string{"job-1"}, f.advancer.jobs)

	a, err := f.store.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumActiveTasks)
}

func TestRecover_HeartbeatDuringRecoveryKeepsAgentOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1")
	f.running(t, "o-1", true)
	f.rep.during = func() {
		_, _, err := f.store.RecordHeartbeat(ctx, &model.AgentHeartbeat{TeamID: team, AgentID: "agent-1", Time: time.Now().UTC().Add(time.Second)})
		require.NoError(t, err)
	}

	result, err := f.engine.Recover(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restarted)

	a, err := f.store.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.False(t, a.Offline, "恢复期间到达的心跳优先")
}

func TestRecoverOffline_KeepsOfflineFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-1")
	f.running(t, "o-1", false)

	result, err := f.engine.RecoverOffline(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Interrupted)
	assert.Equal(t, model.TaskStatusInterrupted, f.outcome(t, "o-1").Status)

	a, err := f.store.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.False(t, a.Offline, "离线标记由调用方负责")
}

// settleStore 在第一次带条件的状态迁移前让 Agent 抢先把记录报告为成功
type settleStore struct {
	storage.Store
	settled bool
}

func (s *settleStore) TransitionTaskOutcome(ctx context.Context, teamID, id string, guard storage.OutcomeGuard, update storage.OutcomeUpdate) (*model.TaskOutcome, error) {
	if !s.settled && (len(guard.Statuses) > 0 || guard.StatusBelow != 0) {
		s.settled = true
		succeeded := model.TaskStatusSucceeded
		if _, err := s.Store.TransitionTaskOutcome(ctx, teamID, id, storage.OutcomeGuard{}, storage.OutcomeUpdate{Status: &succeeded}); err != nil {
			return nil, err
		}
	}
	return s.Store.TransitionTaskOutcome(ctx, teamID, id, guard, update)
}

func TestRecover_AgentFinishedFirstKeepsSteps(t *testing.T) {
	tests := []struct {
		name string
		run  func(e *Engine) error
		stop bool
	}{
		{name: "孤儿恢复", run: func(e *Engine) error {
			_, err := e.Recover(context.Background(), team, "agent-1")
			return err
		}},
		{name: "停止请求超时", stop: true, run: func(e *Engine) error {
			_, err := e.ExpireStopRequests(context.Background(), testNow)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.addAgent(t, "agent-1")
			f.running(t, "o-1", false)
			if tt.stop {
				interrupting := model.TaskStatusInterrupting
				_, err := f.store.TransitionTaskOutcome(ctx, team, "o-1", storage.OutcomeGuard{},
					storage.OutcomeUpdate{Status: &interrupting, StopRequestedAt: storage.Ptr(testNow.Add(-time.Hour))})
				require.NoError(t, err)
			}

			e := NewEngine(&settleStore{Store: f.store}, f.d, f.rep, f.advancer)
			e.now = func() time.Time { return testNow }
			require.NoError(t, tt.run(e))

			assert.Equal(t, model.TaskStatusSucceeded, f.outcome(t, "o-1").Status)
			steps, err := f.store.ListStepOutcomes(ctx, team, "o-1")
			require.NoError(t, err)
			assert.Equal(t, model.StepStatusRunning, steps[0].Status)
			assert.Nil(t, steps[0].DateCompleted)
		})
	}
}
