package agent

import (
	"context"
	"testing"
	"time"

	"jobmesh/internal/apiserver/recovery"
	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	team        = "team-1"
	testTimeout = time.Minute
)

// republisher 用派发器完成重新发布
type republisher struct {
	store storage.Store
	d     *scheduler.Dispatcher
	// after 在替代记录创建之后调用
	after func()
}

func (r *republisher) Republish(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error) {
	o, err := r.store.GetTaskOutcome(ctx, teamID, outcomeID)
	if err != nil {
		return nil, err
	}
	fresh, err := r.d.Republish(ctx, o)
	if r.after != nil {
		r.after()
	}
	return fresh, err
}

type fixture struct {
	store   storage.Store
	mem     *memstore.Store
	d       *scheduler.Dispatcher
	rep     *republisher
	monitor *Monitor
}

func newFixture(t *testing.T, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()
	mem := memstore.New()
	var store storage.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	msg := infra.NewLocalMessaging()
	require.NoError(t, msg.Start(context.Background()))
	t.Cleanup(func() { msg.Stop() })

	d := scheduler.NewDispatcher(store, msg, &scheduler.Config{ActiveAgentTimeout: testTimeout})
	rep := &republisher{store: store, d: d}
	engine := recovery.NewEngine(store, d, rep, nil)
	m := NewMonitor(store, d, engine, msg.EventBus, &Config{
		ActiveAgentTimeout: testTimeout,
		RedispatchRetries:  2,
		CancelGracePeriod:  time.Minute,
	})
	t.Cleanup(m.Close)

	require.NoError(t, mem.CreateJob(context.Background(), &model.JobInstance{ID: "job-1", TeamID: team, JobDefID: "jd-1", Status: model.JobStatusRunning}))
	return &fixture{store: store, mem: mem, d: d, rep: rep, monitor: m}
}

func (f *fixture) heartbeat(t *testing.T, id string) *HeartbeatResult {
	t.Helper()
	res, err := f.monitor.RecordHeartbeat(context.Background(), &model.AgentHeartbeat{TeamID: team, AgentID: id, Tags: map[string]string{"os": "linux"}})
	require.NoError(t, err)
	return res
}

func (f *fixture) putAgent(id string, lastHeartbeat time.Time, offline bool) {
	f.mem.PutAgent(&model.Agent{ID: id, TeamID: team, LastHeartbeatTime: lastHeartbeat, Offline: offline})
}

func (f *fixture) runningOutcome(t *testing.T, id, agentID string, autoRestart bool) {
	t.Helper()
	ctx := context.Background()
	o := &model.TaskOutcome{
		ID: id, TeamID: team, JobID: "job-1", JobDefID: "jd-1", TaskDefID: "td-1", TaskName: id,
		Target: model.SingleAgent(), Status: model.TaskStatusNotStarted, AutoRestart: autoRestart,
	}
	require.NoError(t, f.d.CreateOutcome(ctx, o))
	require.NoError(t, f.d.Dispatch(ctx, o))
	running := model.TaskStatusRunning
	got, err := f.store.TransitionTaskOutcome(ctx, team, id, storage.OutcomeGuard{}, storage.OutcomeUpdate{Status: &running})
	require.NoError(t, err)
	require.Equal(t, agentID, got.AgentID)
}

func (f *fixture) outcome(t *testing.T, id string) *model.TaskOutcome {
	t.Helper()
	o, err := f.store.GetTaskOutcome(context.Background(), team, id)
	require.NoError(t, err)
	return o
}

func (f *fixture) agent(t *testing.T, id string) *model.Agent {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), team, id)
	require.NoError(t, err)
	return a
}

func TestRecordHeartbeat_Transitions(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name          string
		setup         func(f *fixture)
		wantReconnect bool
	}{
		{name: "首次心跳", setup: func(f *fixture) {}, wantReconnect: true},
		{name: "在线时的重复心跳", setup: func(f *fixture) { f.putAgent("agent-1", now.Add(-10*time.Second), false) }, wantReconnect: false},
		{name: "超时但未超过两倍超时", setup: func(f *fixture) { f.putAgent("agent-1", now.Add(-90*time.Second), false) }, wantReconnect: false},
		{name: "间隔超过两倍超时", setup: func(f *fixture) { f.putAgent("agent-1", now.Add(-3*time.Minute), false) }, wantReconnect: true},
		{name: "已标记离线", setup: func(f *fixture) { f.putAgent("agent-1", now.Add(-10*time.Second), true) }, wantReconnect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.setup(f)

			res := f.heartbeat(t, "agent-1")
			assert.Equal(t, tt.wantReconnect, res.Reconnected)
			assert.NotNil(t, res.TasksToCancel)

			a := f.agent(t, "agent-1")
			assert.False(t, a.Offline)
			assert.Equal(t, map[string]string{"os": "linux"}, a.Tags)
			assert.WithinDuration(t, time.Now(), a.LastHeartbeatTime, 5*time.Second)
		})
	}
}

func TestRecordHeartbeat_RequiresIdentity(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.monitor.RecordHeartbeat(context.Background(), &model.AgentHeartbeat{TeamID: team})
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
}

// 超时 → 清扫置离线并重启 autoRestart 任务 → 心跳恢复在线并重派等待中的替代记录
func TestStaleThenReconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.heartbeat(t, "agent-1")
	f.runningOutcome(t, "o-1", "agent-1", true)

	// 心跳停止超过超时
	f.mem.PutAgent(func() *model.Agent {
		a := f.agent(t, "agent-1")
		a.LastHeartbeatTime = time.Now().UTC().Add(-2 * testTimeout)
		return a
	}())

	offline, err := f.monitor.SweepStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.True(t, f.agent(t, "agent-1").Offline)

	old := f.outcome(t, "o-1")
	assert.Equal(t, model.TaskStatusCancelled, old.Status)
	assert.Equal(t, model.FailureAgentCrashedOrLostConnectivity, old.FailureCode)
	require.NotEmpty(t, old.ReplacedBy)
	fresh := f.outcome(t, old.ReplacedBy)
	assert.Equal(t, model.TaskStatusWaitingForAgent, fresh.Status)
	assert.Equal(t, []string{"agent-1"}, fresh.AttemptedAgentIDs)

	// 重复清扫不再处理
	offline, err = f.monitor.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, offline)

	res := f.heartbeat(t, "agent-1")
	assert.True(t, res.Reconnected)
	assert.Equal(t, []string{"o-1"}, res.TasksToCancel)

	// 重派在后台进行
	require.Eventually(t, func() bool {
		return f.outcome(t, fresh.ID).Status == model.TaskStatusPublished
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, f.agent(t, "agent-1").Offline)
	fresh = f.outcome(t, fresh.ID)
	assert.Equal(t, "agent-1", fresh.AgentID)
	assert.Empty(t, fresh.AttemptedAgentIDs)
}

// raceStore 在清扫读出超时 Agent 之后、CAS 之前插入一次心跳
type raceStore struct {
	storage.Store
	beat func()
}

func (s *raceStore) ListStaleAgents(ctx context.Context, cutoff time.Time, limit int) ([]*model.Agent, error) {
	agents, err := s.Store.ListStaleAgents(ctx, cutoff, limit)
	if s.beat != nil {
		s.beat()
	}
	return agents, err
}

func TestSweepStale_HeartbeatWins(t *testing.T) {
	var rs *raceStore
	f := newFixture(t, func(inner storage.Store) storage.Store {
		rs = &raceStore{Store: inner}
		return rs
	})
	f.putAgent("agent-1", time.Now().UTC().Add(-5*time.Minute), false)
	rs.beat = func() { f.heartbeat(t, "agent-1") }

	offline, err := f.monitor.SweepStale(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, offline)
	assert.False(t, f.agent(t, "agent-1").Offline)
}

// 清扫置离线后的恢复过程中 Agent 重连：恢复结束不能再把它置回离线
func TestSweepStale_ReconnectDuringRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.heartbeat(t, "agent-1")
	f.runningOutcome(t, "o-1", "agent-1", true)
	f.mem.PutAgent(func() *model.Agent {
		a := f.agent(t, "agent-1")
		a.LastHeartbeatTime = time.Now().UTC().Add(-2 * testTimeout)
		return a
	}())
	f.rep.after = func() {
		f.rep.after = nil
		res := f.heartbeat(t, "agent-1")
		assert.True(t, res.Reconnected)
	}

	offline, err := f.monitor.SweepStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.False(t, f.agent(t, "agent-1").Offline, "重连发生在置离线之后，保持在线")

	old := f.outcome(t, "o-1")
	require.NotEmpty(t, old.ReplacedBy)
	require.Eventually(t, func() bool {
		return f.outcome(t, old.ReplacedBy).Status == model.TaskStatusPublished
	}, 5*time.Second, 10*time.Millisecond)
	fresh := f.outcome(t, old.ReplacedBy)
	assert.Equal(t, "agent-1", fresh.AgentID)
}

func TestSweep_ExpiresStopRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.heartbeat(t, "agent-1")
	f.runningOutcome(t, "o-1", "agent-1", false)

	interrupting := model.TaskStatusInterrupting
	_, err := f.store.TransitionTaskOutcome(ctx, team, "o-1", storage.OutcomeGuard{},
		storage.OutcomeUpdate{Status: &interrupting, StopRequestedAt: storage.Ptr(time.Now().UTC().Add(-time.Hour))})
	require.NoError(t, err)

	report, err := f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Offline)
	assert.Equal(t, 1, report.ExpiredStops)
	assert.Equal(t, model.TaskStatusInterrupted, f.outcome(t, "o-1").Status)
	assert.Equal(t, 0, f.agent(t, "agent-1").NumActiveTasks)
}

func TestConfigValidate(t *testing.T) {
	c := &Config{RedispatchRetries: -1}
	c.Validate()
	assert.Equal(t, 120*time.Second, c.ActiveAgentTimeout)
	assert.Equal(t, 0, c.RedispatchRetries)
	assert.Equal(t, 100, c.SweepBatchSize)
	assert.Equal(t, 4*time.Minute, c.ReconnectGap())
}
