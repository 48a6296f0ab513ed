// Package storagetest 存储驱动一致性测试
//
// 各驱动（memstore、repository、mongostore）在自己的 _test.go 中调用 Run，
// 保证条件更新在所有后端上语义一致。
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 为每个子测试创建一个空的存储
type Factory func(t *testing.T) storage.Store

const team = "team-a"

// base 毫秒精度的固定时间，SQL 驱动按毫秒存储
var base = time.UnixMilli(1_760_000_000_000).UTC()

// Run 执行全部一致性用例
func Run(t *testing.T, newStore Factory) {
	t.Run("JobDefCRUD", func(t *testing.T) { testJobDefCRUD(t, newStore(t)) })
	t.Run("TaskDefSave", func(t *testing.T) { testTaskDefSave(t, newStore(t)) })
	t.Run("StepDefSave", func(t *testing.T) { testStepDefSave(t, newStore(t)) })
	t.Run("Heartbeat", func(t *testing.T) { testHeartbeat(t, newStore(t)) })
	t.Run("MarkOffline", func(t *testing.T) { testMarkOffline(t, newStore(t)) })
	t.Run("AgentSlots", func(t *testing.T) { testAgentSlots(t, newStore(t)) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("TaskOutcomeTransition", func(t *testing.T) { testOutcomeTransition(t, newStore(t)) })
	t.Run("TaskOutcomeFilter", func(t *testing.T) { testOutcomeFilter(t, newStore(t)) })
	t.Run("SlotReleasedOnce", func(t *testing.T) { testSlotReleased(t, newStore(t)) })
	t.Run("PullAttemptedAgent", func(t *testing.T) { testPullAttempted(t, newStore(t)) })
	t.Run("StepUpdates", func(t *testing.T) { testStepUpdates(t, newStore(t)) })
}

// ============================================================================
// 定义
// ============================================================================

func newJobDef(id string) *model.JobDefinition {
	return &model.JobDefinition{
		ID:        id,
		TeamID:    team,
		Name:      "job " + id,
		Status:    model.JobDefStatusRunning,
		Variables: model.Variables{"env": {Value: "prod"}},
		Version:   1,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func newTaskDef(id, jobDefID, name string, order int) *model.TaskDefinition {
	return &model.TaskDefinition{
		ID:        id,
		TeamID:    team,
		JobDefID:  jobDefID,
		Name:      name,
		Target:    model.SingleAgent(),
		Order:     order,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testJobDefCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	jd := newJobDef("jd-1")
	require.NoError(t, s.CreateJobDef(ctx, jd))
	assert.ErrorIs(t, s.CreateJobDef(ctx, jd), storage.ErrDuplicate)

	got, err := s.GetJobDef(ctx, team, "jd-1")
	require.NoError(t, err)
	assert.Equal(t, "job jd-1", got.Name)
	assert.Equal(t, "prod", got.Variables.Get("env"))

	_, err = s.GetJobDef(ctx, "team-b", "jd-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got.Status = model.JobDefStatusPaused
	got.Version = 2
	require.NoError(t, s.UpdateJobDef(ctx, got))
	got, err = s.GetJobDef(ctx, team, "jd-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobDefStatusPaused, got.Status)
	assert.Equal(t, 2, got.Version)

	list, err := s.ListJobDefs(ctx, team)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// 删除作业定义级联删除任务与步骤
	require.NoError(t, s.SaveTaskDefs(ctx, team, "jd-1", []*model.TaskDefinition{newTaskDef("td-1", "jd-1", "a", 0)}, nil))
	require.NoError(t, s.SaveStepDefs(ctx, team, "td-1", []*model.StepDefinition{{ID: "sd-1", TeamID: team, TaskDefID: "td-1", Name: "s", Order: 1}}, nil))
	require.NoError(t, s.DeleteJobDef(ctx, team, "jd-1"))
	_, err = s.GetJobDef(ctx, team, "jd-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetTaskDef(ctx, team, "td-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetStepDef(ctx, team, "sd-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteJobDef(ctx, team, "jd-1"), storage.ErrNotFound)
}

func testTaskDefSave(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJobDef(ctx, newJobDef("jd-1")))

	a := newTaskDef("td-a", "jd-1", "extract", 0)
	b := newTaskDef("td-b", "jd-1", "load", 1)
	b.FromRoutes = []model.Route{{Task: "extract", Label: "ok"}}
	c := newTaskDef("td-c", "jd-1", "notify", 1)
	c.Target = model.SingleSpecificAgent("agent-1")
	require.NoError(t, s.SaveTaskDefs(ctx, team, "jd-1", []*model.TaskDefinition{a, b, c}, nil))

	list, err := s.ListTaskDefs(ctx, team, "jd-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"extract", "load", "notify"}, []string{list[0].Name, list[1].Name, list[2].Name})
	assert.Equal(t, []model.Route{{Task: "extract", Label: "ok"}}, list[1].FromRoutes)

	n, err := s.CountTaskDefsTargetingAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 一次提交内的改名 + 删除
	renamed := b.Clone()
	renamed.Name = "load-v2"
	require.NoError(t, s.SaveTaskDefs(ctx, team, "jd-1", []*model.TaskDefinition{renamed}, []string{"td-c"}))
	list, err = s.ListTaskDefs(ctx, team, "jd-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "load-v2", list[1].Name)
	n, err = s.CountTaskDefsTargetingAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 跨作业写入被拒绝
	other := newTaskDef("td-x", "jd-2", "x", 0)
	assert.ErrorIs(t, s.SaveTaskDefs(ctx, team, "jd-1", []*model.TaskDefinition{other}, nil), storage.ErrConflict)
}

func testStepDefSave(t *testing.T, s storage.Store) {
	ctx := context.Background()
	steps := []*model.StepDefinition{
		{ID: "sd-2", TeamID: team, TaskDefID: "td-1", Name: "second", Order: 2, Command: "echo", CreatedAt: base, UpdatedAt: base},
		{ID: "sd-1", TeamID: team, TaskDefID: "td-1", Name: "first", Order: 1, Script: "#!/bin/sh", CreatedAt: base, UpdatedAt: base},
	}
	require.NoError(t, s.SaveStepDefs(ctx, team, "td-1", steps, nil))

	list, err := s.ListStepDefs(ctx, team, "td-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "#!/bin/sh", list[0].Script)

	// 换位
	list[0].Order, list[1].Order = 2, 1
	require.NoError(t, s.SaveStepDefs(ctx, team, "td-1", list, nil))
	list, err = s.ListStepDefs(ctx, team, "td-1")
	require.NoError(t, err)
	assert.Equal(t, "second", list[0].Name)

	require.NoError(t, s.SaveStepDefs(ctx, team, "td-1", nil, []string{"sd-2"}))
	list, err = s.ListStepDefs(ctx, team, "td-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sd-1", list[0].ID)
}

// ============================================================================
// Agent
// ============================================================================

func heartbeat(id string, at time.Time) *model.AgentHeartbeat {
	return &model.AgentHeartbeat{TeamID: team, AgentID: id, Name: "host-" + id, Tags: map[string]string{"os": "linux"}, Time: at}
}

func testHeartbeat(t *testing.T, s storage.Store) {
	ctx := context.Background()
	prev, cur, err := s.RecordHeartbeat(ctx, heartbeat("agent-1", base))
	require.NoError(t, err)
	assert.Nil(t, prev)
	require.NotNil(t, cur)
	assert.True(t, cur.LastHeartbeatTime.Equal(base))
	assert.False(t, cur.Offline)
	assert.Equal(t, "linux", cur.Tags["os"])

	later := base.Add(10 * time.Second)
	prev, cur, err = s.RecordHeartbeat(ctx, heartbeat("agent-1", later))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.LastHeartbeatTime.Equal(base))
	assert.True(t, cur.LastHeartbeatTime.Equal(later))

	off := false
	updated, err := s.UpdateAgentOverrides(ctx, team, "agent-1", model.AgentOverrides{MaxActiveTasks: 3, HandleGeneralTasks: &off})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.PropertyOverrides.MaxActiveTasks)
	assert.False(t, updated.PropertyOverrides.AcceptsGeneralTasks())

	// 心跳不覆盖用户设置
	_, cur, err = s.RecordHeartbeat(ctx, heartbeat("agent-1", later.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 3, cur.PropertyOverrides.MaxActiveTasks)

	agents, err := s.ListAgents(ctx, team)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, s.DeleteAgent(ctx, team, "agent-1"))
	_, err = s.GetAgent(ctx, team, "agent-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMarkOffline(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, _, err := s.RecordHeartbeat(ctx, heartbeat("agent-1", base))
	require.NoError(t, err)
	_, _, err = s.RecordHeartbeat(ctx, heartbeat("agent-2", base.Add(time.Minute)))
	require.NoError(t, err)

	stale, err := s.ListStaleAgents(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "agent-1", stale[0].ID)

	// 期间来了新心跳：CAS 失败
	newer := base.Add(5 * time.Second)
	_, _, err = s.RecordHeartbeat(ctx, heartbeat("agent-1", newer))
	require.NoError(t, err)
	ok, err := s.MarkAgentOffline(ctx, team, "agent-1", base)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkAgentOffline(ctx, team, "agent-1", newer)
	require.NoError(t, err)
	assert.True(t, ok)

	// 重复标记无效果
	ok, err = s.MarkAgentOffline(ctx, team, "agent-1", newer)
	require.NoError(t, err)
	assert.False(t, ok)

	stale, err = s.ListStaleAgents(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// 心跳恢复在线
	_, cur, err := s.RecordHeartbeat(ctx, heartbeat("agent-1", base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.False(t, cur.Offline)
}

func testAgentSlots(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, _, err := s.RecordHeartbeat(ctx, heartbeat("agent-1", base))
	require.NoError(t, err)
	_, err = s.UpdateAgentOverrides(ctx, team, "agent-1", model.AgentOverrides{MaxActiveTasks: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := s.TryReserveAgentSlot(ctx, team, "agent-1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.TryReserveAgentSlot(ctx, team, "agent-1", base)
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := s.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumActiveTasks)
	assert.True(t, a.LastTaskAssignedTime.Equal(base.Add(time.Second)))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.ReleaseAgentSlot(ctx, team, "agent-1"))
	}
	a, err = s.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.NumActiveTasks)

	// 不限制
	_, err = s.UpdateAgentOverrides(ctx, team, "agent-1", model.AgentOverrides{MaxActiveTasks: 0})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		ok, err := s.TryReserveAgentSlot(ctx, team, "agent-1", base)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err = s.TryReserveAgentSlot(ctx, team, "ghost", base)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentReserve(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, _, err := s.RecordHeartbeat(ctx, heartbeat("agent-1", base))
	require.NoError(t, err)
	_, err = s.UpdateAgentOverrides(ctx, team, "agent-1", model.AgentOverrides{MaxActiveTasks: 5})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryReserveAgentSlot(ctx, team, "agent-1", base)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)

	a, err := s.GetAgent(ctx, team, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 5, a.NumActiveTasks)
}

// ============================================================================
// 作业实例与执行记录
// ============================================================================

func testJobs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	job := &model.JobInstance{ID: "job-1", TeamID: team, JobDefID: "jd-1", Name: "nightly", Status: model.JobStatusRunning, DateStarted: base, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.CreateJob(ctx, &model.JobInstance{ID: "job-2", TeamID: team, JobDefID: "jd-1", Status: model.JobStatusCompleted, DateStarted: base, CreatedAt: base, UpdatedAt: base}))

	for i, id := range []string{"queued-2", "queued-1"} {
		at := base.Add(time.Duration(1-i) * time.Second)
		require.NoError(t, s.CreateJob(ctx, &model.JobInstance{ID: id, TeamID: team, JobDefID: "jd-1", Status: model.JobStatusNotStarted, DateStarted: at, CreatedAt: at, UpdatedAt: at}))
	}

	// 排队中的实例不占用 maxInstances
	n, err := s.CountActiveJobs(ctx, team, "jd-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued, err := s.ListQueuedJobs(ctx, team, "jd-1", 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "queued-1", queued[0].ID)
	assert.Equal(t, "queued-2", queued[1].ID)

	queued, err = s.ListQueuedJobs(ctx, team, "jd-1", 1)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "queued-1", queued[0].ID)

	done := base.Add(time.Minute)
	require.NoError(t, s.UpdateJobStatus(ctx, team, "job-1", model.JobStatusFailed, &done))
	got, err := s.GetJob(ctx, team, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.DateCompleted)
	assert.True(t, got.DateCompleted.Equal(done))

	n, err = s.CountActiveJobs(ctx, team, "jd-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 重新发布后回到 RUNNING，完成时间清空
	require.NoError(t, s.UpdateJobStatus(ctx, team, "job-1", model.JobStatusRunning, nil))
	got, err = s.GetJob(ctx, team, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got.DateCompleted)

	assert.ErrorIs(t, s.UpdateJobStatus(ctx, team, "job-x", model.JobStatusRunning, nil), storage.ErrNotFound)
}

func newOutcome(id string, status model.TaskStatus, offset time.Duration) *model.TaskOutcome {
	return &model.TaskOutcome{
		ID:        id,
		TeamID:    team,
		JobID:     "job-1",
		JobDefID:  "jd-1",
		TaskDefID: "td-" + id,
		TaskName:  "task-" + id,
		Target:    model.SingleAgentWithTags(map[string]string{"os": "linux"}),
		Status:    status,
		CreatedAt: base.Add(offset),
		UpdatedAt: base.Add(offset),
	}
}

func testOutcomeTransition(t *testing.T, s storage.Store) {
	ctx := context.Background()
	o := newOutcome("o-1", model.TaskStatusNotStarted, 0)
	o.RuntimeVars = model.Variables{"a": {Value: "1"}}
	require.NoError(t, s.CreateTaskOutcome(ctx, o))
	assert.ErrorIs(t, s.CreateTaskOutcome(ctx, o), storage.ErrDuplicate)

	got, err := s.TransitionTaskOutcome(ctx, team, "o-1",
		storage.GuardStatuses(model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent),
		storage.OutcomeUpdate{
			Status:            storage.Ptr(model.TaskStatusPublished),
			AgentID:           storage.Ptr("agent-1"),
			AddAttemptedAgent: "agent-1",
		})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPublished, got.Status)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, []string{"agent-1"}, got.AttemptedAgentIDs)
	assert.Equal(t, "linux", got.Target.Tags["os"])

	// 守卫不满足
	_, err = s.TransitionTaskOutcome(ctx, team, "o-1",
		storage.GuardStatuses(model.TaskStatusNotStarted),
		storage.OutcomeUpdate{Status: storage.Ptr(model.TaskStatusPublished)})
	assert.ErrorIs(t, err, storage.ErrConflict)

	started := base.Add(time.Second)
	got, err = s.TransitionTaskOutcome(ctx, team, "o-1",
		storage.GuardForward(model.TaskStatusSucceeded),
		storage.OutcomeUpdate{
			Status:            storage.Ptr(model.TaskStatusSucceeded),
			Route:             storage.Ptr("ok"),
			RuntimeVars:       model.Variables{"b": {Value: "2"}},
			AddAttemptedAgent: "agent-1",
			DateStarted:       &started,
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Route)
	assert.Equal(t, "1", got.RuntimeVars.Get("a"))
	assert.Equal(t, "2", got.RuntimeVars.Get("b"))
	assert.Len(t, got.AttemptedAgentIDs, 1)
	require.NotNil(t, got.DateStarted)
	assert.True(t, got.DateStarted.Equal(started))

	// 终态不可回退
	_, err = s.TransitionTaskOutcome(ctx, team, "o-1",
		storage.GuardForward(model.TaskStatusFailed),
		storage.OutcomeUpdate{Status: storage.Ptr(model.TaskStatusFailed)})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.TransitionTaskOutcome(ctx, team, "missing", storage.OutcomeGuard{}, storage.OutcomeUpdate{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err := s.GetTaskOutcome(ctx, team, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, stored.Status)
}

func testOutcomeFilter(t *testing.T, s storage.Store) {
	ctx := context.Background()
	waiting := newOutcome("o-1", model.TaskStatusWaitingForAgent, 0)
	running := newOutcome("o-2", model.TaskStatusRunning, time.Second)
	running.AgentID = "agent-1"
	failed := newOutcome("o-3", model.TaskStatusFailed, 2*time.Second)
	failed.AgentID = "agent-1"
	failed.ReplacedBy = "o-4"
	stopping := newOutcome("o-5", model.TaskStatusCanceling, 3*time.Second)
	stopAt := base.Add(time.Minute)
	stopping.StopRequestedAt = &stopAt
	other := newOutcome("o-6", model.TaskStatusRunning, 4*time.Second)
	other.TeamID = "team-b"
	for _, o := range []*model.TaskOutcome{waiting, running, failed, stopping, other} {
		require.NoError(t, s.CreateTaskOutcome(ctx, o))
	}

	ids := func(f storage.TaskOutcomeFilter) []string {
		list, err := s.ListTaskOutcomes(ctx, f)
		require.NoError(t, err)
		out := make([]string, 0, len(list))
		for _, o := range list {
			out = append(out, o.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter storage.TaskOutcomeFilter
		want   []string
	}{
		{"按团队", storage.TaskOutcomeFilter{TeamID: team}, []string{"o-1", "o-2", "o-3", "o-5"}},
		{"按状态", storage.TaskOutcomeFilter{TeamID: team, Statuses: []model.TaskStatus{model.TaskStatusWaitingForAgent}}, []string{"o-1"}},
		{"按 Agent 且未结束", storage.TaskOutcomeFilter{TeamID: team, AgentID: "agent-1", StatusBelow: model.TaskStatusSucceeded}, []string{"o-2"}},
		{"只看当前记录", storage.TaskOutcomeFilter{TeamID: team, JobID: "job-1", CurrentOnly: true}, []string{"o-1", "o-2", "o-5"}},
		{"停止请求超时", storage.TaskOutcomeFilter{Statuses: []model.TaskStatus{model.TaskStatusCanceling}, StopRequestedBefore: storage.Ptr(base.Add(2 * time.Minute))}, []string{"o-5"}},
		{"停止请求未超时", storage.TaskOutcomeFilter{Statuses: []model.TaskStatus{model.TaskStatusCanceling}, StopRequestedBefore: storage.Ptr(base)}, []string{}},
		{"跨团队限量", storage.TaskOutcomeFilter{Limit: 2}, []string{"o-1", "o-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.filter))
		})
	}
}

func testSlotReleased(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTaskOutcome(ctx, newOutcome("o-1", model.TaskStatusRunning, 0)))

	ok, err := s.MarkSlotReleased(ctx, team, "o-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkSlotReleased(ctx, team, "o-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.MarkSlotReleased(ctx, team, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPullAttempted(t *testing.T, s storage.Store) {
	ctx := context.Background()
	waiting := newOutcome("o-1", model.TaskStatusWaitingForAgent, 0)
	waiting.AttemptedAgentIDs = []string{"agent-1", "agent-2"}
	running := newOutcome("o-2", model.TaskStatusRunning, time.Second)
	running.AttemptedAgentIDs = []string{"agent-1"}
	require.NoError(t, s.CreateTaskOutcome(ctx, waiting))
	require.NoError(t, s.CreateTaskOutcome(ctx, running))

	require.NoError(t, s.PullAttemptedAgent(ctx, team, "agent-1"))

	got, err := s.GetTaskOutcome(ctx, team, "o-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, got.AttemptedAgentIDs)
	got, err = s.GetTaskOutcome(ctx, team, "o-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, got.AttemptedAgentIDs)
}

func testStepUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	steps := []*model.StepOutcome{
		{ID: "st-1", TeamID: team, JobID: "job-1", TaskOutcomeID: "o-1", StepDefID: "sd-1", Name: "first", Order: 1, Status: model.StepStatusSucceeded, CreatedAt: base, UpdatedAt: base},
		{ID: "st-2", TeamID: team, JobID: "job-1", TaskOutcomeID: "o-1", StepDefID: "sd-2", Name: "second", Order: 2, Status: model.StepStatusNotStarted, CreatedAt: base, UpdatedAt: base},
		{ID: "st-3", TeamID: team, JobID: "job-1", TaskOutcomeID: "o-1", StepDefID: "sd-3", Name: "third", Order: 3, Status: model.StepStatusNotStarted, CreatedAt: base, UpdatedAt: base},
	}
	require.NoError(t, s.CreateStepOutcomes(ctx, steps))

	got, err := s.ApplyStepUpdate(ctx, team, "st-2", storage.StepUpdate{LastUpdateID: 1, Status: storage.Ptr(model.StepStatusRunning), AppendStdout: "hello "})
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusRunning, got.Status)

	got, err = s.ApplyStepUpdate(ctx, team, "st-2", storage.StepUpdate{LastUpdateID: 2, AppendStdout: "world", AppendStderr: "warn"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Stdout)
	assert.Equal(t, "warn", got.Stderr)
	assert.Equal(t, int64(2), got.LastUpdateID)

	// 乱序与重复投递
	_, err = s.ApplyStepUpdate(ctx, team, "st-2", storage.StepUpdate{LastUpdateID: 2, AppendStdout: "dup"})
	assert.ErrorIs(t, err, storage.ErrStaleUpdate)
	_, err = s.ApplyStepUpdate(ctx, team, "st-2", storage.StepUpdate{LastUpdateID: 1, AppendStdout: "old"})
	assert.ErrorIs(t, err, storage.ErrStaleUpdate)
	_, err = s.ApplyStepUpdate(ctx, team, "missing", storage.StepUpdate{LastUpdateID: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.InterruptStepOutcomes(ctx, team, "o-1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.ListStepOutcomes(ctx, team, "o-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, model.StepStatusSucceeded, list[0].Status)
	assert.Equal(t, model.StepStatusInterrupted, list[1].Status)
	assert.Equal(t, "hello world", list[1].Stdout)
	assert.Equal(t, model.StepStatusInterrupted, list[2].Status)
}
