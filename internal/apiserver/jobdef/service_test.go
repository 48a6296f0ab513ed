package jobdef

import (
	"context"
	"errors"
	"testing"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage/memstore"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const team = "team-1"

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(memstore.New(), nil, nil)
}

// launcherSpy 记录 LaunchReady 调用
type launcherSpy struct{ calls []string }

func (l *launcherSpy) LaunchReady(ctx context.Context, teamID, jobDefID string) (int, error) {
	l.calls = append(l.calls, jobDefID)
	return 1, nil
}

func task(name string, from ...string) *model.TaskDefinition {
	td := &model.TaskDefinition{Name: name, Target: model.SingleAgent()}
	for _, f := range from {
		td.FromRoutes = append(td.FromRoutes, model.Route{Task: f})
	}
	return td
}

// seed 创建作业 A → B → C，返回作业定义 id 和按名称索引的任务
func seed(t *testing.T, s *Service) (string, map[string]*model.TaskDefinition) {
	t.Helper()
	jd, err := s.CreateJobDef(context.Background(), team, &model.JobDefinition{Name: "pipeline"},
		[]*model.TaskDefinition{task("A"), task("B", "A"), task("C", "B")})
	require.NoError(t, err)
	tasks, err := s.ListTaskDefs(context.Background(), team, jd.ID)
	require.NoError(t, err)
	byName := map[string]*model.TaskDefinition{}
	for _, td := range tasks {
		byName[td.Name] = td
	}
	return jd.ID, byName
}

func TestCreateJobDef(t *testing.T) {
	tests := []struct {
		name      string
		jd        *model.JobDefinition
		tasks     []*model.TaskDefinition
		wantErr   func(error) bool
		wantCycle []string
	}{
		{name: "无任务", jd: &model.JobDefinition{Name: "empty"}},
		{name: "孤立任务是合法的根任务", jd: &model.JobDefinition{Name: "x"}, tasks: []*model.TaskDefinition{task("solo")}},
		{name: "缺少名称", jd: &model.JobDefinition{}, wantErr: errdefs.IsInvalidArgument},
		{name: "maxInstances 为负", jd: &model.JobDefinition{Name: "x", MaxInstances: -1}, wantErr: errdefs.IsInvalidArgument},
		{name: "任务名重复", jd: &model.JobDefinition{Name: "x"}, tasks: []*model.TaskDefinition{task("A"), task("A")}, wantErr: errdefs.IsInvalidArgument},
		{
			name:      "环上的全部任务都被列出",
			jd:        &model.JobDefinition{Name: "x"},
			tasks:     []*model.TaskDefinition{task("A", "C"), task("B", "A"), task("C", "B"), task("D", "A")},
			wantErr:   errdefs.IsInvalidArgument,
			wantCycle: []string{"A", "B", "C"},
		},
		{
			name: "ALL_AGENTS 不能自动重启",
			jd:   &model.JobDefinition{Name: "x"},
			tasks: []*model.TaskDefinition{{Name: "fan", Target: model.AllAgents(), AutoRestart: true}},
			wantErr: errdefs.IsInvalidArgument,
		},
		{
			name:    "带标签目标缺少标签",
			jd:      &model.JobDefinition{Name: "x"},
			tasks:   []*model.TaskDefinition{{Name: "t", Target: model.Target{Kind: model.TargetSingleAgentWithTags}}},
			wantErr: errdefs.IsInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t)
			jd, err := s.CreateJobDef(context.Background(), team, tt.jd, tt.tasks)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), "unexpected error: %v", err)
				var cyc *model.CyclicDependencyError
				if tt.wantCycle != nil {
					require.True(t, errors.As(err, &cyc))
					assert.Equal(t, tt.wantCycle, cyc.TaskNames)
				}
				defs, _ := s.ListJobDefs(context.Background(), team)
				assert.Empty(t, defs, "校验失败不留下任何数据")
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, jd.ID)
			assert.Equal(t, 1, jd.Version)
			assert.Equal(t, model.JobDefStatusRunning, jd.Status)

			tasks, err := s.ListTaskDefs(context.Background(), team, jd.ID)
			require.NoError(t, err)
			assert.Len(t, tasks, len(tt.tasks))
		})
	}
}

func TestUpdateJobDef(t *testing.T) {
	s := newService(t)
	id, _ := seed(t, s)

	paused := model.JobDefStatusPaused
	max := 3
	jd, err := s.UpdateJobDef(context.Background(), team, id, JobDefUpdate{Status: &paused, MaxInstances: &max})
	require.NoError(t, err)
	assert.Equal(t, model.JobDefStatusPaused, jd.Status)
	assert.Equal(t, 3, jd.MaxInstances)
	assert.Equal(t, 2, jd.Version)
	assert.Equal(t, "pipeline", jd.Name, "未给出的字段保持不变")

	bad := model.JobDefStatus(99)
	_, err = s.UpdateJobDef(context.Background(), team, id, JobDefUpdate{Status: &bad})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = s.UpdateJobDef(context.Background(), team, "missing", JobDefUpdate{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUpdateJobDef_LaunchesQueuedJobs(t *testing.T) {
	paused, running := model.JobDefStatusPaused, model.JobDefStatusRunning
	two, four, unlimited := 2, 4, 0
	name := "renamed"
	tests := []struct {
		name       string
		initial    JobDefUpdate
		update     JobDefUpdate
		wantLaunch bool
	}{
		{name: "恢复运行", initial: JobDefUpdate{Status: &paused}, update: JobDefUpdate{Status: &running}, wantLaunch: true},
		{name: "调大最大实例数", initial: JobDefUpdate{MaxInstances: &two}, update: JobDefUpdate{MaxInstances: &four}, wantLaunch: true},
		{name: "取消实例数限制", initial: JobDefUpdate{MaxInstances: &two}, update: JobDefUpdate{MaxInstances: &unlimited}, wantLaunch: true},
		{name: "调小最大实例数", initial: JobDefUpdate{MaxInstances: &four}, update: JobDefUpdate{MaxInstances: &two}},
		{name: "暂停期间调大最大实例数", initial: JobDefUpdate{Status: &paused, MaxInstances: &two}, update: JobDefUpdate{MaxInstances: &four}},
		{name: "只改名", update: JobDefUpdate{Name: &name}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &launcherSpy{}
			s := NewService(memstore.New(), nil, spy)
			id, _ := seed(t, s)
			_, err := s.UpdateJobDef(context.Background(), team, id, tt.initial)
			require.NoError(t, err)
			spy.calls = nil

			_, err = s.UpdateJobDef(context.Background(), team, id, tt.update)
			require.NoError(t, err)
			if tt.wantLaunch {
				assert.Equal(t, []string{id}, spy.calls)
			} else {
				assert.Empty(t, spy.calls)
			}
		})
	}
}

func TestUpdateTaskDef_RenamePropagates(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	id, tasks := seed(t, s)

	// C 同时通过 toRoutes 引用 B，且带标签
	c := tasks["C"].Clone()
	c.FromRoutes = []model.Route{{Task: "B", Label: "^ok$"}, {Task: "A"}}
	_, err := s.UpdateTaskDef(ctx, team, c.ID, c)
	require.NoError(t, err)

	renamed := tasks["B"].Clone()
	renamed.Name = "Transform"
	change, err := s.UpdateTaskDef(ctx, team, renamed.ID, renamed)
	require.NoError(t, err)
	assert.Equal(t, "Transform", change.Task.Name)
	assert.Equal(t, []string{tasks["C"].ID}, change.Updated)

	got, err := s.GetTaskDef(ctx, team, tasks["C"].ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Route{{Task: "Transform", Label: "^ok$"}, {Task: "A"}}, got.FromRoutes)

	all, err := s.ListTaskDefs(ctx, team, id)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateTaskDef_RejectsCycleWithoutWriting(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, tasks := seed(t, s)

	a := tasks["A"].Clone()
	a.FromRoutes = []model.Route{{Task: "C"}}
	_, err := s.UpdateTaskDef(ctx, team, a.ID, a)
	var cyc *model.CyclicDependencyError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"A", "B", "C"}, cyc.TaskNames)

	got, err := s.GetTaskDef(ctx, team, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FromRoutes)

	// 改名成已存在的名字
	dup := tasks["A"].Clone()
	dup.Name = "B"
	_, err = s.UpdateTaskDef(ctx, team, dup.ID, dup)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDeleteTaskDef_StripsRoutes(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	id, tasks := seed(t, s)

	change, err := s.DeleteTaskDef(ctx, team, tasks["B"].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tasks["C"].ID}, change.Updated)

	c, err := s.GetTaskDef(ctx, team, tasks["C"].ID)
	require.NoError(t, err)
	assert.Empty(t, c.FromRoutes, "C 成为根任务")

	all, err := s.ListTaskDefs(ctx, team, id)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.DeleteTaskDef(ctx, team, tasks["B"].ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreateTaskDef(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	id, _ := seed(t, s)

	td := task("D", "C")
	td.JobDefID = id
	created, err := s.CreateTaskDef(ctx, team, td)
	require.NoError(t, err)
	assert.Equal(t, 4, created.Order)

	loop := task("E", "E")
	loop.JobDefID = id
	_, err = s.CreateTaskDef(ctx, team, loop)
	assert.True(t, errdefs.IsInvalidArgument(err))

	orphan := task("F")
	orphan.JobDefID = "missing"
	_, err = s.CreateTaskDef(ctx, team, orphan)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteJobDef_Cascades(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	id, tasks := seed(t, s)
	_, err := s.CreateStepDef(ctx, team, &model.StepDefinition{TaskDefID: tasks["A"].ID, Name: "run", Command: "make"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteJobDef(ctx, team, id))
	_, err = s.GetTaskDef(ctx, team, tasks["A"].ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.ListStepDefs(ctx, team, tasks["A"].ID)
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(s.DeleteJobDef(ctx, team, id)))
}
