// Package jobdef 作业定义、任务定义和步骤定义
//
// 任务定义的任何写入都先在"变更后"的完整任务集合上校验（字段、任务名唯一、无环），
// 通过后一次性写入；改名和删除会同步改写兄弟任务的路由。同一作业定义的写入在
// lock.JobDefKey 下串行，同一任务的步骤写入在 lock.TaskDefKey 下串行。
package jobdef

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"jobmesh/internal/apiserver/graph"
	"jobmesh/internal/shared/lock"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
)

// JobLauncher 启动排队中的作业实例
type JobLauncher interface {
	LaunchReady(ctx context.Context, teamID, jobDefID string) (int, error)
}

// Service 定义管理服务
type Service struct {
	store    storage.Store
	locker   lock.Locker
	launcher JobLauncher
	now      func() time.Time
}

// NewService 创建定义管理服务；launcher 为 nil 时恢复运行不会启动排队实例
func NewService(store storage.Store, locker lock.Locker, launcher JobLauncher) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		store:    store,
		locker:   locker,
		launcher: launcher,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================================
// JobDefinition
// ============================================================================

// CreateJobDef 创建作业定义，可同时带上初始任务
func (s *Service) CreateJobDef(ctx context.Context, teamID string, jd *model.JobDefinition, tasks []*model.TaskDefinition) (*model.JobDefinition, error) {
	now := s.now()
	jd.ID = model.NewID()
	jd.TeamID = teamID
	jd.Version = 1
	jd.CreatedAt, jd.UpdatedAt = now, now
	if jd.Status == 0 {
		jd.Status = model.JobDefStatusRunning
	}
	if err := jd.Validate(); err != nil {
		return nil, err
	}

	for i, td := range tasks {
		s.stampTask(td, teamID, jd.ID, i+1)
	}
	if err := graph.Validate(tasks); err != nil {
		return nil, err
	}

	if err := s.store.CreateJobDef(ctx, jd); err != nil {
		return nil, fmt.Errorf("create job definition: %w", err)
	}
	if len(tasks) > 0 {
		if err := s.store.SaveTaskDefs(ctx, teamID, jd.ID, tasks, nil); err != nil {
			return nil, fmt.Errorf("save task definitions: %w", err)
		}
	}
	log.Printf("[jobdef.created] team=%s jobdef=%s name=%s tasks=%d", teamID, jd.ID, jd.Name, len(tasks))
	return jd, nil
}

func (s *Service) GetJobDef(ctx context.Context, teamID, id string) (*model.JobDefinition, error) {
	jd, err := s.store.GetJobDef(ctx, teamID, id)
	if err != nil {
		return nil, missing("jobdef", id, err)
	}
	return jd, nil
}

func (s *Service) ListJobDefs(ctx context.Context, teamID string) ([]*model.JobDefinition, error) {
	return s.store.ListJobDefs(ctx, teamID)
}

// JobDefUpdate 作业定义的部分更新，nil 字段保持不变
type JobDefUpdate struct {
	Name             *string             `json:"name,omitempty"`
	Status           *model.JobDefStatus `json:"status,omitempty"`
	MaxInstances     *int                `json:"maxInstances,omitempty"`
	MisfireGraceTime *int                `json:"misfireGraceTime,omitempty"`
	Coalesce         *bool               `json:"coalesce,omitempty"`
	Variables        model.Variables     `json:"runtimeVars,omitempty"`
}

// UpdateJobDef 更新作业定义并递增版本号
//
// 从 PAUSED 恢复为 RUNNING 或调大 maxInstances 时启动排队中的实例。
func (s *Service) UpdateJobDef(ctx context.Context, teamID, id string, u JobDefUpdate) (*model.JobDefinition, error) {
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, id))
	if err != nil {
		return nil, fmt.Errorf("lock job definition: %w", err)
	}
	jd, launch, err := s.updateJobDefLocked(ctx, teamID, id, u)
	unlock()
	if err != nil {
		return nil, err
	}

	// 启动排队实例需要同一把作业定义锁
	if launch && s.launcher != nil {
		n, err := s.launcher.LaunchReady(ctx, teamID, id)
		if err != nil {
			log.Printf("[jobdef.launch_failed] team=%s jobdef=%s error=%v", teamID, id, err)
		} else if n > 0 {
			log.Printf("[jobdef.launched] team=%s jobdef=%s jobs=%d", teamID, id, n)
		}
	}
	return jd, nil
}

// updateJobDefLocked 返回值 launch 表示更新放宽了启动条件
func (s *Service) updateJobDefLocked(ctx context.Context, teamID, id string, u JobDefUpdate) (*model.JobDefinition, bool, error) {
	jd, err := s.store.GetJobDef(ctx, teamID, id)
	if err != nil {
		return nil, false, missing("jobdef", id, err)
	}
	prevStatus, prevMax := jd.Status, jd.MaxInstances
	if u.Name != nil {
		jd.Name = *u.Name
	}
	if u.Status != nil {
		jd.Status = *u.Status
	}
	if u.MaxInstances != nil {
		jd.MaxInstances = *u.MaxInstances
	}
	if u.MisfireGraceTime != nil {
		jd.MisfireGraceTime = *u.MisfireGraceTime
	}
	if u.Coalesce != nil {
		jd.Coalesce = *u.Coalesce
	}
	if u.Variables != nil {
		jd.Variables = u.Variables
	}
	if err := jd.Validate(); err != nil {
		return nil, false, err
	}
	jd.Version++
	jd.UpdatedAt = s.now()

	if err := s.store.UpdateJobDef(ctx, jd); err != nil {
		return nil, false, missing("jobdef", id, err)
	}
	if prevStatus != jd.Status {
		log.Printf("[jobdef.status] team=%s jobdef=%s from=%s to=%s", teamID, id, prevStatus, jd.Status)
	}
	log.Printf("[jobdef.updated] team=%s jobdef=%s version=%d", teamID, id, jd.Version)

	resumed := prevStatus == model.JobDefStatusPaused && jd.Status == model.JobDefStatusRunning
	raised := prevMax > 0 && (jd.MaxInstances == 0 || jd.MaxInstances > prevMax)
	return jd, jd.Status == model.JobDefStatusRunning && (resumed || raised), nil
}

// DeleteJobDef 删除作业定义及其任务、步骤定义
func (s *Service) DeleteJobDef(ctx context.Context, teamID, id string) error {
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, id))
	if err != nil {
		return fmt.Errorf("lock job definition: %w", err)
	}
	defer unlock()

	if err := s.store.DeleteJobDef(ctx, teamID, id); err != nil {
		return missing("jobdef", id, err)
	}
	log.Printf("[jobdef.deleted] team=%s jobdef=%s", teamID, id)
	return nil
}

// ============================================================================
// TaskDefinition
// ============================================================================

func (s *Service) GetTaskDef(ctx context.Context, teamID, id string) (*model.TaskDefinition, error) {
	td, err := s.store.GetTaskDef(ctx, teamID, id)
	if err != nil {
		return nil, missing("taskdef", id, err)
	}
	return td, nil
}

// ListTaskDefs 列出作业下的任务定义；作业不存在返回 NotFound
func (s *Service) ListTaskDefs(ctx context.Context, teamID, jobDefID string) ([]*model.TaskDefinition, error) {
	if _, err := s.store.GetJobDef(ctx, teamID, jobDefID); err != nil {
		return nil, missing("jobdef", jobDefID, err)
	}
	return s.store.ListTaskDefs(ctx, teamID, jobDefID)
}

// CreateTaskDef 在作业下新增任务定义
func (s *Service) CreateTaskDef(ctx context.Context, teamID string, td *model.TaskDefinition) (*model.TaskDefinition, error) {
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, td.JobDefID))
	if err != nil {
		return nil, fmt.Errorf("lock job definition: %w", err)
	}
	defer unlock()

	tasks, err := s.tasksOf(ctx, teamID, td.JobDefID)
	if err != nil {
		return nil, err
	}
	order := td.Order
	if order <= 0 {
		order = len(tasks) + 1
	}
	s.stampTask(td, teamID, td.JobDefID, order)

	if err := graph.Validate(graph.Replace(tasks, td)); err != nil {
		return nil, err
	}
	if err := s.store.SaveTaskDefs(ctx, teamID, td.JobDefID, []*model.TaskDefinition{td}, nil); err != nil {
		return nil, fmt.Errorf("save task definition: %w", err)
	}
	log.Printf("[jobdef.task_created] team=%s jobdef=%s task=%s name=%s", teamID, td.JobDefID, td.ID, td.Name)
	return td, nil
}

// TaskDefChange 任务定义写入结果；Updated 为因路由改写而一并变更的兄弟任务 id
type TaskDefChange struct {
	Task    *model.TaskDefinition `json:"task,omitempty"`
	Updated []string              `json:"updatedTaskIds"`
}

// UpdateTaskDef 整体替换任务定义的可变字段
//
// 改名时兄弟任务中对旧名的路由引用一并改写为新名（标签不变），
// 变更后的完整集合通过校验才会写入；任一校验失败不写入任何内容。
func (s *Service) UpdateTaskDef(ctx context.Context, teamID, id string, in *model.TaskDefinition) (*TaskDefChange, error) {
	cur, err := s.store.GetTaskDef(ctx, teamID, id)
	if err != nil {
		return nil, missing("taskdef", id, err)
	}
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, cur.JobDefID))
	if err != nil {
		return nil, fmt.Errorf("lock job definition: %w", err)
	}
	defer unlock()

	tasks, err := s.tasksOf(ctx, teamID, cur.JobDefID)
	if err != nil {
		return nil, err
	}
	var prev *model.TaskDefinition
	for _, t := range tasks {
		if t.ID == id {
			prev = t
		}
	}
	if prev == nil {
		return nil, model.Missing("taskdef", id)
	}

	next := in.Clone()
	next.Name = strings.TrimSpace(next.Name)
	next.ID, next.TeamID, next.JobDefID = prev.ID, prev.TeamID, prev.JobDefID
	next.CreatedAt, next.UpdatedAt = prev.CreatedAt, s.now()
	if next.Order <= 0 {
		next.Order = prev.Order
	}

	siblings := graph.RenameRoutes(tasks, id, prev.Name, next.Name)
	upserts := append([]*model.TaskDefinition{next}, siblings...)
	if err := graph.Validate(graph.Replace(tasks, upserts...)); err != nil {
		return nil, err
	}
	if err := s.store.SaveTaskDefs(ctx, teamID, prev.JobDefID, upserts, nil); err != nil {
		return nil, fmt.Errorf("save task definitions: %w", err)
	}

	change := &TaskDefChange{Task: next, Updated: ids(siblings)}
	if prev.Name != next.Name {
		log.Printf("[jobdef.task_renamed] team=%s jobdef=%s task=%s from=%s to=%s siblings=%d",
			teamID, prev.JobDefID, id, prev.Name, next.Name, len(siblings))
	}
	return change, nil
}

// DeleteTaskDef 删除任务定义及其步骤，兄弟任务中引用它的路由条目被移除
func (s *Service) DeleteTaskDef(ctx context.Context, teamID, id string) (*TaskDefChange, error) {
	cur, err := s.store.GetTaskDef(ctx, teamID, id)
	if err != nil {
		return nil, missing("taskdef", id, err)
	}
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, cur.JobDefID))
	if err != nil {
		return nil, fmt.Errorf("lock job definition: %w", err)
	}
	defer unlock()

	tasks, err := s.tasksOf(ctx, teamID, cur.JobDefID)
	if err != nil {
		return nil, err
	}
	siblings := graph.StripRoutes(tasks, id, cur.Name)
	if err := s.store.SaveTaskDefs(ctx, teamID, cur.JobDefID, siblings, []string{id}); err != nil {
		return nil, fmt.Errorf("delete task definition: %w", err)
	}
	log.Printf("[jobdef.task_deleted] team=%s jobdef=%s task=%s siblings=%d", teamID, cur.JobDefID, id, len(siblings))
	return &TaskDefChange{Updated: ids(siblings)}, nil
}

func (s *Service) tasksOf(ctx context.Context, teamID, jobDefID string) ([]*model.TaskDefinition, error) {
	if _, err := s.store.GetJobDef(ctx, teamID, jobDefID); err != nil {
		return nil, missing("jobdef", jobDefID, err)
	}
	tasks, err := s.store.ListTaskDefs(ctx, teamID, jobDefID)
	if err != nil {
		return nil, fmt.Errorf("list task definitions: %w", err)
	}
	return tasks, nil
}

func (s *Service) stampTask(td *model.TaskDefinition, teamID, jobDefID string, order int) {
	now := s.now()
	td.ID = model.NewID()
	td.TeamID, td.JobDefID = teamID, jobDefID
	td.Name = strings.TrimSpace(td.Name)
	if td.Order <= 0 {
		td.Order = order
	}
	td.CreatedAt, td.UpdatedAt = now, now
}

func ids(tasks []*model.TaskDefinition) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

// missing 把存储层的 ErrNotFound 换成带对象类型和 id 的 MissingObjectError
func missing(kind, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.Missing(kind, id)
	}
	return err
}
