// Package memstore 进程内存储实现
//
// 用于开发模式（database.driver=memory）和单元测试。
// 一把互斥锁保护全部数据，所有条件更新天然原子；读写都以副本进出，调用方无法篡改内部状态。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
)

// Store 内存存储
type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	jobDefs      map[string]*model.JobDefinition
	taskDefs     map[string]*model.TaskDefinition
	stepDefs     map[string]*model.StepDefinition
	agents       map[string]*model.Agent // key: teamID/agentID
	jobs         map[string]*model.JobInstance
	taskOutcomes map[string]*model.TaskOutcome
	stepOutcomes map[string]*model.StepOutcome
}

// New 创建内存存储
func New() *Store {
	return &Store{
		now:          time.Now,
		jobDefs:      make(map[string]*model.JobDefinition),
		taskDefs:     make(map[string]*model.TaskDefinition),
		stepDefs:     make(map[string]*model.StepDefinition),
		agents:       make(map[string]*model.Agent),
		jobs:         make(map[string]*model.JobInstance),
		taskOutcomes: make(map[string]*model.TaskOutcome),
		stepOutcomes: make(map[string]*model.StepOutcome),
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func agentKey(teamID, id string) string { return teamID + "/" + id }

// ============================================================================
// JobDefinition
// ============================================================================

func (s *Store) CreateJobDef(ctx context.Context, jd *model.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobDefs[jd.ID]; ok {
		return storage.ErrDuplicate
	}
	c := *jd
	c.Variables = jd.Variables.Merge(nil)
	s.jobDefs[jd.ID] = &c
	return nil
}

func (s *Store) GetJobDef(ctx context.Context, teamID, id string) (*model.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jd, ok := s.jobDefs[id]
	if !ok || jd.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	c := *jd
	c.Variables = jd.Variables.Merge(nil)
	return &c, nil
}

func (s *Store) ListJobDefs(ctx context.Context, teamID string) ([]*model.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.JobDefinition{}
	for _, jd := range s.jobDefs {
		if jd.TeamID == teamID {
			c := *jd
			c.Variables = jd.Variables.Merge(nil)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateJobDef(ctx context.Context, jd *model.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobDefs[jd.ID]
	if !ok || cur.TeamID != jd.TeamID {
		return storage.ErrNotFound
	}
	c := *jd
	c.Variables = jd.Variables.Merge(nil)
	s.jobDefs[jd.ID] = &c
	return nil
}

func (s *Store) DeleteJobDef(ctx context.Context, teamID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jd, ok := s.jobDefs[id]
	if !ok || jd.TeamID != teamID {
		return storage.ErrNotFound
	}
	delete(s.jobDefs, id)
	for tid, td := range s.taskDefs {
		if td.JobDefID == id && td.TeamID == teamID {
			s.deleteTaskDefLocked(tid)
		}
	}
	return nil
}

// ============================================================================
// TaskDefinition / StepDefinition
// ============================================================================

func (s *Store) GetTaskDef(ctx context.Context, teamID, id string) (*model.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.taskDefs[id]
	if !ok || td.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	return td.Clone(), nil
}

func (s *Store) ListTaskDefs(ctx context.Context, teamID, jobDefID string) ([]*model.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.TaskDefinition{}
	for _, td := range s.taskDefs {
		if td.TeamID == teamID && td.JobDefID == jobDefID {
			out = append(out, td.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) SaveTaskDefs(ctx context.Context, teamID, jobDefID string, upserts []*model.TaskDefinition, deleteIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, td := range upserts {
		if td.TeamID != teamID || td.JobDefID != jobDefID {
			return storage.ErrConflict
		}
	}
	for _, id := range deleteIDs {
		if td, ok := s.taskDefs[id]; ok && td.TeamID == teamID {
			s.deleteTaskDefLocked(id)
		}
	}
	for _, td := range upserts {
		s.taskDefs[td.ID] = td.Clone()
	}
	return nil
}

func (s *Store) deleteTaskDefLocked(id string) {
	delete(s.taskDefs, id)
	for sid, sd := range s.stepDefs {
		if sd.TaskDefID == id {
			delete(s.stepDefs, sid)
		}
	}
}

func (s *Store) CountTaskDefsTargetingAgent(ctx context.Context, teamID, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, td := range s.taskDefs {
		if td.TeamID == teamID && td.Target.Kind == model.TargetSingleSpecificAgent && td.Target.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetStepDef(ctx context.Context, teamID, id string) (*model.StepDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.stepDefs[id]
	if !ok || sd.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	return cloneStepDef(sd), nil
}

func (s *Store) ListStepDefs(ctx context.Context, teamID, taskDefID string) ([]*model.StepDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.StepDefinition{}
	for _, sd := range s.stepDefs {
		if sd.TeamID == teamID && sd.TaskDefID == taskDefID {
			out = append(out, cloneStepDef(sd))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) SaveStepDefs(ctx context.Context, teamID, taskDefID string, upserts []*model.StepDefinition, deleteIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sd := range upserts {
		if sd.TeamID != teamID || sd.TaskDefID != taskDefID {
			return storage.ErrConflict
		}
	}
	for _, id := range deleteIDs {
		if sd, ok := s.stepDefs[id]; ok && sd.TeamID == teamID {
			delete(s.stepDefs, id)
		}
	}
	for _, sd := range upserts {
		s.stepDefs[sd.ID] = cloneStepDef(sd)
	}
	return nil
}

func cloneStepDef(sd *model.StepDefinition) *model.StepDefinition {
	c := *sd
	c.Variables = sd.Variables.Merge(nil)
	return &c
}
