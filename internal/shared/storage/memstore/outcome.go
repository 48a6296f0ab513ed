package memstore

import (
	"context"
	"sort"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
)

// ============================================================================
// JobInstance
// ============================================================================

func cloneJob(j *model.JobInstance) *model.JobInstance {
	c := *j
	c.Variables = j.Variables.Merge(nil)
	if j.DateCompleted != nil {
		t := *j.DateCompleted
		c.DateCompleted = &t
	}
	return &c
}

func (s *Store) CreateJob(ctx context.Context, job *model.JobInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return storage.ErrDuplicate
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, teamID, id string) (*model.JobInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) CountActiveJobs(ctx context.Context, teamID, jobDefID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.TeamID == teamID && j.JobDefID == jobDefID && j.Status >= model.JobStatusRunning && !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListQueuedJobs(ctx context.Context, teamID, jobDefID string, limit int) ([]*model.JobInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.JobInstance{}
	for _, j := range s.jobs {
		if j.TeamID == teamID && j.JobDefID == jobDefID && j.Status == model.JobStatusNotStarted {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, teamID, id string, status model.JobStatus, completed *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TeamID != teamID {
		return storage.ErrNotFound
	}
	j.Status = status
	if completed != nil {
		t := *completed
		j.DateCompleted = &t
	} else {
		j.DateCompleted = nil
	}
	j.UpdatedAt = s.now()
	return nil
}

// ============================================================================
// TaskOutcome
// ============================================================================

func cloneOutcome(o *model.TaskOutcome) *model.TaskOutcome {
	c := *o
	c.RuntimeVars = o.RuntimeVars.Merge(nil)
	c.Target.Tags = cloneMap(o.Target.Tags)
	c.Target.Config = cloneMap(o.Target.Config)
	if o.AttemptedAgentIDs != nil {
		c.AttemptedAgentIDs = append([]string(nil), o.AttemptedAgentIDs...)
	}
	c.DateStarted = cloneTime(o.DateStarted)
	c.DateCompleted = cloneTime(o.DateCompleted)
	c.StopRequestedAt = cloneTime(o.StopRequestedAt)
	return &c
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *Store) CreateTaskOutcome(ctx context.Context, o *model.TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taskOutcomes[o.ID]; ok {
		return storage.ErrDuplicate
	}
	s.taskOutcomes[o.ID] = cloneOutcome(o)
	return nil
}

func (s *Store) GetTaskOutcome(ctx context.Context, teamID, id string) (*model.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.taskOutcomes[id]
	if !ok || o.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	return cloneOutcome(o), nil
}

func (s *Store) ListTaskOutcomes(ctx context.Context, filter storage.TaskOutcomeFilter) ([]*model.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.TaskOutcome{}
	for _, o := range s.taskOutcomes {
		if filter.Match(o) {
			out = append(out, cloneOutcome(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) TransitionTaskOutcome(ctx context.Context, teamID, id string, guard storage.OutcomeGuard, update storage.OutcomeUpdate) (*model.TaskOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.taskOutcomes[id]
	if !ok || o.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	if !guard.Allows(o) {
		return nil, storage.ErrConflict
	}
	update.ApplyTo(o, s.now())
	return cloneOutcome(o), nil
}

func (s *Store) MarkSlotReleased(ctx context.Context, teamID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.taskOutcomes[id]
	if !ok || o.TeamID != teamID {
		return false, storage.ErrNotFound
	}
	if o.SlotReleased {
		return false, nil
	}
	o.SlotReleased = true
	return true, nil
}

func (s *Store) PullAttemptedAgent(ctx context.Context, teamID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.taskOutcomes {
		if o.TeamID != teamID || o.Status != model.TaskStatusWaitingForAgent {
			continue
		}
		kept := o.AttemptedAgentIDs[:0]
		for _, id := range o.AttemptedAgentIDs {
			if id != agentID {
				kept = append(kept, id)
			}
		}
		o.AttemptedAgentIDs = kept
	}
	return nil
}

// ============================================================================
// StepOutcome
// ============================================================================

func cloneStep(st *model.StepOutcome) *model.StepOutcome {
	c := *st
	c.DateStarted = cloneTime(st.DateStarted)
	c.DateCompleted = cloneTime(st.DateCompleted)
	if st.ExitCode != nil {
		code := *st.ExitCode
		c.ExitCode = &code
	}
	return &c
}

func (s *Store) CreateStepOutcomes(ctx context.Context, steps []*model.StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if _, ok := s.stepOutcomes[st.ID]; ok {
			return storage.ErrDuplicate
		}
	}
	for _, st := range steps {
		s.stepOutcomes[st.ID] = cloneStep(st)
	}
	return nil
}

func (s *Store) GetStepOutcome(ctx context.Context, teamID, id string) (*model.StepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stepOutcomes[id]
	if !ok || st.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	return cloneStep(st), nil
}

func (s *Store) ListStepOutcomes(ctx context.Context, teamID, taskOutcomeID string) ([]*model.StepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.StepOutcome{}
	for _, st := range s.stepOutcomes {
		if st.TeamID == teamID && st.TaskOutcomeID == taskOutcomeID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) ApplyStepUpdate(ctx context.Context, teamID, id string, update storage.StepUpdate) (*model.StepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stepOutcomes[id]
	if !ok || st.TeamID != teamID {
		return nil, storage.ErrNotFound
	}
	if st.LastUpdateID >= update.LastUpdateID {
		return nil, storage.ErrStaleUpdate
	}
	update.ApplyTo(st, s.now())
	return cloneStep(st), nil
}

func (s *Store) InterruptStepOutcomes(ctx context.Context, teamID, taskOutcomeID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.stepOutcomes {
		if st.TeamID != teamID || st.TaskOutcomeID != taskOutcomeID || !st.Status.InProgress() {
			continue
		}
		st.Status = model.StepStatusInterrupted
		t := now
		st.DateCompleted = &t
		st.UpdatedAt = now
		n++
	}
	return n, nil
}
