package memstore

import (
	"context"
	"sort"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
)

func cloneAgent(a *model.Agent) *model.Agent {
	c := *a
	if a.Tags != nil {
		c.Tags = make(map[string]string, len(a.Tags))
		for k, v := range a.Tags {
			c.Tags[k] = v
		}
	}
	if a.PropertyOverrides.HandleGeneralTasks != nil {
		v := *a.PropertyOverrides.HandleGeneralTasks
		c.PropertyOverrides.HandleGeneralTasks = &v
	}
	return &c
}

// PutAgent 直接写入 Agent（测试用）
func (s *Store) PutAgent(a *model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentKey(a.TeamID, a.ID)] = cloneAgent(a)
}

func (s *Store) GetAgent(ctx context.Context, teamID, id string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentKey(teamID, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Store) ListAgents(ctx context.Context, teamID string) ([]*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Agent{}
	for _, a := range s.agents {
		if a.TeamID == teamID {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, teamID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(teamID, id)
	if _, ok := s.agents[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.agents, key)
	return nil
}

func (s *Store) UpdateAgentOverrides(ctx context.Context, teamID, id string, overrides model.AgentOverrides) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentKey(teamID, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	a.PropertyOverrides = overrides
	a.UpdatedAt = s.now()
	return cloneAgent(a), nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, hb *model.AgentHeartbeat) (*model.Agent, *model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey(hb.TeamID, hb.AgentID)
	cur, ok := s.agents[key]
	var prev *model.Agent
	if ok {
		prev = cloneAgent(cur)
	} else {
		cur = &model.Agent{
			ID:        hb.AgentID,
			TeamID:    hb.TeamID,
			Name:      hb.Name,
			Tags:      map[string]string{},
			CreatedAt: hb.Time,
		}
		s.agents[key] = cur
	}
	cur.LastHeartbeatTime = hb.Time
	cur.Offline = false
	if hb.Name != "" {
		cur.Name = hb.Name
	}
	if hb.Tags != nil {
		cur.Tags = make(map[string]string, len(hb.Tags))
		for k, v := range hb.Tags {
			cur.Tags[k] = v
		}
	}
	if hb.ReportedVersion != "" {
		cur.ReportedVersion = hb.ReportedVersion
	}
	cur.UpdatedAt = hb.Time
	return prev, cloneAgent(cur), nil
}

func (s *Store) MarkAgentOffline(ctx context.Context, teamID, id string, observed time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentKey(teamID, id)]
	if !ok {
		return false, storage.ErrNotFound
	}
	if a.Offline || !a.LastHeartbeatTime.Equal(observed) {
		return false, nil
	}
	a.Offline = true
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time, limit int) ([]*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Agent{}
	for _, a := range s.agents {
		if !a.Offline && a.LastHeartbeatTime.Before(cutoff) {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeatTime.Before(out[j].LastHeartbeatTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TryReserveAgentSlot(ctx context.Context, teamID, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentKey(teamID, id)]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !a.HasCapacity() {
		return false, nil
	}
	a.NumActiveTasks++
	a.LastTaskAssignedTime = now
	return true, nil
}

func (s *Store) ReleaseAgentSlot(ctx context.Context, teamID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentKey(teamID, id)]
	if !ok {
		return storage.ErrNotFound
	}
	if a.NumActiveTasks > 0 {
		a.NumActiveTasks--
	}
	return nil
}
