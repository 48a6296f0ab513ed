package jobdef

import (
	"context"
	"fmt"
	"log"
	"strings"

	"jobmesh/internal/shared/lock"
	"jobmesh/internal/shared/model"
)

// ============================================================================
// StepDefinition
//
// 同一任务内的步骤 order 始终为 1..n，无空洞、无重复。
// ============================================================================

func (s *Service) ListStepDefs(ctx context.Context, teamID, taskDefID string) ([]*model.StepDefinition, error) {
	if _, err := s.store.GetTaskDef(ctx, teamID, taskDefID); err != nil {
		return nil, missing("taskdef", taskDefID, err)
	}
	return s.store.ListStepDefs(ctx, teamID, taskDefID)
}

func (s *Service) GetStepDef(ctx context.Context, teamID, id string) (*model.StepDefinition, error) {
	sd, err := s.store.GetStepDef(ctx, teamID, id)
	if err != nil {
		return nil, missing("stepdef", id, err)
	}
	return sd, nil
}

// CreateStepDef 新增步骤；order 缺省或越界时追加到末尾，否则插入并后移其后的步骤
func (s *Service) CreateStepDef(ctx context.Context, teamID string, sd *model.StepDefinition) (*model.StepDefinition, error) {
	if err := validateStep(sd); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, lock.TaskDefKey(teamID, sd.TaskDefID))
	if err != nil {
		return nil, fmt.Errorf("lock task definition: %w", err)
	}
	defer unlock()

	steps, err := s.stepsOf(ctx, teamID, sd.TaskDefID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sd.ID = model.NewID()
	sd.TeamID = teamID
	sd.CreatedAt, sd.UpdatedAt = now, now
	if sd.Order <= 0 || sd.Order > len(steps) {
		sd.Order = len(steps) + 1
	}

	upserts := []*model.StepDefinition{sd}
	for _, st := range steps {
		if st.Order >= sd.Order {
			st.Order++
			st.UpdatedAt = now
			upserts = append(upserts, st)
		}
	}
	if err := s.store.SaveStepDefs(ctx, teamID, sd.TaskDefID, upserts, nil); err != nil {
		return nil, fmt.Errorf("save step definitions: %w", err)
	}
	log.Printf("[jobdef.step_created] team=%s task=%s step=%s order=%d", teamID, sd.TaskDefID, sd.ID, sd.Order)
	return sd, nil
}

// StepDefUpdate 步骤的部分更新；Order 变化时与当前占据该位置的步骤互换
type StepDefUpdate struct {
	Name      *string         `json:"name,omitempty"`
	Order     *int            `json:"order,omitempty"`
	Script    *string         `json:"script,omitempty"`
	Command   *string         `json:"command,omitempty"`
	Arguments *string         `json:"arguments,omitempty"`
	Variables model.Variables `json:"variables,omitempty"`
}

// UpdateStepDef 更新步骤
func (s *Service) UpdateStepDef(ctx context.Context, teamID, id string, u StepDefUpdate) (*model.StepDefinition, error) {
	cur, err := s.store.GetStepDef(ctx, teamID, id)
	if err != nil {
		return nil, missing("stepdef", id, err)
	}
	unlock, err := s.locker.Lock(ctx, lock.TaskDefKey(teamID, cur.TaskDefID))
	if err != nil {
		return nil, fmt.Errorf("lock task definition: %w", err)
	}
	defer unlock()

	steps, err := s.stepsOf(ctx, teamID, cur.TaskDefID)
	if err != nil {
		return nil, err
	}
	var sd *model.StepDefinition
	for _, st := range steps {
		if st.ID == id {
			sd = st
		}
	}
	if sd == nil {
		return nil, model.Missing("stepdef", id)
	}

	if u.Name != nil {
		sd.Name = *u.Name
	}
	if u.Script != nil {
		sd.Script = *u.Script
	}
	if u.Command != nil {
		sd.Command = *u.Command
	}
	if u.Arguments != nil {
		sd.Arguments = *u.Arguments
	}
	if u.Variables != nil {
		sd.Variables = u.Variables
	}
	if err := validateStep(sd); err != nil {
		return nil, err
	}

	now := s.now()
	sd.UpdatedAt = now
	upserts := []*model.StepDefinition{sd}
	if u.Order != nil && *u.Order != sd.Order {
		target := *u.Order
		if target < 1 || target > len(steps) {
			return nil, &model.ValidationError{Field: "order", Reason: fmt.Sprintf("order must be between 1 and %d", len(steps))}
		}
		for _, st := range steps {
			if st.Order == target {
				st.Order = sd.Order
				st.UpdatedAt = now
				upserts = append(upserts, st)
				break
			}
		}
		log.Printf("[jobdef.step_reordered] team=%s task=%s step=%s from=%d to=%d", teamID, sd.TaskDefID, id, sd.Order, target)
		sd.Order = target
	}

	if err := s.store.SaveStepDefs(ctx, teamID, sd.TaskDefID, upserts, nil); err != nil {
		return nil, fmt.Errorf("save step definitions: %w", err)
	}
	return sd, nil
}

// DeleteStepDef 删除步骤并压缩其后步骤的 order
func (s *Service) DeleteStepDef(ctx context.Context, teamID, id string) error {
	cur, err := s.store.GetStepDef(ctx, teamID, id)
	if err != nil {
		return missing("stepdef", id, err)
	}
	unlock, err := s.locker.Lock(ctx, lock.TaskDefKey(teamID, cur.TaskDefID))
	if err != nil {
		return fmt.Errorf("lock task definition: %w", err)
	}
	defer unlock()

	steps, err := s.stepsOf(ctx, teamID, cur.TaskDefID)
	if err != nil {
		return err
	}
	now := s.now()
	var upserts []*model.StepDefinition
	order := 1
	for _, st := range steps {
		if st.ID == id {
			continue
		}
		if st.Order != order {
			st.Order = order
			st.UpdatedAt = now
			upserts = append(upserts, st)
		}
		order++
	}
	if err := s.store.SaveStepDefs(ctx, teamID, cur.TaskDefID, upserts, []string{id}); err != nil {
		return fmt.Errorf("delete step definition: %w", err)
	}
	log.Printf("[jobdef.step_deleted] team=%s task=%s step=%s", teamID, cur.TaskDefID, id)
	return nil
}

// stepsOf 按 order 排序的步骤列表
func (s *Service) stepsOf(ctx context.Context, teamID, taskDefID string) ([]*model.StepDefinition, error) {
	if _, err := s.store.GetTaskDef(ctx, teamID, taskDefID); err != nil {
		return nil, missing("taskdef", taskDefID, err)
	}
	steps, err := s.store.ListStepDefs(ctx, teamID, taskDefID)
	if err != nil {
		return nil, fmt.Errorf("list step definitions: %w", err)
	}
	return steps, nil
}

func validateStep(sd *model.StepDefinition) error {
	if strings.TrimSpace(sd.Name) == "" {
		return &model.ValidationError{Field: "name", Reason: "step name is required"}
	}
	if strings.TrimSpace(sd.Script) == "" && strings.TrimSpace(sd.Command) == "" {
		return &model.ValidationError{Field: "command", Reason: "either script or command is required"}
	}
	return nil
}
