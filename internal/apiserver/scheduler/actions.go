package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/queue"
	"jobmesh/internal/shared/storage"

	"github.com/containerd/errdefs"
)

// ============================================================================
// 重新发布
// ============================================================================

// Republish 重新发布一条任务记录
//
//   - NOT_STARTED / WAITING_FOR_AGENT：原地重试派发
//   - INTERRUPTED / CANCELLED / FAILED：创建替代它的新记录并派发
//   - 其余状态返回 Conflict
//
// 返回当前有效的记录。派发本身失败（无可用 Agent 等）不算错误，记录停在 WAITING_FOR_AGENT。
func (d *Dispatcher) Republish(ctx context.Context, o *model.TaskOutcome) (*model.TaskOutcome, error) {
	if !o.Current() {
		return nil, fmt.Errorf("outcome %s already replaced by %s: %w", o.ID, o.ReplacedBy, errdefs.ErrConflict)
	}

	switch o.Status {
	case model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent:
		if err := d.Dispatch(ctx, o); err != nil && !isDispatchError(err) {
			return nil, err
		}
		return d.store.GetTaskOutcome(ctx, o.TeamID, o.ID)
	case model.TaskStatusInterrupted, model.TaskStatusCancelled, model.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("outcome %s is %s: %w", o.ID, o.Status, errdefs.ErrConflict)
	}

	fresh := d.successor(o)
	// 先占住旧记录，保证同一条记录只会被替换一次
	if _, err := d.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
		storage.GuardStatuses(o.Status),
		storage.OutcomeUpdate{ReplacedBy: &fresh.ID}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("outcome %s changed concurrently: %w", o.ID, errdefs.ErrConflict)
		}
		return nil, err
	}

	if err := d.CreateOutcome(ctx, fresh); err != nil {
		empty := ""
		if _, rerr := d.store.TransitionTaskOutcome(context.WithoutCancel(ctx), o.TeamID, o.ID,
			storage.OutcomeGuard{}, storage.OutcomeUpdate{ReplacedBy: &empty}); rerr != nil {
			log.Printf("[dispatch.republish_restore_failed] outcome_id=%s error=%v", o.ID, rerr)
		}
		return nil, fmt.Errorf("create replacement outcome: %w", err)
	}
	log.Printf("[dispatch.republish] team=%s job=%s outcome=%s replaced_by=%s",
		o.TeamID, o.JobID, o.ID, fresh.ID)

	if err := d.Dispatch(ctx, fresh); err != nil && !isDispatchError(err) {
		log.Printf("[dispatch.republish_pending] outcome_id=%s error=%v", fresh.ID, err)
	}
	return d.store.GetTaskOutcome(ctx, o.TeamID, fresh.ID)
}

// successor 构造替代记录
//
// 扇出记录仍锁定在原 Agent；Agent 失联导致的替代会避开该 Agent，直到它重新上线。
// 运行时变量沿用原记录，上一次上报的 route 不沿用。
func (d *Dispatcher) successor(o *model.TaskOutcome) *model.TaskOutcome {
	fresh := &model.TaskOutcome{
		ID:          model.NewID(),
		TeamID:      o.TeamID,
		JobID:       o.JobID,
		JobDefID:    o.JobDefID,
		TaskDefID:   o.TaskDefID,
		TaskName:    o.TaskName,
		Target:      o.Target,
		Status:      model.TaskStatusNotStarted,
		AutoRestart: o.AutoRestart,
		FanOutOf:    o.FanOutOf,
	}
	if o.Target.FanOut() {
		fresh.AgentID = o.AgentID
	} else if o.FailureCode == model.FailureAgentCrashedOrLostConnectivity {
		fresh.AttemptedAgentIDs = append([]string(nil), o.AttemptedAgentIDs...)
		if o.AgentID != "" && !o.Attempted(o.AgentID) {
			fresh.AttemptedAgentIDs = append(fresh.AttemptedAgentIDs, o.AgentID)
		}
	}
	if len(o.RuntimeVars) > 0 {
		vars := o.RuntimeVars.Merge(nil)
		delete(vars, model.RouteVariable)
		fresh.RuntimeVars = vars
	}
	return fresh
}

func isDispatchError(err error) bool {
	var de *model.DispatchError
	return errors.As(err, &de)
}

// ============================================================================
// 停止请求
// ============================================================================

// StopMessage 停止请求的载荷
type StopMessage struct {
	OutcomeID string `json:"outcomeId"`
	Cancel    bool   `json:"cancel"`
}

// RequestStop 请求中断（cancel=false）或取消（cancel=true）一条任务记录
//
// 已交给 Agent 的记录进入 INTERRUPTING / CANCELING 并向 Agent 发送停止消息，
// 由 Agent 上报最终状态；尚未发布的记录直接进入 INTERRUPTED / CANCELLED。
// 返回更新后的记录和它是否已直接进入最终状态。
func (d *Dispatcher) RequestStop(ctx context.Context, o *model.TaskOutcome, cancel bool) (*model.TaskOutcome, bool, error) {
	now := d.now()

	if o.Status.Dispatchable() {
		final := model.TaskStatusInterrupted
		if cancel {
			final = model.TaskStatusCancelled
		}
		updated, err := d.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
			storage.GuardStatuses(model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent),
			storage.OutcomeUpdate{Status: &final, DateCompleted: &now})
		if err != nil {
			return nil, false, stopConflict(o, err)
		}
		log.Printf("[dispatch.stopped] outcome_id=%s status=%s", o.ID, final)
		d.publishEvent(ctx, o.TeamID, eventbus.DomainTaskOutcome, eventbus.OpUpdate, updated)
		return updated, true, nil
	}

	next := model.TaskStatusInterrupting
	guard := storage.GuardStatuses(model.TaskStatusPublished, model.TaskStatusRunning)
	if cancel {
		next = model.TaskStatusCanceling
		guard = storage.GuardStatuses(model.TaskStatusPublished, model.TaskStatusRunning, model.TaskStatusInterrupting)
	}
	if o.Status == next {
		return o, false, nil
	}
	updated, err := d.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID, guard,
		storage.OutcomeUpdate{Status: &next, StopRequestedAt: &now})
	if err != nil {
		return nil, false, stopConflict(o, err)
	}

	raw, _ := json.Marshal(StopMessage{OutcomeID: o.ID, Cancel: cancel})
	msg := &queue.TaskMessage{
		Kind:           queue.KindStop,
		TeamID:         o.TeamID,
		AgentID:        updated.AgentID,
		JobID:          o.JobID,
		OutcomeID:      o.ID,
		IdempotencyKey: o.IdempotencyKey() + ":stop",
		Payload:        raw,
		PublishedAt:    now,
	}
	if _, err := d.queue.PublishTaskToAgent(ctx, d.AgentTeam(updated), updated.AgentID, msg); err != nil {
		// 宽限期过后清扫器会把记录置为 INTERRUPTED
		log.Printf("[dispatch.stop_publish_failed] outcome_id=%s agent_id=%s error=%v", o.ID, updated.AgentID, err)
	}
	log.Printf("[dispatch.stop_requested] outcome_id=%s agent_id=%s status=%s", o.ID, updated.AgentID, next)
	d.publishEvent(ctx, o.TeamID, eventbus.DomainTaskOutcome, eventbus.OpUpdate, updated)
	return updated, false, nil
}

func stopConflict(o *model.TaskOutcome, err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("outcome %s cannot be stopped from %s: %w", o.ID, o.Status, errdefs.ErrConflict)
	}
	return err
}

// ============================================================================
// 重派
// ============================================================================

// RedispatchWaiting 对团队内所有待派发记录重新尝试派发，返回成功投递的条数
//
// 同一团队的并发调用合并为一次执行。cloud runner 团队还会重派各团队等待中的云函数记录。
func (d *Dispatcher) RedispatchWaiting(ctx context.Context, teamID string) (int, error) {
	v, err, _ := d.group.Do(teamID, func() (interface{}, error) {
		return d.redispatchWaiting(ctx, teamID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (d *Dispatcher) redispatchWaiting(ctx context.Context, teamID string) (int, error) {
	waiting := []model.TaskStatus{model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent}
	outcomes, err := d.store.ListTaskOutcomes(ctx, storage.TaskOutcomeFilter{
		TeamID:      teamID,
		Statuses:    waiting,
		CurrentOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list waiting outcomes: %w", err)
	}

	if runner := d.config.CloudRunner.TeamID; runner != "" && runner == teamID {
		all, err := d.store.ListTaskOutcomes(ctx, storage.TaskOutcomeFilter{Statuses: waiting, CurrentOnly: true})
		if err != nil {
			return 0, fmt.Errorf("list waiting cloud outcomes: %w", err)
		}
		for _, o := range all {
			if o.TeamID != teamID && o.Target.Kind == model.TargetCloudFunction {
				outcomes = append(outcomes, o)
			}
		}
	}

	dispatched := 0
	for _, o := range outcomes {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if err := d.Dispatch(ctx, o); err != nil {
			if !isDispatchError(err) {
				log.Printf("[dispatch.redispatch_failed] team=%s outcome=%s error=%v", o.TeamID, o.ID, err)
			}
			continue
		}
		cur, err := d.store.GetTaskOutcome(ctx, o.TeamID, o.ID)
		if err == nil && cur.Status == model.TaskStatusPublished {
			dispatched++
		}
	}
	log.Printf("[dispatch.redispatch] team=%s waiting=%d dispatched=%d", teamID, len(outcomes), dispatched)
	return dispatched, nil
}
