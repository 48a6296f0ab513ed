// Package recovery 孤儿任务恢复
//
// Agent 失联后，它名下尚未结束的任务记录由 Engine 修复：
//
//	autoRestart=true  → 步骤 INTERRUPTED，记录 CANCELLED(AGENT_CRASHED_OR_LOST_CONNECTIVITY)，重新发布
//	autoRestart=false → 步骤 INTERRUPTED，记录 INTERRUPTED(同一失败码)，等待人工处理
//
// 扇出任务（ALL_AGENTS*）从不设置 autoRestart，因此不会被自动重复提交。
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
)

// Republisher 为被取消的记录创建替代记录并派发
type Republisher interface {
	Republish(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error)
}

// JobAdvancer 记录进入中断状态后重新结算作业
type JobAdvancer interface {
	Advance(ctx context.Context, teamID, jobID string) error
}

// Recorder 恢复结果观测点
type Recorder interface {
	OrphanRecovered(action string)
}

type nopRecorder struct{}

func (nopRecorder) OrphanRecovered(string) {}

// 恢复动作
const (
	ActionRestarted   = "restarted"
	ActionInterrupted = "interrupted"
	ActionCancelled   = "cancelled"
	ActionFailed      = "failed"
)

// Result 一次恢复的统计
type Result struct {
	Restarted   int      `json:"restarted"`
	Interrupted int      `json:"interrupted"`
	Cancelled   int      `json:"cancelled"`
	Failed      []string `json:"failed,omitempty"` // 恢复出错的记录 id
}

// Total 处理过的记录数
func (r Result) Total() int {
	return r.Restarted + r.Interrupted + r.Cancelled + len(r.Failed)
}

// Engine 孤儿任务恢复引擎
type Engine struct {
	store      storage.Store
	dispatcher *scheduler.Dispatcher
	republish  Republisher
	advancer   JobAdvancer
	recorder   Recorder
	now        func() time.Time
}

// NewEngine 创建恢复引擎
//
// republish 和 advancer 通常是作业运行服务；为 nil 时只修复状态。
func NewEngine(store storage.Store, dispatcher *scheduler.Dispatcher, republish Republisher, advancer JobAdvancer) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		republish:  republish,
		advancer:   advancer,
		recorder:   nopRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder 设置恢复结果观测点
func (e *Engine) SetRecorder(r Recorder) {
	if r != nil {
		e.recorder = r
	}
}

// Orphans 列出 Agent 名下尚未结束、已交给它执行的记录
//
// cloud runner 团队的 Agent 还会执行其他团队的云函数记录。
func (e *Engine) Orphans(ctx context.Context, teamID, agentID string) ([]*model.TaskOutcome, error) {
	filter := storage.TaskOutcomeFilter{
		TeamID:      teamID,
		AgentID:     agentID,
		StatusBelow: model.TaskStatusSucceeded,
		CurrentOnly: true,
	}
	if teamID == e.dispatcher.CloudRunnerTeam() {
		filter.TeamID = ""
	}
	outcomes, err := e.store.ListTaskOutcomes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list outcomes of agent %s: %w", agentID, err)
	}

	orphans := outcomes[:0]
	for _, o := range outcomes {
		if e.dispatcher.AgentTeam(o) != teamID {
			continue
		}
		// 未发布的记录（如锁定到该 Agent 的扇出兄弟记录）不在 Agent 上
		if o.Status.Dispatchable() || o.Status == model.TaskStatusInterrupted {
			continue
		}
		orphans = append(orphans, o)
	}
	return orphans, nil
}

// Recover 修复 Agent 名下的孤儿记录，最后把 Agent 标记为离线
//
// 置离线以恢复开始前读到的心跳时间为条件：恢复期间到达的心跳使其失效，Agent 保持在线。
// 单条记录的失败只记日志并计入 Result.Failed，不影响其余记录；
// 记录已不存在或已被 Agent 结束时跳过。
func (e *Engine) Recover(ctx context.Context, teamID, agentID string) (Result, error) {
	a, err := e.store.GetAgent(ctx, teamID, agentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.recoverAgent(ctx, teamID, agentID, nil)
	case err != nil:
		return Result{}, fmt.Errorf("get agent %s: %w", agentID, err)
	case a.Offline:
		return e.recoverAgent(ctx, teamID, agentID, nil)
	}
	observed := a.LastHeartbeatTime
	return e.recoverAgent(ctx, teamID, agentID, &observed)
}

// RecoverOffline 修复已由调用方置为离线的 Agent 的孤儿记录，不再改动离线标记
func (e *Engine) RecoverOffline(ctx context.Context, teamID, agentID string) (Result, error) {
	return e.recoverAgent(ctx, teamID, agentID, nil)
}

// recoverAgent observed 非空时最后以它为条件把 Agent 置离线
func (e *Engine) recoverAgent(ctx context.Context, teamID, agentID string, observed *time.Time) (Result, error) {
	var result Result
	orphans, err := e.Orphans(ctx, teamID, agentID)
	if err != nil {
		return result, err
	}

	for _, o := range orphans {
		action, err := e.recoverOne(ctx, o)
		switch {
		case err != nil:
			log.Printf("[recovery.failed] team=%s agent=%s outcome=%s error=%v", teamID, agentID, o.ID, err)
			result.Failed = append(result.Failed, o.ID)
			action = ActionFailed
		case action == ActionRestarted:
			result.Restarted++
		case action == ActionInterrupted:
			result.Interrupted++
		case action == ActionCancelled:
			result.Cancelled++
		default:
			continue
		}
		e.recorder.OrphanRecovered(action)
	}

	if observed != nil {
		if err := e.markOffline(ctx, teamID, agentID, *observed); err != nil {
			return result, err
		}
	}
	log.Printf("[recovery.done] team=%s agent=%s orphans=%d restarted=%d interrupted=%d cancelled=%d failed=%d",
		teamID, agentID, len(orphans), result.Restarted, result.Interrupted, result.Cancelled, len(result.Failed))
	return result, nil
}

// markOffline 以 observed 心跳时间为条件置离线，之后到达的心跳使 CAS 失败
func (e *Engine) markOffline(ctx context.Context, teamID, agentID string, observed time.Time) error {
	flipped, err := e.store.MarkAgentOffline(ctx, teamID, agentID, observed)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark agent %s offline: %w", agentID, err)
	}
	if !flipped {
		log.Printf("[recovery.offline_skip] team=%s agent=%s reason=heartbeat_arrived", teamID, agentID)
	}
	return nil
}

// recoverOne 修复一条记录，返回执行的动作；记录已被并发结束时返回空动作
func (e *Engine) recoverOne(ctx context.Context, o *model.TaskOutcome) (string, error) {
	now := e.now()
	code := model.FailureAgentCrashedOrLostConnectivity

	status, action := model.TaskStatusInterrupted, ActionInterrupted
	switch {
	case o.Status == model.TaskStatusCanceling:
		// 用户已请求取消，Agent 不会再上报
		status, action = model.TaskStatusCancelled, ActionCancelled
	case o.AutoRestart && o.Status != model.TaskStatusInterrupting:
		status, action = model.TaskStatusCancelled, ActionRestarted
	}

	updated, err := e.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
		storage.OutcomeGuard{StatusBelow: model.TaskStatusSucceeded},
		storage.OutcomeUpdate{
			Status:            &status,
			FailureCode:       &code,
			DateCompleted:     &now,
			AddAttemptedAgent: o.AgentID,
		})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) {
			return "", nil
		}
		return "", fmt.Errorf("mark %s: %w", status, err)
	}
	// 记录已由本次恢复结束后才中断步骤，Agent 抢先结束的记录保留步骤原状
	if _, err := e.store.InterruptStepOutcomes(ctx, o.TeamID, o.ID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[recovery.interrupt_steps_failed] outcome=%s error=%v", o.ID, err)
	}
	log.Printf("[recovery.outcome] team=%s job=%s outcome=%s agent=%s status=%s",
		o.TeamID, o.JobID, o.ID, o.AgentID, status)
	e.dispatcher.NotifyOutcome(ctx, eventbus.OpUpdate, updated)

	if err := e.dispatcher.ReleaseSlot(ctx, updated); err != nil {
		log.Printf("[recovery.slot_release_failed] outcome=%s error=%v", o.ID, err)
	}

	if action == ActionRestarted {
		if e.republish == nil {
			return action, nil
		}
		if _, err := e.republish.Republish(ctx, o.TeamID, o.ID); err != nil {
			return "", fmt.Errorf("republish: %w", err)
		}
		return action, nil
	}

	if e.advancer != nil {
		if err := e.advancer.Advance(ctx, o.TeamID, o.JobID); err != nil {
			log.Printf("[recovery.advance_failed] team=%s job=%s error=%v", o.TeamID, o.JobID, err)
		}
	}
	return action, nil
}

// ExpireStopRequests 把停止请求早于 before 仍未得到 Agent 确认的记录置为 INTERRUPTED
//
// 返回处理的条数；单条失败只记日志。
func (e *Engine) ExpireStopRequests(ctx context.Context, before time.Time) (int, error) {
	stopping := []model.TaskStatus{model.TaskStatusInterrupting, model.TaskStatusCanceling}
	outcomes, err := e.store.ListTaskOutcomes(ctx, storage.TaskOutcomeFilter{
		Statuses:            stopping,
		StopRequestedBefore: &before,
		CurrentOnly:         true,
	})
	if err != nil {
		return 0, fmt.Errorf("list stop requests: %w", err)
	}

	now := e.now()
	interrupted := model.TaskStatusInterrupted
	expired := 0
	for _, o := range outcomes {
		updated, err := e.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
			storage.GuardStatuses(stopping...),
			storage.OutcomeUpdate{Status: &interrupted, DateCompleted: &now})
		if err != nil {
			if !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
				log.Printf("[recovery.stop_expire_failed] outcome=%s error=%v", o.ID, err)
			}
			continue
		}
		if _, err := e.store.InterruptStepOutcomes(ctx, o.TeamID, o.ID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[recovery.interrupt_steps_failed] outcome=%s error=%v", o.ID, err)
		}
		expired++
		log.Printf("[recovery.stop_expired] team=%s job=%s outcome=%s agent=%s", o.TeamID, o.JobID, o.ID, o.AgentID)
		e.dispatcher.NotifyOutcome(ctx, eventbus.OpUpdate, updated)
		if err := e.dispatcher.ReleaseSlot(ctx, updated); err != nil {
			log.Printf("[recovery.slot_release_failed] outcome=%s error=%v", o.ID, err)
		}
		if e.advancer != nil {
			if err := e.advancer.Advance(ctx, o.TeamID, o.JobID); err != nil {
				log.Printf("[recovery.advance_failed] team=%s job=%s error=%v", o.TeamID, o.JobID, err)
			}
		}
	}
	return expired, nil
}
