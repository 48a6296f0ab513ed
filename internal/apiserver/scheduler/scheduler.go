// Package scheduler 任务派发器
//
// Dispatcher 负责把 NOT_STARTED / WAITING_FOR_AGENT 的任务记录交给 Agent 执行：
//
//	占位(幂等键) → 选择 Agent → 占槽(CAS) → PUBLISHED(CAS) → 投递到 Agent 队列
//
// 任何一步失败都让记录回到 WAITING_FOR_AGENT 并归还槽位，等待下次触发
// （Agent 重连、显式重新发布、后台重派）。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"jobmesh/internal/shared/cache"
	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/queue"
	"jobmesh/internal/shared/storage"

	"golang.org/x/sync/singleflight"
)

// Recorder 派发结果观测点
type Recorder interface {
	DispatchResult(result string)
}

type nopRecorder struct{}

func (nopRecorder) DispatchResult(string) {}

// 派发结果
const (
	ResultPublished     = "published"
	ResultNoAgent       = "no_agent"
	ResultPublishFailed = "publish_failed"
	ResultSkipped       = "skipped"
)

// Dispatcher 任务派发器
type Dispatcher struct {
	config   *Config
	store    storage.Store
	queue    queue.AgentQueue
	events   eventbus.TeamEventBus
	claims   cache.PublishClaimCache
	recorder Recorder
	now      func() time.Time

	group singleflight.Group // 同一团队的重派合并为一次
}

// NewDispatcher 创建派发器
func NewDispatcher(store storage.Store, messaging *infra.Messaging, config *Config) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	return &Dispatcher{
		config:   config,
		store:    store,
		queue:    messaging.Queue,
		events:   messaging.EventBus,
		claims:   messaging.Cache,
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder 设置派发结果观测点
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r != nil {
		d.recorder = r
	}
}

// AgentTeam 执行该记录的 Agent 所属团队
//
// 云函数任务由 cloud runner 团队的 Agent 执行，其余在记录所属团队内执行。
func (d *Dispatcher) AgentTeam(o *model.TaskOutcome) string {
	if o.Target.Kind == model.TargetCloudFunction && d.config.CloudRunner.TeamID != "" {
		return d.config.CloudRunner.TeamID
	}
	return o.TeamID
}

// ============================================================================
// 创建记录
// ============================================================================

// CreateOutcome 写入任务记录，并按步骤定义顺序为其创建步骤记录
//
// 记录已存在时返回 storage.ErrDuplicate，不重复创建步骤。
func (d *Dispatcher) CreateOutcome(ctx context.Context, o *model.TaskOutcome) error {
	now := d.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if err := d.store.CreateTaskOutcome(ctx, o); err != nil {
		return err
	}

	defs, err := d.store.ListStepDefs(ctx, o.TeamID, o.TaskDefID)
	if err != nil {
		return fmt.Errorf("list step definitions: %w", err)
	}
	steps := make([]*model.StepOutcome, 0, len(defs))
	for _, sd := range defs {
		steps = append(steps, &model.StepOutcome{
			ID:            model.NewID(),
			TeamID:        o.TeamID,
			JobID:         o.JobID,
			TaskOutcomeID: o.ID,
			StepDefID:     sd.ID,
			Name:          sd.Name,
			Order:         sd.Order,
			Status:        model.StepStatusNotStarted,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := d.store.CreateStepOutcomes(ctx, steps); err != nil {
		return fmt.Errorf("create step outcomes: %w", err)
	}

	d.publishEvent(ctx, o.TeamID, eventbus.DomainTaskOutcome, eventbus.OpCreate, o)
	return nil
}

// ============================================================================
// 派发
// ============================================================================

// Dispatch 派发一条任务记录
//
// 记录不处于可派发状态或已被替换时直接返回。选择失败时记录停在
// WAITING_FOR_AGENT 并返回 *model.DispatchError；其余错误原样返回。
func (d *Dispatcher) Dispatch(ctx context.Context, o *model.TaskOutcome) error {
	if !o.Status.Dispatchable() || !o.Current() {
		return nil
	}

	key := o.IdempotencyKey()
	claimed, err := d.claims.ClaimPublish(ctx, key, d.config.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim publish %s: %w", key, err)
	}
	if !claimed {
		log.Printf("[dispatch.skip] outcome_id=%s reason=claimed", o.ID)
		d.recorder.DispatchResult(ResultSkipped)
		return nil
	}

	var published bool
	defer func() {
		if published {
			return
		}
		if err := d.claims.ReleasePublish(context.WithoutCancel(ctx), key); err != nil {
			log.Printf("[dispatch.claim_release_failed] key=%s error=%v", key, err)
		}
	}()

	if o.Target.FanOut() && o.AgentID == "" {
		published, err = d.fanOut(ctx, o)
		return err
	}
	published, err = d.dispatchClaimed(ctx, o)
	return err
}

// fanOut 展开扇出任务：原记录锁定第一个 Agent，其余 Agent 各得一条确定性 id 的兄弟记录
//
// 返回值表示原记录是否已投递，投递成功时保留派发占用。
func (d *Dispatcher) fanOut(ctx context.Context, o *model.TaskOutcome) (bool, error) {
	agents, err := d.store.ListAgents(ctx, o.TeamID)
	if err != nil {
		return false, fmt.Errorf("list agents: %w", err)
	}
	selected, err := SelectAgents(o.Target, agents, SelectOptions{Now: d.now(), Timeout: d.config.ActiveAgentTimeout})
	if err != nil {
		return false, d.park(ctx, o, err)
	}

	first := selected[0].ID
	pinned, err := d.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
		storage.GuardStatuses(model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent),
		storage.OutcomeUpdate{AgentID: &first})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("pin fan-out outcome: %w", err)
	}
	log.Printf("[dispatch.fan_out] team=%s job=%s outcome=%s agents=%d",
		o.TeamID, o.JobID, o.ID, len(selected))

	for _, a := range selected[1:] {
		sibling := &model.TaskOutcome{
			ID:          model.FanOutID(o.ID, a.ID),
			TeamID:      o.TeamID,
			JobID:       o.JobID,
			JobDefID:    o.JobDefID,
			TaskDefID:   o.TaskDefID,
			TaskName:    o.TaskName,
			Target:      o.Target,
			Status:      model.TaskStatusNotStarted,
			AgentID:     a.ID,
			RuntimeVars: o.RuntimeVars,
			FanOutOf:    o.ID,
		}
		if err := d.CreateOutcome(ctx, sibling); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			log.Printf("[dispatch.fan_out_failed] outcome=%s agent=%s error=%v", o.ID, a.ID, err)
			continue
		}
		if err := d.Dispatch(ctx, sibling); err != nil {
			log.Printf("[dispatch.fan_out_waiting] outcome=%s agent=%s error=%v", sibling.ID, a.ID, err)
		}
	}

	return d.dispatchClaimed(ctx, pinned)
}

// selectFor 为记录选择一个 Agent（已在 exclude 中的除外）
func (d *Dispatcher) selectFor(o *model.TaskOutcome, agents []*model.Agent, exclude []string) (*model.Agent, error) {
	target := o.Target
	opts := SelectOptions{Now: d.now(), Timeout: d.config.ActiveAgentTimeout, Exclude: exclude}

	switch {
	case target.FanOut():
		// 已展开的扇出记录锁定在自己的 Agent 上
		target = model.SingleSpecificAgent(o.AgentID)
	case target.Kind == model.TargetCloudFunction:
		tags, ok := d.config.CloudRunner.Tags(target.Provider)
		if !ok || d.config.CloudRunner.TeamID == "" {
			return nil, &model.DispatchError{Code: model.FailureNoAgentAvailable, Reason: "no cloud runner for " + string(target.Provider)}
		}
		target = model.SingleAgentWithTags(tags)
		opts.Exclude = append(opts.Exclude, o.AttemptedAgentIDs...)
	case target.Kind != model.TargetSingleSpecificAgent:
		// 有多个候选时避开已尝试过的 Agent
		opts.Exclude = append(opts.Exclude, o.AttemptedAgentIDs...)
	}

	selected, err := SelectAgents(target, agents, opts)
	if err != nil {
		return nil, err
	}
	return selected[0], nil
}

// dispatchClaimed 在已占位的前提下完成选择、占槽和投递，返回是否已投递
func (d *Dispatcher) dispatchClaimed(ctx context.Context, o *model.TaskOutcome) (bool, error) {
	team := d.AgentTeam(o)
	agents, err := d.store.ListAgents(ctx, team)
	if err != nil {
		return false, fmt.Errorf("list agents: %w", err)
	}

	// 占槽失败的 Agent 本轮排除，在剩余候选中重新选择
	var full []string
	for {
		agent, err := d.selectFor(o, agents, full)
		if err != nil {
			return false, d.park(ctx, o, err)
		}
		ok, err := d.store.TryReserveAgentSlot(ctx, team, agent.ID, d.now())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("reserve slot on %s: %w", agent.ID, err)
		}
		if ok {
			return d.publish(ctx, o, agent)
		}
		log.Printf("[dispatch.slot_full] outcome_id=%s agent_id=%s", o.ID, agent.ID)
		full = append(full, agent.ID)
	}
}

// park 选择失败：记录停在 WAITING_FOR_AGENT 并写入原因码
func (d *Dispatcher) park(ctx context.Context, o *model.TaskOutcome, cause error) error {
	var de *model.DispatchError
	if !errors.As(cause, &de) {
		return cause
	}
	waiting := model.TaskStatusWaitingForAgent
	_, err := d.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
		storage.GuardStatuses(model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent),
		storage.OutcomeUpdate{Status: &waiting, FailureCode: &de.Code})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("park outcome %s: %w", o.ID, err)
	}
	log.Printf("[dispatch.waiting] team=%s job=%s outcome=%s code=%s", o.TeamID, o.JobID, o.ID, de.Code)
	d.recorder.DispatchResult(ResultNoAgent)
	return de
}

// publish 置 PUBLISHED 并投递；投递失败回滚到 WAITING_FOR_AGENT + LAUNCH_TASK_ERROR
func (d *Dispatcher) publish(ctx context.Context, o *model.TaskOutcome, agent *model.Agent) (bool, error) {
	team := d.AgentTeam(o)
	status := model.TaskStatusPublished
	none := model.FailureNone
	published, err := d.store.TransitionTaskOutcome(ctx, o.TeamID, o.ID,
		storage.GuardStatuses(model.TaskStatusNotStarted, model.TaskStatusWaitingForAgent),
		storage.OutcomeUpdate{
			Status:      &status,
			FailureCode: &none,
			AgentID:     &agent.ID,
		})
	if err != nil {
		d.releaseAgentSlot(ctx, team, agent.ID)
		if errors.Is(err, storage.ErrConflict) {
			// 并发的取消或派发已经改变了状态
			log.Printf("[dispatch.skip] outcome_id=%s reason=status_changed", o.ID)
			return false, nil
		}
		return false, fmt.Errorf("mark published: %w", err)
	}

	msg, err := d.buildMessage(ctx, published)
	if err == nil {
		_, err = d.queue.PublishTaskToAgent(ctx, team, agent.ID, msg)
	}
	if err != nil {
		d.rollback(ctx, published, err)
		d.releaseAgentSlot(ctx, team, agent.ID)
		d.recorder.DispatchResult(ResultPublishFailed)
		return false, fmt.Errorf("publish outcome %s to %s: %w", o.ID, agent.ID, err)
	}

	log.Printf("[dispatch.published] team=%s job=%s outcome=%s agent=%s",
		o.TeamID, o.JobID, o.ID, agent.ID)
	d.recorder.DispatchResult(ResultPublished)
	d.publishEvent(ctx, o.TeamID, eventbus.DomainTaskOutcome, eventbus.OpUpdate, published)
	return true, nil
}

func (d *Dispatcher) rollback(ctx context.Context, o *model.TaskOutcome, cause error) {
	waiting := model.TaskStatusWaitingForAgent
	code := model.FailureLaunchTaskError
	_, err := d.store.TransitionTaskOutcome(context.WithoutCancel(ctx), o.TeamID, o.ID,
		storage.GuardStatuses(model.TaskStatusPublished),
		storage.OutcomeUpdate{Status: &waiting, FailureCode: &code})
	if err != nil {
		log.Printf("[dispatch.rollback_failed] outcome_id=%s error=%v", o.ID, err)
		return
	}
	log.Printf("[dispatch.rollback] outcome_id=%s agent_id=%s cause=%v", o.ID, o.AgentID, cause)
}

func (d *Dispatcher) releaseAgentSlot(ctx context.Context, team, agentID string) {
	if err := d.store.ReleaseAgentSlot(context.WithoutCancel(ctx), team, agentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[dispatch.slot_release_failed] agent_id=%s error=%v", agentID, err)
	}
}

// ReleaseSlot 记录进入 INTERRUPTED 或终态后归还 Agent 槽位，每条记录只归还一次
func (d *Dispatcher) ReleaseSlot(ctx context.Context, o *model.TaskOutcome) error {
	if o.AgentID == "" {
		return nil
	}
	released, err := d.store.MarkSlotReleased(ctx, o.TeamID, o.ID)
	if err != nil {
		return fmt.Errorf("mark slot released: %w", err)
	}
	if !released {
		return nil
	}
	if err := d.store.ReleaseAgentSlot(ctx, d.AgentTeam(o), o.AgentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("release slot on %s: %w", o.AgentID, err)
	}
	return nil
}

// ============================================================================
// 载荷
// ============================================================================

// TaskPayload 投递给 Agent 的任务内容
type TaskPayload struct {
	OutcomeID   string          `json:"outcomeId"`
	JobID       string          `json:"jobId"`
	JobDefID    string          `json:"jobDefId"`
	TaskDefID   string          `json:"taskDefId"`
	TaskName    string          `json:"taskName"`
	Target      model.Target    `json:"target"`
	AutoRestart bool            `json:"autoRestart"`
	Variables   model.Variables `json:"runtimeVars,omitempty"`
	Steps       []StepPayload   `json:"steps"`
}

// StepPayload 任务内的一个步骤
type StepPayload struct {
	StepOutcomeID string          `json:"stepOutcomeId"`
	Name          string          `json:"name"`
	Order         int             `json:"order"`
	Script        string          `json:"script,omitempty"`
	Command       string          `json:"command,omitempty"`
	Arguments     string          `json:"arguments,omitempty"`
	Variables     model.Variables `json:"variables,omitempty"`
}

// BuildPayload 组装任务载荷：步骤按顺序，变量为作业默认值被记录变量覆盖后的结果
func (d *Dispatcher) BuildPayload(ctx context.Context, o *model.TaskOutcome) (*TaskPayload, error) {
	job, err := d.store.GetJob(ctx, o.TeamID, o.JobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", o.JobID, err)
	}
	defs, err := d.store.ListStepDefs(ctx, o.TeamID, o.TaskDefID)
	if err != nil {
		return nil, fmt.Errorf("list step definitions: %w", err)
	}
	byID := make(map[string]*model.StepDefinition, len(defs))
	for _, sd := range defs {
		byID[sd.ID] = sd
	}
	steps, err := d.store.ListStepOutcomes(ctx, o.TeamID, o.ID)
	if err != nil {
		return nil, fmt.Errorf("list step outcomes: %w", err)
	}

	payload := &TaskPayload{
		OutcomeID:   o.ID,
		JobID:       o.JobID,
		JobDefID:    o.JobDefID,
		TaskDefID:   o.TaskDefID,
		TaskName:    o.TaskName,
		Target:      o.Target,
		AutoRestart: o.AutoRestart,
		Variables:   job.Variables.Merge(o.RuntimeVars),
		Steps:       make([]StepPayload, 0, len(steps)),
	}
	for _, st := range steps {
		sp := StepPayload{StepOutcomeID: st.ID, Name: st.Name, Order: st.Order}
		if sd, ok := byID[st.StepDefID]; ok {
			sp.Script, sp.Command, sp.Arguments, sp.Variables = sd.Script, sd.Command, sd.Arguments, sd.Variables
		}
		payload.Steps = append(payload.Steps, sp)
	}
	return payload, nil
}

func (d *Dispatcher) buildMessage(ctx context.Context, o *model.TaskOutcome) (*queue.TaskMessage, error) {
	payload, err := d.BuildPayload(ctx, o)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &queue.TaskMessage{
		Kind:           queue.KindTask,
		TeamID:         o.TeamID,
		AgentID:        o.AgentID,
		JobID:          o.JobID,
		OutcomeID:      o.ID,
		IdempotencyKey: o.IdempotencyKey(),
		Payload:        raw,
		PublishedAt:    d.now(),
	}, nil
}

func (d *Dispatcher) publishEvent(ctx context.Context, teamID string, domain eventbus.DomainType, op eventbus.Operation, o *model.TaskOutcome) {
	if d.events == nil {
		return
	}
	delta := *o
	delta.RuntimeVars = o.RuntimeVars.Redacted()
	if err := d.events.PublishTeamEvent(ctx, teamID, domain, op, &delta); err != nil {
		log.Printf("[dispatch.event_failed] team=%s outcome=%s error=%v", teamID, o.ID, err)
	}
}

// NotifyOutcome 发布任务记录变更事件（变量已脱敏）
func (d *Dispatcher) NotifyOutcome(ctx context.Context, op eventbus.Operation, o *model.TaskOutcome) {
	d.publishEvent(ctx, o.TeamID, eventbus.DomainTaskOutcome, op, o)
}

// CloudRunnerTeam cloud runner 团队，未配置时为空
func (d *Dispatcher) CloudRunnerTeam() string {
	return d.config.CloudRunner.TeamID
}
