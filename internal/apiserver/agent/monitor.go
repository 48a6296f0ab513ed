// Package agent Agent 存活监控
//
// 每个 Agent 的状态机：
//
//	ONLINE --(超过 activeAgentTimeout 无心跳)--> STALE：置 offline，恢复孤儿任务
//	STALE  --(收到心跳)--> ONLINE：重派团队内等待 Agent 的任务
//
// 只有这两条边触发动作；ONLINE 状态下的重复心跳只刷新时间戳。
// 置 offline 是以 lastHeartbeatTime 为条件的 CAS，清扫判定后到达的心跳总是胜出。
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"jobmesh/internal/apiserver/recovery"
	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
)

// Recorder 存活事件观测点
type Recorder interface {
	Heartbeat(reconnected bool)
	AgentsSwept(stale int)
	SweepCycle(d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) Heartbeat(bool)                 {}
func (nopRecorder) AgentsSwept(int)                {}
func (nopRecorder) SweepCycle(time.Duration, error) {}

// Monitor Agent 存活监控器
type Monitor struct {
	config     *Config
	store      storage.Store
	dispatcher *scheduler.Dispatcher
	recovery   *recovery.Engine
	events     eventbus.TeamEventBus
	recorder   Recorder
	now        func() time.Time

	// 后台重派
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewMonitor 创建存活监控器
func NewMonitor(store storage.Store, dispatcher *scheduler.Dispatcher, engine *recovery.Engine, events eventbus.TeamEventBus, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		recovery:   engine,
		events:     events,
		recorder:   nopRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
}

// SetRecorder 设置观测点
func (m *Monitor) SetRecorder(r Recorder) {
	if r != nil {
		m.recorder = r
	}
}

// Close 取消并等待进行中的后台重派
func (m *Monitor) Close() {
	m.bgCancel()
	m.bgWG.Wait()
}

// ============================================================================
// 心跳
// ============================================================================

// HeartbeatResult 心跳处理结果
type HeartbeatResult struct {
	Agent       *model.Agent `json:"agent"`
	Reconnected bool         `json:"reconnected"`
	// TasksToCancel 失联期间被判定崩溃并已取消的记录，Agent 应停止执行它们
	TasksToCancel []string `json:"tasksToCancel"`
}

// RecordHeartbeat 记录一次心跳
//
// 首次心跳、此前已离线、或距上次心跳超过两倍超时都视为重连：
// 返回失联期间被取消的记录，把该 Agent 从等待记录的已尝试列表中移除，
// 并在后台对团队内等待 Agent 的记录重派（首次 + RedispatchRetries 次）。
func (m *Monitor) RecordHeartbeat(ctx context.Context, hb *model.AgentHeartbeat) (*HeartbeatResult, error) {
	if hb.AgentID == "" || hb.TeamID == "" {
		return nil, &model.ValidationError{Field: "machineId", Reason: "agent id and team are required"}
	}
	hb.Time = m.now()

	prev, cur, err := m.store.RecordHeartbeat(ctx, hb)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	result := &HeartbeatResult{Agent: cur, TasksToCancel: []string{}}
	result.Reconnected = prev == nil || prev.Offline || hb.Time.Sub(prev.LastHeartbeatTime) > m.config.ReconnectGap()
	m.recorder.Heartbeat(result.Reconnected)
	if !result.Reconnected {
		return result, nil
	}

	op := eventbus.OpUpdate
	if prev == nil {
		op = eventbus.OpCreate
		log.Printf("[liveness.registered] team=%s agent=%s tags=%v", hb.TeamID, hb.AgentID, cur.Tags)
	} else {
		log.Printf("[liveness.reconnect] team=%s agent=%s offline=%v last_heartbeat=%s",
			hb.TeamID, hb.AgentID, prev.Offline, prev.LastHeartbeatTime.Format(time.RFC3339))
		cancelled, err := m.falsePositives(ctx, prev)
		if err != nil {
			log.Printf("[liveness.tasks_to_cancel_failed] team=%s agent=%s error=%v", hb.TeamID, hb.AgentID, err)
		} else {
			result.TasksToCancel = cancelled
		}
	}
	m.publishAgentEvent(ctx, op, cur)

	if err := m.store.PullAttemptedAgent(ctx, hb.TeamID, hb.AgentID); err != nil {
		log.Printf("[liveness.pull_attempted_failed] team=%s agent=%s error=%v", hb.TeamID, hb.AgentID, err)
	}
	m.redispatchInBackground(hb.TeamID)
	return result, nil
}

// falsePositives 上次心跳之后因失联被取消的记录：Agent 实际仍可能在执行它们
func (m *Monitor) falsePositives(ctx context.Context, prev *model.Agent) ([]string, error) {
	filter := storage.TaskOutcomeFilter{
		TeamID:      prev.TeamID,
		AgentID:     prev.ID,
		Statuses:    []model.TaskStatus{model.TaskStatusCancelled},
		FailureCode: model.FailureAgentCrashedOrLostConnectivity,
	}
	if prev.TeamID == m.dispatcher.CloudRunnerTeam() {
		filter.TeamID = ""
	}
	outcomes, err := m.store.ListTaskOutcomes(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, o := range outcomes {
		if m.dispatcher.AgentTeam(o) != prev.TeamID {
			continue
		}
		if o.DateCompleted != nil && o.DateCompleted.Before(prev.LastHeartbeatTime) {
			continue
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// redispatchInBackground 重派团队内等待 Agent 的记录，第 n 次重试前等待 n*RedispatchDelay
func (m *Monitor) redispatchInBackground(teamID string) {
	m.bgWG.Add(1)
	go func() {
		defer m.bgWG.Done()
		m.Redispatch(m.bgCtx, teamID)
	}()
}

// Redispatch 同步执行一轮带重试的重派，返回投递成功的总条数
func (m *Monitor) Redispatch(ctx context.Context, teamID string) int {
	total := 0
	for attempt := 0; attempt <= m.config.RedispatchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return total
			case <-time.After(time.Duration(attempt) * m.config.RedispatchDelay):
			}
		}
		n, err := m.dispatcher.RedispatchWaiting(ctx, teamID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total
			}
			log.Printf("[liveness.redispatch_failed] team=%s attempt=%d error=%v", teamID, attempt, err)
			continue
		}
		total += n
	}
	return total
}

// ============================================================================
// 清扫
// ============================================================================

// SweepStale 找出心跳超时且未标记离线的 Agent，置离线并恢复其孤儿任务
//
// 返回本轮置为离线的 Agent。CAS 失败（期间收到心跳）的 Agent 不处理。
func (m *Monitor) SweepStale(ctx context.Context, batchSize int) ([]*model.Agent, error) {
	offline, _, err := m.sweepStale(ctx, batchSize)
	return offline, err
}

func (m *Monitor) sweepStale(ctx context.Context, batchSize int) ([]*model.Agent, int, error) {
	if batchSize <= 0 {
		batchSize = m.config.SweepBatchSize
	}
	cutoff := m.now().Add(-m.config.ActiveAgentTimeout)
	stale, err := m.store.ListStaleAgents(ctx, cutoff, batchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list stale agents: %w", err)
	}

	var offline []*model.Agent
	recovered := 0
	for _, a := range stale {
		flipped, err := m.store.MarkAgentOffline(ctx, a.TeamID, a.ID, a.LastHeartbeatTime)
		if err != nil {
			log.Printf("[liveness.mark_offline_failed] team=%s agent=%s error=%v", a.TeamID, a.ID, err)
			continue
		}
		if !flipped {
			log.Printf("[liveness.sweep_skip] team=%s agent=%s reason=heartbeat_arrived", a.TeamID, a.ID)
			continue
		}
		a.Offline = true
		offline = append(offline, a)
		log.Printf("[liveness.offline] team=%s agent=%s last_heartbeat=%s",
			a.TeamID, a.ID, a.LastHeartbeatTime.Format(time.RFC3339))
		m.publishAgentEvent(ctx, eventbus.OpUpdate, a)

		// 已由上面的 CAS 置离线，恢复期间到达的心跳不会被覆盖
		if _, err := m.recovery.RecoverOffline(ctx, a.TeamID, a.ID); err != nil {
			log.Printf("[liveness.recover_failed] team=%s agent=%s error=%v", a.TeamID, a.ID, err)
			continue
		}
		recovered++
	}
	m.recorder.AgentsSwept(len(offline))
	return offline, recovered, nil
}

// SweepReport 一轮清扫的结果
type SweepReport struct {
	Offline      []*model.Agent
	Recovered    int // 孤儿恢复成功的 Agent 数
	ExpiredStops int
}

// Sweep 执行一轮清扫：超时 Agent 置离线并恢复，过期的停止请求置为 INTERRUPTED
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	offline, recovered, staleErr := m.sweepStale(ctx, m.config.SweepBatchSize)
	report.Offline, report.Recovered = offline, recovered

	expired, expireErr := m.recovery.ExpireStopRequests(ctx, m.now().Add(-m.config.CancelGracePeriod))
	report.ExpiredStops = expired
	return report, errors.Join(staleErr, expireErr)
}

func (m *Monitor) publishAgentEvent(ctx context.Context, op eventbus.Operation, a *model.Agent) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishTeamEvent(ctx, a.TeamID, eventbus.DomainAgent, op, a); err != nil {
		log.Printf("[liveness.event_failed] team=%s agent=%s error=%v", a.TeamID, a.ID, err)
	}
}
