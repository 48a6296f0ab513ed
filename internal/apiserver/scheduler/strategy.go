// Package scheduler 选择策略接口和 Agent 选择入口
package scheduler

import (
	"time"

	"jobmesh/internal/shared/model"
)

// Strategy 选择策略接口
//
// 每种派发目标对应一个策略，策略只回答"该 Agent 是否满足目标约束"；
// 在线判定、容量过滤和排序由 SelectAgents 统一完成。
type Strategy interface {
	// Name 返回策略名称（用于日志）
	Name() string

	// Check 目标载荷是否可用于选择，不可用时返回 *model.DispatchError
	Check(target model.Target) error

	// Eligible agent 是否满足目标约束
	Eligible(target model.Target, agent *model.Agent) bool
}

// SelectOptions 一次选择的上下文
type SelectOptions struct {
	Now     time.Time
	Timeout time.Duration // activeAgentTimeout
	Exclude []string      // 本轮不参与选择的 Agent（已尝试、占槽失败）
}

func (o SelectOptions) excluded(agentID string) bool {
	for _, id := range o.Exclude {
		if id == agentID {
			return true
		}
	}
	return false
}

var (
	directStrategy  = NewDirectStrategy()
	labelStrategy   = NewLabelMatchStrategy()
	generalStrategy = NewGeneralStrategy()
)

// strategyFor 按目标取策略，云函数目标在调用前已改写为带标签目标
func strategyFor(target model.Target) Strategy {
	switch {
	case target.Kind == model.TargetSingleSpecificAgent:
		return directStrategy
	case target.NeedsTags():
		return labelStrategy
	case target.GeneralPurpose():
		return generalStrategy
	default:
		return nil
	}
}

// SelectAgents 为目标从团队 Agent 中选择执行者
//
// 只考虑在线 Agent。单目标任务额外排除已满容量的 Agent，按负载均衡策略返回一个；
// 扇出任务返回全部匹配的在线 Agent（容量由各自的派发记录在占槽时处理）。
// 无可选 Agent 时返回 *model.DispatchError。
func SelectAgents(target model.Target, agents []*model.Agent, opts SelectOptions) ([]*model.Agent, error) {
	strategy := strategyFor(target)
	if strategy == nil {
		return nil, &model.DispatchError{Code: model.FailureNoAgentAvailable, Reason: "unsupported target " + string(target.Kind)}
	}
	if err := strategy.Check(target); err != nil {
		return nil, err
	}

	var matched []*model.Agent
	for _, a := range agents {
		if !a.Online(opts.Now, opts.Timeout) || opts.excluded(a.ID) {
			continue
		}
		if !strategy.Eligible(target, a) {
			continue
		}
		if !target.FanOut() && !a.HasCapacity() {
			continue
		}
		matched = append(matched, a)
	}

	if len(matched) == 0 {
		return nil, &model.DispatchError{Code: model.FailureNoAgentAvailable, Reason: strategy.Name() + ": no eligible agent"}
	}

	rankByLoad(matched)
	if target.FanOut() {
		return matched, nil
	}
	return matched[:1], nil
}
