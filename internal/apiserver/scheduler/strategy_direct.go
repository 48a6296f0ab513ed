// Package scheduler 直接指定 Agent 的选择策略
package scheduler

import (
	"jobmesh/internal/shared/model"
)

// DirectStrategy 直接指定 Agent 选择策略
//
// SINGLE_SPECIFIC_AGENT 目标只接受 id 等于 target.AgentID 的 Agent。
// 扇出任务展开后的每条记录也按此策略锁定在各自的 Agent 上。
//
// 场景：
//   - 任务必须在某台机器上执行（本地文件、硬件、许可证）
//   - 调试或测试特定 Agent
type DirectStrategy struct{}

// NewDirectStrategy 创建直接指定策略
func NewDirectStrategy() *DirectStrategy {
	return &DirectStrategy{}
}

// Name 返回策略名称
func (s *DirectStrategy) Name() string {
	return "direct"
}

// Check 未指定 Agent 时返回 TARGET_AGENT_NOT_SPECIFIED
func (s *DirectStrategy) Check(target model.Target) error {
	if target.AgentID == "" {
		return &model.DispatchError{Code: model.FailureTargetAgentNotSpecified}
	}
	return nil
}

// Eligible 只接受指定的 Agent
func (s *DirectStrategy) Eligible(target model.Target, agent *model.Agent) bool {
	return agent.ID == target.AgentID
}
