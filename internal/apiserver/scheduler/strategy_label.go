// Package scheduler 标签匹配选择策略
package scheduler

import (
	"strings"

	"jobmesh/internal/shared/model"
)

// LabelMatchStrategy 标签匹配选择策略
//
// 根据任务的 requiredTags，选择标签完全匹配的 Agent。
// 匹配规则：requiredTags 必须是 Agent tags 的子集（键值都相等）。
//
// 场景：
//   - 任务要求 env=prod，只派发到生产环境 Agent
//   - 任务要求 os=windows，只派发到 Windows Agent
type LabelMatchStrategy struct{}

// NewLabelMatchStrategy 创建标签匹配策略
func NewLabelMatchStrategy() *LabelMatchStrategy {
	return &LabelMatchStrategy{}
}

// Name 返回策略名称
func (s *LabelMatchStrategy) Name() string {
	return "label_match"
}

// Check requiredTags 为空或含空键时返回 MISSING_TARGET_TAGS
func (s *LabelMatchStrategy) Check(target model.Target) error {
	if len(target.Tags) == 0 {
		return &model.DispatchError{Code: model.FailureMissingTargetTags}
	}
	for k := range target.Tags {
		if strings.TrimSpace(k) == "" {
			return &model.DispatchError{Code: model.FailureMissingTargetTags, Reason: "empty tag key"}
		}
	}
	return nil
}

// Eligible 检查 Agent 是否满足任务的标签要求
func (s *LabelMatchStrategy) Eligible(target model.Target, agent *model.Agent) bool {
	return model.MatchTags(agent.Tags, target.Tags)
}

// GeneralStrategy 通用任务选择策略
//
// SINGLE_AGENT / ALL_AGENTS 可派发到团队内任意 Agent，
// 但 propertyOverrides.handleGeneralTasks=false 的 Agent 只接收带标签或指定的任务。
type GeneralStrategy struct{}

// NewGeneralStrategy 创建通用任务策略
func NewGeneralStrategy() *GeneralStrategy {
	return &GeneralStrategy{}
}

// Name 返回策略名称
func (s *GeneralStrategy) Name() string {
	return "general"
}

// Check 通用任务没有载荷要求
func (s *GeneralStrategy) Check(target model.Target) error {
	return nil
}

// Eligible Agent 是否接收通用任务
func (s *GeneralStrategy) Eligible(target model.Target, agent *model.Agent) bool {
	return agent.PropertyOverrides.AcceptsGeneralTasks()
}
