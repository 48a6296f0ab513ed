package model

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// Target - 任务派发目标
// ============================================================================

// TargetKind 派发目标类型
type TargetKind string

const (
	TargetSingleAgent         TargetKind = "SINGLE_AGENT"
	TargetAllAgents           TargetKind = "ALL_AGENTS"
	TargetSingleAgentWithTags TargetKind = "SINGLE_AGENT_WITH_TAGS"
	TargetAllAgentsWithTags   TargetKind = "ALL_AGENTS_WITH_TAGS"
	TargetSingleSpecificAgent TargetKind = "SINGLE_SPECIFIC_AGENT"
	TargetCloudFunction       TargetKind = "CLOUD_FUNCTION"
)

// CloudProvider 云函数提供方
type CloudProvider string

const (
	CloudAWSLambda        CloudProvider = "AWS_LAMBDA"
	CloudGCPFunction      CloudProvider = "GCP_FUNCTION"
	CloudAmazonAutomation CloudProvider = "AMAZON_AUTOMATION"
)

// Target 带载荷的派发目标
//
// 只通过构造函数创建；每种 Kind 只使用与之对应的字段：
//   - SingleAgentWithTags / AllAgentsWithTags：Tags
//   - SingleSpecificAgent：AgentID
//   - CloudFunction：Provider + Config
type Target struct {
	Kind     TargetKind        `json:"kind" bson:"kind"`
	Tags     map[string]string `json:"tags,omitempty" bson:"tags,omitempty"`
	AgentID  string            `json:"agentId,omitempty" bson:"agent_id,omitempty"`
	Provider CloudProvider     `json:"provider,omitempty" bson:"provider,omitempty"`
	Config   map[string]string `json:"config,omitempty" bson:"config,omitempty"`
}

// SingleAgent 团队内任意一个在线 Agent
func SingleAgent() Target { return Target{Kind: TargetSingleAgent} }

// AllAgents 团队内全部在线 Agent
func AllAgents() Target { return Target{Kind: TargetAllAgents} }

// SingleAgentWithTags 标签匹配的一个 Agent
func SingleAgentWithTags(tags map[string]string) Target {
	return Target{Kind: TargetSingleAgentWithTags, Tags: copyTags(tags)}
}

// AllAgentsWithTags 标签匹配的全部 Agent
func AllAgentsWithTags(tags map[string]string) Target {
	return Target{Kind: TargetAllAgentsWithTags, Tags: copyTags(tags)}
}

// SingleSpecificAgent 指定 Agent
func SingleSpecificAgent(agentID string) Target {
	return Target{Kind: TargetSingleSpecificAgent, AgentID: agentID}
}

// CloudFunction 云函数目标
func CloudFunction(provider CloudProvider, config map[string]string) Target {
	return Target{Kind: TargetCloudFunction, Provider: provider, Config: copyTags(config)}
}

// FanOut 是否派发到全部匹配 Agent
func (t Target) FanOut() bool {
	return t.Kind == TargetAllAgents || t.Kind == TargetAllAgentsWithTags
}

// NeedsTags 是否需要 requiredTags
func (t Target) NeedsTags() bool {
	return t.Kind == TargetSingleAgentWithTags || t.Kind == TargetAllAgentsWithTags
}

// GeneralPurpose 不带标签、不指定 Agent 的通用任务
func (t Target) GeneralPurpose() bool {
	return t.Kind == TargetSingleAgent || t.Kind == TargetAllAgents
}

// AllowsAutoRestart 自动重启只对单目标任务有效
func (t Target) AllowsAutoRestart() bool {
	return !t.FanOut()
}

// Validate 检查目标载荷是否与类型一致
func (t Target) Validate() error {
	switch t.Kind {
	case TargetSingleAgent, TargetAllAgents:
		return nil
	case TargetSingleAgentWithTags, TargetAllAgentsWithTags:
		if len(t.Tags) == 0 {
			return &ValidationError{Field: "target.tags", Reason: fmt.Sprintf("target %s requires at least one required tag", t.Kind)}
		}
		for k := range t.Tags {
			if strings.TrimSpace(k) == "" {
				return &ValidationError{Field: "target.tags", Reason: "required tag keys must not be empty"}
			}
		}
		return nil
	case TargetSingleSpecificAgent:
		if t.AgentID == "" {
			return &ValidationError{Field: "target.agentId", Reason: "target SINGLE_SPECIFIC_AGENT requires an agent id"}
		}
		return nil
	case TargetCloudFunction:
		switch t.Provider {
		case CloudAWSLambda, CloudGCPFunction, CloudAmazonAutomation:
			return nil
		default:
			return &ValidationError{Field: "target.provider", Reason: fmt.Sprintf("unknown cloud provider %q", t.Provider)}
		}
	default:
		return &ValidationError{Field: "target.kind", Reason: fmt.Sprintf("unknown target kind %q", t.Kind)}
	}
}

func (t Target) String() string {
	switch t.Kind {
	case TargetSingleAgentWithTags, TargetAllAgentsWithTags:
		keys := make([]string, 0, len(t.Tags))
		for k := range t.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+t.Tags[k])
		}
		return fmt.Sprintf("%s(%s)", t.Kind, strings.Join(pairs, ","))
	case TargetSingleSpecificAgent:
		return fmt.Sprintf("%s(%s)", t.Kind, t.AgentID)
	case TargetCloudFunction:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Provider)
	default:
		return string(t.Kind)
	}
}

// MatchTags agent 标签是否包含全部 required 键值对
func MatchTags(agentTags, required map[string]string) bool {
	for k, v := range required {
		if got, ok := agentTags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
