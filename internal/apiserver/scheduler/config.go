// Package scheduler 调度器配置
package scheduler

import (
	"time"

	"jobmesh/internal/shared/cache"
	"jobmesh/internal/shared/model"
)

// Config 调度器配置
type Config struct {
	// ActiveAgentTimeout 心跳超过该时长的 Agent 不参与选择
	ActiveAgentTimeout time.Duration `yaml:"active_agent_timeout"`

	// ClaimTTL 派发占位时长
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	// CloudRunner 云函数目标的执行团队
	CloudRunner CloudRunnerConfig `yaml:"cloud_runner"`
}

// CloudRunnerConfig 云函数目标路由配置
//
// CLOUD_FUNCTION 任务不在本团队执行，而是交给 TeamID 团队中
// 带有对应 provider 标签的 runner Agent（按 SINGLE_AGENT_WITH_TAGS 选择）。
type CloudRunnerConfig struct {
	TeamID    string                                    `yaml:"team_id"`
	Providers map[model.CloudProvider]map[string]string `yaml:"providers"`
}

// Tags 返回 provider 对应的 runner 标签
func (c CloudRunnerConfig) Tags(provider model.CloudProvider) (map[string]string, bool) {
	tags, ok := c.Providers[provider]
	return tags, ok && len(tags) > 0
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ActiveAgentTimeout: 120 * time.Second,
		ClaimTTL:           cache.TTLPublishClaim,
	}
}

// Validate 补全缺省值
func (c *Config) Validate() error {
	if c.ActiveAgentTimeout <= 0 {
		c.ActiveAgentTimeout = 120 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = cache.TTLPublishClaim
	}
	return nil
}
