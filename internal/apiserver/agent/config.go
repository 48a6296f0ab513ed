package agent

import "time"

// Config 存活判定与清扫配置
type Config struct {
	ActiveAgentTimeout time.Duration // 心跳超时
	SweepInterval      time.Duration
	SweepBatchSize     int
	RedispatchRetries  int           // 重连后额外重派的次数
	RedispatchDelay    time.Duration // 第 n 次重派前等待 n*RedispatchDelay
	CancelGracePeriod  time.Duration // 停止请求等待 Agent 确认的时长
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ActiveAgentTimeout: 120 * time.Second,
		SweepInterval:      15 * time.Second,
		SweepBatchSize:     100,
		RedispatchRetries:  2,
		RedispatchDelay:    time.Second,
		CancelGracePeriod:  5 * time.Minute,
	}
}

// Validate 为未设置的字段填入默认值
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.ActiveAgentTimeout <= 0 {
		c.ActiveAgentTimeout = d.ActiveAgentTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.RedispatchRetries < 0 {
		c.RedispatchRetries = 0
	}
	if c.RedispatchDelay < 0 {
		c.RedispatchDelay = 0
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = d.CancelGracePeriod
	}
}

// ReconnectGap 两次心跳间隔超过该值视为重连
func (c *Config) ReconnectGap() time.Duration {
	return 2 * c.ActiveAgentTimeout
}
