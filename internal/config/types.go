// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env.{env} 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 密码/密钥只从环境变量读取，YAML 中不存储任何凭据。
//
// 配置路径确定策略：
//  1. SetConfigDir（--config 命令行参数）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/jobmesh/，dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer   APIServerConfig   `yaml:"api_server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Etcd        EtcdConfig        `yaml:"etcd"`
	Auth        AuthConfig        `yaml:"auth"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Queue       QueueConfig       `yaml:"queue"`
	CloudRunner CloudRunnerConfig `yaml:"cloud_runner"`
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mongodb"（默认）、"postgres"、"sqlite"、"memory"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从环境变量读取（DB_PASSWORD / MONGO_PASSWORD）
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

// RedisConfig Host 为空时使用进程内消息实现
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"`
}

// EtcdConfig Endpoints 为空时使用进程内锁
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret string `yaml:"-"`      // 只从 JWT_SECRET 环境变量读取
	Issuer    string `yaml:"issuer"` // 为空时不校验 iss
}

// LivenessConfig Agent 存活判定与后台清扫
type LivenessConfig struct {
	ActiveAgentTimeoutSeconds int           `yaml:"active_agent_timeout_seconds"`
	SweepInterval             time.Duration `yaml:"sweep_interval"`
	SweepBatchSize            int           `yaml:"sweep_batch_size"`
	RedispatchRetries         int           `yaml:"redispatch_retries"`
	RedispatchDelay           time.Duration `yaml:"redispatch_delay"`
	CancelGracePeriod         time.Duration `yaml:"cancel_grace_period"`
}

// QueueConfig Agent 队列
type QueueConfig struct {
	InactiveAgentQueueTTLHours int   `yaml:"inactive_agent_queue_ttl_hours"`
	MaxLen                     int64 `yaml:"max_len"`
}

// CloudRunnerConfig 云函数目标的执行团队
//
// CloudFunction 目标由该团队中携带 provider 对应标签的 runner Agent 执行。
type CloudRunnerConfig struct {
	TeamID    string                       `yaml:"team_id"`
	Providers map[string]map[string]string `yaml:"providers"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	Redis          RedisConfig
	Etcd           EtcdConfig
	APIPort        string
	Auth           AuthConfig
	Liveness       LivenessConfig
	Queue          QueueConfig
	CloudRunner    CloudRunnerConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// ActiveAgentTimeout Agent 心跳超时
func (c *Config) ActiveAgentTimeout() time.Duration {
	return time.Duration(c.Liveness.ActiveAgentTimeoutSeconds) * time.Second
}

// QueueTTL Agent 队列 TTL
func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.Queue.InactiveAgentQueueTTLHours) * time.Hour
}

// RedisEnabled 是否配置了 Redis
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != "" || c.Redis.URL != ""
}
