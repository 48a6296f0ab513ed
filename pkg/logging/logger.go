// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	TeamIDKey    ContextKey = "team_id"
	JobIDKey     ContextKey = "job_id"
	OutcomeIDKey ContextKey = "outcome_id"
	AgentIDKey   ContextKey = "agent_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	return NewWithWriter(cfg, openOutput(cfg.Output))
}

// NewWithWriter 输出到指定 Writer（测试用）
func NewWithWriter(cfg Config, output io.Writer) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(output string) io.Writer {
	switch output {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return os.Stdout
	}
	return f
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Component 日志器的组件名
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{Logger: l.Logger.With(attrs...), component: l.component}
}

// WithContext 从上下文提取请求 ID 与领域标识
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{RequestIDKey, TeamIDKey, JobIDKey, OutcomeIDKey, AgentIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// ContextWith 把标识写入上下文，供 WithContext 提取
func ContextWith(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// WithTeamID 添加团队 ID
func (l *Logger) WithTeamID(teamID string) *Logger {
	return l.with(slog.String("team_id", teamID))
}

// WithJobID 添加作业实例 ID
func (l *Logger) WithJobID(jobID string) *Logger {
	return l.with(slog.String("job_id", jobID))
}

// WithOutcomeID 添加任务执行记录 ID
func (l *Logger) WithOutcomeID(outcomeID string) *Logger {
	return l.with(slog.String("outcome_id", outcomeID))
}

// WithAgentID 添加 Agent ID
func (l *Logger) WithAgentID(agentID string) *Logger {
	return l.with(slog.String("agent_id", agentID))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, requestID string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("request_id", requestID),
	)
}

// SweepLog 后台清扫一轮的汇总
func (l *Logger) SweepLog(stale, recovered, expired int, duration time.Duration, err error) {
	attrs := []any{
		slog.Int("stale_agents", stale),
		slog.Int("recovered_agents", recovered),
		slog.Int("expired_stops", expired),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Sweep finished with errors", attrs...)
		return
	}
	if stale > 0 || expired > 0 {
		l.Logger.Info("Sweep finished", attrs...)
	} else {
		l.Logger.Debug("Sweep finished", attrs...)
	}
}
