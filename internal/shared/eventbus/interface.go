// Package eventbus 团队事件总线抽象接口
//
// 领域状态变化（任务记录、步骤记录、Agent、作业实例）以团队为单位广播，
// 控制台和外部集成订阅这些事件。当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// TeamEventBus 团队事件总线接口
type TeamEventBus interface {
	// PublishTeamEvent 发布团队事件，delta 序列化为 JSON
	PublishTeamEvent(ctx context.Context, teamID string, domain DomainType, op Operation, delta interface{}) error
	GetTeamEvents(ctx context.Context, teamID, fromID string, count int64) ([]*TeamEvent, error)
	SubscribeTeamEvents(ctx context.Context, teamID string) (<-chan *TeamEvent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	TeamEventBus
	Ping(ctx context.Context) error
	Close() error
}
