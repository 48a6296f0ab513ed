// Package cache 缓存层抽象接口
//
// 保存带过期时间的临时状态，当前由 Redis 实现。
package cache

import (
	"context"
	"time"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// PublishClaimCache 派发幂等占位
//
// 派发前以幂等键（jobId:outcomeId）占位，同一键在 TTL 内只能被占一次；
// 派发失败回滚时释放，使后续重试可以重新占位。
type PublishClaimCache interface {
	ClaimPublish(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleasePublish(ctx context.Context, key string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	PublishClaimCache
	Ping(ctx context.Context) error
	Close() error
}
