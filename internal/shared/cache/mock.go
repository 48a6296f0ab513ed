// Package cache 进程内缓存实现
package cache

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// MemoryCache - 进程内 Cache 实现（开发模式与测试）
// ============================================================================

// MemoryCache 带过期时间的进程内占位表
type MemoryCache struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[string]time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache 创建 MemoryCache 实例
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now, claims: make(map[string]time.Time)}
}

func (c *MemoryCache) ClaimPublish(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) ReleasePublish(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}

// Ping 检查连接
func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

// Close 关闭缓存
func (c *MemoryCache) Close() error { return nil }
