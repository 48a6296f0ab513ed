// Package redis Redis 缓存实现
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmesh/internal/shared/cache"
)

// Store Redis 缓存存储
type Store struct {
	client *redis.Client
}

var _ cache.Cache = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建缓存实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// ClaimPublish SET NX EX 占位
func (s *Store) ClaimPublish(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, cache.KeyPublishClaim+key, time.Now().UnixMilli(), ttl).Result()
}

// ReleasePublish 释放占位
func (s *Store) ReleasePublish(ctx context.Context, key string) error {
	return s.client.Del(ctx, cache.KeyPublishClaim+key).Err()
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}
