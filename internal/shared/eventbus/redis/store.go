// Package redis 基于 Redis Streams 的团队事件总线
package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"jobmesh/internal/shared/eventbus"
)

// Store Redis 事件总线存储
type Store struct {
	client *redis.Client
}

var _ eventbus.EventBus = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建事件总线实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
