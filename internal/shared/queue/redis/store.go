// Package redis 基于 Redis Streams 的 Agent 任务队列
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmesh/internal/shared/queue"
)

// Options 队列参数
type Options struct {
	// MaxLen 每个 Agent Stream 的近似长度上限
	MaxLen int64
	// TTL Agent 队列在最后一次写入后的存活时间（inactiveAgentQueueTTLHours）
	TTL time.Duration
}

// Store Redis 队列存储
type Store struct {
	client *redis.Client
	opts   Options
}

var _ queue.Queue = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *redis.Client, opts Options) *Store {
	if opts.MaxLen <= 0 {
		opts.MaxLen = queue.DefaultMaxLen
	}
	return &Store{client: client, opts: opts}
}

// NewStoreFromURL 从 URL 创建队列实例
func NewStoreFromURL(redisURL string, opts Options) (*Store, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(ro)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", ro.Addr)
	return NewStoreFromClient(client, opts), nil
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
