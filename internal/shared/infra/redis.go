// Package infra Redis 消息基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	cacheredis "jobmesh/internal/shared/cache/redis"
	eventbusredis "jobmesh/internal/shared/eventbus/redis"
	queueredis "jobmesh/internal/shared/queue/redis"
)

// RedisOptions Redis 连接与队列参数
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Queue    queueredis.Options
}

// NewRedisMessaging 从地址创建基于 Redis 的消息客户端
//
// 三个组件共用一个连接池，Stop 时只关闭一次。
func NewRedisMessaging(opts RedisOptions) (*Messaging, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &Messaging{
		Queue:    queueredis.NewStoreFromClient(client, opts.Queue),
		EventBus: eventbusredis.NewStoreFromClient(client),
		Cache:    cacheredis.NewStoreFromClient(client),
		name:     "redis",
		closers:  []func() error{client.Close},
	}, nil
}
