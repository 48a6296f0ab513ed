// Package infra 消息基础设施聚合层
//
// Messaging 是调度器、存活监控与作业运行共用的消息客户端：
//   - Queue：Agent 任务队列
//   - EventBus：团队事件流
//   - Cache：派发幂等占位
//
// 由进程启动代码显式构造，Start 后注入各服务，退出时 Stop。
package infra

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"jobmesh/internal/shared/cache"
	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/queue"
)

// Messaging 消息客户端
type Messaging struct {
	Queue    queue.Queue
	EventBus eventbus.EventBus
	Cache    cache.Cache

	name    string
	mu      sync.Mutex
	started bool
	closers []func() error
}

// NewLocalMessaging 创建进程内消息客户端（开发模式与测试）
func NewLocalMessaging() *Messaging {
	return &Messaging{
		Queue:    queue.NewMemoryQueue(),
		EventBus: eventbus.NewMemoryEventBus(),
		Cache:    cache.NewMemoryCache(),
		name:     "local",
	}
}

// Start 检查各组件连通性，之后才接受派发
func (m *Messaging) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.health(ctx); err != nil {
		return fmt.Errorf("messaging start: %w", err)
	}
	m.started = true
	log.Printf("[infra.messaging_started] backend=%s", m.name)
	return nil
}

// Stop 关闭底层连接，重复调用无副作用
func (m *Messaging) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started && len(m.closers) == 0 {
		return nil
	}
	m.started = false

	var errs []error
	for _, closeFn := range m.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	log.Printf("[infra.messaging_stopped] backend=%s", m.name)
	return errors.Join(errs...)
}

// Health 健康检查
func (m *Messaging) Health(ctx context.Context) error {
	return m.health(ctx)
}

func (m *Messaging) health(ctx context.Context) error {
	if err := m.Queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := m.EventBus.Ping(ctx); err != nil {
		return fmt.Errorf("eventbus: %w", err)
	}
	if err := m.Cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Backend 当前后端名称
func (m *Messaging) Backend() string {
	return m.name
}
