package lock

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdConfig etcd 配置
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	// SessionTTL 会话租约秒数，持锁进程崩溃后锁在 TTL 内自动释放
	SessionTTL int
}

// EtcdLocker 基于 etcd concurrency.Mutex 的跨副本锁
type EtcdLocker struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
}

var _ Locker = (*EtcdLocker)(nil)

// NewEtcdLocker 连接 etcd 并建立会话
func NewEtcdLocker(cfg EtcdConfig) (*EtcdLocker, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/jobmesh"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd session: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &EtcdLocker{
		client:  client,
		session: session,
		prefix:  strings.TrimSuffix(cfg.Prefix, "/") + "/locks/",
	}, nil
}

// Lock 获取分布式锁
func (l *EtcdLocker) Lock(ctx context.Context, key string) (func(), error) {
	mu := concurrency.NewMutex(l.session, l.prefix+key)
	if err := mu.Lock(ctx); err != nil {
		return nil, fmt.Errorf("etcd lock %s: %w", key, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := mu.Unlock(ctx); err != nil {
			log.Printf("[lock.unlock_failed] key=%s err=%v", key, err)
		}
	}, nil
}

// Close 结束会话并关闭连接，会话持有的锁随之释放
func (l *EtcdLocker) Close() error {
	l.session.Close()
	return l.client.Close()
}
