// Package main 编排服务入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"jobmesh/internal/apiserver/agent"
	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/jobdef"
	"jobmesh/internal/apiserver/jobrun"
	"jobmesh/internal/apiserver/recovery"
	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/apiserver/server"
	"jobmesh/internal/config"
	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/lock"
	"jobmesh/internal/shared/model"
	queueredis "jobmesh/internal/shared/queue/redis"
	"jobmesh/internal/shared/storage/factory"
	"jobmesh/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "配置文件目录")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	// 加载配置（自动加载 .env，APP_ENV 选择 {env}.yaml）
	cfg := config.Load()

	log.Printf("Starting orchestrator... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	if err := run(cfg); err != nil {
		log.Printf("Orchestrator error: %v", err)
		os.Exit(1)
	}
	fmt.Println("Orchestrator stopped")
}

func run(cfg *config.Config) error {
	store, err := factory.Open(factory.Options{
		Driver: cfg.DatabaseDriver,
		URL:    cfg.DatabaseURL,
		DBName: cfg.DatabaseDBName,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	msg, err := openMessaging(cfg)
	if err != nil {
		return err
	}
	defer msg.Stop()

	locker, closeLocker, err := openLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := msg.Start(ctx); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}

	metrics := server.NewMetrics("jobmesh")

	dispatcher := scheduler.NewDispatcher(store, msg, schedulerConfig(cfg))
	dispatcher.SetRecorder(metrics)

	jobs := jobrun.NewService(store, dispatcher, locker, msg.EventBus)
	engine := recovery.NewEngine(store, dispatcher, jobs, jobs)
	engine.SetRecorder(metrics)

	monitor := agent.NewMonitor(store, dispatcher, engine, msg.EventBus, &agent.Config{
		ActiveAgentTimeout: cfg.ActiveAgentTimeout(),
		SweepInterval:      cfg.Liveness.SweepInterval,
		SweepBatchSize:     cfg.Liveness.SweepBatchSize,
		RedispatchRetries:  cfg.Liveness.RedispatchRetries,
		RedispatchDelay:    cfg.Liveness.RedispatchDelay,
		CancelGracePeriod:  cfg.Liveness.CancelGracePeriod,
	})
	monitor.SetRecorder(metrics)
	defer monitor.Close()

	authCfg := auth.DefaultConfig()
	authCfg.JWTSecret = cfg.Auth.JWTSecret
	authCfg.Issuer = cfg.Auth.Issuer
	if authCfg.JWTSecret == "" {
		log.Printf("[orchestrator.auth_disabled] JWT_SECRET not set, team id taken from X-Team-Id header")
	}

	h := server.NewHandler(server.Deps{
		Store:       store,
		Messaging:   msg,
		Auth:        authCfg,
		Metrics:     metrics,
		Logger:      logging.Default("api"),
		Definitions: jobdef.NewService(store, locker, jobs),
		Jobs:        jobs,
		Monitor:     monitor,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.NewSweeper(monitor, logging.Default("sweeper")).Run(gctx)
	})
	g.Go(func() error {
		log.Printf("Orchestrator listening on :%s", cfg.APIPort)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// openMessaging 配置了 Redis 时使用 Redis，否则使用进程内实现
func openMessaging(cfg *config.Config) (*infra.Messaging, error) {
	if !cfg.RedisEnabled() {
		log.Println("Redis not configured, using in-process messaging")
		return infra.NewLocalMessaging(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	msg, err := infra.NewRedisMessaging(infra.RedisOptions{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		Queue: queueredis.Options{
			MaxLen: cfg.Queue.MaxLen,
			TTL:    cfg.QueueTTL(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return msg, nil
}

// openLocker 配置了 etcd 时使用跨副本锁，否则使用进程内锁
func openLocker(cfg *config.Config) (lock.Locker, func(), error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return lock.NewKeyedMutex(), func() {}, nil
	}

	l, err := lock.NewEtcdLocker(lock.EtcdConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: 5 * time.Second,
		Prefix:      cfg.Etcd.Prefix,
		SessionTTL:  30,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect etcd: %w", err)
	}
	log.Printf("Connected to etcd %v", cfg.Etcd.Endpoints)
	return l, func() {
		if err := l.Close(); err != nil {
			log.Printf("etcd close error: %v", err)
		}
	}, nil
}

func schedulerConfig(cfg *config.Config) *scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.ActiveAgentTimeout = cfg.ActiveAgentTimeout()
	sc.CloudRunner.TeamID = cfg.CloudRunner.TeamID
	if len(cfg.CloudRunner.Providers) > 0 {
		sc.CloudRunner.Providers = make(map[model.CloudProvider]map[string]string, len(cfg.CloudRunner.Providers))
		for p, tags := range cfg.CloudRunner.Providers {
			sc.CloudRunner.Providers[model.CloudProvider(p)] = tags
		}
	}
	return sc
}
