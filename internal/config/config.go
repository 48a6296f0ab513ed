package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息）
// 2. 加载 {env}.yaml 覆盖默认值
// 3. 环境变量覆盖
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, loadedFrom := loadYAMLConfig(env)
	return build(env, yamlCfg, loadedFrom)
}

func build(env Environment, y *YAMLConfig, loadedFrom string) *Config {
	db := y.Database
	db.Password = firstEnv("DB_PASSWORD", "MONGO_PASSWORD")
	if d := os.Getenv("DB_DRIVER"); d != "" {
		db.Driver = d
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(db.Driver, databaseURL)
	db.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(db, db.Password)
	}

	redisCfg := y.Redis
	redisCfg.Password = os.Getenv("REDIS_PASSWORD")
	if u := os.Getenv("REDIS_URL"); u != "" {
		redisCfg.URL = u
	}

	etcdCfg := y.Etcd
	if eps := os.Getenv("ETCD_ENDPOINTS"); eps != "" {
		etcdCfg.Endpoints = strings.Split(eps, ",")
	}

	auth := y.Auth
	auth.JWTSecret = os.Getenv("JWT_SECRET")

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseDBName: db.Name,
		Redis:          redisCfg,
		Etcd:           etcdCfg,
		APIPort:        getEnv("API_PORT", y.APIServer.Port),
		Auth:           auth,
		Liveness:       y.Liveness,
		Queue:          y.Queue,
		CloudRunner:    y.CloudRunner,
		ConfigFilePath: loadedFrom,
	}
	if v := os.Getenv("ACTIVE_AGENT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Liveness.ActiveAgentTimeoutSeconds = n
		}
	}
	cfg.Liveness.validate()
	cfg.Queue.validate()
	return cfg
}

// defaults 代码硬编码默认值
func defaults() *YAMLConfig {
	return &YAMLConfig{
		APIServer: APIServerConfig{Port: "8080"},
		Database:  DatabaseConfig{Driver: "mongodb", Host: "localhost", Port: 27017, Name: "jobmesh", SSLMode: "disable"},
		Etcd:      EtcdConfig{Prefix: "/jobmesh"},
		Liveness: LivenessConfig{
			ActiveAgentTimeoutSeconds: 120,
			SweepInterval:             15 * time.Second,
			SweepBatchSize:            100,
			RedispatchRetries:         2,
			RedispatchDelay:           time.Second,
			CancelGracePeriod:         5 * time.Minute,
		},
		Queue: QueueConfig{InactiveAgentQueueTTLHours: 24, MaxLen: 1000},
	}
}

// loadYAMLConfig 默认值 → {env}.yaml
func loadYAMLConfig(env Environment) (*YAMLConfig, string) {
	cfg := defaults()

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths(env) {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Printf("[config.parse_failed] path=%s err=%v", path, err)
			continue
		}
		return cfg, path
	}
	return cfg, ""
}

// validate 填充存活检测默认值
func (l *LivenessConfig) validate() {
	if l.ActiveAgentTimeoutSeconds <= 0 {
		l.ActiveAgentTimeoutSeconds = 120
	}
	if l.SweepInterval <= 0 {
		l.SweepInterval = 15 * time.Second
	}
	if l.SweepBatchSize <= 0 {
		l.SweepBatchSize = 100
	}
	if l.RedispatchRetries < 0 {
		l.RedispatchRetries = 0
	}
	if l.RedispatchDelay <= 0 {
		l.RedispatchDelay = time.Second
	}
	if l.CancelGracePeriod <= 0 {
		l.CancelGracePeriod = 5 * time.Minute
	}
}

func (q *QueueConfig) validate() {
	if q.InactiveAgentQueueTTLHours <= 0 {
		q.InactiveAgentQueueTTLHours = 24
	}
	if q.MaxLen <= 0 {
		q.MaxLen = 1000
	}
}
