package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// buildDatabaseURL 根据驱动拼装连接串，用户名和密码经过转义
func buildDatabaseURL(db DatabaseConfig, password string) string {
	switch strings.ToLower(db.Driver) {
	case "memory":
		return ""
	case "sqlite":
		path := db.Path
		if path == "" {
			path = "/var/lib/jobmesh/jobmesh.db"
		}
		return "file:" + path + "?cache=shared&mode=rwc"
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(db.User, password),
			Host:     hostPort(db.Host, db.Port),
			Path:     "/" + db.Name,
			RawQuery: url.Values{"sslmode": {db.SSLMode}}.Encode(),
		}
		return u.String()
	}

	if db.URI != "" {
		return db.URI
	}
	u := url.URL{Scheme: "mongodb", Host: hostPort(db.Host, db.Port)}
	if db.User != "" && password != "" {
		u.User = url.UserPassword(db.User, password)
	}
	return u.String()
}

// detectDatabaseDriver 显式 driver 优先，其次按 DATABASE_URL 前缀判断，默认 mongodb
func detectDatabaseDriver(driver, databaseURL string) string {
	d := strings.ToLower(driver)
	switch d {
	case "sqlite", "postgres", "mongodb", "memory":
		return d
	}

	for prefix, name := range map[string]string{
		"file:":         "sqlite",
		"sqlite:":       "sqlite",
		"postgres://":   "postgres",
		"postgresql://": "postgres",
	} {
		if strings.HasPrefix(databaseURL, prefix) {
			return name
		}
	}
	return "mongodb"
}

// buildRedisURL URL 字段非空时直接使用
func buildRedisURL(r RedisConfig) string {
	if r.URL != "" {
		return r.URL
	}
	u := url.URL{Scheme: "redis", Host: hostPort(r.Host, r.Port), Path: "/" + strconv.Itoa(r.DB)}
	if r.Password != "" {
		u.User = url.UserPassword("", r.Password)
	}
	return u.String()
}

func hostPort(host string, port int) string {
	if port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}

// credentialPattern 匹配 scheme://user: 之后、认证段最后一个 @ 之前的密码
var credentialPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*://[^:@/?#]*:)[^/?#]*@`)

// maskPassword 把连接串中的密码替换为 ***，多主机连接串同样适用
func maskPassword(raw string) string {
	return credentialPattern.ReplaceAllString(raw, "${1}***@")
}

// parseEnv 未识别的取值视为 dev
func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	}
	return EnvDevelopment
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := firstEnv(key); v != "" {
		return v
	}
	return fallback
}

// RedisURL 未配置 Redis 时为空
func (c *Config) RedisURL() string {
	if !c.RedisEnabled() {
		return ""
	}
	return buildRedisURL(c.Redis)
}

// String 配置摘要，密码已遮蔽
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s, Etcd: %v, AgentTimeout: %ds, File: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL()),
		c.Etcd.Endpoints, c.Liveness.ActiveAgentTimeoutSeconds, c.ConfigFilePath)
}
