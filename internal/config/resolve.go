package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

var (
	// configDir 由 --config 指定，非空时只在该目录查找
	configDir string

	// dotenvDirs .env.{env} 的查找目录
	dotenvDirs = []string{".", ".."}
)

// SetConfigDir 指定配置目录，传空串恢复默认查找顺序
func SetConfigDir(dir string) {
	configDir = dir
}

// effectiveConfigPaths 配置目录查找顺序：SetConfigDir > CONFIG_DIR > 按环境的默认目录
//
// prod 只读 /etc/jobmesh；dev/test 从工作目录向上找 configs/，
// 便于在包目录下运行测试。
func effectiveConfigPaths(env Environment) []string {
	switch {
	case configDir != "":
		return []string{configDir}
	case os.Getenv("CONFIG_DIR") != "":
		return []string{os.Getenv("CONFIG_DIR")}
	case env == EnvProduction:
		return []string{"/etc/jobmesh"}
	}
	return []string{"configs", filepath.Join("..", "configs"), filepath.Join("..", "..", "configs")}
}

// loadEnvFiles 加载第一个找到的 .env.{env}
//
// 已存在的环境变量不会被覆盖。生产环境的凭据由进程管理器注入，不读文件。
func loadEnvFiles(env Environment) {
	if env == EnvProduction {
		return
	}
	name := ".env." + string(env)
	for _, dir := range dotenvDirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}
