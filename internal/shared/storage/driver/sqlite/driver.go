// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"jobmesh/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) UpsertConflict(conflictColumns string, updateExprs []string) string {
	return dbutil.UpsertOnConflict(conflictColumns, updateExprs)
}

// ForUpdate SQLite 不支持行锁，连接数为 1 时事务天然串行
func (d *Dialect) ForUpdate() string {
	return ""
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	return dbutil.ExecSchema(db, schema)
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:jobmesh.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// 单连接：写操作串行，且 :memory: 库不会因连接池分裂成多个库
	db.SetMaxOpenConns(1)

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（与 PostgreSQL 驱动的 schema 一一对应）
const schema = `
CREATE TABLE IF NOT EXISTS job_defs (
    id VARCHAR(64) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    name VARCHAR(200) NOT NULL,
    status INTEGER NOT NULL DEFAULT 10,
    max_instances INTEGER NOT NULL DEFAULT 0,
    misfire_grace_time INTEGER NOT NULL DEFAULT 0,
    coalesce_runs BOOLEAN NOT NULL DEFAULT 0,
    runtime_vars TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_defs_team ON job_defs(team_id);

CREATE TABLE IF NOT EXISTS task_defs (
    id VARCHAR(64) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    job_def_id VARCHAR(64) NOT NULL,
    name VARCHAR(200) NOT NULL,
    target TEXT NOT NULL,
    target_agent_id VARCHAR(64) NOT NULL DEFAULT '',
    from_routes TEXT NOT NULL DEFAULT '[]',
    to_routes TEXT NOT NULL DEFAULT '[]',
    auto_restart BOOLEAN NOT NULL DEFAULT 0,
    sort_order INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_defs_job ON task_defs(team_id, job_def_id);
CREATE INDEX IF NOT EXISTS idx_task_defs_agent ON task_defs(team_id, target_agent_id);

CREATE TABLE IF NOT EXISTS step_defs (
    id VARCHAR(64) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    task_def_id VARCHAR(64) NOT NULL,
    name VARCHAR(200) NOT NULL,
    sort_order INTEGER NOT NULL,
    script TEXT NOT NULL DEFAULT '',
    command TEXT NOT NULL DEFAULT '',
    arguments TEXT NOT NULL DEFAULT '',
    variables TEXT NOT NULL DEFAULT '{}',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_defs_task ON step_defs(team_id, task_def_id);

CREATE TABLE IF NOT EXISTS agents (
    team_id VARCHAR(64) NOT NULL,
    id VARCHAR(128) NOT NULL,
    name VARCHAR(200) NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '{}',
    last_heartbeat_time BIGINT NOT NULL DEFAULT 0,
    offline BOOLEAN NOT NULL DEFAULT 0,
    num_active_tasks INTEGER NOT NULL DEFAULT 0,
    last_task_assigned_time BIGINT NOT NULL DEFAULT 0,
    max_active_tasks INTEGER NOT NULL DEFAULT 0,
    handle_general_tasks BOOLEAN,
    reported_version VARCHAR(64) NOT NULL DEFAULT '',
    target_version VARCHAR(64) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (team_id, id)
);
CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(offline, last_heartbeat_time);

CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(64) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    job_def_id VARCHAR(64) NOT NULL,
    name VARCHAR(200) NOT NULL DEFAULT '',
    status INTEGER NOT NULL,
    runtime_vars TEXT NOT NULL DEFAULT '{}',
    date_started BIGINT NOT NULL DEFAULT 0,
    date_completed BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_def ON jobs(team_id, job_def_id, status);

CREATE TABLE IF NOT EXISTS task_outcomes (
    id VARCHAR(160) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    job_id VARCHAR(64) NOT NULL,
    job_def_id VARCHAR(64) NOT NULL DEFAULT '',
    task_def_id VARCHAR(64) NOT NULL,
    task_name VARCHAR(200) NOT NULL,
    target TEXT NOT NULL,
    status INTEGER NOT NULL,
    failure_code VARCHAR(64) NOT NULL DEFAULT '',
    agent_id VARCHAR(128) NOT NULL DEFAULT '',
    auto_restart BOOLEAN NOT NULL DEFAULT 0,
    runtime_vars TEXT NOT NULL DEFAULT '{}',
    route VARCHAR(200) NOT NULL DEFAULT '',
    attempted_agent_ids TEXT NOT NULL DEFAULT '[]',
    fan_out_of VARCHAR(160) NOT NULL DEFAULT '',
    replaced_by VARCHAR(160) NOT NULL DEFAULT '',
    slot_released BOOLEAN NOT NULL DEFAULT 0,
    date_started BIGINT,
    date_completed BIGINT,
    stop_requested_at BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_job ON task_outcomes(team_id, job_id);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_agent ON task_outcomes(team_id, agent_id, status);
CREATE INDEX IF NOT EXISTS idx_task_outcomes_status ON task_outcomes(status, stop_requested_at);

CREATE TABLE IF NOT EXISTS step_outcomes (
    id VARCHAR(64) PRIMARY KEY,
    team_id VARCHAR(64) NOT NULL,
    job_id VARCHAR(64) NOT NULL,
    task_outcome_id VARCHAR(160) NOT NULL,
    step_def_id VARCHAR(64) NOT NULL,
    name VARCHAR(200) NOT NULL DEFAULT '',
    sort_order INTEGER NOT NULL DEFAULT 0,
    status INTEGER NOT NULL,
    stdout TEXT NOT NULL DEFAULT '',
    stderr TEXT NOT NULL DEFAULT '',
    exit_code INTEGER,
    last_update_id BIGINT NOT NULL DEFAULT 0,
    date_started BIGINT,
    date_completed BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_outcomes_task ON step_outcomes(team_id, task_outcome_id);
`
