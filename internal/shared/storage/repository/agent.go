// Package repository Agent 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/dbutil"
)

const agentColumns = `team_id, id, name, tags, last_heartbeat_time, offline, num_active_tasks, last_task_assigned_time,
	max_active_tasks, handle_general_tasks, reported_version, target_version, created_at, updated_at`

func scanAgent(row rowScanner) (*model.Agent, error) {
	a := &model.Agent{}
	var tags string
	var heartbeat, assigned, created, updated int64
	var general sql.NullBool
	if err := row.Scan(&a.TeamID, &a.ID, &a.Name, &tags, &heartbeat, &a.Offline, &a.NumActiveTasks, &assigned,
		&a.PropertyOverrides.MaxActiveTasks, &general, &a.ReportedVersion, &a.TargetVersion, &created, &updated); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(tags, &a.Tags); err != nil {
		return nil, err
	}
	if general.Valid {
		v := general.Bool
		a.PropertyOverrides.HandleGeneralTasks = &v
	}
	a.LastHeartbeatTime = dbutil.FromMillis(heartbeat)
	a.LastTaskAssignedTime = dbutil.FromMillis(assigned)
	a.CreatedAt, a.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return a, nil
}

func (s *Store) getAgent(ctx context.Context, q querier, teamID, id, suffix string) (*model.Agent, error) {
	query := s.rebind(`SELECT ` + agentColumns + ` FROM agents WHERE team_id = $1 AND id = $2` + suffix)
	a, err := scanAgent(q.QueryRowContext(ctx, query, teamID, id))
	return a, notFound(err)
}

// GetAgent 获取 Agent
func (s *Store) GetAgent(ctx context.Context, teamID, id string) (*model.Agent, error) {
	return s.getAgent(ctx, s.db, teamID, id, "")
}

func (s *Store) listAgents(ctx context.Context, query string, args ...interface{}) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAgents 列出团队的 Agent
func (s *Store) ListAgents(ctx context.Context, teamID string) ([]*model.Agent, error) {
	return s.listAgents(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE team_id = $1 ORDER BY id ASC`), teamID)
}

// DeleteAgent 删除 Agent
func (s *Store) DeleteAgent(ctx context.Context, teamID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE team_id = $1 AND id = $2`), teamID, id)
	if err != nil {
		return err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateAgentOverrides 覆盖用户可调属性
func (s *Store) UpdateAgentOverrides(ctx context.Context, teamID, id string, overrides model.AgentOverrides) (*model.Agent, error) {
	var general sql.NullBool
	if overrides.HandleGeneralTasks != nil {
		general = sql.NullBool{Bool: *overrides.HandleGeneralTasks, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents
		SET max_active_tasks = $1, handle_general_tasks = $2, updated_at = $3
		WHERE team_id = $4 AND id = $5`),
		overrides.MaxActiveTasks, general, dbutil.Millis(time.Now()), teamID, id)
	if err != nil {
		return nil, err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetAgent(ctx, teamID, id)
}

// RecordHeartbeat 事务内读出旧记录并 upsert 心跳
func (s *Store) RecordHeartbeat(ctx context.Context, hb *model.AgentHeartbeat) (*model.Agent, *model.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	prev, err := s.getAgent(ctx, tx, hb.TeamID, hb.AgentID, s.dialect.ForUpdate())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	name, tags, version := hb.Name, hb.Tags, hb.ReportedVersion
	if prev != nil {
		if name == "" {
			name = prev.Name
		}
		if tags == nil {
			tags = prev.Tags
		}
		if version == "" {
			version = prev.ReportedVersion
		}
	}
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := dbutil.JSON(tags)
	if err != nil {
		return nil, nil, err
	}

	at := dbutil.Millis(hb.Time)
	conflict := s.dialect.UpsertConflict("team_id, id", []string{
		"name = EXCLUDED.name",
		"tags = EXCLUDED.tags",
		"last_heartbeat_time = EXCLUDED.last_heartbeat_time",
		"offline = EXCLUDED.offline",
		"reported_version = EXCLUDED.reported_version",
		"updated_at = EXCLUDED.updated_at",
	})
	query := s.rebind(fmt.Sprintf(`INSERT INTO agents
		(team_id, id, name, tags, last_heartbeat_time, offline, reported_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		%s`, conflict))
	if _, err := tx.ExecContext(ctx, query,
		hb.TeamID, hb.AgentID, name, tagsJSON, at, false, version, at, at); err != nil {
		return nil, nil, err
	}

	cur, err := s.getAgent(ctx, tx, hb.TeamID, hb.AgentID, "")
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return prev, cur, nil
}

// MarkAgentOffline CAS 标记离线
func (s *Store) MarkAgentOffline(ctx context.Context, teamID, id string, observed time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents SET offline = $1, updated_at = $2
		WHERE team_id = $3 AND id = $4 AND offline = $5 AND last_heartbeat_time = $6`),
		true, dbutil.Millis(time.Now()), teamID, id, false, dbutil.Millis(observed))
	if err != nil {
		return false, err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	ok, err := s.exists(ctx, s.db, "agents", teamID, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// ListStaleAgents 跨团队查询心跳过期的在线 Agent
func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time, limit int) ([]*model.Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listAgents(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents
		WHERE offline = $1 AND last_heartbeat_time < $2
		ORDER BY last_heartbeat_time ASC LIMIT $3`), false, dbutil.Millis(cutoff), limit)
}

// TryReserveAgentSlot 单条带容量守卫的 UPDATE
func (s *Store) TryReserveAgentSlot(ctx context.Context, teamID, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents
		SET num_active_tasks = num_active_tasks + 1, last_task_assigned_time = $1
		WHERE team_id = $2 AND id = $3 AND (max_active_tasks <= 0 OR num_active_tasks < max_active_tasks)`),
		dbutil.Millis(now), teamID, id)
	if err != nil {
		return false, err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	ok, err := s.exists(ctx, s.db, "agents", teamID, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// ReleaseAgentSlot 释放一个槽位，不低于 0
func (s *Store) ReleaseAgentSlot(ctx context.Context, teamID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents
		SET num_active_tasks = CASE WHEN num_active_tasks > 0 THEN num_active_tasks - 1 ELSE 0 END
		WHERE team_id = $1 AND id = $2`), teamID, id)
	if err != nil {
		return err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
