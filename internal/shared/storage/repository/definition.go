// Package repository 作业/任务/步骤定义的存储操作
package repository

import (
	"context"
	"fmt"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/dbutil"
)

// ============================================================================
// JobDefinition
// ============================================================================

const jobDefColumns = `id, team_id, name, status, max_instances, misfire_grace_time, coalesce_runs, runtime_vars, version, created_at, updated_at`

func scanJobDef(row rowScanner) (*model.JobDefinition, error) {
	jd := &model.JobDefinition{}
	var vars string
	var created, updated int64
	if err := row.Scan(&jd.ID, &jd.TeamID, &jd.Name, &jd.Status, &jd.MaxInstances, &jd.MisfireGraceTime,
		&jd.Coalesce, &vars, &jd.Version, &created, &updated); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(vars, &jd.Variables); err != nil {
		return nil, err
	}
	jd.CreatedAt, jd.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return jd, nil
}

// CreateJobDef 创建作业定义
func (s *Store) CreateJobDef(ctx context.Context, jd *model.JobDefinition) error {
	vars, err := dbutil.JSON(jd.Variables)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO job_defs (` + jobDefColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`)
	return insertIgnore(ctx, s.db, query,
		jd.ID, jd.TeamID, jd.Name, int(jd.Status), jd.MaxInstances, jd.MisfireGraceTime, jd.Coalesce,
		vars, jd.Version, dbutil.Millis(jd.CreatedAt), dbutil.Millis(jd.UpdatedAt))
}

// GetJobDef 获取作业定义
func (s *Store) GetJobDef(ctx context.Context, teamID, id string) (*model.JobDefinition, error) {
	query := s.rebind(`SELECT ` + jobDefColumns + ` FROM job_defs WHERE team_id = $1 AND id = $2`)
	jd, err := scanJobDef(s.db.QueryRowContext(ctx, query, teamID, id))
	return jd, notFound(err)
}

// ListJobDefs 列出团队的作业定义
func (s *Store) ListJobDefs(ctx context.Context, teamID string) ([]*model.JobDefinition, error) {
	query := s.rebind(`SELECT ` + jobDefColumns + ` FROM job_defs WHERE team_id = $1 ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.JobDefinition{}
	for rows.Next() {
		jd, err := scanJobDef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jd)
	}
	return out, rows.Err()
}

// UpdateJobDef 覆盖作业定义的可变字段
func (s *Store) UpdateJobDef(ctx context.Context, jd *model.JobDefinition) error {
	vars, err := dbutil.JSON(jd.Variables)
	if err != nil {
		return err
	}
	query := s.rebind(`UPDATE job_defs
		SET name = $1, status = $2, max_instances = $3, misfire_grace_time = $4, coalesce_runs = $5,
		    runtime_vars = $6, version = $7, updated_at = $8
		WHERE team_id = $9 AND id = $10`)
	res, err := s.db.ExecContext(ctx, query,
		jd.Name, int(jd.Status), jd.MaxInstances, jd.MisfireGraceTime, jd.Coalesce,
		vars, jd.Version, dbutil.Millis(jd.UpdatedAt), jd.TeamID, jd.ID)
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

// DeleteJobDef 删除作业定义及其任务、步骤定义
func (s *Store) DeleteJobDef(ctx context.Context, teamID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM job_defs WHERE team_id = $1 AND id = $2`), teamID, id)
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
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM step_defs
		WHERE team_id = $1 AND task_def_id IN (SELECT id FROM task_defs WHERE team_id = $2 AND job_def_id = $3)`),
		teamID, teamID, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_defs WHERE team_id = $1 AND job_def_id = $2`), teamID, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ============================================================================
// TaskDefinition
// ============================================================================

const taskDefColumns = `id, team_id, job_def_id, name, target, from_routes, to_routes, auto_restart, sort_order, created_at, updated_at`

func scanTaskDef(row rowScanner) (*model.TaskDefinition, error) {
	td := &model.TaskDefinition{}
	var target, from, to string
	var created, updated int64
	if err := row.Scan(&td.ID, &td.TeamID, &td.JobDefID, &td.Name, &target, &from, &to,
		&td.AutoRestart, &td.Order, &created, &updated); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw string
		dst interface{}
	}{{target, &td.Target}, {from, &td.FromRoutes}, {to, &td.ToRoutes}} {
		if err := dbutil.ScanJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	td.CreatedAt, td.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return td, nil
}

// GetTaskDef 获取任务定义
func (s *Store) GetTaskDef(ctx context.Context, teamID, id string) (*model.TaskDefinition, error) {
	query := s.rebind(`SELECT ` + taskDefColumns + ` FROM task_defs WHERE team_id = $1 AND id = $2`)
	td, err := scanTaskDef(s.db.QueryRowContext(ctx, query, teamID, id))
	return td, notFound(err)
}

// ListTaskDefs 按 sort_order、name 列出作业的任务定义
func (s *Store) ListTaskDefs(ctx context.Context, teamID, jobDefID string) ([]*model.TaskDefinition, error) {
	query := s.rebind(`SELECT ` + taskDefColumns + ` FROM task_defs
		WHERE team_id = $1 AND job_def_id = $2 ORDER BY sort_order ASC, name ASC`)
	rows, err := s.db.QueryContext(ctx, query, teamID, jobDefID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.TaskDefinition{}
	for rows.Next() {
		td, err := scanTaskDef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

// SaveTaskDefs 在一个事务内写入任务变更
func (s *Store) SaveTaskDefs(ctx context.Context, teamID, jobDefID string, upserts []*model.TaskDefinition, deleteIDs []string) error {
	for _, td := range upserts {
		if td.TeamID != teamID || td.JobDefID != jobDefID {
			return storage.ErrConflict
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range deleteIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM step_defs WHERE team_id = $1 AND task_def_id = $2`), teamID, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_defs WHERE team_id = $1 AND id = $2`), teamID, id); err != nil {
			return err
		}
	}

	conflict := s.dialect.UpsertConflict("id", []string{
		"name = EXCLUDED.name",
		"target = EXCLUDED.target",
		"target_agent_id = EXCLUDED.target_agent_id",
		"from_routes = EXCLUDED.from_routes",
		"to_routes = EXCLUDED.to_routes",
		"auto_restart = EXCLUDED.auto_restart",
		"sort_order = EXCLUDED.sort_order",
		"updated_at = EXCLUDED.updated_at",
	})
	query := s.rebind(fmt.Sprintf(`INSERT INTO task_defs
		(id, team_id, job_def_id, name, target, target_agent_id, from_routes, to_routes, auto_restart, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		%s`, conflict))
	for _, td := range upserts {
		target, err := dbutil.JSON(td.Target)
		if err != nil {
			return err
		}
		from, err := dbutil.JSON(routesOrEmpty(td.FromRoutes))
		if err != nil {
			return err
		}
		to, err := dbutil.JSON(routesOrEmpty(td.ToRoutes))
		if err != nil {
			return err
		}
		targetAgent := ""
		if td.Target.Kind == model.TargetSingleSpecificAgent {
			targetAgent = td.Target.AgentID
		}
		if _, err := tx.ExecContext(ctx, query,
			td.ID, td.TeamID, td.JobDefID, td.Name, target, targetAgent, from, to, td.AutoRestart, td.Order,
			dbutil.Millis(td.CreatedAt), dbutil.Millis(td.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func routesOrEmpty(routes []model.Route) []model.Route {
	if routes == nil {
		return []model.Route{}
	}
	return routes
}

// CountTaskDefsTargetingAgent 统计指定 Agent 的任务定义
func (s *Store) CountTaskDefsTargetingAgent(ctx context.Context, teamID, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM task_defs WHERE team_id = $1 AND target_agent_id = $2`),
		teamID, agentID).Scan(&n)
	return n, err
}

// ============================================================================
// StepDefinition
// ============================================================================

const stepDefColumns = `id, team_id, task_def_id, name, sort_order, script, command, arguments, variables, created_at, updated_at`

func scanStepDef(row rowScanner) (*model.StepDefinition, error) {
	sd := &model.StepDefinition{}
	var vars string
	var created, updated int64
	if err := row.Scan(&sd.ID, &sd.TeamID, &sd.TaskDefID, &sd.Name, &sd.Order, &sd.Script, &sd.Command,
		&sd.Arguments, &vars, &created, &updated); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(vars, &sd.Variables); err != nil {
		return nil, err
	}
	sd.CreatedAt, sd.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return sd, nil
}

// GetStepDef 获取步骤定义
func (s *Store) GetStepDef(ctx context.Context, teamID, id string) (*model.StepDefinition, error) {
	query := s.rebind(`SELECT ` + stepDefColumns + ` FROM step_defs WHERE team_id = $1 AND id = $2`)
	sd, err := scanStepDef(s.db.QueryRowContext(ctx, query, teamID, id))
	return sd, notFound(err)
}

// ListStepDefs 按 sort_order 列出任务的步骤
func (s *Store) ListStepDefs(ctx context.Context, teamID, taskDefID string) ([]*model.StepDefinition, error) {
	query := s.rebind(`SELECT ` + stepDefColumns + ` FROM step_defs
		WHERE team_id = $1 AND task_def_id = $2 ORDER BY sort_order ASC`)
	rows, err := s.db.QueryContext(ctx, query, teamID, taskDefID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.StepDefinition{}
	for rows.Next() {
		sd, err := scanStepDef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// SaveStepDefs 在一个事务内写入步骤变更
func (s *Store) SaveStepDefs(ctx context.Context, teamID, taskDefID string, upserts []*model.StepDefinition, deleteIDs []string) error {
	for _, sd := range upserts {
		if sd.TeamID != teamID || sd.TaskDefID != taskDefID {
			return storage.ErrConflict
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range deleteIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM step_defs WHERE team_id = $1 AND id = $2`), teamID, id); err != nil {
			return err
		}
	}

	conflict := s.dialect.UpsertConflict("id", []string{
		"name = EXCLUDED.name",
		"sort_order = EXCLUDED.sort_order",
		"script = EXCLUDED.script",
		"command = EXCLUDED.command",
		"arguments = EXCLUDED.arguments",
		"variables = EXCLUDED.variables",
		"updated_at = EXCLUDED.updated_at",
	})
	query := s.rebind(fmt.Sprintf(`INSERT INTO step_defs (`+stepDefColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		%s`, conflict))
	for _, sd := range upserts {
		vars, err := dbutil.JSON(sd.Variables)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			sd.ID, sd.TeamID, sd.TaskDefID, sd.Name, sd.Order, sd.Script, sd.Command, sd.Arguments, vars,
			dbutil.Millis(sd.CreatedAt), dbutil.Millis(sd.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
