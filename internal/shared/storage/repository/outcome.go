// Package repository 作业实例与任务执行记录的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/dbutil"
)

// ============================================================================
// JobInstance
// ============================================================================

const jobColumns = `id, team_id, job_def_id, name, status, runtime_vars, date_started, date_completed, created_at, updated_at`

func scanJob(row rowScanner) (*model.JobInstance, error) {
	j := &model.JobInstance{}
	var vars string
	var started, created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&j.ID, &j.TeamID, &j.JobDefID, &j.Name, &j.Status, &vars, &started, &completed, &created, &updated); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(vars, &j.Variables); err != nil {
		return nil, err
	}
	j.DateStarted = dbutil.FromMillis(started)
	j.DateCompleted = dbutil.TimePtr(completed)
	j.CreatedAt, j.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return j, nil
}

// CreateJob 创建作业实例
func (s *Store) CreateJob(ctx context.Context, job *model.JobInstance) error {
	vars, err := dbutil.JSON(job.Variables)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`)
	return insertIgnore(ctx, s.db, query,
		job.ID, job.TeamID, job.JobDefID, job.Name, int(job.Status), vars,
		dbutil.Millis(job.DateStarted), dbutil.NullMillis(job.DateCompleted),
		dbutil.Millis(job.CreatedAt), dbutil.Millis(job.UpdatedAt))
}

// GetJob 获取作业实例
func (s *Store) GetJob(ctx context.Context, teamID, id string) (*model.JobInstance, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE team_id = $1 AND id = $2`)
	j, err := scanJob(s.db.QueryRowContext(ctx, query, teamID, id))
	return j, notFound(err)
}

// CountActiveJobs 统计已启动且未结束的作业实例
func (s *Store) CountActiveJobs(ctx context.Context, teamID, jobDefID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM jobs WHERE team_id = $1 AND job_def_id = $2 AND status >= $3 AND status < $4`),
		teamID, jobDefID, int(model.JobStatusRunning), int(model.JobStatusCompleted)).Scan(&n)
	return n, err
}

// ListQueuedJobs 排队中的作业实例，先创建的在前
func (s *Store) ListQueuedJobs(ctx context.Context, teamID, jobDefID string, limit int) ([]*model.JobInstance, error) {
	conds := []string{"team_id = $1", "job_def_id = $2", "status = $3"}
	args := []interface{}{teamID, jobDefID, int(model.JobStatusNotStarted)}
	suffix := " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		args = append(args, limit)
		suffix += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	query, args := dbutil.BuildDynamicQuery(s.dialect, `SELECT `+jobColumns+` FROM jobs`, conds, suffix, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.JobInstance{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobStatus 更新作业状态与完成时间
func (s *Store) UpdateJobStatus(ctx context.Context, teamID, id string, status model.JobStatus, completed *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE jobs SET status = $1, date_completed = $2, updated_at = $3 WHERE team_id = $4 AND id = $5`),
		int(status), dbutil.NullMillis(completed), dbutil.Millis(time.Now()), teamID, id)
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

// ============================================================================
// TaskOutcome
// ============================================================================

const outcomeColumns = `id, team_id, job_id, job_def_id, task_def_id, task_name, target, status, failure_code, agent_id,
	auto_restart, runtime_vars, route, attempted_agent_ids, fan_out_of, replaced_by, slot_released,
	date_started, date_completed, stop_requested_at, created_at, updated_at`

func scanOutcome(row rowScanner) (*model.TaskOutcome, error) {
	o := &model.TaskOutcome{}
	var target, vars, attempted string
	var started, completed, stopAt sql.NullInt64
	var created, updated int64
	if err := row.Scan(&o.ID, &o.TeamID, &o.JobID, &o.JobDefID, &o.TaskDefID, &o.TaskName, &target, &o.Status,
		&o.FailureCode, &o.AgentID, &o.AutoRestart, &vars, &o.Route, &attempted, &o.FanOutOf, &o.ReplacedBy,
		&o.SlotReleased, &started, &completed, &stopAt, &created, &updated); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(target, &o.Target); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(vars, &o.RuntimeVars); err != nil {
		return nil, err
	}
	if err := dbutil.ScanJSON(attempted, &o.AttemptedAgentIDs); err != nil {
		return nil, err
	}
	o.DateStarted = dbutil.TimePtr(started)
	o.DateCompleted = dbutil.TimePtr(completed)
	o.StopRequestedAt = dbutil.TimePtr(stopAt)
	o.CreatedAt, o.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return o, nil
}

func attemptedJSON(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	return dbutil.JSON(ids)
}

// CreateTaskOutcome 创建任务执行记录
func (s *Store) CreateTaskOutcome(ctx context.Context, o *model.TaskOutcome) error {
	target, err := dbutil.JSON(o.Target)
	if err != nil {
		return err
	}
	vars, err := dbutil.JSON(o.RuntimeVars)
	if err != nil {
		return err
	}
	attempted, err := attemptedJSON(o.AttemptedAgentIDs)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO task_outcomes (` + outcomeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING`)
	return insertIgnore(ctx, s.db, query,
		o.ID, o.TeamID, o.JobID, o.JobDefID, o.TaskDefID, o.TaskName, target, int(o.Status), string(o.FailureCode), o.AgentID,
		o.AutoRestart, vars, o.Route, attempted, o.FanOutOf, o.ReplacedBy, o.SlotReleased,
		dbutil.NullMillis(o.DateStarted), dbutil.NullMillis(o.DateCompleted), dbutil.NullMillis(o.StopRequestedAt),
		dbutil.Millis(o.CreatedAt), dbutil.Millis(o.UpdatedAt))
}

func (s *Store) getOutcome(ctx context.Context, q querier, teamID, id, suffix string) (*model.TaskOutcome, error) {
	query := s.rebind(`SELECT ` + outcomeColumns + ` FROM task_outcomes WHERE team_id = $1 AND id = $2` + suffix)
	o, err := scanOutcome(q.QueryRowContext(ctx, query, teamID, id))
	return o, notFound(err)
}

// GetTaskOutcome 获取任务执行记录
func (s *Store) GetTaskOutcome(ctx context.Context, teamID, id string) (*model.TaskOutcome, error) {
	return s.getOutcome(ctx, s.db, teamID, id, "")
}

// outcomeConditions 把过滤条件翻译为 WHERE 子句，与 TaskOutcomeFilter.Match 一一对应
func outcomeConditions(f storage.TaskOutcomeFilter) ([]string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(expr string, vals ...interface{}) {
		for _, v := range vals {
			args = append(args, v)
			expr = strings.Replace(expr, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conds = append(conds, expr)
	}
	if f.TeamID != "" {
		add("team_id = ?", f.TeamID)
	}
	if f.JobID != "" {
		add("job_id = ?", f.JobID)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+dbutil.PlaceholderList(len(args)+1, len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, int(st))
		}
	}
	if f.StatusBelow != 0 {
		add("status < ?", int(f.StatusBelow))
	}
	if f.FailureCode != "" {
		add("failure_code = ?", string(f.FailureCode))
	}
	if f.StopRequestedBefore != nil {
		add("stop_requested_at IS NOT NULL AND stop_requested_at < ?", dbutil.Millis(*f.StopRequestedBefore))
	}
	if f.CurrentOnly {
		add("replaced_by = ''")
	}
	return conds, args
}

// ListTaskOutcomes 按条件查询任务执行记录，按创建时间升序
func (s *Store) ListTaskOutcomes(ctx context.Context, filter storage.TaskOutcomeFilter) ([]*model.TaskOutcome, error) {
	conds, args := outcomeConditions(filter)
	suffix := " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		suffix += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	query, args := dbutil.BuildDynamicQuery(s.dialect, `SELECT `+outcomeColumns+` FROM task_outcomes`, conds, suffix, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.TaskOutcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TransitionTaskOutcome 事务内锁行、校验守卫、写回可变字段
func (s *Store) TransitionTaskOutcome(ctx context.Context, teamID, id string, guard storage.OutcomeGuard, update storage.OutcomeUpdate) (*model.TaskOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := s.getOutcome(ctx, tx, teamID, id, s.dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	if !guard.Allows(o) {
		return nil, storage.ErrConflict
	}
	update.ApplyTo(o, time.Now())

	vars, err := dbutil.JSON(o.RuntimeVars)
	if err != nil {
		return nil, err
	}
	attempted, err := attemptedJSON(o.AttemptedAgentIDs)
	if err != nil {
		return nil, err
	}
	query := s.rebind(`UPDATE task_outcomes
		SET status = $1, failure_code = $2, agent_id = $3, runtime_vars = $4, route = $5,
		    attempted_agent_ids = $6, replaced_by = $7, date_started = $8, date_completed = $9,
		    stop_requested_at = $10, updated_at = $11
		WHERE team_id = $12 AND id = $13`)
	if _, err := tx.ExecContext(ctx, query,
		int(o.Status), string(o.FailureCode), o.AgentID, vars, o.Route, attempted, o.ReplacedBy,
		dbutil.NullMillis(o.DateStarted), dbutil.NullMillis(o.DateCompleted), dbutil.NullMillis(o.StopRequestedAt),
		dbutil.Millis(o.UpdatedAt), teamID, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// MarkSlotReleased CAS slot_released false→true
func (s *Store) MarkSlotReleased(ctx context.Context, teamID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE task_outcomes SET slot_released = $1 WHERE team_id = $2 AND id = $3 AND slot_released = $4`),
		true, teamID, id, false)
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
	ok, err := s.exists(ctx, s.db, "task_outcomes", teamID, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// PullAttemptedAgent 事务内改写所有 WAITING_FOR_AGENT 记录的尝试列表
func (s *Store) PullAttemptedAgent(ctx context.Context, teamID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id, attempted_agent_ids FROM task_outcomes
		WHERE team_id = $1 AND status = $2`+s.dialect.ForUpdate()), teamID, int(model.TaskStatusWaitingForAgent))
	if err != nil {
		return err
	}
	changed := map[string]string{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var ids []string
		if err := dbutil.ScanJSON(raw, &ids); err != nil {
			rows.Close()
			return err
		}
		kept := make([]string, 0, len(ids))
		for _, a := range ids {
			if a != agentID {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(ids) {
			continue
		}
		encoded, err := attemptedJSON(kept)
		if err != nil {
			rows.Close()
			return err
		}
		changed[id] = encoded
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for id, encoded := range changed {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE task_outcomes SET attempted_agent_ids = $1 WHERE team_id = $2 AND id = $3`),
			encoded, teamID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
