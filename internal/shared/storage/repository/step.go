// Package repository 步骤执行记录的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/dbutil"
)

const stepColumns = `id, team_id, job_id, task_outcome_id, step_def_id, name, sort_order, status, stdout, stderr,
	exit_code, last_update_id, date_started, date_completed, created_at, updated_at`

func scanStep(row rowScanner) (*model.StepOutcome, error) {
	st := &model.StepOutcome{}
	var exitCode, started, completed sql.NullInt64
	var created, updated int64
	if err := row.Scan(&st.ID, &st.TeamID, &st.JobID, &st.TaskOutcomeID, &st.StepDefID, &st.Name, &st.Order, &st.Status,
		&st.Stdout, &st.Stderr, &exitCode, &st.LastUpdateID, &started, &completed, &created, &updated); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		st.ExitCode = &code
	}
	st.DateStarted = dbutil.TimePtr(started)
	st.DateCompleted = dbutil.TimePtr(completed)
	st.CreatedAt, st.UpdatedAt = dbutil.FromMillis(created), dbutil.FromMillis(updated)
	return st, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// CreateStepOutcomes 在一个事务内批量创建步骤记录
func (s *Store) CreateStepOutcomes(ctx context.Context, steps []*model.StepOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`INSERT INTO step_outcomes (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`)
	for _, st := range steps {
		if err := insertIgnore(ctx, tx, query,
			st.ID, st.TeamID, st.JobID, st.TaskOutcomeID, st.StepDefID, st.Name, st.Order, int(st.Status),
			st.Stdout, st.Stderr, nullInt(st.ExitCode), st.LastUpdateID,
			dbutil.NullMillis(st.DateStarted), dbutil.NullMillis(st.DateCompleted),
			dbutil.Millis(st.CreatedAt), dbutil.Millis(st.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetStepOutcome 获取步骤记录
func (s *Store) GetStepOutcome(ctx context.Context, teamID, id string) (*model.StepOutcome, error) {
	query := s.rebind(`SELECT ` + stepColumns + ` FROM step_outcomes WHERE team_id = $1 AND id = $2`)
	st, err := scanStep(s.db.QueryRowContext(ctx, query, teamID, id))
	return st, notFound(err)
}

// ListStepOutcomes 按顺序列出任务记录的步骤
func (s *Store) ListStepOutcomes(ctx context.Context, teamID, taskOutcomeID string) ([]*model.StepOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+stepColumns+` FROM step_outcomes
		WHERE team_id = $1 AND task_outcome_id = $2 ORDER BY sort_order ASC`), teamID, taskOutcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.StepOutcome{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ApplyStepUpdate 单条 UPDATE：last_update_id 守卫 + 输出追加
func (s *Store) ApplyStepUpdate(ctx context.Context, teamID, id string, update storage.StepUpdate) (*model.StepOutcome, error) {
	var status sql.NullInt64
	if update.Status != nil {
		status = sql.NullInt64{Int64: int64(*update.Status), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE step_outcomes
		SET last_update_id = $1,
		    stdout = stdout || $2::text,
		    stderr = stderr || $3::text,
		    status = COALESCE($4::integer, status),
		    exit_code = COALESCE($5::integer, exit_code),
		    date_started = COALESCE($6::bigint, date_started),
		    date_completed = COALESCE($7::bigint, date_completed),
		    updated_at = $8
		WHERE team_id = $9 AND id = $10 AND last_update_id < $11`),
		update.LastUpdateID, update.AppendStdout, update.AppendStderr, status, nullInt(update.ExitCode),
		dbutil.NullMillis(update.DateStarted), dbutil.NullMillis(update.DateCompleted), dbutil.Millis(time.Now()),
		teamID, id, update.LastUpdateID)
	if err != nil {
		return nil, err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		ok, err := s.exists(ctx, s.db, "step_outcomes", teamID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrStaleUpdate
	}
	return s.GetStepOutcome(ctx, teamID, id)
}

// InterruptStepOutcomes 把未结束的步骤置为 INTERRUPTED
func (s *Store) InterruptStepOutcomes(ctx context.Context, teamID, taskOutcomeID string, now time.Time) (int, error) {
	at := dbutil.Millis(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE step_outcomes
		SET status = $1, date_completed = $2, updated_at = $3
		WHERE team_id = $4 AND task_outcome_id = $5 AND status <= $6`),
		int(model.StepStatusInterrupted), at, at, teamID, taskOutcomeID, int(model.StepStatusRunning))
	if err != nil {
		return 0, err
	}
	n, err := dbutil.RowsAffected(res)
	return int(n), err
}
