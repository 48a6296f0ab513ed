package mongostore

import (
	"context"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// JobDefinition
// ============================================================================

func (s *Store) CreateJobDef(ctx context.Context, jd *model.JobDefinition) error {
	return insertOne(ctx, s.col(ColJobDefs), jd)
}

func (s *Store) GetJobDef(ctx context.Context, teamID, id string) (*model.JobDefinition, error) {
	return findOne[model.JobDefinition](ctx, s.col(ColJobDefs), byTeam(teamID, id))
}

func (s *Store) ListJobDefs(ctx context.Context, teamID string) ([]*model.JobDefinition, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findMany[model.JobDefinition](ctx, s.col(ColJobDefs), bson.D{{Key: "team_id", Value: teamID}}, opts)
}

func (s *Store) UpdateJobDef(ctx context.Context, jd *model.JobDefinition) error {
	res, err := s.col(ColJobDefs).ReplaceOne(ctx, byTeam(jd.TeamID, jd.ID), jd)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteJobDef 先删作业定义，再级联删除任务与步骤定义
func (s *Store) DeleteJobDef(ctx context.Context, teamID, id string) error {
	if err := deleteOne(ctx, s.col(ColJobDefs), teamID, id); err != nil {
		return err
	}
	tasks, err := s.ListTaskDefs(ctx, teamID, id)
	if err != nil {
		return err
	}
	ids := make(bson.A, 0, len(tasks))
	for _, td := range tasks {
		ids = append(ids, td.ID)
	}
	if len(ids) > 0 {
		if _, err := s.col(ColStepDefs).DeleteMany(ctx, bson.D{
			{Key: "team_id", Value: teamID},
			{Key: "task_def_id", Value: bson.D{{Key: "$in", Value: ids}}},
		}); err != nil {
			return wrapError(err)
		}
	}
	_, err = s.col(ColTaskDefs).DeleteMany(ctx, bson.D{{Key: "team_id", Value: teamID}, {Key: "job_def_id", Value: id}})
	return wrapError(err)
}

// ============================================================================
// TaskDefinition
// ============================================================================

func (s *Store) GetTaskDef(ctx context.Context, teamID, id string) (*model.TaskDefinition, error) {
	return findOne[model.TaskDefinition](ctx, s.col(ColTaskDefs), byTeam(teamID, id))
}

func (s *Store) ListTaskDefs(ctx context.Context, teamID, jobDefID string) ([]*model.TaskDefinition, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "name", Value: 1}})
	return findMany[model.TaskDefinition](ctx, s.col(ColTaskDefs),
		bson.D{{Key: "team_id", Value: teamID}, {Key: "job_def_id", Value: jobDefID}}, opts)
}

// SaveTaskDefs 有序 BulkWrite：先删除再逐个 upsert
//
// 单机 mongod 不支持多文档事务；写入前整组变更已通过图校验，
// 中途失败时调用方重试同一批变更即可收敛。
func (s *Store) SaveTaskDefs(ctx context.Context, teamID, jobDefID string, upserts []*model.TaskDefinition, deleteIDs []string) error {
	for _, td := range upserts {
		if td.TeamID != teamID || td.JobDefID != jobDefID {
			return storage.ErrConflict
		}
	}

	var writes []mongo.WriteModel
	if len(deleteIDs) > 0 {
		writes = append(writes, mongo.NewDeleteManyModel().SetFilter(bson.D{
			{Key: "team_id", Value: teamID},
			{Key: "_id", Value: bson.D{{Key: "$in", Value: deleteIDs}}},
		}))
	}
	for _, td := range upserts {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(byTeam(teamID, td.ID)).
			SetReplacement(td).
			SetUpsert(true))
	}
	if len(writes) > 0 {
		if _, err := s.col(ColTaskDefs).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true)); err != nil {
			return wrapError(err)
		}
	}
	if len(deleteIDs) > 0 {
		if _, err := s.col(ColStepDefs).DeleteMany(ctx, bson.D{
			{Key: "team_id", Value: teamID},
			{Key: "task_def_id", Value: bson.D{{Key: "$in", Value: deleteIDs}}},
		}); err != nil {
			return wrapError(err)
		}
	}
	return nil
}

func (s *Store) CountTaskDefsTargetingAgent(ctx context.Context, teamID, agentID string) (int, error) {
	n, err := s.col(ColTaskDefs).CountDocuments(ctx, bson.D{
		{Key: "team_id", Value: teamID},
		{Key: "target.kind", Value: model.TargetSingleSpecificAgent},
		{Key: "target.agent_id", Value: agentID},
	})
	return int(n), wrapError(err)
}

// ============================================================================
// StepDefinition
// ============================================================================

func (s *Store) GetStepDef(ctx context.Context, teamID, id string) (*model.StepDefinition, error) {
	return findOne[model.StepDefinition](ctx, s.col(ColStepDefs), byTeam(teamID, id))
}

func (s *Store) ListStepDefs(ctx context.Context, teamID, taskDefID string) ([]*model.StepDefinition, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}})
	return findMany[model.StepDefinition](ctx, s.col(ColStepDefs),
		bson.D{{Key: "team_id", Value: teamID}, {Key: "task_def_id", Value: taskDefID}}, opts)
}

func (s *Store) SaveStepDefs(ctx context.Context, teamID, taskDefID string, upserts []*model.StepDefinition, deleteIDs []string) error {
	for _, sd := range upserts {
		if sd.TeamID != teamID || sd.TaskDefID != taskDefID {
			return storage.ErrConflict
		}
	}

	var writes []mongo.WriteModel
	if len(deleteIDs) > 0 {
		writes = append(writes, mongo.NewDeleteManyModel().SetFilter(bson.D{
			{Key: "team_id", Value: teamID},
			{Key: "_id", Value: bson.D{{Key: "$in", Value: deleteIDs}}},
		}))
	}
	for _, sd := range upserts {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(byTeam(teamID, sd.ID)).
			SetReplacement(sd).
			SetUpsert(true))
	}
	if len(writes) == 0 {
		return nil
	}
	_, err := s.col(ColStepDefs).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	return wrapError(err)
}
