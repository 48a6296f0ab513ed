package mongostore

import (
	"context"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// StepOutcome
// ============================================================================

func (s *Store) CreateStepOutcomes(ctx context.Context, steps []*model.StepOutcome) error {
	if len(steps) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(steps))
	for _, st := range steps {
		docs = append(docs, st)
	}
	_, err := s.col(ColStepOutcomes).InsertMany(ctx, docs)
	return wrapError(err)
}

func (s *Store) GetStepOutcome(ctx context.Context, teamID, id string) (*model.StepOutcome, error) {
	return findOne[model.StepOutcome](ctx, s.col(ColStepOutcomes), byTeam(teamID, id))
}

func (s *Store) ListStepOutcomes(ctx context.Context, teamID, taskOutcomeID string) ([]*model.StepOutcome, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}})
	return findMany[model.StepOutcome](ctx, s.col(ColStepOutcomes),
		bson.D{{Key: "team_id", Value: teamID}, {Key: "task_outcome_id", Value: taskOutcomeID}}, opts)
}

// appendExpr 管道更新里的字符串追加，$literal 防止以 $ 开头的输出被当成字段路径
func appendExpr(field, text string) bson.D {
	return bson.D{{Key: "$concat", Value: bson.A{
		bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, ""}}},
		bson.D{{Key: "$literal", Value: text}},
	}}}
}

// ApplyStepUpdate 管道式 FindOneAndUpdate：lastUpdateId 守卫与输出追加在同一次写入内完成
func (s *Store) ApplyStepUpdate(ctx context.Context, teamID, id string, u storage.StepUpdate) (*model.StepOutcome, error) {
	col := s.col(ColStepOutcomes)
	set := bson.D{
		{Key: "last_update_id", Value: u.LastUpdateID},
		{Key: "stdout", Value: appendExpr("stdout", u.AppendStdout)},
		{Key: "stderr", Value: appendExpr("stderr", u.AppendStderr)},
		{Key: "updated_at", Value: time.Now().UTC()},
	}
	if u.Status != nil {
		set = append(set, bson.E{Key: "status", Value: int(*u.Status)})
	}
	if u.ExitCode != nil {
		set = append(set, bson.E{Key: "exit_code", Value: *u.ExitCode})
	}
	if u.DateStarted != nil {
		set = append(set, bson.E{Key: "date_started", Value: *u.DateStarted})
	}
	if u.DateCompleted != nil {
		set = append(set, bson.E{Key: "date_completed", Value: *u.DateCompleted})
	}

	filter := byTeam(teamID, id, bson.E{Key: "last_update_id", Value: bson.D{{Key: "$lt", Value: u.LastUpdateID}}})
	pipeline := bson.A{bson.D{{Key: "$set", Value: set}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var st model.StepOutcome
	err := col.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&st)
	if err == nil {
		return &st, nil
	}
	if wrapped := wrapError(err); wrapped != storage.ErrNotFound {
		return nil, wrapped
	}
	return nil, guardMiss(ctx, col, teamID, id, storage.ErrStaleUpdate)
}

func (s *Store) InterruptStepOutcomes(ctx context.Context, teamID, taskOutcomeID string, now time.Time) (int, error) {
	filter := bson.D{
		{Key: "team_id", Value: teamID},
		{Key: "task_outcome_id", Value: taskOutcomeID},
		{Key: "status", Value: bson.D{{Key: "$lte", Value: int(model.StepStatusRunning)}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: int(model.StepStatusInterrupted)},
		{Key: "date_completed", Value: now},
		{Key: "updated_at", Value: now},
	}}}
	res, err := s.col(ColStepOutcomes).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, wrapError(err)
	}
	return int(res.ModifiedCount), nil
}
