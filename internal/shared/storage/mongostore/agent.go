package mongostore

import (
	"context"
	"time"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// Agent
//
// _id 直接使用 machineId，同一 machineId 不能同时属于两个团队。
// ============================================================================

func (s *Store) GetAgent(ctx context.Context, teamID, id string) (*model.Agent, error) {
	return findOne[model.Agent](ctx, s.col(ColAgents), byTeam(teamID, id))
}

func (s *Store) ListAgents(ctx context.Context, teamID string) ([]*model.Agent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findMany[model.Agent](ctx, s.col(ColAgents), bson.D{{Key: "team_id", Value: teamID}}, opts)
}

func (s *Store) DeleteAgent(ctx context.Context, teamID, id string) error {
	return deleteOne(ctx, s.col(ColAgents), teamID, id)
}

func (s *Store) UpdateAgentOverrides(ctx context.Context, teamID, id string, overrides model.AgentOverrides) (*model.Agent, error) {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "property_overrides", Value: overrides},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var a model.Agent
	if err := s.col(ColAgents).FindOneAndUpdate(ctx, byTeam(teamID, id), update, opts).Decode(&a); err != nil {
		return nil, wrapError(err)
	}
	return &a, nil
}

// RecordHeartbeat upsert 心跳并取回写入前的文档
//
// $set 与 $setOnInsert 不能出现同一字段：心跳未携带的 name/tags/version
// 只在首次插入时写默认值，已有记录保持原值。
func (s *Store) RecordHeartbeat(ctx context.Context, hb *model.AgentHeartbeat) (*model.Agent, *model.Agent, error) {
	set := bson.D{
		{Key: "last_heartbeat_time", Value: hb.Time},
		{Key: "offline", Value: false},
		{Key: "updated_at", Value: hb.Time},
	}
	onInsert := bson.D{
		{Key: "created_at", Value: hb.Time},
		{Key: "num_active_tasks", Value: 0},
		{Key: "last_task_assigned_time", Value: time.Time{}},
		{Key: "property_overrides", Value: bson.D{{Key: "max_active_tasks", Value: 0}}},
	}
	if hb.Name != "" {
		set = append(set, bson.E{Key: "name", Value: hb.Name})
	} else {
		onInsert = append(onInsert, bson.E{Key: "name", Value: ""})
	}
	if hb.Tags != nil {
		set = append(set, bson.E{Key: "tags", Value: hb.Tags})
	} else {
		onInsert = append(onInsert, bson.E{Key: "tags", Value: bson.D{}})
	}
	if hb.ReportedVersion != "" {
		set = append(set, bson.E{Key: "reported_version", Value: hb.ReportedVersion})
	}

	update := bson.D{{Key: "$set", Value: set}, {Key: "$setOnInsert", Value: onInsert}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	col := s.col(ColAgents)
	var prev *model.Agent
	var before model.Agent
	err := col.FindOneAndUpdate(ctx, byTeam(hb.TeamID, hb.AgentID), update, opts).Decode(&before)
	switch {
	case err == nil:
		prev = &before
	case err == mongo.ErrNoDocuments:
		// 首次心跳
	default:
		return nil, nil, wrapError(err)
	}

	cur, err := s.GetAgent(ctx, hb.TeamID, hb.AgentID)
	if err != nil {
		return nil, nil, err
	}
	return prev, cur, nil
}

func (s *Store) MarkAgentOffline(ctx context.Context, teamID, id string, observed time.Time) (bool, error) {
	col := s.col(ColAgents)
	filter := byTeam(teamID, id,
		bson.E{Key: "offline", Value: false},
		bson.E{Key: "last_heartbeat_time", Value: observed.Truncate(time.Millisecond)},
	)
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "offline", Value: true},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	res, err := col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapError(err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	ok, err := exists(ctx, col, teamID, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListStaleAgents(ctx context.Context, cutoff time.Time, limit int) ([]*model.Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	filter := bson.D{
		{Key: "offline", Value: false},
		{Key: "last_heartbeat_time", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_heartbeat_time", Value: 1}}).
		SetLimit(int64(limit))
	return findMany[model.Agent](ctx, s.col(ColAgents), filter, opts)
}

// TryReserveAgentSlot 条件 $inc：上限 <=0 或未满才预占
func (s *Store) TryReserveAgentSlot(ctx context.Context, teamID, id string, now time.Time) (bool, error) {
	col := s.col(ColAgents)
	filter := byTeam(teamID, id, bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "property_overrides.max_active_tasks", Value: bson.D{{Key: "$lte", Value: 0}}}},
		bson.D{{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{
			"$num_active_tasks", "$property_overrides.max_active_tasks",
		}}}}},
	}})
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "num_active_tasks", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "last_task_assigned_time", Value: now}}},
	}
	res, err := col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapError(err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	ok, err := exists(ctx, col, teamID, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (s *Store) ReleaseAgentSlot(ctx context.Context, teamID, id string) error {
	col := s.col(ColAgents)
	filter := byTeam(teamID, id, bson.E{Key: "num_active_tasks", Value: bson.D{{Key: "$gt", Value: 0}}})
	res, err := col.UpdateOne(ctx, filter, bson.D{{Key: "$inc", Value: bson.D{{Key: "num_active_tasks", Value: -1}}}})
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// 已经为 0 时静默成功，只有记录不存在才报错
	return guardMiss(ctx, col, teamID, id, nil)
}
