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
// JobInstance
// ============================================================================

func (s *Store) CreateJob(ctx context.Context, job *model.JobInstance) error {
	return insertOne(ctx, s.col(ColJobs), job)
}

func (s *Store) GetJob(ctx context.Context, teamID, id string) (*model.JobInstance, error) {
	return findOne[model.JobInstance](ctx, s.col(ColJobs), byTeam(teamID, id))
}

func (s *Store) CountActiveJobs(ctx context.Context, teamID, jobDefID string) (int, error) {
	n, err := s.col(ColJobs).CountDocuments(ctx, bson.D{
		{Key: "team_id", Value: teamID},
		{Key: "job_def_id", Value: jobDefID},
		{Key: "status", Value: bson.D{
			{Key: "$gte", Value: int(model.JobStatusRunning)},
			{Key: "$lt", Value: int(model.JobStatusCompleted)},
		}},
	})
	return int(n), wrapError(err)
}

func (s *Store) ListQueuedJobs(ctx context.Context, teamID, jobDefID string, limit int) ([]*model.JobInstance, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findMany[model.JobInstance](ctx, s.col(ColJobs), bson.D{
		{Key: "team_id", Value: teamID},
		{Key: "job_def_id", Value: jobDefID},
		{Key: "status", Value: int(model.JobStatusNotStarted)},
	}, opts)
}

func (s *Store) UpdateJobStatus(ctx context.Context, teamID, id string, status model.JobStatus, completed *time.Time) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: status},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	if completed != nil {
		update[0].Value = append(update[0].Value.(bson.D), bson.E{Key: "date_completed", Value: *completed})
	} else {
		update = append(update, bson.E{Key: "$unset", Value: bson.D{{Key: "date_completed", Value: ""}}})
	}
	res, err := s.col(ColJobs).UpdateOne(ctx, byTeam(teamID, id), update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ============================================================================
// TaskOutcome
// ============================================================================

func statusValues(statuses []model.TaskStatus) bson.A {
	out := make(bson.A, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, int(st))
	}
	return out
}

// statusCond 把状态集合与上界合并到同一个子文档
func statusCond(statuses []model.TaskStatus, below model.TaskStatus) bson.D {
	var cond bson.D
	if len(statuses) > 0 {
		cond = append(cond, bson.E{Key: "$in", Value: statusValues(statuses)})
	}
	if below != 0 {
		cond = append(cond, bson.E{Key: "$lt", Value: int(below)})
	}
	return cond
}

// outcomeFilter 与 TaskOutcomeFilter.Match 一一对应
func outcomeFilter(f storage.TaskOutcomeFilter) bson.D {
	filter := bson.D{}
	if f.TeamID != "" {
		filter = append(filter, bson.E{Key: "team_id", Value: f.TeamID})
	}
	if f.JobID != "" {
		filter = append(filter, bson.E{Key: "job_id", Value: f.JobID})
	}
	if f.AgentID != "" {
		filter = append(filter, bson.E{Key: "agent_id", Value: f.AgentID})
	}
	if cond := statusCond(f.Statuses, f.StatusBelow); len(cond) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: cond})
	}
	if f.FailureCode != "" {
		filter = append(filter, bson.E{Key: "failure_code", Value: string(f.FailureCode)})
	}
	if f.StopRequestedBefore != nil {
		filter = append(filter, bson.E{Key: "stop_requested_at", Value: bson.D{{Key: "$lt", Value: *f.StopRequestedBefore}}})
	}
	if f.CurrentOnly {
		filter = append(filter, bson.E{Key: "replaced_by", Value: bson.D{{Key: "$in", Value: bson.A{nil, ""}}}})
	}
	return filter
}

func (s *Store) CreateTaskOutcome(ctx context.Context, o *model.TaskOutcome) error {
	return insertOne(ctx, s.col(ColTaskOutcomes), o)
}

func (s *Store) GetTaskOutcome(ctx context.Context, teamID, id string) (*model.TaskOutcome, error) {
	return findOne[model.TaskOutcome](ctx, s.col(ColTaskOutcomes), byTeam(teamID, id))
}

func (s *Store) ListTaskOutcomes(ctx context.Context, f storage.TaskOutcomeFilter) ([]*model.TaskOutcome, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return findMany[model.TaskOutcome](ctx, s.col(ColTaskOutcomes), outcomeFilter(f), opts)
}

// outcomeUpdateDoc 把 OutcomeUpdate 转成 $set / $addToSet
func outcomeUpdateDoc(u storage.OutcomeUpdate, now time.Time) bson.D {
	set := bson.D{{Key: "updated_at", Value: now}}
	if u.Status != nil {
		set = append(set, bson.E{Key: "status", Value: int(*u.Status)})
	}
	if u.FailureCode != nil {
		set = append(set, bson.E{Key: "failure_code", Value: string(*u.FailureCode)})
	}
	if u.AgentID != nil {
		set = append(set, bson.E{Key: "agent_id", Value: *u.AgentID})
	}
	if u.Route != nil {
		set = append(set, bson.E{Key: "route", Value: *u.Route})
	}
	for name, v := range u.RuntimeVars {
		set = append(set, bson.E{Key: "runtime_vars." + name, Value: v})
	}
	if u.ReplacedBy != nil {
		set = append(set, bson.E{Key: "replaced_by", Value: *u.ReplacedBy})
	}
	if u.DateStarted != nil {
		set = append(set, bson.E{Key: "date_started", Value: *u.DateStarted})
	}
	if u.DateCompleted != nil {
		set = append(set, bson.E{Key: "date_completed", Value: *u.DateCompleted})
	}
	if u.StopRequestedAt != nil {
		set = append(set, bson.E{Key: "stop_requested_at", Value: *u.StopRequestedAt})
	}

	update := bson.D{{Key: "$set", Value: set}}
	if u.AddAttemptedAgent != "" {
		update = append(update, bson.E{Key: "$addToSet", Value: bson.D{{Key: "attempted_agent_ids", Value: u.AddAttemptedAgent}}})
	}
	return update
}

// TransitionTaskOutcome guard 写进过滤条件，由 FindOneAndUpdate 原子完成
func (s *Store) TransitionTaskOutcome(ctx context.Context, teamID, id string, guard storage.OutcomeGuard, u storage.OutcomeUpdate) (*model.TaskOutcome, error) {
	col := s.col(ColTaskOutcomes)
	filter := byTeam(teamID, id)
	if cond := statusCond(guard.Statuses, guard.StatusBelow); len(cond) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: cond})
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var o model.TaskOutcome
	err := col.FindOneAndUpdate(ctx, filter, outcomeUpdateDoc(u, time.Now().UTC()), opts).Decode(&o)
	if err == nil {
		return &o, nil
	}
	if wrapped := wrapError(err); wrapped != storage.ErrNotFound {
		return nil, wrapped
	}
	return nil, guardMiss(ctx, col, teamID, id, storage.ErrConflict)
}

func (s *Store) MarkSlotReleased(ctx context.Context, teamID, id string) (bool, error) {
	col := s.col(ColTaskOutcomes)
	filter := byTeam(teamID, id, bson.E{Key: "slot_released", Value: bson.D{{Key: "$ne", Value: true}}})
	res, err := col.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{{Key: "slot_released", Value: true}}}})
	if err != nil {
		return false, wrapError(err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if err := guardMiss(ctx, col, teamID, id, nil); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) PullAttemptedAgent(ctx context.Context, teamID, agentID string) error {
	filter := bson.D{
		{Key: "team_id", Value: teamID},
		{Key: "status", Value: int(model.TaskStatusWaitingForAgent)},
		{Key: "attempted_agent_ids", Value: agentID},
	}
	_, err := s.col(ColTaskOutcomes).UpdateMany(ctx, filter, bson.D{
		{Key: "$pull", Value: bson.D{{Key: "attempted_agent_ids", Value: agentID}}},
	})
	return wrapError(err)
}
