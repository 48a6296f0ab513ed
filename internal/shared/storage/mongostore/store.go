// Package mongostore 实现基于 MongoDB 的 storage.Store
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 所有 Collection 名称和索引在 ensureIndexes 中统一管理。
//
// 条件写全部落在单文档原子操作上（UpdateOne / FindOneAndUpdate 带过滤守卫），
// 不依赖副本集事务，单机 mongod 也能保证 CAS 语义。
package mongostore

import (
	"context"
	"fmt"
	"log"
	"time"

	"jobmesh/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColJobDefs      = "job_definitions"
	ColTaskDefs     = "task_definitions"
	ColStepDefs     = "step_definitions"
	ColAgents       = "agents"
	ColJobs         = "job_instances"
	ColTaskOutcomes = "task_outcomes"
	ColStepOutcomes = "step_outcomes"
)

// Store 实现 storage.Store 接口的 MongoDB 驱动
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "jobmesh"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{client: client, db: db}

	// 创建索引
	if err := s.ensureIndexes(ctx); err != nil {
		log.Printf("[mongostore.index_failed] err=%v", err)
	}

	return s, nil
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col    string
		keys   bson.D
		unique bool
	}

	indexes := []idx{
		// job_definitions
		{ColJobDefs, bson.D{{Key: "team_id", Value: 1}, {Key: "created_at", Value: 1}}, false},

		// task_definitions
		{ColTaskDefs, bson.D{{Key: "team_id", Value: 1}, {Key: "job_def_id", Value: 1}}, false},
		{ColTaskDefs, bson.D{{Key: "team_id", Value: 1}, {Key: "target.agent_id", Value: 1}}, false},

		// step_definitions
		{ColStepDefs, bson.D{{Key: "team_id", Value: 1}, {Key: "task_def_id", Value: 1}, {Key: "order", Value: 1}}, false},

		// agents
		{ColAgents, bson.D{{Key: "team_id", Value: 1}}, false},
		{ColAgents, bson.D{{Key: "offline", Value: 1}, {Key: "last_heartbeat_time", Value: 1}}, false},

		// job_instances
		{ColJobs, bson.D{{Key: "team_id", Value: 1}, {Key: "job_def_id", Value: 1}, {Key: "status", Value: 1}}, false},

		// task_outcomes
		{ColTaskOutcomes, bson.D{{Key: "team_id", Value: 1}, {Key: "job_id", Value: 1}}, false},
		{ColTaskOutcomes, bson.D{{Key: "team_id", Value: 1}, {Key: "agent_id", Value: 1}, {Key: "status", Value: 1}}, false},
		{ColTaskOutcomes, bson.D{{Key: "status", Value: 1}, {Key: "stop_requested_at", Value: 1}}, false},

		// step_outcomes
		{ColStepOutcomes, bson.D{{Key: "team_id", Value: 1}, {Key: "task_outcome_id", Value: 1}, {Key: "order", Value: 1}}, false},
	}

	for _, i := range indexes {
		model := mongo.IndexModel{Keys: i.keys}
		if i.unique {
			model.Options = options.Index().SetUnique(true)
		}
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}

	return nil
}
