package mongostore

import (
	"context"
	"errors"

	"jobmesh/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// wrapError 将 MongoDB 错误转换为领域错误
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

// byTeam 团队 + 主键过滤条件，附加条件追加在后
func byTeam(teamID, id string, extra ...bson.E) bson.D {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "team_id", Value: teamID}}
	return append(filter, extra...)
}

// findOne 查找单个文档并解码到 result，不存在返回 storage.ErrNotFound
func findOne[T any](ctx context.Context, col *mongo.Collection, filter bson.D) (*T, error) {
	var result T
	if err := col.FindOne(ctx, filter).Decode(&result); err != nil {
		return nil, wrapError(err)
	}
	return &result, nil
}

// findMany 查找多个文档
func findMany[T any](ctx context.Context, col *mongo.Collection, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]*T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cursor.Close(ctx)

	var results []*T
	for cursor.Next(ctx) {
		var item T
		if err := cursor.Decode(&item); err != nil {
			return nil, err
		}
		results = append(results, &item)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	if results == nil {
		results = []*T{}
	}
	return results, nil
}

// insertOne 插入单个文档，主键冲突返回 storage.ErrDuplicate
func insertOne(ctx context.Context, col *mongo.Collection, doc interface{}) error {
	_, err := col.InsertOne(ctx, doc)
	return wrapError(err)
}

// deleteOne 按团队 + _id 删除
func deleteOne(ctx context.Context, col *mongo.Collection, teamID, id string) error {
	res, err := col.DeleteOne(ctx, byTeam(teamID, id))
	if err != nil {
		return wrapError(err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// exists 条件更新未命中时区分"守卫不满足"与"文档不存在"
func exists(ctx context.Context, col *mongo.Collection, teamID, id string) (bool, error) {
	n, err := col.CountDocuments(ctx, byTeam(teamID, id))
	if err != nil {
		return false, wrapError(err)
	}
	return n > 0, nil
}

// guardMiss 条件写未命中时的错误：文档不存在 → ErrNotFound，否则返回 onMiss
func guardMiss(ctx context.Context, col *mongo.Collection, teamID, id string, onMiss error) error {
	ok, err := exists(ctx, col, teamID, id)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return onMiss
}
