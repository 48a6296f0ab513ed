package mongostore

import (
	"context"
	"os"
	"testing"

	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// testStore 创建测试用 Store，使用独立数据库避免污染
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	s, err := NewStore(uri, "jobmesh_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	ctx := context.Background()
	require.NoError(t, s.db.Drop(ctx))
	require.NoError(t, s.ensureIndexes(ctx))

	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return testStore(t)
	})
}

func TestOutcomeFilterMergesStatusConditions(t *testing.T) {
	f := storage.TaskOutcomeFilter{
		TeamID:      "t",
		Statuses:    []model.TaskStatus{model.TaskStatusInterrupting, model.TaskStatusCanceling},
		StatusBelow: model.TaskStatusSucceeded,
		CurrentOnly: true,
	}
	got := outcomeFilter(f)

	require.Len(t, got, 3)
	assert.Equal(t, "team_id", got[0].Key)
	assert.Equal(t, "status", got[1].Key)
	assert.Equal(t, bson.D{
		{Key: "$in", Value: bson.A{14, 17}},
		{Key: "$lt", Value: 20},
	}, got[1].Value)
	assert.Equal(t, "replaced_by", got[2].Key)
}

func TestAppendExprUsesLiteral(t *testing.T) {
	got := appendExpr("stdout", "$HOME\n")
	concat := got[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "$literal", Value: "$HOME\n"}}, concat[1])
}
