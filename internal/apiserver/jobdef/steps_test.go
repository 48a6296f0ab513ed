package jobdef

import (
	"context"
	"testing"

	"jobmesh/internal/shared/model"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepNames 按 order 输出步骤名，并检查 order 为 1..n
func stepNames(t *testing.T, s *Service, taskDefID string) []string {
	t.Helper()
	steps, err := s.ListStepDefs(context.Background(), team, taskDefID)
	require.NoError(t, err)
	names := make([]string, 0, len(steps))
	for i, st := range steps {
		require.Equal(t, i+1, st.Order, "order 必须连续")
		names = append(names, st.Name)
	}
	return names
}

func seedSteps(t *testing.T, s *Service, names ...string) (string, map[string]string) {
	t.Helper()
	_, tasks := seed(t, s)
	taskID := tasks["A"].ID
	ids := map[string]string{}
	for _, n := range names {
		sd, err := s.CreateStepDef(context.Background(), team, &model.StepDefinition{TaskDefID: taskID, Name: n, Command: "echo " + n})
		require.NoError(t, err)
		ids[n] = sd.ID
	}
	return taskID, ids
}

func TestCreateStepDef_Insert(t *testing.T) {
	tests := []struct {
		name  string
		order int
		want  []string
	}{
		{name: "缺省追加到末尾", order: 0, want: []string{"a", "b", "c", "new"}},
		{name: "越界追加到末尾", order: 9, want: []string{"a", "b", "c", "new"}},
		{name: "插入到开头", order: 1, want: []string{"new", "a", "b", "c"}},
		{name: "插入到中间", order: 2, want: []string{"a", "new", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t)
			taskID, _ := seedSteps(t, s, "a", "b", "c")
			_, err := s.CreateStepDef(context.Background(), team, &model.StepDefinition{TaskDefID: taskID, Name: "new", Order: tt.order, Script: "true"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, stepNames(t, s, taskID))
		})
	}
}

func TestUpdateStepDef_OrderSwap(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		order   int
		want    []string
		wantErr bool
	}{
		{name: "第一步移到最后", step: "a", order: 4, want: []string{"d", "b", "c", "a"}},
		{name: "相邻互换", step: "c", order: 2, want: []string{"a", "c", "b", "d"}},
		{name: "位置不变", step: "b", order: 2, want: []string{"a", "b", "c", "d"}},
		{name: "越界", step: "a", order: 5, wantErr: true},
		{name: "零", step: "a", order: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t)
			taskID, ids := seedSteps(t, s, "a", "b", "c", "d")
			order := tt.order
			_, err := s.UpdateStepDef(context.Background(), team, ids[tt.step], StepDefUpdate{Order: &order})
			if tt.wantErr {
				assert.True(t, errdefs.IsInvalidArgument(err))
				assert.Equal(t, []string{"a", "b", "c", "d"}, stepNames(t, s, taskID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, stepNames(t, s, taskID))
		})
	}
}

func TestDeleteStepDef_Compacts(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	taskID, ids := seedSteps(t, s, "a", "b", "c", "d")

	require.NoError(t, s.DeleteStepDef(ctx, team, ids["b"]))
	assert.Equal(t, []string{"a", "c", "d"}, stepNames(t, s, taskID))

	require.NoError(t, s.DeleteStepDef(ctx, team, ids["a"]))
	assert.Equal(t, []string{"c", "d"}, stepNames(t, s, taskID))

	assert.True(t, errdefs.IsNotFound(s.DeleteStepDef(ctx, team, ids["a"])))
}

func TestStepDef_Validation(t *testing.T) {
	s := newService(t)
	taskID, ids := seedSteps(t, s, "a")

	_, err := s.CreateStepDef(context.Background(), team, &model.StepDefinition{TaskDefID: taskID, Name: "empty"})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = s.CreateStepDef(context.Background(), team, &model.StepDefinition{TaskDefID: "missing", Name: "x", Command: "ls"})
	assert.True(t, errdefs.IsNotFound(err))

	blank := ""
	_, err = s.UpdateStepDef(context.Background(), team, ids["a"], StepDefUpdate{Name: &blank})
	assert.True(t, errdefs.IsInvalidArgument(err))
}
