package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Target
// ============================================================================

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"任意单个 Agent", SingleAgent(), false},
		{"全部 Agent", AllAgents(), false},
		{"带标签单个", SingleAgentWithTags(map[string]string{"os": "linux"}), false},
		{"带标签但标签为空", SingleAgentWithTags(nil), true},
		{"全部带标签但标签为空", AllAgentsWithTags(map[string]string{}), true},
		{"标签键为空", AllAgentsWithTags(map[string]string{" ": "x"}), true},
		{"指定 Agent", SingleSpecificAgent("agent-1"), false},
		{"指定 Agent 未填 id", SingleSpecificAgent(""), true},
		{"云函数", CloudFunction(CloudAWSLambda, nil), false},
		{"未知云函数", CloudFunction("AZURE", nil), true},
		{"未知类型", Target{Kind: "BOGUS"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalidArgument(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskDefinition_AutoRestartRejectedForFanOut(t *testing.T) {
	for _, target := range []Target{AllAgents(), AllAgentsWithTags(map[string]string{"k": "v"})} {
		td := &TaskDefinition{Name: "fanout", Target: target, AutoRestart: true}
		err := td.Validate()
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "autoRestart", ve.Field)
		assert.Equal(t, []string{"fanout"}, ve.TaskNames)
	}

	td := &TaskDefinition{Name: "single", Target: SingleAgent(), AutoRestart: true}
	assert.NoError(t, td.Validate())
}

func TestMatchTags(t *testing.T) {
	agent := map[string]string{"os": "linux", "gpu": "true", "empty": ""}

	assert.True(t, MatchTags(agent, map[string]string{"os": "linux"}))
	assert.True(t, MatchTags(agent, map[string]string{"os": "linux", "gpu": "true"}))
	assert.True(t, MatchTags(agent, map[string]string{"empty": ""}))
	assert.False(t, MatchTags(agent, map[string]string{"os": "windows"}))
	assert.False(t, MatchTags(agent, map[string]string{"missing": ""}))
	assert.False(t, MatchTags(nil, map[string]string{"os": "linux"}))
}

// ============================================================================
// Variables / Route
// ============================================================================

func TestVariables_MergeAndRedact(t *testing.T) {
	jobDefaults := Variables{
		"region": {Value: "us-east-1"},
		"token":  {Value: "secret", Sensitive: true},
	}
	instance := Variables{"region": {Value: "eu-west-1"}}

	merged := jobDefaults.Merge(instance)
	assert.Equal(t, "eu-west-1", merged.Get("region"))
	assert.Equal(t, "secret", merged.Get("token"))
	// 原表不被修改
	assert.Equal(t, "us-east-1", jobDefaults.Get("region"))

	redacted := merged.Redacted()
	assert.Equal(t, "**", redacted.Get("token"))
	assert.Equal(t, "eu-west-1", redacted.Get("region"))
	assert.Equal(t, "secret", merged.Get("token"))
}

func TestRoute_JSONTuple(t *testing.T) {
	data, err := json.Marshal([]Route{{Task: "Extract", Label: "ok"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[["Extract","ok"]]`, string(data))

	var routes []Route
	require.NoError(t, json.Unmarshal([]byte(`[["A"],["B","fail"],{"task":"C","label":"x"}]`), &routes))
	assert.Equal(t, []Route{{Task: "A"}, {Task: "B", Label: "fail"}, {Task: "C", Label: "x"}}, routes)

	assert.Error(t, json.Unmarshal([]byte(`[["A","b","c"]]`), &routes))
}

// ============================================================================
// Status / Agent
// ============================================================================

func TestTaskStatus_Ordering(t *testing.T) {
	ordered := []TaskStatus{
		TaskStatusNotStarted, TaskStatusWaitingForAgent, TaskStatusPublished, TaskStatusRunning,
		TaskStatusInterrupting, TaskStatusInterrupted, TaskStatusCanceling, TaskStatusSucceeded,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, int(ordered[i-1]), int(ordered[i]), "%s < %s", ordered[i-1], ordered[i])
	}

	assert.True(t, TaskStatusSkipped.IsTerminal())
	assert.False(t, TaskStatusInterrupted.IsTerminal())
	assert.True(t, TaskStatusInterrupted.Settled())
	assert.True(t, TaskStatusCanceling.OnAgent())
	assert.False(t, TaskStatusInterrupted.OnAgent())
	assert.Equal(t, "WAITING_FOR_AGENT", TaskStatusWaitingForAgent.String())
}

func TestAgent_Online(t *testing.T) {
	now := time.Now()
	timeout := 2 * time.Minute

	fresh := &Agent{LastHeartbeatTime: now.Add(-30 * time.Second)}
	stale := &Agent{LastHeartbeatTime: now.Add(-3 * time.Minute)}
	flagged := &Agent{LastHeartbeatTime: now, Offline: true}

	assert.True(t, fresh.Online(now, timeout))
	assert.False(t, stale.Online(now, timeout))
	assert.False(t, flagged.Online(now, timeout))
	assert.False(t, (&Agent{}).Online(now, timeout))
}

func TestAgent_Capacity(t *testing.T) {
	no := false
	a := &Agent{NumActiveTasks: 2, PropertyOverrides: AgentOverrides{MaxActiveTasks: 2}}
	assert.False(t, a.HasCapacity())

	a.PropertyOverrides.MaxActiveTasks = 0
	assert.True(t, a.HasCapacity())

	assert.True(t, a.PropertyOverrides.AcceptsGeneralTasks())
	a.PropertyOverrides.HandleGeneralTasks = &no
	assert.False(t, a.PropertyOverrides.AcceptsGeneralTasks())
}

func TestErrors_Classification(t *testing.T) {
	assert.True(t, errdefs.IsInvalidArgument(&CyclicDependencyError{TaskNames: []string{"A"}}))
	assert.True(t, errdefs.IsNotFound(Missing("agent", "x")))
	assert.True(t, errdefs.IsUnavailable(&DispatchError{Code: FailureNoAgentAvailable}))

	var de *DispatchError
	wrapped := errors.Join(errors.New("outer"), &DispatchError{Code: FailureMissingTargetTags})
	require.ErrorAs(t, wrapped, &de)
	assert.Equal(t, FailureMissingTargetTags, de.Code)

	assert.Equal(t, "cyclic dependency between tasks: A, B, C",
		(&CyclicDependencyError{TaskNames: []string{"A", "B", "C"}}).Error())
}
