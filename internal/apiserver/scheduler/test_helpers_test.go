package scheduler

import (
	"time"

	"jobmesh/internal/shared/model"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const testTimeout = 2 * time.Minute

// createTestAgent 创建在线测试 Agent
func createTestAgent(id string, tags map[string]string, maxActive, active int) *model.Agent {
	return &model.Agent{
		ID:                id,
		TeamID:            "team-1",
		Tags:              tags,
		LastHeartbeatTime: testNow.Add(-10 * time.Second),
		NumActiveTasks:    active,
		PropertyOverrides: model.AgentOverrides{MaxActiveTasks: maxActive},
	}
}

func testOptions(exclude ...string) SelectOptions {
	return SelectOptions{Now: testNow, Timeout: testTimeout, Exclude: exclude}
}

func agentIDs(agents []*model.Agent) []string {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids
}
