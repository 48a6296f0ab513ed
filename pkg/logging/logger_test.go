package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "info", Format: "json", Component: "sweeper"}, &buf)

	ctx := ContextWith(context.Background(), RequestIDKey, "req-1")
	l.WithContext(ctx).WithTeamID("team-a").WithAgentID("m-1").WithError(errors.New("boom")).Info("agent offline")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sweeper", entry["component"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "team-a", entry["team_id"])
	assert.Equal(t, "m-1", entry["agent_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestSweepLogLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)

	l.SweepLog(0, 0, 0, time.Millisecond, nil)
	assert.Zero(t, buf.Len(), "空清扫只记 debug")

	l.SweepLog(2, 2, 0, time.Millisecond, nil)
	assert.Contains(t, buf.String(), `"stale_agents":2`)
}

func TestJobFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	l.WithJobID("job-1").WithOutcomeID("o-1").WithDuration(1500 * time.Millisecond).WithError(nil).Debug("advanced")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "o-1", entry["outcome_id"])
	assert.Equal(t, float64(1500), entry["duration_ms"])
	assert.NotContains(t, entry, "error")
}
