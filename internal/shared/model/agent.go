package model

import "time"

// ============================================================================
// Agent - 执行任务的工作进程
// ============================================================================

// Agent 由 machineId 标识、属于某个团队的工作进程
//
// 在线判定：Offline=false 且 now-LastHeartbeatTime <= activeAgentTimeout。
// 两个条件缺一不可：Offline 由清扫器异步翻转，存在滞后。
type Agent struct {
	ID                   string            `json:"id" bson:"_id"` // machineId
	TeamID               string            `json:"teamId" bson:"team_id"`
	Name                 string            `json:"name" bson:"name"`
	Tags                 map[string]string `json:"tags" bson:"tags"`
	LastHeartbeatTime    time.Time         `json:"lastHeartbeatTime" bson:"last_heartbeat_time"`
	Offline              bool              `json:"offline" bson:"offline"`
	NumActiveTasks       int               `json:"numActiveTasks" bson:"num_active_tasks"`
	LastTaskAssignedTime time.Time         `json:"lastTaskAssignedTime" bson:"last_task_assigned_time"`
	PropertyOverrides    AgentOverrides    `json:"propertyOverrides" bson:"property_overrides"`
	ReportedVersion      string            `json:"reportedVersion,omitempty" bson:"reported_version,omitempty"`
	TargetVersion        string            `json:"targetVersion,omitempty" bson:"target_version,omitempty"`
	CreatedAt            time.Time         `json:"createdAt" bson:"created_at"`
	UpdatedAt            time.Time         `json:"updatedAt" bson:"updated_at"`
}

// AgentOverrides 用户可调的 Agent 属性
type AgentOverrides struct {
	// MaxActiveTasks 并发执行上限，<=0 表示不限制
	MaxActiveTasks int `json:"maxActiveTasks" bson:"max_active_tasks"`
	// HandleGeneralTasks 是否接收不带标签的通用任务，nil 视为 true
	HandleGeneralTasks *bool `json:"handleGeneralTasks,omitempty" bson:"handle_general_tasks,omitempty"`
}

// AcceptsGeneralTasks 是否接收 SINGLE_AGENT / ALL_AGENTS 任务
func (o AgentOverrides) AcceptsGeneralTasks() bool {
	return o.HandleGeneralTasks == nil || *o.HandleGeneralTasks
}

// HeartbeatFresh 心跳是否在超时窗口内
func (a *Agent) HeartbeatFresh(now time.Time, timeout time.Duration) bool {
	if a.LastHeartbeatTime.IsZero() {
		return false
	}
	return now.Sub(a.LastHeartbeatTime) <= timeout
}

// Online 在线：未标记离线且心跳新鲜
func (a *Agent) Online(now time.Time, timeout time.Duration) bool {
	return !a.Offline && a.HeartbeatFresh(now, timeout)
}

// HasCapacity 是否还能再接一个任务
func (a *Agent) HasCapacity() bool {
	max := a.PropertyOverrides.MaxActiveTasks
	return max <= 0 || a.NumActiveTasks < max
}

// AgentHeartbeat Agent 上报的心跳载荷
type AgentHeartbeat struct {
	TeamID          string            `json:"-"`
	AgentID         string            `json:"-"`
	Name            string            `json:"name,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	ReportedVersion string            `json:"reportedVersion,omitempty"`
	Time            time.Time         `json:"-"`
}
