package model

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// JobDefinition - 作业定义
// ============================================================================

// JobDefinition 团队拥有的作业模板，其下的 TaskDefinition 组成任务图
type JobDefinition struct {
	ID               string       `json:"id" bson:"_id"`
	TeamID           string       `json:"teamId" bson:"team_id"`
	Name             string       `json:"name" bson:"name"`
	Status           JobDefStatus `json:"status" bson:"status"`
	MaxInstances     int          `json:"maxInstances" bson:"max_instances"`          // 0 表示不限制
	MisfireGraceTime int          `json:"misfireGraceTime" bson:"misfire_grace_time"` // 秒
	Coalesce         bool         `json:"coalesce" bson:"coalesce"`
	Variables        Variables    `json:"runtimeVars,omitempty" bson:"runtime_vars,omitempty"`
	Version          int          `json:"version" bson:"version"`
	CreatedAt        time.Time    `json:"createdAt" bson:"created_at"`
	UpdatedAt        time.Time    `json:"updatedAt" bson:"updated_at"`
}

// Validate 检查作业定义字段
func (j *JobDefinition) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return &ValidationError{Field: "name", Reason: "job definition name is required"}
	}
	if j.MaxInstances < 0 {
		return &ValidationError{Field: "maxInstances", Reason: "maxInstances must not be negative"}
	}
	if j.Status != JobDefStatusRunning && j.Status != JobDefStatusPaused {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown job definition status %d", j.Status)}
	}
	return nil
}

// ============================================================================
// TaskDefinition - 任务定义（任务图节点）
// ============================================================================

// TaskDefinition 作业中的一个任务，Name 在作业内唯一
type TaskDefinition struct {
	ID          string    `json:"id" bson:"_id"`
	TeamID      string    `json:"teamId" bson:"team_id"`
	JobDefID    string    `json:"jobDefId" bson:"job_def_id"`
	Name        string    `json:"name" bson:"name"`
	Target      Target    `json:"target" bson:"target"`
	FromRoutes  []Route   `json:"fromRoutes" bson:"from_routes"`
	ToRoutes    []Route   `json:"toRoutes" bson:"to_routes"`
	AutoRestart bool      `json:"autoRestart" bson:"auto_restart"`
	Order       int       `json:"order" bson:"order"`
	CreatedAt   time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updated_at"`
}

// Validate 检查单个任务定义自身的一致性（不含图结构）
func (t *TaskDefinition) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Field: "name", Reason: "task name is required"}
	}
	if err := t.Target.Validate(); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			ve.TaskNames = []string{t.Name}
		}
		return err
	}
	if t.AutoRestart && !t.Target.AllowsAutoRestart() {
		return &ValidationError{
			Field:     "autoRestart",
			TaskNames: []string{t.Name},
			Reason:    fmt.Sprintf("autoRestart is not allowed for target %s", t.Target.Kind),
		}
	}
	for _, r := range append(append([]Route{}, t.FromRoutes...), t.ToRoutes...) {
		if strings.TrimSpace(r.Task) == "" {
			return &ValidationError{Field: "routes", TaskNames: []string{t.Name}, Reason: "route task name is required"}
		}
	}
	return nil
}

// Clone 深拷贝，用于在写入前构造"变更后"的任务集合
func (t *TaskDefinition) Clone() *TaskDefinition {
	c := *t
	c.FromRoutes = CloneRoutes(t.FromRoutes)
	c.ToRoutes = CloneRoutes(t.ToRoutes)
	c.Target.Tags = copyTags(t.Target.Tags)
	c.Target.Config = copyTags(t.Target.Config)
	return &c
}

// ============================================================================
// StepDefinition - 步骤定义
// ============================================================================

// StepDefinition 任务内按 Order（从 1 开始、无空洞）执行的步骤
type StepDefinition struct {
	ID        string    `json:"id" bson:"_id"`
	TeamID    string    `json:"teamId" bson:"team_id"`
	TaskDefID string    `json:"taskDefId" bson:"task_def_id"`
	Name      string    `json:"name" bson:"name"`
	Order     int       `json:"order" bson:"order"`
	Script    string    `json:"script,omitempty" bson:"script,omitempty"`
	Command   string    `json:"command,omitempty" bson:"command,omitempty"`
	Arguments string    `json:"arguments,omitempty" bson:"arguments,omitempty"`
	Variables Variables `json:"variables,omitempty" bson:"variables,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}
