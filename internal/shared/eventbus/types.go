// Package eventbus 事件总线类型定义
package eventbus

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// DomainType 事件所属的领域对象
type DomainType string

const (
	DomainJob         DomainType = "Job"
	DomainTaskOutcome DomainType = "TaskOutcome"
	DomainStepOutcome DomainType = "StepOutcome"
	DomainAgent       DomainType = "Agent"
)

// Operation 事件操作
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// TeamEvent 团队事件
type TeamEvent struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"teamId"`
	Domain    DomainType      `json:"domainType"`
	Operation Operation       `json:"operation"`
	Delta     json.RawMessage `json:"delta"`
	Timestamp time.Time       `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyTeamEvents 团队事件流 team_events:{teamID}
	KeyTeamEvents = "team_events:"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)
