package model

import "github.com/rs/xid"

// NewID 生成全局唯一、按时间有序的实体 ID
func NewID() string {
	return xid.New().String()
}

// FanOutID 扇出记录的确定性 ID，重复扇出时写入会因主键冲突而成为空操作
func FanOutID(outcomeID, agentID string) string {
	return outcomeID + "-" + agentID
}
