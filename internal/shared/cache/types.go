// Package cache 缓存层常量
package cache

import "time"

const (
	// KeyPublishClaim 派发占位 key 前缀
	KeyPublishClaim = "publish_claim:"

	// TTLPublishClaim 默认占位时长：覆盖一次派发（占槽 + 状态迁移 + 入队）的最长耗时
	TTLPublishClaim = 30 * time.Second
)
