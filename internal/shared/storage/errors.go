// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore/memstore）负责将底层错误转换为这些领域错误。
// 每个错误同时归入 errdefs 的错误类别，HTTP 层可以统一映射状态码。
package storage

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = fmt.Errorf("entity not found: %w", errdefs.ErrNotFound)

	// ErrConflict 并发冲突（条件更新的前置条件不成立）
	ErrConflict = fmt.Errorf("conflict: concurrent modification detected: %w", errdefs.ErrConflict)

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = fmt.Errorf("duplicate: entity already exists: %w", errdefs.ErrAlreadyExists)

	// ErrStaleUpdate 步骤进度的 lastUpdateId 不大于已存储值，更新被忽略
	ErrStaleUpdate = fmt.Errorf("stale update: lastUpdateId not greater than stored value: %w", errdefs.ErrConflict)
)
