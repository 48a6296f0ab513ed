// Package repository 数据库无关的 SQL 存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 时间以 Unix 毫秒存储，嵌套结构（Target、Variables、Routes、Tags）以 JSON 文本存储。
// 条件更新要么是单条带 WHERE 守卫的 UPDATE，要么在事务内先锁行再写回。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 实现了 storage.Store 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// querier *sql.DB 与 *sql.Tx 的公共子集，读方法可在事务内复用
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner *sql.Row 与 *sql.Rows 的公共子集
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// notFound 把 sql.ErrNoRows 转为 storage.ErrNotFound
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// exists 判断 (team_id, id) 行是否存在，用于区分"条件不满足"与"记录不存在"
func (s *Store) exists(ctx context.Context, q querier, table, teamID, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE team_id = $1 AND id = $2`, table)), teamID, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// insertIgnore 执行 INSERT ... ON CONFLICT DO NOTHING，主键冲突返回 ErrDuplicate
func insertIgnore(ctx context.Context, q querier, query string, args ...interface{}) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := dbutil.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicate
	}
	return nil
}
