// Package factory 按配置打开 storage.Store
//
// 支持的驱动：mongodb（默认）、postgres、sqlite、memory。
// SQL 驱动打开后自动建表。
package factory

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"jobmesh/internal/shared/storage"
	"jobmesh/internal/shared/storage/dbutil"
	"jobmesh/internal/shared/storage/driver/postgres"
	"jobmesh/internal/shared/storage/driver/sqlite"
	"jobmesh/internal/shared/storage/memstore"
	"jobmesh/internal/shared/storage/mongostore"
	"jobmesh/internal/shared/storage/repository"
)

// 驱动名称
const (
	DriverMongo    = "mongodb"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Options 打开存储所需参数
type Options struct {
	Driver string
	URL    string
	DBName string // 仅 MongoDB 使用
}

// Open 打开存储
func Open(opts Options) (storage.Store, error) {
	switch strings.ToLower(opts.Driver) {
	case DriverMemory:
		log.Printf("[storage.opened] driver=memory")
		return memstore.New(), nil

	case DriverSQLite:
		db, err := sqlite.Open(opts.URL)
		if err != nil {
			return nil, err
		}
		return openSQL(db, sqlite.NewDialect(), DriverSQLite)

	case DriverPostgres:
		db, err := postgres.Open(opts.URL)
		if err != nil {
			return nil, err
		}
		return openSQL(db, postgres.NewDialect(), DriverPostgres)

	case DriverMongo, "":
		dbName := opts.DBName
		if dbName == "" {
			dbName = "jobmesh"
		}
		s, err := mongostore.NewStore(opts.URL, dbName)
		if err != nil {
			return nil, err
		}
		log.Printf("[storage.opened] driver=mongodb db=%s", dbName)
		return s, nil

	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", opts.Driver)
	}
}

func openSQL(db *sql.DB, dialect dbutil.Dialect, name string) (storage.Store, error) {
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", name, err)
	}
	log.Printf("[storage.opened] driver=%s", name)
	return repository.NewStore(db, dialect), nil
}
