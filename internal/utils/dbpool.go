package utils

import (
	"time"

	"gorm.io/gorm"
)

// OptimizeDBPool 按数据库类型设置连接池
//
// sqlite allows a single writer, and an in-memory database exists per
// connection, so it gets exactly one connection. MySQL is shared with
// other agents' admin tooling and gets a small bounded pool.
func OptimizeDBPool(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if dbType != "mysql" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		return nil
	}

	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	return nil
}
