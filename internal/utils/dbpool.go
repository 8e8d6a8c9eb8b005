package utils

import (
	"time"

	"gorm.io/gorm"
)

// OptimizeDBPool 按服务负载调整数据库连接池
// 在 InitDB 的默认值基础上为常驻服务收紧连接数并开启空闲回收
func OptimizeDBPool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	// 扫描 worker + API 的并发量不高，50 足够
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return nil
}
