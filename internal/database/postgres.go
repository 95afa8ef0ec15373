package database

import (
	"database/sql"
	"fmt"

	"kiosk-agent/internal/config"

	_ "github.com/lib/pq"
)

// NewPostgresDB 创建屏幕目录数据库连接
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 单设备代理只需很小的连接池
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
