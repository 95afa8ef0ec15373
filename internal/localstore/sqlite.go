package localstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema 本地状态表结构
const schema = `
CREATE TABLE IF NOT EXISTS local_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore 基于 SQLite 的本地 KV 实现
// 单文件存储，进程重启、掉电后数据仍在
type SQLiteStore struct {
	db *sql.DB
}

// Open 打开（必要时创建）本地状态库
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply local state schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get 读取一个键；第二个返回值表示键是否存在
func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM local_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read local state %q: %w", key, err)
	}
	return value, true, nil
}

// Set 写入一个键（存在则覆盖）
func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO local_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write local state %q: %w", key, err)
	}
	return nil
}

// Delete 删除一个键（不存在时不报错）
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM local_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete local state %q: %w", key, err)
	}
	return nil
}

// Clear 原子地删除一组键
func (s *SQLiteStore) Clear(keys ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.Exec(`DELETE FROM local_state WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to clear local state %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}

// Close 关闭本地状态库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
