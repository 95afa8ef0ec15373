package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kiosk-agent/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound 表示记录不存在
// 运营端删除记录是强制重新配对的正规手段，调用方必须把它当作预期状态处理
var ErrNotFound = errors.New("screen record not found")

// ErrCodeTaken 表示配对码与现有记录冲突
// 注册时换新码重试，不作为致命错误
var ErrCodeTaken = errors.New("pairing code already taken")

// pq 唯一约束冲突错误码
const pqUniqueViolation = "23505"

// screenColumns 查询返回的列（与 scanScreen 顺序一致）
const screenColumns = `id, code, assigned_path, last_seen, current_page, name, user_agent`

// ScreenRepository 屏幕目录客户端
// 目录本体（含行级变更通知）由托管服务提供，这里只是请求封装
type ScreenRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewScreenRepository 创建屏幕目录客户端
func NewScreenRepository(db *sql.DB, logger *zap.Logger) *ScreenRepository {
	return &ScreenRepository{
		db:     db,
		logger: logger,
	}
}

// Register 插入一条新的屏幕记录
// id 和 last_seen 由目录生成；code 冲突返回 ErrCodeTaken
func (r *ScreenRepository) Register(ctx context.Context, code, name, userAgent string) (*models.ScreenRecord, error) {
	query := `
		INSERT INTO screens (code, name, user_agent, last_seen)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NOW())
		RETURNING ` + screenColumns

	record, err := scanScreen(r.db.QueryRowContext(ctx, query, code, name, userAgent))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrCodeTaken
		}
		return nil, fmt.Errorf("failed to register screen: %w", err)
	}

	return record, nil
}

// GetByID 按 id 查询屏幕记录
func (r *ScreenRepository) GetByID(ctx context.Context, id string) (*models.ScreenRecord, error) {
	query := `SELECT ` + screenColumns + ` FROM screens WHERE id = $1`

	record, err := scanScreen(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query screen by id: %w", err)
	}

	return record, nil
}

// GetByCode 按配对码查询屏幕记录
func (r *ScreenRepository) GetByCode(ctx context.Context, code string) (*models.ScreenRecord, error) {
	query := `SELECT ` + screenColumns + ` FROM screens WHERE code = $1`

	record, err := scanScreen(r.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query screen by code: %w", err)
	}

	return record, nil
}

// Heartbeat 心跳部分更新
// 只触及活性/诊断字段，绝不写 assigned_path（该字段归运营端所有）；
// 返回更新后的整行，调用方可从同一次往返里读到当前的 assigned_path
func (r *ScreenRepository) Heartbeat(ctx context.Context, id string, update models.HeartbeatUpdate) (*models.ScreenRecord, error) {
	query := `
		UPDATE screens
		SET last_seen    = NOW(),
		    current_page = COALESCE($2, current_page),
		    user_agent   = COALESCE($3, user_agent),
		    name         = COALESCE($4, name)
		WHERE id = $1
		RETURNING ` + screenColumns

	record, err := scanScreen(r.db.QueryRowContext(ctx, query,
		id, update.CurrentPage, update.UserAgent, update.Name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update heartbeat: %w", err)
	}

	return record, nil
}

// scanScreen 扫描一行屏幕记录
func scanScreen(row *sql.Row) (*models.ScreenRecord, error) {
	var record models.ScreenRecord
	var assignedPath, currentPage, name, userAgent sql.NullString

	err := row.Scan(
		&record.ID,
		&record.Code,
		&assignedPath,
		&record.LastSeen,
		&currentPage,
		&name,
		&userAgent,
	)
	if err != nil {
		return nil, err
	}

	if assignedPath.Valid {
		record.AssignedPath = &assignedPath.String
	}
	if currentPage.Valid {
		record.CurrentPage = &currentPage.String
	}
	if name.Valid {
		record.Name = &name.String
	}
	if userAgent.Valid {
		record.UserAgent = &userAgent.String
	}

	return &record, nil
}
