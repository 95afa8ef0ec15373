package service

import (
	"context"
	"sync"

	"kiosk-agent/internal/localstore"

	"go.uber.org/zap"
)

// assignmentSink 指派事件的幂等汇聚点
// 推送订阅和轮询兜底是两个独立事件源，都汇入这里；
// 谁先发现谁生效，重复送达同一路径是空操作
type assignmentSink struct {
	store      localstore.Store
	logger     *zap.Logger
	onAssigned func(ctx context.Context, path string)

	mu      sync.Mutex
	applied string
}

// newAssignmentSink 创建指派汇聚点
func newAssignmentSink(store localstore.Store, logger *zap.Logger, onAssigned func(ctx context.Context, path string)) *assignmentSink {
	return &assignmentSink{
		store:      store,
		logger:     logger,
		onAssigned: onAssigned,
	}
}

// Observe 上报一次观察到的指派
// 返回 true 表示本次触发了迁移；同一路径的后续上报为空操作
func (s *assignmentSink) Observe(ctx context.Context, path string) bool {
	if path == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if path == s.applied {
		s.logger.Debug("Assignment already applied, ignoring duplicate",
			zap.String("path", path),
		)
		return false
	}

	// 先持久化，重启后走快速路径；持久化失败不阻止本次展示
	if err := s.store.Set(localstore.KeyAssignedPath, path); err != nil {
		s.logger.Error("Failed to persist assignment",
			zap.String("path", path),
			zap.Error(err),
		)
	}

	s.applied = path
	s.logger.Info("Assignment observed",
		zap.String("path", path),
	)
	s.onAssigned(ctx, path)
	return true
}
