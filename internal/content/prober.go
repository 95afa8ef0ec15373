package content

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Prober 内容路由可达性探测
// 导航前对指派路由做一次 GET，提前在日志里暴露死路由；
// 纯诊断用途，探测失败不阻止导航（渲染端有自己的错误页）
type Prober struct {
	client *resty.Client
	logger *zap.Logger
}

// NewProber 创建探测器
// baseURL 为内容服务基址，timeout 为单次请求超时
func NewProber(baseURL string, timeout time.Duration, logger *zap.Logger) *Prober {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Prober{
		client: client,
		logger: logger,
	}
}

// Check 探测指派路由
// 返回非 nil 仅表示路由当前不可达，调用方只做记录
func (p *Prober) Check(ctx context.Context, path string) error {
	resp, err := p.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("content route unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("content route returned status %d", resp.StatusCode())
	}

	p.logger.Debug("Content route reachable",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}
