package service

import (
	"context"
	"time"

	"kiosk-agent/internal/realtime"

	"go.uber.org/zap"
)

// ChannelStater 推送通道状态采样来源
type ChannelStater interface {
	ChannelStates() []realtime.ChannelStatus
}

// HealthMonitor 连接健康监视器
// 无人值守终端没人会注意到静默卡死的推送订阅；
// 与其做精细重连，不如在持续断开超过阈值后粗暴可靠地整体重启
type HealthMonitor struct {
	subscriber ChannelStater
	controller Controller
	logger     *zap.Logger

	interval  time.Duration
	threshold time.Duration

	// now 可注入（测试用）
	now func() time.Time

	downSince time.Time
	fired     bool
}

// NewHealthMonitor 创建健康监视器
func NewHealthMonitor(subscriber ChannelStater, controller Controller, logger *zap.Logger, interval, threshold time.Duration) *HealthMonitor {
	return &HealthMonitor{
		subscriber: subscriber,
		controller: controller,
		logger:     logger,
		interval:   interval,
		threshold:  threshold,
		now:        time.Now,
	}
}

// Run 周期采样直到上下文取消或触发重启
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.check() {
				return
			}
		}
	}
}

// check 采样一次；返回 true 表示已触发强制重启
func (m *HealthMonitor) check() bool {
	states := m.subscriber.ChannelStates()

	// 一个通道都没建立过的进程不按断开处理：此时重启只会陷入
	// 30 秒一次的循环，轮询仍在保底；该状况由启动日志明确告警
	allDown := len(states) > 0
	for _, status := range states {
		if status.State == realtime.ChannelConnected {
			allDown = false
			break
		}
	}

	// 任一通道存活即重置断开计时
	if !allDown {
		if !m.downSince.IsZero() {
			m.logger.Info("Push channels recovered")
		}
		m.downSince = time.Time{}
		return false
	}

	now := m.now()
	if m.downSince.IsZero() {
		m.downSince = now
		return false
	}

	if now.Sub(m.downSince) >= m.threshold && !m.fired {
		m.fired = true
		m.logger.Warn("All push channels down past threshold",
			zap.Duration("down_for", now.Sub(m.downSince)),
		)
		m.controller.Restart("push channels disconnected")
		return true
	}

	return false
}
