package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"kiosk-agent/internal/localstore"
	"kiosk-agent/internal/models"
	"kiosk-agent/internal/realtime"
	"kiosk-agent/internal/registrar"
	"kiosk-agent/internal/repository"

	"go.uber.org/zap"
)

// Subscriber 推送订阅（尽力而为的优化层，轮询兜底在心跳循环里）
type Subscriber interface {
	SubscribeScreen(ctx context.Context, screenID string, handler realtime.RowChangeHandler) error
	SubscribeBroadcast(ctx context.Context, handler realtime.BroadcastHandler) error
	ChannelStates() []realtime.ChannelStatus
}

// RouteProber 导航前的内容路由探测（可为 nil 跳过）
type RouteProber interface {
	Check(ctx context.Context, path string) error
}

// Options 代理运行参数
type Options struct {
	Hostname  string
	UserAgent string

	HeartbeatInterval   time.Duration
	HealthInterval      time.Duration
	DisconnectThreshold time.Duration

	RegisterMaxAttempts int
	RegisterRetryDelay  time.Duration
}

// Agent 终端代理（整合各层）
// 启动序列 → 心跳循环 + 推送订阅 + 健康监视，直到导航或重启
type Agent struct {
	directory  registrar.Directory
	store      localstore.Store
	subscriber Subscriber
	display    Display
	controller Controller
	prober     RouteProber
	logger     *zap.Logger
	opts       Options

	sink     *assignmentSink
	screenID string
	runCtx   context.Context

	mu          sync.Mutex
	currentPage string
}

// New 创建终端代理
func New(
	directory registrar.Directory,
	store localstore.Store,
	subscriber Subscriber,
	display Display,
	controller Controller,
	prober RouteProber,
	logger *zap.Logger,
	opts Options,
) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.DisconnectThreshold <= 0 {
		opts.DisconnectThreshold = 30 * time.Second
	}

	return &Agent{
		directory:  directory,
		store:      store,
		subscriber: subscriber,
		display:    display,
		controller: controller,
		prober:     prober,
		logger:     logger,
		opts:       opts,
	}
}

// Run 运行代理直到上下文取消
// 注册重试耗尽时返回 ErrRetriesExhausted，状态屏停留在注册界面明确报告
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx

	// 1. 启动序列（每次进程启动只执行一次）
	reg := registrar.New(a.directory, a.store, a.logger, registrar.Options{
		MaxAttempts: a.opts.RegisterMaxAttempts,
		RetryDelay:  a.opts.RegisterRetryDelay,
		Hostname:    a.opts.Hostname,
		UserAgent:   a.opts.UserAgent,
	})
	reg.OnTransition = func(state models.BootState) {
		a.display.ShowStatus(state, "")
	}

	boot, err := reg.Run(ctx)
	if err != nil {
		if errors.Is(err, registrar.ErrRetriesExhausted) {
			a.display.ShowStatus(models.StateRegistering, "registration failed, device needs attention")
		}
		return err
	}
	a.screenID = boot.ScreenID

	// 2. 推送与轮询共用的幂等指派处理器
	a.sink = newAssignmentSink(a.store, a.logger, a.activate)

	switch boot.State {
	case models.StateAssigned:
		a.sink.Observe(ctx, boot.AssignedPath)
	case models.StateWaiting:
		a.display.ShowPairingCode(boot.PairingCode)
	}

	// 3. 推送订阅 + 健康监视（订阅失败只记日志，轮询保证最终一致）
	if a.subscriber != nil {
		rowErr := a.subscriber.SubscribeScreen(ctx, boot.ScreenID, a.onRowChange)
		if rowErr != nil {
			a.logger.Warn("Row change subscription unavailable, polling only",
				zap.Error(rowErr),
			)
		}
		broadcastErr := a.subscriber.SubscribeBroadcast(ctx, a.onBroadcast)
		if broadcastErr != nil {
			a.logger.Warn("Broadcast subscription unavailable",
				zap.Error(broadcastErr),
			)
		}
		if rowErr != nil && broadcastErr != nil {
			// 健康监视器只看已建立的通道，本进程的推送自愈因此失效；
			// 指派仍由轮询保证最终送达
			a.logger.Warn("No push channels established, push self-heal disabled until next restart")
		}

		monitor := NewHealthMonitor(a.subscriber, a.controller, a.logger,
			a.opts.HealthInterval, a.opts.DisconnectThreshold)
		go monitor.Run(ctx)
	}

	// 4. 心跳循环（阻塞到上下文取消或强制重启）
	a.heartbeatLoop(ctx)
	return nil
}

// heartbeatLoop 心跳/轮询循环
// 每个 tick 完整结束后才调度下一个，慢网络下 tick 顺延但绝不重叠
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Heartbeat loop stopped")
			return
		case <-ticker.C:
			if !a.heartbeatTick(ctx) {
				return
			}
		}
	}
}

// heartbeatTick 单次心跳
// 返回 false 表示循环应当结束（记录被删除、已请求重启）
// 单次失败只影响本 tick，下个 tick 照常重试
func (a *Agent) heartbeatTick(ctx context.Context) bool {
	record, err := a.directory.Heartbeat(ctx, a.screenID, a.heartbeatUpdate())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 运营端删除了本设备：清空身份，重启后重新配对
			a.logger.Info("Screen record deleted by operator, re-pairing",
				zap.String("screen_id", a.screenID),
			)
			if cerr := a.store.Clear(localstore.IdentityKeys()...); cerr != nil {
				a.logger.Error("Failed to clear local state",
					zap.Error(cerr),
				)
			}
			a.controller.Restart("screen record deleted")
			return false
		}

		a.logger.Warn("Heartbeat failed, will retry next tick",
			zap.Error(err),
		)
		return true
	}

	// 轮询兜底：推送漏掉的指派在这里补上
	if record.AssignedPath != nil && *record.AssignedPath != "" {
		a.sink.Observe(ctx, *record.AssignedPath)
	}

	return true
}

// heartbeatUpdate 构建心跳更新内容
func (a *Agent) heartbeatUpdate() models.HeartbeatUpdate {
	update := models.HeartbeatUpdate{}
	if a.opts.UserAgent != "" {
		ua := a.opts.UserAgent
		update.UserAgent = &ua
	}
	if a.opts.Hostname != "" {
		name := a.opts.Hostname
		update.Name = &name
	}

	a.mu.Lock()
	if a.currentPage != "" {
		page := a.currentPage
		update.CurrentPage = &page
	}
	a.mu.Unlock()

	return update
}

// activate 指派生效：探测、展示、导航
// 由 assignmentSink 保证同一路径只执行一次
func (a *Agent) activate(ctx context.Context, path string) {
	if a.prober != nil {
		if err := a.prober.Check(ctx, path); err != nil {
			// 路由不可达只记日志，渲染端自己有错误页
			a.logger.Warn("Assigned route failed probe, navigating anyway",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}

	a.mu.Lock()
	a.currentPage = path
	a.mu.Unlock()

	a.display.ShowStatus(models.StateAssigned, path)
	a.controller.Navigate(path)
}

// onRowChange 行变更推送回调
func (a *Agent) onRowChange(record *models.ScreenRecord) {
	if record.AssignedPath != nil && *record.AssignedPath != "" {
		a.sink.Observe(a.runCtx, *record.AssignedPath)
	}
}

// onBroadcast 广播命令回调
func (a *Agent) onBroadcast(event models.BroadcastEvent) {
	switch event.Event {
	case models.BroadcastReload:
		a.controller.Restart("broadcast reload command")
	default:
		a.logger.Debug("Ignoring unknown broadcast event",
			zap.String("event", event.Event),
		)
	}
}
