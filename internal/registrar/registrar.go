package registrar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kiosk-agent/internal/localstore"
	"kiosk-agent/internal/models"
	"kiosk-agent/internal/pairing"
	"kiosk-agent/internal/repository"

	"go.uber.org/zap"
)

// ErrRetriesExhausted 注册重试次数用尽
// 本次启动致命：设备停在注册界面明确报告，而不是无声挂起
var ErrRetriesExhausted = errors.New("registration retries exhausted")

// Directory 屏幕目录客户端（注册阶段用到的子集）
type Directory interface {
	Register(ctx context.Context, code, name, userAgent string) (*models.ScreenRecord, error)
	GetByID(ctx context.Context, id string) (*models.ScreenRecord, error)
	Heartbeat(ctx context.Context, id string, update models.HeartbeatUpdate) (*models.ScreenRecord, error)
}

// Options 注册器配置
type Options struct {
	// MaxAttempts 注册/查询的重试上限（默认 10）
	MaxAttempts int
	// RetryDelay 瞬时故障重试前的等待（默认 2s）
	RetryDelay time.Duration
	// Hostname 启动参数传入的主机名；为空时沿用本地缓存值
	Hostname string
	// UserAgent 诊断字符串
	UserAgent string
}

// Result 启动序列的最终结果
type Result struct {
	State        models.BootState
	ScreenID     string
	PairingCode  string
	AssignedPath string
}

// Registrar 启动状态机
// 按快/中/慢三档恢复路径决策：夜间重启的屏幕绝不能退回显示新配对码、
// 卡在等待运营处理上，多数情况一次查询即可恢复
type Registrar struct {
	directory Directory
	store     localstore.Store
	logger    *zap.Logger
	opts      Options

	// 可注入项（测试用）
	generate func() string
	sleep    func(time.Duration)

	// OnTransition 状态迁移回调（用于刷新状态屏），可为 nil
	OnTransition func(state models.BootState)
}

// New 创建注册器
func New(directory Directory, store localstore.Store, logger *zap.Logger, opts Options) *Registrar {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	return &Registrar{
		directory: directory,
		store:     store,
		logger:    logger,
		opts:      opts,
		generate:  pairing.Generate,
		sleep:     time.Sleep,
	}
}

// Run 执行一次启动序列
// 进程启动时调用一次；成功后移交心跳循环和推送订阅
func (r *Registrar) Run(ctx context.Context) (*Result, error) {
	r.transition(models.StateBooting)

	deviceID, _, err := r.store.Get(localstore.KeyDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}
	cachedPath, _, err := r.store.Get(localstore.KeyAssignedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached assignment: %w", err)
	}

	// 快速路径：有设备 id 和缓存的指派路径
	if deviceID != "" && cachedPath != "" {
		result, recovered, err := r.fastPath(ctx, deviceID, cachedPath)
		if err != nil {
			return nil, err
		}
		if recovered {
			return result, nil
		}
		// 远端记录已被删除：本地状态已清空，按全新设备继续
		deviceID = ""
	}

	// 中速路径：有设备 id，但从未被指派
	if deviceID != "" {
		result, recovered, err := r.mediumPath(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if recovered {
			return result, nil
		}
		// 同上，退回全新设备
	}

	// 慢速路径：全新设备，插入新记录
	return r.slowPath(ctx)
}

// fastPath 快速路径
// 记录仍在：发心跳刷新活性，远端 assigned_path 优先于本地缓存
// （覆盖停机期间被运营重新指派的情况），直接进入 ASSIGNED
func (r *Registrar) fastPath(ctx context.Context, deviceID, cachedPath string) (*Result, bool, error) {
	record, err := r.lookup(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		r.logger.Info("Screen record deleted remotely, resetting local state",
			zap.String("screen_id", deviceID),
		)
		if err := r.clearLocalState(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	// 心跳刷新；瞬时失败不致命，沿用查询到的记录
	if updated, err := r.directory.Heartbeat(ctx, deviceID, r.heartbeatUpdate(cachedPath)); err == nil {
		record = updated
	} else if errors.Is(err, repository.ErrNotFound) {
		if err := r.clearLocalState(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	} else {
		r.logger.Warn("Boot heartbeat failed, continuing with lookup result",
			zap.Error(err),
		)
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	path := cachedPath
	if record.AssignedPath != nil && *record.AssignedPath != "" {
		path = *record.AssignedPath
	}
	if err := r.persistAssignment(path); err != nil {
		return nil, false, err
	}
	r.persistHostname()

	r.logger.Info("Fast path recovery complete",
		zap.String("screen_id", deviceID),
		zap.String("assigned_path", path),
	)
	r.transition(models.StateAssigned)

	return &Result{
		State:        models.StateAssigned,
		ScreenID:     deviceID,
		PairingCode:  record.Code,
		AssignedPath: path,
	}, true, nil
}

// mediumPath 中速路径
// 已注册但从未被指派：记录若已有指派则直接 ASSIGNED，
// 否则恢复配对码显示并进入 WAITING
func (r *Registrar) mediumPath(ctx context.Context, deviceID string) (*Result, bool, error) {
	record, err := r.lookup(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		r.logger.Info("Screen record deleted remotely, resetting local state",
			zap.String("screen_id", deviceID),
		)
		if err := r.clearLocalState(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	// 停机期间被指派：持久化后直接进入 ASSIGNED
	if record.AssignedPath != nil && *record.AssignedPath != "" {
		path := *record.AssignedPath
		if err := r.persistAssignment(path); err != nil {
			return nil, false, err
		}
		r.persistHostname()

		r.logger.Info("Assignment found during boot",
			zap.String("screen_id", deviceID),
			zap.String("assigned_path", path),
		)
		r.transition(models.StateAssigned)

		return &Result{
			State:        models.StateAssigned,
			ScreenID:     deviceID,
			PairingCode:  record.Code,
			AssignedPath: path,
		}, true, nil
	}

	// 仍未指派：心跳刷新后继续等待
	if _, err := r.directory.Heartbeat(ctx, deviceID, r.heartbeatUpdate("")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if err := r.clearLocalState(ctx); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
		r.logger.Warn("Boot heartbeat failed, continuing to wait state",
			zap.Error(err),
		)
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	// 恢复配对码供屏幕展示；本地缓存缺失时以目录记录为准
	code, ok, err := r.store.Get(localstore.KeyPairingCode)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read pairing code: %w", err)
	}
	if !ok || code == "" {
		code = record.Code
		if err := r.store.Set(localstore.KeyPairingCode, code); err != nil {
			return nil, false, fmt.Errorf("failed to restore pairing code: %w", err)
		}
	}
	r.persistHostname()

	r.logger.Info("Medium path recovery complete, waiting for assignment",
		zap.String("screen_id", deviceID),
		zap.String("pairing_code", code),
	)
	r.transition(models.StateWaiting)

	return &Result{
		State:       models.StateWaiting,
		ScreenID:    deviceID,
		PairingCode: code,
	}, true, nil
}

// slowPath 慢速路径
// 全新设备：生成配对码并插入新记录
// 配对码冲突换新码重试，瞬时故障等待后用原码重试，两者共用同一次数上限
func (r *Registrar) slowPath(ctx context.Context) (*Result, error) {
	r.transition(models.StateRegistering)

	code := r.generate()
	var lastErr error

	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		record, err := r.directory.Register(ctx, code, r.opts.Hostname, r.opts.UserAgent)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err == nil {
			if err := r.store.Set(localstore.KeyDeviceID, record.ID); err != nil {
				return nil, fmt.Errorf("failed to persist device id: %w", err)
			}
			if err := r.store.Set(localstore.KeyPairingCode, record.Code); err != nil {
				return nil, fmt.Errorf("failed to persist pairing code: %w", err)
			}
			r.persistHostname()

			r.logger.Info("Screen registered",
				zap.String("screen_id", record.ID),
				zap.String("pairing_code", record.Code),
				zap.Int("attempt", attempt),
			)
			r.transition(models.StateWaiting)

			return &Result{
				State:       models.StateWaiting,
				ScreenID:    record.ID,
				PairingCode: record.Code,
			}, nil
		}

		lastErr = err
		if errors.Is(err, repository.ErrCodeTaken) {
			// 冲突必须换一个新候选码
			next := r.generate()
			for next == code {
				next = r.generate()
			}
			r.logger.Info("Pairing code collision, retrying with fresh code",
				zap.String("collided_code", code),
				zap.Int("attempt", attempt),
			)
			code = next
			continue
		}

		// 瞬时故障：等待后用同一个候选码重试
		r.logger.Warn("Registration attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		r.sleep(r.opts.RetryDelay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, r.opts.MaxAttempts, lastErr)
}

// lookup 按 id 查询记录，瞬时故障原地重试
func (r *Registrar) lookup(ctx context.Context, deviceID string) (*models.ScreenRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		record, err := r.directory.GetByID(ctx, deviceID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil || errors.Is(err, repository.ErrNotFound) {
			return record, err
		}

		lastErr = err
		r.logger.Warn("Screen lookup failed, retrying",
			zap.String("screen_id", deviceID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		r.sleep(r.opts.RetryDelay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, r.opts.MaxAttempts, lastErr)
}

// heartbeatUpdate 构建启动心跳的更新内容
func (r *Registrar) heartbeatUpdate(currentPage string) models.HeartbeatUpdate {
	update := models.HeartbeatUpdate{}
	if currentPage != "" {
		update.CurrentPage = &currentPage
	}
	if r.opts.UserAgent != "" {
		ua := r.opts.UserAgent
		update.UserAgent = &ua
	}
	if name := r.hostname(); name != "" {
		update.Name = &name
	}
	return update
}

// hostname 生效的主机名：启动参数优先，其次本地缓存
func (r *Registrar) hostname() string {
	if r.opts.Hostname != "" {
		return r.opts.Hostname
	}
	cached, _, _ := r.store.Get(localstore.KeyHostname)
	return cached
}

// persistHostname 缓存启动参数传入的主机名，供下次启动沿用
func (r *Registrar) persistHostname() {
	if r.opts.Hostname == "" {
		return
	}
	if err := r.store.Set(localstore.KeyHostname, r.opts.Hostname); err != nil {
		r.logger.Warn("Failed to cache hostname",
			zap.Error(err),
		)
	}
}

// persistAssignment 持久化指派路径
func (r *Registrar) persistAssignment(path string) error {
	if err := r.store.Set(localstore.KeyAssignedPath, path); err != nil {
		return fmt.Errorf("failed to persist assignment: %w", err)
	}
	return nil
}

// clearLocalState 清空全部身份键
// 中断的启动序列不得在取消后继续改写本地状态
func (r *Registrar) clearLocalState(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := r.store.Clear(localstore.IdentityKeys()...); err != nil {
		return fmt.Errorf("failed to clear local state: %w", err)
	}
	return nil
}

// transition 状态迁移通知
func (r *Registrar) transition(state models.BootState) {
	r.logger.Debug("Boot state transition",
		zap.String("state", state.String()),
	)
	if r.OnTransition != nil {
		r.OnTransition(state)
	}
}
