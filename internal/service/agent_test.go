package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kiosk-agent/internal/localstore"
	"kiosk-agent/internal/models"
	"kiosk-agent/internal/realtime"
	"kiosk-agent/internal/repository"
)

// ---- fakes ----

type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	return value, ok, nil
}

func (f *fakeStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Clear(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeStore) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}

// fakeDirectory 脚本化目录客户端
type fakeDirectory struct {
	mu          sync.Mutex
	registerFn  func(code string) (*models.ScreenRecord, error)
	getByIDFn   func(id string) (*models.ScreenRecord, error)
	heartbeatFn func(id string) (*models.ScreenRecord, error)
	heartbeats  int
}

func (f *fakeDirectory) Register(_ context.Context, code, _, _ string) (*models.ScreenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerFn == nil {
		return nil, errors.New("unexpected Register call")
	}
	return f.registerFn(code)
}

func (f *fakeDirectory) GetByID(_ context.Context, id string) (*models.ScreenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getByIDFn == nil {
		return nil, repository.ErrNotFound
	}
	return f.getByIDFn(id)
}

func (f *fakeDirectory) Heartbeat(_ context.Context, id string, _ models.HeartbeatUpdate) (*models.ScreenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.heartbeatFn == nil {
		return nil, errors.New("unexpected Heartbeat call")
	}
	return f.heartbeatFn(id)
}

type fakeDisplay struct {
	mu     sync.Mutex
	states []string
	codes  []string
}

func (f *fakeDisplay) ShowStatus(state models.BootState, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state.String())
}

func (f *fakeDisplay) ShowPairingCode(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
}

func (f *fakeDisplay) shownCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

type fakeController struct {
	mu        sync.Mutex
	navigated []string
	restarts  []string
	onAction  func()
}

func (f *fakeController) Navigate(path string) {
	f.mu.Lock()
	f.navigated = append(f.navigated, path)
	f.mu.Unlock()
	if f.onAction != nil {
		f.onAction()
	}
}

func (f *fakeController) Restart(reason string) {
	f.mu.Lock()
	f.restarts = append(f.restarts, reason)
	f.mu.Unlock()
	if f.onAction != nil {
		f.onAction()
	}
}

func (f *fakeController) navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigated...)
}

func (f *fakeController) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

// fakeSubscriber 捕获回调供测试直接触发
type fakeSubscriber struct {
	mu            sync.Mutex
	rowHandler    realtime.RowChangeHandler
	eventHandler  realtime.BroadcastHandler
	channelStates []realtime.ChannelStatus
}

func (f *fakeSubscriber) SubscribeScreen(_ context.Context, _ string, handler realtime.RowChangeHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowHandler = handler
	return nil
}

func (f *fakeSubscriber) SubscribeBroadcast(_ context.Context, handler realtime.BroadcastHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventHandler = handler
	return nil
}

func (f *fakeSubscriber) ChannelStates() []realtime.ChannelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelStates
}

func (f *fakeSubscriber) pushRow(record *models.ScreenRecord) {
	f.mu.Lock()
	handler := f.rowHandler
	f.mu.Unlock()
	if handler != nil {
		handler(record)
	}
}

func strPtr(s string) *string { return &s }

func newTestAgent(directory *fakeDirectory, store *fakeStore, subscriber Subscriber) (*Agent, *fakeDisplay, *fakeController) {
	display := &fakeDisplay{}
	controller := &fakeController{}
	agent := New(directory, store, subscriber, display, controller, nil, zap.NewNop(), Options{
		HeartbeatInterval:   5 * time.Millisecond,
		HealthInterval:      time.Millisecond,
		DisconnectThreshold: 10 * time.Millisecond,
		RegisterMaxAttempts: 3,
		RegisterRetryDelay:  time.Millisecond,
		UserAgent:           "kiosk-agent/test",
	})
	return agent, display, controller
}

// ---- heartbeat tick ----

func TestHeartbeatTick_TransientErrorSwallowed(t *testing.T) {
	store := newFakeStore()
	store.data[localstore.KeyDeviceID] = "screen-1"

	directory := &fakeDirectory{
		heartbeatFn: func(string) (*models.ScreenRecord, error) {
			return nil, errors.New("rate limited")
		},
	}

	agent, _, controller := newTestAgent(directory, store, nil)
	agent.screenID = "screen-1"
	agent.sink = newAssignmentSink(store, zap.NewNop(), agent.activate)

	// 瞬时故障：循环继续，本地状态不动
	assert.True(t, agent.heartbeatTick(context.Background()))
	assert.True(t, agent.heartbeatTick(context.Background()))
	assert.Equal(t, "screen-1", store.get(localstore.KeyDeviceID))
	assert.Zero(t, controller.restartCount())
}

func TestHeartbeatTick_NotFoundClearsStateAndRestarts(t *testing.T) {
	store := newFakeStore()
	store.data[localstore.KeyDeviceID] = "screen-1"
	store.data[localstore.KeyPairingCode] = "7K4P"

	directory := &fakeDirectory{
		heartbeatFn: func(string) (*models.ScreenRecord, error) {
			return nil, repository.ErrNotFound
		},
	}

	agent, _, controller := newTestAgent(directory, store, nil)
	agent.screenID = "screen-1"
	agent.sink = newAssignmentSink(store, zap.NewNop(), agent.activate)

	assert.False(t, agent.heartbeatTick(context.Background()))
	assert.Empty(t, store.get(localstore.KeyDeviceID))
	assert.Empty(t, store.get(localstore.KeyPairingCode))
	assert.Equal(t, 1, controller.restartCount())
}

func TestHeartbeatTick_DiscoversAssignment(t *testing.T) {
	store := newFakeStore()

	directory := &fakeDirectory{
		heartbeatFn: func(id string) (*models.ScreenRecord, error) {
			return &models.ScreenRecord{ID: id, Code: "7K4P", AssignedPath: strPtr("/tv1")}, nil
		},
	}

	agent, _, controller := newTestAgent(directory, store, nil)
	agent.screenID = "screen-1"
	agent.sink = newAssignmentSink(store, zap.NewNop(), agent.activate)

	assert.True(t, agent.heartbeatTick(context.Background()))
	assert.Equal(t, []string{"/tv1"}, controller.navigations())
	assert.Equal(t, "/tv1", store.get(localstore.KeyAssignedPath))
}

// ---- assignment sink ----

func TestSink_DuplicateAssignmentIsNoop(t *testing.T) {
	store := newFakeStore()

	var applied []string
	sink := newAssignmentSink(store, zap.NewNop(), func(_ context.Context, path string) {
		applied = append(applied, path)
	})

	ctx := context.Background()
	assert.True(t, sink.Observe(ctx, "/tv1"))
	// 推送和轮询可能对同一指派各上报一次
	assert.False(t, sink.Observe(ctx, "/tv1"))
	assert.False(t, sink.Observe(ctx, ""))
	assert.Equal(t, []string{"/tv1"}, applied)

	// 驻留期间的重新指派要再次生效
	assert.True(t, sink.Observe(ctx, "/tv2"))
	assert.Equal(t, []string{"/tv1", "/tv2"}, applied)
	assert.Equal(t, "/tv2", store.get(localstore.KeyAssignedPath))
}

// ---- health monitor ----

func TestHealthMonitor_ReloadAfterThreshold(t *testing.T) {
	subscriber := &fakeSubscriber{channelStates: []realtime.ChannelStatus{
		{Name: "screen:changed:screen-1", State: realtime.ChannelDisconnected},
		{Name: "screens:broadcast", State: realtime.ChannelDisconnected},
	}}
	controller := &fakeController{}

	monitor := NewHealthMonitor(subscriber, controller, zap.NewNop(), time.Second, 30*time.Second)
	current := time.Now()
	monitor.now = func() time.Time { return current }

	// 首次采样只开始计时
	assert.False(t, monitor.check())
	assert.Zero(t, controller.restartCount())

	// 阈值之内不重启
	current = current.Add(29 * time.Second)
	assert.False(t, monitor.check())
	assert.Zero(t, controller.restartCount())

	// 超过阈值恰好触发一次
	current = current.Add(2 * time.Second)
	assert.True(t, monitor.check())
	assert.Equal(t, 1, controller.restartCount())
}

func TestHealthMonitor_RecoveryResetsTimer(t *testing.T) {
	subscriber := &fakeSubscriber{channelStates: []realtime.ChannelStatus{
		{Name: "screens:broadcast", State: realtime.ChannelDisconnected},
	}}
	controller := &fakeController{}

	monitor := NewHealthMonitor(subscriber, controller, zap.NewNop(), time.Second, 30*time.Second)
	current := time.Now()
	monitor.now = func() time.Time { return current }

	assert.False(t, monitor.check())
	current = current.Add(20 * time.Second)
	assert.False(t, monitor.check())

	// 阈值前恢复：计时清零，不重启
	subscriber.channelStates = []realtime.ChannelStatus{
		{Name: "screens:broadcast", State: realtime.ChannelConnected},
	}
	assert.False(t, monitor.check())

	// 再次断开要重新计满阈值
	subscriber.channelStates = []realtime.ChannelStatus{
		{Name: "screens:broadcast", State: realtime.ChannelDisconnected},
	}
	current = current.Add(25 * time.Second)
	assert.False(t, monitor.check())
	current = current.Add(29 * time.Second)
	assert.False(t, monitor.check())

	assert.Zero(t, controller.restartCount())
}

func TestHealthMonitor_NoChannelsNoReload(t *testing.T) {
	// 启动时订阅全部失败的进程：没有可观测通道，永不触发重启
	// （否则会陷入 30 秒一次的重启循环，轮询本身仍在保底）
	subscriber := &fakeSubscriber{}
	controller := &fakeController{}

	monitor := NewHealthMonitor(subscriber, controller, zap.NewNop(), time.Second, 30*time.Second)
	current := time.Now()
	monitor.now = func() time.Time { return current }

	assert.False(t, monitor.check())
	current = current.Add(5 * time.Minute)
	assert.False(t, monitor.check())
	assert.Zero(t, controller.restartCount())
}

// ---- end to end ----

func TestRun_FreshDevice_AssignmentViaPoll(t *testing.T) {
	store := newFakeStore()

	// 全新设备：注册成功，前 3 个 tick 无指派，之后运营设置 /tv1
	directory := &fakeDirectory{}
	directory.registerFn = func(code string) (*models.ScreenRecord, error) {
		return &models.ScreenRecord{ID: "screen-1", Code: code}, nil
	}
	directory.heartbeatFn = func(id string) (*models.ScreenRecord, error) {
		record := &models.ScreenRecord{ID: id, Code: "7K4P"}
		if directory.heartbeats > 3 {
			record.AssignedPath = strPtr("/tv1")
		}
		return record, nil
	}

	agent, display, controller := newTestAgent(directory, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller.onAction = cancel

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not reach assignment")
	}

	assert.Equal(t, []string{"/tv1"}, controller.navigations())
	assert.Equal(t, "/tv1", store.get(localstore.KeyAssignedPath))
	assert.Equal(t, "screen-1", store.get(localstore.KeyDeviceID))
	// 等待期间必须展示过配对码
	assert.NotEmpty(t, display.shownCodes())
}

func TestRun_PushFastForwardsPoll(t *testing.T) {
	store := newFakeStore()
	store.data[localstore.KeyDeviceID] = "screen-1"

	waiting := &models.ScreenRecord{ID: "screen-1", Code: "7K4P"}
	directory := &fakeDirectory{
		getByIDFn:   func(string) (*models.ScreenRecord, error) { return waiting, nil },
		heartbeatFn: func(string) (*models.ScreenRecord, error) { return waiting, nil },
	}
	subscriber := &fakeSubscriber{}

	agent, _, controller := newTestAgent(directory, store, subscriber)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	// 等订阅建立
	require.Eventually(t, func() bool {
		subscriber.mu.Lock()
		defer subscriber.mu.Unlock()
		return subscriber.rowHandler != nil
	}, 2*time.Second, time.Millisecond)

	// 指派经推送到达
	subscriber.pushRow(&models.ScreenRecord{ID: "screen-1", Code: "7K4P", AssignedPath: strPtr("/tv1")})

	require.Eventually(t, func() bool {
		return len(controller.navigations()) == 1
	}, 2*time.Second, time.Millisecond)

	// 轮询随后看到同一指派：不得重复导航
	assigned := &models.ScreenRecord{ID: "screen-1", Code: "7K4P", AssignedPath: strPtr("/tv1")}
	directory.mu.Lock()
	directory.heartbeatFn = func(string) (*models.ScreenRecord, error) { return assigned, nil }
	directory.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"/tv1"}, controller.navigations())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_BroadcastReloadForcesRestart(t *testing.T) {
	store := newFakeStore()
	store.data[localstore.KeyDeviceID] = "screen-1"

	waiting := &models.ScreenRecord{ID: "screen-1", Code: "7K4P"}
	directory := &fakeDirectory{
		getByIDFn:   func(string) (*models.ScreenRecord, error) { return waiting, nil },
		heartbeatFn: func(string) (*models.ScreenRecord, error) { return waiting, nil },
	}
	subscriber := &fakeSubscriber{}

	agent, _, controller := newTestAgent(directory, store, subscriber)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		subscriber.mu.Lock()
		defer subscriber.mu.Unlock()
		return subscriber.eventHandler != nil
	}, 2*time.Second, time.Millisecond)

	subscriber.mu.Lock()
	handler := subscriber.eventHandler
	subscriber.mu.Unlock()
	handler(models.BroadcastEvent{Event: models.BroadcastReload})

	assert.Equal(t, 1, controller.restartCount())

	cancel()
	require.NoError(t, <-done)
}
