package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"kiosk-agent/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ChannelState 推送通道状态
type ChannelState string

const (
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
)

// ChannelStatus 单条通道的当前状态（供连接健康监视器采样）
type ChannelStatus struct {
	Name  string
	State ChannelState
}

// 通道命名约定（目录服务在行变更/广播时向这些通道发布 JSON）
const (
	screenChannelPrefix = "screen:changed:"
	broadcastChannel    = "screens:broadcast"
)

// receiveRetryDelay 接收失败后的重试间隔
const receiveRetryDelay = time.Second

// RowChangeHandler 行变更回调，收到变更后的整行快照
type RowChangeHandler func(record *models.ScreenRecord)

// BroadcastHandler 广播命令回调
type BroadcastHandler func(event models.BroadcastEvent)

// Subscriber 推送订阅器
// 基于 redis pub/sub；投递为 at-least-once 尽力而为，轮询兜底由上层负责
type Subscriber struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]ChannelState
	subs   []*redis.PubSub
	wg     sync.WaitGroup
}

// NewSubscriber 创建推送订阅器
func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		logger: logger,
		states: make(map[string]ChannelState),
	}
}

// SubscribeScreen 订阅指定屏幕记录的行变更
// 回调只收到反序列化成功的快照；脏消息记日志后丢弃
func (s *Subscriber) SubscribeScreen(ctx context.Context, screenID string, handler RowChangeHandler) error {
	channel := screenChannelPrefix + screenID
	return s.subscribe(ctx, channel, func(payload string) {
		var record models.ScreenRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			s.logger.Warn("Failed to decode row change payload",
				zap.String("channel", channel),
				zap.Error(err),
			)
			return
		}
		handler(&record)
	})
}

// SubscribeBroadcast 订阅全体屏幕广播命令通道
func (s *Subscriber) SubscribeBroadcast(ctx context.Context, handler BroadcastHandler) error {
	return s.subscribe(ctx, broadcastChannel, func(payload string) {
		var event models.BroadcastEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			s.logger.Warn("Failed to decode broadcast payload",
				zap.Error(err),
			)
			return
		}
		handler(event)
	})
}

// subscribe 建立订阅并启动接收循环
func (s *Subscriber) subscribe(ctx context.Context, channel string, handle func(payload string)) error {
	pubsub := s.client.Subscribe(ctx, channel)

	// 等待订阅确认，保证返回后发布的消息不会丢
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	s.mu.Lock()
	s.states[channel] = ChannelConnected
	s.subs = append(s.subs, pubsub)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(ctx, channel, pubsub, handle)

	return nil
}

// receiveLoop 接收循环
// 单次接收失败只标记通道断开并稍后重试，不退出循环
func (s *Subscriber) receiveLoop(ctx context.Context, channel string, pubsub *redis.PubSub, handle func(payload string)) {
	defer s.wg.Done()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				s.setState(channel, ChannelDisconnected)
				return
			}
			s.setState(channel, ChannelDisconnected)
			s.logger.Warn("Push channel receive failed",
				zap.String("channel", channel),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}

			// 等待期的安静通道上不会有消息证明重连成功，
			// 只能靠 ping 主动探活；成功即恢复 connected
			if pingErr := pubsub.Ping(ctx); pingErr == nil {
				s.setState(channel, ChannelConnected)
			}
			continue
		}

		s.setState(channel, ChannelConnected)
		handle(msg.Payload)
	}
}

// ChannelStates 返回所有已建立通道的当前状态
func (s *Subscriber) ChannelStates() []ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]ChannelStatus, 0, len(s.states))
	for name, state := range s.states {
		statuses = append(statuses, ChannelStatus{Name: name, State: state})
	}
	return statuses
}

// Close 关闭全部订阅并等待接收循环退出
func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, pubsub := range subs {
		if err := pubsub.Close(); err != nil {
			s.logger.Warn("Failed to close subscription",
				zap.Error(err),
			)
		}
	}

	s.wg.Wait()
	return nil
}

// setState 更新通道状态
func (s *Subscriber) setState(channel string, state ChannelState) {
	s.mu.Lock()
	s.states[channel] = state
	s.mu.Unlock()
}
