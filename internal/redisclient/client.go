package redisclient

import (
	"context"
	"fmt"

	"kiosk-agent/internal/config"

	"github.com/go-redis/redis/v8"
)

// NewClient 创建推送通道 Redis 客户端
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
