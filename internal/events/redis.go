package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"OpenLaunch/internal/errors"
)

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher 通过 Redis PUBLISH 广播事件。
type RedisPublisher struct {
	client  redisPublishClient
	channel string
}

// NewRedisPublisher 创建 Redis 发布者并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisPublisher(client, cfg.Channel), nil
}

func newRedisPublisher(client redisPublishClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "openlaunch:events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish 将事件编码为 JSON 后发布。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
