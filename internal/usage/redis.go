package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	lerrors "OpenLaunch/internal/errors"
)

// RedisConfig 描述 Redis 激活历史的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// redisClient 是 RedisStore 实际使用的命令子集，便于测试替换。
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// RedisStore 使用 Redis list 保存每个键的激活历史，并按 MaxDepth 截断。
type RedisStore struct {
	client redisClient
	prefix string
	opts   Options
}

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts Options) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisStore(client, cfg.Prefix, opts), nil
}

func newRedisStore(client redisClient, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "openlaunch"
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 100
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts}
}

func (s *RedisStore) listKey(k Key) string {
	return s.prefix + ":activations:" + k.String()
}

// Append 实现 Store。序号由全局 INCR 计数器分配。
func (s *RedisStore) Append(ctx context.Context, a Activation) (Activation, error) {
	a, err := prepare(a, s.opts)
	if err != nil {
		return Activation{}, err
	}
	ordinal, err := s.client.Incr(ctx, s.prefix+":activation_seq").Result()
	if err != nil {
		return Activation{}, lerrors.Wrap(lerrors.CodeStorageFailure, err, "分配激活序号失败")
	}
	a.Ordinal = ordinal

	payload, err := json.Marshal(a)
	if err != nil {
		return Activation{}, lerrors.Wrap(lerrors.CodeStorageFailure, err, "序列化激活记录失败")
	}
	key := s.listKey(a.Key)
	if err := s.client.RPush(ctx, key, payload).Err(); err != nil {
		return Activation{}, lerrors.Wrap(lerrors.CodeStorageFailure, err, "写入激活记录失败")
	}
	if err := s.client.LTrim(ctx, key, int64(-s.opts.MaxDepth), -1).Err(); err != nil {
		return Activation{}, lerrors.Wrap(lerrors.CodeStorageFailure, err, "截断激活历史失败")
	}
	return a, nil
}

// History 实现 Store。
func (s *RedisStore) History(ctx context.Context, key Key) ([]Activation, error) {
	values, err := s.client.LRange(ctx, s.listKey(key), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, lerrors.Wrap(lerrors.CodeStorageFailure, err, "查询激活历史失败")
	}
	out := make([]Activation, 0, len(values))
	for _, raw := range values {
		var a Activation
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, lerrors.Wrap(lerrors.CodeStorageFailure, err, "解析激活记录失败")
		}
		out = append(out, a)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
