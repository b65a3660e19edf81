package usage

import (
	"context"
	"fmt"
	"strings"
)

// Config 选择激活历史的后端。
type Config struct {
	// Driver 取值 memory、sqlite、mysql 或 redis，默认 sqlite。
	Driver   string
	Path     string
	MaxDepth int
	MySQL    MySQLConfig
	Redis    RedisConfig
}

// Open 根据配置创建存储。
func Open(ctx context.Context, cfg Config) (Store, error) {
	opts := Options{MaxDepth: cfg.MaxDepth}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return NewMemoryStore(opts), nil
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path, opts)
	case "mysql":
		return OpenMySQL(ctx, cfg.MySQL, opts)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, opts)
	default:
		return nil, fmt.Errorf("未知的激活历史存储类型: %s", cfg.Driver)
	}
}
