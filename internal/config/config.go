// Package config 负责加载启动器配置与用户偏好，并把偏好修改写回配置文件。
//
// 配置来源依次为默认值、配置文件（YAML/TOML/JSON）与 OPENLAUNCH_ 前缀的环境变量。
// 处理器 ID 中包含 "."，因此内部使用 "::" 作为 viper 的键分隔符。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"OpenLaunch/internal/usage"
	"OpenLaunch/pkg/logger"
)

const (
	envPrefix = "OPENLAUNCH"
	delimiter = "::"
)

// Config 描述启动器在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig               `mapstructure:"server"`
	Logging  LoggingConfig              `mapstructure:"logging"`
	Storage  StorageConfig              `mapstructure:"storage"`
	Events   EventsConfig               `mapstructure:"events"`
	Ranking  RankingConfig              `mapstructure:"ranking"`
	Query    QueryConfig                `mapstructure:"query"`
	Plugins  PluginsConfig              `mapstructure:"plugins"`
	Handlers map[string]HandlerSettings `mapstructure:"handlers"`
	Builtin  BuiltinConfig              `mapstructure:"builtin"`
	Runtime  RuntimeConfig              `mapstructure:"runtime"`
}

// ServerConfig 控制 HTTP 接口。
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	Token          string `mapstructure:"token"`
	MetricsAddress string `mapstructure:"metrics_address"`
	// RateLimit 是 /api 每秒允许的请求数，0 表示不限流。
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
	Timings     struct {
		Enabled    bool   `mapstructure:"enabled"`
		Path       string `mapstructure:"path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"timings"`
}

// StorageConfig 选择激活历史后端。
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	MaxDepth int    `mapstructure:"max_depth"`
	MySQL    struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	} `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig 描述外部事件渠道。
type EventsConfig struct {
	Redis struct {
		Enabled bool `mapstructure:"enabled"`
		RedisConfig `mapstructure:",squash"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	RabbitMQ struct {
		Enabled  bool   `mapstructure:"enabled"`
		URL      string `mapstructure:"url"`
		Exchange string `mapstructure:"exchange"`
		Durable  bool   `mapstructure:"durable"`
	} `mapstructure:"rabbitmq"`
}

// RankingConfig 对应排序偏好。
type RankingConfig struct {
	SortPreferenceRatio  float64 `mapstructure:"sort_preference_ratio"`
	PrioritizeExactMatch bool    `mapstructure:"prioritize_exact_match"`
}

// QueryConfig 对应分发器参数。
type QueryConfig struct {
	RunEmptyQuery  bool          `mapstructure:"run_empty_query" json:"run_empty_query"`
	MinResults     int           `mapstructure:"min_results" json:"min_results"`
	AlwaysFallback bool          `mapstructure:"always_fallback" json:"always_fallback"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" json:"handler_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency" json:"max_concurrency"`
	MaxResults     int           `mapstructure:"max_results" json:"max_results"`
}

// PluginsConfig 描述插件发现与每个插件的设置。
type PluginsConfig struct {
	Dirs        []string                  `mapstructure:"dirs"`
	Watch       bool                      `mapstructure:"watch"`
	LibraryDirs []string                  `mapstructure:"library_dirs"`
	Settings    map[string]PluginSettings `mapstructure:"settings"`
}

// PluginSettings 是单个插件的偏好与配置块。
type PluginSettings struct {
	Enabled *bool          `mapstructure:"enabled"`
	Config  map[string]any `mapstructure:"config"`
}

// HandlerSettings 是单个处理器的持久化偏好。
type HandlerSettings struct {
	Enabled          *bool  `mapstructure:"enabled"`
	Fuzzy            *bool  `mapstructure:"fuzzy"`
	Trigger          string `mapstructure:"trigger"`
	FallbackPriority int    `mapstructure:"fallback_priority"`
}

// BuiltinConfig 配置内置插件。
type BuiltinConfig struct {
	Apps      []App          `mapstructure:"apps"`
	WebSearch []SearchEngine `mapstructure:"websearch"`
}

// App 是应用目录中的一项。
type App struct {
	ID       string   `mapstructure:"id"`
	Name     string   `mapstructure:"name"`
	Exec     string   `mapstructure:"exec"`
	Keywords []string `mapstructure:"keywords"`
}

// SearchEngine 是网页搜索兜底使用的 URL 模板，%s 处替换为查询。
type SearchEngine struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggerConfig 转换为 logger.Config。
func (c Config) LoggerConfig() logger.Config {
	l := c.Logging
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.OutputPaths,
		Timings: logger.TimingsConfig{
			Enabled:    l.Timings.Enabled,
			Path:       l.Timings.Path,
			MaxSizeMB:  l.Timings.MaxSizeMB,
			MaxBackups: l.Timings.MaxBackups,
			MaxAgeDays: l.Timings.MaxAgeDays,
		},
	}
}

// UsageConfig 转换为 usage.Config。
func (c Config) UsageConfig() usage.Config {
	s := c.Storage
	return usage.Config{
		Driver:   s.Driver,
		Path:     s.Path,
		MaxDepth: s.MaxDepth,
		MySQL: usage.MySQLConfig{
			DSN:             s.MySQL.DSN,
			MaxOpenConns:    s.MySQL.MaxOpenConns,
			MaxIdleConns:    s.MySQL.MaxIdleConns,
			ConnMaxLifetime: s.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: s.MySQL.ConnMaxIdleTime,
		},
		Redis: usage.RedisConfig{
			Address:  s.Redis.Address,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		},
	}
}

// Validate 检查配置是否可用。
func (c Config) Validate() error {
	r := c.Ranking.SortPreferenceRatio
	if !(r >= 0.5 && r <= 1) {
		return fmt.Errorf("ranking.sort_preference_ratio 必须在 [0.5, 1] 之间: %v", r)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "sqlite", "mysql", "redis":
	default:
		return fmt.Errorf("未知的激活历史存储类型: %s", c.Storage.Driver)
	}
	if c.Query.MinResults < 0 || c.Query.MaxResults < 0 || c.Query.MaxConcurrency < 0 {
		return errors.New("query 参数不能为负数")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server 限流参数不能为负数")
	}
	for _, e := range c.Builtin.WebSearch {
		if !strings.Contains(e.URL, "%s") {
			return fmt.Errorf("搜索引擎 %s 的 URL 缺少 %%s 占位符", e.ID)
		}
	}
	return nil
}

// DefaultPath 返回默认配置文件位置，可由 OPENLAUNCH_CONFIG 覆盖。
func DefaultPath() string {
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "openlaunch", "config.yaml")
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(delimiter))
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(delimiter, "_"))
	v.AutomaticEnv()
	return v
}

func key(parts ...string) string { return strings.Join(parts, delimiter) }

func setDefaults(v *viper.Viper) {
	v.SetDefault(key("server", "address"), "127.0.0.1:7788")
	v.SetDefault(key("server", "token"), "")
	v.SetDefault(key("server", "metrics_address"), "")
	v.SetDefault(key("server", "rate_limit"), 0)
	v.SetDefault(key("server", "rate_burst"), 20)
	v.SetDefault(key("logging", "level"), "info")
	v.SetDefault(key("logging", "format"), "text")
	v.SetDefault(key("logging", "timings", "enabled"), false)
	v.SetDefault(key("storage", "driver"), "sqlite")
	v.SetDefault(key("storage", "path"), "")
	v.SetDefault(key("storage", "max_depth"), 0)
	v.SetDefault(key("storage", "mysql", "dsn"), "")
	v.SetDefault(key("storage", "redis", "address"), "")
	v.SetDefault(key("events", "redis", "enabled"), false)
	v.SetDefault(key("events", "redis", "address"), "")
	v.SetDefault(key("events", "rabbitmq", "enabled"), false)
	v.SetDefault(key("events", "rabbitmq", "url"), "")
	v.SetDefault(key("ranking", "sort_preference_ratio"), 0.75)
	v.SetDefault(key("ranking", "prioritize_exact_match"), true)
	v.SetDefault(key("query", "run_empty_query"), false)
	v.SetDefault(key("query", "min_results"), 1)
	v.SetDefault(key("query", "always_fallback"), false)
	v.SetDefault(key("query", "handler_timeout"), 2*time.Second)
	v.SetDefault(key("query", "max_concurrency"), 0)
	v.SetDefault(key("query", "max_results"), 50)
	v.SetDefault(key("plugins", "watch"), false)
	v.SetDefault(key("runtime", "data_dir"), "")
}

// Load 解析配置文件。path 为空时使用 DefaultPath；文件不存在时只使用默认值与环境变量。
func Load(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := newViper()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newStore(path, v, cfg), nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Runtime.DataDir, "activations.db")
	}
	if c.Logging.Timings.Enabled && c.Logging.Timings.Path == "" {
		c.Logging.Timings.Path = filepath.Join(c.Runtime.DataDir, "logs", "timings.log")
	}
	if len(c.Plugins.Dirs) == 0 {
		c.Plugins.Dirs = []string{filepath.Join(c.Runtime.DataDir, "plugins")}
	}
	for i, dir := range c.Plugins.Dirs {
		if !filepath.IsAbs(dir) {
			c.Plugins.Dirs[i] = filepath.Join(baseDir, dir)
		}
	}
	if c.Handlers == nil {
		c.Handlers = make(map[string]HandlerSettings)
	}
	if c.Plugins.Settings == nil {
		c.Plugins.Settings = make(map[string]PluginSettings)
	}
	if len(c.Builtin.WebSearch) == 0 {
		c.Builtin.WebSearch = []SearchEngine{{ID: "duckduckgo", Name: "DuckDuckGo", URL: "https://duckduckgo.com/?q=%s"}}
	}
}
