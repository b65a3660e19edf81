package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"OpenLaunch/internal/handlers"
	"OpenLaunch/pkg/logger"
)

// Store 持有当前配置，并把运行期间的偏好修改同步回 viper 以便写回文件。
type Store struct {
	mu   sync.RWMutex
	path string
	v    *viper.Viper
	cfg  Config
}

func newStore(path string, v *viper.Viper, cfg Config) *Store {
	return &Store{path: path, v: v, cfg: cfg}
}

// NewStore 包装一份内存中的配置，Save 会写入 path。
func NewStore(path string, cfg Config) *Store {
	cfg.applyDefaults(filepath.Dir(path))
	v := newViper()
	return newStore(path, v, cfg)
}

// Path 返回配置文件路径。
func (s *Store) Path() string { return s.path }

// Config 返回配置快照。
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// HandlerPreference 实现 handlers.Preferences。
func (s *Store) HandlerPreference(id string) (handlers.Preference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.cfg.Handlers[strings.ToLower(id)]
	if !ok {
		return handlers.Preference{}, false
	}
	return handlers.Preference{
		Enabled:          h.Enabled,
		Fuzzy:            h.Fuzzy,
		Trigger:          h.Trigger,
		FallbackPriority: h.FallbackPriority,
	}, true
}

// ObserveHandlerChange 记录处理器偏好的修改，供注册表作为观察者调用。
func (s *Store) ObserveHandlerChange(c handlers.Change) {
	if c.Kind != handlers.ChangeUpdated {
		return
	}
	e := c.Entry
	enabled, fuzzy := e.Enabled, e.Fuzzy
	h := HandlerSettings{Enabled: &enabled, Fuzzy: &fuzzy, FallbackPriority: e.FallbackPriority}
	if e.Trigger != e.DefaultTrigger {
		h.Trigger = e.Trigger
	}

	id := strings.ToLower(e.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Handlers[id] = h
	s.v.Set(key("handlers", id, "enabled"), enabled)
	s.v.Set(key("handlers", id, "fuzzy"), fuzzy)
	s.v.Set(key("handlers", id, "trigger"), h.Trigger)
	s.v.Set(key("handlers", id, "fallback_priority"), h.FallbackPriority)
}

// PluginEnabled 返回插件的启用偏好。
func (s *Store) PluginEnabled(id string) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cfg.Plugins.Settings[id]
	if !ok || p.Enabled == nil {
		return false, false
	}
	return *p.Enabled, true
}

// SetPluginEnabled 修改插件的启用偏好。
func (s *Store) SetPluginEnabled(id string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cfg.Plugins.Settings[id]
	p.Enabled = &enabled
	s.cfg.Plugins.Settings[id] = p
	s.v.Set(key("plugins", "settings", id, "enabled"), enabled)
}

// PluginConfig 返回传给插件 Create 的配置块。
func (s *Store) PluginConfig(id string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.cfg.Plugins.Settings[id].Config
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetRanking 修改排序偏好。调用方负责校验比例范围。
func (s *Store) SetRanking(r RankingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Ranking = r
	s.v.Set(key("ranking", "sort_preference_ratio"), r.SortPreferenceRatio)
	s.v.Set(key("ranking", "prioritize_exact_match"), r.PrioritizeExactMatch)
}

// SetQuery 修改分发器参数。
func (s *Store) SetQuery(q QueryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Query = q
	s.v.Set(key("query", "run_empty_query"), q.RunEmptyQuery)
	s.v.Set(key("query", "min_results"), q.MinResults)
	s.v.Set(key("query", "always_fallback"), q.AlwaysFallback)
	s.v.Set(key("query", "handler_timeout"), q.HandlerTimeout.String())
	s.v.Set(key("query", "max_concurrency"), q.MaxConcurrency)
	s.v.Set(key("query", "max_results"), q.MaxResults)
}

// Save 把当前配置写回文件。
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	if filepath.Ext(s.path) == "" {
		s.v.SetConfigType("yaml")
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("写入配置失败: %w", err)
	}
	logger.Named("config").Debug("配置已保存", slog.String("path", s.path))
	return nil
}
