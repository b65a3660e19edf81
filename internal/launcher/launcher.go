// Package launcher 组装启动器内核：配置、激活历史、排序、处理器注册表、插件注册表、
// 查询分发以及事件与指标。所有组件都由 Launcher 显式持有。
package launcher

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"OpenLaunch/internal/builtin"
	"OpenLaunch/internal/config"
	"OpenLaunch/internal/discovery"
	"OpenLaunch/internal/dispatch"
	"OpenLaunch/internal/errors"
	"OpenLaunch/internal/events"
	"OpenLaunch/internal/handlers"
	"OpenLaunch/internal/observability/metrics"
	"OpenLaunch/internal/ranking"
	"OpenLaunch/internal/usage"
	"OpenLaunch/pkg/logger"
	"OpenLaunch/pkg/plugin"
)

// Option 定制 Launcher。
type Option func(*options)

type options struct {
	store     usage.Store
	sinks     []events.Publisher
	frontend  func(*Launcher) builtin.Frontend
	providers []plugin.Provider
	checker   plugin.RequirementChecker
	noChecker bool
	loader    plugin.Loader
}

// WithUsageStore 使用给定的激活历史存储，而不是按配置打开。
func WithUsageStore(s usage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEventSinks 追加外部事件渠道。
func WithEventSinks(p ...events.Publisher) Option {
	return func(o *options) { o.sinks = append(o.sinks, p...) }
}

// WithFrontend 注册 HTTP 前端插件，factory 在 Launcher 构造完成后调用。
func WithFrontend(factory func(*Launcher) builtin.Frontend) Option {
	return func(o *options) { o.frontend = factory }
}

// WithProviders 追加额外的插件。
func WithProviders(p ...plugin.Provider) Option {
	return func(o *options) { o.providers = append(o.providers, p...) }
}

// WithRequirementChecker 覆盖依赖检查，nil 表示跳过检查。
func WithRequirementChecker(c plugin.RequirementChecker) Option {
	return func(o *options) {
		o.checker = c
		o.noChecker = c == nil
	}
}

// WithLoader 指定加载 .so 插件所用的 Loader。
func WithLoader(l plugin.Loader) Option {
	return func(o *options) { o.loader = l }
}

// Launcher 是启动器内核的组合根。
type Launcher struct {
	cfg       *config.Store
	store     usage.Store
	ranking   *ranking.Engine
	handlers  *handlers.Registry
	plugins   *plugin.Registry
	dispatch  *dispatch.Dispatcher
	bus       *events.Bus
	metrics   *metrics.Collector
	discovery *discovery.Discoverer
	log       *slog.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*dispatch.Session

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New 根据配置组装全部组件，但不加载任何插件。
func New(ctx context.Context, store *config.Store, opts ...Option) (*Launcher, error) {
	o := options{loader: plugin.GoPluginLoader{}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := store.Config()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	l := &Launcher{
		cfg:      store,
		metrics:  metrics.NewCollector(),
		log:      logger.Named("launcher"),
		sessions: make(map[string]*dispatch.Session),
	}

	usageStore := o.store
	if usageStore == nil {
		s, err := usage.Open(ctx, cfg.UsageConfig())
		if err != nil {
			return nil, errors.Wrap(errors.CodeStorageFailure, err, "打开激活历史失败")
		}
		usageStore = s
	}
	l.store = usageStore

	engine, err := ranking.New(usageStore, ranking.Config{
		Ratio:                cfg.Ranking.SortPreferenceRatio,
		PrioritizeExactMatch: cfg.Ranking.PrioritizeExactMatch,
	})
	if err != nil {
		_ = usageStore.Close()
		return nil, err
	}
	l.ranking = engine

	sinks, err := openSinks(ctx, cfg)
	if err != nil {
		_ = usageStore.Close()
		return nil, err
	}
	l.bus = events.NewBus(append(sinks, o.sinks...)...)

	l.handlers = handlers.New(
		handlers.WithPreferences(store),
		handlers.WithObserver(l.onHandlerChange),
	)

	pluginOpts := []plugin.Option{
		plugin.WithEnabledSource(store.PluginEnabled),
		plugin.WithConfigSource(store.PluginConfig),
		plugin.WithObserver(l.onPluginEvent),
		plugin.WithResource(builtin.ResourcePlugins, pluginLister{l}),
	}
	switch {
	case o.noChecker:
		pluginOpts = append(pluginOpts, plugin.WithRequirementChecker(nil))
	case o.checker != nil:
		pluginOpts = append(pluginOpts, plugin.WithRequirementChecker(o.checker))
	case len(cfg.Plugins.LibraryDirs) > 0:
		pluginOpts = append(pluginOpts, plugin.WithRequirementChecker(plugin.SystemChecker{
			LibraryDirs: append(append([]string(nil), cfg.Plugins.LibraryDirs...), plugin.DefaultLibraryDirs...),
		}))
	}
	if o.frontend != nil {
		pluginOpts = append(pluginOpts, plugin.WithResource(builtin.ResourceFrontend, o.frontend(l)))
	}
	l.plugins = plugin.NewRegistry(l.handlers, pluginOpts...)

	l.dispatch = dispatch.New(l.handlers, engine, dispatchConfig(cfg.Query), dispatch.WithRecorder(l.metrics))

	providers := []plugin.Provider{
		builtin.NewApps(appsFromConfig(cfg.Builtin.Apps)),
		builtin.NewCalc(),
		builtin.NewWebSearch(enginesFromConfig(cfg.Builtin.WebSearch)),
		builtin.NewPlugins(),
	}
	if o.frontend != nil {
		providers = append(providers, builtin.NewFrontend())
	}
	providers = append(providers, o.providers...)
	for _, p := range providers {
		if err := l.plugins.Add(p); err != nil {
			l.Close(ctx)
			return nil, err
		}
	}

	loader := o.loader
	l.discovery = discovery.New(cfg.Plugins.Dirs, func(m plugin.Manifest) error {
		return l.plugins.Add(m.Provider(loader))
	})
	return l, nil
}

func openSinks(ctx context.Context, cfg config.Config) ([]events.Publisher, error) {
	var sinks []events.Publisher
	if r := cfg.Events.Redis; r.Enabled {
		p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  r.Address,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
	}
	if q := cfg.Events.RabbitMQ; q.Enabled {
		p, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{URL: q.URL, Exchange: q.Exchange, Durable: q.Durable})
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, p)
	}
	return sinks, nil
}

func dispatchConfig(q config.QueryConfig) dispatch.Config {
	return dispatch.Config{
		RunEmptyQuery:  q.RunEmptyQuery,
		MinResults:     q.MinResults,
		AlwaysFallback: q.AlwaysFallback,
		HandlerTimeout: q.HandlerTimeout,
		MaxConcurrency: q.MaxConcurrency,
		MaxResults:     q.MaxResults,
	}
}

func appsFromConfig(in []config.App) []builtin.App {
	out := make([]builtin.App, 0, len(in))
	for _, a := range in {
		out = append(out, builtin.App{ID: a.ID, Name: a.Name, Exec: a.Exec, Keywords: a.Keywords})
	}
	return out
}

func enginesFromConfig(in []config.SearchEngine) []builtin.SearchEngine {
	out := make([]builtin.SearchEngine, 0, len(in))
	for _, e := range in {
		out = append(out, builtin.SearchEngine{ID: e.ID, Name: e.Name, URL: e.URL})
	}
	return out
}

// Start 发现清单插件并按依赖顺序加载所有启用的插件；配置了 watch 时持续监听插件目录。
// 单个插件加载失败不会让 Start 失败。
func (l *Launcher) Start(ctx context.Context) error {
	found := l.discovery.Scan()
	l.log.Info("插件扫描完成", slog.Int("manifests", len(found)))
	if err := l.plugins.LoadEnabled(ctx); err != nil {
		l.log.Warn("部分插件加载失败", slog.Any("error", err))
	}

	if l.cfg.Config().Plugins.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		l.watchCancel = cancel
		l.watchDone = make(chan struct{})
		go func() {
			defer close(l.watchDone)
			if err := l.discovery.Watch(watchCtx, nil); err != nil && !stdErrors.Is(err, context.Canceled) {
				l.log.Warn("插件目录监听退出", slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Close 卸载全部插件并释放存储与事件渠道。
func (l *Launcher) Close(ctx context.Context) error {
	if l.watchCancel != nil {
		l.watchCancel()
		<-l.watchDone
		l.watchCancel = nil
	}
	l.sessionsMu.Lock()
	for id, s := range l.sessions {
		s.Cancel()
		delete(l.sessions, id)
	}
	l.sessionsMu.Unlock()

	var errs []error
	if l.plugins != nil {
		if err := l.plugins.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if l.bus != nil {
		if err := l.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Config 返回配置存储。
func (l *Launcher) Config() *config.Store { return l.cfg }

// Plugins 返回插件注册表。
func (l *Launcher) Plugins() *plugin.Registry { return l.plugins }

// Handlers 返回处理器注册表。
func (l *Launcher) Handlers() *handlers.Registry { return l.handlers }

// Ranking 返回排序引擎。
func (l *Launcher) Ranking() *ranking.Engine { return l.ranking }

// Metrics 返回指标收集器。
func (l *Launcher) Metrics() *metrics.Collector { return l.metrics }

// Events 返回事件总线。
func (l *Launcher) Events() *events.Bus { return l.bus }

// Dispatcher 返回查询分发器。
func (l *Launcher) Dispatcher() *dispatch.Dispatcher { return l.dispatch }

func (l *Launcher) onHandlerChange(c handlers.Change) {
	l.cfg.ObserveHandlerChange(c)
	l.bus.Emit(events.KindHandlerChanged, c.Entry.ID, map[string]any{
		"kind":  c.Kind,
		"entry": c.Entry,
	})
}

func (l *Launcher) onPluginEvent(ev plugin.Event) {
	l.metrics.ObservePluginTransition(ev.ID, string(ev.To))
	data := map[string]any{"from": ev.From, "to": ev.To}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	if ev.From == ev.To {
		data["enabled"] = ev.Enabled
	}
	l.bus.Emit(events.KindPluginState, ev.ID, data)
	if ev.Err != nil {
		l.bus.Alert(context.Background(), ev.ID, ev.Err)
	}
}

type pluginLister struct{ l *Launcher }

func (p pluginLister) List() []plugin.Info { return p.l.plugins.List() }

// NewSession 创建查询会话并返回其 ID。
func (l *Launcher) NewSession() string {
	s := l.dispatch.NewSession()
	l.sessionsMu.Lock()
	l.sessions[s.ID()] = s
	l.sessionsMu.Unlock()
	return s.ID()
}

// CloseSession 取消并移除会话。
func (l *Launcher) CloseSession(id string) bool {
	l.sessionsMu.Lock()
	s, ok := l.sessions[id]
	delete(l.sessions, id)
	l.sessionsMu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// Query 在会话中执行查询。sessionID 为空时使用一次性会话。
func (l *Launcher) Query(ctx context.Context, sessionID, text string) (dispatch.Outcome, error) {
	if sessionID == "" {
		return l.dispatch.Query(ctx, text)
	}
	l.sessionsMu.Lock()
	s, ok := l.sessions[sessionID]
	l.sessionsMu.Unlock()
	if !ok {
		return dispatch.Outcome{}, errors.Newf(errors.CodeNotFound, "session %s not found", sessionID)
	}
	return s.Query(ctx, text)
}

// Activation 是前端上报的一次激活。
type Activation struct {
	HandlerID string `json:"handler_id"`
	ItemID    string `json:"item_id"`
	Query     string `json:"query,omitempty"`
	Action    string `json:"action,omitempty"`
}

// Activate 记录激活并使该结果的缓存分数失效。
func (l *Launcher) Activate(ctx context.Context, a Activation) (usage.Activation, error) {
	if _, ok := l.handlers.Get(a.HandlerID); !ok {
		return usage.Activation{}, errors.Newf(errors.CodeUnknownHandler, "handler %s not registered", a.HandlerID)
	}
	stored, err := l.ranking.Record(ctx, usage.Activation{
		Key:    usage.Key{Handler: a.HandlerID, Item: a.ItemID},
		Query:  a.Query,
		Action: a.Action,
	})
	if err != nil {
		if _, coded := errors.From(err); coded {
			return usage.Activation{}, err
		}
		return usage.Activation{}, errors.Wrap(errors.CodeStorageFailure, err, "记录激活失败")
	}
	l.metrics.ObserveActivation(a.HandlerID)
	l.bus.Emit(events.KindActivation, stored.Key.String(), stored)
	return stored, nil
}

// Stats 返回 since 之后每个处理器的激活次数。存储不支持统计时返回 NOT_FOUND。
func (l *Launcher) Stats(ctx context.Context, since time.Time) (map[string]int, error) {
	counter, ok := l.store.(usage.Counter)
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "activation store does not support statistics")
	}
	counts, err := counter.CountSince(ctx, since)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "统计激活失败")
	}
	return counts, nil
}

// SetPluginEnabled 修改插件启用偏好并持久化。
func (l *Launcher) SetPluginEnabled(id string, enabled bool) error {
	if err := l.plugins.SetEnabled(id, enabled); err != nil {
		return err
	}
	l.cfg.SetPluginEnabled(id, enabled)
	return l.save()
}

// HandlerUpdate 描述对处理器偏好的修改，nil 字段保持不变。
type HandlerUpdate struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	Fuzzy            *bool   `json:"fuzzy,omitempty"`
	Trigger          *string `json:"trigger,omitempty"`
	FallbackPriority *int    `json:"fallback_priority,omitempty"`
}

// UpdateHandler 应用偏好修改。任一步失败时已应用的修改保留，返回第一个错误。
func (l *Launcher) UpdateHandler(id string, u HandlerUpdate) (handlers.Entry, error) {
	if _, ok := l.handlers.Get(id); !ok {
		return handlers.Entry{}, errors.Newf(errors.CodeUnknownHandler, "handler %s not registered", id)
	}
	steps := []func() error{}
	if u.Trigger != nil {
		steps = append(steps, func() error { return l.handlers.SetTrigger(id, *u.Trigger) })
	}
	if u.Enabled != nil {
		steps = append(steps, func() error { return l.handlers.SetEnabled(id, *u.Enabled) })
	}
	if u.Fuzzy != nil {
		steps = append(steps, func() error { return l.handlers.SetFuzzy(id, *u.Fuzzy) })
	}
	if u.FallbackPriority != nil {
		steps = append(steps, func() error { return l.handlers.SetFallbackPriority(id, *u.FallbackPriority) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			e, _ := l.handlers.Get(id)
			return e, err
		}
	}
	e, _ := l.handlers.Get(id)
	return e, l.save()
}

// Preferences 是可在运行时修改的全局偏好。
type Preferences struct {
	SortPreferenceRatio  float64            `json:"sort_preference_ratio"`
	PrioritizeExactMatch bool               `json:"prioritize_exact_match"`
	Query                config.QueryConfig `json:"query"`
}

// Preferences 返回当前全局偏好。
func (l *Launcher) Preferences() Preferences {
	rc := l.ranking.Config()
	return Preferences{
		SortPreferenceRatio:  rc.Ratio,
		PrioritizeExactMatch: rc.PrioritizeExactMatch,
		Query:                l.cfg.Config().Query,
	}
}

// SetPreferences 应用全局偏好并持久化。比例越界时返回 INVALID_ARGUMENT 且不做任何修改。
func (l *Launcher) SetPreferences(p Preferences) error {
	if err := l.ranking.SetRatio(p.SortPreferenceRatio); err != nil {
		return err
	}
	l.ranking.SetPrioritizeExactMatch(p.PrioritizeExactMatch)
	l.dispatch.SetConfig(dispatchConfig(p.Query))
	l.cfg.SetRanking(config.RankingConfig{SortPreferenceRatio: p.SortPreferenceRatio, PrioritizeExactMatch: p.PrioritizeExactMatch})
	l.cfg.SetQuery(p.Query)
	return l.save()
}

func (l *Launcher) save() error {
	if err := l.cfg.Save(); err != nil {
		l.log.Warn("保存偏好失败", slog.Any("error", err))
		return err
	}
	return nil
}
