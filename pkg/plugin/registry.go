package plugin

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"OpenLaunch/internal/errors"
	"OpenLaunch/pkg/logger"
	"OpenLaunch/pkg/query"
)

// Sentinel errors for errors.Is; comparison is by code.
var (
	ErrUnknownPlugin      = errors.New(errors.CodeUnknownPlugin, "")
	ErrAlreadyLoaded      = errors.New(errors.CodeAlreadyLoaded, "")
	ErrNotLoaded          = errors.New(errors.CodeNotLoaded, "")
	ErrBusy               = errors.New(errors.CodeBusy, "")
	ErrFrontendImmutable  = errors.New(errors.CodeFrontendImmutable, "")
	ErrConstruction       = errors.New(errors.CodeConstructionError, "")
	ErrNullInstance       = errors.New(errors.CodeNullInstance, "")
	ErrTeardown           = errors.New(errors.CodeTeardownError, "")
	ErrMissingRequirement = errors.New(errors.CodeMissingRequirement, "")
	ErrDependencyFailed   = errors.New(errors.CodeDependencyFailed, "")
)

// Registry owns the registered plugins and drives each through its
// lifecycle. Load and Unload are exclusive per plugin: a call made while
// another is in flight for the same plugin fails with BUSY.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	sink      HandlerSink
	checker   RequirementChecker
	resources map[string]any
	configs   func(id string) map[string]any
	enabled   func(id string) (bool, bool)
	observers []func(Event)
	log       *slog.Logger
}

type entry struct {
	// toggle orders SetEnabled calls so the sink sees them in the same order
	// as the entry.
	toggle   sync.Mutex
	mu       sync.Mutex
	provider Provider
	meta     Metadata
	state    State
	enabled  bool
	instance Instance
	lastErr  error
}

// NewRegistry creates an empty registry publishing handlers into sink.
func NewRegistry(sink HandlerSink, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		sink:      sink,
		checker:   SystemChecker{},
		resources: make(map[string]any),
		log:       logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a provider in the NotLoaded state.
func (r *Registry) Add(p Provider) error {
	if isNil(p) {
		return errors.New(errors.CodeInvalidArgument, "plugin provider cannot be nil")
	}
	meta := p.Metadata()
	warnings, err := ValidateMetadata(meta)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		r.log.Warn("插件元数据不规范", slog.String("plugin", meta.ID), slog.String("warning", w))
	}

	enabled := true
	if r.enabled != nil {
		if v, ok := r.enabled(meta.ID); ok {
			enabled = v
		}
	}

	r.mu.Lock()
	if _, exists := r.entries[meta.ID]; exists {
		r.mu.Unlock()
		return errors.Newf(errors.CodeInvalidArgument, "plugin %s already registered", meta.ID)
	}
	e := &entry{provider: p, meta: meta, state: StateNotLoaded, enabled: enabled}
	e.toggle.Lock()
	defer e.toggle.Unlock()
	r.entries[meta.ID] = e
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.SetOwnerEnabled(meta.ID, enabled)
	}
	return nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, err := r.get(id)
	return err == nil
}

// Load creates the plugin instance and registers its handlers.
//
// Construction failures never propagate as panics: an error or panic from
// Create leaves the plugin Failed with CONSTRUCTION_ERROR, a nil instance
// with NULL_INSTANCE, and a handler collision with DUPLICATE_TRIGGER.
func (r *Registry) Load(ctx context.Context, id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	return r.load(ctx, e, nil)
}

// load runs the Loading transition. A non-nil cause fails the load without
// calling the provider.
func (r *Registry) load(ctx context.Context, e *entry, cause error) error {
	e.mu.Lock()
	switch {
	case e.state == StateLoaded:
		e.mu.Unlock()
		return errors.Newf(errors.CodeAlreadyLoaded, "plugin %s already loaded", e.meta.ID)
	case e.state.Busy():
		e.mu.Unlock()
		return errors.Newf(errors.CodeBusy, "plugin %s is %s", e.meta.ID, e.state)
	}
	from := e.state
	e.state = StateLoading
	e.lastErr = nil
	e.mu.Unlock()
	r.emit(Event{ID: e.meta.ID, From: from, To: StateLoading})

	var (
		inst    Instance
		publish func()
	)
	err := cause
	if err == nil {
		inst, publish, err = r.construct(ctx, e)
	}

	e.mu.Lock()
	if err != nil {
		e.state = StateFailed
		e.lastErr = err
	} else {
		e.state = StateLoaded
		e.instance = inst
	}
	to := e.state
	e.mu.Unlock()
	// 处理器在状态变为 Loaded 之后才进入分发快照。
	if publish != nil {
		publish()
	}
	r.emit(Event{ID: e.meta.ID, From: StateLoading, To: to, Err: err})

	if err != nil {
		r.log.Warn("插件加载失败", slog.String("plugin", e.meta.ID), slog.Any("error", err))
		return err
	}
	r.log.Info("插件已加载", slog.String("plugin", e.meta.ID))
	return nil
}

func (r *Registry) construct(ctx context.Context, e *entry) (Instance, func(), error) {
	id := e.meta.ID
	if err := r.checkDependencies(e.meta); err != nil {
		return nil, nil, err
	}
	if r.checker != nil {
		if err := r.checker.Check(e.meta); err != nil {
			return nil, nil, err
		}
	}

	execCtx := &ExecutionContext{C: ctx, Resources: r.resources}
	if r.configs != nil {
		execCtx.Config = r.configs(id)
	}
	inst, err := safeCreate(e.provider, execCtx.Clone())
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeConstructionError, err, fmt.Sprintf("create plugin %s", id),
			errors.WithMetadata("plugin", id))
	}
	if isNil(inst) {
		return nil, nil, errors.Newf(errors.CodeNullInstance, "plugin %s returned no instance", id)
	}

	var publish func()
	handlers, err := safeHandlers(inst)
	if err == nil && r.sink != nil {
		publish, err = r.sink.Reserve(id, handlers)
	}
	if err != nil {
		if derr := safeDestroy(ctx, e.provider); derr != nil {
			r.log.Warn("注册失败后销毁插件出错", slog.String("plugin", id), slog.Any("error", derr))
		}
		if _, coded := errors.From(err); coded {
			return nil, nil, err
		}
		return nil, nil, errors.Wrap(errors.CodeConstructionError, err, fmt.Sprintf("list handlers of %s", id))
	}
	return inst, publish, nil
}

func (r *Registry) checkDependencies(meta Metadata) error {
	for _, dep := range meta.Dependencies {
		d, err := r.get(dep)
		if err != nil {
			return errors.Newf(errors.CodeDependencyFailed, "plugin %s depends on unknown plugin %s", meta.ID, dep)
		}
		if st := d.snapshot().State; st != StateLoaded {
			return errors.Newf(errors.CodeDependencyFailed, "plugin %s depends on %s which is %s", meta.ID, dep, st)
		}
	}
	return nil
}

// Unload deregisters the plugin's handlers and destroys its instance.
//
// Teardown is best-effort: handlers are always deregistered first so no new
// query reaches the plugin, and the plugin always ends NotLoaded. A drain
// timeout or an error or panic from Destroy is returned as TEARDOWN_ERROR
// and kept in Info.Error; the instance is dropped either way, so a stuck
// plugin can never wedge the registry.
func (r *Registry) Unload(ctx context.Context, id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch {
	case e.meta.Frontend:
		e.mu.Unlock()
		return errors.Newf(errors.CodeFrontendImmutable, "plugin %s provides the frontend and requires a restart", id)
	case e.state.Busy():
		e.mu.Unlock()
		return errors.Newf(errors.CodeBusy, "plugin %s is %s", id, e.state)
	case e.state != StateLoaded:
		e.mu.Unlock()
		return errors.Newf(errors.CodeNotLoaded, "plugin %s is %s", id, e.state)
	}
	e.state = StateUnloading
	e.mu.Unlock()
	r.emit(Event{ID: id, From: StateLoaded, To: StateUnloading})

	err = r.teardown(ctx, e)

	e.mu.Lock()
	e.state = StateNotLoaded
	e.instance = nil
	e.lastErr = err
	e.mu.Unlock()
	r.emit(Event{ID: id, From: StateUnloading, To: StateNotLoaded, Err: err})

	if err != nil {
		r.log.Warn("插件卸载未完全清理", slog.String("plugin", id), slog.Any("error", err))
		return err
	}
	r.log.Info("插件已卸载", slog.String("plugin", id))
	return nil
}

func (r *Registry) teardown(ctx context.Context, e *entry) error {
	var errs []error
	if r.sink != nil {
		if err := r.sink.Deregister(ctx, e.meta.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := safeDestroy(ctx, e.provider); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errors.CodeTeardownError, stdErrors.Join(errs...), fmt.Sprintf("tear down plugin %s", e.meta.ID),
		errors.WithMetadata("plugin", e.meta.ID))
}

// SetEnabled records the user's preference. It never changes the lifecycle
// state; a Loaded but disabled plugin keeps its handlers registered but
// excluded from dispatch.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.toggle.Lock()
	e.mu.Lock()
	changed := e.enabled != enabled
	e.enabled = enabled
	state := e.state
	e.mu.Unlock()
	if r.sink != nil {
		r.sink.SetOwnerEnabled(id, enabled)
	}
	e.toggle.Unlock()

	if changed {
		r.emit(Event{ID: id, From: state, To: state, Enabled: enabled})
	}
	return nil
}

// State returns the lifecycle state of a plugin.
func (r *Registry) State(id string) (State, error) {
	e, err := r.get(id)
	if err != nil {
		return "", err
	}
	return e.snapshot().State, nil
}

// Info returns a view of a plugin.
func (r *Registry) Info(id string) (Info, error) {
	e, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	return e.snapshot(), nil
}

// List returns every plugin sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown tears down every loaded plugin, frontend providers included.
// It is meant for process exit only.
func (r *Registry) Shutdown(ctx context.Context) error {
	order, _ := r.loadOrder(r.List())
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		e, err := r.get(order[i])
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.state != StateLoaded {
			e.mu.Unlock()
			continue
		}
		e.state = StateUnloading
		e.mu.Unlock()
		r.emit(Event{ID: e.meta.ID, From: StateLoaded, To: StateUnloading})

		err = r.teardown(ctx, e)
		e.mu.Lock()
		e.state = StateNotLoaded
		e.instance = nil
		e.lastErr = err
		e.mu.Unlock()
		r.emit(Event{ID: e.meta.ID, From: StateUnloading, To: StateNotLoaded, Err: err})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errors.Newf(errors.CodeUnknownPlugin, "plugin %s not registered", id)
	}
	return e, nil
}

func (r *Registry) emit(ev Event) {
	for _, fn := range r.observers {
		fn(ev)
	}
}

func (e *entry) snapshot() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := Info{Metadata: e.meta, State: e.state, Enabled: e.enabled}
	if e.lastErr != nil {
		info.Error = e.lastErr.Error()
	}
	return info
}

func safeCreate(p Provider, ctx *ExecutionContext) (inst Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Create(ctx)
}

func safeHandlers(inst Instance) (hs []query.Handler, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return inst.Handlers(), nil
}

func safeDestroy(ctx context.Context, p Provider) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Destroy(ctx)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
