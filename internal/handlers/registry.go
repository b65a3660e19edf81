// Package handlers 维护查询处理器的注册表。
//
// 注册表按类别分为触发词、全局与兜底三组。每次变更都会生成新的不可变快照，
// 查询运行期间只读取同一个快照；插件卸载时，其处理器立即从新快照中移除，
// 同时取消并等待旧快照上仍在执行的调用结束。
package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"OpenLaunch/internal/errors"
	"OpenLaunch/pkg/query"
)

// ErrRetired 表示处理器所属插件已被卸载，调用被跳过。
var ErrRetired = errors.New(errors.CodeUnknownHandler, "handler owner unloaded")

// Preference 是持久化的处理器偏好。
type Preference struct {
	Enabled          *bool
	Fuzzy            *bool
	Trigger          string
	FallbackPriority int
}

// Preferences 为注册中的处理器提供已保存的偏好。
type Preferences interface {
	HandlerPreference(id string) (Preference, bool)
}

// ChangeKind 描述注册表变更的类型。
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeDeregistered ChangeKind = "deregistered"
	ChangeUpdated      ChangeKind = "updated"
)

// Change 通知展示层与偏好存储处理器状态的变化。
type Change struct {
	Kind  ChangeKind
	Entry Entry
}

// Entry 是处理器在注册表中的视图。
type Entry struct {
	ID               string         `json:"id"`
	Owner            string         `json:"owner"`
	Name             string         `json:"name,omitempty"`
	Category         query.Category `json:"category"`
	Trigger          string         `json:"trigger,omitempty"`
	DefaultTrigger   string         `json:"default_trigger,omitempty"`
	AllowRemap       bool           `json:"allow_remap"`
	SupportsFuzzy    bool           `json:"supports_fuzzy"`
	Fuzzy            bool           `json:"fuzzy"`
	Enabled          bool           `json:"enabled"`
	OwnerEnabled     bool           `json:"owner_enabled"`
	FallbackPriority int            `json:"fallback_priority,omitempty"`
	// Order 是注册顺序，作为排序的最终依据。
	Order int `json:"order"`

	handler query.Handler
	owner   *ownerRecord
}

// Active 判断处理器是否参与分发。
func (e Entry) Active() bool {
	return e.Enabled && e.OwnerEnabled
}

type invocation struct {
	cancel context.CancelFunc
}

// ownerRecord 对应插件的一次注册；重新加载会生成新的记录。
type ownerRecord struct {
	id       string
	ids      []string
	pending  bool
	retired  bool
	inflight map[*invocation]struct{}
	drained  chan struct{}
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithPreferences 在注册时应用已保存的偏好。
func WithPreferences(p Preferences) Option {
	return func(r *Registry) { r.prefs = p }
}

// WithObserver 订阅注册表变更。回调在锁外执行。
func WithObserver(fn func(Change)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// Registry 是处理器注册表。
type Registry struct {
	mu            sync.Mutex
	entries       map[string]*Entry
	owners        map[string]*ownerRecord
	ownerDisabled map[string]bool
	nextOrder     int
	prefs         Preferences
	observers     []func(Change)

	current atomic.Pointer[Snapshot]
}

// New 创建空注册表。
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*Entry),
		owners:        make(map[string]*ownerRecord),
		ownerDisabled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(r.buildSnapshot())
	return r
}

// Snapshot 返回当前的不可变快照。
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Register 原子地登记某个插件暴露的全部处理器并立即发布。任何一个处理器冲突都会使整批失败。
func (r *Registry) Register(owner string, hs []query.Handler) error {
	publish, err := r.Reserve(owner, hs)
	if err != nil {
		return err
	}
	publish()
	return nil
}

// Reserve 完成冲突检查并占用处理器 ID 与触发词，但处理器在调用返回的 publish
// 之前不会进入快照，也不会出现在 List 中。放弃预留时调用 Deregister。
func (r *Registry) Reserve(owner string, hs []query.Handler) (publish func(), err error) {
	if owner == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "handler owner is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[owner]; ok {
		return nil, errors.Newf(errors.CodeInvalidArgument, "owner %s already registered handlers", owner)
	}

	rec := &ownerRecord{id: owner, pending: true, inflight: make(map[*invocation]struct{})}
	batch := make([]*Entry, 0, len(hs))
	held := r.heldTriggers("")
	for _, h := range hs {
		if h == nil {
			continue
		}
		desc := h.Describe()
		if err := desc.Validate(); err != nil {
			return nil, errors.Wrap(errors.CodeInvalidArgument, err, "")
		}
		if _, dup := r.entries[desc.ID]; dup || containsID(batch, desc.ID) {
			return nil, errors.Newf(errors.CodeInvalidArgument, "handler id %s already registered", desc.ID)
		}
		e := r.newEntry(desc, h, rec)
		if e.Category == query.Trigger && e.Enabled {
			if holder, taken := held[e.Trigger]; taken {
				return nil, duplicateTrigger(e.Trigger, holder, e.ID)
			}
			held[e.Trigger] = e.ID
		}
		batch = append(batch, e)
	}

	for _, e := range batch {
		e.Order = r.nextOrder
		r.nextOrder++
		r.entries[e.ID] = e
		rec.ids = append(rec.ids, e.ID)
	}
	r.owners[owner] = rec
	return func() { r.publishOwner(rec) }, nil
}

// publishOwner 让预留的处理器进入快照。记录已被 Deregister 移除时什么也不做。
func (r *Registry) publishOwner(rec *ownerRecord) {
	r.mu.Lock()
	if r.owners[rec.id] != rec || !rec.pending {
		r.mu.Unlock()
		return
	}
	rec.pending = false
	batch := make([]*Entry, 0, len(rec.ids))
	for _, id := range rec.ids {
		batch = append(batch, r.entries[id])
	}
	changes := r.publishLocked(ChangeRegistered, batch)
	r.mu.Unlock()
	r.notify(changes)
}

func (r *Registry) newEntry(desc query.Descriptor, h query.Handler, rec *ownerRecord) *Entry {
	e := &Entry{
		ID:             desc.ID,
		Owner:          rec.id,
		Name:           desc.Name,
		Category:       desc.Category,
		DefaultTrigger: desc.DefaultTrigger,
		AllowRemap:     desc.AllowTriggerRemap,
		SupportsFuzzy:  desc.SupportsFuzzy,
		Enabled:        true,
		handler:        h,
		owner:          rec,
	}
	if e.Category == query.Trigger {
		e.Trigger = desc.DefaultTrigger
	}
	if r.prefs == nil {
		return e
	}
	pref, ok := r.prefs.HandlerPreference(desc.ID)
	if !ok {
		return e
	}
	if pref.Enabled != nil {
		e.Enabled = *pref.Enabled
	}
	if pref.Fuzzy != nil && e.SupportsFuzzy {
		e.Fuzzy = *pref.Fuzzy
	}
	if pref.Trigger != "" && e.Category == query.Trigger && e.AllowRemap {
		e.Trigger = pref.Trigger
	}
	if e.Category == query.Fallback {
		e.FallbackPriority = pref.FallbackPriority
	}
	return e
}

// Deregister 移除插件的全部处理器，取消其进行中的调用并等待结束。
// ctx 限定等待时间；超时返回 TIMEOUT，但处理器仍已被移除。
func (r *Registry) Deregister(ctx context.Context, owner string) error {
	r.mu.Lock()
	rec, ok := r.owners[owner]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.owners, owner)
	removed := make([]*Entry, 0, len(rec.ids))
	for _, id := range rec.ids {
		if e, ok := r.entries[id]; ok {
			removed = append(removed, e)
			delete(r.entries, id)
		}
	}
	rec.retired = true
	for inv := range rec.inflight {
		inv.cancel()
	}
	var wait chan struct{}
	if len(rec.inflight) > 0 {
		rec.drained = make(chan struct{})
		wait = rec.drained
	}
	var changes []Change
	if !rec.pending {
		changes = r.publishLocked(ChangeDeregistered, removed)
	}
	r.mu.Unlock()

	r.notify(changes)
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.CodeTimeout, ctx.Err(), fmt.Sprintf("handlers of %s still running", owner))
	}
}

// SetEnabled 切换处理器开关。启用一个触发词已被占用的处理器会返回 DUPLICATE_TRIGGER。
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.update(id, func(e *Entry) error {
		if enabled && !e.Enabled && e.Category == query.Trigger {
			if holder, taken := r.heldTriggers(e.ID)[e.Trigger]; taken {
				return duplicateTrigger(e.Trigger, holder, e.ID)
			}
		}
		e.Enabled = enabled
		return nil
	})
}

// SetTrigger 重新映射触发词；空字符串恢复默认值。
func (r *Registry) SetTrigger(id, trigger string) error {
	return r.update(id, func(e *Entry) error {
		if e.Category != query.Trigger {
			return errors.Newf(errors.CodeInvalidArgument, "handler %s is not a trigger handler", id)
		}
		if !e.AllowRemap {
			return errors.Newf(errors.CodeInvalidArgument, "handler %s does not allow trigger remapping", id)
		}
		if trigger == "" {
			trigger = e.DefaultTrigger
		}
		if strings.TrimSpace(trigger) == "" {
			return errors.New(errors.CodeInvalidArgument, "trigger cannot be blank")
		}
		if e.Enabled {
			if holder, taken := r.heldTriggers(e.ID)[trigger]; taken {
				return duplicateTrigger(trigger, holder, e.ID)
			}
		}
		e.Trigger = trigger
		return nil
	})
}

// SetFuzzy 切换模糊匹配，仅对声明支持模糊匹配的处理器有效。
func (r *Registry) SetFuzzy(id string, fuzzy bool) error {
	return r.update(id, func(e *Entry) error {
		if fuzzy && !e.SupportsFuzzy {
			return errors.Newf(errors.CodeInvalidArgument, "handler %s does not support fuzzy matching", id)
		}
		e.Fuzzy = fuzzy
		return nil
	})
}

// SetFallbackPriority 调整兜底处理器的顺序，数值越大越靠前。
func (r *Registry) SetFallbackPriority(id string, priority int) error {
	return r.update(id, func(e *Entry) error {
		if e.Category != query.Fallback {
			return errors.Newf(errors.CodeInvalidArgument, "handler %s is not a fallback handler", id)
		}
		e.FallbackPriority = priority
		return nil
	})
}

// SetOwnerEnabled 反映插件级开关：被禁用插件的处理器保留注册但不参与分发。
// 该开关独立于注册状态，插件未加载时同样会被记住。
func (r *Registry) SetOwnerEnabled(owner string, enabled bool) {
	r.mu.Lock()
	if r.ownerDisabled[owner] == !enabled {
		r.mu.Unlock()
		return
	}
	if enabled {
		delete(r.ownerDisabled, owner)
	} else {
		r.ownerDisabled[owner] = true
	}
	var touched []*Entry
	if rec, ok := r.owners[owner]; ok && !rec.pending {
		for _, id := range rec.ids {
			touched = append(touched, r.entries[id])
		}
	}
	changes := r.publishLocked(ChangeUpdated, touched)
	r.mu.Unlock()
	r.notify(changes)
}

// Get 返回处理器的当前视图。
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.owner.pending {
		return Entry{}, false
	}
	return r.view(e), true
}

// List 返回全部处理器（包括已禁用的），按 ID 排序。
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.owner.pending {
			out = append(out, r.view(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) update(id string, mutate func(*Entry) error) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.owner.pending {
		r.mu.Unlock()
		return errors.Newf(errors.CodeUnknownHandler, "unknown handler %s", id)
	}
	before := *e
	if err := mutate(e); err != nil {
		*e = before
		r.mu.Unlock()
		return err
	}
	var changes []Change
	if !samePreferences(*e, before) {
		changes = r.publishLocked(ChangeUpdated, []*Entry{e})
	}
	r.mu.Unlock()
	r.notify(changes)
	return nil
}

// heldTriggers 返回已启用触发词处理器占用的触发词，except 除外。
func (r *Registry) heldTriggers(except string) map[string]string {
	held := make(map[string]string)
	for _, e := range r.entries {
		if e.ID == except || e.Category != query.Trigger || !e.Enabled {
			continue
		}
		held[e.Trigger] = e.ID
	}
	return held
}

func (r *Registry) view(e *Entry) Entry {
	v := *e
	v.OwnerEnabled = !r.ownerDisabled[e.Owner]
	return v
}

// publishLocked 重建快照并生成变更通知，调用方需持有锁。
func (r *Registry) publishLocked(kind ChangeKind, touched []*Entry) []Change {
	r.current.Store(r.buildSnapshot())
	if len(r.observers) == 0 {
		return nil
	}
	changes := make([]Change, 0, len(touched))
	for _, e := range touched {
		changes = append(changes, Change{Kind: kind, Entry: r.view(e)})
	}
	return changes
}

func (r *Registry) notify(changes []Change) {
	for _, c := range changes {
		for _, fn := range r.observers {
			fn(c)
		}
	}
}

// begin 登记一次调用；所属插件已卸载时返回 false。
func (r *Registry) begin(rec *ownerRecord, cancel context.CancelFunc) (*invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.retired {
		return nil, false
	}
	inv := &invocation{cancel: cancel}
	rec.inflight[inv] = struct{}{}
	return inv, true
}

func (r *Registry) isRetired(rec *ownerRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.retired
}

func (r *Registry) end(rec *ownerRecord, inv *invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(rec.inflight, inv)
	if rec.retired && len(rec.inflight) == 0 && rec.drained != nil {
		close(rec.drained)
		rec.drained = nil
	}
}

func duplicateTrigger(trigger, holder, requester string) error {
	return errors.New(errors.CodeDuplicateTrigger,
		fmt.Sprintf("trigger %q is held by %s", trigger, holder),
		errors.WithMetadata("handler", requester),
		errors.WithMetadata("holder", holder))
}

func samePreferences(a, b Entry) bool {
	return a.Enabled == b.Enabled && a.Trigger == b.Trigger &&
		a.Fuzzy == b.Fuzzy && a.FallbackPriority == b.FallbackPriority
}

func containsID(batch []*Entry, id string) bool {
	for _, e := range batch {
		if e.ID == id {
			return true
		}
	}
	return false
}
