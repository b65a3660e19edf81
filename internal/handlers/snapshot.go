package handlers

import (
	"context"
	"sort"
	"strings"

	"OpenLaunch/pkg/query"
)

// Snapshot 是注册表在某一时刻的不可变视图，只包含参与分发的处理器。
type Snapshot struct {
	reg       *Registry
	triggers  []Entry
	globals   []Entry
	fallbacks []Entry
}

func (r *Registry) buildSnapshot() *Snapshot {
	s := &Snapshot{reg: r}
	for _, e := range r.entries {
		if e.owner.pending {
			continue
		}
		v := r.view(e)
		if !v.Active() {
			continue
		}
		switch v.Category {
		case query.Trigger:
			s.triggers = append(s.triggers, v)
		case query.Global:
			s.globals = append(s.globals, v)
		case query.Fallback:
			s.fallbacks = append(s.fallbacks, v)
		}
	}
	// 最长触发词优先匹配。
	sort.Slice(s.triggers, func(i, j int) bool {
		a, b := s.triggers[i], s.triggers[j]
		if len(a.Trigger) != len(b.Trigger) {
			return len(a.Trigger) > len(b.Trigger)
		}
		return a.Order < b.Order
	})
	sort.Slice(s.globals, func(i, j int) bool { return s.globals[i].Order < s.globals[j].Order })
	sort.Slice(s.fallbacks, func(i, j int) bool {
		a, b := s.fallbacks[i], s.fallbacks[j]
		if a.FallbackPriority != b.FallbackPriority {
			return a.FallbackPriority > b.FallbackPriority
		}
		return a.Order < b.Order
	})
	return s
}

// MatchTrigger 查找 text 开头的已启用触发词，返回处理器与去掉触发词后的文本。
func (s *Snapshot) MatchTrigger(text string) (Entry, string, bool) {
	for _, e := range s.triggers {
		if strings.HasPrefix(text, e.Trigger) {
			return e, text[len(e.Trigger):], true
		}
	}
	return Entry{}, "", false
}

// Triggers 返回参与分发的触发词处理器。
func (s *Snapshot) Triggers() []Entry { return append([]Entry(nil), s.triggers...) }

// Globals 按注册顺序返回全局处理器。
func (s *Snapshot) Globals() []Entry { return append([]Entry(nil), s.globals...) }

// Fallbacks 按兜底优先级返回兜底处理器。
func (s *Snapshot) Fallbacks() []Entry { return append([]Entry(nil), s.fallbacks...) }

// Invoke 在快照上调用处理器。若所属插件已开始卸载则不调用并返回 ErrRetired；
// 卸载开始时进行中的调用会收到取消信号，卸载方等待其返回。
func (s *Snapshot) Invoke(ctx context.Context, e Entry, q query.Query) ([]query.Result, error) {
	if e.handler == nil || e.owner == nil {
		return nil, ErrRetired
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inv, ok := s.reg.begin(e.owner, cancel)
	if !ok {
		return nil, ErrRetired
	}
	defer s.reg.end(e.owner, inv)

	results, err := e.handler.Handle(ctx, q)
	if err != nil && s.reg.isRetired(e.owner) {
		// 卸载取消了调用，失败不归咎于处理器。
		return nil, ErrRetired
	}
	return results, err
}
