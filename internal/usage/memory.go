package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是进程内的激活历史实现，适用于测试与不需要持久化的部署。
type MemoryStore struct {
	mu      sync.RWMutex
	opts    Options
	next    int64
	history map[Key][]Activation
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts, history: make(map[Key][]Activation)}
}

// Append 实现 Store。
func (s *MemoryStore) Append(ctx context.Context, a Activation) (Activation, error) {
	if err := ctx.Err(); err != nil {
		return Activation{}, err
	}
	a, err := prepare(a, s.opts)
	if err != nil {
		return Activation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	a.Ordinal = s.next
	list := append(s.history[a.Key], a)
	if depth := s.opts.MaxDepth; depth > 0 && len(list) > depth {
		list = append([]Activation(nil), list[len(list)-depth:]...)
	}
	s.history[a.Key] = list
	return a, nil
}

// History 实现 Store。
func (s *MemoryStore) History(ctx context.Context, key Key) ([]Activation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.history[key]
	if len(list) == 0 {
		return nil, nil
	}
	return append([]Activation(nil), list...), nil
}

// CountSince 实现 Counter。只统计仍保留在内存中的记录。
func (s *MemoryStore) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for key, list := range s.history {
		for _, a := range list {
			if !a.At.Before(since) {
				counts[key.Handler]++
			}
		}
	}
	return counts, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
