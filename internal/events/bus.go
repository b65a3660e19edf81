package events

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"OpenLaunch/internal/errors"
	"OpenLaunch/pkg/logger"
)

const defaultBuffer = 64

// Bus 在进程内广播事件，并同步转发给外部 Publisher。
// 订阅者消费过慢时事件会被丢弃，发布方永不阻塞。
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	sinks []Publisher
	log   *slog.Logger
}

// NewBus 创建事件总线。
func NewBus(sinks ...Publisher) *Bus {
	b := &Bus{subs: make(map[int]chan Event), log: logger.Named("events")}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

// Subscribe 返回事件通道以及取消订阅函数。
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish 广播事件。外部渠道失败时返回 QUEUE_FAILURE，但本地订阅者总能收到事件。
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New(errors.CodeQueueFailure, "event bus closed")
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Warn("订阅者处理过慢，事件被丢弃", slog.String("kind", string(event.Kind)), slog.String("subject", event.Subject))
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	var errs []error
	for i, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		err := errors.Wrap(errors.CodeQueueFailure, stdErrors.Join(errs...), "",
			errors.WithMetadata("kind", string(event.Kind)))
		b.log.Warn("事件投递失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
		return err
	}
	return nil
}

// Emit 发布事件并只记录失败，适合作为生命周期回调。
func (b *Bus) Emit(kind Kind, subject string, data any) {
	_ = b.Publish(context.Background(), New(kind, subject, data))
}

// Alert 在错误码要求告警时发布告警事件。
func (b *Bus) Alert(ctx context.Context, subject string, err error) bool {
	if !errors.ShouldAlert(err) {
		return false
	}
	e, _ := errors.From(err)
	data := map[string]any{
		"code":     e.Code(),
		"message":  e.Message(),
		"detail":   e.Detail(),
		"severity": e.Severity(),
		"metadata": e.Metadata(),
	}
	_ = b.Publish(ctx, New(KindAlert, subject, data))
	return true
}

// Close 关闭所有订阅通道以及外部渠道。
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	sinks := b.sinks
	b.mu.Unlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
