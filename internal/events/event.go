// Package events 负责把插件状态、处理器变更与激活记录广播给前端及外部系统。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind 表示事件类型。
type Kind string

const (
	KindPluginState    Kind = "plugin.state"
	KindHandlerChanged Kind = "handler.changed"
	KindActivation     Kind = "activation.recorded"
	KindAlert          Kind = "alert"
)

// Event 是广播的统一载体。
type Event struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Subject string          `json:"subject"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// New 创建事件，data 会被序列化为 JSON。
func New(kind Kind, subject string, data any) Event {
	e := Event{ID: uuid.NewString(), Kind: kind, Subject: subject, Time: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Publisher 将事件投递到某个外部渠道。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
