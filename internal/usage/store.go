// Package usage 保存查询结果的激活历史，作为使用频率排序的数据源。
//
// 历史是只追加的：记录一旦写入就不会被修改。内存与 Redis 实现按 MaxDepth
// 截断每个键保留的条数，SQL 实现则在读取时截断。
package usage

import (
	"context"
	"strings"
	"time"

	"OpenLaunch/internal/errors"
)

// Key 唯一标识一个候选结果：处理器 ID 加上处理器给出的结果 ID。
type Key struct {
	Handler string `json:"handler"`
	Item    string `json:"item"`
}

// String 返回 "handler/item" 形式的键。
func (k Key) String() string {
	return k.Handler + "/" + k.Item
}

// ParseKey 解析 "handler/item" 形式的键。处理器 ID 不允许包含 '/'。
func ParseKey(s string) (Key, error) {
	handler, item, ok := strings.Cut(s, "/")
	if !ok || handler == "" || item == "" {
		return Key{}, errors.Newf(errors.CodeInvalidArgument, "invalid activation key %q", s)
	}
	return Key{Handler: handler, Item: item}, nil
}

func (k Key) validate() error {
	if k.Handler == "" || k.Item == "" {
		return errors.New(errors.CodeInvalidArgument, "activation key requires handler and item")
	}
	return nil
}

// Activation 是一次用户选中结果的记录。
type Activation struct {
	// Ordinal 由存储分配，严格递增。
	Ordinal int64     `json:"ordinal"`
	Key     Key       `json:"key"`
	Query   string    `json:"query"`
	Action  string    `json:"action,omitempty"`
	At      time.Time `json:"at"`
}

// Store 是激活历史的抽象。
type Store interface {
	// Append 写入一条记录并返回带有序号的副本。
	Append(ctx context.Context, a Activation) (Activation, error)
	// History 按从旧到新的顺序返回某个键最近的记录。
	History(ctx context.Context, key Key) ([]Activation, error)
	Close() error
}

// Counter 由支持统计的存储实现。
type Counter interface {
	// CountSince 返回 since 之后各处理器的激活次数。
	CountSince(ctx context.Context, since time.Time) (map[string]int, error)
}

// Options 描述存储的公共参数。
type Options struct {
	// MaxDepth 限制每个键保留或读取的记录数，0 表示不限制。
	MaxDepth int
	// Now 用于测试时替换时钟。
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func prepare(a Activation, opts Options) (Activation, error) {
	if err := a.Key.validate(); err != nil {
		return Activation{}, err
	}
	if a.At.IsZero() {
		a.At = opts.now()
	}
	return a, nil
}
