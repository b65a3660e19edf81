package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
)

// Code 表示启动器内核统一的错误码。
type Code string

// Severity 决定错误进入日志与事件流时的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 描述一个错误码的默认表现。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	// Alert 为 true 时事件总线会发布 error 事件。
	Alert bool
	// Status 是 REST 接口使用的 HTTP 状态码，0 表示 500。
	Status int
}

var catalogMu sync.RWMutex

// Register 为错误码登记或覆盖默认属性，供插件扩展自己的错误码。
func Register(code Code, attr Attributes) {
	catalogMu.Lock()
	catalog[code] = attr
	catalogMu.Unlock()
}

// AttributesOf 查询错误码属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	attr, ok := catalog[code]
	if !ok {
		attr = catalog[CodeUnknown]
	}
	return attr
}

// Error 携带错误码、面向用户的消息以及可选的底层原因。
type Error struct {
	code     Code
	message  string
	detail   string
	cause    error
	metadata map[string]string
}

// Option 在构造时补充 Error 的字段。
type Option func(*Error)

// WithMetadata 附加键值信息，例如插件 ID 或处理器 ID。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithDetail 记录底层细节，例如构造失败时插件返回的错误文本。
func WithDetail(detail string) Option {
	return func(e *Error) { e.detail = detail }
}

// New 创建错误。message 为空时使用错误码登记的默认消息。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 是 New 的格式化版本。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 以 cause 为原因创建错误，未指定 detail 时取 cause 的文本。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	if cause != nil && e.detail == "" {
		e.detail = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	if e.detail != "" {
		b.WriteString(": ")
		b.WriteString(e.detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，消息与元数据不参与比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	return e.detail
}

// Metadata 返回元数据副本，没有元数据时返回 nil。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 表示调用方可以自行重试。内核不会自动重试任何操作。
func (e *Error) Retryable() bool { return AttributesOf(e.Code()).Retryable }

func (e *Error) Severity() Severity { return AttributesOf(e.Code()).Severity }

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中第一个统一错误的错误码，没有时返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// HasCode 判断 err 的错误码是否为 code。
func HasCode(err error, code Code) bool { return CodeOf(err) == code }

// ShouldAlert 判断错误是否需要发布到事件流。普通 error 不告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && AttributesOf(e.code).Alert
}

// StatusOf 返回错误对应的 HTTP 状态码。
func StatusOf(err error) int {
	if status := AttributesOf(CodeOf(err)).Status; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
