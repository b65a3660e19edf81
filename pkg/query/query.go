// Package query defines the contract between the launcher core and the
// handlers exposed by plugins.
package query

import (
	"context"
	"fmt"
	"strings"
)

// Category tags how the dispatcher routes queries to a handler.
type Category int

const (
	// Trigger handlers run only when the input starts with their trigger.
	Trigger Category = iota + 1
	// Global handlers run on every query that is not routed to a trigger.
	Global
	// Fallback handlers run when primary handlers produce too few results.
	Fallback
)

func (c Category) String() string {
	switch c {
	case Trigger:
		return "trigger"
	case Global:
		return "global"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory converts the textual form used in manifests and APIs.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trigger":
		return Trigger, nil
	case "global":
		return Global, nil
	case "fallback":
		return Fallback, nil
	}
	return 0, fmt.Errorf("unknown handler category %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Descriptor is the static declaration of a handler.
type Descriptor struct {
	// ID must be unique across all plugins. Plugins usually qualify it
	// with their own id, e.g. "calc" or "apps.files".
	ID       string
	Name     string
	Category Category
	// DefaultTrigger is required for Trigger handlers and ignored otherwise.
	DefaultTrigger string
	// AllowTriggerRemap lets users replace the default trigger.
	AllowTriggerRemap bool
	SupportsFuzzy     bool
}

// Validate checks that the descriptor is internally consistent.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("handler id is required")
	}
	switch d.Category {
	case Trigger:
		if d.DefaultTrigger == "" {
			return fmt.Errorf("trigger handler %s has no default trigger", d.ID)
		}
	case Global, Fallback:
	default:
		return fmt.Errorf("handler %s has invalid category %d", d.ID, int(d.Category))
	}
	return nil
}

// Query is the input handed to a single handler invocation.
type Query struct {
	// Text is the query with the trigger stripped for trigger handlers and
	// the full input for global and fallback handlers.
	Text string
	// Trigger is the trigger that routed the query, empty otherwise.
	Trigger string
	// Fuzzy reports whether the user enabled fuzzy matching for the handler.
	Fuzzy bool
	RunID string
}

// Result is a candidate produced by a handler.
type Result struct {
	// ID must be stable across invocations; it keys the activation history.
	ID      string `json:"id"`
	Text    string `json:"text"`
	Subtext string `json:"subtext,omitempty"`
	// Score is the handler-defined match quality, higher is better.
	Score float64 `json:"score"`
	Exact bool    `json:"exact,omitempty"`
	// Actions lists the action ids the front-end may offer. The first one is
	// the default.
	Actions []string `json:"actions,omitempty"`
	Payload any      `json:"payload,omitempty"`
}

// Handler is implemented by plugin code.
//
// Handle must observe ctx and return promptly once it is cancelled; results
// returned after cancellation are discarded by the dispatcher.
type Handler interface {
	Describe() Descriptor
	Handle(ctx context.Context, q Query) ([]Result, error)
}

// HandlerFunc adapts a function and descriptor into a Handler.
type HandlerFunc struct {
	Desc Descriptor
	Fn   func(ctx context.Context, q Query) ([]Result, error)
}

// Describe implements Handler.
func (h HandlerFunc) Describe() Descriptor { return h.Desc }

// Handle implements Handler.
func (h HandlerFunc) Handle(ctx context.Context, q Query) ([]Result, error) {
	return h.Fn(ctx, q)
}
