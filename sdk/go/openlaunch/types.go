package openlaunch

import (
	"encoding/json"
	"time"
)

// Result is a single candidate produced by a query handler.
type Result struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Subtext string   `json:"subtext,omitempty"`
	Score   float64  `json:"score"`
	Exact   bool     `json:"exact,omitempty"`
	Actions []string `json:"actions,omitempty"`
	Payload any      `json:"payload,omitempty"`
}

// Item is a ranked result together with the handler that produced it.
type Item struct {
	HandlerID string  `json:"handler_id"`
	Result    Result  `json:"result"`
	Usage     float64 `json:"usage"`
	Fallback  bool    `json:"fallback,omitempty"`
}

// HandlerError reports a handler that failed while serving a query.
type HandlerError struct {
	HandlerID string `json:"handler_id"`
	Detail    string `json:"detail"`
}

// Outcome is the ranked answer to a query.
type Outcome struct {
	RunID    string         `json:"run_id"`
	Query    string         `json:"query"`
	Route    string         `json:"route"`
	Trigger  string         `json:"trigger,omitempty"`
	Items    []Item         `json:"items"`
	Errors   []HandlerError `json:"errors,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Plugin describes a registered plugin and its lifecycle state.
type Plugin struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version"`
	Authors      []string `json:"authors,omitempty"`
	License      string   `json:"license,omitempty"`
	Executables  []string `json:"executables,omitempty"`
	Libraries    []string `json:"libraries,omitempty"`
	Frontend     bool     `json:"frontend,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	State        string   `json:"state"`
	Enabled      bool     `json:"enabled"`
	Error        string   `json:"error,omitempty"`
}

// Handler describes a registered query handler.
type Handler struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	Name             string `json:"name,omitempty"`
	Category         string `json:"category"`
	Trigger          string `json:"trigger,omitempty"`
	DefaultTrigger   string `json:"default_trigger,omitempty"`
	AllowRemap       bool   `json:"allow_remap"`
	SupportsFuzzy    bool   `json:"supports_fuzzy"`
	Fuzzy            bool   `json:"fuzzy"`
	Enabled          bool   `json:"enabled"`
	OwnerEnabled     bool   `json:"owner_enabled"`
	FallbackPriority int    `json:"fallback_priority,omitempty"`
	Order            int    `json:"order"`
}

// HandlerUpdate changes handler preferences. Nil fields are left unchanged.
type HandlerUpdate struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	Fuzzy            *bool   `json:"fuzzy,omitempty"`
	Trigger          *string `json:"trigger,omitempty"`
	FallbackPriority *int    `json:"fallback_priority,omitempty"`
}

// QuerySettings tunes query dispatch.
type QuerySettings struct {
	RunEmptyQuery  bool          `json:"run_empty_query"`
	MinResults     int           `json:"min_results"`
	AlwaysFallback bool          `json:"always_fallback"`
	HandlerTimeout time.Duration `json:"handler_timeout"`
	MaxConcurrency int           `json:"max_concurrency"`
	MaxResults     int           `json:"max_results"`
}

// Preferences are the global ranking and query settings.
type Preferences struct {
	SortPreferenceRatio  float64       `json:"sort_preference_ratio"`
	PrioritizeExactMatch bool          `json:"prioritize_exact_match"`
	Query                QuerySettings `json:"query"`
}

// Activation reports that the user picked a result.
type Activation struct {
	HandlerID string `json:"handler_id"`
	ItemID    string `json:"item_id"`
	Query     string `json:"query,omitempty"`
	Action    string `json:"action,omitempty"`
}

// ActivationRecord is an activation as stored by the server.
type ActivationRecord struct {
	Ordinal int64 `json:"ordinal"`
	Key     struct {
		Handler string `json:"handler"`
		Item    string `json:"item"`
	} `json:"key"`
	Query  string    `json:"query"`
	Action string    `json:"action,omitempty"`
	At     time.Time `json:"at"`
}

// Stats holds per-handler activation counts.
type Stats struct {
	Since  time.Time      `json:"since"`
	Counts map[string]int `json:"counts"`
}

// Event is a server-sent notification.
type Event struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Subject string          `json:"subject"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}
