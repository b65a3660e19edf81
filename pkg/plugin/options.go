package plugin

// Option modifies the behaviour of a plugin registry.
type Option func(*Registry)

// WithRequirementChecker overrides the executable and library check run
// before every Create. Passing nil disables the check.
func WithRequirementChecker(c RequirementChecker) Option {
	return func(r *Registry) {
		r.checker = c
	}
}

// WithResource registers a shared resource that will be exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(r *Registry) {
		if key == "" || value == nil {
			return
		}
		r.resources[key] = value
	}
}

// WithConfigSource supplies the per-plugin configuration block passed to Create.
func WithConfigSource(fn func(id string) map[string]any) Option {
	return func(r *Registry) {
		r.configs = fn
	}
}

// WithEnabledSource supplies the persisted enabled preference applied when a
// plugin is added. Plugins without a stored preference start enabled.
func WithEnabledSource(fn func(id string) (enabled bool, ok bool)) Option {
	return func(r *Registry) {
		r.enabled = fn
	}
}

// WithObserver subscribes to lifecycle events. Observers run synchronously
// on the goroutine performing the transition and must not call back into
// the registry.
func WithObserver(fn func(Event)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}
