package plugin

import (
	"context"

	"OpenLaunch/pkg/query"
)

// Provider is implemented by every plugin. The registry calls Create when
// the plugin is loaded and Destroy when it is unloaded; both may be called
// again after a later reload.
type Provider interface {
	// Metadata returns the static description of the plugin.
	Metadata() Metadata
	// Create builds a live instance. Returning a nil instance without an
	// error is reported as NULL_INSTANCE.
	Create(ctx *ExecutionContext) (Instance, error)
	// Destroy releases the resources held by the live instance.
	Destroy(ctx context.Context) error
}

// Instance is a loaded plugin.
type Instance interface {
	// Handlers returns the query handlers the plugin exposes.
	Handlers() []query.Handler
}

// HandlerSet is an Instance exposing a fixed list of handlers.
type HandlerSet []query.Handler

// Handlers implements Instance.
func (h HandlerSet) Handlers() []query.Handler { return h }

// FuncProvider adapts plain functions into a Provider.
type FuncProvider struct {
	Meta    Metadata
	New     func(ctx *ExecutionContext) (Instance, error)
	Release func(ctx context.Context) error
}

// Metadata implements Provider.
func (p *FuncProvider) Metadata() Metadata { return p.Meta }

// Create implements Provider.
func (p *FuncProvider) Create(ctx *ExecutionContext) (Instance, error) {
	return p.New(ctx)
}

// Destroy implements Provider.
func (p *FuncProvider) Destroy(ctx context.Context) error {
	if p.Release == nil {
		return nil
	}
	return p.Release(ctx)
}

// ExecutionContext is passed to Create.
type ExecutionContext struct {
	// C is the context of the load operation.
	C context.Context
	// Config is the plugin specific configuration block.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
}

// Clone returns a shallow copy of the execution context so plugins can safely mutate maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// HandlerSink receives the handlers of loaded plugins. It is implemented by
// the query handler registry.
//
// Reserve claims handler ids and triggers without making the handlers
// dispatchable; the returned publish makes them visible. The registry calls
// publish only once the plugin is Loaded.
type HandlerSink interface {
	Reserve(owner string, handlers []query.Handler) (publish func(), err error)
	Deregister(ctx context.Context, owner string) error
	SetOwnerEnabled(owner string, enabled bool)
}
