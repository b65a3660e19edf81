package plugin

import (
	"context"
	"errors"
	"fmt"
	goplugin "plugin"
	"sync"
)

// Loader resolves plugin binaries into providers.
type Loader interface {
	Load(path string) (Provider, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Plugin` symbol implementing Provider.
func (GoPluginLoader) Load(path string) (Provider, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Provider:
		return p, nil
	case *Provider:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Provider:
		return p(), nil
	default:
		return nil, fmt.Errorf("plugin symbol in %s must implement plugin.Provider", path)
	}
}

// LazyProvider defers opening the plugin binary until the first load, so a
// broken binary surfaces as a construction error on that plugin only. Its
// metadata comes from the manifest.
type LazyProvider struct {
	meta   Metadata
	path   string
	loader Loader

	mu     sync.Mutex
	target Provider
}

// NewLazyProvider describes a plugin binary at path.
func NewLazyProvider(meta Metadata, path string, loader Loader) *LazyProvider {
	if loader == nil {
		loader = GoPluginLoader{}
	}
	return &LazyProvider{meta: meta, path: path, loader: loader}
}

// Path returns the plugin binary location.
func (p *LazyProvider) Path() string { return p.path }

// Metadata implements Provider.
func (p *LazyProvider) Metadata() Metadata { return p.meta }

// Create implements Provider.
func (p *LazyProvider) Create(ctx *ExecutionContext) (Instance, error) {
	p.mu.Lock()
	if p.target == nil {
		target, err := p.loader.Load(p.path)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("open %s: %w", p.path, err)
		}
		if id := target.Metadata().ID; id != "" && id != p.meta.ID {
			p.mu.Unlock()
			return nil, fmt.Errorf("plugin id mismatch: manifest %s, binary %s", p.meta.ID, id)
		}
		p.target = target
	}
	target := p.target
	p.mu.Unlock()
	return target.Create(ctx)
}

// Destroy implements Provider.
func (p *LazyProvider) Destroy(ctx context.Context) error {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.Destroy(ctx)
}
