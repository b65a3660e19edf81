package plugin

import (
	"context"
	stdErrors "errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"OpenLaunch/internal/errors"
)

// loadOrder sorts plugins so every plugin follows its dependencies. Plugins
// on a dependency cycle are returned separately.
func (r *Registry) loadOrder(infos []Info) (order []string, cyclic []string) {
	levels, cyclic := dependencyLevels(infos)
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, cyclic
}

// dependencyLevels groups plugins into levels; plugins in the same level do
// not depend on each other. Dependencies outside infos are ignored here and
// reported by the load itself.
func dependencyLevels(infos []Info) (levels [][]string, cyclic []string) {
	known := make(map[string]Info, len(infos))
	for _, info := range infos {
		known[info.ID] = info
	}
	indegree := make(map[string]int, len(infos))
	dependents := make(map[string][]string)
	for _, info := range infos {
		indegree[info.ID] += 0
		for _, dep := range info.Dependencies {
			if _, ok := known[dep]; !ok {
				continue
			}
			indegree[info.ID]++
			dependents[dep] = append(dependents[dep], info.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		sort.Strings(ready)
		levels = append(levels, ready)
		var next []string
		for _, id := range ready {
			delete(indegree, id)
			for _, d := range dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		ready = next
	}
	for id := range indegree {
		cyclic = append(cyclic, id)
	}
	sort.Strings(cyclic)
	return levels, cyclic
}

// LoadEnabled loads every enabled plugin that is not loaded yet, following
// dependency order. Plugins within one level load concurrently. A plugin
// whose dependency failed ends Failed with DEPENDENCY_FAILED; plugins on a
// dependency cycle end Failed with INVALID_ARGUMENT. All failures are
// returned joined.
func (r *Registry) LoadEnabled(ctx context.Context) error {
	var candidates []Info
	for _, info := range r.List() {
		if info.Enabled && info.State != StateLoaded {
			candidates = append(candidates, info)
		}
	}
	levels, cyclic := dependencyLevels(candidates)

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, level := range levels {
		var g errgroup.Group
		for _, id := range level {
			g.Go(func() error {
				if err := r.Load(ctx, id); err != nil && !stdErrors.Is(err, ErrAlreadyLoaded) {
					collect(err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, id := range cyclic {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		cause := errors.Newf(errors.CodeInvalidArgument, "plugin %s is part of a dependency cycle", id)
		if err := r.load(ctx, e, cause); err != nil {
			collect(err)
		}
	}
	return stdErrors.Join(errs...)
}
