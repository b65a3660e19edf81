// Package ranking orders query candidates by decayed usage history.
//
// The usage score of a result with n activations is
//
//	Σ_{i=0}^{n-1} cr^(n-1-i)
//
// so the newest activation weighs 1 and each older one is discounted by one
// more factor of cr. At cr=1 the score is the activation count (most
// frequently used), at cr=0.5 all older activations together never outweigh
// the newest one (most recently used).
package ranking

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"OpenLaunch/internal/errors"
	"OpenLaunch/internal/usage"
	"OpenLaunch/pkg/logger"
	"OpenLaunch/pkg/query"
)

const (
	MinRatio = 0.5
	MaxRatio = 1.0
)

// Config holds the user-tunable ranking preferences.
type Config struct {
	Ratio                float64
	PrioritizeExactMatch bool
}

// DefaultConfig balances frequency and recency.
func DefaultConfig() Config {
	return Config{Ratio: 0.75, PrioritizeExactMatch: true}
}

func validateRatio(cr float64) error {
	// NaN 与任何数比较都为 false，因此用取反的区间判断。
	if !(cr >= MinRatio && cr <= MaxRatio) {
		return errors.Newf(errors.CodeInvalidArgument, "sort preference ratio %.3f outside [%.1f, %.1f]", cr, MinRatio, MaxRatio)
	}
	return nil
}

// UsageScore returns the decayed score for n activations.
func UsageScore(n int, cr float64) float64 {
	s := 0.0
	for i := 0; i < n; i++ {
		s = s*cr + 1
	}
	return s
}

// Candidate is a result awaiting ranking.
type Candidate struct {
	HandlerID string
	// Order is the handler's registration order, the final tie-break.
	Order int
	// Priority sorts before usage; only fallback handlers set it.
	Priority int
	Result   query.Result
	Usage    float64
}

// Key returns the activation key of the candidate.
func (c Candidate) Key() usage.Key {
	return usage.Key{Handler: c.HandlerID, Item: c.Result.ID}
}

type cacheEntry struct {
	score float64
	gen   uint64
}

// Engine computes and caches usage scores.
type Engine struct {
	store usage.Store
	log   *slog.Logger

	mu    sync.Mutex
	cfg   Config
	epoch uint64
	gens  map[usage.Key]uint64
	cache map[usage.Key]cacheEntry
}

// New creates an engine backed by store.
func New(store usage.Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "ranking requires an activation store")
	}
	if err := validateRatio(cfg.Ratio); err != nil {
		return nil, err
	}
	return &Engine{
		store: store,
		log:   logger.Named("ranking"),
		cfg:   cfg,
		gens:  make(map[usage.Key]uint64),
		cache: make(map[usage.Key]cacheEntry),
	}, nil
}

// Config returns the current preferences.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetRatio changes the common ratio and drops every cached score.
func (e *Engine) SetRatio(cr float64) error {
	if err := validateRatio(cr); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Ratio == cr {
		return nil
	}
	e.cfg.Ratio = cr
	e.epoch++
	clear(e.cache)
	return nil
}

// SetPrioritizeExactMatch toggles the exact-match partition.
func (e *Engine) SetPrioritizeExactMatch(on bool) {
	e.mu.Lock()
	e.cfg.PrioritizeExactMatch = on
	e.mu.Unlock()
}

// generation combines the global epoch with the per-key counter so that a
// score computed before an invalidation is never cached after it.
func (e *Engine) generation(key usage.Key) uint64 {
	return e.epoch<<32 | e.gens[key]
}

// Score returns the usage score of key, from cache when valid.
func (e *Engine) Score(ctx context.Context, key usage.Key) (float64, error) {
	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && entry.gen == e.generation(key) {
		e.mu.Unlock()
		return entry.score, nil
	}
	gen := e.generation(key)
	cr := e.cfg.Ratio
	e.mu.Unlock()

	history, err := e.store.History(ctx, key)
	if err != nil {
		return 0, err
	}
	score := UsageScore(len(history), cr)

	e.mu.Lock()
	if e.generation(key) == gen {
		e.cache[key] = cacheEntry{score: score, gen: gen}
	}
	e.mu.Unlock()
	return score, nil
}

// Record appends an activation and invalidates only that key's score.
func (e *Engine) Record(ctx context.Context, a usage.Activation) (usage.Activation, error) {
	stored, err := e.store.Append(ctx, a)
	if err != nil {
		return usage.Activation{}, err
	}
	e.mu.Lock()
	e.gens[a.Key]++
	delete(e.cache, a.Key)
	e.mu.Unlock()
	return stored, nil
}

// Rank scores candidates and returns them in display order. A candidate
// whose history cannot be read is ranked with a zero usage score.
func (e *Engine) Rank(ctx context.Context, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		score, err := e.Score(ctx, out[i].Key())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.log.Warn("读取使用历史失败", slog.String("key", out[i].Key().String()), slog.Any("error", err))
		}
		out[i].Usage = score
	}
	Sort(out, e.Config().PrioritizeExactMatch)
	return out
}

// Sort orders candidates in place: the exact-match partition first when
// prioritized, then priority, usage score and match quality descending,
// then registration order. Equal candidates keep their input order.
func Sort(c []Candidate, prioritizeExact bool) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if prioritizeExact && a.Result.Exact != b.Result.Exact {
			return a.Result.Exact
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Usage != b.Usage {
			return a.Usage > b.Usage
		}
		if a.Result.Score != b.Result.Score {
			return a.Result.Score > b.Result.Score
		}
		return a.Order < b.Order
	})
}
