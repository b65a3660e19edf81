// Package dispatch runs queries against the handler registry.
//
// A Session models one input box: every call to Query supersedes the
// previous one, cancelling its handler invocations and discarding whatever
// they return afterwards.
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"OpenLaunch/internal/errors"
	"OpenLaunch/internal/handlers"
	"OpenLaunch/internal/ranking"
	"OpenLaunch/pkg/logger"
	"OpenLaunch/pkg/query"
)

// ExplicitEmpty is the query text that runs global handlers with an empty
// query even when RunEmptyQuery is off.
const ExplicitEmpty = "*"

// Config holds the dispatcher knobs.
type Config struct {
	// RunEmptyQuery makes global handlers fire on blank input.
	RunEmptyQuery bool
	// MinResults is the primary result count below which fallback handlers
	// run. Zero means 1, i.e. fallbacks run on an empty result set.
	MinResults int
	// AlwaysFallback runs fallback handlers after every global query.
	AlwaysFallback bool
	// HandlerTimeout bounds each handler invocation. Zero disables it.
	HandlerTimeout time.Duration
	// MaxConcurrency caps parallel invocations per run. Zero is unlimited.
	MaxConcurrency int
	// MaxResults truncates the merged list. Zero is unlimited.
	MaxResults int
}

func (c Config) minResults() int {
	if c.MinResults <= 0 {
		return 1
	}
	return c.MinResults
}

// SnapshotSource provides the registry snapshot for a run.
type SnapshotSource interface {
	Snapshot() *handlers.Snapshot
}

// Ranker orders candidates.
type Ranker interface {
	Rank(ctx context.Context, candidates []ranking.Candidate) []ranking.Candidate
}

// Recorder receives run and invocation timings.
type Recorder interface {
	ObserveQuery(route string, d time.Duration, superseded bool)
	ObserveHandler(handlerID string, d time.Duration, failed bool)
}

// Route names how a run selected its handlers.
type Route string

const (
	RouteNone    Route = "none"
	RouteTrigger Route = "trigger"
	RouteGlobal  Route = "global"
)

// Item is one ranked result.
type Item struct {
	HandlerID string       `json:"handler_id"`
	Result    query.Result `json:"result"`
	Usage     float64      `json:"usage"`
	Fallback  bool         `json:"fallback,omitempty"`
}

// HandlerError records a handler that failed during a run.
type HandlerError struct {
	HandlerID string `json:"handler_id"`
	Detail    string `json:"detail"`
}

// Err returns the error as a HANDLER_INVOCATION_ERROR.
func (h HandlerError) Err() error {
	return errors.New(errors.CodeHandlerInvocationError,
		fmt.Sprintf("handler %s failed", h.HandlerID),
		errors.WithDetail(h.Detail),
		errors.WithMetadata("handler", h.HandlerID))
}

// Outcome is the merged result of one run.
type Outcome struct {
	RunID    string         `json:"run_id"`
	Query    string         `json:"query"`
	Route    Route          `json:"route"`
	Trigger  string         `json:"trigger,omitempty"`
	Items    []Item         `json:"items"`
	Errors   []HandlerError `json:"errors,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// Dispatcher routes queries to handlers and ranks what they return.
type Dispatcher struct {
	source   SnapshotSource
	ranker   Ranker
	cfg      atomic.Pointer[Config]
	recorder Recorder
	log      *slog.Logger
}

// New creates a dispatcher.
func New(source SnapshotSource, ranker Ranker, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{source: source, ranker: ranker, recorder: nopRecorder{}, log: logger.Named("query")}
	d.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the active configuration.
func (d *Dispatcher) Config() Config { return *d.cfg.Load() }

// SetConfig replaces the configuration for subsequent runs.
func (d *Dispatcher) SetConfig(cfg Config) { d.cfg.Store(&cfg) }

// Query runs text in a throwaway session.
func (d *Dispatcher) Query(ctx context.Context, text string) (Outcome, error) {
	return d.NewSession().Query(ctx, text)
}

// NewSession starts an input session.
func (d *Dispatcher) NewSession() *Session {
	return &Session{id: uuid.NewString(), d: d}
}

// Session serialises queries typed into one input.
type Session struct {
	id string
	d  *Dispatcher

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	latest *Outcome
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Query cancels the previous run of the session and runs text. If another
// Query supersedes this one before it merges, its results are discarded and
// SUPERSEDED is returned.
func (s *Session) Query(ctx context.Context, text string) (Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	start := time.Now()
	out := s.d.run(runCtx, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	superseded := gen != s.gen
	s.d.recorder.ObserveQuery(string(out.Route), time.Since(start), superseded)
	if superseded {
		return Outcome{}, errors.Newf(errors.CodeSuperseded, "run %s superseded", out.RunID)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if runCtx.Err() != nil {
		// Cancelled through Session.Cancel.
		return Outcome{}, errors.Newf(errors.CodeSuperseded, "run %s cancelled", out.RunID)
	}
	s.cancel = nil
	s.latest = &out
	return out, nil
}

// Cancel aborts the in-flight run, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Latest returns the outcome of the most recent completed run.
func (s *Session) Latest() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Outcome{}, false
	}
	return *s.latest, true
}

type invocation struct {
	entry handlers.Entry
	query query.Query
}

type invocationResult struct {
	results []query.Result
	err     *HandlerError
}

func (d *Dispatcher) run(ctx context.Context, text string) Outcome {
	cfg := d.Config()
	start := time.Now()
	out := Outcome{RunID: uuid.NewString(), Query: text, Route: RouteNone}
	snap := d.source.Snapshot()

	var primary []invocation
	blank := strings.TrimSpace(text) == ""
	switch {
	case text == ExplicitEmpty:
		out.Route = RouteGlobal
		primary = d.globals(snap, "", out.RunID)
	case !blank:
		if e, rest, ok := snap.MatchTrigger(text); ok {
			out.Route = RouteTrigger
			out.Trigger = e.Trigger
			primary = []invocation{{entry: e, query: query.Query{Text: rest, Trigger: e.Trigger, Fuzzy: e.Fuzzy, RunID: out.RunID}}}
		} else {
			out.Route = RouteGlobal
			primary = d.globals(snap, text, out.RunID)
		}
	case cfg.RunEmptyQuery:
		out.Route = RouteGlobal
		primary = d.globals(snap, text, out.RunID)
	}

	candidates := d.invokeAll(ctx, cfg, snap, primary, &out, false)
	if ctx.Err() != nil {
		return out
	}
	ranked := d.ranker.Rank(ctx, candidates)

	primaryCount := len(ranked)
	runFallback := !blank && text != ExplicitEmpty &&
		(len(ranked) < cfg.minResults() || (cfg.AlwaysFallback && out.Route == RouteGlobal))
	if runFallback {
		var fallbacks []invocation
		for _, e := range snap.Fallbacks() {
			fallbacks = append(fallbacks, invocation{entry: e, query: query.Query{Text: text, Fuzzy: e.Fuzzy, RunID: out.RunID}})
		}
		extra := d.invokeAll(ctx, cfg, snap, fallbacks, &out, true)
		if ctx.Err() != nil {
			return out
		}
		ranked = append(ranked, d.ranker.Rank(ctx, extra)...)
	}

	if cfg.MaxResults > 0 && len(ranked) > cfg.MaxResults {
		ranked = ranked[:cfg.MaxResults]
	}
	out.Items = make([]Item, len(ranked))
	for i, c := range ranked {
		out.Items[i] = Item{HandlerID: c.HandlerID, Result: c.Result, Usage: c.Usage, Fallback: i >= primaryCount}
	}
	out.Duration = time.Since(start)
	logger.Timings().Debug("query finished",
		slog.String("run_id", out.RunID),
		slog.String("route", string(out.Route)),
		slog.Int("results", len(out.Items)),
		slog.Int("errors", len(out.Errors)),
		slog.Duration("duration", out.Duration))
	return out
}

func (d *Dispatcher) globals(snap *handlers.Snapshot, text, runID string) []invocation {
	entries := snap.Globals()
	out := make([]invocation, 0, len(entries))
	for _, e := range entries {
		out = append(out, invocation{entry: e, query: query.Query{Text: text, Fuzzy: e.Fuzzy, RunID: runID}})
	}
	return out
}

// invokeAll runs the invocations concurrently and waits for all of them.
// Failures are appended to out.Errors; results of a cancelled run are dropped.
func (d *Dispatcher) invokeAll(ctx context.Context, cfg Config, snap *handlers.Snapshot, invs []invocation, out *Outcome, fallback bool) []ranking.Candidate {
	if len(invs) == 0 {
		return nil
	}
	results := make([]invocationResult, len(invs))
	var g errgroup.Group
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	}
	for i, inv := range invs {
		g.Go(func() error {
			results[i] = d.invoke(ctx, cfg, snap, inv)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}
	var candidates []ranking.Candidate
	for i, res := range results {
		if res.err != nil {
			out.Errors = append(out.Errors, *res.err)
			continue
		}
		e := invs[i].entry
		priority := 0
		if fallback {
			priority = e.FallbackPriority
		}
		for _, r := range res.results {
			candidates = append(candidates, ranking.Candidate{HandlerID: e.ID, Order: e.Order, Priority: priority, Result: r})
		}
	}
	return candidates
}

func (d *Dispatcher) invoke(ctx context.Context, cfg Config, snap *handlers.Snapshot, inv invocation) (res invocationResult) {
	id := inv.entry.ID
	start := time.Now()
	callCtx := ctx
	if cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = invocationResult{err: &HandlerError{HandlerID: id, Detail: fmt.Sprintf("panic: %v", rec)}}
		}
		failed := res.err != nil
		elapsed := time.Since(start)
		d.recorder.ObserveHandler(id, elapsed, failed)
		d.log.Debug("处理器执行完成", slog.String("handler", id), slog.Duration("duration", elapsed), slog.Bool("failed", failed))
		if failed {
			d.log.Warn("处理器执行失败", slog.String("handler", id), slog.String("detail", res.err.Detail))
		}
	}()

	results, err := snap.Invoke(callCtx, inv.entry, inv.query)
	switch {
	case ctx.Err() != nil:
		// Superseded or cancelled: late results are discarded, not errors.
		return invocationResult{}
	case stdErrors.Is(err, handlers.ErrRetired):
		return invocationResult{}
	case err == nil:
		// 超时后才返回的成功结果仍然保留。
		return invocationResult{results: results}
	case callCtx.Err() != nil:
		return invocationResult{err: &HandlerError{HandlerID: id, Detail: fmt.Sprintf("timed out after %s", cfg.HandlerTimeout)}}
	default:
		return invocationResult{err: &HandlerError{HandlerID: id, Detail: err.Error()}}
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveQuery(string, time.Duration, bool)   {}
func (nopRecorder) ObserveHandler(string, time.Duration, bool) {}
