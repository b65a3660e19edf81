// Package metrics collects launcher counters and latency histograms and
// exposes them in Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// family is a metric name with label names; series are keyed by the joined
// label values.
type family struct {
	name    string
	help    string
	labels  []string
	buckets []float64

	counters map[string]uint64
	hists    map[string]*histogram
}

func (f *family) key(values []string) string { return strings.Join(values, "\x00") }

// Collector holds all launcher metrics.
type Collector struct {
	mu       sync.Mutex
	families []*family
	byName   map[string]*family
}

var (
	httpBuckets    = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	queryBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	handlerBuckets = queryBuckets
)

const (
	httpRequests      = "openlaunch_http_requests_total"
	httpErrors        = "openlaunch_http_request_errors_total"
	httpDuration      = "openlaunch_http_request_duration_seconds"
	queryRuns         = "openlaunch_query_runs_total"
	queryDuration     = "openlaunch_query_duration_seconds"
	handlerCalls      = "openlaunch_handler_invocations_total"
	handlerDuration   = "openlaunch_handler_duration_seconds"
	pluginTransitions = "openlaunch_plugin_transitions_total"
	activations       = "openlaunch_activations_total"
)

// NewCollector creates a collector with every launcher family registered.
func NewCollector() *Collector {
	c := &Collector{byName: make(map[string]*family)}
	c.counter(httpRequests, "Total number of HTTP requests processed.", "handler", "method", "code")
	c.counter(httpErrors, "Total number of HTTP requests that resulted in a server error.", "handler", "method")
	c.histogram(httpDuration, "HTTP request duration in seconds.", httpBuckets, "handler", "method")
	c.counter(queryRuns, "Query runs by route and outcome.", "route", "outcome")
	c.histogram(queryDuration, "Query run duration in seconds.", queryBuckets, "route")
	c.counter(handlerCalls, "Handler invocations by outcome.", "handler", "outcome")
	c.histogram(handlerDuration, "Handler invocation duration in seconds.", handlerBuckets, "handler")
	c.counter(pluginTransitions, "Plugin lifecycle transitions.", "plugin", "to")
	c.counter(activations, "Recorded activations per handler.", "handler")
	return c
}

func (c *Collector) counter(name, help string, labels ...string) {
	f := &family{name: name, help: help, labels: labels, counters: make(map[string]uint64)}
	c.families = append(c.families, f)
	c.byName[name] = f
}

func (c *Collector) histogram(name, help string, buckets []float64, labels ...string) {
	f := &family{name: name, help: help, labels: labels, buckets: buckets, hists: make(map[string]*histogram)}
	c.families = append(c.families, f)
	c.byName[name] = f
}

func (c *Collector) inc(name string, values ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.byName[name]
	f.counters[f.key(values)]++
}

func (c *Collector) observe(name string, d time.Duration, values ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.byName[name]
	k := f.key(values)
	h := f.hists[k]
	if h == nil {
		h = newHistogram(f.buckets)
		f.hists[k] = h
	}
	h.observe(d.Seconds())
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.inc(httpRequests, handler, method, strconv.Itoa(status))
	if status >= 500 {
		c.inc(httpErrors, handler, method)
	}
	c.observe(httpDuration, duration, handler, method)
}

// ObserveQuery records a finished query run.
func (c *Collector) ObserveQuery(route string, d time.Duration, superseded bool) {
	outcome := "completed"
	if superseded {
		outcome = "superseded"
	}
	c.inc(queryRuns, route, outcome)
	c.observe(queryDuration, d, route)
}

// ObserveHandler records one handler invocation.
func (c *Collector) ObserveHandler(handlerID string, d time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.inc(handlerCalls, handlerID, outcome)
	c.observe(handlerDuration, d, handlerID)
}

// ObservePluginTransition counts a lifecycle transition.
func (c *Collector) ObservePluginTransition(pluginID, to string) {
	c.inc(pluginTransitions, pluginID, to)
}

// ObserveActivation counts a recorded activation.
func (c *Collector) ObserveActivation(handlerID string) {
	c.inc(activations, handlerID)
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render returns the current exposition text.
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)
	for _, f := range c.families {
		if f.hists != nil {
			renderHistogram(&builder, f)
		} else {
			renderCounter(&builder, f)
		}
	}
	return builder.String()
}

func renderCounter(b *strings.Builder, f *family) {
	b.WriteString(fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name))
	for _, k := range sortedKeys(f.counters) {
		b.WriteString(fmt.Sprintf("%s{%s} %d\n", f.name, labelPairs(f.labels, k), f.counters[k]))
	}
}

func renderHistogram(b *strings.Builder, f *family) {
	b.WriteString(fmt.Sprintf("# HELP %s %s\n# TYPE %s histogram\n", f.name, f.help, f.name))
	for _, k := range sortedKeys(f.hists) {
		h := f.hists[k]
		labels := labelPairs(f.labels, k)
		for idx, bound := range h.buckets {
			b.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n", f.name, labels, formatFloat(bound), h.counts[idx]))
		}
		b.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", f.name, labels, h.count))
		b.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", f.name, labels, formatFloat(h.sum)))
		b.WriteString(fmt.Sprintf("%s_count{%s} %d\n", f.name, labels, h.count))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelPairs(names []string, key string) string {
	values := strings.Split(key, "\x00")
	pairs := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs[i] = fmt.Sprintf("%s=\"%s\"", n, escape(v))
	}
	return strings.Join(pairs, ",")
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
