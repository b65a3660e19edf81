package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"OpenLaunch/internal/config"
	"OpenLaunch/internal/dispatch"
	"OpenLaunch/internal/launcher"
	"OpenLaunch/internal/usage"
	"OpenLaunch/pkg/plugin"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	l, err := launcher.New(context.Background(), store,
		launcher.WithUsageStore(usage.NewMemoryStore(usage.Options{})),
		launcher.WithRequirementChecker(nil),
	)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return NewServer("127.0.0.1:0", l, opts...)
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

func TestQueryOneShot(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/query", queryRequest{Text: "=1+2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[dispatch.Outcome](t, rec)
	assert.Equal(t, dispatch.RouteTrigger, out.Route)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "3", out.Items[0].Result.Text)
	assert.Equal(t, "calc", out.Items[0].HandlerID)

	rec = do(t, h, http.MethodPost, "/api/v1/query", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func TestSessionLifecycle(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[sessionResponse](t, rec).ID
	require.NotEmpty(t, id)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/query", queryRequest{Text: "=6*7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "42", decode[dispatch.Outcome](t, rec).Items[0].Result.Text)

	rec = do(t, h, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/query", queryRequest{Text: "=1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestBearerToken(t *testing.T) {
	h := newTestServer(t, WithToken("s3cret")).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/plugins", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/plugins", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/plugins", nil, "Authorization", "bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPluginEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ids := map[string]plugin.State{}
	for _, info := range decode[[]plugin.Info](t, rec) {
		ids[info.ID] = info.State
	}
	assert.Equal(t, plugin.StateLoaded, ids["calc"])

	rec = do(t, h, http.MethodPost, "/api/v1/plugins/calc/unload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, plugin.StateNotLoaded, decode[plugin.Info](t, rec).State)

	rec = do(t, h, http.MethodPost, "/api/v1/plugins/calc/unload", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_LOADED", errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/api/v1/plugins/calc/load", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, plugin.StateLoaded, decode[plugin.Info](t, rec).State)

	rec = do(t, h, http.MethodPut, "/api/v1/plugins/calc/enabled", enabledRequest{Enabled: false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[plugin.Info](t, rec).Enabled)

	rec = do(t, h, http.MethodGet, "/api/v1/plugins/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_PLUGIN", errorCode(t, rec))
}

func TestHandlerUpdate(t *testing.T) {
	h := newTestServer(t).Handler()

	trigger := "="
	rec := do(t, h, http.MethodPut, "/api/v1/handlers/plugins", launcher.HandlerUpdate{Trigger: &trigger})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_TRIGGER", errorCode(t, rec))

	trigger = "calc "
	rec = do(t, h, http.MethodPut, "/api/v1/handlers/calc", launcher.HandlerUpdate{Trigger: &trigger})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry struct {
		ID      string `json:"id"`
		Trigger string `json:"trigger"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "calc ", entry.Trigger)

	rec = do(t, h, http.MethodPut, "/api/v1/handlers/nope", launcher.HandlerUpdate{Trigger: &trigger})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_HANDLER", errorCode(t, rec))
}

func TestPreferences(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodPut, "/api/v1/preferences", map[string]any{"sort_preference_ratio": 0.2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/preferences", map[string]any{"sort_preference_ratio": 0.9})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prefs := decode[launcher.Preferences](t, rec)
	assert.InDelta(t, 0.9, prefs.SortPreferenceRatio, 1e-9)
	assert.True(t, prefs.PrioritizeExactMatch)
}

func TestActivationAndStats(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/activations", launcher.Activation{HandlerID: "calc", ItemID: "result", Query: "=1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "calc", decode[usage.Activation](t, rec).Key.Handler)

	rec = do(t, h, http.MethodPost, "/api/v1/activations", launcher.Activation{HandlerID: "ghost", ItemID: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/stats?since=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[statsResponse](t, rec).Counts["calc"])

	rec = do(t, h, http.MethodGet, "/api/v1/stats?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsUseRoutePattern(t *testing.T) {
	h := newTestServer(t).Handler()
	do(t, h, http.MethodGet, "/api/v1/plugins/calc", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "openlaunch_http_requests_total")
	assert.Contains(t, body, `handler="/api/v1/plugins/{id}"`)
	assert.NotContains(t, body, `handler="/api/v1/plugins/calc"`)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?kind=activation.recorded", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	_, err = s.launcher.Activate(context.Background(), launcher.Activation{HandlerID: "calc", ItemID: "result"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- l
		}
	}()
	for {
		select {
		case l := <-lines:
			if strings.HasPrefix(l, "event: ") {
				assert.Equal(t, "event: activation.recorded\n", l)
				cancel()
				for range lines {
				}
				return
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())
	require.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	http.DefaultClient.CloseIdleConnections()
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2024-04-30T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("-1h", now)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, WithRateLimit(0.001, 2)).Handler()

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/api/v1/handlers", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/v1/handlers", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
