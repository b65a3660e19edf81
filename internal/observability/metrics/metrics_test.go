package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCountersAndHistograms(t *testing.T) {
	c := NewCollector()
	c.ObserveQuery("global", 3*time.Millisecond, false)
	c.ObserveQuery("global", 3*time.Millisecond, true)
	c.ObserveHandler("apps", 2*time.Millisecond, false)
	c.ObserveHandler("apps", 2*time.Millisecond, true)
	c.ObservePluginTransition("calc", "loaded")
	c.ObserveActivation("apps")
	c.ObserveHTTPRequest("/api/v1/plugins", http.MethodGet, 500, 20*time.Millisecond)

	out := c.Render()
	assert.Contains(t, out, `openlaunch_query_runs_total{route="global",outcome="completed"} 1`)
	assert.Contains(t, out, `openlaunch_query_runs_total{route="global",outcome="superseded"} 1`)
	assert.Contains(t, out, `openlaunch_handler_invocations_total{handler="apps",outcome="error"} 1`)
	assert.Contains(t, out, `openlaunch_handler_duration_seconds_bucket{handler="apps",le="0.005"} 2`)
	assert.Contains(t, out, `openlaunch_handler_duration_seconds_bucket{handler="apps",le="0.001"} 0`)
	assert.Contains(t, out, `openlaunch_handler_duration_seconds_count{handler="apps"} 2`)
	assert.Contains(t, out, `openlaunch_plugin_transitions_total{plugin="calc",to="loaded"} 1`)
	assert.Contains(t, out, `openlaunch_activations_total{handler="apps"} 1`)
	assert.Contains(t, out, `openlaunch_http_request_errors_total{handler="/api/v1/plugins",method="GET"} 1`)
	assert.Contains(t, out, "# TYPE openlaunch_query_duration_seconds histogram")
}

func TestLabelEscaping(t *testing.T) {
	c := NewCollector()
	c.ObserveActivation("we\"ird\\id\n")
	assert.Contains(t, c.Render(), `openlaunch_activations_total{handler="we\"ird\\id"} 1`)
}

func TestHandlerServesExposition(t *testing.T) {
	c := NewCollector()
	c.ObserveActivation("apps")
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "openlaunch_activations_total")
}
