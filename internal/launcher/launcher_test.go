package launcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"OpenLaunch/internal/builtin"
	"OpenLaunch/internal/config"
	"OpenLaunch/internal/errors"
	"OpenLaunch/internal/events"
	"OpenLaunch/internal/usage"
	"OpenLaunch/pkg/plugin"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFrontend struct{ started, stopped bool }

func (f *fakeFrontend) Start() error                 { f.started = true; return nil }
func (f *fakeFrontend) Stop(context.Context) error   { f.stopped = true; return nil }

func newLauncher(t *testing.T, opts ...Option) (*Launcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	store, err := config.Load(path)
	require.NoError(t, err)
	opts = append([]Option{
		WithUsageStore(usage.NewMemoryStore(usage.Options{})),
		WithRequirementChecker(nil),
	}, opts...)
	l, err := New(context.Background(), store, opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l, path
}

func texts(t *testing.T, l *Launcher, q string) []string {
	t.Helper()
	out, err := l.Query(context.Background(), "", q)
	require.NoError(t, err)
	var got []string
	for _, it := range out.Items {
		got = append(got, it.Result.Text)
	}
	return got
}

func TestStartLoadsBuiltins(t *testing.T) {
	l, _ := newLauncher(t)
	for _, id := range []string{"apps", "calc", "websearch", "plugins"} {
		state, err := l.Plugins().State(id)
		require.NoError(t, err)
		assert.Equal(t, plugin.StateLoaded, state, id)
	}
	assert.Equal(t, []string{"4"}, texts(t, l, "=2+2"))
	assert.False(t, l.Plugins().Has("frontend_http"))
}

func TestActivateRecordsAndPublishes(t *testing.T) {
	l, _ := newLauncher(t)
	ch, cancel := l.Events().Subscribe(16)
	defer cancel()

	stored, err := l.Activate(context.Background(), Activation{HandlerID: "calc", ItemID: "result", Query: "=2+2", Action: "copy"})
	require.NoError(t, err)
	assert.Equal(t, "calc/result", stored.Key.String())
	assert.EqualValues(t, 1, stored.Ordinal)

	ev := <-ch
	assert.Equal(t, events.KindActivation, ev.Kind)
	assert.Equal(t, "calc/result", ev.Subject)

	score, err := l.Ranking().Score(context.Background(), stored.Key)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	counts, err := l.Stats(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts["calc"])

	_, err = l.Activate(context.Background(), Activation{HandlerID: "nope", ItemID: "x"})
	assert.Equal(t, errors.CodeUnknownHandler, errors.CodeOf(err))
	assert.Contains(t, l.Metrics().Render(), `openlaunch_activations_total{handler="calc"} 1`)
}

func TestDisablePluginPersists(t *testing.T) {
	l, path := newLauncher(t)
	require.NoError(t, l.SetPluginEnabled("calc", false))

	got := texts(t, l, "=2+2")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Search DuckDuckGo")

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	enabled, ok := reloaded.PluginEnabled("calc")
	require.True(t, ok)
	assert.False(t, enabled)

	require.NoError(t, l.SetPluginEnabled("calc", true))
	assert.Equal(t, []string{"4"}, texts(t, l, "=2+2"))
}

func TestUpdateHandlerTrigger(t *testing.T) {
	l, path := newLauncher(t)
	trigger := "c "
	e, err := l.UpdateHandler("calc", HandlerUpdate{Trigger: &trigger})
	require.NoError(t, err)
	assert.Equal(t, "c ", e.Trigger)
	assert.Equal(t, []string{"2"}, texts(t, l, "c 1+1"))

	_, err = l.UpdateHandler("plugins", HandlerUpdate{Trigger: &trigger})
	assert.Equal(t, errors.CodeDuplicateTrigger, errors.CodeOf(err))

	_, err = l.UpdateHandler("missing", HandlerUpdate{Trigger: &trigger})
	assert.Equal(t, errors.CodeUnknownHandler, errors.CodeOf(err))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	pref, ok := reloaded.HandlerPreference("calc")
	require.True(t, ok)
	assert.Equal(t, "c ", pref.Trigger)
}

func TestPreferences(t *testing.T) {
	l, _ := newLauncher(t)
	p := l.Preferences()
	assert.Equal(t, 0.75, p.SortPreferenceRatio)

	bad := p
	bad.SortPreferenceRatio = 1.5
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(l.SetPreferences(bad)))
	assert.Equal(t, 0.75, l.Preferences().SortPreferenceRatio)

	p.SortPreferenceRatio = 1
	p.Query.RunEmptyQuery = true
	require.NoError(t, l.SetPreferences(p))
	assert.Equal(t, 1.0, l.Ranking().Config().Ratio)
	assert.True(t, l.Dispatcher().Config().RunEmptyQuery)
}

func TestSessions(t *testing.T) {
	l, _ := newLauncher(t)
	id := l.NewSession()
	out, err := l.Query(context.Background(), id, "=3*3")
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "9", out.Items[0].Result.Text)

	assert.True(t, l.CloseSession(id))
	assert.False(t, l.CloseSession(id))
	_, err = l.Query(context.Background(), id, "=1")
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestFrontendPlugin(t *testing.T) {
	fe := &fakeFrontend{}
	path := filepath.Join(t.TempDir(), "config.yaml")
	store, err := config.Load(path)
	require.NoError(t, err)
	l, err := New(context.Background(), store,
		WithUsageStore(usage.NewMemoryStore(usage.Options{})),
		WithRequirementChecker(nil),
		WithFrontend(func(*Launcher) builtin.Frontend { return fe }))
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	assert.True(t, fe.started)

	err = l.Plugins().Unload(context.Background(), "frontend_http")
	assert.Equal(t, errors.CodeFrontendImmutable, errors.CodeOf(err))

	require.NoError(t, l.Close(context.Background()))
	assert.True(t, fe.stopped)
}

func TestPluginEventsReachBus(t *testing.T) {
	l, _ := newLauncher(t)
	ch, cancel := l.Events().Subscribe(16)
	defer cancel()

	require.NoError(t, l.Plugins().Unload(context.Background(), "calc"))
	first := <-ch
	assert.Equal(t, events.KindPluginState, first.Kind)
	assert.Equal(t, "calc", first.Subject)
	assert.Contains(t, l.Metrics().Render(), `openlaunch_plugin_transitions_total{plugin="calc",to="not_loaded"} 1`)
}
