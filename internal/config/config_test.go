package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenLaunch/internal/handlers"
	"OpenLaunch/pkg/query"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	cfg := s.Config()
	assert.Equal(t, "127.0.0.1:7788", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 0.75, cfg.Ranking.SortPreferenceRatio)
	assert.True(t, cfg.Ranking.PrioritizeExactMatch)
	assert.Equal(t, 2*time.Second, cfg.Query.HandlerTimeout)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "data", "activations.db"), cfg.Storage.Path)
	assert.Equal(t, []string{filepath.Join(dir, "data", "plugins")}, cfg.Plugins.Dirs)
	assert.Len(t, cfg.Builtin.WebSearch, 1)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  address: ":9000"
storage:
  driver: memory
ranking:
  sort_preference_ratio: 1.0
query:
  handler_timeout: 500ms
  run_empty_query: true
plugins:
  dirs: [plugins]
  settings:
    calc:
      enabled: false
      config:
        precision: 4
handlers:
  calc.eval:
    trigger: "c "
    fuzzy: true
builtin:
  apps:
    - id: firefox
      name: Firefox
      exec: firefox
      keywords: [browser, web]
`)
	t.Setenv("OPENLAUNCH_SERVER_ADDRESS", ":9100")

	s, err := Load(path)
	require.NoError(t, err)
	cfg := s.Config()
	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 1.0, cfg.Ranking.SortPreferenceRatio)
	assert.Equal(t, 500*time.Millisecond, cfg.Query.HandlerTimeout)
	assert.True(t, cfg.Query.RunEmptyQuery)
	assert.Equal(t, []string{filepath.Join(dir, "plugins")}, cfg.Plugins.Dirs)
	require.Len(t, cfg.Builtin.Apps, 1)
	assert.Equal(t, []string{"browser", "web"}, cfg.Builtin.Apps[0].Keywords)

	enabled, ok := s.PluginEnabled("calc")
	require.True(t, ok)
	assert.False(t, enabled)
	assert.EqualValues(t, 4, s.PluginConfig("calc")["precision"])
	_, ok = s.PluginEnabled("apps")
	assert.False(t, ok)

	pref, ok := s.HandlerPreference("calc.eval")
	require.True(t, ok)
	assert.Equal(t, "c ", pref.Trigger)
	require.NotNil(t, pref.Fuzzy)
	assert.True(t, *pref.Fuzzy)
	assert.Nil(t, pref.Enabled)
}

func TestLoadRejectsInvalidRatio(t *testing.T) {
	dir := t.TempDir()
	for i, raw := range []string{"0.2", ".nan", "1.5"} {
		path := writeFile(t, dir, fmt.Sprintf("config%d.yaml", i), "ranking:\n  sort_preference_ratio: "+raw+"\n")
		_, err := Load(path)
		assert.Error(t, err, raw)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	s.SetPluginEnabled("websearch", false)
	s.SetRanking(RankingConfig{SortPreferenceRatio: 0.5, PrioritizeExactMatch: false})
	q := s.Config().Query
	q.MinResults = 3
	s.SetQuery(q)
	s.ObserveHandlerChange(handlers.Change{Kind: handlers.ChangeUpdated, Entry: handlers.Entry{
		ID: "calc.eval", Category: query.Trigger, Trigger: "= ", DefaultTrigger: "=", Enabled: false, FallbackPriority: 0,
	}})
	s.ObserveHandlerChange(handlers.Change{Kind: handlers.ChangeRegistered, Entry: handlers.Entry{ID: "ignored"}})
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	cfg := reloaded.Config()
	assert.Equal(t, 0.5, cfg.Ranking.SortPreferenceRatio)
	assert.False(t, cfg.Ranking.PrioritizeExactMatch)
	assert.Equal(t, 3, cfg.Query.MinResults)
	assert.Equal(t, 2*time.Second, cfg.Query.HandlerTimeout)

	enabled, ok := reloaded.PluginEnabled("websearch")
	require.True(t, ok)
	assert.False(t, enabled)

	pref, ok := reloaded.HandlerPreference("calc.eval")
	require.True(t, ok)
	assert.Equal(t, "= ", pref.Trigger)
	require.NotNil(t, pref.Enabled)
	assert.False(t, *pref.Enabled)
	_, ok = reloaded.HandlerPreference("ignored")
	assert.False(t, ok)
}

func TestConverters(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "c.yaml"), Config{
		Storage: StorageConfig{Driver: "mysql", MaxDepth: 10},
		Logging: LoggingConfig{Level: "debug", Format: "json"},
	})
	cfg := s.Config()
	cfg.Storage.MySQL.DSN = "u:p@tcp(db)/launch"
	u := cfg.UsageConfig()
	assert.Equal(t, "mysql", u.Driver)
	assert.Equal(t, 10, u.MaxDepth)
	assert.Equal(t, "u:p@tcp(db)/launch", u.MySQL.DSN)

	l := cfg.LoggerConfig()
	assert.Equal(t, "debug", l.Level)
	assert.Equal(t, "json", l.Format)
}
