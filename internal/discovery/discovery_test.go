package discovery

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"OpenLaunch/pkg/plugin"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeManifest(t *testing.T, dir, id string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, plugin.ManifestFile)
	content := "id: " + id + "\nname: " + id + "\nversion: 1.0.0\nlibrary: " + id + ".so\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type collector struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (c *collector) sink(m plugin.Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.ids = append(c.ids, m.ID)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestScanFirstDirectoryWins(t *testing.T) {
	user := t.TempDir()
	system := t.TempDir()
	writeManifest(t, filepath.Join(user, "calc"), "calc")
	writeManifest(t, filepath.Join(system, "calc"), "calc")
	writeManifest(t, filepath.Join(system, "snippets"), "snippets")
	writeManifest(t, system, "rootlevel")
	require.NoError(t, os.MkdirAll(filepath.Join(system, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(system, "broken", plugin.ManifestFile), []byte("name: nameless\n"), 0o644))

	c := &collector{}
	d := New([]string{user, system, filepath.Join(user, "missing")}, c.sink)
	found := d.Scan()

	require.Len(t, found, 3)
	assert.Equal(t, filepath.Join(user, "calc"), found[0].Dir)
	assert.ElementsMatch(t, []string{"calc", "snippets", "rootlevel"}, c.snapshot())

	// A second scan accepts nothing new.
	assert.Empty(t, d.Scan())
}

func TestScanSinkFailure(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "calc"), "calc")
	c := &collector{err: stdErrors.New("registry closed")}
	assert.Empty(t, New([]string{dir}, c.sink).Scan())
}

func TestWatchPicksUpNewPlugins(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	d := New([]string{dir}, c.sink)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx, ready) }()
	<-ready

	writeManifest(t, filepath.Join(dir, "clipboard"), "clipboard")

	assert.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"clipboard"}, c.snapshot())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
