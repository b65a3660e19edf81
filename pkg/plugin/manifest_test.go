package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLoader map[string]Provider

func (l mapLoader) Load(path string) (Provider, error) {
	p, ok := l[path]
	if !ok {
		return nil, errors.New("no such plugin binary")
	}
	return p, nil
}

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
id: snippets
name: Snippets
version: 1.2.0
authors: [OpenLaunch]
license: MIT
library: snippets.so
executables: [xdotool]
dependencies: [clipboard]
`)
	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "snippets", m.ID)
	assert.Equal(t, []string{"xdotool"}, m.Executables)
	assert.Equal(t, []string{"clipboard"}, m.Dependencies)
	assert.Equal(t, filepath.Join(dir, "snippets.so"), m.LibraryPath())

	_, err = LoadManifest(writeManifest(t, t.TempDir(), "id: nolib\n"))
	assert.Error(t, err)
	_, err = LoadManifest(writeManifest(t, t.TempDir(), "id: [broken\n"))
	assert.Error(t, err)
}

func TestLazyProviderOpensBinaryOnFirstLoad(t *testing.T) {
	ctx := context.Background()
	target := &fakeProvider{meta: meta("snippets")}
	m := Manifest{Metadata: meta("snippets"), Library: "/opt/plugins/snippets.so"}

	r, sink := newRegistry(t)
	require.NoError(t, r.Add(m.Provider(mapLoader{"/opt/plugins/snippets.so": target})))
	require.NoError(t, r.Load(ctx, "snippets"))
	assert.Len(t, sink.Snapshot().Globals(), 1)
	require.NoError(t, r.Unload(ctx, "snippets"))
	assert.Equal(t, int32(1), target.destroyed.Load())

	missing := Manifest{Metadata: meta("ghost"), Library: "/nowhere.so"}
	require.NoError(t, r.Add(missing.Provider(mapLoader{})))
	assert.ErrorIs(t, r.Load(ctx, "ghost"), ErrConstruction)

	mismatch := Manifest{Metadata: meta("alias"), Library: "/opt/plugins/snippets.so"}
	require.NoError(t, r.Add(mismatch.Provider(mapLoader{"/opt/plugins/snippets.so": target})))
	assert.ErrorIs(t, r.Load(ctx, "alias"), ErrConstruction)
}
