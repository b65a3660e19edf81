package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterKeepsNewestBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "timings.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	require.NoError(t, err)
	w.limit = 10
	clock := time.Now()
	w.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	t.Cleanup(func() { _ = w.Close() })

	for _, chunk := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := w.Write([]byte(chunk))
		require.NoError(t, err)
	}

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dddddddd\n", string(current))

	backups := w.backups()
	require.Len(t, backups, 2)
	newest, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "cccccccc\n", string(newest))
	oldest, err := os.ReadFile(backups[1])
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb\n", string(oldest))
}

func TestRotatingWriterDropsExpiredBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timings.log")
	w, err := newRotatingWriter(path, 1, 5, 1)
	require.NoError(t, err)
	w.limit = 4
	t.Cleanup(func() { _ = w.Close() })

	stale := path + ".20000101T000000.000000000"
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, err = w.Write([]byte("one\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("two\n"))
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, w.backups(), 1)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("Warning").String())
	assert.Equal(t, "INFO", parseLevel("").String())
	assert.True(t, strings.HasPrefix(parseLevel("error").String(), "ERROR"))
}
