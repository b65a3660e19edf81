package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const backupStamp = "20060102T150405.000000000"

// rotatingWriter is an append-only file that is renamed to
// <path>.<UTC timestamp> once it would grow past limit bytes.
// Backups beyond keep, or older than maxAge, are removed after each rotation.
type rotatingWriter struct {
	path   string
	limit  int64
	keep   int
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	f       *os.File
	written int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("rotating log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &rotatingWriter{
		path:   path,
		limit:  int64(orDefault(maxSizeMB, 50)) << 20,
		keep:   orDefault(maxBackups, 5),
		maxAge: time.Duration(orDefault(maxAgeDays, 14)) * 24 * time.Hour,
		now:    time.Now,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		if err := w.reopen(); err != nil {
			return 0, err
		}
	}
	// 单条记录超过上限时仍整体写入当前文件。
	if w.written > 0 && w.written+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f, w.written = nil, 0
	return err
}

func (w *rotatingWriter) reopen() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open rotating log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat rotating log: %w", err)
	}
	w.f, w.written = f, info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close rotating log: %w", err)
	}
	w.f = nil
	backup := w.path + "." + w.now().UTC().Format(backupStamp)
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rename rotating log: %w", err)
	}
	w.prune()
	return w.reopen()
}

// backups returns existing backup paths, newest first.
func (w *rotatingWriter) backups() []string {
	dir, base := filepath.Split(w.path)
	entries, err := os.ReadDir(filepath.Clean(dir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base+".") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(out)
	slices.Reverse(out)
	return out
}

func (w *rotatingWriter) prune() {
	cutoff := w.now().Add(-w.maxAge)
	for i, b := range w.backups() {
		if i >= w.keep {
			_ = os.Remove(b)
			continue
		}
		if info, err := os.Stat(b); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(b)
		}
	}
}
