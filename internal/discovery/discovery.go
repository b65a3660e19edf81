// Package discovery 在插件目录中查找 plugin.yaml 清单，并可持续监听新放入的插件。
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"OpenLaunch/pkg/logger"
	"OpenLaunch/pkg/plugin"
)

// 清单可以直接放在插件目录下，也可以放在一级子目录中。
var patterns = []string{plugin.ManifestFile, "*/" + plugin.ManifestFile}

// Sink 接收新发现的清单，通常把它加入插件注册表。
type Sink func(m plugin.Manifest) error

// Discoverer 按目录顺序扫描清单。同一 ID 先出现者生效，后出现者被遮蔽。
type Discoverer struct {
	dirs []string
	sink Sink
	log  *slog.Logger

	mu   sync.Mutex
	seen map[string]string
}

// New 创建扫描器，dirs 的顺序即优先级。
func New(dirs []string, sink Sink) *Discoverer {
	return &Discoverer{
		dirs: append([]string(nil), dirs...),
		sink: sink,
		log:  logger.Named("discovery"),
		seen: make(map[string]string),
	}
}

// Scan 扫描全部目录并把未见过的清单交给 Sink，返回新接受的清单。
// 单个清单的错误只记录日志，不会中断扫描。
func (d *Discoverer) Scan() []plugin.Manifest {
	var accepted []plugin.Manifest
	for _, dir := range d.dirs {
		accepted = append(accepted, d.scanDir(dir)...)
	}
	return accepted
}

func (d *Discoverer) scanDir(dir string) []plugin.Manifest {
	paths, err := manifestPaths(dir)
	if err != nil {
		d.log.Warn("扫描插件目录失败", slog.String("dir", dir), slog.Any("error", err))
		return nil
	}
	var accepted []plugin.Manifest
	for _, path := range paths {
		if m, ok := d.consider(path); ok {
			accepted = append(accepted, m)
		}
	}
	return accepted
}

func manifestPaths(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	fsys := os.DirFS(dir)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			out = append(out, filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *Discoverer) consider(path string) (plugin.Manifest, bool) {
	m, err := plugin.LoadManifest(path)
	if err != nil {
		d.log.Warn("插件清单无效", slog.String("path", path), slog.Any("error", err))
		return plugin.Manifest{}, false
	}

	d.mu.Lock()
	if first, ok := d.seen[m.ID]; ok {
		d.mu.Unlock()
		if first != path {
			d.log.Info("插件被遮蔽", slog.String("plugin", m.ID), slog.String("path", path), slog.String("active", first))
		}
		return plugin.Manifest{}, false
	}
	d.seen[m.ID] = path
	d.mu.Unlock()

	if d.sink != nil {
		if err := d.sink(m); err != nil {
			d.log.Warn("注册插件失败", slog.String("plugin", m.ID), slog.String("path", path), slog.Any("error", err))
			return plugin.Manifest{}, false
		}
	}
	d.log.Debug("发现插件", slog.String("plugin", m.ID), slog.String("path", path))
	return m, true
}

// Watch 监听插件目录，新放入的清单会交给 Sink。阻塞直到 ctx 结束。
// ready 非空时在监听建立后被关闭。
func (d *Discoverer) Watch(ctx context.Context, ready chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range d.dirs {
		if err := d.watchTree(w, dir); err != nil {
			d.log.Warn("监听插件目录失败", slog.String("dir", dir), slog.Any("error", err))
		}
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			d.handle(w, event)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("插件目录监听出错", slog.Any("error", err))
		}
	}
}

// watchTree 监听目录本身及其一级子目录。
func (d *Discoverer) watchTree(w *fsnotify.Watcher, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Discoverer) handle(w *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if !d.isTopLevel(event.Name) {
			return
		}
		if err := w.Add(event.Name); err != nil {
			d.log.Warn("监听插件子目录失败", slog.String("dir", event.Name), slog.Any("error", err))
			return
		}
		// 清单可能在监听建立之前就已写入。
		candidate := filepath.Join(event.Name, plugin.ManifestFile)
		if _, err := os.Stat(candidate); err == nil {
			d.consider(candidate)
		}
		return
	}
	if filepath.Base(event.Name) == plugin.ManifestFile {
		d.consider(event.Name)
	}
}

func (d *Discoverer) isTopLevel(path string) bool {
	parent := filepath.Dir(path)
	for _, dir := range d.dirs {
		if filepath.Clean(dir) == parent {
			return true
		}
	}
	return false
}
