package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"conduit/internal/config"
	"conduit/pkg/logging"
)

// debounceWindow coalesces the burst of write events most editors produce
// for one save.
const debounceWindow = 500 * time.Millisecond

type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// WatchChannels watches the channels directory and redeploys a channel when
// its definition file changes. File deletions are ignored: undeploy stays
// an explicit operation.
func (e *Engine) WatchChannels(ctx context.Context, dir string) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return err
	}

	w := &watcher{fs: fs, done: make(chan struct{}), timers: make(map[string]*time.Timer)}
	e.watcher = w
	go e.watchLoop(ctx, w)
	logging.Info("Engine", "watching %s for channel changes", dir)
	return nil
}

// StopWatching ends the config watch, if one is running.
func (e *Engine) StopWatching() {
	if e.watcher == nil {
		return
	}
	e.watcher.fs.Close()
	<-e.watcher.done
	e.watcher = nil
}

func (e *Engine) watchLoop(ctx context.Context, w *watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := event.Name
			ext := filepath.Ext(name)
			if ext != ".yaml" && ext != ".yml" || strings.HasPrefix(filepath.Base(name), ".") {
				continue
			}
			w.schedule(name, func() { e.redeployFile(ctx, name) })
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("Engine", err, "channel watcher")
		}
	}
}

// schedule (re)arms the per-file debounce timer.
func (w *watcher) schedule(name string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[name]; ok {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		fn()
	})
}

func (e *Engine) redeployFile(ctx context.Context, path string) {
	cfg, err := config.LoadChannelFile(path)
	if err != nil {
		logging.Error("Engine", err, "reloading channel file %s", path)
		return
	}
	if err := e.Deploy(ctx, cfg); err != nil {
		logging.Error("Engine", err, "redeploying channel %s from %s", cfg.ID, path)
		return
	}
	logging.Info("Engine", "channel %s redeployed from %s", cfg.ID, path)
}
