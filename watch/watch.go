// Package watch runs a reload action when a file changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors and deploy tools that replace the file by rename are seen. Bursts
// of events are debounced: the action fires once the file has been quiet for
// the debounce window.
//
// Typical usage:
//
//	w := watch.New("harvest.yaml", watch.Options{Debounce: 500 * time.Millisecond})
//	go w.OnChange(ctx, func() error { return svc.Reload() })
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes the watcher behaviour.
type Options struct {
	// Debounce is the quiet period after the last event before the action
	// fires. Default: 500ms.
	Debounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher reloads on changes of one file. It is safe for concurrent use.
type Watcher struct {
	path string
	opts Options

	// version counts successful reloads.
	version atomic.Int64

	versionMu   sync.Mutex
	versionCond *sync.Cond

	events   atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Events        int64         `json:"events"`
	Errors        int64         `json:"errors"`
	Reloads       int64         `json:"reloads"`
	AvgReloadTime time.Duration `json:"avg_reload_time"`
}

// New creates a Watcher for path. Call OnChange to start the loop.
func New(path string, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{path: filepath.Clean(path), opts: opts}
	w.versionCond = sync.NewCond(&w.versionMu)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Events:  w.events.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// Version returns the number of successful reloads.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled. A failing action is counted and
// logged; the next change triggers it again.
func (w *Watcher) OnChange(ctx context.Context, action func() error) error {
	log := w.opts.Logger
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch: add %s: %w", dir, err)
	}
	log.Info("watch: started", "path", w.path, "debounce", w.opts.Debounce)

	var debounce *time.Timer
	var fireCh <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped", "path", w.path)
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
				continue
			}
			w.events.Add(1)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			fireCh = debounce.C
			log.Debug("watch: change detected, debouncing", "path", w.path, "op", ev.Op.String())

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.errors.Add(1)
			log.Warn("watch: watcher error", "error", err)

		case <-fireCh:
			fireCh = nil
			w.fire(log, action)
		}
	}
}

// WaitForVersion blocks until at least target reloads succeeded, or ctx
// expires.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	if w.version.Load() >= target {
		return nil
	}

	done := ctx.Done()
	w.versionMu.Lock()
	defer w.versionMu.Unlock()

	for w.version.Load() < target {
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				w.versionCond.Broadcast()
			case <-ch:
			}
		}()

		w.versionCond.Wait()
		close(ch)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) fire(log *slog.Logger, action func() error) {
	log.Info("watch: reloading", "path", w.path)
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "path", w.path, "error", err)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	w.versionMu.Lock()
	w.version.Add(1)
	w.versionMu.Unlock()
	w.versionCond.Broadcast()
	log.Info("watch: reload complete", "path", w.path, "version", w.version.Load(), "duration", elapsed)
}
