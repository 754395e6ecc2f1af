// watch.go: Hot reload of logger tunables from a config file
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package styx

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce on save.
const DefaultWatchDebounce = 100 * time.Millisecond

// Reconfigurable is implemented by *Logger.
type Reconfigurable interface {
	Reconfigure(cfg Config) error
}

// WatchOption customizes WatchConfig.
type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits for events to settle.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadCallback is called after every reload attempt with its result.
func WithReloadCallback(fn func(cfg Config, err error)) WatchOption {
	return func(w *Watcher) { w.onReload = fn }
}

// Watcher re-reads a configuration file whenever it changes and applies
// the reloadable settings to a target.
type Watcher struct {
	path     string
	target   Reconfigurable
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(cfg Config, err error)

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan struct{}
}

// WatchConfig starts watching path and returns the running Watcher. The
// directory is watched rather than the file, because editors often replace
// the file on save.
func WatchConfig(path string, target Reconfigurable, opts ...WatchOption) (*Watcher, error) {
	if _, err := DetectFormat(path); err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("styx: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		return nil, errors.Join(fmt.Errorf("styx: watch %s: %w", dir, err), fsWatcher.Close())
	}

	w := &Watcher{
		path:     path,
		target:   target,
		watcher:  fsWatcher,
		debounce: DefaultWatchDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w, nil
}

// Stop ends the watch. It is idempotent.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	name := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.notify(Config{}, fmt.Errorf("styx: watch error: %w", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	cfg, err := LoadConfig(w.path)
	if err == nil {
		err = w.target.Reconfigure(cfg)
	}
	w.notify(cfg, err)
}

func (w *Watcher) notify(cfg Config, err error) {
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}

// Watch is WatchConfig for l. Failed reloads go to the logger's
// ErrorHandler unless WithReloadCallback overrides it.
func (l *Logger) Watch(path string, opts ...WatchOption) (*Watcher, error) {
	report := WithReloadCallback(func(_ Config, err error) {
		if err != nil {
			l.onError("config_reload", err)
		}
	})
	return WatchConfig(path, l, append([]WatchOption{report}, opts...)...)
}
