// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const reconcileInterval = 200 * time.Millisecond

// Watcher reports changes to configuration files and directories on
// EventsCh. fsnotify events are backed by a periodic modification time
// check, which catches editors that replace files by rename.
type Watcher struct {
	watcher   *fsnotify.Watcher
	paths     map[string]time.Time
	logger    hclog.Logger
	reconcile time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	// EventsCh receives the changed path. It is closed by Stop.
	EventsCh chan string
}

// NewWatcher watches every path in paths. Symbolic links are refused since
// fsnotify follows them only once.
func NewWatcher(paths []string, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:   fw,
		paths:     make(map[string]time.Time),
		logger:    logger.Named("config-watcher"),
		reconcile: reconcileInterval,
		done:      make(chan struct{}),
		EventsCh:  make(chan string),
	}
	for _, p := range paths {
		if err := w.add(p); err != nil {
			fw.Close()
			return nil, fmt.Errorf("error watching %q: %w", p, err)
		}
	}
	return w, nil
}

// Start is a noop when called more than once.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop must follow Start. Calling it more than once is a noop.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		close(w.EventsCh)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) add(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not supported")
	}
	path = filepath.Clean(path)
	if err := w.watcher.Add(path); err != nil {
		return err
	}
	w.paths[path] = fi.ModTime()
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.reconcile)
	defer ticker.Stop()
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-ticker.C:
			w.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(event.Name)
	watched, ok := w.watchedPath(name)
	if !ok {
		return
	}
	w.logger.Trace("config change", "path", name, "op", event.Op)
	if event.Has(fsnotify.Remove) && name == watched {
		// The watch is gone with the file. check re-adds it once it exists.
		w.paths[watched] = time.Time{}
		return
	}
	if fi, err := os.Stat(watched); err == nil {
		w.paths[watched] = fi.ModTime()
	}
	w.emit(ctx, watched)
}

// watchedPath maps an event name to the watched file or its watched parent
// directory.
func (w *Watcher) watchedPath(name string) (string, bool) {
	if _, ok := w.paths[name]; ok {
		return name, true
	}
	dir := filepath.Dir(name)
	if _, ok := w.paths[dir]; ok {
		return dir, true
	}
	return "", false
}

func (w *Watcher) check(ctx context.Context) {
	for path, modTime := range w.paths {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if fi.ModTime().Equal(modTime) {
			continue
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to rewatch", "path", path, "error", err)
			continue
		}
		w.paths[path] = fi.ModTime()
		if !w.emit(ctx, path) {
			return
		}
	}
}

func (w *Watcher) emit(ctx context.Context, path string) bool {
	select {
	case w.EventsCh <- path:
		return true
	case <-ctx.Done():
		return false
	}
}
