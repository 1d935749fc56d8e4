package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/austindbirch/starbridge/internal/logging"
)

// Watcher hands new or changed notes of an inbox directory to a callback.
type Watcher struct {
	Dir      string
	Opts     Options
	Debounce time.Duration
	OnRecord func(Record)

	logger *logging.Logger

	mu     sync.Mutex
	seen   map[string]uint64 // path -> fingerprint of the last handed-off content
	timers map[string]*time.Timer
}

// NewWatcher returns a watcher for dir. onRecord is called from the
// watcher's goroutine.
func NewWatcher(dir string, opts Options, onRecord func(Record)) *Watcher {
	return &Watcher{
		Dir:      dir,
		Opts:     opts,
		Debounce: 300 * time.Millisecond,
		OnRecord: onRecord,
		logger:   logging.New("content-watcher"),
		seen:     make(map[string]uint64),
		timers:   make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	w.logger.Plain().WithField("dir", w.Dir).Info("watching inbox")

	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isNote(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Plain().WithError(err).Warn("inbox watch error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.handle(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// handle parses the note and forwards it unless its content was already seen.
func (w *Watcher) handle(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Plain().WithField("path", path).WithError(err).Warn("read inbox note")
		return
	}

	sum := xxhash.Sum64(data)
	w.mu.Lock()
	delete(w.timers, path)
	if prev, ok := w.seen[path]; ok && prev == sum {
		w.mu.Unlock()
		return
	}
	w.seen[path] = sum
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	rec, err := ParseNote(filepath.Base(path), data, info.ModTime(), w.Opts)
	if err != nil {
		w.logger.Plain().WithField("path", path).WithError(err).Warn("skip inbox note")
		return
	}
	rec.Path = path

	if w.OnRecord != nil {
		w.OnRecord(rec)
	}
}
