package rulestore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
)

// DefaultDebounce groups the burst of events an editor produces when saving.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls onChange after the watched file is written, created,
// renamed or removed. The parent directory is watched so that
// replace-by-rename saves are seen.
type Watcher struct {
	debounce time.Duration
	fsw      *fsnotify.Watcher
	logger   log.Logger
	onChange func()
	path     string
}

func NewWatcher(path string, debounce time.Duration, onChange func(), logger log.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		debounce: debounce,
		fsw:      fsw,
		logger:   logger,
		onChange: onChange,
		path:     abs,
	}, nil
}

// Run delivers change notifications until ctx is done. onChange runs on the
// Run goroutine, so a slow callback delays, but never drops, the next one.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Debug(map[string]any{"path": ev.Name, "op": ev.Op.String()}, "rule file changed")
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(map[string]any{"error": err}, "rule file watcher error")
		case <-timer.C:
			w.onChange()
		}
	}
}

func (w *Watcher) Close() error { return w.fsw.Close() }
