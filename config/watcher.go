package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editors that write config files in several bursts.
const watchDebounce = 500 * time.Millisecond

// Watcher observes a config file and invokes a callback after it changed.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchConfig starts watching the given config file. onChange is called
// from the watcher goroutine, debounced, every time the file is written
// or replaced. Close the returned Watcher to stop.
func WatchConfig(cfile string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: most editors replace the file
	// on save, which would silently drop a file-level watch.
	dir := filepath.Dir(cfile)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:  fsw,
		done: make(chan struct{}),
	}

	go w.loop(filepath.Base(cfile), onChange)
	return w, nil
}

func (w *Watcher) loop(base string, onChange func()) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			slog.Info("Config file changed", "file", base)
			onChange()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
