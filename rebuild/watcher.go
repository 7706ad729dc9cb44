package rebuild

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/plugwork/dev-runtime/errors"
)

// DefaultDebounce collapses the write/rename/chmod bursts a single editor
// save produces into one change signal.
const DefaultDebounce = 150 * time.Millisecond

// Watcher watches source trees and reports changes, debounced. onChange
// runs on the watcher's goroutine and is expected to be cheap; bumping a
// pipeline is.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	tasks    *taskgroup.Group
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher starts watching every directory under the given roots. A zero
// debounce means DefaultDebounce. Directories created later under a root
// are picked up as they appear.
func NewWatcher(roots []string, debounce time.Duration, onChange func()) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, errors.InvalidInput(errors.PhaseBuild, "no watch roots configured")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.IO(errors.PhaseBuild, "create filesystem watcher", err)
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, errors.IO(errors.PhaseBuild, "watch "+root, err)
		}
		Logger().Debug("watching", zap.String("root", root))
	}

	w.tasks = taskgroup.New(nil)
	w.tasks.Go(func() error {
		w.run()
		return nil
	})
	return w, nil
}

// Stop ends watching and waits for the watcher goroutine. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
		w.tasks.Wait()
	})
}

func (w *Watcher) run() {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					// Losing this only loses events under the new dir.
					_ = w.addRecursive(ev.Name)
				}
			}
			Logger().Debug("source changed",
				zap.String("path", ev.Name),
				zap.String("op", ev.Op.String()))
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			armed = true

		case <-timer.C:
			armed = false
			w.onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			Logger().Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// relevant filters out the noise around a save: permission-only events,
// hidden files, and editor scratch files.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "#") {
		return false
	}
	switch {
	case strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".swx"),
		strings.HasSuffix(base, ".tmp"):
		return false
	}
	return true
}
