package conf

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces editor save-storms into a single reload — a
// quiet window of at least 500ms before a changed file is re-read.
const debounceWindow = 500 * time.Millisecond

// Watcher watches a config file and invokes onReload with a freshly loaded
// and validated snapshot whenever the file settles after a change. It never
// calls onReload with a snapshot that failed validation — on a bad reload the
// previous snapshot simply keeps serving.
type Watcher struct {
	loader   *Loader
	path     string
	log      *zap.SugaredLogger
	lastMode HostMode
	done     chan struct{}
}

// NewWatcher builds a Watcher bound to loader and path. currentMode is the
// host mode the currently-served snapshot was loaded with; hot-reload is
// refused whenever the new file's mode would differ from it, or when either
// side is production.
func NewWatcher(loader *Loader, path string, currentMode HostMode, log *zap.SugaredLogger) *Watcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Watcher{loader: loader, path: path, log: log, lastMode: currentMode, done: make(chan struct{})}
}

// Start begins watching in the background. Call Stop to end it. Hot-reload
// is disabled entirely in production host mode.
func (w *Watcher) Start(onReload func(*RuntimeConfig)) error {
	if w.lastMode == ModeProduction {
		w.log.Info("hot-reload disabled: host mode is production")
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		var timer *time.Timer
		reload := func() {
			timer = nil
			rc, err := w.loader.Load(w.path)
			if err != nil {
				w.log.Warnw("config reload failed, keeping previous snapshot", "error", err)
				return
			}
			if rc.Runtime.Host.Mode == ModeProduction || rc.Runtime.Host.Mode != w.lastMode {
				w.log.Infow("ignoring hot-reload: host mode changed or would become production",
					"from", w.lastMode, "to", rc.Runtime.Host.Mode)
				return
			}
			w.lastMode = rc.Runtime.Host.Mode
			onReload(rc)
		}

		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(debounceWindow, reload)
				} else {
					timer.Reset(debounceWindow)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.log.Warnw("config watcher error", "error", err)
			case <-w.done:
				return
			}
		}
	}()
	return nil
}

// Stop ends the background watch goroutine.
func (w *Watcher) Stop() { close(w.done) }
