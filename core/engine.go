package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/databridge/dataapi/conf"
)

// Engine owns the currently-published RuntimeConfig snapshot and the
// concurrency bound every request squeezes through. A request always reads
// one atomically-swapped pointer at the top of its handling and keeps using
// that value for its whole lifetime — a reload mid-request never yanks the
// config out from under it.
type Engine struct {
	snapshot atomic.Pointer[conf.RuntimeConfig]

	loader  *conf.Loader
	path    string
	watcher *conf.Watcher
	log     *zap.SugaredLogger

	reloadMu sync.Mutex
	hooks    []func(*conf.RuntimeConfig)

	sem chan struct{}
}

// EngineOptions configures NewEngine. MaxConcurrentRequests bounds in-flight
// query execution; zero or negative means unbounded.
type EngineOptions struct {
	FS                    afero.Fs
	Log                   *zap.SugaredLogger
	MaxConcurrentRequests int
}

// NewEngine loads configPath once, synchronously, and returns an Engine
// ready to serve. Hot-reload watching is started separately via Watch.
func NewEngine(configPath string, opts EngineOptions) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	loader := conf.NewLoader(opts.FS)
	rc, err := loader.Load(configPath)
	if err != nil {
		return nil, WrapError(ErrorInInitialization, err, "load config %s", configPath)
	}

	e := &Engine{
		loader: loader,
		path:   configPath,
		log:    opts.Log,
	}
	e.snapshot.Store(rc)

	if opts.MaxConcurrentRequests > 0 {
		e.sem = make(chan struct{}, opts.MaxConcurrentRequests)
	}
	return e, nil
}

// Current returns the presently-published snapshot. Safe for concurrent use;
// callers should take this once per request and reuse the value, not call it
// repeatedly mid-request.
func (e *Engine) Current() *conf.RuntimeConfig {
	return e.snapshot.Load()
}

// OnReload registers a hook invoked synchronously, in registration order,
// immediately after a new snapshot is published — used by the metadata
// provider and schema builder to drop caches keyed to the old snapshot.
// Hooks must not block; they run on the watcher's goroutine (or the
// caller's, for a manual Reload) while reloadMu is held, so a hook must not
// call Reload or OnReload itself.
func (e *Engine) OnReload(fn func(*conf.RuntimeConfig)) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Reload re-parses the config file once and republishes it if it validates.
// A failed reload leaves the currently-served snapshot untouched and returns
// the error — it never partially applies a bad config.
func (e *Engine) Reload() error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	rc, err := e.loader.Load(e.path)
	if err != nil {
		return WrapError(ErrorInInitialization, err, "reload config %s", e.path)
	}
	e.snapshot.Store(rc)
	for _, h := range e.hooks {
		h(rc)
	}
	return nil
}

// Watch starts hot-reload file watching. It is a no-op (returning nil) when
// the currently-published snapshot's host mode is production, per the
// watcher's own refusal to arm in that mode.
func (e *Engine) Watch() error {
	rc := e.Current()
	w := conf.NewWatcher(e.loader, e.path, rc.Runtime.Host.Mode, e.log)
	e.watcher = w
	return w.Start(func(next *conf.RuntimeConfig) {
		e.reloadMu.Lock()
		defer e.reloadMu.Unlock()
		e.snapshot.Store(next)
		for _, h := range e.hooks {
			h(next)
		}
	})
}

// StopWatching ends hot-reload watching, if it was started.
func (e *Engine) StopWatching() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
}

// Acquire blocks until a request execution slot is free or ctx is
// cancelled, enforcing bounded-concurrency back-pressure: once every slot
// is in use, a new request waits for one until its ctx ends and then fails
// with ServiceBusy, rather than queueing unbounded in front of the database.
// Acquire returns a release func that must be called exactly once.
func (e *Engine) Acquire(ctx context.Context) (func(), error) {
	if e.sem == nil {
		return func() {}, nil
	}
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, WrapError(ServiceBusy, ctx.Err(), "request queue wait cancelled")
	}
}
