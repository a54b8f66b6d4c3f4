// Package assets is the asynchronous, deduplicated, cached asset pipeline.
//
// Each (path, type) key moves through absent -> loading -> cached, and back
// to absent on unload. A load reads raw data on a loader worker, then hops to
// the lane registered for the asset type to build the finished object.
// Concurrent requests for one key share a single in-flight future.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/future"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/threading"
)

// ErrDisposed is returned for loads attempted after Dispose.
var ErrDisposed = errors.New("assets: manager disposed")

// Dispatcher posts work onto a lane.
type Dispatcher interface {
	RunOn(l lane.Lane, task func()) bool
}

// Loaded is emitted after an asset is first cached.
type Loaded struct {
	Path string
	Type string
}

// Reloaded is emitted after a cached asset is replaced by a reload.
type Reloaded struct {
	Path string
	Type string
}

// Stats counts manager activity.
type Stats struct {
	Cached       int                 `json:"cached"`
	InFlight     int                 `json:"in_flight"`
	Loads        uint64              `json:"loads"`
	CacheHits    uint64              `json:"cache_hits"`
	Deduplicated uint64              `json:"deduplicated"`
	Failures     uint64              `json:"failures"`
	Reloads      uint64              `json:"reloads"`
	Unloads      uint64              `json:"unloads"`
	Pool         threading.PoolStats `json:"pool"`
}

type key struct {
	path string
	typ  reflect.Type
}

// registration is the type-erased form of a Loader[T].
type registration struct {
	lane      lane.Lane
	loadRaw   func(ctx context.Context, path string) (any, error)
	create    func(path string, raw any) (any, error)
	newFlight func() *flight
}

// flight is one in-progress load. typed holds the *future.Future[T] handed to
// callers; settle completes it from erased values.
type flight struct {
	typed  any
	settle func(v any, err error)
}

type reloadListeners struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(any)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithNotifier receives Loaded and Reloaded events, typically a bus publish.
func WithNotifier(fn func(ev any)) Option {
	return func(m *Manager) {
		m.notify = fn
	}
}

// WithLoaderWorkers sets the loader pool size. Default 2.
func WithLoaderWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithDisposeTimeout bounds the wait for the loader pool in Dispose.
func WithDisposeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.disposeTimeout = d
	}
}

// Manager owns the asset cache, in-flight loads and the loader pool.
//
// Thread-safety: every method is safe from any goroutine.
type Manager struct {
	dispatch       Dispatcher
	logger         *slog.Logger
	notify         func(ev any)
	workers        int
	disposeTimeout time.Duration

	pool   *threading.WorkerPool
	ctx    context.Context
	cancel context.CancelFunc

	loaders  sync.Map // reflect.Type -> *registration
	cache    sync.Map // key -> asset
	inflight sync.Map // key -> *flight
	reloads  sync.Map // key -> *reloadListeners
	disposed atomic.Bool

	loads        atomic.Uint64
	hits         atomic.Uint64
	deduplicated atomic.Uint64
	failures     atomic.Uint64
	reloadCount  atomic.Uint64
	unloads      atomic.Uint64
}

// NewManager creates a manager that builds assets through dispatch and reads
// raw data on its own loader pool.
func NewManager(dispatch Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		dispatch:       dispatch,
		workers:        2,
		disposeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.pool = threading.NewWorkerPool("asset-loader", m.workers, func(err error) {
		m.logger.Error("asset loader task failed", "error", err)
	}, m.logger)
	m.pool.Start()
	return m
}

// Register installs loader for assets of type T, created on lane l.
// A later registration for the same type replaces the earlier one.
func Register[T any](m *Manager, loader Loader[T], l lane.Lane) {
	if !l.Valid() {
		panic(fault.Violation("assets: invalid lane %s for %s", l, reflect.TypeFor[T]()))
	}
	reg := &registration{
		lane:    l,
		loadRaw: loader.LoadRaw,
		create: func(path string, raw any) (any, error) {
			return loader.CreateAsset(path, raw)
		},
		newFlight: func() *flight {
			return newFlight[T]()
		},
	}
	t := reflect.TypeFor[T]()
	if _, replaced := m.loaders.Swap(t, reg); replaced {
		m.logger.Debug("asset loader replaced", "type", t.String())
	}
}

// SetLane moves creation of assets of type t onto l. Returns false if no
// loader is registered for t.
func (m *Manager) SetLane(t reflect.Type, l lane.Lane) bool {
	if !l.Valid() {
		panic(fault.Violation("assets: invalid lane %s for %s", l, t))
	}
	v, ok := m.loaders.Load(t)
	if !ok {
		return false
	}
	reg := *v.(*registration)
	reg.lane = l
	m.loaders.Store(t, &reg)
	return true
}

// RegisteredTypes returns the asset types with a loader, by name.
func (m *Manager) RegisteredTypes() map[string]reflect.Type {
	out := make(map[string]reflect.Type)
	m.loaders.Range(func(k, _ any) bool {
		t := k.(reflect.Type)
		out[t.String()] = t
		return true
	})
	return out
}

func newFlight[T any]() *flight {
	f := future.New[T]()
	return &flight{
		typed: f,
		settle: func(v any, err error) {
			if err != nil {
				f.Fail(err)
				return
			}
			t, _ := v.(T)
			f.Complete(t)
		},
	}
}

// LoadAsync returns a future for the asset at path. A cached asset resolves
// immediately; otherwise concurrent callers share one load.
func LoadAsync[T any](m *Manager, path string) *future.Future[T] {
	k := key{Normalize(path), reflect.TypeFor[T]()}
	if v, ok := m.cache.Load(k); ok {
		if t, ok := v.(T); ok {
			m.hits.Add(1)
			return future.Resolved(t)
		}
	}
	fl, err := m.begin(k, false)
	if err != nil {
		m.failures.Add(1)
		return future.Failed[T](err)
	}
	return fl.typed.(*future.Future[T])
}

// Reload re-runs the pipeline for path even if cached. On success the cached
// asset is replaced, the old one disposed, and OnReload listeners notified.
// A load already in flight for the key is shared instead.
func Reload[T any](m *Manager, path string) *future.Future[T] {
	k := key{Normalize(path), reflect.TypeFor[T]()}
	fl, err := m.begin(k, true)
	if err != nil {
		m.failures.Add(1)
		return future.Failed[T](err)
	}
	return fl.typed.(*future.Future[T])
}

// ReloadPath reloads every cached asset loaded from path, whatever its type.
// Returns the number of reloads started.
func (m *Manager) ReloadPath(path string) int {
	p := Normalize(path)
	n := 0
	m.cache.Range(func(k, _ any) bool {
		if kk := k.(key); kk.path == p {
			if _, err := m.begin(kk, true); err != nil {
				m.logger.Warn("asset reload not started", "path", p, "type", kk.typ.String(), "error", err)
			} else {
				n++
			}
		}
		return true
	})
	return n
}

// begin returns the in-flight load for k, starting one if none exists.
func (m *Manager) begin(k key, reload bool) (*flight, error) {
	if k.path == "" {
		return nil, fault.New(fault.CodeLoadFailed, lane.Worker, "empty asset path")
	}
	if m.disposed.Load() {
		return nil, fault.Wrap(fault.CodeRejected, lane.Worker, "load "+k.path, ErrDisposed)
	}
	v, ok := m.loaders.Load(k.typ)
	if !ok {
		return nil, fault.New(fault.CodeLoadFailed, lane.Worker, "no loader registered for "+k.typ.String())
	}
	reg := v.(*registration)

	fl := reg.newFlight()
	actual, loaded := m.inflight.LoadOrStore(k, fl)
	if loaded {
		m.deduplicated.Add(1)
		return actual.(*flight), nil
	}

	// A load may have finished between the caller's cache check and the
	// install above.
	if !reload {
		if cached, ok := m.cache.Load(k); ok {
			m.inflight.Delete(k)
			m.hits.Add(1)
			fl.settle(cached, nil)
			return fl, nil
		}
	}

	m.loads.Add(1)
	if !m.pool.Submit(func() { m.run(k, reg, fl, reload) }) {
		m.fail(k, fl, fault.Wrap(fault.CodeRejected, lane.Worker, "load "+k.path, ErrDisposed))
	}
	return fl, nil
}

// run is the worker half of a load.
func (m *Manager) run(k key, reg *registration, fl *flight, reload bool) {
	var (
		raw any
		err error
	)
	if r := fault.Catch(func() { raw, err = reg.loadRaw(m.ctx, k.path) }); r != nil {
		err = fault.FromPanic(fault.CodeLoadFailed, lane.Worker, "LoadRaw panicked for "+k.path, r)
	}
	if err != nil {
		m.fail(k, fl, fault.Wrap(fault.CodeLoadFailed, lane.Worker, "load raw "+k.path, err))
		return
	}

	ok := m.dispatch.RunOn(reg.lane, func() { m.create(k, reg, fl, raw, reload) })
	if !ok {
		m.fail(k, fl, fault.New(fault.CodeRejected, reg.lane,
			fmt.Sprintf("create %s: %s lane no longer accepts work", k.path, reg.lane)))
	}
}

// create is the lane half of a load.
func (m *Manager) create(k key, reg *registration, fl *flight, raw any, reload bool) {
	var (
		asset any
		err   error
	)
	if r := fault.Catch(func() { asset, err = reg.create(k.path, raw) }); r != nil {
		err = fault.FromPanic(fault.CodeLoadFailed, reg.lane, "CreateAsset panicked for "+k.path, r)
	}
	if err != nil {
		m.fail(k, fl, fault.Wrap(fault.CodeLoadFailed, reg.lane, "create "+k.path, err))
		return
	}
	if isNil(asset) {
		m.fail(k, fl, fault.New(fault.CodeLoadFailed, reg.lane, "create "+k.path+": loader returned a nil asset"))
		return
	}

	old, replaced := m.cache.Swap(k, asset)
	if m.disposed.Load() {
		// Dispose may already have swept the cache; whatever is still here is ours to release.
		if replaced {
			m.disposeOnRender(old)
		}
		if v, ok := m.cache.LoadAndDelete(k); ok {
			m.disposeOnRender(v)
		}
		m.fail(k, fl, fault.Wrap(fault.CodeRejected, reg.lane, "load "+k.path, ErrDisposed))
		return
	}
	m.inflight.Delete(k)
	fl.settle(asset, nil)

	if replaced {
		m.reloadCount.Add(1)
		m.disposeOnRender(old)
		m.fireReload(k, asset)
		m.emit(Reloaded{Path: k.path, Type: k.typ.String()})
		m.logger.Debug("asset reloaded", "path", k.path, "type", k.typ.String())
		return
	}
	m.emit(Loaded{Path: k.path, Type: k.typ.String()})
	m.logger.Debug("asset loaded", "path", k.path, "type", k.typ.String(), "lane", reg.lane.String(), "reload", reload)
}

// isNil reports whether a created asset is an untyped nil or a nil pointer.
func isNil(asset any) bool {
	if asset == nil {
		return true
	}
	v := reflect.ValueOf(asset)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func (m *Manager) fail(k key, fl *flight, err error) {
	m.failures.Add(1)
	m.inflight.Delete(k)
	fl.settle(nil, err)
	m.logger.Warn("asset load failed", "path", k.path, "type", k.typ.String(), "error", err)
}

func (m *Manager) emit(ev any) {
	if m.notify == nil {
		return
	}
	if r := fault.Catch(func() { m.notify(ev) }); r != nil {
		m.logger.Error("asset notifier panicked", "error", r.AsError())
	}
}

func (m *Manager) fireReload(k key, asset any) {
	v, ok := m.reloads.Load(k)
	if !ok {
		return
	}
	rl := v.(*reloadListeners)
	rl.mu.Lock()
	fns := make([]func(any), 0, len(rl.fns))
	for _, fn := range rl.fns {
		fns = append(fns, fn)
	}
	rl.mu.Unlock()

	for _, fn := range fns {
		if r := fault.Catch(func() { fn(asset) }); r != nil {
			m.logger.Error("asset reload listener failed", "path", k.path, "error", r.AsError())
		}
	}
}

func (m *Manager) onReload(k key, fn func(any)) func() {
	v, _ := m.reloads.LoadOrStore(k, &reloadListeners{fns: make(map[uint64]func(any))})
	rl := v.(*reloadListeners)
	rl.mu.Lock()
	id := rl.next
	rl.next++
	rl.fns[id] = fn
	rl.mu.Unlock()

	return func() {
		rl.mu.Lock()
		delete(rl.fns, id)
		rl.mu.Unlock()
	}
}

// IsCached reports whether the asset at path is cached as a T.
func IsCached[T any](m *Manager, path string) bool {
	_, ok := m.cache.Load(key{Normalize(path), reflect.TypeFor[T]()})
	return ok
}

// Unload removes the asset at path from the cache and disposes it on the
// render lane. Returns false if it was not cached.
func Unload[T any](m *Manager, path string) bool {
	v, ok := m.cache.LoadAndDelete(key{Normalize(path), reflect.TypeFor[T]()})
	if !ok {
		return false
	}
	m.unloads.Add(1)
	m.disposeOnRender(v)
	return true
}

// disposeOnRender releases asset on the render lane, or inline if the render
// lane is gone.
func (m *Manager) disposeOnRender(asset any) {
	if !needsDispose(asset) {
		return
	}
	if m.dispatch.RunOn(lane.Render, func() { m.dispose(asset) }) {
		return
	}
	m.logger.Warn("render lane unavailable, disposing asset inline", "type", fmt.Sprintf("%T", asset))
	m.dispose(asset)
}

func needsDispose(asset any) bool {
	switch asset.(type) {
	case Disposable, io.Closer:
		return true
	}
	return false
}

func (m *Manager) dispose(asset any) {
	r := fault.Catch(func() {
		switch a := asset.(type) {
		case Disposable:
			a.Dispose()
		case io.Closer:
			if err := a.Close(); err != nil {
				m.logger.Warn("asset close failed", "type", fmt.Sprintf("%T", asset), "error", err)
			}
		}
	})
	if r != nil {
		m.logger.Error("asset dispose panicked", "type", fmt.Sprintf("%T", asset), "error", r.AsError())
	}
}

// Dispose stops accepting loads, shuts the loader pool and disposes every
// cached asset. Loads still in flight fail with ErrDisposed. Dispose is
// idempotent.
func (m *Manager) Dispose() error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.pool.Shutdown()

	var err error
	if !m.pool.Owns() {
		err = m.pool.AwaitTermination(m.disposeTimeout)
		if err != nil {
			m.logger.Warn("asset loader pool did not terminate", "timeout", m.disposeTimeout)
		}
	}

	n := 0
	m.cache.Range(func(k, _ any) bool {
		if v, ok := m.cache.LoadAndDelete(k); ok {
			m.disposeOnRender(v)
			n++
		}
		return true
	})
	m.logger.Info("asset manager disposed", "assets", n)
	return err
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Loads:        m.loads.Load(),
		CacheHits:    m.hits.Load(),
		Deduplicated: m.deduplicated.Load(),
		Failures:     m.failures.Load(),
		Reloads:      m.reloadCount.Load(),
		Unloads:      m.unloads.Load(),
		Pool:         m.pool.Stats(),
	}
	m.cache.Range(func(_, _ any) bool {
		st.Cached++
		return true
	})
	m.inflight.Range(func(_, _ any) bool {
		st.InFlight++
		return true
	})
	return st
}
