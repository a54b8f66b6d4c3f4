package assets

import (
	"context"
	"reflect"

	"github.com/roach88/enginecore/internal/future"
)

// Handle is a non-blocking view of one asset. Render and gameplay code hold
// handles instead of waiting on loads.
type Handle[T any] struct {
	m    *Manager
	k    key
	load *future.Future[T]
}

// Acquire starts loading the asset at path, if needed, and returns a handle.
func Acquire[T any](m *Manager, path string) *Handle[T] {
	return &Handle[T]{
		m:    m,
		k:    key{Normalize(path), reflect.TypeFor[T]()},
		load: LoadAsync[T](m, path),
	}
}

// Path returns the normalized asset path.
func (h *Handle[T]) Path() string {
	return h.k.path
}

// IsLoaded reports whether the asset is cached.
func (h *Handle[T]) IsLoaded() bool {
	_, ok := h.m.cache.Load(h.k)
	return ok
}

// Get returns the cached asset, if loaded. After a reload it returns the new
// asset.
func (h *Handle[T]) Get() (T, bool) {
	if v, ok := h.m.cache.Load(h.k); ok {
		return v.(T), true
	}
	var zero T
	return zero, false
}

// Err returns the failure of the acquiring load, if it failed.
func (h *Handle[T]) Err() error {
	return h.load.Err()
}

// Await blocks until the asset is available or ctx is done. If the asset was
// unloaded since Acquire, it is loaded again.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	if v, ok := h.Get(); ok {
		return v, nil
	}
	if !h.load.IsDone() {
		return h.load.Await(ctx)
	}
	if err := h.load.Err(); err != nil {
		var zero T
		return zero, err
	}
	return LoadAsync[T](h.m, h.k.path).Await(ctx)
}

// OnReload registers fn to run with the new asset after each reload, on the
// asset type's lane. The returned function unregisters it.
func (h *Handle[T]) OnReload(fn func(T)) (cancel func()) {
	return h.m.onReload(h.k, func(v any) { fn(v.(T)) })
}
