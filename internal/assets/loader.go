package assets

import (
	"context"
	"fmt"
)

// Loader turns a path into an asset of type T in two phases.
//
// LoadRaw runs on a loader worker and may block on I/O or decoding.
// CreateAsset runs on the lane registered for T and receives LoadRaw's
// result; it is where lane-affine resources (GPU handles, audio buffers) are
// created.
type Loader[T any] interface {
	LoadRaw(ctx context.Context, path string) (any, error)
	CreateAsset(path string, raw any) (T, error)
}

// Funcs adapts a pair of functions to Loader. A nil Create passes the raw
// value through, which must then already be a T.
type Funcs[T any] struct {
	Raw    func(ctx context.Context, path string) (any, error)
	Create func(path string, raw any) (T, error)
}

// LoadRaw calls f.Raw.
func (f Funcs[T]) LoadRaw(ctx context.Context, path string) (any, error) {
	if f.Raw == nil {
		return nil, fmt.Errorf("no raw loader for %q", path)
	}
	return f.Raw(ctx, path)
}

// CreateAsset calls f.Create, or asserts raw to T if Create is nil.
func (f Funcs[T]) CreateAsset(path string, raw any) (T, error) {
	if f.Create != nil {
		return f.Create(path, raw)
	}
	v, ok := raw.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("raw value for %q is %T, want %T", path, raw, zero)
	}
	return v, nil
}

// Disposable assets release native resources when unloaded. Dispose runs on
// the render lane.
type Disposable interface {
	Dispose()
}

// BytesLoader loads raw file contents from src as []byte assets.
func BytesLoader(src Source) Loader[[]byte] {
	return Funcs[[]byte]{
		Raw: func(ctx context.Context, path string) (any, error) {
			return src.Read(ctx, path)
		},
	}
}

// TextLoader loads UTF-8 file contents from src as string assets.
func TextLoader(src Source) Loader[string] {
	return Funcs[string]{
		Raw: func(ctx context.Context, path string) (any, error) {
			return src.Read(ctx, path)
		},
		Create: func(_ string, raw any) (string, error) {
			return string(raw.([]byte)), nil
		},
	}
}
