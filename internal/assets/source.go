package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Source reads raw asset bytes by normalized path.
type Source interface {
	Read(ctx context.Context, name string) ([]byte, error)
}

// Lister enumerates the asset paths a source can serve.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name string) ([]byte, error)

// Read calls f.
func (f SourceFunc) Read(ctx context.Context, name string) ([]byte, error) {
	return f(ctx, name)
}

// ErrNotFound is returned by sources for unknown paths.
var ErrNotFound = errors.New("asset not found")

// DirSource serves assets from a directory tree.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Root returns the directory the source serves.
func (d *DirSource) Root() string {
	return d.root
}

// Read returns the contents of name under the root. Paths are normalized, so
// ".." can never climb out of the root.
func (d *DirSource) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := Normalize(name)
	if n == "" {
		return nil, fmt.Errorf("read %q: %w", name, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(n)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %q: %w", n, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", n, err)
	}
	return data, nil
}

// List returns every regular file under the root as a normalized path,
// sorted.
func (d *DirSource) List(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		out = append(out, Normalize(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	slices.Sort(out)
	return out, nil
}

var (
	_ Source = (*DirSource)(nil)
	_ Lister = (*DirSource)(nil)
)
