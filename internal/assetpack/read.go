package assetpack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/enginecore/internal/assets"
)

// Entry describes one stored asset.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Read returns the bytes stored under name. Unknown names wrap
// assets.ErrNotFound.
func (p *Pack) Read(ctx context.Context, name string) ([]byte, error) {
	n := assets.Normalize(name)
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM assets WHERE name = ?`, n).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %q: %w", n, assets.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", n, err)
	}
	return data, nil
}

// Stat returns the entry for name.
func (p *Pack) Stat(ctx context.Context, name string) (Entry, error) {
	n := assets.Normalize(name)
	var e Entry
	err := p.db.QueryRowContext(ctx,
		`SELECT name, size, sha256 FROM assets WHERE name = ?`, n,
	).Scan(&e.Name, &e.Size, &e.SHA256)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("stat %q: %w", n, assets.ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("stat %q: %w", n, err)
	}
	return e, nil
}

// List returns every asset name in binary order.
func (p *Pack) List(ctx context.Context) ([]string, error) {
	entries, err := p.Entries(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// Entries returns every entry in binary name order. Returns an empty slice
// (not nil) for an empty pack.
func (p *Pack) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, size, sha256
		FROM assets
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Size, &e.SHA256); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return entries, nil
}

// Meta returns a pack metadata value, or "" if unset.
func (p *Pack) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM pack_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %q: %w", key, err)
	}
	return v, nil
}

var (
	_ assets.Source = (*Pack)(nil)
	_ assets.Lister = (*Pack)(nil)
)
