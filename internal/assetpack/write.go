package assetpack

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/roach88/enginecore/internal/assets"
)

// Put stores data under the normalized form of name. Rewriting identical
// content is a no-op. Returns whether the row changed.
func (p *Pack) Put(ctx context.Context, name string, data []byte) (bool, error) {
	return put(ctx, p.db, name, data)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, name string, data []byte) (bool, error) {
	n := assets.Normalize(name)
	if n == "" {
		return false, fmt.Errorf("put asset: empty name")
	}
	if data == nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)

	res, err := db.ExecContext(ctx, `
		INSERT INTO assets (name, data, size, sha256, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			sha256 = excluded.sha256,
			updated_at = excluded.updated_at
		WHERE assets.sha256 != excluded.sha256
	`, n, data, len(data), hex.EncodeToString(sum[:]), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("put asset %q: %w", n, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put asset %q: %w", n, err)
	}
	return rows > 0, nil
}

// Delete removes name. Returns whether it existed.
func (p *Pack) Delete(ctx context.Context, name string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM assets WHERE name = ?`, assets.Normalize(name))
	if err != nil {
		return false, fmt.Errorf("delete asset: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete asset: %w", err)
	}
	return rows > 0, nil
}

// BuildResult summarizes BuildFromDir.
type BuildResult struct {
	Files   int   `json:"files"`
	Written int   `json:"written"`
	Bytes   int64 `json:"bytes"`
}

// BuildFromDir copies every regular file under dir into the pack in one
// transaction. Unchanged files are skipped.
func (p *Pack) BuildFromDir(ctx context.Context, dir string) (BuildResult, error) {
	src := assets.NewDirSource(dir)
	names, err := src.List(ctx)
	if err != nil {
		return BuildResult{}, fmt.Errorf("build pack: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return BuildResult{}, fmt.Errorf("build pack: begin: %w", err)
	}
	defer tx.Rollback()

	var res BuildResult
	for _, name := range names {
		data, err := src.Read(ctx, name)
		if err != nil {
			return BuildResult{}, fmt.Errorf("build pack: %w", err)
		}
		changed, err := put(ctx, tx, name, data)
		if err != nil {
			return BuildResult{}, fmt.Errorf("build pack: %w", err)
		}
		res.Files++
		res.Bytes += int64(len(data))
		if changed {
			res.Written++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pack_meta (key, value) VALUES ('source_dir', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, dir); err != nil {
		return BuildResult{}, fmt.Errorf("build pack: meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return BuildResult{}, fmt.Errorf("build pack: commit: %w", err)
	}
	return res, nil
}
