// Package assetpack provides a SQLite-backed asset source.
//
// A pack is a single database file holding raw asset bytes keyed by
// normalized asset path. It serves the asset manager through the same Source
// interface as a directory tree, so a shipped build can swap loose files for
// one pack without touching loaders.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads from loader workers during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Rows are content-hashed (SHA-256) so rebuilding a pack from an unchanged
// tree rewrites nothing.
package assetpack
