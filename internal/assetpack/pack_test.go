package assetpack

import (
	"os"
	"path/filepath"
	"testing"
)

// createTestPack opens a fresh pack in a temp dir.
func createTestPack(t *testing.T) *Pack {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "test.pack"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pack")

	p, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer p.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("pack file was not created")
	}
	if p.Path() != path {
		t.Errorf("Path() = %q, want %q", p.Path(), path)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pack")

	for i := 0; i < 3; i++ {
		p, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		p.Close()
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	p := createTestPack(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		if err := p.verifyPragma(tt.name, tt.expected); err != nil {
			t.Error(err)
		}
	}
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	p := createTestPack(t)

	var version int
	if err := p.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "x.pack"))
	if err == nil {
		t.Fatal("Open() on a missing directory should fail")
	}
}

func TestClose_NilDB(t *testing.T) {
	var p Pack
	if err := p.Close(); err != nil {
		t.Errorf("Close() on zero Pack = %v", err)
	}
}
