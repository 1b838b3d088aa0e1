package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pricewatch/internal/config"
)

func TestMigrationFilesSortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_more.sql", "001_init.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "000_dir.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := MigrationFiles(dir)
	if err != nil {
		t.Fatalf("MigrationFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "001_init.sql" || filepath.Base(files[1]) != "002_more.sql" {
		t.Fatalf("unexpected files %v", files)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := Migrate(context.Background(), nil, t.TempDir()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured from Migrate, got %v", err)
	}
}
