package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/config"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(dup) {
		t.Fatal("wrapped 23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error is not a unique violation")
	}
}

func TestParseNumeric(t *testing.T) {
	v, err := parseNumeric("6277101735386680763835789423207666416102355444464034512895")
	if err != nil {
		t.Fatalf("parseNumeric: %v", err)
	}
	if !v.Eq(bridge.MaxU192()) {
		t.Fatalf("got %s", v.Dec())
	}
	if _, err := parseNumeric("1.5"); err == nil {
		t.Fatal("fractional numeric should fail")
	}
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	if err := s.Emit(context.Background(), bridge.Event{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
	if _, err := s.PruneAlerts(context.Background(), time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
	if _, err := s.CountSamplesByStatus(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
	ledger := NewLedger(NewStore(nil, zerolog.Nop()))
	if _, err := ledger.Reserve(context.Background(), bridge.SettlementRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_settlements.sql", "001_init.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	names, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(names) != 2 || names[0] != "001_init.sql" || names[1] != "002_settlements.sql" {
		t.Fatalf("迁移文件顺序错误: %v", names)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("empty dsn should fail")
	}
}

func TestMigrateNotConfigured(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	if err := store.Migrate(context.Background(), t.TempDir()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}
