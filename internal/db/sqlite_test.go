package db

import (
	"path/filepath"
	"testing"
)

func TestMigrateIsIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "m.db")
	d, err := NewDatabase(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	ctx := testContext(t)

	steps := []string{`CREATE TABLE a (id INTEGER PRIMARY KEY)`}
	if err := d.Migrate(ctx, steps); err != nil {
		t.Fatalf("migrate v1: %v", err)
	}
	// re-running applies nothing
	if err := d.Migrate(ctx, steps); err != nil {
		t.Fatalf("migrate v1 again: %v", err)
	}

	steps = append(steps, `CREATE TABLE b (id INTEGER PRIMARY KEY)`)
	if err := d.Migrate(ctx, steps); err != nil {
		t.Fatalf("migrate v2: %v", err)
	}
	if v, err := d.Version(ctx); err != nil || v != 2 {
		t.Fatalf("expected version 2, got %d (%v)", v, err)
	}

	if err := d.Migrate(ctx, steps[:1]); err == nil {
		t.Fatalf("expected error when the schema is newer than the build")
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	d, err := NewDatabase(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	ctx := testContext(t)

	if err := d.Migrate(ctx, []string{`CREATE TABLE ok (id INTEGER)`, `NOT SQL`}); err == nil {
		t.Fatalf("expected migration error")
	}
	if v, _ := d.Version(ctx); v != 1 {
		t.Fatalf("expected version to stop at 1, got %d", v)
	}
}
