package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func TestRepositoryMigrationsLoad(t *testing.T) {
	migrations, err := LoadMigrations(os.DirFS(filepath.Join("..", "..", "db", "migrations")))
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	if migrations[0].Version != "0001_init.up.sql" {
		t.Fatalf("first migration = %q, want 0001_init.up.sql", migrations[0].Version)
	}
	for _, m := range migrations {
		if !strings.Contains(m.Up, "CREATE") {
			t.Fatalf("migration %s creates nothing", m.Version)
		}
	}
}

func TestLoadMigrationsOrdersAndPairs(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_comments.up.sql":   {Data: []byte("CREATE TABLE comments();")},
		"0002_comments.down.sql": {Data: []byte("DROP TABLE comments;")},
		"0001_init.up.sql":       {Data: []byte("CREATE TABLE contracts();")},
		"0001_init.down.sql":     {Data: []byte("DROP TABLE contracts;")},
		"README.md":              {Data: []byte("not a migration")},
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2", len(migrations))
	}
	if migrations[0].Version != "0001_init.up.sql" || migrations[1].Down != "DROP TABLE comments;" {
		t.Fatalf("unexpected migrations: %+v", migrations)
	}
}

func TestLoadMigrationsRequiresDownFile(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql":     {Data: []byte("CREATE TABLE contracts();")},
		"0001_init.down.sql":   {Data: []byte("DROP TABLE contracts;")},
		"0002_comments.up.sql": {Data: []byte("CREATE TABLE comments();")},
	}
	if _, err := LoadMigrations(fsys); err == nil || !strings.Contains(err.Error(), "0002") {
		t.Fatalf("LoadMigrations() error = %v, want missing down for 0002", err)
	}
}
