package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// Migration is one numbered schema change. Version is the up file name,
// which is what schema_migrations records.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// LoadMigrations pairs the NNNN_name.up.sql and .down.sql files of fsys,
// ordered by number. Every migration needs both directions.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byNumber := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		contents, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		m := byNumber[match[1]]
		if m == nil {
			m = &Migration{}
			byNumber[match[1]] = m
		}
		if match[2] == "up" {
			if m.Version != "" {
				return nil, fmt.Errorf("duplicate up migration for %s", match[1])
			}
			m.Version = entry.Name()
			m.Up = string(contents)
		} else {
			if m.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for %s", match[1])
			}
			m.Down = string(contents)
		}
	}

	numbers := make([]string, 0, len(byNumber))
	for number, m := range byNumber {
		if m.Version == "" || strings.TrimSpace(m.Down) == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", number)
		}
		numbers = append(numbers, number)
	}
	sort.Strings(numbers)

	out := make([]Migration, 0, len(numbers))
	for _, number := range numbers {
		out = append(out, *byNumber[number])
	}
	return out, nil
}

// ApplyMigrations runs every up migration not yet recorded, each in its
// own transaction, and returns how many ran.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, log zerolog.Logger) (int, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		done, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return fmt.Errorf("execute migration %s: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied++
		log.Info().Str("version", m.Version).Msg("migration applied")
	}
	return applied, nil
}

// RevertMigrations runs every recorded migration's down file, newest first.
func RevertMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, log zerolog.Logger) error {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		done, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return fmt.Errorf("revert migration %s: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.Version); err != nil {
				return fmt.Errorf("unrecord migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Str("version", m.Version).Msg("migration reverted")
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
