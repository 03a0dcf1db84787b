package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// migration is one numbered schema step, e.g. 0001_history.up.sql and
// 0001_history.down.sql share the version "0001_history".
type migration struct {
	version string
	up      string
	down    string
}

// ApplyMigrations runs every pending up migration in migrationsDir in
// version order. Each step and its schema_migrations row commit together.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	steps, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if applied[step.version] || step.up == "" {
			continue
		}
		err := runMigration(ctx, db, step.up, `INSERT INTO schema_migrations(version) VALUES($1)`, step.version)
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", step.version, err)
		}
	}
	return nil
}

// RollbackMigrations reverts every applied migration, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	steps, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if !applied[step.version] {
			continue
		}
		if step.down == "" {
			return fmt.Errorf("revert migration %s: no down file", step.version)
		}
		err := runMigration(ctx, db, step.down, `DELETE FROM schema_migrations WHERE version=$1`, step.version)
		if err != nil {
			return fmt.Errorf("revert migration %s: %w", step.version, err)
		}
	}
	return nil
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var version string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			version, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			version = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}
		m := byVersion[version]
		if m == nil {
			m = &migration{version: version}
			byVersion[version] = m
		}
		if up {
			m.up = filepath.Join(dir, name)
		} else {
			m.down = filepath.Join(dir, name)
		}
	}

	steps := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		steps = append(steps, *m)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// runMigration executes the SQL file and the bookkeeping statement in one
// transaction.
func runMigration(ctx context.Context, db *sql.DB, file, bookkeeping, version string) error {
	contents, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(file), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute %s: %w", filepath.Base(file), err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("update schema_migrations: %w", err)
	}
	return tx.Commit()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
