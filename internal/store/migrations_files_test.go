package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		migrationsDir := MigrationsDir(filepath.Join("..", "..", "db", "migrations"), dialect)
		entries, err := os.ReadDir(migrationsDir)
		if err != nil {
			t.Fatalf("read migrations dir %s: %v", migrationsDir, err)
		}

		pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
		byVersion := map[string]map[string]bool{}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			match := pattern.FindStringSubmatch(entry.Name())
			if match == nil {
				continue
			}
			version := match[1]
			direction := match[2]
			if byVersion[version] == nil {
				byVersion[version] = map[string]bool{}
			}
			if byVersion[version][direction] {
				t.Fatalf("%s: duplicate %s migration file for version %s", dialect, direction, version)
			}
			byVersion[version][direction] = true
		}

		if len(byVersion) == 0 {
			t.Fatalf("%s: no migrations discovered", dialect)
		}

		for version, dirs := range byVersion {
			if !dirs["up"] || !dirs["down"] {
				t.Fatalf("%s: version %s must include both up and down files", dialect, version)
			}
		}
	}
}

func TestMigrationVersionsMatchAcrossDialects(t *testing.T) {
	base := filepath.Join("..", "..", "db", "migrations")
	names := func(dialect Dialect) map[string]bool {
		entries, err := os.ReadDir(MigrationsDir(base, dialect))
		if err != nil {
			t.Fatalf("read migrations dir: %v", err)
		}
		out := map[string]bool{}
		for _, entry := range entries {
			out[entry.Name()] = true
		}
		return out
	}
	pg := names(DialectPostgres)
	lite := names(DialectSQLite)
	for name := range pg {
		if !lite[name] {
			t.Fatalf("postgres migration %s has no sqlite counterpart", name)
		}
	}
	for name := range lite {
		if !pg[name] {
			t.Fatalf("sqlite migration %s has no postgres counterpart", name)
		}
	}
}
