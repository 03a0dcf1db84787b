package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		if val, ok := os.LookupEnv(env); ok {
			os.Unsetenv(env)
			t.Cleanup(func() { os.Setenv(env, val) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, "sqlite://contenthistory.db", cfg.DatabaseURL)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.AuthorsTop)
	assert.Equal(t, 7, cfg.TimelineDays)
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.MinioUseSSL)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"api_addr: \":9000\"\ntimezone: Europe/Berlin\nauthors_top_limit: 3\nminio_use_ssl: true\n"), 0o600))
	t.Setenv("API_ADDR", ":9100")
	t.Setenv("TIMELINE_PAGE_DAYS", "14")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, 3, cfg.AuthorsTop)
	assert.Equal(t, 14, cfg.TimelineDays)
	assert.True(t, cfg.MinioUseSSL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "mysql://nope")
	t.Setenv("HISTORY_TIMEZONE", "Mars/Olympus")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url")
	assert.Contains(t, err.Error(), "Mars/Olympus")
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
