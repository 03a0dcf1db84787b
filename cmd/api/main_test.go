package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupBuildsConfiguredLogger(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://"+t.TempDir()+"/history.db")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")

	var out bytes.Buffer
	cfg, log, err := setup("", &out)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")
}

func TestSetupRejectsBadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "mysql://nope")

	_, _, err := setup("", &bytes.Buffer{})
	assert.ErrorContains(t, err, "config")
}

func TestSetupRejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://"+t.TempDir()+"/history.db")
	t.Setenv("LOG_LEVEL", "chatty")

	_, _, err := setup("", &bytes.Buffer{})
	assert.ErrorContains(t, err, "logger")
}
