package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, NotifyInProc, cfg.NotifyBackend)
	assert.Equal(t, "0 0 * * *", cfg.SweepCron)
	assert.Equal(t, 8*time.Second, cfg.SuggestionTimeout)
	assert.Equal(t, 7, cfg.MinWindowDays)
	assert.Equal(t, 365, cfg.MaxWindowDays)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", StoreSQLite)
	t.Setenv("SUGGESTION_TIMEOUT", "2s")
	t.Setenv("SWEEP_CONCURRENCY", "3")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, 2*time.Second, cfg.SuggestionTimeout)
	assert.Equal(t, 3, cfg.SweepConcurrency)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("HTTP_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
}

func TestLoadDotEnv_EnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GEMINI_MODEL=from-file\nAMQP_QUEUE=\"quoted.queue\"\n"), 0o600))

	t.Setenv("GEMINI_MODEL", "from-env")
	t.Setenv("AMQP_QUEUE", "")
	require.NoError(t, os.Unsetenv("AMQP_QUEUE"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("GEMINI_MODEL"))
	assert.Equal(t, "quoted.queue", os.Getenv("AMQP_QUEUE"))
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
