package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "asynq", cfg.Render.Backend)
	assert.Equal(t, 3, cfg.Generator.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Generator.InitialBackoff)
	assert.Equal(t, 15*time.Minute, cfg.HeyGen.PollTimeout)
	assert.True(t, cfg.Render.DedupEnabled)
	assert.Equal(t, 1280, cfg.Render.Width)
	assert.True(t, cfg.Render.ReconcileOnStart)
	assert.Equal(t, "tts-1", cfg.Voice.Model)
	assert.Equal(t, "alloy", cfg.Voice.Voice)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("RENDER_BACKEND", "local")
	t.Setenv("RENDER_CONCURRENCY", "8")
	t.Setenv("GENERATOR_MAX_BACKOFF", "2s")
	t.Setenv("RENDER_DEDUP_ENABLED", "false")
	t.Setenv("RENDER_RECONCILE_ON_START", "false")
	t.Setenv("VOICE_NAME", "nova")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "local", cfg.Render.Backend)
	assert.Equal(t, 8, cfg.Render.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Generator.MaxBackoff)
	assert.False(t, cfg.Render.DedupEnabled)
	assert.False(t, cfg.Render.ReconcileOnStart)
	assert.Equal(t, "nova", cfg.Voice.Voice)
}

func TestReadSecretFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	t.Setenv("HEYGEN_API_KEY", "")
	t.Setenv("HEYGEN_API_KEY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.HeyGen.APIKey)
}
