package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves to an empty directory so no stray config.yaml is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(orig)
	})
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, int32(4), cfg.DB.MaxConns)
	assert.Equal(t, "chromium", cfg.Browser.Driver)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1800, cfg.Run.DefaultTimeoutSeconds)
	assert.Equal(t, 600, cfg.Run.AttemptTimeoutSeconds)
	assert.Equal(t, 3, cfg.Run.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Run.RequestsPerSecond)
	assert.Equal(t, 0.01, cfg.Integrate.CostTolerance)
	assert.Equal(t, 0.5, cfg.Integrate.UsedTolerance)
	assert.Equal(t, 0.1, cfg.Integrate.PeakTolerance)
	assert.Equal(t, "sources.yaml", cfg.Catalog.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yml := `
db:
  driver: sqlite
  url: feeds.db
run:
  default_timeout_seconds: 900
  max_attempts: 5
artifact:
  dir: /tmp/artifacts
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "feeds.db", cfg.DB.URL)
	assert.Equal(t, 900, cfg.Run.DefaultTimeoutSeconds)
	assert.Equal(t, 5, cfg.Run.MaxAttempts)
	assert.Equal(t, "/tmp/artifacts", cfg.Artifact.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)

	// File values must not disturb unrelated defaults.
	assert.Equal(t, 600, cfg.Run.AttemptTimeoutSeconds)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFromEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DATAFEEDS_DB_URL", "postgres://feeds@db/feeds")
	t.Setenv("DATAFEEDS_ARTIFACT_BUCKET", "feeds-artifacts")
	t.Setenv("DATAFEEDS_SECRETS_URL", "https://secrets.internal")
	t.Setenv("DATAFEEDS_DEFAULT_TIMEOUT_SECONDS", "120")
	t.Setenv("DATAFEEDS_HEADLESS", "false")
	t.Setenv("DATAFEEDS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://feeds@db/feeds", cfg.DB.URL)
	assert.Equal(t, "feeds-artifacts", cfg.Artifact.Bucket)
	assert.Equal(t, "https://secrets.internal", cfg.Secrets.URL)
	assert.Equal(t, 120, cfg.Run.DefaultTimeoutSeconds)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yml := "db:\n  url: postgres://file@db/feeds\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644))
	t.Setenv("DATAFEEDS_DB_URL", "postgres://env@db/feeds")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@db/feeds", cfg.DB.URL)
}

func TestRunTimeouts(t *testing.T) {
	rc := RunConfig{DefaultTimeoutSeconds: 90, AttemptTimeoutSeconds: 30}
	assert.Equal(t, "1m30s", rc.RunTimeout().String())
	assert.Equal(t, "30s", rc.AttemptTimeout().String())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "json"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
