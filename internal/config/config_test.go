package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 4, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 2000, cfg.Fetch.BaseDelayMs)
	assert.Equal(t, 16000, cfg.Fetch.MaxDelayMs)
	assert.True(t, cfg.Fetch.RotateUserAgent)
	assert.True(t, cfg.Fetch.EscalateMethods)
	assert.Equal(t, 1000, cfg.Fetch.MinContentChars)
	assert.Equal(t, "browserless", cfg.Fetch.Renderer)

	assert.Equal(t, "anthropic", cfg.Completion.Provider)
	assert.Equal(t, "enhanced", cfg.Completion.Prompt)
	assert.Equal(t, 5000, cfg.Completion.WindowChars)

	assert.Equal(t, 500, cfg.Validate.FarDistance)
	assert.Equal(t, 200, cfg.Validate.NearDistance)
	assert.Equal(t, 60, cfg.Validate.FarCap)
	assert.Equal(t, 80, cfg.Validate.NearCap)
	assert.Equal(t, 70, cfg.Validate.ValidThreshold)

	assert.Equal(t, 5, cfg.Anomaly.MajorJump)
	assert.Equal(t, 30, cfg.Anomaly.ConfidenceDrop)
	assert.InDelta(t, 60.0, cfg.Pattern.MinSuccessRate, 0.001)
	assert.Equal(t, 5, cfg.Batch.Size)
	assert.Equal(t, 5, cfg.Sitemap.MaxChildren)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/vv
log:
  level: debug
  format: console
fetch:
  max_attempts: 2
  renderer: jina
forum:
  authors: [release-bot, admin]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 2, cfg.Fetch.MaxAttempts)
	assert.Equal(t, "jina", cfg.Fetch.Renderer)
	assert.Equal(t, []string{"release-bot", "admin"}, cfg.Forum.Authors)
	// Defaults still apply for unset values
	assert.Equal(t, 2000, cfg.Fetch.BaseDelayMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("VERSIONVAULT_STORE_DRIVER", "postgres")
	t.Setenv("VERSIONVAULT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("VERSIONVAULT_SERVER_PORT", "3000")
	t.Setenv("VERSIONVAULT_FETCH_MAX_ATTEMPTS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Fetch.MaxAttempts)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "vv.db"
	cfg.Completion.Provider = "anthropic"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Fetch.MaxAttempts = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestCheckExtract_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Check("extract"))
}

func TestCheckExtract_MissingKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""

	err := cfg.Check("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestCheckExtract_Perplexity(t *testing.T) {
	cfg := validDefaults()
	cfg.Completion.Provider = "perplexity"

	err := cfg.Check("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perplexity.key is required")

	cfg.Perplexity.Key = "pplx"
	assert.NoError(t, cfg.Check("extract"))
}

func TestCheckStore_BadDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Check("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestCheckStore_IgnoresCompletion(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""

	assert.NoError(t, cfg.Check("store"))
}

func TestCheckServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Check("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestCheck_ValidateSectionIsData(t *testing.T) {
	cfg := validDefaults()
	cfg.Validate.ValidThreshold = 75
	cfg.Validate.FarDistance = 400

	assert.NoError(t, cfg.Check("extract"))
	assert.Equal(t, 75, cfg.Validate.ValidThreshold)
}
