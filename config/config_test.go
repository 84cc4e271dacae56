package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultRedisURL, cfg.Redis.URL)
	assert.Equal(t, DefaultAuthToken, cfg.GetAuthToken())
	assert.Equal(t, []string{"*"}, cfg.GetAllowedOrigins())
	assert.Equal(t, 1, cfg.Log.Verbosity)
}

func TestEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	os.Setenv("RELAY_SERVER_PORT", "9000")
	os.Setenv("RELAY_REDIS_URL", "redis://cache.internal:6380/0")
	defer os.Unsetenv("RELAY_SERVER_PORT")
	defer os.Unsetenv("RELAY_REDIS_URL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis://cache.internal:6380/0", cfg.Redis.URL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	content := `
[server]
port = 4444
auth_token = "file-secret"
allowed_origins = ["https://app.example.com"]

[redis]
url = "redis://file.example:6379/0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4444, cfg.Server.Port)
	assert.Equal(t, "file-secret", cfg.GetAuthToken())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.GetAllowedOrigins())
	assert.Equal(t, "redis://file.example:6379/0", cfg.Redis.URL)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/relay.toml")
	assert.Error(t, err)
}
