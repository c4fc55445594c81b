package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[server]
port = "6000"

[grpc]
enable_reflection = false

[grpc.development]
enable_reflection = true

[database]
host = "db"
name = "warden"

[auth]
max_failed_attempts = 3

[auth.application_role_allowlist]
console = ["admin"]

[outbox]
batch_size = 50
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(testConfig), 0o600))
	return dir
}

func TestLoadConfigFrom(t *testing.T) {
	t.Setenv("APP_ENV", EnvTesting)
	dir := writeConfig(t)

	cfg, err := LoadConfigFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "6000", cfg.Server.Port)
	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 3, cfg.Auth.MaxFailedAttempts)
	assert.Equal(t, []string{"admin"}, cfg.Auth.ApplicationRoleAllowlist["console"])
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.False(t, cfg.GRPC.EnableReflection)

	// defaults
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockoutDuration)
	assert.Equal(t, 30*24*time.Hour, cfg.Token.RefreshTokenTTL)
	assert.Equal(t, "log", cfg.Notify.Provider)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestLoadConfigFrom_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_ENV", EnvDevelopment)
	t.Setenv("WARDEN_AUTH_MAX_FAILED_ATTEMPTS", "7")
	t.Setenv("WARDEN_TOKEN_ACCESS_TOKEN_TTL", "5m")
	dir := writeConfig(t)

	cfg, err := LoadConfigFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Auth.MaxFailedAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Token.AccessTokenTTL)
	assert.True(t, cfg.GRPC.EnableReflection, "development section applies")
}

func TestLoadConfigFrom_MissingFile(t *testing.T) {
	_, err := LoadConfigFrom(t.TempDir())
	assert.Error(t, err)
}
