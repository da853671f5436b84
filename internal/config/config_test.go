package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvDatabaseCredential, "")
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "neondefense-scores", cfg.Kafka.Topic)
	assert.Equal(t, 1000, cfg.Ranking.MaxEntries)
	assert.Equal(t, int64(4096), cfg.Submit.MaxBodyBytes)
	assert.False(t, cfg.Database.Configured())
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "cache:6380")
	path := writeConfig(t, "redis:\n  addr: ${TEST_REDIS_ADDR}\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
}

func TestLoad_DatabaseFromEnvironment(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "postgres://db:5432/neondefense")
	t.Setenv(EnvDatabaseCredential, `{"username":"svc","password":"p@ss"}`)
	path := writeConfig(t, "database:\n  url: postgres://ignored:5432/x\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/neondefense", cfg.Database.URL)
	assert.JSONEq(t, `{"username":"svc","password":"p@ss"}`, cfg.Database.Credential)
	assert.True(t, cfg.Database.Configured())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [port\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvDatabaseCredential, "")

	cfg := DefaultConfig()

	assert.True(t, cfg.Sync.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_UnreadableDotEnvIsLogged(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".env"), 0o700))
	path := writeConfig(t, "server:\n  port: 9191\n")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Contains(t, buf.String(), "ignoring unreadable .env file")
}
