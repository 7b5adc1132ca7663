package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tipbot-service.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":8080\"\ndatabase:\n  dsn: \"file.db\"\n"), 0o644))

	t.Setenv("TIPBOT_SERVICE_DATABASE_DSN", "from-env.db")

	var cfg sample
	_, err := Load("tipbot-service", path, &cfg)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "from-env.db", cfg.Database.DSN, "环境变量优先")
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TIPBOT_TEST_RPC_PASS=secret\n"), 0o644))
	t.Setenv("TIPBOT_TEST_RPC_PASS", "")
	require.NoError(t, os.Unsetenv("TIPBOT_TEST_RPC_PASS"))

	require.NoError(t, LoadEnv(envFile))
	assert.Equal(t, "secret", os.Getenv("TIPBOT_TEST_RPC_PASS"))

	assert.NoError(t, LoadEnv(filepath.Join(dir, "missing.env")), "文件不存在不报错")
}
