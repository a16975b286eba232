package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Load(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")

	configYAML := `
server:
  port: 9090
  auth:
    enabled: true
    jwks_url: https://auth.example.com/.well-known/jwks.json
    issuer: https://auth.example.com
    audience: controlplane-api
database:
  driver: sqlite
  database: ./test.db
`
	require.NoError(t, os.WriteFile(configFile, []byte(configYAML), 0644))

	loader := NewLoader(configFile)
	cfg, err := loader.Load(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Heartbeat.MissedThreshold) // default
}

func TestLoader_Load_FileNotFound(t *testing.T) {
	loader := NewLoader("/nonexistent/file.yaml")
	_, err := loader.Load(t.Context())
	require.Error(t, err)
}

func TestLoader_Load_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server: [unclosed"), 0644))

	loader := NewLoader(configFile)
	_, err := loader.Load(t.Context())
	require.Error(t, err)
}

func TestLoader_Load_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid-config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 99999\n"), 0644))

	loader := NewLoader(configFile)
	_, err := loader.Load(t.Context())
	require.Error(t, err)
}

func TestLoader_Load_ZeroConfigGetsSQLiteDefault(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "minimal.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 8080\n"), 0644))

	loader := NewLoader(configFile)
	cfg, err := loader.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoader_EnvVarExpansion(t *testing.T) {
	os.Setenv("TEST_JWKS_URL", "https://issuer.example.com/jwks.json")
	defer os.Unsetenv("TEST_JWKS_URL")

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "env-test.yaml")
	configYAML := `
server:
  auth:
    enabled: true
    jwks_url: ${TEST_JWKS_URL}
    issuer: https://issuer.example.com
    audience: controlplane-api
`
	require.NoError(t, os.WriteFile(configFile, []byte(configYAML), 0644))

	loader := NewLoader(configFile)
	cfg, err := loader.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com/jwks.json", cfg.Server.Auth.JWKSURL)
}

func TestLoader_Watch_ReloadsOnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "watch-test.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 8080\n"), 0644))

	var reloaded []*Config
	loader := NewLoader(configFile, WithOnChange(func(cfg *Config) {
		reloaded = append(reloaded, cfg)
	}))

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	go loader.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 9090\n"), 0644))
	time.Sleep(500 * time.Millisecond)

	require.NotEmpty(t, reloaded)
	assert.Equal(t, 9090, reloaded[len(reloaded)-1].Server.Port)
}

func TestLoadConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: 8080\n"), 0644))

	cfg, loader, err := LoadConfigFile(t.Context(), configFile)
	require.NoError(t, err)
	require.NotNil(t, loader)
	assert.Equal(t, 8080, cfg.Server.Port)
}
