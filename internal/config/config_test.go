package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadRequiresCredentials(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	t.Setenv("ROINTE_EMAIL", "")
	t.Setenv("ROINTE_PASSWORD", "")

	_, err := Load(logger)
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	t.Setenv("ROINTE_EMAIL", "user@example.com")
	t.Setenv("ROINTE_PASSWORD", "secret1")
	t.Setenv("ROINTE_TOKEN_DB", "")
	t.Setenv("ROINTE_SETTINGS", "")

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.Email)
	assert.Equal(t, DefaultAPIBase, cfg.APIBase)
	assert.Equal(t, DefaultRealtimeURL, cfg.RealtimeURL)
	assert.Equal(t, DefaultOrigin, cfg.Origin)
	assert.Equal(t, DefaultVendorDomain, cfg.VendorDomain)
	assert.Contains(t, cfg.SignInURL, "identitytoolkit.googleapis.com")
	assert.Contains(t, cfg.TokenURL, "securetoken.googleapis.com")
	assert.Equal(t, 25*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 5*time.Second, cfg.GetTimeout)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 60*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Empty(t, cfg.TokenDBPath)
}

func TestLoadSettingsOverlay(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	settings := `
api_base: https://staging.example.com/api
firebase_api_key: test-key
realtime_url: wss://rtdb.staging.example.com/.ws
origin: https://staging.example.com
keepalive_seconds: 10
get_timeout_seconds: 2
reconnect:
  base_seconds: 2
  max_seconds: 30
  max_attempts: 5
token_db: /var/lib/bridge/tokens.db
`
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(settings), 0o600))

	t.Setenv("ROINTE_EMAIL", "user@example.com")
	t.Setenv("ROINTE_PASSWORD", "secret1")
	t.Setenv("ROINTE_TOKEN_DB", "")
	t.Setenv("ROINTE_SETTINGS", path)

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com/api", cfg.APIBase)
	assert.Equal(t, "wss://rtdb.staging.example.com/.ws", cfg.RealtimeURL)
	assert.Equal(t, "https://staging.example.com", cfg.Origin)
	assert.Contains(t, cfg.SignInURL, "key=test-key")
	assert.Contains(t, cfg.TokenURL, "key=test-key")
	assert.Equal(t, 10*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 2*time.Second, cfg.GetTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, "/var/lib/bridge/tokens.db", cfg.TokenDBPath)

	// Unset overlay keys keep their defaults.
	assert.Equal(t, DefaultVendorDomain, cfg.VendorDomain)
}

func TestLoadSettingsFileMissing(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	t.Setenv("ROINTE_EMAIL", "user@example.com")
	t.Setenv("ROINTE_PASSWORD", "secret1")
	t.Setenv("ROINTE_SETTINGS", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load(logger)
	assert.Error(t, err)
}

func TestLoadSettingsFileMalformed(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_base: [unclosed"), 0o600))

	t.Setenv("ROINTE_EMAIL", "user@example.com")
	t.Setenv("ROINTE_PASSWORD", "secret1")
	t.Setenv("ROINTE_SETTINGS", path)

	_, err := Load(logger)
	assert.Error(t, err)
}
