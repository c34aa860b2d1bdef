// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
server:
  http_addr: ":8080"
database:
  path: "/var/lib/chat-hub/hub.db"
auth:
  jwt_secret: "sekrit"
  sites:
    - site-1
    - site-2
chat:
  typing_ttl: "5s"
  handshake_timeout: "15s"
  send_buffer: 128
logging:
  level: "debug"
  format: "json"
`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/chat-hub/hub.db", cfg.Database.Path)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"site-1", "site-2"}, cfg.Auth.Sites)
	assert.Equal(t, 5*time.Second, cfg.Chat.TypingTTL)
	assert.Equal(t, 15*time.Second, cfg.Chat.HandshakeTimeout)
	assert.Equal(t, 128, cfg.Chat.SendBuffer)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "hub.db"
auth:
  jwt_secret: "sekrit"
  sites: [site-1]
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultTypingTTL, cfg.Chat.TypingTTL)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Chat.HandshakeTimeout)
	assert.Equal(t, DefaultSendBuffer, cfg.Chat.SendBuffer)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CHAT_HUB_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "hub.db"
auth:
  jwt_secret: "${CHAT_HUB_TEST_SECRET}"
  sites: [site-1]
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_UnsetEnvVarBecomesEmptyAndFailsValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "hub.db"
auth:
  jwt_secret: "${CHAT_HUB_DEFINITELY_UNSET}"
  sites: [site-1]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "hub.db"
auth:
  jwt_secret: "sekrit"
  sites: [site-1]
chat:
  typing_ttl: "not-a-duration"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typing_ttl")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing http_addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		{"no sites", func(c *Config) { c.Auth.Sites = nil }, "sites"},
		{"negative send buffer", func(c *Config) { c.Chat.SendBuffer = -1 }, "send_buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{HTTPAddr: ":8080"},
				Database: DatabaseConfig{Path: "hub.db"},
				Auth:     AuthConfig{JWTSecret: "sekrit", Sites: []string{"site-1"}},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
