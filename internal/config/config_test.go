package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

bindings:
  - name: anthropic
    kind: anthropic-passthrough
    endpoint: https://example.com/v1/messages
    api_keys:
      - ${TEST_API_KEY}
    models:
      claude-sonnet: claude-3-5-sonnet-20241022
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("TEST_API_KEY", "my-secret-key")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	require.Len(t, cfg.Bindings, 1)
	b := cfg.Bindings[0]
	assert.Equal(t, "anthropic", b.Name)
	assert.Equal(t, "anthropic-passthrough", b.Kind)
	assert.Equal(t, []string{"my-secret-key"}, b.APIKeys)
	assert.Equal(t, "claude-3-5-sonnet-20241022", b.Models["claude-sonnet"])
}

func TestLoadEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// GATEWAY_ env vars override YAML values.
	t.Setenv("GATEWAY_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestToBindings_StaticAPIKeyGetsSelfReferentialRefreshToken(t *testing.T) {
	cfg := &Config{
		Bindings: []BindingConfig{
			{
				Name:     "gemini",
				Kind:     "gemini",
				Endpoint: "https://example.com",
				APIKeys:  []string{"key-123"},
			},
		},
	}

	bindings, err := cfg.ToBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.Len(t, bindings[0].Credentials, 1)

	cred := bindings[0].Credentials[0]
	assert.Equal(t, "key-123", cred.AccessToken)
	assert.Equal(t, "key-123", cred.RefreshToken)
	assert.True(t, cred.Active(), "a static-key credential must be selectable")
	assert.Nil(t, cred.ExpiresAt, "a static key never expires so a refresh must never be attempted")
}

func TestToBindings_LoadsCWRCredentialFileAndPreservesUnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	credPath := filepath.Join(tmpDir, "cred.json")

	raw, err := json.Marshal(map[string]any{
		"accessToken":  "at",
		"refreshToken": "rt",
		"expiresAt":    "2026-08-01T00:00:00Z",
		"profileArn":   "arn:aws:codewhisperer:profile/x",
		"region":       "us-east-1",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(credPath, raw, 0644))

	cfg := &Config{
		Bindings: []BindingConfig{
			{
				Name:            "cwr",
				Kind:            "cwr",
				Endpoint:        "https://example.com",
				CredentialFiles: []string{credPath},
			},
		},
	}

	bindings, err := cfg.ToBindings()
	require.NoError(t, err)
	require.Len(t, bindings[0].Credentials, 1)

	cred := bindings[0].Credentials[0]
	assert.Equal(t, "at", cred.AccessToken)
	assert.Equal(t, "rt", cred.RefreshToken)
	assert.Equal(t, "arn:aws:codewhisperer:profile/x", cred.ProfileArn)
	require.NotNil(t, cred.ExpiresAt)
	assert.Equal(t, "us-east-1", cred.Extra["region"])
}
