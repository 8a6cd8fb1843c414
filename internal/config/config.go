// Package config loads the gateway's binding configuration: one entry
// per upstream (kind, endpoint, credentials, model map, rotation
// policy) plus the minimal HTTP server settings the illustrative
// front-end needs. Configuration loading itself is explicitly out of
// scope for the core (spec §1) — this package exists only so
// cmd/gateway has something concrete to build canonical.ProviderBinding
// values from; the core never imports it.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/oauth2"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Bindings []BindingConfig `koanf:"bindings"`
}

// ServerConfig holds the illustrative front-end's HTTP settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// BindingConfig is the on-disk shape of one canonical.ProviderBinding.
// Credentials come from one of two sources: CredentialFiles (CWR's
// JSON-file-per-credential layout, spec §6) or APIKeys (a flat bearer
// token/query-key, the common case for openai-compatible/gemini/
// anthropic-passthrough bindings, which have no refresh flow).
type BindingConfig struct {
	Name                  string            `koanf:"name"`
	Kind                  string            `koanf:"kind"`
	Endpoint              string            `koanf:"endpoint"`
	CredentialFiles       []string          `koanf:"credential_files"`
	APIKeys               []string          `koanf:"api_keys"`
	Models                map[string]string `koanf:"models"`
	StripUnsupportedTools bool              `koanf:"strip_unsupported_tools"`
	Rotation              RotationConfig    `koanf:"rotation"`
}

// RotationConfig mirrors canonical.RotationPolicy field-for-field so
// it can be loaded directly from YAML/env.
type RotationConfig struct {
	Strategy                   string `koanf:"strategy"`
	CooldownMs                 int    `koanf:"cooldown_ms"`
	MaxErrorsBeforeTempDisable int    `koanf:"max_errors_before_temp_disable"`
	TempDisableMs              int    `koanf:"temp_disable_ms"`
	MaxRefreshFailures         int    `koanf:"max_refresh_failures"`
	RefreshBackoffMs           int    `koanf:"refresh_backoff_ms"`
}

// Load reads configuration from a YAML file, layers GATEWAY_-prefixed
// environment variable overrides on top, and returns a fully populated
// Config. ${VAR} placeholders in api_keys/credential_files are expanded
// against the process environment, exactly as the teacher's config
// loader expanded provider API keys.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for i := range cfg.Bindings {
		b := &cfg.Bindings[i]
		for j, key := range b.APIKeys {
			b.APIKeys[j] = expandEnv(key)
		}
		for j, f := range b.CredentialFiles {
			b.CredentialFiles[j] = expandEnv(f)
		}
	}

	return &cfg, nil
}

// expandEnv resolves a single ${VAR_NAME} placeholder, matching the
// teacher's provider-config expansion (internal/config/config.go
// original) generalized to any string field instead of just api_key.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// credentialFile is the on-disk JSON shape spec §6 describes for CWR
// credentials: accessToken/refreshToken are required, everything else
// is preserved verbatim into Extra so a refresh never drops an unknown
// key (spec §3 invariant).
type credentialFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileArn   string `json:"profileArn"`
	AuthMethod   string `json:"authMethod"`
}

// loadCredentialFile reads one CWR credential JSON file (spec §6),
// preserving unrecognized keys into Credential.Extra.
func loadCredentialFile(path string) (*canonical.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file %s: %w", path, err)
	}

	var cf credentialFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parsing credential file %s: %w", path, err)
	}

	var extraRaw map[string]json.RawMessage
	_ = json.Unmarshal(raw, &extraRaw)
	known := map[string]bool{"accessToken": true, "refreshToken": true, "expiresAt": true, "profileArn": true, "authMethod": true}
	extra := make(map[string]any, len(extraRaw))
	for k, v := range extraRaw {
		if known[k] {
			continue
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			extra[k] = decoded
		}
	}

	cred := &canonical.Credential{
		SourcePath:   path,
		AccessToken:  cf.AccessToken,
		RefreshToken: cf.RefreshToken,
		ProfileArn:   cf.ProfileArn,
		Extra:        extra,
	}
	if cf.AuthMethod != "" {
		cred.Extra["authMethod"] = cf.AuthMethod
	}
	if cf.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, cf.ExpiresAt); err == nil {
			cred.ExpiresAt = &t
		}
	}
	return cred, nil
}

// ToBindings converts every BindingConfig into a canonical.ProviderBinding,
// loading CWR credentials from disk and synthesizing a static,
// never-expiring credential for each api_keys entry. Static-key
// providers have no refresh flow, so RefreshToken is set equal to the
// key itself purely to satisfy the Credential.Active() invariant
// (spec §3) that a credential without a refresh token is inactive —
// with ExpiresAt left nil, needsRefresh never fires and the refresher
// is never actually called for these bindings.
func (c *Config) ToBindings() ([]*canonical.ProviderBinding, error) {
	bindings := make([]*canonical.ProviderBinding, 0, len(c.Bindings))
	for _, bc := range c.Bindings {
		binding := &canonical.ProviderBinding{
			Name:                  bc.Name,
			Kind:                  canonical.ProviderKind(bc.Kind),
			Endpoint:              bc.Endpoint,
			ModelMap:              bc.Models,
			StripUnsupportedTools: bc.StripUnsupportedTools,
			Rotation:              bc.Rotation.toPolicy(),
		}

		for _, path := range bc.CredentialFiles {
			cred, err := loadCredentialFile(path)
			if err != nil {
				return nil, err
			}
			binding.Credentials = append(binding.Credentials, cred)
		}
		for _, key := range bc.APIKeys {
			binding.Credentials = append(binding.Credentials, &canonical.Credential{
				AccessToken:  key,
				RefreshToken: key,
			})
		}

		bindings = append(bindings, binding)
	}
	return bindings, nil
}

// CWROAuthRefresher implements credential.Refresher for CWR bindings
// using a standard OAuth2 refresh-token grant (golang.org/x/oauth2),
// the same grant shape CWR's credential files are built around (spec
// §6). Bindings whose credentials never expire (static API keys) never
// construct one of these — needsRefresh short-circuits on a nil
// ExpiresAt before the Refresher is ever called.
type CWROAuthRefresher struct {
	Config *oauth2.Config
}

// Refresh exchanges cred's refresh token for a new access token against
// the configured OAuth2 token endpoint.
func (r *CWROAuthRefresher) Refresh(ctx context.Context, cred *canonical.Credential) (*oauth2.Token, error) {
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("cwr oauth refresh: %w", err)
	}
	return tok, nil
}

func (r RotationConfig) toPolicy() canonical.RotationPolicy {
	policy := canonical.DefaultRotationPolicy()
	if r.Strategy != "" {
		policy.Strategy = canonical.RotationStrategy(r.Strategy)
	}
	if r.CooldownMs != 0 {
		policy.CooldownMs = r.CooldownMs
	}
	if r.MaxErrorsBeforeTempDisable != 0 {
		policy.MaxErrorsBeforeTempDisable = r.MaxErrorsBeforeTempDisable
	}
	if r.TempDisableMs != 0 {
		policy.TempDisableMs = r.TempDisableMs
	}
	if r.MaxRefreshFailures != 0 {
		policy.MaxRefreshFailures = r.MaxRefreshFailures
	}
	if r.RefreshBackoffMs != 0 {
		policy.RefreshBackoffMs = r.RefreshBackoffMs
	}
	return policy
}
