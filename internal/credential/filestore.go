package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// FileStore persists a binding's refreshed credentials to a
// token-status.json file via the standard write-temp-then-rename
// pattern, so a crash mid-write never leaves a half-written file behind
// (spec §5 supplemented feature: "refreshed tokens survive a restart").
type FileStore struct {
	Dir string
}

type persistedCredential struct {
	SourcePath       string         `json:"sourcePath"`
	AccessToken      string         `json:"accessToken"`
	RefreshToken     string         `json:"refreshToken"`
	ExpiresAt        *int64         `json:"expiresAt,omitempty"`
	ProfileArn       string         `json:"profileArn,omitempty"`
	LastRefreshedAt  *int64         `json:"lastRefreshedAt,omitempty"`
	LastRefreshedBy  string         `json:"lastRefreshedBy"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Save writes bindingName's credential set to <Dir>/<bindingName>.token-status.json.
func (f *FileStore) Save(bindingName string, creds []*canonical.Credential) error {
	path := filepath.Join(f.Dir, bindingName+".token-status.json")

	out := make([]persistedCredential, 0, len(creds))
	for _, c := range creds {
		pc := persistedCredential{
			SourcePath:      c.SourcePath,
			AccessToken:     c.AccessToken,
			RefreshToken:    c.RefreshToken,
			ProfileArn:      c.ProfileArn,
			LastRefreshedBy: "gateway",
			Extra:           c.Extra,
		}
		if c.ExpiresAt != nil {
			unix := c.ExpiresAt.Unix()
			pc.ExpiresAt = &unix
		}
		if c.LastRefreshAt != nil {
			unix := c.LastRefreshAt.Unix()
			pc.LastRefreshedAt = &unix
		}
		out = append(out, pc)
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshaling credentials: %w", err)
	}

	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("filestore: creating %s: %w", f.Dir, err)
	}

	tmp, err := os.CreateTemp(f.Dir, ".token-status-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("filestore: renaming into place: %w", err)
	}
	return nil
}
