// Package auth manages the pool of upstream session credentials: loading
// records from disk, rotating between them, and keeping their access
// tokens fresh through the OAuth2 refresh grant.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const sessionFileExt = ".json"

// SessionRecord is the on-disk form of one upstream session credential.
type SessionRecord struct {
	ID           string `json:"id"`
	Label        string `json:"label,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// TokenURL overrides the pool's refresh endpoint for this session.
	TokenURL string `json:"token_url,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	// Expire is the access token expiry in RFC3339. Empty means the
	// token is treated as long-lived.
	Expire      string `json:"expired,omitempty"`
	LastRefresh string `json:"last_refresh,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

// ExpiresAt parses the Expire field; the zero time means no known expiry.
func (r *SessionRecord) ExpiresAt() time.Time {
	if r.Expire == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.Expire)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LoadSessions reads every session record under dir. Records that do not
// parse or carry no credential at all are skipped with a warning. A
// missing directory is an empty pool, not an error.
func LoadSessions(dir string) ([]*SessionRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: read %s: %w", dir, err)
	}

	var records []*SessionRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sessionFileExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("auth: read %s: %w", e.Name(), err)
		}
		var rec SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warnf("Skipping unreadable session file %s: %v", e.Name(), err)
			continue
		}
		if rec.AccessToken == "" && rec.RefreshToken == "" {
			log.Warnf("Skipping session file %s: no credential material", e.Name())
			continue
		}
		if rec.ID == "" {
			rec.ID = strings.TrimSuffix(e.Name(), sessionFileExt)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// SaveSession writes rec to dir atomically, named by its ID. The
// directory is created on demand with owner-only permissions since the
// records hold secrets.
func SaveSession(dir string, rec *SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("auth: session record needs an id")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("auth: create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode session %s: %w", rec.ID, err)
	}
	path := filepath.Join(dir, sessionFileName(rec.ID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth: write session %s: %w", rec.ID, err)
	}
	return os.Rename(tmp, path)
}

// sessionFileName keeps session ids from escaping the auth directory.
func sessionFileName(id string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "session"
	}
	return safe + sessionFileExt
}
