package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoadSessions(t *testing.T) {
	dir := t.TempDir()
	want := &SessionRecord{
		ID:           "sess-1",
		Label:        "work account",
		AccessToken:  "tok",
		RefreshToken: "ref",
		TokenURL:     "https://upstream.example/v1/oauth/token",
		ClientID:     "relay-cli",
		Expire:       "2026-09-01T10:00:00Z",
		LastRefresh:  "2026-08-25T09:00:00Z",
	}
	if err := SaveSession(dir, want); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "sess-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"expired"`) {
		t.Errorf("expiry not stored under the expired key: %s", raw)
	}

	records, err := LoadSessions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("LoadSessions returned %d records, want 1", len(records))
	}
	got := records[0]
	if *got != *want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
	if exp := got.ExpiresAt(); exp.IsZero() || !exp.Equal(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("ExpiresAt() = %v", exp)
	}
}

func TestLoadSessionsSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	if err := SaveSession(dir, &SessionRecord{ID: "good", AccessToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty-cred.json"), []byte(`{"id":"empty-cred"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatal(err)
	}

	records, err := LoadSessions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "good" {
		t.Fatalf("LoadSessions = %+v, want only the good record", records)
	}
}

func TestLoadSessionsMissingDir(t *testing.T) {
	records, err := LoadSessions(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if records != nil {
		t.Fatalf("expected no records, got %+v", records)
	}
}

func TestLoadSessionsDefaultsIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "from-file.json"), []byte(`{"access_token":"tok"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	records, err := LoadSessions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "from-file" {
		t.Fatalf("LoadSessions = %+v, want ID from-file", records)
	}
}

func TestSessionFileNameSanitizes(t *testing.T) {
	name := sessionFileName("../../etc/passwd")
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		t.Fatalf("hostile id produced unsafe file name %q", name)
	}
	if name := sessionFileName("///"); name != "session.json" {
		t.Fatalf("degenerate id produced %q", name)
	}
}

func TestExpiresAtBadValues(t *testing.T) {
	for _, expire := range []string{"", "not-a-time"} {
		rec := &SessionRecord{Expire: expire}
		if got := rec.ExpiresAt(); !got.IsZero() {
			t.Errorf("ExpiresAt(%q) = %v, want zero", expire, got)
		}
	}
}
