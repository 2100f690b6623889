package login

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nghyane/llm-relay/internal/auth"
	"github.com/nghyane/llm-relay/internal/config"
)

func loginConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AuthDir = t.TempDir()
	cfg.Upstream.BaseURL = baseURL
	cfg.Sanitize()
	return cfg
}

func TestRunExchangesPastedCode(t *testing.T) {
	var gotCode, gotVerifier string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token request: %v", err)
		}
		gotCode = r.PostForm.Get("code")
		gotVerifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"issued","token_type":"Bearer","expires_in":3600,"refresh_token":"keep-me"}`))
	}))
	defer srv.Close()

	cfg := loginConfig(t, srv.URL)
	var out bytes.Buffer
	rec, err := Run(context.Background(), cfg, Options{
		NoBrowser: true,
		Label:     "test account",
		Input:     strings.NewReader("pasted-code\n"),
		Output:    &out,
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotCode != "pasted-code" {
		t.Errorf("exchanged code = %q", gotCode)
	}
	if gotVerifier == "" {
		t.Error("code exchange missing PKCE verifier")
	}
	if rec.AccessToken != "issued" || rec.RefreshToken != "keep-me" {
		t.Errorf("unexpected tokens: %+v", rec)
	}
	if rec.TokenURL != srv.URL+"/v1/oauth/token" {
		t.Errorf("TokenURL = %q", rec.TokenURL)
	}
	if rec.Expire == "" {
		t.Error("expiry not recorded")
	}
	if !strings.Contains(out.String(), "Visit the following URL") {
		t.Errorf("no-browser mode should print the URL, got: %s", out.String())
	}

	records, err := auth.LoadSessions(cfg.AuthDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Fatalf("session not persisted: %+v", records)
	}
	if records[0].Label != "test account" {
		t.Errorf("label not persisted: %q", records[0].Label)
	}
}

func TestRunRejectsStateMismatch(t *testing.T) {
	cfg := loginConfig(t, "https://upstream.example")
	var out bytes.Buffer
	_, err := Run(context.Background(), cfg, Options{
		NoBrowser: true,
		Input:     strings.NewReader("some-code#forged-state\n"),
		Output:    &out,
	})
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("err = %v, want state mismatch", err)
	}
}

func TestRunRejectsEmptyCode(t *testing.T) {
	cfg := loginConfig(t, "https://upstream.example")
	var out bytes.Buffer
	_, err := Run(context.Background(), cfg, Options{
		NoBrowser: true,
		Input:     strings.NewReader("\n"),
		Output:    &out,
	})
	if err == nil || !strings.Contains(err.Error(), "empty authorization code") {
		t.Fatalf("err = %v, want empty code error", err)
	}
}

func TestRunRequiresUpstream(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.AuthDir = t.TempDir()
	var out bytes.Buffer
	_, err := Run(context.Background(), cfg, Options{
		NoBrowser: true,
		Input:     strings.NewReader("code\n"),
		Output:    &out,
	})
	if err == nil {
		t.Fatal("expected error without upstream base-url")
	}
}

func TestRunCanceledWhileWaiting(t *testing.T) {
	cfg := loginConfig(t, "https://upstream.example")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := &blockedReader{unblock: make(chan struct{})}
	defer close(blocked.unblock)

	var out bytes.Buffer
	_, err := Run(ctx, cfg, Options{NoBrowser: true, Input: blocked, Output: &out})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// blockedReader stalls reads until unblock closes, then reports EOF.
type blockedReader struct {
	unblock chan struct{}
}

func (b *blockedReader) Read(p []byte) (int, error) {
	<-b.unblock
	return 0, io.EOF
}
