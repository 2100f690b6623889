package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/resilience"
)

var fastRetry = &resilience.RetryConfig{
	MaxRetries: 0,
	BaseDelay:  time.Millisecond,
	MaxDelay:   2 * time.Millisecond,
}

// tokenEndpoint serves OAuth2 refresh grants with a canned response.
func tokenEndpoint(t *testing.T, hits *atomic.Int64, delay time.Duration, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token request: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func staticRecord(id, token string) *SessionRecord {
	return &SessionRecord{ID: id, AccessToken: token}
}

func expiredRecord(id, tokenURL string) *SessionRecord {
	return &SessionRecord{
		ID:           id,
		AccessToken:  "stale-" + id,
		RefreshToken: "refresh-" + id,
		TokenURL:     tokenURL,
		Expire:       time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
}

func TestPoolRotatesLeastRecentlyUsed(t *testing.T) {
	p, err := NewPool(PoolConfig{})
	if err != nil {
		t.Fatal(err)
	}
	p.Register(staticRecord("a", "tok-a"))
	p.Register(staticRecord("b", "tok-b"))

	ctx := context.Background()
	first, err := p.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("expected rotation, got %q twice", first)
	}
	seen := map[string]bool{first: true, second: true}
	if !seen["tok-a"] || !seen["tok-b"] {
		t.Fatalf("unexpected tokens issued: %v", seen)
	}

	third, err := p.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if third != first {
		t.Fatalf("rotation should wrap to %q, got %q", first, third)
	}
}

func TestPoolRefreshesExpiredToken(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 0, http.StatusOK,
		`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600,"refresh_token":"next-refresh"}`)

	dir := t.TempDir()
	if err := SaveSession(dir, expiredRecord("s1", srv.URL)); err != nil {
		t.Fatal(err)
	}

	p, err := NewPool(PoolConfig{Dir: dir, RefreshRetry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	if p.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", p.Size())
	}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "fresh-token" {
		t.Fatalf("Token() = %q, want fresh-token", tok)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", got)
	}

	// The renewed credential must survive a restart.
	records, err := LoadSessions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("LoadSessions returned %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.AccessToken != "fresh-token" {
		t.Errorf("persisted access token = %q", rec.AccessToken)
	}
	if rec.RefreshToken != "next-refresh" {
		t.Errorf("refresh token not rotated: %q", rec.RefreshToken)
	}
	if rec.LastRefresh == "" {
		t.Error("LastRefresh not recorded")
	}
	if exp := rec.ExpiresAt(); !exp.After(time.Now()) {
		t.Errorf("persisted expiry %v not in the future", exp)
	}
}

func TestPoolRefreshFailureRotatesToNextSession(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 0, http.StatusInternalServerError, `{"error":"server_error"}`)

	p, err := NewPool(PoolConfig{RefreshRetry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	p.Register(expiredRecord("bad", srv.URL))
	p.Register(staticRecord("good", "tok-good"))
	// Make the broken session the preferred pick.
	p.entries["good"].lastUsedAt.Store(time.Now().UnixNano())

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-good" {
		t.Fatalf("Token() = %q, want tok-good", tok)
	}

	for _, st := range p.Sessions() {
		if st.ID == "bad" && !st.OnCooldown {
			t.Error("failed session should be cooling down")
		}
	}
}

func TestPoolRefreshReplacesRejectedToken(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 0, http.StatusOK,
		`{"access_token":"renewed","token_type":"Bearer","expires_in":3600}`)

	p, err := NewPool(PoolConfig{RefreshRetry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	p.Register(&SessionRecord{ID: "s1", AccessToken: "old", RefreshToken: "r1", TokenURL: srv.URL})

	ctx := context.Background()
	tok, err := p.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "old" {
		t.Fatalf("Token() = %q, want old", tok)
	}

	replaced, err := p.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if replaced != "renewed" {
		t.Fatalf("Refresh() = %q, want renewed", replaced)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", got)
	}
}

func TestPoolConcurrentRefreshesShareOneGrant(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 50*time.Millisecond, http.StatusOK,
		`{"access_token":"shared","token_type":"Bearer","expires_in":3600}`)

	p, err := NewPool(PoolConfig{RefreshRetry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	p.Register(expiredRecord("s1", srv.URL))

	const callers = 5
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = p.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "shared" {
			t.Fatalf("caller %d got %q, want shared", i, tokens[i])
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", got)
	}
}

func TestPoolNoSessions(t *testing.T) {
	p, err := NewPool(PoolConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Token(context.Background()); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("Token() err = %v, want ErrNoSessions", err)
	}
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("Refresh() err = %v, want ErrNoSessions", err)
	}
}

func TestPoolSkipsDisabledSessions(t *testing.T) {
	p, err := NewPool(PoolConfig{})
	if err != nil {
		t.Fatal(err)
	}
	rec := staticRecord("off", "tok-off")
	rec.Disabled = true
	p.Register(rec)

	if _, err := p.Token(context.Background()); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("Token() err = %v, want ErrNoSessions", err)
	}
}

func TestPoolReRegisterKeepsRotationOrder(t *testing.T) {
	p, err := NewPool(PoolConfig{})
	if err != nil {
		t.Fatal(err)
	}
	p.Register(staticRecord("a", "tok-a"))
	p.Register(staticRecord("b", "tok-b"))
	p.entries["a"].lastUsedAt.Store(time.Now().UnixNano())

	// Re-login for a replaces its record but not its usage history, so
	// b is still next in line.
	p.Register(staticRecord("a", "tok-a2"))

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-b" {
		t.Fatalf("Token() = %q, want tok-b", tok)
	}
}
