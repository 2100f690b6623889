// Package login implements the interactive OAuth login flow that mints
// upstream session records for the relay's auth pool.
package login

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"

	"github.com/nghyane/llm-relay/internal/auth"
	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/oauth/pkce"
)

// redirectOOB tells the authorization server to display the code for
// the user to copy instead of redirecting to a callback.
const redirectOOB = "urn:ietf:wg:oauth:2.0:oob"

// Options control the interactive login flow.
type Options struct {
	// NoBrowser skips opening the system browser and only prints the URL.
	NoBrowser bool

	// Label is an optional human-readable name stored on the session.
	Label string

	// Input and Output override stdin/stdout, mainly for tests.
	Input  io.Reader
	Output io.Writer
}

// Run walks the authorization-code flow with PKCE: open the consent
// page, wait for the user to paste the code it displays, exchange the
// code for tokens, and save the resulting session record.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*auth.SessionRecord, error) {
	authorizeURL := cfg.OAuthAuthorizeURL()
	tokenURL := cfg.OAuthTokenURL()
	if authorizeURL == "" || tokenURL == "" {
		return nil, errors.New("login: upstream base-url or oauth endpoints must be configured")
	}

	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	codes, err := pkce.Generate()
	if err != nil {
		return nil, err
	}
	state, err := pkce.State()
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:    cfg.OAuthClientID(),
		RedirectURL: redirectOOB,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authorizeURL,
			TokenURL: tokenURL,
		},
	}

	authURL := conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codes.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	openBrowser(authURL, opts.NoBrowser, out)

	code, pastedState, err := promptCode(ctx, in, out)
	if err != nil {
		return nil, err
	}
	if pastedState != "" && pastedState != state {
		return nil, errors.New("login: state mismatch, restart the flow")
	}

	tok, err := conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codes.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("login: code exchange failed: %w", err)
	}

	rec := &auth.SessionRecord{
		ID:           "sess-" + uuid.NewString()[:8],
		Label:        opts.Label,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenURL:     tokenURL,
		ClientID:     conf.ClientID,
		LastRefresh:  time.Now().UTC().Format(time.RFC3339),
	}
	if !tok.Expiry.IsZero() {
		rec.Expire = tok.Expiry.UTC().Format(time.RFC3339)
	}

	if err := auth.SaveSession(cfg.AuthDir, rec); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Login successful, session %s saved to %s\n", rec.ID, cfg.AuthDir)
	return rec, nil
}

func openBrowser(url string, noBrowser bool, out io.Writer) {
	if noBrowser {
		fmt.Fprintf(out, "Visit the following URL to continue authentication:\n%s\n", url)
		return
	}
	fmt.Fprintln(out, "Opening browser for upstream authentication")
	if err := open.Run(url); err != nil {
		log.Warnf("Could not open browser automatically: %v", err)
	}
	fmt.Fprintf(out, "If the browser did not open, visit:\n%s\n", url)
}

// promptCode reads the pasted authorization code. Consent pages that
// append the state show it as code#state; both forms are accepted.
func promptCode(ctx context.Context, in io.Reader, out io.Writer) (code, state string, err error) {
	fmt.Fprint(out, "Paste the authorization code: ")

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				ch <- line{err: err}
			} else {
				ch <- line{err: io.EOF}
			}
			return
		}
		ch <- line{text: scanner.Text()}
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case l := <-ch:
		if l.err != nil {
			return "", "", fmt.Errorf("login: read authorization code: %w", l.err)
		}
		raw := strings.TrimSpace(l.text)
		if raw == "" {
			return "", "", errors.New("login: empty authorization code")
		}
		code, state, _ = strings.Cut(raw, "#")
		return code, state, nil
	}
}
