package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/resilience"
)

const (
	// tokenExpiryBuffer keeps us from issuing a token that expires
	// mid-request.
	tokenExpiryBuffer = 30 * time.Second
	// refreshAheadWindow is how early the background sweep renews tokens.
	refreshAheadWindow = 5 * time.Minute

	refreshFailureCooldown = 2 * time.Minute
	proactiveSweepInterval = 2 * time.Minute
	refreshTimeout         = 30 * time.Second
)

// ErrNoSessions means every registered session is disabled, cooling down
// after a failed refresh, or absent entirely.
var ErrNoSessions = errors.New("auth: no upstream sessions available")

// sessionEntry wraps one record with the hot-path state reads need
// without taking the pool lock.
type sessionEntry struct {
	id     string
	record *SessionRecord // field mutations guarded by Pool.mu

	accessToken    atomic.Pointer[string]
	tokenExpiresAt atomic.Int64 // UnixNano, 0 = no known expiry
	lastUsedAt     atomic.Int64
	totalUses      atomic.Int64
	cooldownUntil  atomic.Int64
}

func (e *sessionEntry) token() string {
	if t := e.accessToken.Load(); t != nil {
		return *t
	}
	return ""
}

func (e *sessionEntry) setToken(token string, expiresAt time.Time) {
	e.accessToken.Store(&token)
	if expiresAt.IsZero() {
		e.tokenExpiresAt.Store(0)
	} else {
		e.tokenExpiresAt.Store(expiresAt.UnixNano())
	}
}

// tokenValid reports whether the current token will still be good for at
// least buffer. A token without a recorded expiry counts as valid.
func (e *sessionEntry) tokenValid(buffer time.Duration) bool {
	if e.token() == "" {
		return false
	}
	exp := e.tokenExpiresAt.Load()
	if exp == 0 {
		return true
	}
	return time.Now().Add(buffer).UnixNano() < exp
}

func (e *sessionEntry) onCooldown() bool {
	cd := e.cooldownUntil.Load()
	return cd > 0 && time.Now().UnixNano() < cd
}

func (e *sessionEntry) markUnavailable(d time.Duration) {
	e.cooldownUntil.Store(time.Now().Add(d).UnixNano())
}

// SessionStatus is the management-facing view of one pool entry.
type SessionStatus struct {
	ID         string    `json:"id"`
	Label      string    `json:"label,omitempty"`
	Disabled   bool      `json:"disabled,omitempty"`
	OnCooldown bool      `json:"on_cooldown,omitempty"`
	HasRefresh bool      `json:"has_refresh"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	Uses       int64     `json:"uses"`
}

// PoolConfig wires a Pool to its session directory and the upstream
// token endpoint used for records that do not carry their own.
type PoolConfig struct {
	Dir      string
	TokenURL string
	ClientID string
	// RefreshRetry overrides the retry policy for refresh grants.
	RefreshRetry *resilience.RetryConfig
}

// Pool rotates upstream session credentials and keeps their access
// tokens fresh. It implements the upstream client's credential contract:
// Token picks a session for the next request, Refresh replaces a token
// the backend just rejected. Requests to the backend run one at a time,
// so the last issued session is always the one a rejection refers to.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry

	dir      string
	tokenURL string
	clientID string

	lastIssued atomic.Pointer[sessionEntry]

	sf        singleflight.Group
	refresher *resilience.Executor[*oauth2.Token]

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds a pool and loads any session records found in cfg.Dir.
func NewPool(cfg PoolConfig) (*Pool, error) {
	retry := resilience.RetryConfig{
		MaxRetries:  2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
		JitterDelay: 500 * time.Millisecond,
	}
	if cfg.RefreshRetry != nil {
		retry = *cfg.RefreshRetry
	}

	p := &Pool{
		entries:   make(map[string]*sessionEntry),
		dir:       cfg.Dir,
		tokenURL:  cfg.TokenURL,
		clientID:  cfg.ClientID,
		refresher: resilience.NewExecutor[*oauth2.Token](retry, nil),
		stopChan:  make(chan struct{}),
	}

	if cfg.Dir != "" {
		records, err := LoadSessions(cfg.Dir)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			p.Register(rec)
		}
	}
	return p, nil
}

// Register adds or replaces a session. Existing usage counters for the
// same ID are kept so a re-login does not jump the rotation queue.
func (p *Pool) Register(rec *SessionRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.entries[rec.ID]
	if entry == nil {
		entry = &sessionEntry{id: rec.ID}
		p.entries[rec.ID] = entry
	}
	entry.record = rec
	if rec.AccessToken != "" {
		entry.setToken(rec.AccessToken, rec.ExpiresAt())
	}
	entry.cooldownUntil.Store(0)
	log.Debugf("authpool: registered session %s (refresh=%v, expires=%s)",
		rec.ID, rec.RefreshToken != "", rec.Expire)
}

// Size returns the number of registered sessions, including disabled ones.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Sessions reports the state of every registered session for the
// management API. Tokens themselves are never exposed.
func (p *Pool) Sessions() []SessionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SessionStatus, 0, len(p.entries))
	for _, e := range p.entries {
		st := SessionStatus{
			ID:         e.id,
			Label:      e.record.Label,
			Disabled:   e.record.Disabled,
			OnCooldown: e.onCooldown(),
			HasRefresh: e.record.RefreshToken != "",
			Uses:       e.totalUses.Load(),
		}
		if exp := e.tokenExpiresAt.Load(); exp > 0 {
			st.ExpiresAt = time.Unix(0, exp)
		}
		if used := e.lastUsedAt.Load(); used > 0 {
			st.LastUsedAt = time.Unix(0, used)
		}
		out = append(out, st)
	}
	return out
}

// LastIssuedID returns the id of the session whose token was most
// recently handed out, or "" before any issue. Upstream calls run one
// at a time, so this identifies the session that served the current
// request.
func (p *Pool) LastIssuedID() string {
	if e := p.lastIssued.Load(); e != nil {
		return e.id
	}
	return ""
}

// Start launches the background sweep that renews tokens before they
// expire, so requests rarely pay refresh latency inline.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
}

// Stop halts the sweep and waits for in-flight refreshes to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Token returns a fresh access token from the least recently used ready
// session, refreshing inline when the cached token is about to expire.
func (p *Pool) Token(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		entry := p.pick()
		if entry == nil {
			if lastErr != nil {
				return "", lastErr
			}
			return "", ErrNoSessions
		}
		if entry.tokenValid(tokenExpiryBuffer) {
			p.noteIssued(entry)
			return entry.token(), nil
		}
		if _, err := p.refreshEntry(ctx, entry); err != nil {
			lastErr = err
			entry.markUnavailable(refreshFailureCooldown)
			log.WithError(err).Warnf("authpool: refresh failed for %s, rotating", entry.id)
			continue
		}
		p.noteIssued(entry)
		return entry.token(), nil
	}
	return "", lastErr
}

// Refresh obtains a replacement token after the backend rejected the one
// last issued. The rejected session is refreshed in place; if that
// fails it cools down and another session takes over.
func (p *Pool) Refresh(ctx context.Context) (string, error) {
	entry := p.lastIssued.Load()
	if entry == nil {
		return p.Token(ctx)
	}
	if _, err := p.refreshEntry(ctx, entry); err != nil {
		entry.markUnavailable(refreshFailureCooldown)
		log.WithError(err).Warnf("authpool: refresh failed for %s after rejection, rotating", entry.id)
		return p.Token(ctx)
	}
	p.noteIssued(entry)
	return entry.token(), nil
}

// pick selects the least recently used session that is enabled, off
// cooldown, and has either a token or the means to get one.
func (p *Pool) pick() *sessionEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *sessionEntry
	var bestUsed int64
	for _, e := range p.entries {
		if e.record.Disabled || e.onCooldown() {
			continue
		}
		if e.token() == "" && e.record.RefreshToken == "" {
			continue
		}
		used := e.lastUsedAt.Load()
		if best == nil || used < bestUsed {
			best = e
			bestUsed = used
		}
	}
	return best
}

func (p *Pool) noteIssued(entry *sessionEntry) {
	entry.lastUsedAt.Store(time.Now().UnixNano())
	entry.totalUses.Add(1)
	p.lastIssued.Store(entry)
}

// refreshEntry runs one refresh grant for entry, deduplicating
// concurrent callers so the sweep and a request never race two grants
// for the same session.
func (p *Pool) refreshEntry(ctx context.Context, entry *sessionEntry) (string, error) {
	v, err, _ := p.sf.Do(entry.id, func() (any, error) {
		tok, err := p.refresher.Execute(ctx, func() (*oauth2.Token, error) {
			return p.refreshGrant(ctx, entry)
		})
		if err != nil {
			return nil, err
		}
		p.applyToken(entry, tok)
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refreshGrant exchanges the session's refresh token for a new access
// token at its token endpoint.
func (p *Pool) refreshGrant(ctx context.Context, entry *sessionEntry) (*oauth2.Token, error) {
	p.mu.RLock()
	refreshToken := entry.record.RefreshToken
	tokenURL := entry.record.TokenURL
	clientID := entry.record.ClientID
	p.mu.RUnlock()

	if refreshToken == "" {
		return nil, fmt.Errorf("auth: session %s has no refresh token", entry.id)
	}
	if tokenURL == "" {
		tokenURL = p.tokenURL
	}
	if clientID == "" {
		clientID = p.clientID
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("auth: session %s has no token endpoint", entry.id)
	}

	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("auth: refresh grant for %s: %w", entry.id, err)
	}
	return tok, nil
}

// applyToken installs a freshly granted token, rotates the refresh token
// when the endpoint issued a new one, and persists the record.
func (p *Pool) applyToken(entry *sessionEntry, tok *oauth2.Token) {
	entry.setToken(tok.AccessToken, tok.Expiry)
	entry.cooldownUntil.Store(0)

	p.mu.Lock()
	rec := entry.record
	rec.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	if tok.Expiry.IsZero() {
		rec.Expire = ""
	} else {
		rec.Expire = tok.Expiry.UTC().Format(time.RFC3339)
	}
	rec.LastRefresh = time.Now().UTC().Format(time.RFC3339)
	saved := *rec
	p.mu.Unlock()

	log.Infof("authpool: refresh success for %s (expires %s)", entry.id, saved.Expire)
	if p.dir != "" {
		if err := SaveSession(p.dir, &saved); err != nil {
			log.WithError(err).Warnf("authpool: could not persist session %s", entry.id)
		}
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(proactiveSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.refreshExpiring()
		}
	}
}

// refreshExpiring renews every refreshable session whose token runs out
// within the look-ahead window.
func (p *Pool) refreshExpiring() {
	p.mu.RLock()
	var due []*sessionEntry
	for _, e := range p.entries {
		if e.record.Disabled || e.record.RefreshToken == "" || e.onCooldown() {
			continue
		}
		if e.tokenValid(refreshAheadWindow) {
			continue
		}
		due = append(due, e)
	}
	p.mu.RUnlock()

	for _, entry := range due {
		p.wg.Add(1)
		go func(entry *sessionEntry) {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if _, err := p.refreshEntry(ctx, entry); err != nil {
				entry.markUnavailable(refreshFailureCooldown)
				log.WithError(err).Warnf("authpool: proactive refresh failed for %s", entry.id)
			}
		}(entry)
	}
}
