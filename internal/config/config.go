// Package config defines the llm-relay configuration schema and loaders.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Limits applied during sanitization.
const (
	MaxConversationsFloor   = 1
	MaxConversationsDefault = 100
	TitleMaxLen             = 100

	DefaultPort = 8327

	DefaultSyncDebounceMs    = 2000
	DefaultSyncMinIntervalMs = 10000
	DefaultSyncMaxDelayMs    = 60000

	DefaultUpstreamIdleTimeoutSeconds = 300
)

// UpstreamTransport selects how the relay consumes the backend stream.
type UpstreamTransport string

const (
	TransportSSE       UpstreamTransport = "sse"
	TransportWebSocket UpstreamTransport = "websocket"
)

// StoreBackend selects where conversation snapshots are persisted.
type StoreBackend string

const (
	StoreBackendFile     StoreBackend = "file"
	StoreBackendObject   StoreBackend = "object"
	StoreBackendPostgres StoreBackend = "postgres"
	StoreBackendGit      StoreBackend = "git"
)

// Config is the root configuration for llm-relay.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile redirects logs to a rotating file instead of stderr.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// RequestLog enables the JSONL per-request log.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// AuthDir holds upstream session credential files.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// APIKeys are the inbound client keys. Empty plus DisableAuth=false
	// means the server refuses to start.
	APIKeys []string `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// DisableAuth allows unauthenticated access (local use only).
	DisableAuth bool `yaml:"disable-auth" json:"disable-auth"`

	// ProxyURL routes upstream traffic through an HTTP/HTTPS/SOCKS5 proxy.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// RequestRetry is the max connect-level retry count for upstream calls.
	RequestRetry int `yaml:"request-retry" json:"request-retry"`

	// MaxRetryInterval caps the retry backoff, in seconds.
	MaxRetryInterval int `yaml:"max-retry-interval" json:"max-retry-interval"`

	// RateLimit throttles inbound requests per client key.
	RateLimit RateLimitConfig `yaml:"rate-limit" json:"rate-limit"`

	// Upstream describes the single conversational backend.
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Store bounds the in-memory conversation cache and selects the
	// persistence backend.
	Store StoreConfig `yaml:"store" json:"store"`

	// Sync tunes the background persistence scheduler.
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Usage configures the usage accounting sink.
	Usage UsageConfig `yaml:"usage" json:"usage"`

	// Models maps client-visible model ids to upstream model names.
	Models []ModelAlias `yaml:"models,omitempty" json:"models,omitempty"`

	// Management gates the /v0/management API.
	Management ManagementConfig `yaml:"management" json:"management"`
}

// RateLimitConfig throttles inbound requests (x/time/rate token bucket).
type RateLimitConfig struct {
	// RPS is the sustained requests per second per client key. 0 disables.
	RPS float64 `yaml:"rps" json:"rps"`

	// Burst is the bucket size. Defaults to max(1, ceil(RPS)).
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// UpstreamConfig describes the backend the relay fronts.
type UpstreamConfig struct {
	// BaseURL is the backend endpoint, e.g. https://backend.example.com.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// Transport selects sse (HTTP POST + SSE body) or websocket.
	Transport UpstreamTransport `yaml:"transport" json:"transport"`

	// IdleTimeoutSeconds closes a stream that stops sending. 0 uses the
	// default; negative disables the watchdog.
	IdleTimeoutSeconds int `yaml:"idle-timeout-seconds" json:"idle-timeout-seconds"`

	// Headers adds custom HTTP headers to upstream requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// OAuth configures the login flow and token refresh for upstream
	// sessions.
	OAuth OAuthConfig `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// OAuthConfig holds the client id and endpoints for upstream session
// auth. Empty URLs are derived from the upstream base URL.
type OAuthConfig struct {
	ClientID     string `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	AuthorizeURL string `yaml:"authorize-url,omitempty" json:"authorize-url,omitempty"`
	TokenURL     string `yaml:"token-url,omitempty" json:"token-url,omitempty"`
}

// StoreConfig bounds the conversation cache and selects persistence.
type StoreConfig struct {
	// MaxConversations is the strict capacity of the in-memory cache.
	MaxConversations int `yaml:"max-conversations" json:"max-conversations"`

	// Backend selects file, object, postgres, or git persistence.
	Backend StoreBackend `yaml:"backend" json:"backend"`

	// Dir is the snapshot directory for the file and git backends.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Object configures the S3-compatible backend.
	Object ObjectStoreConfig `yaml:"object,omitempty" json:"object,omitempty"`

	// Postgres configures the postgres backend.
	Postgres PostgresStoreConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`

	// Git configures the git backend.
	Git GitStoreConfig `yaml:"git,omitempty" json:"git,omitempty"`
}

// ObjectStoreConfig holds S3-compatible object storage settings.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access-key,omitempty" json:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty" json:"secret-key,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	UseSSL    *bool  `yaml:"use-ssl,omitempty" json:"use-ssl,omitempty"`
}

// PostgresStoreConfig holds postgres persistence settings.
type PostgresStoreConfig struct {
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// GitStoreConfig holds git persistence settings.
type GitStoreConfig struct {
	// RemoteURL is optional; without it commits stay local.
	RemoteURL   string `yaml:"remote-url,omitempty" json:"remote-url,omitempty"`
	AuthorName  string `yaml:"author-name,omitempty" json:"author-name,omitempty"`
	AuthorEmail string `yaml:"author-email,omitempty" json:"author-email,omitempty"`
}

// SyncConfig tunes the AutoSync scheduler, all values in milliseconds.
type SyncConfig struct {
	DebounceMs    int `yaml:"debounce-ms" json:"debounce-ms"`
	MinIntervalMs int `yaml:"min-interval-ms" json:"min-interval-ms"`
	MaxDelayMs    int `yaml:"max-delay-ms" json:"max-delay-ms"`
}

// UsageConfig configures usage accounting.
type UsageConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// DSN selects the persistent sink: a sqlite file path or
	// "postgres://...". Empty keeps in-memory counters only.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// RetentionDays prunes old usage rows. 0 = keep forever.
	RetentionDays int `yaml:"retention-days" json:"retention-days"`
}

// ModelAlias maps a client-visible model id to an upstream model name.
type ModelAlias struct {
	// ID is the model id clients send.
	ID string `yaml:"id" json:"id"`

	// UpstreamName is the name sent to the backend. Defaults to ID.
	UpstreamName string `yaml:"upstream-name,omitempty" json:"upstream-name,omitempty"`
}

// ManagementConfig gates the management API.
type ManagementConfig struct {
	// SecretKey authenticates management calls. Empty disables the routes.
	SecretKey string `yaml:"secret-key,omitempty" json:"secret-key,omitempty"`
}

// UsageEnabled returns whether usage accounting is on (default: true).
func (c *UsageConfig) UsageEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

const (
	// DefaultOAuthClientID is used when config names no client id.
	DefaultOAuthClientID = "llm-relay"

	oauthAuthorizePath = "/v1/oauth/authorize"
	oauthTokenPath     = "/v1/oauth/token"
)

// DSNTarget is a parsed storage DSN.
type DSNTarget struct {
	// Backend is "sqlite" or "postgres".
	Backend string
	// URL is the full connection string for postgres.
	URL string
	// Path is the database file path for sqlite.
	Path string
}

// ParseDSN interprets a storage DSN. postgres:// and postgresql://
// select postgres; sqlite:// and bare file paths select sqlite. An
// empty DSN returns nil so callers can apply their own default.
func ParseDSN(dsn string) (*DSNTarget, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return &DSNTarget{Backend: "postgres", URL: dsn}, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, &ValidationError{Field: "dsn", Message: "sqlite DSN needs a file path"}
		}
		return &DSNTarget{Backend: "sqlite", Path: path}, nil
	default:
		return &DSNTarget{Backend: "sqlite", Path: dsn}, nil
	}
}

// OAuthClientID returns the configured OAuth client id or the default.
func (cfg *Config) OAuthClientID() string {
	if cfg.Upstream.OAuth.ClientID != "" {
		return cfg.Upstream.OAuth.ClientID
	}
	return DefaultOAuthClientID
}

// OAuthAuthorizeURL returns the authorization endpoint for the login
// flow, derived from the upstream base URL when not set explicitly.
func (cfg *Config) OAuthAuthorizeURL() string {
	if cfg.Upstream.OAuth.AuthorizeURL != "" {
		return cfg.Upstream.OAuth.AuthorizeURL
	}
	if cfg.Upstream.BaseURL == "" {
		return ""
	}
	return cfg.Upstream.BaseURL + oauthAuthorizePath
}

// OAuthTokenURL returns the token endpoint used for refresh grants,
// derived from the upstream base URL when not set explicitly.
func (cfg *Config) OAuthTokenURL() string {
	if cfg.Upstream.OAuth.TokenURL != "" {
		return cfg.Upstream.OAuth.TokenURL
	}
	if cfg.Upstream.BaseURL == "" {
		return ""
	}
	return cfg.Upstream.BaseURL + oauthTokenPath
}

// UpstreamModelFor resolves a client model id to the upstream model name.
// Unknown ids resolve to themselves.
func (cfg *Config) UpstreamModelFor(id string) string {
	for _, m := range cfg.Models {
		if m.ID == id {
			if m.UpstreamName != "" {
				return m.UpstreamName
			}
			return m.ID
		}
	}
	return id
}

// NewDefaultConfig returns a Config with all defaults applied.
func NewDefaultConfig() *Config {
	return &Config{
		Port:             DefaultPort,
		AuthDir:          "$XDG_CONFIG_HOME/llm-relay/auth",
		RequestRetry:     3,
		MaxRetryInterval: 30,
		Upstream: UpstreamConfig{
			Transport:          TransportSSE,
			IdleTimeoutSeconds: DefaultUpstreamIdleTimeoutSeconds,
		},
		Store: StoreConfig{
			MaxConversations: MaxConversationsDefault,
			Backend:          StoreBackendFile,
		},
		Sync: SyncConfig{
			DebounceMs:    DefaultSyncDebounceMs,
			MinIntervalMs: DefaultSyncMinIntervalMs,
			MaxDelayMs:    DefaultSyncMaxDelayMs,
		},
		Usage: UsageConfig{
			RetentionDays: 30,
		},
	}
}

// LoadConfig reads, parses, sanitizes, and validates a config file.
// YAML is the native format; JSON and HuJSON (JWCC) are accepted too.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file
// when optional is true, returning (nil, nil) so the caller can fall back
// to defaults.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		if optional && os.IsNotExist(underlyingPathError(err)) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

func underlyingPathError(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		break
	}
	return err
}

// ParseConfig parses config bytes in YAML, JSON, or HuJSON form.
func ParseConfig(data []byte) (*Config, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		// JSON / HuJSON: standardize comments and trailing commas away,
		// then let the YAML parser (a JSON superset) take it.
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		data = std
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sanitize normalizes fields and clamps out-of-range values in place.
func (cfg *Config) Sanitize() {
	cfg.AuthDir = strings.TrimSpace(cfg.AuthDir)
	cfg.ProxyURL = strings.TrimSpace(cfg.ProxyURL)
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	cfg.Upstream.OAuth.ClientID = strings.TrimSpace(cfg.Upstream.OAuth.ClientID)
	cfg.Upstream.OAuth.AuthorizeURL = strings.TrimSpace(cfg.Upstream.OAuth.AuthorizeURL)
	cfg.Upstream.OAuth.TokenURL = strings.TrimSpace(cfg.Upstream.OAuth.TokenURL)
	cfg.Management.SecretKey = strings.TrimSpace(cfg.Management.SecretKey)

	keys := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if t := strings.TrimSpace(k); t != "" {
			keys = append(keys, t)
		}
	}
	cfg.APIKeys = keys

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	if cfg.RequestRetry < 0 {
		cfg.RequestRetry = 0
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30
	}

	switch cfg.Upstream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		cfg.Upstream.Transport = TransportSSE
	}
	if cfg.Upstream.IdleTimeoutSeconds == 0 {
		cfg.Upstream.IdleTimeoutSeconds = DefaultUpstreamIdleTimeoutSeconds
	}

	if cfg.Store.MaxConversations < MaxConversationsFloor {
		cfg.Store.MaxConversations = MaxConversationsDefault
	}
	switch cfg.Store.Backend {
	case StoreBackendFile, StoreBackendObject, StoreBackendPostgres, StoreBackendGit:
	default:
		cfg.Store.Backend = StoreBackendFile
	}

	// Sync timing discipline: debounce never exceeds max delay, min
	// interval never exceeds max delay. A zero max delay would make the
	// ceiling meaningless.
	if cfg.Sync.DebounceMs <= 0 {
		cfg.Sync.DebounceMs = DefaultSyncDebounceMs
	}
	if cfg.Sync.MinIntervalMs <= 0 {
		cfg.Sync.MinIntervalMs = DefaultSyncMinIntervalMs
	}
	if cfg.Sync.MaxDelayMs <= 0 {
		cfg.Sync.MaxDelayMs = DefaultSyncMaxDelayMs
	}
	if cfg.Sync.MaxDelayMs < cfg.Sync.DebounceMs {
		cfg.Sync.MaxDelayMs = cfg.Sync.DebounceMs
	}

	if cfg.RateLimit.RPS < 0 {
		cfg.RateLimit.RPS = 0
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RPS) + 1
	}

	if cfg.Usage.RetentionDays < 0 {
		cfg.Usage.RetentionDays = 0
	}

	models := make([]ModelAlias, 0, len(cfg.Models))
	seen := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		m.ID = strings.TrimSpace(m.ID)
		m.UpstreamName = strings.TrimSpace(m.UpstreamName)
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		models = append(models, m)
	}
	cfg.Models = models
}

// Validate checks the invariants Sanitize cannot repair.
func (cfg *Config) Validate() error {
	if cfg.Upstream.BaseURL == "" && cfg.Upstream.Transport == TransportSSE {
		return &ValidationError{Field: "upstream.base-url", Message: "base-url is required"}
	}
	if cfg.Upstream.Transport == TransportWebSocket && cfg.Upstream.BaseURL == "" {
		return &ValidationError{Field: "upstream.base-url", Message: "base-url is required for websocket transport"}
	}
	if cfg.Store.Backend == StoreBackendObject && cfg.Store.Object.Bucket == "" {
		return &ValidationError{Field: "store.object.bucket", Message: "bucket is required for the object backend"}
	}
	if cfg.Store.Backend == StoreBackendPostgres && cfg.Store.Postgres.DSN == "" {
		return &ValidationError{Field: "store.postgres.dsn", Message: "dsn is required for the postgres backend"}
	}
	return nil
}

// ValidationError describes a single invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// GenerateDefaultConfigYAML renders the commented starter config written on
// first run.
func GenerateDefaultConfigYAML() []byte {
	return []byte(`# llm-relay configuration
port: 8327
debug: false
logging-to-file: false

# Inbound client API keys. Leave empty and set disable-auth: true for
# unauthenticated local use.
api-keys: []
disable-auth: true

auth-dir: "$XDG_CONFIG_HOME/llm-relay/auth"

upstream:
  base-url: "https://backend.example.com"
  # sse or websocket
  transport: sse
  idle-timeout-seconds: 300

store:
  max-conversations: 100
  # file, object, postgres, or git
  backend: file

sync:
  debounce-ms: 2000
  min-interval-ms: 10000
  max-delay-ms: 60000

usage:
  retention-days: 30

# models:
#   - id: relay-1
#     upstream-name: backend-default
`)
}
