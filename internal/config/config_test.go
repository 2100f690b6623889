package config

import (
	"strings"
	"testing"
)

func TestParseConfigYAML(t *testing.T) {
	data := []byte(`
port: 9000
debug: true
upstream:
  base-url: "https://backend.example.com/"
  transport: sse
store:
  max-conversations: 5
sync:
  debounce-ms: 100
  min-interval-ms: 500
  max-delay-ms: 1000
models:
  - id: relay-1
    upstream-name: backend-default
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Port != 9000 || !cfg.Debug {
		t.Errorf("port/debug = %d/%v", cfg.Port, cfg.Debug)
	}
	if cfg.Upstream.BaseURL != "https://backend.example.com" {
		t.Errorf("base URL not trimmed: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Store.MaxConversations != 5 {
		t.Errorf("max conversations = %d", cfg.Store.MaxConversations)
	}
	if cfg.Sync.DebounceMs != 100 || cfg.Sync.MinIntervalMs != 500 || cfg.Sync.MaxDelayMs != 1000 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if got := cfg.UpstreamModelFor("relay-1"); got != "backend-default" {
		t.Errorf("UpstreamModelFor(relay-1) = %q", got)
	}
	if got := cfg.UpstreamModelFor("unknown"); got != "unknown" {
		t.Errorf("UpstreamModelFor(unknown) = %q", got)
	}
}

func TestParseConfigHuJSON(t *testing.T) {
	data := []byte(`{
  // comments and trailing commas are fine
  "port": 9100,
  "upstream": {"base-url": "https://backend.example.com",},
}`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("port = %d", cfg.Port)
	}
}

func TestSanitizeClampsValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Upstream.BaseURL = "https://b.example.com"
	cfg.Port = -1
	cfg.Store.MaxConversations = 0
	cfg.Sync.DebounceMs = -5
	cfg.Sync.MaxDelayMs = 1 // below debounce after defaulting
	cfg.APIKeys = []string{" k1 ", "", "k2"}
	cfg.Upstream.Transport = "carrier-pigeon"

	cfg.Sanitize()

	if cfg.Port != DefaultPort {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Store.MaxConversations != MaxConversationsDefault {
		t.Errorf("max conversations = %d", cfg.Store.MaxConversations)
	}
	if cfg.Sync.DebounceMs != DefaultSyncDebounceMs {
		t.Errorf("debounce = %d", cfg.Sync.DebounceMs)
	}
	if cfg.Sync.MaxDelayMs < cfg.Sync.DebounceMs {
		t.Errorf("max delay %d below debounce %d", cfg.Sync.MaxDelayMs, cfg.Sync.DebounceMs)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "k1" || cfg.APIKeys[1] != "k2" {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
	if cfg.Upstream.Transport != TransportSSE {
		t.Errorf("transport = %q", cfg.Upstream.Transport)
	}
}

func TestValidateRequiresBaseURL(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sanitize()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for empty base-url")
	}
	if !strings.Contains(err.Error(), "upstream.base-url") {
		t.Errorf("error = %v", err)
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Upstream.BaseURL = "https://b.example.com"
	cfg.Store.Backend = StoreBackendPostgres
	if err := cfg.Validate(); err == nil {
		t.Error("postgres backend without dsn should fail validation")
	}

	cfg.Store.Backend = StoreBackendObject
	if err := cfg.Validate(); err == nil {
		t.Error("object backend without bucket should fail validation")
	}

	cfg.Store.Object.Bucket = "snapshots"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestGenerateDefaultConfigYAMLParses(t *testing.T) {
	cfg, err := ParseConfig(GenerateDefaultConfigYAML())
	if err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Store.Backend != StoreBackendFile {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
}
