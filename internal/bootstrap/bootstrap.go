// Package bootstrap resolves the process environment for CLI commands:
// the config file, environment overrides, and first-run initialization.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/util"
)

// DefaultConfigPath is the unexpanded location of the config file.
const DefaultConfigPath = "$XDG_CONFIG_HOME/llm-relay/config.yaml"

// Environment overrides. Values set here win over the config file so
// containerized deployments can run without one.
const (
	EnvConfigPath    = "LLM_RELAY_CONFIG"
	EnvPort          = "LLM_RELAY_PORT"
	EnvAPIKey        = "LLM_RELAY_API_KEY"
	EnvManagementKey = "LLM_RELAY_MANAGEMENT_KEY"
	EnvUpstreamURL   = "LLM_RELAY_UPSTREAM_URL"
	EnvAuthDir       = "LLM_RELAY_AUTH_DIR"
)

// Result is what a command needs to start working.
type Result struct {
	Config         *config.Config
	ConfigFilePath string
}

// Bootstrap loads .env if present, resolves the config path, loads the
// config file when it exists, and applies environment overrides. A
// missing config file is not an error; defaults apply.
func Bootstrap(configPath string) (*Result, error) {
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	configPath = util.ExpandPath(configPath)

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		log.Debugf("no config file at %s, using defaults", configPath)
		cfg = config.NewDefaultConfig()
	}

	applyEnvOverrides(cfg)
	cfg.AuthDir = util.ExpandPath(cfg.AuthDir)
	if cfg.Store.Dir != "" {
		cfg.Store.Dir = util.ExpandPath(cfg.Store.Dir)
	}

	return &Result{Config: cfg, ConfigFilePath: configPath}, nil
}

func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.APIKeys = appendUnique(cfg.APIKeys, v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvManagementKey)); v != "" {
		cfg.Management.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUpstreamURL)); v != "" {
		cfg.Upstream.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuthDir)); v != "" {
		cfg.AuthDir = v
	}
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

// InitConfig writes the starter config file and mints a management
// secret. An existing file is left alone unless force is set, in which
// case only the reported secret is regenerated (by rewriting the file).
// Returns the resolved file path and the minted secret.
func InitConfig(configPath string, force bool) (string, string, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	configPath = util.ExpandPath(configPath)

	if _, err := os.Stat(configPath); err == nil && !force {
		return "", "", fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return "", "", fmt.Errorf("create config directory: %w", err)
	}

	secret := newManagementSecret()
	data := config.GenerateDefaultConfigYAML()
	data = append(data, []byte(fmt.Sprintf("\nmanagement:\n  secret-key: %q\n", secret))...)

	// Validate what we are about to write; a broken template should fail
	// here, not at serve time.
	if _, err := config.ParseConfig(data); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return "", "", fmt.Errorf("write config: %w", err)
	}
	return configPath, secret, nil
}

func newManagementSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
