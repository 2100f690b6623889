// Package management implements the token-gated management surface:
// runtime status, live config editing, conversation inspection, manual
// sync, and usage statistics.
package management

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/nghyane/llm-relay/internal/auth"
	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/registry"
	"github.com/nghyane/llm-relay/internal/store"
	"github.com/nghyane/llm-relay/internal/usage"
)

// Error codes returned in management error payloads.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidConfig  = "invalid_config"
	ErrCodeNotFound       = "not_found"
	ErrCodeWriteFailed    = "write_failed"
	ErrCodeSyncFailed     = "sync_failed"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternalError  = "internal_error"
)

// maxBodySize limits management request bodies.
const maxBodySize = 10 * 1024 * 1024

// Deps wires the handler to the running server. GetConfig returns the
// active config snapshot; ApplyConfig installs a replacement and
// propagates it to the components that consume it. Any nil component is
// tolerated and reported as absent.
type Deps struct {
	ConfigPath    string
	GetConfig     func() *config.Config
	ApplyConfig   func(*config.Config)
	Conversations *store.Conversations
	Scheduler     *store.Scheduler
	Serializer    *queue.Serializer
	Sessions      *auth.Pool
	Tracker       *usage.Tracker
	Registry      *registry.Registry
	StartedAt     time.Time
}

// Handler serves the management endpoints.
type Handler struct {
	deps Deps

	// mu serializes config mutation and the config file write behind it.
	mu sync.Mutex
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Register wires the management routes onto an already-gated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/status", h.GetStatus)

	g.GET("/config", h.GetConfig)
	g.PATCH("/config", h.PatchConfig)
	g.GET("/config.yaml", h.GetConfigYAML)
	g.PUT("/config.yaml", h.PutConfigYAML)

	g.GET("/debug", h.GetDebug)
	g.PUT("/debug", h.PutDebug)
	g.GET("/logging-to-file", h.GetLoggingToFile)
	g.PUT("/logging-to-file", h.PutLoggingToFile)
	g.GET("/request-log", h.GetRequestLog)
	g.PUT("/request-log", h.PutRequestLog)
	g.GET("/request-retry", h.GetRequestRetry)
	g.PUT("/request-retry", h.PutRequestRetry)
	g.GET("/max-retry-interval", h.GetMaxRetryInterval)
	g.PUT("/max-retry-interval", h.PutMaxRetryInterval)

	g.GET("/models", h.GetModels)
	g.PUT("/models", h.PutModels)

	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:id", h.GetConversation)

	g.POST("/sync", h.TriggerSync)
	g.GET("/sessions", h.GetSessions)
	g.GET("/usage", h.GetUsage)
}

func (h *Handler) config() *config.Config {
	if h.deps.GetConfig == nil {
		return config.NewDefaultConfig()
	}
	return h.deps.GetConfig()
}

// updateConfig applies mutate to a copy of the active config, validates
// the result, installs it live, and persists it. Intended for scalar
// knobs and wholesale slice replacement; the copy is shallow.
func (h *Handler) updateConfig(c *gin.Context, mutate func(*config.Config)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := *h.config()
	mutate(&next)
	next.Sanitize()
	if err := next.Validate(); err != nil {
		respondError(c, http.StatusUnprocessableEntity, ErrCodeInvalidConfig, err.Error())
		return false
	}
	h.install(&next)
	if err := h.persistLocked(&next); err != nil {
		respondError(c, http.StatusInternalServerError, ErrCodeWriteFailed, "failed to save config")
		return false
	}
	return true
}

func (h *Handler) install(cfg *config.Config) {
	if h.deps.ApplyConfig != nil {
		h.deps.ApplyConfig(cfg)
	}
}

// persistLocked writes cfg to the config file. A handler without a
// config path applies changes in memory only.
func (h *Handler) persistLocked(cfg *config.Config) error {
	if h.deps.ConfigPath == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeConfigFile(h.deps.ConfigPath, data)
}

func writeConfigFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, errWrite := f.Write(data); errWrite != nil {
		_ = f.Close()
		return errWrite
	}
	if errSync := f.Sync(); errSync != nil {
		_ = f.Close()
		return errSync
	}
	return f.Close()
}

func (h *Handler) bindBoolValue(c *gin.Context) (bool, bool) {
	var body struct {
		Value *bool `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Value == nil {
		respondBadRequest(c, "missing or invalid value")
		return false, false
	}
	return *body.Value, true
}

func (h *Handler) bindIntValue(c *gin.Context) (int, bool) {
	var body struct {
		Value *int `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Value == nil {
		respondBadRequest(c, "missing or invalid value")
		return 0, false
	}
	return *body.Value, true
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, message)
}

func respondNotFound(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, ErrCodeNotFound, message)
}

func respondInternalError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}
