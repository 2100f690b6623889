package management

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
)

// GetConfig returns the active configuration.
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := *h.config()
	respondOK(c, &cfg)
}

// patchableKeys allowlists the PATCH /config paths. Paths address the
// JSON form of the config.
var patchableKeys = map[string]bool{
	"debug":                         true,
	"logging-to-file":               true,
	"request-log":                   true,
	"request-retry":                 true,
	"max-retry-interval":            true,
	"rate-limit.rps":                true,
	"rate-limit.burst":              true,
	"upstream.idle-timeout-seconds": true,
	"store.max-conversations":       true,
	"sync.debounce-ms":              true,
	"sync.min-interval-ms":          true,
	"sync.max-delay-ms":             true,
	"usage.retention-days":          true,
}

// PatchConfig applies a JSON object of path -> value pairs to the active
// config, validates the result as a whole, installs it, and persists it.
func (h *Handler) PatchConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		respondBadRequest(c, "cannot read request body")
		return
	}
	patch := gjson.ParseBytes(body)
	if !patch.IsObject() {
		respondBadRequest(c, "body must be a JSON object of config paths")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	base, err := json.Marshal(h.config())
	if err != nil {
		respondInternalError(c, err.Error())
		return
	}

	var changed []string
	var patchErr error
	patch.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if !patchableKeys[path] {
			patchErr = fmt.Errorf("path %q is not patchable", path)
			return false
		}
		base, patchErr = sjson.SetRawBytes(base, path, []byte(value.Raw))
		if patchErr != nil {
			return false
		}
		changed = append(changed, path)
		return true
	})
	if patchErr != nil {
		respondBadRequest(c, patchErr.Error())
		return
	}
	if len(changed) == 0 {
		respondBadRequest(c, "no config paths in body")
		return
	}

	next, err := config.ParseConfig(base)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, ErrCodeInvalidConfig, err.Error())
		return
	}
	h.install(next)
	if err := h.persistLocked(next); err != nil {
		respondError(c, http.StatusInternalServerError, ErrCodeWriteFailed, "failed to save config")
		return
	}
	respondOK(c, gin.H{"status": "ok", "changed": changed})
}

// GetConfigYAML returns the raw config file bytes without re-encoding,
// preserving comments and formatting.
func (h *Handler) GetConfigYAML(c *gin.Context) {
	if h.deps.ConfigPath == "" {
		respondNotFound(c, "no config file in use")
		return
	}
	data, err := os.ReadFile(h.deps.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			respondNotFound(c, "config file not found")
			return
		}
		respondInternalError(c, err.Error())
		return
	}
	c.Header("Content-Type", "application/yaml; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	_, _ = c.Writer.Write(data)
}

// PutConfigYAML replaces the whole config file. The body is validated
// before anything is installed or written, and is persisted byte-for-byte
// so comments survive.
func (h *Handler) PutConfigYAML(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		respondBadRequest(c, "cannot read request body")
		return
	}
	next, err := config.ParseConfig(body)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, ErrCodeInvalidConfig, err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.install(next)
	if h.deps.ConfigPath != "" {
		if err := writeConfigFile(h.deps.ConfigPath, body); err != nil {
			respondError(c, http.StatusInternalServerError, ErrCodeWriteFailed, "failed to write config")
			return
		}
	}
	respondOK(c, gin.H{"ok": true, "changed": []string{"config"}})
}

func (h *Handler) GetDebug(c *gin.Context) {
	respondOK(c, gin.H{"debug": h.config().Debug})
}

func (h *Handler) PutDebug(c *gin.Context) {
	value, ok := h.bindBoolValue(c)
	if !ok {
		return
	}
	if !h.updateConfig(c, func(cfg *config.Config) { cfg.Debug = value }) {
		return
	}
	respondOK(c, gin.H{"debug": h.config().Debug})
}

func (h *Handler) GetLoggingToFile(c *gin.Context) {
	respondOK(c, gin.H{"logging-to-file": h.config().LoggingToFile})
}

func (h *Handler) PutLoggingToFile(c *gin.Context) {
	value, ok := h.bindBoolValue(c)
	if !ok {
		return
	}
	if !h.updateConfig(c, func(cfg *config.Config) { cfg.LoggingToFile = value }) {
		return
	}
	respondOK(c, gin.H{"logging-to-file": h.config().LoggingToFile})
}

func (h *Handler) GetRequestLog(c *gin.Context) {
	respondOK(c, gin.H{"request-log": h.config().RequestLog})
}

func (h *Handler) PutRequestLog(c *gin.Context) {
	value, ok := h.bindBoolValue(c)
	if !ok {
		return
	}
	if !h.updateConfig(c, func(cfg *config.Config) { cfg.RequestLog = value }) {
		return
	}
	respondOK(c, gin.H{"request-log": h.config().RequestLog})
}

// GetModels returns the configured model aliases. The client-visible
// catalog lives on /v1/models; this is the editable config view.
func (h *Handler) GetModels(c *gin.Context) {
	respondOK(c, gin.H{"models": h.config().Models})
}

// PutModels replaces the model alias list. Accepts a bare array or an
// {"items": [...]} wrapper.
func (h *Handler) PutModels(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		respondBadRequest(c, "failed to read body")
		return
	}
	var aliases []config.ModelAlias
	if err = json.Unmarshal(data, &aliases); err != nil {
		var obj struct {
			Items []config.ModelAlias `json:"items"`
		}
		if err2 := json.Unmarshal(data, &obj); err2 != nil {
			respondBadRequest(c, "invalid body")
			return
		}
		aliases = obj.Items
	}
	if !h.updateConfig(c, func(cfg *config.Config) { cfg.Models = aliases }) {
		return
	}
	respondOK(c, gin.H{"models": h.config().Models})
}

func (h *Handler) GetRequestRetry(c *gin.Context) {
	respondOK(c, gin.H{"request-retry": h.config().RequestRetry})
}

func (h *Handler) PutRequestRetry(c *gin.Context) {
	value, ok := h.bindIntValue(c)
	if !ok {
		return
	}
	if !h.updateConfig(c, func(cfg *config.Config) { cfg.RequestRetry = value }) {
		return
	}
	respondOK(c, gin.H{"request-retry": h.config().RequestRetry})
}

func (h *Handler) GetMaxRetryInterval(c *gin.Context) {
	respondOK(c, gin.H{"max-retry-interval": h.config().MaxRetryInterval})
}

func (h *Handler) PutMaxRetryInterval(c *gin.Context) {
	value, ok := h.bindIntValue(c)
	if !ok {
		return
	}
	if !h.updateConfig(c, func(cfg *config.Config) { cfg.MaxRetryInterval = value }) {
		return
	}
	respondOK(c, gin.H{"max-retry-interval": h.config().MaxRetryInterval})
}
