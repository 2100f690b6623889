// Package api provides the HTTP server fronting the relay: the
// Responses endpoint, the model listing, and the management surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/llm-relay/internal/api/handlers/management"
	"github.com/nghyane/llm-relay/internal/auth"
	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/registry"
	"github.com/nghyane/llm-relay/internal/relay"
	"github.com/nghyane/llm-relay/internal/store"
	"github.com/nghyane/llm-relay/internal/usage"
)

const shutdownTimeout = 10 * time.Second

// Options carries everything the server needs. Config and Registry are
// required; the rest degrade gracefully when nil (mainly for tests).
type Options struct {
	Config     *config.Config
	ConfigPath string

	Registry      *registry.Registry
	Serializer    *queue.Serializer
	Conversations *store.Conversations
	Scheduler     *store.Scheduler
	Translator    *relay.Translator
	Sessions      *auth.Pool
	Tracker       *usage.Tracker

	RequestLogger logging.RequestLogger

	// Middleware is appended after the core middleware chain.
	Middleware []gin.HandlerFunc
}

// Server is the relay's HTTP front. It owns the gin engine and the
// runtime-toggleable pieces of configuration.
type Server struct {
	cfg        *config.Config
	cfgMu      sync.RWMutex
	configPath string

	engine *gin.Engine
	http   *http.Server

	registry      *registry.Registry
	serializer    *queue.Serializer
	conversations *store.Conversations
	scheduler     *store.Scheduler
	translator    *relay.Translator
	sessions      *auth.Pool
	tracker       *usage.Tracker

	requestLogToggle        func(bool)
	managementRoutesEnabled atomic.Bool

	limiters sync.Map // client key -> *clientLimiter

	startedAt time.Time
}

// New builds the server and registers every route. Call Run to serve.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.NewDefaultConfig()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
		opts.Registry.Load(opts.Config.Models)
	}
	if opts.Serializer == nil {
		opts.Serializer = queue.New()
	}
	if opts.Conversations == nil {
		opts.Conversations = store.NewConversations(opts.Config.Store.MaxConversations, nil)
	}
	if !opts.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:           opts.Config,
		configPath:    opts.ConfigPath,
		engine:        gin.New(),
		registry:      opts.Registry,
		serializer:    opts.Serializer,
		conversations: opts.Conversations,
		scheduler:     opts.Scheduler,
		translator:    opts.Translator,
		sessions:      opts.Sessions,
		tracker:       opts.Tracker,
		startedAt:     time.Now(),
	}

	toggle := s.setupMiddleware(opts.RequestLogger, opts.Middleware)
	s.requestLogToggle = toggle
	if toggle != nil {
		toggle(opts.Config.RequestLog)
	}
	s.managementRoutesEnabled.Store(opts.Config.Management.SecretKey != "")

	s.registerRoutes()
	return s
}

// Config returns the active configuration. Treat it as read-only:
// reloads swap the pointer rather than mutating in place.
func (s *Server) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ApplyConfig installs a reloaded configuration and propagates the
// runtime-adjustable settings to the components that consume them.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		logging.WithError(err).Warn("apply config: log output")
	}
	if s.requestLogToggle != nil {
		s.requestLogToggle(cfg.RequestLog)
	}
	s.registry.Load(cfg.Models)
	if s.scheduler != nil {
		s.scheduler.Reconfigure(cfg.Sync)
	}
	if s.tracker != nil {
		s.tracker.SetEnabled(cfg.Usage.UsageEnabled())
	}
	s.managementRoutesEnabled.Store(cfg.Management.SecretKey != "")
}

// Handler exposes the underlying engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.Config().Port)
	srv := &http.Server{Addr: addr, Handler: s.engine}
	s.http = srv

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Infof("API server listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1")
	v1.Use(s.apiKeyAuthMiddleware(), s.rateLimitMiddleware())
	v1.POST("/responses", s.handleResponses)
	v1.GET("/models", s.handleListModels)

	mgmt := s.engine.Group("/v0/management")
	mgmt.Use(s.managementAvailabilityMiddleware(), s.managementAuthMiddleware())
	management.NewHandler(management.Deps{
		ConfigPath:    s.configPath,
		GetConfig:     s.Config,
		ApplyConfig:   s.ApplyConfig,
		Conversations: s.conversations,
		Scheduler:     s.scheduler,
		Serializer:    s.serializer,
		Sessions:      s.sessions,
		Tracker:       s.tracker,
		Registry:      s.registry,
		StartedAt:     s.startedAt,
	}).Register(mgmt)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
