// Package service assembles the relay's components and runs them as one
// unit: session pool, upstream client, translator, conversation store,
// sync scheduler, usage tracker, config watcher, and the HTTP server.
package service

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nghyane/llm-relay/internal/api"
	"github.com/nghyane/llm-relay/internal/auth"
	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/registry"
	"github.com/nghyane/llm-relay/internal/relay"
	"github.com/nghyane/llm-relay/internal/store"
	"github.com/nghyane/llm-relay/internal/upstream"
	"github.com/nghyane/llm-relay/internal/usage"
)

const (
	usageFlushInterval = 5 * time.Second
	usageBatchSize     = 100
)

// Service owns the assembled component graph.
type Service struct {
	cfg        *config.Config
	configPath string

	pool          *auth.Pool
	conversations *store.Conversations
	syncMgr       *store.SyncManager
	scheduler     *store.Scheduler
	tracker       *usage.Tracker
	usageBackend  usage.Backend
	server        *api.Server
}

// New wires every component from cfg. Nothing is started yet; Run does
// that.
func New(ctx context.Context, cfg *config.Config, configPath string) (*Service, error) {
	pool, err := auth.NewPool(auth.PoolConfig{
		Dir:      cfg.AuthDir,
		TokenURL: cfg.OAuthTokenURL(),
		ClientID: cfg.OAuthClientID(),
	})
	if err != nil {
		return nil, err
	}

	client, err := upstream.NewClient(cfg, pool)
	if err != nil {
		return nil, err
	}
	translator := relay.NewTranslator(client)

	backend, err := store.NewBackend(ctx, cfg, defaultDataDir(configPath))
	if err != nil {
		return nil, err
	}
	syncMgr := store.NewSyncManager(backend)
	conversations := store.NewConversations(cfg.Store.MaxConversations, syncMgr.HandleEvicted)
	syncMgr.Bind(conversations)
	scheduler := store.NewScheduler(syncMgr, cfg.Sync)

	var usageBackend usage.Backend
	if cfg.Usage.UsageEnabled() && cfg.Usage.DSN != "" {
		usageBackend, err = usage.NewBackend(usage.BackendConfig{
			DSN:           cfg.Usage.DSN,
			BatchSize:     usageBatchSize,
			FlushInterval: usageFlushInterval,
			RetentionDays: cfg.Usage.RetentionDays,
		})
		if err != nil {
			log.WithError(err).Warn("usage backend unavailable, keeping in-memory counters only")
			usageBackend = nil
		}
	}
	tracker := usage.NewTracker(usageBackend)
	tracker.SetEnabled(cfg.Usage.UsageEnabled())

	reg := registry.New()
	reg.Load(cfg.Models)

	logDir := filepath.Dir(configPath)
	server := api.New(api.Options{
		Config:        cfg,
		ConfigPath:    configPath,
		Registry:      reg,
		Serializer:    queue.New(),
		Conversations: conversations,
		Scheduler:     scheduler,
		Translator:    translator,
		Sessions:      pool,
		Tracker:       tracker,
		RequestLogger: log.NewFileRequestLogger(logDir),
	})

	return &Service{
		cfg:           cfg,
		configPath:    configPath,
		pool:          pool,
		conversations: conversations,
		syncMgr:       syncMgr,
		scheduler:     scheduler,
		tracker:       tracker,
		usageBackend:  usageBackend,
		server:        server,
	}, nil
}

// Run starts everything, restores persisted state, and serves until ctx
// ends or a signal arrives. Shutdown order: HTTP server first, then one
// final sync, then the background workers.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.usageBackend != nil {
		if err := s.usageBackend.Start(); err != nil {
			log.WithError(err).Warn("usage backend failed to start")
		} else {
			s.tracker.Bootstrap(ctx)
		}
	}

	if n, err := s.syncMgr.Restore(ctx); err != nil {
		log.WithError(err).Warn("could not restore conversations")
	} else if n > 0 {
		log.Infof("restored %d conversations from %s store", n, s.syncMgr.BackendName())
	}

	s.pool.Start()
	if s.pool.Size() == 0 {
		log.Warn("no upstream sessions found; run 'llm-relay login' first")
	}

	watcher, err := config.NewWatcher(s.configPath, s.server.ApplyConfig)
	if err != nil {
		log.WithError(err).Warn("config watcher unavailable, live reload disabled")
	} else {
		go watcher.Run(ctx)
	}

	err = s.server.Run(ctx)

	s.shutdown()
	return err
}

// shutdown flushes state after the HTTP server has stopped accepting
// requests.
func (s *Service) shutdown() {
	s.scheduler.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if n, errSync := s.syncMgr.Sync(flushCtx); errSync != nil {
		log.WithError(errSync).Warn("final sync failed")
	} else if n > 0 {
		log.Infof("final sync wrote %d conversations", n)
	}
	if err := s.syncMgr.Close(); err != nil {
		log.WithError(err).Warn("store backend close failed")
	}

	if err := s.tracker.Stop(); err != nil {
		log.WithError(err).Warn("usage tracker stop failed")
	}
	s.pool.Stop()
}

// defaultDataDir is where file-backed snapshots live when store.dir is
// not set: a conversations/ directory next to the config file.
func defaultDataDir(configPath string) string {
	if configPath == "" {
		return "conversations"
	}
	return filepath.Join(filepath.Dir(configPath), "conversations")
}
