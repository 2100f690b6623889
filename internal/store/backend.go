package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
)

// evictFlushTimeout bounds the best-effort write of evicted conversations.
const evictFlushTimeout = 30 * time.Second

// Backend persists conversation snapshots. Writes must be idempotent:
// a failed sync pass leaves the conversations dirty and the same
// snapshots come back on the next pass.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string
	// WriteSnapshots persists the given snapshots.
	WriteSnapshots(ctx context.Context, snaps []Snapshot) error
	// LoadSnapshots returns every previously persisted snapshot.
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)
	// Close releases backend resources.
	Close() error
}

// NewBackend builds the persistence backend selected by cfg. dataDir is
// the resolved default snapshot directory, used for the file and git
// backends when store.dir is not set.
func NewBackend(ctx context.Context, cfg *config.Config, dataDir string) (Backend, error) {
	dir := cfg.Store.Dir
	if dir == "" {
		dir = dataDir
	}
	switch cfg.Store.Backend {
	case config.StoreBackendObject:
		return NewObjectBackend(ctx, cfg.Store.Object, NoopCipher{})
	case config.StoreBackendPostgres:
		return NewPostgresBackend(ctx, cfg.Store.Postgres.DSN)
	case config.StoreBackendGit:
		return NewGitBackend(dir, cfg.Store.Git)
	default:
		return NewFileBackend(dir)
	}
}

// SyncManager bridges the conversation cache and a persistence backend.
// It implements the Syncer contract for the scheduler and supplies the
// store's pre-evict hook.
type SyncManager struct {
	store   *Conversations
	backend Backend
}

// NewSyncManager wraps backend. Bind the store before the first sync;
// the two are constructed in sequence at startup because the store wants
// the manager's hook and the manager wants the store.
func NewSyncManager(backend Backend) *SyncManager {
	return &SyncManager{backend: backend}
}

// BackendName identifies the wrapped backend for logs.
func (m *SyncManager) BackendName() string {
	return m.backend.Name()
}

// Bind attaches the conversation cache.
func (m *SyncManager) Bind(store *Conversations) {
	m.store = store
}

// Sync writes every dirty conversation to the backend and clears the
// dirty flags of the states actually written. Returns the write count.
func (m *SyncManager) Sync(ctx context.Context) (int, error) {
	snaps := m.store.DirtySnapshots()
	if len(snaps) == 0 {
		return 0, nil
	}
	if err := m.backend.WriteSnapshots(ctx, snaps); err != nil {
		return 0, fmt.Errorf("sync %d conversations to %s backend: %w", len(snaps), m.backend.Name(), err)
	}
	m.store.ClearDirty(snaps)
	return len(snaps), nil
}

// HandleEvicted is the store's pre-evict hook: one best-effort write of
// dirty conversations that just left the cache, so eviction never drops
// data no sync pass has seen. By the time it runs the conversations are
// already gone from memory; a failure here only loses what a failure of
// the regular sync would have lost anyway.
func (m *SyncManager) HandleEvicted(snaps []Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), evictFlushTimeout)
	defer cancel()
	if err := m.backend.WriteSnapshots(ctx, snaps); err != nil {
		log.WithError(err).Warnf("Failed to persist %d evicted conversations", len(snaps))
		return
	}
	log.Debugf("Persisted %d evicted conversations", len(snaps))
}

// Restore loads all persisted snapshots into the cache. Called once at
// startup, before traffic.
func (m *SyncManager) Restore(ctx context.Context) (int, error) {
	snaps, err := m.backend.LoadSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore from %s backend: %w", m.backend.Name(), err)
	}
	m.store.Restore(snaps)
	return len(snaps), nil
}

// Close releases the backend.
func (m *SyncManager) Close() error {
	return m.backend.Close()
}
