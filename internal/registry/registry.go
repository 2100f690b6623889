// Package registry maps client-visible model ids to upstream model names.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
)

// Model is the model descriptor served by GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`

	// UpstreamName is the name sent to the backend in place of ID.
	UpstreamName string `json:"-"`
}

const modelOwner = "llm-relay"

// registryState is the immutable state snapshot for copy-on-write.
// Never modify a stored state in place; Load builds a fresh one.
type registryState struct {
	models  map[string]*Model
	ordered []string
}

func newRegistryState() *registryState {
	return &registryState{models: make(map[string]*Model)}
}

// Registry resolves client model ids to upstream names. Copy-on-write
// keeps reads lock-free on the request path: readers load the atomic
// pointer and work with the immutable snapshot, writers lock writerMu,
// build a new state, and store it atomically.
type Registry struct {
	state    atomic.Pointer[registryState]
	writerMu sync.Mutex
}

func New() *Registry {
	r := &Registry{}
	r.state.Store(newRegistryState())
	return r
}

func (r *Registry) snapshot() *registryState {
	return r.state.Load()
}

// Load replaces the registered models with the configured aliases. Ids
// that survive a reload keep their original created timestamp so the
// /v1/models listing stays stable across config changes.
func (r *Registry) Load(aliases []config.ModelAlias) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	prev := r.snapshot()
	now := time.Now().Unix()

	newState := newRegistryState()
	for _, alias := range aliases {
		if alias.ID == "" {
			continue
		}
		if _, exists := newState.models[alias.ID]; exists {
			continue
		}
		upstream := alias.UpstreamName
		if upstream == "" {
			upstream = alias.ID
		}
		created := now
		if old, ok := prev.models[alias.ID]; ok {
			created = old.Created
		}
		newState.models[alias.ID] = &Model{
			ID:           alias.ID,
			Object:       "model",
			Created:      created,
			OwnedBy:      modelOwner,
			UpstreamName: upstream,
		}
		newState.ordered = append(newState.ordered, alias.ID)
	}

	r.state.Store(newState)
	log.Debugf("registry: loaded %d models", len(newState.ordered))
}

// Resolve maps a client model id to the upstream model name. Unknown
// ids resolve to themselves so the relay stays transparent for models
// the config does not alias; the second return reports whether the id
// was configured.
func (r *Registry) Resolve(id string) (string, bool) {
	s := r.snapshot()
	if m, ok := s.models[id]; ok {
		return m.UpstreamName, true
	}
	return id, false
}

// Default returns the first configured model id, or "" when no models
// are configured.
func (r *Registry) Default() string {
	s := r.snapshot()
	if len(s.ordered) == 0 {
		return ""
	}
	return s.ordered[0]
}

// List returns the configured models sorted by id.
func (r *Registry) List() []Model {
	s := r.snapshot()
	out := make([]Model, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, *s.models[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	return len(r.snapshot().ordered)
}
