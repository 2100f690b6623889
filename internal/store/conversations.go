// Package store holds the bounded in-memory conversation cache and the
// persistence machinery that syncs it to a configurable backend.
package store

import (
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/translator/ir"
)

// Snapshot is a point-in-time copy of one conversation, safe to read and
// serialize outside the store lock.
type Snapshot struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Turns     []ir.Turn `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Rev records the mutation count at snapshot time. ClearDirty uses it
	// to skip conversations that changed again while a sync was in flight.
	Rev int64 `json:"-"`
}

// conversation is the mutable record behind one conversation id. Only the
// store itself touches it, always under the store lock.
type conversation struct {
	id             string
	title          string
	turns          []ir.Turn
	createdAt      time.Time
	updatedAt      time.Time
	lastAccessedAt time.Time
	dirty          bool
	rev            int64
}

func (c *conversation) snapshot() Snapshot {
	return Snapshot{
		ID:        c.id,
		Title:     c.title,
		Turns:     append([]ir.Turn(nil), c.turns...),
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
		Rev:       c.rev,
	}
}

// Conversations is a bounded, eviction-ordered cache of conversation turn
// histories. Conversations are created on first reference to an unseen id
// and leave only through eviction. All methods are safe for concurrent use.
type Conversations struct {
	mu       sync.RWMutex
	byID     map[string]*conversation
	max      int
	preEvict func([]Snapshot)
}

// NewConversations returns a cache holding at most max conversations.
//
// preEvict, if non-nil, receives snapshots of dirty conversations that are
// about to be dropped, so the caller can attempt one sync pass before the
// data is gone. It runs outside the store lock and may block; by the time
// it runs the conversations are already out of the cache.
func NewConversations(max int, preEvict func([]Snapshot)) *Conversations {
	if max < config.MaxConversationsFloor {
		max = config.MaxConversationsDefault
	}
	return &Conversations{
		byID:     make(map[string]*conversation, max),
		max:      max,
		preEvict: preEvict,
	}
}

// AppendMessages appends turns to the conversation, creating it if the id
// is unseen. A turn matching the current tail (same role and same content)
// is dropped instead of re-appended, so a retried client request cannot
// duplicate a turn the store already holds. Returns the number of turns
// actually appended.
func (s *Conversations) AppendMessages(id string, turns []ir.Turn) int {
	now := time.Now()
	var evicted []Snapshot

	s.mu.Lock()
	c := s.getOrCreateLocked(id, now)
	appended := 0
	for _, t := range turns {
		if n := len(c.turns); n > 0 {
			tail := c.turns[n-1]
			if tail.Role == t.Role && tail.Content == t.Content {
				continue
			}
		}
		c.turns = append(c.turns, t)
		appended++
	}
	c.lastAccessedAt = now
	if appended > 0 {
		c.updatedAt = now
		c.dirty = true
		c.rev++
	}
	evicted = s.evictLocked(id)
	s.mu.Unlock()

	s.fireEvictHook(evicted)
	return appended
}

// Turns returns a copy of the conversation's ordered turn history, or nil
// for an unknown id.
func (s *Conversations) Turns(id string) []ir.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil
	}
	return append([]ir.Turn(nil), c.turns...)
}

// SetTitle sets the conversation title, creating the conversation if the
// id is unseen. Titles longer than the configured maximum are truncated,
// not rejected.
func (s *Conversations) SetTitle(id, title string) {
	if r := []rune(title); len(r) > config.TitleMaxLen {
		title = string(r[:config.TitleMaxLen])
	}

	now := time.Now()
	var evicted []Snapshot

	s.mu.Lock()
	c := s.getOrCreateLocked(id, now)
	if c.title != title {
		c.title = title
		c.updatedAt = now
		c.dirty = true
		c.rev++
	}
	c.lastAccessedAt = now
	evicted = s.evictLocked(id)
	s.mu.Unlock()

	s.fireEvictHook(evicted)
}

// Title returns the conversation title, or "" for an unknown id.
func (s *Conversations) Title(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.byID[id]; ok {
		return c.title
	}
	return ""
}

// MarkDirty flags an existing conversation for the next sync pass.
// Unknown ids are ignored: an id never mutated has nothing to persist.
func (s *Conversations) MarkDirty(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return
	}
	c.dirty = true
	c.rev++
	c.lastAccessedAt = time.Now()
}

// IsDirty reports whether the conversation has changes a sync pass has not
// yet persisted. Unknown ids report false.
func (s *Conversations) IsDirty(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return ok && c.dirty
}

// EvictIfNeeded drops conversations until the cache is back under its
// configured maximum and returns how many were dropped. Clean conversations
// go first, oldest access time first; only when every conversation is dirty
// is the globally oldest dropped, and its snapshot is handed to the
// pre-evict hook so one sync pass can be attempted on the data.
func (s *Conversations) EvictIfNeeded() int {
	s.mu.Lock()
	before := len(s.byID)
	evicted := s.evictLocked("")
	n := before - len(s.byID)
	s.mu.Unlock()

	s.fireEvictHook(evicted)
	return n
}

// Len returns the number of conversations currently cached.
func (s *Conversations) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// DirtyCount returns how many conversations await a sync pass.
func (s *Conversations) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.byID {
		if c.dirty {
			n++
		}
	}
	return n
}

// DirtySnapshots returns copies of every dirty conversation, in no
// particular order. Pass the same slice to ClearDirty after a successful
// sync to mark exactly these states as persisted.
func (s *Conversations) DirtySnapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snaps []Snapshot
	for _, c := range s.byID {
		if c.dirty {
			snaps = append(snaps, c.snapshot())
		}
	}
	return snaps
}

// ClearDirty clears the dirty flag for each snapshot whose conversation
// has not mutated since the snapshot was taken. A conversation that picked
// up new changes mid-sync stays dirty for the next pass.
func (s *Conversations) ClearDirty(snaps []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		if c, ok := s.byID[snap.ID]; ok && c.rev == snap.Rev {
			c.dirty = false
		}
	}
}

// SnapshotOf returns a copy of one conversation, if cached.
func (s *Conversations) SnapshotOf(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Snapshots returns copies of every cached conversation, most recently
// accessed first.
func (s *Conversations) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		snap     Snapshot
		accessed time.Time
	}
	entries := make([]entry, 0, len(s.byID))
	for _, c := range s.byID {
		entries = append(entries, entry{c.snapshot(), c.lastAccessedAt})
	}
	// Insertion sort; the cache is small by construction.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].accessed.After(entries[j-1].accessed); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	snaps := make([]Snapshot, len(entries))
	for i, e := range entries {
		snaps[i] = e.snap
	}
	return snaps
}

// Restore loads previously persisted snapshots, replacing any in-memory
// state for the same ids. Restored conversations start clean and inherit
// the snapshot's update time as their access time, so eviction order
// survives a restart. Capacity is enforced after loading.
func (s *Conversations) Restore(snaps []Snapshot) {
	now := time.Now()

	s.mu.Lock()
	for _, snap := range snaps {
		accessed := snap.UpdatedAt
		if accessed.IsZero() {
			accessed = now
		}
		created := snap.CreatedAt
		if created.IsZero() {
			created = accessed
		}
		s.byID[snap.ID] = &conversation{
			id:             snap.ID,
			title:          snap.Title,
			turns:          append([]ir.Turn(nil), snap.Turns...),
			createdAt:      created,
			updatedAt:      snap.UpdatedAt,
			lastAccessedAt: accessed,
		}
	}
	evicted := s.evictLocked("")
	s.mu.Unlock()

	s.fireEvictHook(evicted)
}

// getOrCreateLocked returns the conversation for id, creating an empty one
// if unseen. Caller holds the write lock.
func (s *Conversations) getOrCreateLocked(id string, now time.Time) *conversation {
	if c, ok := s.byID[id]; ok {
		return c
	}
	c := &conversation{
		id:             id,
		createdAt:      now,
		updatedAt:      now,
		lastAccessedAt: now,
	}
	s.byID[id] = c
	return c
}

// evictLocked drops conversations until len <= max and returns snapshots
// of the dirty ones dropped. protect names a conversation the current
// caller is mutating; it is never chosen as a victim. Caller holds the
// write lock.
func (s *Conversations) evictLocked(protect string) []Snapshot {
	var dirtyEvicted []Snapshot
	for len(s.byID) > s.max {
		victim := s.pickVictimLocked(protect)
		if victim == nil {
			break
		}
		if victim.dirty {
			dirtyEvicted = append(dirtyEvicted, victim.snapshot())
		}
		delete(s.byID, victim.id)
		log.Debugf("Evicted conversation %s (dirty=%v, turns=%d)", victim.id, victim.dirty, len(victim.turns))
	}
	return dirtyEvicted
}

// pickVictimLocked selects the eviction victim: the oldest-accessed clean
// conversation, or the oldest-accessed overall when every candidate is
// dirty.
func (s *Conversations) pickVictimLocked(protect string) *conversation {
	var oldestClean, oldest *conversation
	for _, c := range s.byID {
		if c.id == protect {
			continue
		}
		if oldest == nil || c.lastAccessedAt.Before(oldest.lastAccessedAt) {
			oldest = c
		}
		if !c.dirty && (oldestClean == nil || c.lastAccessedAt.Before(oldestClean.lastAccessedAt)) {
			oldestClean = c
		}
	}
	if oldestClean != nil {
		return oldestClean
	}
	return oldest
}

func (s *Conversations) fireEvictHook(evicted []Snapshot) {
	if s.preEvict == nil || len(evicted) == 0 {
		return
	}
	s.preEvict(evicted)
}
