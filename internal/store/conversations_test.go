package store

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nghyane/llm-relay/internal/translator/ir"
)

func userTurn(content string) ir.Turn {
	return ir.Turn{Role: ir.RoleUser, Content: content}
}

func assistantTurn(content string) ir.Turn {
	return ir.Turn{Role: ir.RoleAssistant, Content: content}
}

// evictRecorder captures pre-evict hook invocations.
type evictRecorder struct {
	mu    sync.Mutex
	calls [][]Snapshot
}

func (r *evictRecorder) hook(snaps []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, snaps)
}

func (r *evictRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, call := range r.calls {
		out = append(out, call...)
	}
	return out
}

func TestConversations_CreateOnFirstReference(t *testing.T) {
	s := NewConversations(10, nil)

	n := s.AppendMessages("c1", []ir.Turn{userTurn("hello")})
	if n != 1 {
		t.Fatalf("appended = %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	turns := s.Turns("c1")
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Fatalf("Turns(c1) = %+v, want the appended turn", turns)
	}
	if !s.IsDirty("c1") {
		t.Error("appending should mark the conversation dirty")
	}
}

func TestConversations_TailDeDup(t *testing.T) {
	s := NewConversations(10, nil)

	s.AppendMessages("c1", []ir.Turn{userTurn("hi")})

	// Retried request re-submits the same user turn.
	if n := s.AppendMessages("c1", []ir.Turn{userTurn("hi")}); n != 0 {
		t.Fatalf("duplicate tail appended %d turns, want 0", n)
	}
	if got := len(s.Turns("c1")); got != 1 {
		t.Fatalf("turn count = %d, want 1", got)
	}

	// Retry carrying the duplicate plus the new reply: only the reply lands.
	if n := s.AppendMessages("c1", []ir.Turn{userTurn("hi"), assistantTurn("hello")}); n != 1 {
		t.Fatalf("appended = %d, want 1", n)
	}
	if got := len(s.Turns("c1")); got != 2 {
		t.Fatalf("turn count = %d, want 2", got)
	}
}

func TestConversations_DeDupWithinSingleAppend(t *testing.T) {
	s := NewConversations(10, nil)

	n := s.AppendMessages("c1", []ir.Turn{userTurn("x"), userTurn("x"), assistantTurn("y")})
	if n != 2 {
		t.Fatalf("appended = %d, want 2", n)
	}
	turns := s.Turns("c1")
	if len(turns) != 2 || turns[0].Content != "x" || turns[1].Content != "y" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestConversations_DeDupChecksTailOnly(t *testing.T) {
	s := NewConversations(10, nil)

	s.AppendMessages("c1", []ir.Turn{userTurn("hi"), assistantTurn("hello")})

	// Same text as an earlier, non-tail turn is a new turn.
	if n := s.AppendMessages("c1", []ir.Turn{userTurn("hi")}); n != 1 {
		t.Fatalf("appended = %d, want 1", n)
	}
	if got := len(s.Turns("c1")); got != 3 {
		t.Fatalf("turn count = %d, want 3", got)
	}
}

func TestConversations_TitleTruncation(t *testing.T) {
	s := NewConversations(10, nil)

	long := strings.Repeat("é", 150)
	s.SetTitle("c1", long)

	title := s.Title("c1")
	if got := utf8.RuneCountInString(title); got != 100 {
		t.Fatalf("title rune count = %d, want 100", got)
	}
	if !strings.HasPrefix(long, title) {
		t.Error("truncated title should be a prefix of the original")
	}
	if !s.IsDirty("c1") {
		t.Error("setting a title should mark the conversation dirty")
	}
}

func TestConversations_SetTitleUnchangedStaysClean(t *testing.T) {
	s := NewConversations(10, nil)

	s.SetTitle("c1", "greetings")
	s.ClearDirty(s.DirtySnapshots())
	s.SetTitle("c1", "greetings")

	if s.IsDirty("c1") {
		t.Error("re-setting an identical title should not re-dirty the conversation")
	}
}

func TestConversations_EvictsOldestClean(t *testing.T) {
	s := NewConversations(2, nil)

	s.AppendMessages("c1", []ir.Turn{userTurn("one")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c2", []ir.Turn{userTurn("two")})
	s.ClearDirty(s.DirtySnapshots())
	time.Sleep(5 * time.Millisecond)

	s.AppendMessages("c3", []ir.Turn{userTurn("three")})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if s.Turns("c1") != nil {
		t.Error("c1 should have been evicted as the oldest clean conversation")
	}
	if s.Turns("c2") == nil || s.Turns("c3") == nil {
		t.Error("c2 and c3 should survive eviction")
	}
}

func TestConversations_EvictionPrefersCleanOverOlderDirty(t *testing.T) {
	s := NewConversations(2, nil)

	s.AppendMessages("c1", []ir.Turn{userTurn("old but dirty")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c2", []ir.Turn{userTurn("newer but clean")})

	// Mark only c2 as synced.
	for _, snap := range s.DirtySnapshots() {
		if snap.ID == "c2" {
			s.ClearDirty([]Snapshot{snap})
		}
	}
	time.Sleep(5 * time.Millisecond)

	s.AppendMessages("c3", []ir.Turn{userTurn("three")})

	if s.Turns("c2") != nil {
		t.Error("c2 should have been evicted: clean conversations go first")
	}
	if s.Turns("c1") == nil {
		t.Error("dirty c1 should outlive clean c2 despite being older")
	}
}

func TestConversations_AllDirtyEvictsOldestThroughHook(t *testing.T) {
	rec := &evictRecorder{}
	s := NewConversations(2, rec.hook)

	s.AppendMessages("c1", []ir.Turn{userTurn("first"), assistantTurn("reply")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c2", []ir.Turn{userTurn("second")})
	time.Sleep(5 * time.Millisecond)

	s.AppendMessages("c3", []ir.Turn{userTurn("third")})

	if s.Turns("c1") != nil {
		t.Error("with every conversation dirty, the globally oldest should go")
	}
	evicted := rec.all()
	if len(evicted) != 1 {
		t.Fatalf("pre-evict hook saw %d snapshots, want 1", len(evicted))
	}
	snap := evicted[0]
	if snap.ID != "c1" {
		t.Fatalf("hook snapshot id = %q, want c1", snap.ID)
	}
	if len(snap.Turns) != 2 || snap.Turns[1].Content != "reply" {
		t.Fatalf("hook snapshot lost turns: %+v", snap.Turns)
	}
}

func TestConversations_CleanEvictionSkipsHook(t *testing.T) {
	rec := &evictRecorder{}
	s := NewConversations(1, rec.hook)

	s.AppendMessages("c1", []ir.Turn{userTurn("one")})
	s.ClearDirty(s.DirtySnapshots())
	time.Sleep(5 * time.Millisecond)

	s.AppendMessages("c2", []ir.Turn{userTurn("two")})

	if got := len(rec.all()); got != 0 {
		t.Fatalf("hook saw %d snapshots for a clean eviction, want 0", got)
	}
}

func TestConversations_NeverEvictsConversationBeingMutated(t *testing.T) {
	rec := &evictRecorder{}
	s := NewConversations(1, rec.hook)

	s.AppendMessages("c1", []ir.Turn{userTurn("one")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c2", []ir.Turn{userTurn("two")})

	if s.Turns("c2") == nil {
		t.Fatal("the conversation just appended to must survive its own eviction pass")
	}
	if s.Turns("c1") != nil {
		t.Error("c1 should have been evicted to make room")
	}
	if evicted := rec.all(); len(evicted) != 1 || evicted[0].ID != "c1" {
		t.Errorf("hook should have received dirty c1, got %+v", evicted)
	}
}

func TestConversations_EvictIfNeededUnderCapacity(t *testing.T) {
	s := NewConversations(5, nil)
	s.AppendMessages("c1", []ir.Turn{userTurn("one")})

	if n := s.EvictIfNeeded(); n != 0 {
		t.Fatalf("EvictIfNeeded() = %d under capacity, want 0", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestConversations_ClearDirtySkipsChangedConversations(t *testing.T) {
	s := NewConversations(10, nil)

	s.AppendMessages("c1", []ir.Turn{userTurn("one")})
	snaps := s.DirtySnapshots()

	// New activity while the sync is still writing the old snapshot.
	s.AppendMessages("c1", []ir.Turn{assistantTurn("two")})

	s.ClearDirty(snaps)
	if !s.IsDirty("c1") {
		t.Fatal("conversation mutated mid-sync must stay dirty")
	}

	s.ClearDirty(s.DirtySnapshots())
	if s.IsDirty("c1") {
		t.Fatal("fresh snapshot should clear the dirty flag")
	}
}

func TestConversations_RestoreStartsClean(t *testing.T) {
	s := NewConversations(10, nil)

	past := time.Now().Add(-time.Hour)
	s.Restore([]Snapshot{
		{ID: "c1", Title: "old chat", Turns: []ir.Turn{userTurn("hi"), assistantTurn("hello")}, UpdatedAt: past},
		{ID: "c2", Turns: []ir.Turn{userTurn("yo")}, UpdatedAt: past.Add(time.Minute)},
	})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if s.IsDirty("c1") || s.IsDirty("c2") {
		t.Error("restored conversations must start clean")
	}
	if got := s.Title("c1"); got != "old chat" {
		t.Errorf("Title(c1) = %q, want %q", got, "old chat")
	}
	turns := s.Turns("c1")
	if len(turns) != 2 || turns[1].Content != "hello" {
		t.Fatalf("Turns(c1) = %+v", turns)
	}

	s.AppendMessages("c1", []ir.Turn{userTurn("again")})
	if !s.IsDirty("c1") {
		t.Error("mutation after restore should mark dirty")
	}
}

func TestConversations_RestoreEnforcesCapacity(t *testing.T) {
	s := NewConversations(2, nil)

	base := time.Now().Add(-time.Hour)
	s.Restore([]Snapshot{
		{ID: "c1", Turns: []ir.Turn{userTurn("1")}, UpdatedAt: base},
		{ID: "c2", Turns: []ir.Turn{userTurn("2")}, UpdatedAt: base.Add(time.Minute)},
		{ID: "c3", Turns: []ir.Turn{userTurn("3")}, UpdatedAt: base.Add(2 * time.Minute)},
	})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d after restore, want 2", s.Len())
	}
	if s.Turns("c1") != nil {
		t.Error("oldest restored conversation should be evicted first")
	}
}

func TestConversations_TurnsReturnsCopy(t *testing.T) {
	s := NewConversations(10, nil)
	s.AppendMessages("c1", []ir.Turn{userTurn("original")})

	turns := s.Turns("c1")
	turns[0].Content = "mutated"

	if got := s.Turns("c1")[0].Content; got != "original" {
		t.Fatalf("store content = %q, caller mutation leaked in", got)
	}
}

func TestConversations_MarkDirtyUnknownIgnored(t *testing.T) {
	s := NewConversations(10, nil)

	s.MarkDirty("ghost")

	if s.Len() != 0 {
		t.Fatalf("Len() = %d, MarkDirty must not create conversations", s.Len())
	}
	if s.IsDirty("ghost") {
		t.Error("IsDirty on an unknown id should report false")
	}
}

func TestConversations_SnapshotsOrderedByAccess(t *testing.T) {
	s := NewConversations(10, nil)

	s.AppendMessages("c1", []ir.Turn{userTurn("1")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c2", []ir.Turn{userTurn("2")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c3", []ir.Turn{userTurn("3")})
	time.Sleep(5 * time.Millisecond)
	s.AppendMessages("c1", []ir.Turn{assistantTurn("reply")})

	snaps := s.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("Snapshots() returned %d entries, want 3", len(snaps))
	}
	want := []string{"c1", "c3", "c2"}
	for i, id := range want {
		if snaps[i].ID != id {
			t.Fatalf("snapshot order = [%s %s %s], want %v", snaps[0].ID, snaps[1].ID, snaps[2].ID, want)
		}
	}
}
