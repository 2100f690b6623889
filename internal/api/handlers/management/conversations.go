package management

import (
	"time"

	"github.com/gin-gonic/gin"
)

type conversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Turns     int       `json:"turns"`
	Dirty     bool      `json:"dirty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListConversations summarizes the cached conversations, most recently
// used first. Turn contents stay out of the listing.
func (h *Handler) ListConversations(c *gin.Context) {
	cs := h.deps.Conversations
	if cs == nil {
		respondOK(c, gin.H{"conversations": []conversationSummary{}})
		return
	}
	snaps := cs.Snapshots()
	out := make([]conversationSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, conversationSummary{
			ID:        snap.ID,
			Title:     snap.Title,
			Turns:     len(snap.Turns),
			Dirty:     cs.IsDirty(snap.ID),
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		})
	}
	respondOK(c, gin.H{"conversations": out})
}

// GetConversation returns one conversation with its full turn history.
func (h *Handler) GetConversation(c *gin.Context) {
	cs := h.deps.Conversations
	if cs == nil {
		respondNotFound(c, "conversation not found")
		return
	}
	id := c.Param("id")
	snap, ok := cs.SnapshotOf(id)
	if !ok {
		respondNotFound(c, "conversation not found")
		return
	}
	respondOK(c, gin.H{
		"conversation": snap,
		"dirty":        cs.IsDirty(id),
	})
}
