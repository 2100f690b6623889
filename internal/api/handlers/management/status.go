package management

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/llm-relay/internal/auth"
	"github.com/nghyane/llm-relay/internal/store"
)

// GetStatus reports a one-page operational summary of the relay.
func (h *Handler) GetStatus(c *gin.Context) {
	status := gin.H{
		"uptime_seconds": int64(time.Since(h.deps.StartedAt).Seconds()),
	}
	if q := h.deps.Serializer; q != nil {
		status["queue"] = gin.H{
			"size":    q.Size(),
			"pending": q.Pending(),
		}
	}
	if cs := h.deps.Conversations; cs != nil {
		status["store"] = gin.H{
			"conversations": cs.Len(),
			"dirty":         cs.DirtyCount(),
			"max":           h.config().Store.MaxConversations,
		}
	}
	if sch := h.deps.Scheduler; sch != nil {
		status["sync"] = sch.Stats()
	}
	if p := h.deps.Sessions; p != nil {
		status["sessions"] = p.Size()
	}
	if r := h.deps.Registry; r != nil {
		status["models"] = r.Len()
	}
	if t := h.deps.Tracker; t != nil {
		status["usage"] = t.Counters()
	}
	respondOK(c, status)
}

// TriggerSync forces an immediate store sync and reports how many
// conversations were written.
func (h *Handler) TriggerSync(c *gin.Context) {
	sch := h.deps.Scheduler
	if sch == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "sync is not configured")
		return
	}
	n, err := sch.SyncNow()
	if err != nil {
		if errors.Is(err, store.ErrSchedulerStopped) {
			respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
		respondError(c, http.StatusBadGateway, ErrCodeSyncFailed, err.Error())
		return
	}
	respondOK(c, gin.H{"synced": n})
}

// GetSessions lists the backend session pool without exposing tokens.
func (h *Handler) GetSessions(c *gin.Context) {
	p := h.deps.Sessions
	if p == nil {
		respondOK(c, gin.H{"sessions": []auth.SessionStatus{}})
		return
	}
	respondOK(c, gin.H{"sessions": p.Sessions()})
}
