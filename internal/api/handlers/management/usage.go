package management

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// defaultUsageWindowDays bounds GET /usage when no ?days is given.
const defaultUsageWindowDays = 7

// GetUsage returns aggregated usage statistics for the recent window.
// ?days widens or narrows the window.
func (h *Handler) GetUsage(c *gin.Context) {
	t := h.deps.Tracker
	if t == nil || !t.Enabled() {
		respondOK(c, gin.H{"enabled": false})
		return
	}
	days := defaultUsageWindowDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondBadRequest(c, "days must be a positive integer")
			return
		}
		days = n
	}
	since := time.Now().AddDate(0, 0, -days)
	snap, err := t.Snapshot(c.Request.Context(), since)
	if err != nil {
		respondInternalError(c, err.Error())
		return
	}
	respondOK(c, gin.H{"enabled": true, "since": since, "stats": snap})
}
