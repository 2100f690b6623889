package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
)

// defaultSyncTimeout bounds a single sync execution. Generous because the
// git backend may push to a remote.
const defaultSyncTimeout = 2 * time.Minute

// ErrSchedulerStopped is returned by SyncNow after Stop.
var ErrSchedulerStopped = errors.New("store: sync scheduler stopped")

// Syncer persists dirty conversation state. Sync returns the number of
// conversations written.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

// SyncStats reports scheduler activity for the management API.
type SyncStats struct {
	Syncs                int64     `json:"syncs"`
	Failures             int64     `json:"failures"`
	ConversationsWritten int64     `json:"conversations_written"`
	LastSyncAt           time.Time `json:"last_sync_at"`
	LastError            string    `json:"last_error,omitempty"`
}

// Scheduler turns dirty notifications into debounced, throttled, bounded
// background sync runs.
//
// Timer discipline: the first NotifyDirty of an idle period arms a
// max-delay timer. Every NotifyDirty (re)arms a debounce timer with delay
// max(debounce, minInterval - timeSinceLastSync), so bursts keep pushing
// the sync out but never below the throttle floor; whichever timer fires
// first wins, so continuous activity still syncs within maxDelay. Only
// one sync runs at a time; a notification arriving mid-sync causes a
// fresh schedule once the run finishes. A failed sync is logged and
// rescheduled, never surfaced to NotifyDirty callers.
type Scheduler struct {
	syncer Syncer

	debounce    time.Duration
	minInterval time.Duration
	maxDelay    time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	maxDelayTimer *time.Timer
	armed         bool
	syncing       bool
	pendingNotify bool
	stopped       bool
	lastSync      time.Time
	stats         SyncStats

	// runMu serializes sync executions across the timer path and SyncNow.
	runMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler around syncer using the configured
// timings. Non-positive timings fall back to the defaults. Call Stop to
// release the timers.
func NewScheduler(syncer Syncer, cfg config.SyncConfig) *Scheduler {
	debounce, minInterval, maxDelay := normalizeTimings(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		syncer:      syncer,
		debounce:    debounce,
		minInterval: minInterval,
		maxDelay:    maxDelay,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func normalizeTimings(cfg config.SyncConfig) (debounce, minInterval, maxDelay time.Duration) {
	debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = time.Duration(config.DefaultSyncDebounceMs) * time.Millisecond
	}
	minInterval = time.Duration(cfg.MinIntervalMs) * time.Millisecond
	if minInterval <= 0 {
		minInterval = time.Duration(config.DefaultSyncMinIntervalMs) * time.Millisecond
	}
	maxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = time.Duration(config.DefaultSyncMaxDelayMs) * time.Millisecond
	}
	if maxDelay < debounce {
		maxDelay = debounce
	}
	return debounce, minInterval, maxDelay
}

// Reconfigure applies new timings. The current dirty cycle, if armed,
// keeps its already-scheduled timers; the next cycle uses the new
// values.
func (s *Scheduler) Reconfigure(cfg config.SyncConfig) {
	debounce, minInterval, maxDelay := normalizeTimings(cfg)
	s.mu.Lock()
	s.debounce = debounce
	s.minInterval = minInterval
	s.maxDelay = maxDelay
	s.mu.Unlock()
}

// NotifyDirty records that the store has unsynced changes and (re)arms the
// sync timers. Never blocks and never returns an error.
func (s *Scheduler) NotifyDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.syncing {
		s.pendingNotify = true
		return
	}
	s.scheduleLocked()
}

// SyncNow bypasses the timers and flushes immediately. It serializes with
// any in-flight timer sync and returns that flush's own result.
func (s *Scheduler) SyncNow() (int, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrSchedulerStopped
	}
	s.disarmLocked()
	s.mu.Unlock()

	s.runMu.Lock()
	n, err := s.executeSync()
	s.runMu.Unlock()

	s.mu.Lock()
	s.lastSync = time.Now()
	s.recordLocked(n, err)
	if s.pendingNotify && !s.stopped {
		s.pendingNotify = false
		s.scheduleLocked()
	}
	s.mu.Unlock()
	return n, err
}

// Stop disarms the timers, cancels any in-flight sync, and waits for it
// to finish. Subsequent NotifyDirty calls are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.pendingNotify = false
	s.disarmLocked()
	s.mu.Unlock()

	s.cancel()
	// Once runMu is free no sync is in flight.
	s.runMu.Lock()
	defer s.runMu.Unlock()
}

// Stats returns a copy of the accumulated sync statistics.
func (s *Scheduler) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// scheduleLocked arms the timers for the current dirty cycle. Caller
// holds mu.
func (s *Scheduler) scheduleLocked() {
	if !s.armed {
		s.armed = true
		s.maxDelayTimer = time.AfterFunc(s.maxDelay, s.timerFire)
	}
	delay := s.debounce
	if !s.lastSync.IsZero() {
		if floor := s.minInterval - time.Since(s.lastSync); floor > delay {
			delay = floor
		}
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(delay, s.timerFire)
}

// disarmLocked stops both timers and closes the dirty cycle. Caller
// holds mu.
func (s *Scheduler) disarmLocked() {
	s.armed = false
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.maxDelayTimer != nil {
		s.maxDelayTimer.Stop()
		s.maxDelayTimer = nil
	}
}

// timerFire handles both the debounce and the max-delay timer. A stale
// fire (cycle already disarmed) is a no-op.
func (s *Scheduler) timerFire() {
	s.mu.Lock()
	if s.stopped || !s.armed {
		s.mu.Unlock()
		return
	}
	if s.syncing {
		// A run is already in flight; fold this cycle into the
		// post-run reschedule.
		s.pendingNotify = true
		s.disarmLocked()
		s.mu.Unlock()
		return
	}
	if !s.lastSync.IsZero() {
		if remaining := s.minInterval - time.Since(s.lastSync); remaining > 0 {
			// An explicit flush moved the throttle clock after this timer
			// was armed. Push the fire out to the floor.
			if s.debounceTimer != nil {
				s.debounceTimer.Stop()
			}
			s.debounceTimer = time.AfterFunc(remaining, s.timerFire)
			s.mu.Unlock()
			return
		}
	}
	s.disarmLocked()
	s.syncing = true
	s.mu.Unlock()

	s.runTimerSync()
}

// runTimerSync executes one timer-driven sync and handles the post-run
// bookkeeping: stats, failure rescheduling, and notifications that
// arrived mid-run.
func (s *Scheduler) runTimerSync() {
	s.runMu.Lock()
	n, err := s.executeSync()
	s.runMu.Unlock()

	s.mu.Lock()
	s.syncing = false
	s.lastSync = time.Now()
	s.recordLocked(n, err)
	reschedule := (err != nil || s.pendingNotify) && !s.stopped
	s.pendingNotify = false
	if reschedule {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("Conversation sync failed, rescheduled")
	} else if n > 0 {
		log.Debugf("Conversation sync wrote %d conversations", n)
	}
}

func (s *Scheduler) executeSync() (int, error) {
	ctx, cancel := context.WithTimeout(s.ctx, defaultSyncTimeout)
	defer cancel()
	return s.syncer.Sync(ctx)
}

// recordLocked updates stats after a sync attempt. Caller holds mu.
func (s *Scheduler) recordLocked(n int, err error) {
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
		return
	}
	s.stats.Syncs++
	s.stats.ConversationsWritten += int64(n)
	s.stats.LastSyncAt = s.lastSync
	s.stats.LastError = ""
}
