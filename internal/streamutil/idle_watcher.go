package streamutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// IdleWatcher detects stalled streams. A backend that stops sending
// without a terminal message would otherwise hold its client connection
// open forever. One sweep goroutine covers every active stream instead
// of a timer pair per stream.
type IdleWatcher struct {
	mu     sync.Mutex
	active map[*watched]struct{}
	sweep  time.Duration
	stop   chan struct{}
	wg     sync.WaitGroup
}

type watched struct {
	lastSeen atomic.Int64
	timeout  time.Duration
	expire   func()
	ctx      context.Context
	cancel   context.CancelFunc
	unhook   func() bool
}

// NewIdleWatcher starts a watcher sweeping at the given interval
// (5s when interval <= 0).
func NewIdleWatcher(interval time.Duration) *IdleWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &IdleWatcher{
		active: make(map[*watched]struct{}),
		sweep:  interval,
		stop:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Register watches one stream. touch must be called on every upstream
// read, done when the stream ends for any reason. expire runs at most
// once, and only on a genuine stall; cancelling ctx just unregisters
// the stream.
func (w *IdleWatcher) Register(ctx context.Context, timeout time.Duration, expire func()) (touch, done func()) {
	sctx, cancel := context.WithCancel(ctx)
	s := &watched{
		timeout: timeout,
		expire:  expire,
		ctx:     sctx,
		cancel:  cancel,
	}
	s.lastSeen.Store(time.Now().UnixNano())

	var once sync.Once
	remove := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.active, s)
			unhook := s.unhook
			w.mu.Unlock()
			cancel()
			if unhook != nil {
				unhook()
			}
		})
	}

	// Publish the registration and the AfterFunc handle under the same
	// lock; an already-cancelled ctx fires remove on another goroutine,
	// which then blocks here until s.unhook is set.
	w.mu.Lock()
	w.active[s] = struct{}{}
	s.unhook = context.AfterFunc(ctx, remove)
	w.mu.Unlock()

	touch = func() { s.lastSeen.Store(time.Now().UnixNano()) }
	return touch, remove
}

func (w *IdleWatcher) run() {
	defer w.wg.Done()
	tick := time.NewTicker(w.sweep)
	defer tick.Stop()
	for {
		select {
		case <-w.stop:
			return
		case now := <-tick.C:
			w.sweepOnce(now)
		}
	}
}

func (w *IdleWatcher) sweepOnce(now time.Time) {
	var stale []*watched
	w.mu.Lock()
	for s := range w.active {
		if s.ctx.Err() != nil {
			continue
		}
		if time.Duration(now.UnixNano()-s.lastSeen.Load()) > s.timeout {
			stale = append(stale, s)
		}
	}
	w.mu.Unlock()

	// Callbacks run without the lock held.
	for _, s := range stale {
		if s.expire != nil {
			s.expire()
		}
		s.cancel()
	}
}

// Stop halts sweeping and cancels any streams still registered.
func (w *IdleWatcher) Stop() {
	close(w.stop)
	w.wg.Wait()

	w.mu.Lock()
	for s := range w.active {
		s.cancel()
	}
	w.active = nil
	w.mu.Unlock()
}

// ActiveCount returns the number of registered streams.
func (w *IdleWatcher) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

var defaultWatcher = sync.OnceValue(func() *IdleWatcher {
	return NewIdleWatcher(5 * time.Second)
})

// DefaultIdleWatcher returns the process-wide watcher.
func DefaultIdleWatcher() *IdleWatcher {
	return defaultWatcher()
}
