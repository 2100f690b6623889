package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes when a circuit opens. The circuit trips once
// MinRequests have been seen and either FailureThreshold consecutive
// failures or a FailureRatio share of failures is reached.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig returns the tuning used for the upstream
// connection.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
}

func (cfg BreakerConfig) settings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.MaxRequests,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		ReadyToTrip:   cfg.readyToTrip,
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
}

func (cfg BreakerConfig) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cfg.MinRequests {
		return false
	}
	if counts.ConsecutiveFailures >= cfg.FailureThreshold {
		return true
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}

// circuitBreaker wraps gobreaker for synchronous operations run through
// an Executor.
type circuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newCircuitBreaker(cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{cb: gobreaker.NewCircuitBreaker(cfg.settings())}
}

func (c *circuitBreaker) execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

func (c *circuitBreaker) state() gobreaker.State {
	return c.cb.State()
}

// StreamingCircuitBreaker guards operations whose outcome is not known
// until the stream ends. Allow reserves a slot up front; the returned
// done callback reports the final outcome once the stream closes.
type StreamingCircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewStreamingCircuitBreaker builds a two-step breaker with cfg.
func NewStreamingCircuitBreaker(cfg BreakerConfig) *StreamingCircuitBreaker {
	return &StreamingCircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(cfg.settings())}
}

// Allow reports whether a new stream may start. The done callback must
// be called exactly once with the stream's outcome. Returns
// gobreaker.ErrOpenState while the circuit is open.
func (s *StreamingCircuitBreaker) Allow() (done func(success bool), err error) {
	return s.cb.Allow()
}

// State returns the current circuit state.
func (s *StreamingCircuitBreaker) State() gobreaker.State {
	return s.cb.State()
}
