package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/resilience"
	"github.com/nghyane/llm-relay/internal/sseutil"
	"github.com/nghyane/llm-relay/internal/translator/ir"
)

const (
	defaultScannerBufferSize = 64 * 1024
	maxScannerBufferSize     = 2 * 1024 * 1024

	streamPath = "/v1/stream"
)

var scannerBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, defaultScannerBufferSize)
	},
}

// Credentials supplies the bearer credential for upstream calls. Refresh
// is invoked once per request on a 401; implementations deduplicate
// concurrent refreshes.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Request is one upstream conversation call.
type Request struct {
	Model string
	Turns []ir.Turn

	// SuppressTools carries tool names the backend must not route through
	// its native tool channel. Populated on bounce retries.
	SuppressTools []string

	Stream bool
}

// streamEnvelope is the wire form of a Request.
type streamEnvelope struct {
	Model         string    `json:"model"`
	Turns         []ir.Turn `json:"turns"`
	Stream        bool      `json:"stream"`
	SuppressTools []string  `json:"suppress_tools,omitempty"`
}

// Source yields decoded backend messages in arrival order. Recv returns
// io.EOF when the stream ends without a terminal lifecycle message, or
// ErrIdleTimeout when the idle watchdog closed it.
type Source interface {
	Recv() (Message, error)
	Close() error
}

// Client drives requests against the single configured backend.
type Client struct {
	cfg        *config.Config
	creds      Credentials
	httpClient *http.Client
	breaker    *resilience.StreamingCircuitBreaker
	budget     *resilience.RetryBudget
}

// NewClient builds an upstream client from config. The HTTP client carries
// no timeout; stream lifetimes are bounded by context and the idle
// watchdog.
func NewClient(cfg *config.Config, creds Credentials) (*Client, error) {
	httpClient, err := resilience.NewHTTPClient(cfg.ProxyURL, 0)
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}
	return &Client{
		cfg:        cfg,
		creds:      creds,
		httpClient: httpClient,
		breaker:    resilience.NewStreamingCircuitBreaker(resilience.DefaultBreakerConfig("upstream")),
		budget:     resilience.NewRetryBudget(50),
	}, nil
}

// Open starts one backend stream for req.
func (c *Client) Open(ctx context.Context, req Request) (Source, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("upstream unavailable: %w", err)
	}

	src, err := c.open(ctx, req)
	if err != nil {
		done(false)
		return nil, err
	}
	src.attachBreaker(done)
	return src, nil
}

type breakerSource interface {
	Source
	attachBreaker(done func(success bool))
}

func (c *Client) open(ctx context.Context, req Request) (breakerSource, error) {
	if c.cfg.Upstream.Transport == config.TransportWebSocket {
		return c.openWebSocket(ctx, req)
	}
	return c.openSSE(ctx, req)
}

func (c *Client) openSSE(ctx context.Context, req Request) (breakerSource, error) {
	payload, err := json.Marshal(streamEnvelope{
		Model:         req.Model,
		Turns:         req.Turns,
		Stream:        true,
		SuppressTools: req.SuppressTools,
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	resp, err := c.do(ctx, payload)
	if err != nil {
		return nil, err
	}

	body, err := decompressBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream response decode: %w", err)
	}

	reader := NewStreamReader(ctx, body, c.idleTimeout(), "upstream")

	buf := scannerBufferPool.Get().([]byte)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(buf, maxScannerBufferSize)

	return &sseSource{
		reader:  reader,
		scanner: scanner,
		buf:     buf,
	}, nil
}

func (c *Client) idleTimeout() time.Duration {
	secs := c.cfg.Upstream.IdleTimeoutSeconds
	if secs < 0 {
		return 0
	}
	if secs == 0 {
		secs = config.DefaultUpstreamIdleTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// do issues the POST with connect-level retries and one credential refresh
// on 401. Returns a 2xx response whose body the caller owns.
func (c *Client) do(ctx context.Context, payload []byte) (*http.Response, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream credentials: %w", err)
	}

	maxRetries := c.cfg.RequestRetry
	baseDelay := 500 * time.Millisecond
	maxDelay := time.Duration(c.cfg.MaxRetryInterval) * time.Second

	refreshed := false
	attempt := 0
	for {
		resp, attemptErr := c.attempt(ctx, payload, token)
		if attemptErr == nil {
			return resp, nil
		}

		if IsAuthError(attemptErr) && !refreshed {
			refreshed = true
			token, err = c.creds.Refresh(ctx)
			if err != nil {
				return nil, fmt.Errorf("upstream credential refresh: %w", err)
			}
			log.Debugf("upstream: credential refreshed after 401, retrying")
			continue
		}

		if !IsRetryable(attemptErr) || attempt >= maxRetries {
			return nil, attemptErr
		}
		if !c.budget.TryAcquire() {
			log.Warnf("upstream: retry budget exhausted")
			return nil, attemptErr
		}

		delay := resilience.Backoff(attempt, baseDelay, maxDelay)
		waitErr := resilience.Sleep(ctx, delay)
		c.budget.Release()
		if waitErr != nil {
			return nil, waitErr
		}
		attempt++
	}
}

func (c *Client) attempt(ctx context.Context, payload []byte, token string) (*http.Response, error) {
	url := c.cfg.Upstream.BaseURL + streamPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	SetCommonHeaders(httpReq, "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	for k, v := range c.cfg.Upstream.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result := handleHTTPError(resp, "upstream")
		resp.Body.Close()
		return nil, result
	}
	return resp, nil
}

// sseSource reads data: lines from the SSE body and decodes them.
type sseSource struct {
	reader      *StreamReader
	scanner     *bufio.Scanner
	buf         []byte
	breakerDone func(success bool)
	failed      atomic.Bool
	closeOnce   sync.Once
}

func (s *sseSource) attachBreaker(done func(success bool)) {
	s.breakerDone = done
}

func (s *sseSource) Recv() (Message, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if sseutil.IsDoneMarker(line) {
			return Message{}, io.EOF
		}
		payload := sseutil.JSONPayload(line)
		if payload == nil {
			continue
		}
		msg, ok := ParseMessage(payload)
		if !ok {
			log.Debugf("upstream: skipping unrecognized payload")
			continue
		}
		return msg, nil
	}

	if err := s.scanner.Err(); err != nil {
		if s.reader.IdleTimedOut() {
			s.failed.Store(true)
			return Message{}, ErrIdleTimeout
		}
		s.failed.Store(true)
		return Message{}, err
	}
	if s.reader.IdleTimedOut() {
		s.failed.Store(true)
		return Message{}, ErrIdleTimeout
	}
	return Message{}, io.EOF
}

func (s *sseSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.reader.Close()
		scannerBufferPool.Put(s.buf)
		if s.breakerDone != nil {
			s.breakerDone(!s.failed.Load())
		}
	})
	return err
}
