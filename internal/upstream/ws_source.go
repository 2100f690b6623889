package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const wsHandshakeTimeout = 15 * time.Second

// openWebSocket dials the backend's websocket endpoint and sends the
// request envelope as the first text frame. A 401 handshake is retried
// once after a credential refresh.
func (c *Client) openWebSocket(ctx context.Context, req Request) (breakerSource, error) {
	payload, err := json.Marshal(streamEnvelope{
		Model:         req.Model,
		Turns:         req.Turns,
		Stream:        true,
		SuppressTools: req.SuppressTools,
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	wsURL, err := websocketURL(c.cfg.Upstream.BaseURL)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if c.cfg.ProxyURL != "" {
		proxy, perr := url.Parse(c.cfg.ProxyURL)
		if perr != nil {
			return nil, fmt.Errorf("upstream proxy url: %w", perr)
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream credentials: %w", err)
	}

	conn, err := c.dial(ctx, dialer, wsURL, token)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			token, err = c.creds.Refresh(ctx)
			if err != nil {
				return nil, fmt.Errorf("upstream credential refresh: %w", err)
			}
			log.Debugf("upstream: credential refreshed after 401, redialing websocket")
			conn, err = c.dial(ctx, dialer, wsURL, token)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream websocket send: %w", err)
	}

	src := &wsSource{
		conn:        conn,
		idleTimeout: c.idleTimeout(),
	}
	// Close the connection when the caller's context ends so a blocked
	// ReadMessage unwinds instead of waiting on a dead peer.
	src.stopWatch = context.AfterFunc(ctx, func() {
		src.closeConn("context canceled")
	})
	return src, nil
}

func (c *Client) dial(ctx context.Context, dialer *websocket.Dialer, wsURL, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	for k, v := range c.cfg.Upstream.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			result := handleHTTPError(resp, "upstream websocket")
			resp.Body.Close()
			return nil, result
		}
		return nil, fmt.Errorf("upstream websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// websocketURL maps the configured HTTP base URL onto the ws scheme.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("upstream base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("upstream base url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	return u.String(), nil
}

// wsSource reads backend messages from websocket text frames, one JSON
// message per frame.
type wsSource struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
	stopWatch   func() bool
	breakerDone func(success bool)
	failed      atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
}

func (s *wsSource) attachBreaker(done func(success bool)) {
	s.breakerDone = done
}

func (s *wsSource) Recv() (Message, error) {
	for {
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		msgType, frame, err := s.conn.ReadMessage()
		if err != nil {
			return Message{}, s.recvError(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, ok := ParseMessage(frame)
		if !ok {
			log.Debugf("upstream: skipping unrecognized websocket frame")
			continue
		}
		return msg, nil
	}
}

func (s *wsSource) recvError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.failed.Store(true)
		log.Warnf("upstream: websocket stalled past idle timeout (%s)", s.idleTimeout)
		return ErrIdleTimeout
	}
	if s.closed.Load() {
		return io.EOF
	}
	s.failed.Store(true)
	return fmt.Errorf("upstream websocket read: %w", err)
}

func (s *wsSource) closeConn(reason string) {
	if s.closed.CompareAndSwap(false, true) {
		log.Debugf("upstream: closing websocket (%s)", reason)
		s.conn.Close()
	}
}

func (s *wsSource) Close() error {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		if !s.closed.Load() {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		s.closeConn("client done")
		if s.breakerDone != nil {
			s.breakerDone(!s.failed.Load())
		}
	})
	return nil
}
