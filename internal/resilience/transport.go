package resilience

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// Transport tuning for a relay that talks to a single backend host over
// long-lived streams.
const (
	maxIdleConns          = 256
	maxIdleConnsPerHost   = 32
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 5 * time.Minute
	dialTimeout           = 30 * time.Second
	dialKeepAlive         = 30 * time.Second
	h2ReadIdleTimeout     = 30 * time.Second
	h2PingTimeout         = 15 * time.Second
)

var (
	defaultTransport     *http.Transport
	defaultTransportOnce sync.Once
)

// SharedTransport returns the process-wide transport used when no proxy
// is configured.
func SharedTransport() *http.Transport {
	defaultTransportOnce.Do(func() {
		defaultTransport = newTransport()
	})
	return defaultTransport
}

func newTransport() *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		WriteBufferSize:       64 << 10,
		ReadBufferSize:        64 << 10,
	}
	if h2, err := http2.ConfigureTransports(t); err == nil {
		// Ping quiet streams so a proxy dropping the connection surfaces
		// as an error instead of a hang.
		h2.ReadIdleTimeout = h2ReadIdleTimeout
		h2.PingTimeout = h2PingTimeout
	}
	return t
}

// NewHTTPClient builds the client for the upstream connection. proxyURL
// may be empty, an http(s) proxy, or a socks5 URL. A zero timeout leaves
// request lifetimes to the caller's context.
func NewHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport, err := transportFor(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func transportFor(proxyURL string) (http.RoundTripper, error) {
	if proxyURL == "" {
		return SharedTransport(), nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		t := newTransport()
		t.Proxy = http.ProxyURL(u)
		return t, nil
	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pw}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		t := newTransport()
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}
