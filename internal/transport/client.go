// Package transport talks to the chat-completion and speech-synthesis
// services with retry, degraded-payload and secondary-transport fallbacks.
package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HTTPClient defines the interface for HTTP client operations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the single gateway to remote services.
type Client struct {
	creds     CredentialSource
	opts      Options
	http      HTTPClient
	secondary HTTPClient
	backends  []Backend
	local     Backend
	debug     *DebugLog
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
	metrics   instruments

	voicesMu sync.Mutex
	voices   map[string][]Voice
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the primary HTTP client.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) { cl.http = c }
}

// WithSecondaryClient replaces the independent client used as last resort for chat.
func WithSecondaryClient(c HTTPClient) Option {
	return func(cl *Client) { cl.secondary = c }
}

// WithLocalSynthesizer adds a reduced-fidelity backend tried after the remote one.
func WithLocalSynthesizer(b Backend) Option {
	return func(cl *Client) { cl.local = b }
}

// WithDebugLog shares a diagnostic log with other components.
func WithDebugLog(d *DebugLog) Option {
	return func(cl *Client) { cl.debug = d }
}

// WithSleeper replaces the context-aware sleep used between retries.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(cl *Client) { cl.sleep = fn }
}

func NewClient(creds CredentialSource, opts Options, logger *slog.Logger, options ...Option) *Client {
	opts.normalize()
	c := &Client{
		creds:   creds,
		opts:    opts,
		http:    &http.Client{},
		logger:  logger.With(slog.String("component", "transport")),
		sleep:   sleepContext,
		metrics: newInstruments(),
		voices:  make(map[string][]Voice),
	}
	for _, o := range options {
		o(c)
	}
	if c.secondary == nil {
		c.secondary = newSecondaryClient(opts.SecondaryTimeout)
	}
	if c.debug == nil {
		c.debug = NewDebugLog(opts.DebugCapacity, c.logger)
	}
	c.backends = []Backend{&remoteBackend{client: c}}
	if c.local != nil {
		c.backends = append(c.backends, c.local)
	}
	c.backends = append(c.backends, silentBackend{})
	return c
}

// Debug exposes the diagnostic log.
func (c *Client) Debug() *DebugLog {
	return c.debug
}

// newSecondaryClient builds a client that shares no connection state with
// the primary one: no keep-alive, HTTP/1.1 only.
func newSecondaryClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
