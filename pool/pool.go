// Package pool shares outbound HTTP clients between the framework's bot
// client, settings sync and attachment uploads, so long-lived event streams
// reuse HTTP/2 connections instead of redialing per query.
package pool

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// HTTPPool provides outbound HTTP clients. Implementations can supply
// custom transports, per-tenant pooling or instrumented clients.
type HTTPPool interface {
	GetHTTPClient() *http.Client
}

// Config tunes the pool built by New. The zero value is secure and sized
// for streamed bot responses.
type Config struct {
	// InsecureSkipVerify accepts self-signed certificates. Leave false
	// outside of local development.
	InsecureSkipVerify bool

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeout bounds an entire exchange, including reading a streamed
	// response body. Streams send heartbeats, not data, during quiet
	// stretches, so this must stay generous.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 100
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = 100
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// New builds a pool around a single HTTP/2-enabled transport configured by
// cfg.
func New(cfg Config) HTTPPool {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	http2.ConfigureTransport(transport)

	return &clientPool{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

type clientPool struct {
	client *http.Client
}

func (p *clientPool) GetHTTPClient() *http.Client {
	return p.client
}

var (
	sharedMu sync.Mutex
	shared   HTTPPool
)

// Shared returns the process-wide pool, building a default one on first
// use.
func Shared() HTTPPool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(Config{})
	}
	return shared
}

// Install replaces the process-wide pool and returns the previous one, for
// callers that need custom transport settings everywhere rather than per
// request.
func Install(p HTTPPool) HTTPPool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	previous := shared
	shared = p
	return previous
}
