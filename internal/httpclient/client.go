// Package httpclient builds the pooled HTTP clients shared by provider adapters.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds transport tuning for provider clients
type ClientConfig struct {
	// MaxIdleConns caps idle keep-alive connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle keep-alive connections per host. Providers are
	// called through a small number of hosts, so this is usually equal to MaxIdleConns.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps dialed+active connections per host (0 = unlimited)
	MaxConnsPerHost int

	// IdleConnTimeout closes idle connections after this duration
	IdleConnTimeout time.Duration

	// Timeout is a hard ceiling for the whole exchange. Per-call deadlines are
	// carried by the request context and are normally much shorter.
	Timeout time.Duration

	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns a ClientConfig suited to LLM APIs (long generations, few hosts).
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               10 * time.Minute,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
	}
}

// NewHTTPClient creates a new HTTP client with the provided configuration.
// If config is nil, DefaultConfig() is used.
func NewHTTPClient(config *ClientConfig) *http.Client {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// NewDefaultHTTPClient creates a new HTTP client with default configuration.
func NewDefaultHTTPClient() *http.Client {
	return NewHTTPClient(nil)
}
