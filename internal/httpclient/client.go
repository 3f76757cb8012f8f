// Package httpclient provides a context-aware HTTP client with default timeouts,
// connection pooling and a bounded body reader for fetching remote media.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/audiograph/internal/errors"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests if not specified.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConns          = 32
	defaultMaxIdleConnsPerHost   = 8
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultDialTimeout           = 30 * time.Second
	defaultDialKeepAlive         = 30 * time.Second

	defaultUserAgent = "audiograph"
)

// ErrBodyTooLarge is returned by Fetch when a response exceeds the byte limit.
var ErrBodyTooLarge = errors.New(errors.NewStd("response body exceeds limit")).
	Component("httpclient").
	Category(errors.CategoryResource).
	Build()

// Client wraps http.Client with per-request timeouts and an optional response hook.
// Safe for concurrent use.
type Client struct {
	client         *http.Client
	defaultTimeout time.Duration
	userAgent      string

	hookMu        sync.RWMutex
	afterResponse func(*http.Request, *http.Response, time.Duration, error)
}

// Config holds configuration for creating an HTTP client.
type Config struct {
	// DefaultTimeout is applied when the request context has no deadline
	DefaultTimeout time.Duration

	// UserAgent is added to requests that do not set one
	UserAgent string

	// Transport replaces the pooled transport; tests inject mocks here
	Transport http.RoundTripper
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: DefaultTimeout,
		UserAgent:      defaultUserAgent,
	}
}

// New creates a new HTTP client. A nil cfg selects DefaultConfig.
func New(cfg *Config) *Client {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
		if c.DefaultTimeout == 0 {
			c.DefaultTimeout = DefaultTimeout
		}
		if c.UserAgent == "" {
			c.UserAgent = defaultUserAgent
		}
	}

	transport := c.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultDialTimeout,
				KeepAlive: defaultDialKeepAlive,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
			IdleConnTimeout:       defaultIdleConnTimeout,
			TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		}
	}

	return &Client{
		client:         &http.Client{Transport: transport},
		defaultTimeout: c.DefaultTimeout,
		userAgent:      c.UserAgent,
	}
}

// Do executes req under ctx. When ctx has no deadline the default timeout applies,
// and the returned cancel func must be called once the body has been consumed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, context.CancelFunc, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.defaultTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
	}
	req = req.WithContext(ctx)

	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)

	c.hookMu.RLock()
	hook := c.afterResponse
	c.hookMu.RUnlock()
	if hook != nil {
		hook(req, resp, time.Since(start), err)
	}

	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

// Fetch GETs url and returns the body, failing on non-2xx statuses and on bodies
// larger than maxBytes (0 means unlimited).
func (c *Client) Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to create GET request: %w", err)).
			Component("httpclient").
			Category(errors.CategoryValidation).
			Build()
	}

	resp, cancel, err := c.Do(ctx, req)
	if err != nil {
		return nil, errors.NetworkError(fmt.Errorf("GET %s: %w", url, err), url, c.defaultTimeout)
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		category := errors.CategoryHTTP
		if resp.StatusCode == http.StatusNotFound {
			category = errors.CategoryNotFound
		}
		return nil, errors.Newf("GET %s: unexpected status %d", url, resp.StatusCode).
			Component("httpclient").
			Category(category).
			Context("status", resp.StatusCode).
			NetworkContext(url, 0).
			Build()
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		if resp.ContentLength > maxBytes {
			return nil, ErrBodyTooLarge
		}
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.NetworkError(fmt.Errorf("reading %s: %w", url, err), url, c.defaultTimeout)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// SetAfterResponseHook sets a function called after every request with its duration.
func (c *Client) SetAfterResponseHook(fn func(*http.Request, *http.Response, time.Duration, error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.afterResponse = fn
}

// Close closes idle connections in the pool.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
