// Package resource fetches externally referenced audio files and shares their
// decoded buffers between the nodes that reference them.
package resource

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/httpclient"
	"github.com/tphakala/audiograph/internal/logger"
)

const componentResource = "resource"

// DefaultMaxBytes caps a single fetched file when no limit is configured.
const DefaultMaxBytes = 256 << 20

// ErrTooLarge is returned when a resource exceeds the byte cap
var ErrTooLarge = errors.New(errors.NewStd("resource exceeds size limit")).
	Component(componentResource).
	Category(errors.CategoryResource).
	Build()

// ErrUnsupportedScheme is returned for URLs the fetcher cannot read
var ErrUnsupportedScheme = errors.New(errors.NewStd("unsupported resource scheme")).
	Component(componentResource).
	Category(errors.CategoryValidation).
	Build()

// GetLogger returns the resource module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("resource")
}

// Fetcher reads the raw bytes behind a resource URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherConfig configures a URLFetcher
type FetcherConfig struct {
	// MaxBytes caps every fetch regardless of scheme
	MaxBytes int64
	// RateLimit is remote fetches per second; 0 disables limiting
	RateLimit float64
	RateBurst int
	Timeout   time.Duration
	UserAgent string
	// Transport replaces the HTTP transport; tests inject mocks here
	Transport http.RoundTripper
	// BaseDir resolves relative file paths
	BaseDir string
}

// URLFetcher reads file://, bare path, http(s):// and data: URLs.
type URLFetcher struct {
	client   *httpclient.Client
	limiter  *rate.Limiter
	maxBytes int64
	baseDir  string
}

// NewFetcher creates a URLFetcher.
func NewFetcher(cfg FetcherConfig) *URLFetcher {
	f := &URLFetcher{
		client: httpclient.New(&httpclient.Config{
			DefaultTimeout: cfg.Timeout,
			UserAgent:      cfg.UserAgent,
			Transport:      cfg.Transport,
		}),
		maxBytes: cfg.MaxBytes,
		baseDir:  cfg.BaseDir,
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return f
}

// Fetch reads the resource at rawURL.
func (f *URLFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		return f.fetchData(rawURL)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return f.fetchHTTP(ctx, rawURL)
	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fetchError(rawURL, err, errors.CategoryValidation)
		}
		return f.fetchFile(rawURL, u.Path)
	case strings.Contains(rawURL, "://"):
		return nil, errors.New(fmt.Errorf("%w: %s", ErrUnsupportedScheme, rawURL)).
			Component(componentResource).
			Category(errors.CategoryValidation).
			Context("url", rawURL).
			Build()
	default:
		return f.fetchFile(rawURL, rawURL)
	}
}

// Close releases idle connections.
func (f *URLFetcher) Close() {
	f.client.Close()
}

func (f *URLFetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, errors.New(fmt.Errorf("waiting for fetch slot: %w", err)).
				Component(componentResource).
				Category(errors.CategoryCancellation).
				Context("url", rawURL).
				Context("operation", "rate_limiter_wait").
				Build()
		}
	}
	data, err := f.client.Fetch(ctx, rawURL, f.maxBytes)
	if errors.Is(err, httpclient.ErrBodyTooLarge) {
		return nil, tooLarge(rawURL, f.maxBytes)
	}
	if err != nil {
		return nil, fetchError(rawURL, err, errors.CategoryNetwork)
	}
	return data, nil
}

func (f *URLFetcher) fetchFile(rawURL, path string) ([]byte, error) {
	if !filepath.IsAbs(path) && f.baseDir != "" {
		path = filepath.Join(f.baseDir, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fetchError(rawURL, err, errors.CategoryFileIO)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, f.maxBytes+1))
	if err != nil {
		return nil, fetchError(rawURL, err, errors.CategoryFileIO)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, tooLarge(rawURL, f.maxBytes)
	}
	return data, nil
}

// fetchData decodes "data:[<mediatype>][;base64],<payload>".
func (f *URLFetcher) fetchData(rawURL string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	if !ok {
		return nil, fetchError(rawURL, fmt.Errorf("data URL has no payload"), errors.CategoryValidation)
	}

	var data []byte
	if strings.HasSuffix(meta, ";base64") {
		dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload))
		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(dec, f.maxBytes+1))
		if err != nil {
			return nil, fetchError(rawURL, err, errors.CategoryFileParsing)
		}
		if n > f.maxBytes {
			return nil, tooLarge(rawURL, f.maxBytes)
		}
		data = buf.Bytes()
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fetchError(rawURL, err, errors.CategoryFileParsing)
		}
		data = []byte(s)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, tooLarge(rawURL, f.maxBytes)
	}
	return data, nil
}

func fetchError(rawURL string, err error, category errors.ErrorCategory) error {
	return errors.New(fmt.Errorf("fetching %s: %w", displayURL(rawURL), err)).
		Component(componentResource).
		Category(category).
		Context("url", displayURL(rawURL)).
		Build()
}

func tooLarge(rawURL string, limit int64) error {
	return errors.New(fmt.Errorf("%w: %s is over %d bytes", ErrTooLarge, displayURL(rawURL), limit)).
		Component(componentResource).
		Category(errors.CategoryResource).
		Context("url", displayURL(rawURL)).
		Build()
}

// displayURL shortens data URLs for messages and log fields.
func displayURL(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") && len(rawURL) > 48 {
		return rawURL[:48] + "..."
	}
	return rawURL
}

var _ Fetcher = (*URLFetcher)(nil)
