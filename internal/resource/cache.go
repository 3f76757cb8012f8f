package resource

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/future"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
)

// DefaultMaxConcurrent bounds simultaneous fetches when Config leaves it unset.
const DefaultMaxConcurrent = 4

// Observer receives cache events for metrics.
type Observer interface {
	// FetchCompleted is called once per fetch-and-decode with the URL scheme.
	FetchCompleted(scheme string, bytes int, d time.Duration, err error)
	// EntriesChanged is called with the number of live entries after it changes.
	EntriesChanged(n int)
}

// Config configures a Cache
type Config struct {
	Fetcher Fetcher
	// Decode turns fetched bytes into a buffer at the context rate
	Decode func(data []byte) (*audio.Buffer, error)
	// Dispatch runs completions on the owner's event queue. Nil runs them on
	// the fetching goroutine.
	Dispatch      func(fn func())
	MaxConcurrent int
	// Retain keeps successful decodes this long after their last user is
	// gone; 0 disables retention
	Retain time.Duration
	// OnError is called once per user of a URL whose load failed
	OnError  func(url string, owner graph.NodeID, err error)
	Observer Observer
	Logger   logger.Logger
}

type claimKey struct {
	owner graph.NodeID
	param string
}

// claim is one (owner, param) holding a URL. cancelled is the liveness guard
// checked immediately before assign runs.
type claim struct {
	cancelled atomic.Bool
	assign    func(*audio.Buffer)
}

type entry struct {
	url     string
	pending *future.Future[*audio.Buffer]
	claims  map[claimKey]*claim
}

// Cache tracks fetch-and-decode operations keyed by URL and reference counted
// by the (node, parameter) pairs that hold them. It is safe for concurrent use,
// but completions are only race-free with respect to Load and Dereference when
// all three run on the same event queue through Dispatch.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	retained *gocache.Cache
	closed   bool

	fetcher  Fetcher
	decode   func([]byte) (*audio.Buffer, error)
	dispatch func(func())
	retain   time.Duration
	onError  func(string, graph.NodeID, error)
	observer Observer
	log      logger.Logger

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a cache. Decode is required; a nil Fetcher selects a
// URLFetcher with default settings.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Decode == nil {
		return nil, errors.Newf("resource cache needs a decode function").
			Component(componentResource).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewFetcher(FetcherConfig{})
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(fn func()) { fn() }
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:  map[string]*entry{},
		fetcher:  cfg.Fetcher,
		decode:   cfg.Decode,
		dispatch: cfg.Dispatch,
		retain:   cfg.Retain,
		onError:  cfg.OnError,
		observer: cfg.Observer,
		log:      cfg.Logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Retain > 0 {
		// cleanup interval 0: no janitor goroutine, expired items are
		// pruned on eviction instead
		c.retained = gocache.New(cfg.Retain, 0)
	}
	return c, nil
}

// Load registers (owner, param) as a user of url and schedules a fetch unless
// one is pending or done. assign receives the decoded buffer only if the claim
// is still held when the load completes. A settled entry assigns before Load
// returns. A previous claim by the same (owner, param) is cancelled.
func (c *Cache) Load(owner graph.NodeID, param, url string, assign func(*audio.Buffer)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	e, ok := c.entries[url]
	if !ok {
		e = &entry{url: url, claims: map[claimKey]*claim{}}
		if buf, hit := c.retainedBuffer(url); hit {
			e.pending = future.Resolved(buf)
			c.log.Debug("buffer served from retention", logger.String("url", displayURL(url)))
		}
		c.entries[url] = e
	}

	key := claimKey{owner: owner, param: param}
	if old := e.claims[key]; old != nil {
		old.cancelled.Store(true)
	}
	cl := &claim{assign: assign}
	e.claims[key] = cl

	start := false
	if e.pending == nil || failed(e.pending) {
		e.pending = future.New[*audio.Buffer]()
		start = true
		c.wg.Add(1)
	}
	fut := e.pending
	n := len(c.entries)
	c.mu.Unlock()

	if !ok {
		c.entriesChanged(n)
	}
	if start {
		c.log.Debug("fetching buffer",
			logger.String("url", displayURL(url)),
			logger.String("owner", string(owner)),
			logger.String("param", param))
		go c.fetch(e, fut)
		return
	}
	if buf, settled, err := fut.Result(); settled && err == nil {
		assign(buf)
	}
}

// Dereference drops the (owner, param) claim on url. The entry is evicted once
// no claim remains; an in-flight fetch is not cancelled, its result is
// discarded.
func (c *Cache) Dereference(url string, owner graph.NodeID, param string) {
	c.mu.Lock()
	e, ok := c.entries[url]
	if !ok {
		c.mu.Unlock()
		return
	}
	key := claimKey{owner: owner, param: param}
	if cl := e.claims[key]; cl != nil {
		cl.cancelled.Store(true)
		delete(e.claims, key)
	}
	evicted := len(e.claims) == 0
	if evicted {
		delete(c.entries, url)
		c.retainLocked(e)
	}
	n := len(c.entries)
	c.mu.Unlock()

	if evicted {
		c.log.Debug("buffer evicted", logger.String("url", displayURL(url)))
		c.entriesChanged(n)
	}
}

// Pending returns the current load of url, or nil when url has no entry.
func (c *Cache) Pending(url string) *future.Future[*audio.Buffer] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[url]; ok {
		return e.pending
	}
	return nil
}

// Users returns the distinct owners holding url, sorted.
func (c *Cache) Users(url string) []graph.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return nil
	}
	var users []graph.NodeID
	for key := range e.claims {
		if !slices.Contains(users, key.owner) {
			users = append(users, key.owner)
		}
	}
	slices.Sort(users)
	return users
}

// URLs returns every cached URL, sorted.
func (c *Cache) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls := make([]string, 0, len(c.entries))
	for url := range c.entries {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close cancels in-flight fetches and waits for their goroutines. Completions
// that have not been dispatched yet are dropped. The caller must not hold the
// lock its Dispatch function takes.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	if c.retained != nil {
		c.retained.Flush()
	}
}

func (c *Cache) fetch(e *entry, fut *future.Future[*audio.Buffer]) {
	defer c.wg.Done()

	start := time.Now()
	buf, size, err := c.fetchAndDecode(e.url)
	if c.observer != nil {
		c.observer.FetchCompleted(scheme(e.url), size, time.Since(start), err)
	}
	settle := func() {
		if err != nil {
			fut.Reject(err)
		} else {
			fut.Resolve(buf)
		}
	}

	// Settling inside the dispatched function means anyone who waits on the
	// future and then dispatches runs after the assignments.
	if !c.isClosed() {
		c.dispatch(func() {
			settle()
			c.complete(e, fut)
		})
	}
	// no-op unless dispatch dropped the function
	settle()
}

func (c *Cache) fetchAndDecode(url string) (*audio.Buffer, int, error) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return nil, 0, errors.New(fmt.Errorf("waiting for fetch slot: %w", err)).
			Component(componentResource).
			Category(errors.CategoryCancellation).
			Context("url", displayURL(url)).
			Build()
	}
	data, err := c.fetcher.Fetch(c.ctx, url)
	c.sem.Release(1)
	if err != nil {
		return nil, 0, err
	}

	buf, err := c.decode(data)
	if err != nil {
		return nil, len(data), errors.New(fmt.Errorf("decoding %s: %w", displayURL(url), err)).
			Component(componentResource).
			Category(errors.CategoryFileParsing).
			Context("url", displayURL(url)).
			Context("bytes", len(data)).
			Build()
	}
	return buf, len(data), nil
}

// complete delivers a settled load to every claim still holding it.
func (c *Cache) complete(e *entry, fut *future.Future[*audio.Buffer]) {
	c.mu.Lock()
	if c.closed || c.entries[e.url] != e || e.pending != fut {
		c.mu.Unlock()
		return
	}
	keys := make([]claimKey, 0, len(e.claims))
	for key := range e.claims {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b claimKey) int {
		return cmp.Or(cmp.Compare(a.owner, b.owner), cmp.Compare(a.param, b.param))
	})
	claims := make([]*claim, len(keys))
	for i, key := range keys {
		claims[i] = e.claims[key]
	}
	c.mu.Unlock()

	buf, _, err := fut.Result()
	if err != nil {
		c.log.Warn("buffer load failed",
			logger.String("url", displayURL(e.url)),
			logger.Int("users", len(keys)),
			logger.Error(err))
		if c.onError == nil {
			return
		}
		var reported []graph.NodeID
		for _, key := range keys {
			if slices.Contains(reported, key.owner) {
				continue
			}
			reported = append(reported, key.owner)
			c.onError(e.url, key.owner, err)
		}
		return
	}

	for _, cl := range claims {
		if !cl.cancelled.Load() {
			cl.assign(buf)
		}
	}
}

// retainLocked moves a successful decode of an evicted entry into retention.
// Caller holds mu.
func (c *Cache) retainLocked(e *entry) {
	if c.retained == nil || e.pending == nil {
		return
	}
	c.retained.DeleteExpired()
	if buf, settled, err := e.pending.Result(); settled && err == nil {
		c.retained.Set(e.url, buf, c.retain)
	}
}

// retainedBuffer takes url out of retention. Caller holds mu.
func (c *Cache) retainedBuffer(url string) (*audio.Buffer, bool) {
	if c.retained == nil {
		return nil, false
	}
	v, ok := c.retained.Get(url)
	if !ok {
		return nil, false
	}
	c.retained.Delete(url)
	buf, ok := v.(*audio.Buffer)
	return buf, ok
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cache) entriesChanged(n int) {
	if c.observer != nil {
		c.observer.EntriesChanged(n)
	}
}

func failed(f *future.Future[*audio.Buffer]) bool {
	_, settled, err := f.Result()
	return settled && err != nil
}

// scheme returns a low-cardinality label for url.
func scheme(url string) string {
	switch {
	case strings.HasPrefix(url, "data:"):
		return "data"
	case strings.HasPrefix(url, "https://"):
		return "https"
	case strings.HasPrefix(url, "http://"):
		return "http"
	default:
		return "file"
	}
}
