package resource

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedFetcher returns len(url) bytes for each URL once its gate is opened.
type gatedFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[string]chan struct{}
	fail  map[string]error
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		calls: map[string]int{},
		gates: map[string]chan struct{}{},
		fail:  map[string]error{},
	}
}

// hold makes fetches of url block until release.
func (f *gatedFetcher) hold(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[url] = make(chan struct{})
}

func (f *gatedFetcher) release(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gates[url])
	delete(f.gates, url)
}

func (f *gatedFetcher) failWith(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, url)
		return
	}
	f.fail[url] = err
}

func (f *gatedFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	gate := f.gates[url]
	err := f.fail[url]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(url), nil
}

// lengthDecode yields a mono buffer as long as the fetched data.
func lengthDecode(data []byte) (*audio.Buffer, error) {
	return audio.NewBuffer(1, len(data), 8000), nil
}

// recorder collects assignments per owner.
type recorder struct {
	mu  sync.Mutex
	got map[graph.NodeID][]int
}

func newRecorder() *recorder {
	return &recorder{got: map[graph.NodeID][]int{}}
}

func (r *recorder) assign(owner graph.NodeID) func(*audio.Buffer) {
	return func(b *audio.Buffer) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got[owner] = append(r.got[owner], b.Length())
	}
}

func (r *recorder) lengths(owner graph.NodeID) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got[owner]...)
}

func newTestCache(t *testing.T, f Fetcher, mutate func(*Config)) *Cache {
	t.Helper()
	cfg := Config{Fetcher: f, Decode: lengthDecode, Logger: logger.NewDiscard()}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewCache(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewCacheRequiresDecode(t *testing.T) {
	_, err := NewCache(Config{Fetcher: newGatedFetcher()})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestSharedEntryFetchesOnce(t *testing.T) {
	f := newGatedFetcher()
	f.hold("kick.wav")
	c := newTestCache(t, f, nil)
	rec := newRecorder()

	c.Load("A", "buffer", "kick.wav", rec.assign("A"))
	c.Load("B", "buffer", "kick.wav", rec.assign("B"))
	assert.Equal(t, []graph.NodeID{"A", "B"}, c.Users("kick.wav"))
	assert.Equal(t, 1, c.Len())

	f.release("kick.wav")
	_, err := c.Pending("kick.wav").Wait(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.lengths("A")) == 1 && len(rec.lengths("B")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.count("kick.wav"))
	assert.Equal(t, []int{len("kick.wav")}, rec.lengths("A"))
}

func TestSettledEntryAssignsSynchronously(t *testing.T) {
	f := newGatedFetcher()
	c := newTestCache(t, f, nil)
	rec := newRecorder()

	c.Load("A", "buffer", "snare.wav", rec.assign("A"))
	_, err := c.Pending("snare.wav").Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.lengths("A")) == 1 }, time.Second, 5*time.Millisecond)

	c.Load("B", "buffer", "snare.wav", rec.assign("B"))
	assert.Len(t, rec.lengths("B"), 1)
	assert.Equal(t, 1, f.count("snare.wav"))
}

func TestDereferenceCountsUsers(t *testing.T) {
	c := newTestCache(t, newGatedFetcher(), nil)
	rec := newRecorder()

	c.Load("A", "buffer", "u.wav", rec.assign("A"))
	c.Load("B", "buffer", "u.wav", rec.assign("B"))

	c.Dereference("u.wav", "A", "buffer")
	assert.Equal(t, []graph.NodeID{"B"}, c.Users("u.wav"))
	assert.Equal(t, 1, c.Len())

	c.Dereference("u.wav", "B", "buffer")
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Pending("u.wav"))
	assert.Nil(t, c.Users("u.wav"))

	// unknown URLs and claims are ignored
	c.Dereference("u.wav", "B", "buffer")
	c.Dereference("other.wav", "A", "buffer")
}

func TestOwnerWithTwoParamsStaysUser(t *testing.T) {
	c := newTestCache(t, newGatedFetcher(), nil)
	rec := newRecorder()

	c.Load("A", "left", "u.wav", rec.assign("A"))
	c.Load("A", "right", "u.wav", rec.assign("A"))
	c.Dereference("u.wav", "A", "left")
	assert.Equal(t, []graph.NodeID{"A"}, c.Users("u.wav"))
}

func TestStaleLoadDoesNotOverwrite(t *testing.T) {
	f := newGatedFetcher()
	f.hold("old.wav")
	c := newTestCache(t, f, nil)
	rec := newRecorder()

	c.Load("A", "buffer", "old.wav", rec.assign("A"))
	// reassignment: the reconciler dereferences the old URL, then loads the new one
	c.Dereference("old.wav", "A", "buffer")
	c.Load("A", "buffer", "longer-new.wav", rec.assign("A"))

	_, err := c.Pending("longer-new.wav").Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.lengths("A")) == 1 }, time.Second, 5*time.Millisecond)

	f.release("old.wav")
	// give the discarded fetch time to complete
	require.Eventually(t, func() bool { return f.count("old.wav") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []int{len("longer-new.wav")}, rec.lengths("A"))
	assert.Equal(t, []string{"longer-new.wav"}, c.URLs())
}

func TestReloadBySameClaimCancelsPrevious(t *testing.T) {
	f := newGatedFetcher()
	f.hold("u.wav")
	c := newTestCache(t, f, nil)

	var first, second int
	var mu sync.Mutex
	c.Load("A", "buffer", "u.wav", func(*audio.Buffer) { mu.Lock(); first++; mu.Unlock() })
	c.Load("A", "buffer", "u.wav", func(*audio.Buffer) { mu.Lock(); second++; mu.Unlock() })
	f.release("u.wav")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Zero(t, first)
	mu.Unlock()
	assert.Equal(t, 1, f.count("u.wav"))
}

func TestFailedLoadReportsAndRefetches(t *testing.T) {
	f := newGatedFetcher()
	f.failWith("bad.wav", fmt.Errorf("connection refused"))

	type report struct {
		url   string
		owner graph.NodeID
	}
	var mu sync.Mutex
	var reports []report
	c := newTestCache(t, f, func(cfg *Config) {
		cfg.OnError = func(url string, owner graph.NodeID, err error) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, report{url, owner})
		}
	})
	rec := newRecorder()

	c.Load("A", "buffer", "bad.wav", rec.assign("A"))
	c.Load("B", "buffer", "bad.wav", rec.assign("B"))
	_, err := c.Pending("bad.wav").Wait(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.lengths("A"))
	// the failed entry keeps its users
	assert.Equal(t, []graph.NodeID{"A", "B"}, c.Users("bad.wav"))

	f.failWith("bad.wav", nil)
	c.Load("C", "buffer", "bad.wav", rec.assign("C"))
	_, err = c.Pending("bad.wav").Wait(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rec.lengths("A")) == 1 && len(rec.lengths("B")) == 1 && len(rec.lengths("C")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.count("bad.wav"))
}

func TestDecodeFailureIsParsingError(t *testing.T) {
	c := newTestCache(t, newGatedFetcher(), func(cfg *Config) {
		cfg.Decode = func([]byte) (*audio.Buffer, error) { return nil, audio.ErrUnsupportedFormat }
	})
	c.Load("A", "buffer", "noise.bin", func(*audio.Buffer) {})
	_, err := c.Pending("noise.bin").Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, audio.ErrUnsupportedFormat))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestDispatchRunsCompletions(t *testing.T) {
	var mu sync.Mutex
	dispatched := 0
	c := newTestCache(t, newGatedFetcher(), func(cfg *Config) {
		cfg.Dispatch = func(fn func()) {
			mu.Lock()
			defer mu.Unlock()
			dispatched++
			fn()
		}
	})
	rec := newRecorder()
	c.Load("A", "buffer", "u.wav", rec.assign("A"))

	require.Eventually(t, func() bool { return len(rec.lengths("A")) == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, dispatched)
	mu.Unlock()
}

func TestRetentionServesEvictedBuffer(t *testing.T) {
	f := newGatedFetcher()
	c := newTestCache(t, f, func(cfg *Config) { cfg.Retain = time.Minute })
	rec := newRecorder()

	c.Load("A", "buffer", "pad.wav", rec.assign("A"))
	_, err := c.Pending("pad.wav").Wait(context.Background())
	require.NoError(t, err)
	c.Dereference("pad.wav", "A", "buffer")
	assert.Equal(t, 0, c.Len())

	c.Load("B", "buffer", "pad.wav", rec.assign("B"))
	assert.Len(t, rec.lengths("B"), 1)
	assert.Equal(t, 1, f.count("pad.wav"))
}

type countingObserver struct {
	mu      sync.Mutex
	fetches map[string]int
	entries []int
}

func (o *countingObserver) FetchCompleted(scheme string, _ int, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches[scheme]++
}

func (o *countingObserver) EntriesChanged(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, n)
}

func TestObserverSeesFetchesAndEntries(t *testing.T) {
	obs := &countingObserver{fetches: map[string]int{}}
	c := newTestCache(t, newGatedFetcher(), func(cfg *Config) { cfg.Observer = obs })

	c.Load("A", "buffer", "https://media.example.com/a.wav", func(*audio.Buffer) {})
	_, err := c.Pending("https://media.example.com/a.wav").Wait(context.Background())
	require.NoError(t, err)
	c.Dereference("https://media.example.com/a.wav", "A", "buffer")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.fetches["https"])
	assert.Equal(t, []int{1, 0}, obs.entries)
}

func TestCloseCancelsInFlight(t *testing.T) {
	f := newGatedFetcher()
	f.hold("slow.wav")
	c, err := NewCache(Config{Fetcher: f, Decode: lengthDecode, Logger: logger.NewDiscard()})
	require.NoError(t, err)

	called := false
	c.Load("A", "buffer", "slow.wav", func(*audio.Buffer) { called = true })
	pending := c.Pending("slow.wav")
	c.Close()

	_, err = pending.Wait(context.Background())
	require.Error(t, err)
	assert.False(t, called)

	// loads after close are ignored
	c.Load("B", "buffer", "slow.wav", func(*audio.Buffer) { called = true })
	assert.False(t, called)
	c.Close()
}

func TestFetchDataURL(t *testing.T) {
	f := NewFetcher(FetcherConfig{})
	payload := base64.StdEncoding.EncodeToString([]byte("RIFFdata"))

	data, err := f.Fetch(context.Background(), "data:audio/wav;base64,"+payload)
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(data))

	data, err = f.Fetch(context.Background(), "data:,hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = f.Fetch(context.Background(), "data:audio/wav;base64")
	require.Error(t, err)

	small := NewFetcher(FetcherConfig{MaxBytes: 4})
	_, err = small.Fetch(context.Background(), "data:audio/wav;base64,"+payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tone.wav"), []byte("0123456789"), 0o600))

	f := NewFetcher(FetcherConfig{BaseDir: dir})
	data, err := f.Fetch(context.Background(), "tone.wav")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	data, err = f.Fetch(context.Background(), "file://"+filepath.Join(dir, "tone.wav"))
	require.NoError(t, err)
	assert.Len(t, data, 10)

	_, err = f.Fetch(context.Background(), "missing.wav")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	small := NewFetcher(FetcherConfig{BaseDir: dir, MaxBytes: 8})
	_, err = small.Fetch(context.Background(), "tone.wav")
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestFetchHTTP(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://media.example.com/kick.wav",
		httpmock.NewBytesResponder(http.StatusOK, []byte("RIFFkick")))
	transport.RegisterResponder(http.MethodGet, "https://media.example.com/big.wav",
		httpmock.NewBytesResponder(http.StatusOK, make([]byte, 64)))
	transport.RegisterResponder(http.MethodGet, "https://media.example.com/gone.wav",
		httpmock.NewStringResponder(http.StatusNotFound, "nope"))

	f := NewFetcher(FetcherConfig{Transport: transport, MaxBytes: 32, RateLimit: 100, RateBurst: 2})
	defer f.Close()

	data, err := f.Fetch(context.Background(), "https://media.example.com/kick.wav")
	require.NoError(t, err)
	assert.Equal(t, "RIFFkick", string(data))

	_, err = f.Fetch(context.Background(), "https://media.example.com/big.wav")
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = f.Fetch(context.Background(), "https://media.example.com/gone.wav")
	require.Error(t, err)
	assert.Equal(t, 3, transport.GetTotalCallCount())
}

func TestFetchRateLimitHonoursContext(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://media.example.com/a.wav",
		httpmock.NewStringResponder(http.StatusOK, "a"))
	f := NewFetcher(FetcherConfig{Transport: transport, RateLimit: 0.001, RateBurst: 1})

	_, err := f.Fetch(context.Background(), "https://media.example.com/a.wav")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://media.example.com/a.wav")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestFetchUnsupportedScheme(t *testing.T) {
	_, err := NewFetcher(FetcherConfig{}).Fetch(context.Background(), "ftp://media.example.com/a.wav")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedScheme))
	assert.True(t, errors.IsUsage(err))
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "data", scheme("data:,x"))
	assert.Equal(t, "https", scheme("https://a/b"))
	assert.Equal(t, "http", scheme("http://a/b"))
	assert.Equal(t, "file", scheme("/tmp/a.wav"))
	assert.Equal(t, "file", scheme("file:///tmp/a.wav"))
}
