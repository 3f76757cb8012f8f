package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// CaptureTransport is a sentry.Transport that keeps events in memory instead
// of sending them.
type CaptureTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
	closed bool
}

// NewCaptureTransport returns an empty CaptureTransport.
func NewCaptureTransport() *CaptureTransport {
	return &CaptureTransport{}
}

//nolint:gocritic // hugeParam: signature fixed by sentry.Transport
func (c *CaptureTransport) Configure(sentry.ClientOptions) {}

func (c *CaptureTransport) SendEvent(event *sentry.Event) {
	c.mu.Lock()
	if !c.closed {
		c.events = append(c.events, event)
	}
	c.mu.Unlock()
}

func (c *CaptureTransport) Flush(time.Duration) bool { return true }

func (c *CaptureTransport) FlushWithContext(ctx context.Context) bool { return ctx.Err() == nil }

// Close drops captured events; later sends are ignored.
func (c *CaptureTransport) Close() {
	c.mu.Lock()
	c.events, c.closed = nil, true
	c.mu.Unlock()
}

// Events returns the captured events tagged with component, or all of them
// when component is empty.
func (c *CaptureTransport) Events(component string) []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*sentry.Event
	for _, ev := range c.events {
		if component == "" || ev.Tags["component"] == component {
			out = append(out, ev)
		}
	}
	return out
}

// Len reports how many events have been captured.
func (c *CaptureTransport) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Last returns the most recently captured event, or nil.
func (c *CaptureTransport) Last() *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.events); n > 0 {
		return c.events[n-1]
	}
	return nil
}
