// Package telemetry provides opt-in error reporting to Sentry. Nothing is
// sent unless telemetry.sentry_dsn is configured.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

// DefaultFlushTimeout bounds how long Shutdown waits for queued events.
const DefaultFlushTimeout = 2 * time.Second

var initialized atomic.Bool

// GetLogger returns the telemetry module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}

// Option adjusts the Sentry client options.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport; tests pass a CaptureTransport.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// Init starts Sentry and routes every built EnhancedError to it. It reports
// whether telemetry was enabled.
func Init(settings *conf.Settings, version string, opts ...Option) (bool, error) {
	dsn := settings.Telemetry.SentryDSN
	if dsn == "" {
		GetLogger().Debug("telemetry disabled, no DSN configured")
		return false, nil
	}

	options := sentry.ClientOptions{
		Dsn:              dsn,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          fmt.Sprintf("audiograph@%s", version),
		BeforeSend:       scrubEvent,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if err := sentry.Init(options); err != nil {
		return false, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized.Store(true)
	GetLogger().Info("telemetry enabled", logger.String("release", options.Release))
	return true, nil
}

// Enabled reports whether Init enabled telemetry and Shutdown has not run.
func Enabled() bool {
	return initialized.Load()
}

// Shutdown stops reporting and flushes queued events.
func Shutdown(timeout time.Duration) {
	if !initialized.Swap(false) {
		return
	}
	errors.SetTelemetryReporter(nil)
	if !sentry.Flush(timeout) {
		GetLogger().Warn("telemetry flush timed out", logger.Duration("timeout", timeout))
	}
}

// scrubEvent drops host and user details before anything leaves the process.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.ServerName = ""
	event.User = sentry.User{}
	event.Request = nil
	return event
}
