package audiograph

import (
	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/audio/malgo"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
	"github.com/tphakala/audiograph/internal/observability"
	"github.com/tphakala/audiograph/internal/resource"
)

// ContextFactory creates a processing context. It is called at construction
// and again after every Stop, with the sample rate of the first context.
// Contexts must load processor modules through loader.
type ContextFactory func(sampleRate float64, loader audio.ModuleLoader) (audio.Context, error)

// Option configures an Engine
type Option func(*options)

type options struct {
	graph      graph.Graph
	extensions []nodetype.Extension
	context    audio.Context
	factory    ContextFactory
	settings   *conf.Settings
	fetcher    resource.Fetcher
	baseDir    string
	log        logger.Logger
	metrics    *observability.Metrics
	strict     *bool
}

// WithGraph sets the graph applied once the engine is ready.
func WithGraph(g graph.Graph) Option {
	return func(o *options) { o.graph = g }
}

// WithExtensions adds custom node types on top of the built-ins.
func WithExtensions(exts ...nodetype.Extension) Option {
	return func(o *options) { o.extensions = append(o.extensions, exts...) }
}

// WithContext uses ctx as the first context. Without a factory, the context
// built after Stop is a default realtime context at ctx's sample rate.
func WithContext(ctx audio.Context) Option {
	return func(o *options) { o.context = ctx }
}

// WithContextFactory sets how contexts are created.
func WithContextFactory(f ContextFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithOffline renders into offline contexts of length frames, using the
// configured channel count.
func WithOffline(length int) Option {
	return func(o *options) {
		o.factory = func(rate float64, loader audio.ModuleLoader) (audio.Context, error) {
			channels := 2
			if o.settings != nil {
				channels = o.settings.Audio.Channels
			}
			return audio.NewOfflineContext(channels, length, rate, audio.WithModuleLoader(loader))
		}
	}
}

// WithSettings overrides the global settings.
func WithSettings(s *conf.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithFetcher replaces the resource fetcher used for buffers and modules.
func WithFetcher(f resource.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithBaseDir resolves relative file paths in buffer and processor URLs
// against dir. It has no effect together with WithFetcher.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.baseDir = dir }
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records engine and resource metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStrict overrides engine.strict from the settings. Strict engines return
// usage errors; lenient ones log them and carry on.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = &strict }
}

// DefaultContextFactory opens realtime contexts on the configured output
// device. The "null" backend renders without a sound card.
func DefaultContextFactory(settings *conf.Settings) ContextFactory {
	return func(rate float64, loader audio.ModuleLoader) (audio.Context, error) {
		var device audio.DeviceFactory = audio.NewNullDevice
		if settings.Audio.Backend != "null" {
			device = malgo.Factory(malgo.Config{
				Backend:    settings.Audio.Backend,
				DeviceName: settings.Audio.Device,
			})
		}
		return audio.NewRealtimeContext(
			audio.WithSampleRate(rate),
			audio.WithChannels(settings.Audio.Channels),
			audio.WithLatencyFrames(settings.Audio.LatencyFrames),
			audio.WithDevice(device),
			audio.WithModuleLoader(loader),
		)
	}
}
