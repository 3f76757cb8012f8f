// Package audiograph is the engine facade. An Engine owns the node type
// registry, the resource cache, the reconciler and the playback controller,
// and keeps a live audio graph in step with the snapshots passed to Update.
//
// Nodes are compared by identity: a node is unchanged when its pointer is,
// and a collection is skipped when its map is. Callers build a new value for
// any node they change, which the graph.With* helpers do. Edges are compared
// by value.
package audiograph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/future"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
	"github.com/tphakala/audiograph/internal/observability"
	"github.com/tphakala/audiograph/internal/observability/metrics"
	"github.com/tphakala/audiograph/internal/playback"
	"github.com/tphakala/audiograph/internal/reconcile"
	"github.com/tphakala/audiograph/internal/resource"
	"github.com/tphakala/audiograph/internal/units"
	"github.com/tphakala/audiograph/internal/worklet"
)

const (
	componentEngine = "engine"
	errorsBuffer    = 64
)

// ErrClosed is returned by operations on a closed engine
var ErrClosed = errors.New(errors.NewStd("engine is closed")).
	Component(componentEngine).
	Category(errors.CategoryState).
	Build()

// GetLogger returns the engine module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("engine")
}

// ResourceError reports a buffer that failed to load for a node.
type ResourceError struct {
	ID   string
	URL  string
	Node graph.NodeID
	Err  error
	Time time.Time
}

func (e ResourceError) Error() string {
	return fmt.Sprintf("loading %s for node %s: %v", e.URL, e.Node, e.Err)
}

func (e ResourceError) Unwrap() error { return e.Err }

// masterBus is the gain and analyser every graph plays through.
type masterBus struct {
	gain     audio.Unit
	analyser *units.Analyser
}

func newMasterBus(ctx audio.Context) (*masterBus, error) {
	gain, err := units.NewGain(ctx, graph.Params{"gain": 1.0})
	if err != nil {
		return nil, err
	}
	an, err := units.NewAnalyser(ctx, graph.Params{})
	if err != nil {
		return nil, err
	}
	if err := gain.Connect(an, 0, 0); err != nil {
		return nil, err
	}
	if err := an.Connect(ctx.Destination(), 0, 0); err != nil {
		return nil, err
	}
	return &masterBus{gain: gain, analyser: an.(*units.Analyser)}, nil
}

func (m *masterBus) gainParam() *audio.Param {
	p, _ := m.gain.Param("gain")
	return p
}

// Engine keeps a live audio graph in step with declarative snapshots. All
// methods are safe for concurrent use. One mutex serializes every operation
// together with the asynchronous tails: buffer completions, the suspend
// timer and the replay after Stop.
type Engine struct {
	id         string
	log        logger.Logger
	settings   *conf.Settings
	registry   *nodetype.Registry
	ownFetcher *resource.URLFetcher
	loader     *worklet.Loader
	cache      *resource.Cache
	rec        *reconcile.Reconciler
	ctrl       *playback.Controller
	factory    ContextFactory
	metrics    *observability.Metrics
	recorder   metrics.Recorder
	sampleRate float64
	initial    graph.Graph

	mu         sync.Mutex
	ctx        audio.Context
	master     *masterBus
	graph      graph.Graph // latest snapshot passed to Update
	applied    graph.Graph // snapshot the live table reflects
	swapping   bool
	closed     bool
	generation uint64

	readyF *future.Future[struct{}]
	filesF *future.Future[struct{}]
	errs   chan ResourceError

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine, applies the initial graph and starts loading
// processor modules. Nodes of processor types join the graph once their
// modules are loaded; Ready resolves at that point.
func New(opts ...Option) (*Engine, error) {
	o := &options{graph: graph.Empty()}
	for _, opt := range opts {
		opt(o)
	}
	if o.settings == nil {
		o.settings = conf.GetSettings()
	}
	settings := o.settings
	strict := settings.Engine.Strict
	if o.strict != nil {
		strict = *o.strict
	}

	id := uuid.NewString()
	log := o.log
	if log == nil {
		log = GetLogger()
	}
	log = log.With(logger.String("engine_id", id))

	registry, err := NewRegistry(strict, log, o.extensions...)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:       id,
		log:      log,
		settings: settings,
		registry: registry,
		metrics:  o.metrics,
		recorder: metrics.NoOpRecorder{},
		initial:  o.graph,
		graph:    o.graph,
		applied:  graph.Empty(),
		readyF:   future.New[struct{}](),
		filesF:   future.New[struct{}](),
		errs:     make(chan ResourceError, errorsBuffer),
	}
	if o.metrics != nil {
		e.recorder = o.metrics.Engine
	}

	fetcher := o.fetcher
	if fetcher == nil {
		e.ownFetcher = resource.NewFetcher(resource.FetcherConfig{
			MaxBytes:  settings.Resource.MaxBytes,
			RateLimit: settings.Resource.RateLimit,
			RateBurst: settings.Resource.RateBurst,
			Timeout:   settings.Resource.Timeout,
			UserAgent: settings.Resource.UserAgent,
			BaseDir:   o.baseDir,
		})
		fetcher = e.ownFetcher
	}
	e.loader = worklet.NewLoader(fetcher, worklet.LoaderConfig{
		MemoryLimitPages: settings.Worklet.MemoryLimitPages,
	})

	e.factory = o.factory
	if e.factory == nil {
		e.factory = DefaultContextFactory(settings)
	}
	ctx := o.context
	if ctx == nil {
		if ctx, err = e.factory(float64(settings.Audio.SampleRate), e.loader); err != nil {
			e.release()
			return nil, err
		}
	}
	e.sampleRate = ctx.SampleRate()

	master, err := newMasterBus(ctx)
	if err != nil {
		_ = ctx.Close()
		e.release()
		return nil, err
	}
	e.ctx = ctx
	e.master = master

	cacheCfg := resource.Config{
		Fetcher: fetcher,
		Decode: func(data []byte) (*audio.Buffer, error) {
			return audio.DecodeAudioData(data, e.sampleRate)
		},
		Dispatch:      e.dispatch,
		MaxConcurrent: settings.Resource.MaxConcurrent,
		Retain:        settings.Resource.Retain,
		OnError:       e.resourceFailed,
	}
	if o.metrics != nil {
		cacheCfg.Observer = o.metrics.Resource
	}
	if e.cache, err = resource.NewCache(cacheCfg); err != nil {
		_ = ctx.Close()
		e.release()
		return nil, err
	}

	e.rec = reconcile.New(ctx, master.gain, reconcile.Options{
		Registry: registry,
		Buffers:  e.cache,
		Strict:   strict,
		Recorder: e.recorder,
	})
	e.ctrl = playback.New(ctx, master.gainParam(), playback.Config{
		RampTimeConstant: settings.Engine.RampTimeConstant,
		SuspendDelay:     settings.Engine.SuspendDelay,
		Dispatch:         e.dispatch,
		OnStateChange:    e.stateChanged,
		Recorder:         e.recorder,
	})
	if e.metrics != nil {
		e.metrics.Engine.SetPlaybackState(playback.Stopped.String())
	}

	e.life, e.cancel = context.WithCancel(context.Background())
	e.mu.Lock()
	if err := e.apply(graph.Empty(), e.constructible(e.graph)); err != nil {
		e.log.Error("applying initial graph failed", logger.Error(err))
	}
	e.mu.Unlock()
	e.loadModules(ctx, e.becomeReady)

	e.log.Info("engine created",
		logger.Float64("sample_rate", e.sampleRate),
		logger.Bool("realtime", ctx.Realtime()),
		logger.Bool("strict", strict),
		logger.Int("types", len(registry.Types())))
	return e, nil
}

// NewRegistry returns a registry holding the built-in types, the processor
// types and exts. A type in exts that repeats a registered type is a conflict
// error in strict mode; otherwise it replaces the earlier registration with a
// warning.
func NewRegistry(strict bool, log logger.Logger, exts ...nodetype.Extension) (*nodetype.Registry, error) {
	registry := units.NewRegistry(nodetype.WithStrict(strict), nodetype.WithLogger(log))
	registry.MustRegister(worklet.Extensions()...)
	for _, ext := range exts {
		if err := registry.Register(ext); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// ID returns the engine instance id.
func (e *Engine) ID() string { return e.id }

// Registry returns the engine's node type registry.
func (e *Engine) Registry() *nodetype.Registry { return e.registry }

// Ready resolves once every processor module is loaded and the latest
// snapshot has been applied in full.
func (e *Engine) Ready() *future.Future[struct{}] { return e.readyF }

// FilesReady resolves once every buffer referenced by the initial graph has
// loaded. It is rejected with the joined errors when any of them failed.
// Buffers introduced by later updates are not tracked.
func (e *Engine) FilesReady() *future.Future[struct{}] { return e.filesF }

// Errors delivers buffer load failures. Nothing blocks on it: failures that
// find the channel full are logged and dropped. It is closed by Close.
func (e *Engine) Errors() <-chan ResourceError { return e.errs }

// Update applies next before it returns. With reset, the live graph is
// rebuilt from scratch instead of diffed against the last snapshot. Nodes
// whose processor module the current context has not loaded yet are held
// back together with their edges, and join once the module is in. Updates
// after Close are ignored.
func (e *Engine) Update(next graph.Graph, reset bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.log.Debug("update after close ignored")
		return nil
	}
	e.graph = next
	now := e.constructible(next)
	if reset {
		return e.rebuild(now)
	}
	return e.apply(e.applied, now)
}

// Play makes the output audible.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.ctrl.Play()
}

// Pause silences the output and suspends it after the debounce delay.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.ctrl.Pause()
}

// Stop silences the output, then replaces the context and replays the
// current graph into the new one.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.ctrl.Stop(e.swapContext)
}

// Close tears down every live unit and closes the context for good. Closing
// twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.ctrl.Close()
	e.rec.Teardown()
	err := e.ctx.Close()
	e.cancel()
	e.mu.Unlock()

	// completions dispatched from here on see closed and return
	e.cache.Close()
	e.wg.Wait()
	if lerr := e.loader.Close(context.Background()); lerr != nil {
		err = errors.Join(err, lerr)
	}
	if e.ownFetcher != nil {
		e.ownFetcher.Close()
	}
	e.readyF.Reject(ErrClosed)
	e.filesF.Reject(ErrClosed)
	close(e.errs)

	e.recorder.RecordOperation(metrics.OpClose, metrics.StatusSuccess)
	if e.metrics != nil {
		e.metrics.Engine.SetPlaybackState("closed")
		e.metrics.Engine.SetLiveGraph(0, 0)
	}
	e.log.Info("engine closed")
	return err
}

// Playing reports whether the output is audible.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Playing()
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// State returns the playback state, or "closed".
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "closed"
	}
	return e.ctrl.State().String()
}

// Graph returns the latest snapshot passed to Update.
func (e *Engine) Graph() graph.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

// LiveIDs returns the ids of the live units, sorted.
func (e *Engine) LiveIDs() []graph.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.IDs()
}

// Connections returns the ids of the live connections, sorted.
func (e *Engine) Connections() []graph.EdgeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Connections()
}

// Context returns the current processing context. It changes after Stop.
func (e *Engine) Context() audio.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Levels returns the master output levels of the last rendered quantum.
func (e *Engine) Levels() audio.Levels {
	e.mu.Lock()
	an, ctx := e.master.analyser, e.ctx
	e.mu.Unlock()

	lv := an.Levels()
	if e.metrics != nil {
		e.metrics.Engine.SetLevels(lv.RMS, lv.Peak)
		if rc, ok := ctx.(*audio.RealtimeContext); ok {
			e.metrics.Engine.SetUnderruns(rc.Underruns())
		}
	}
	return lv
}

// dispatch runs fn under the engine mutex unless the engine has closed. It is
// the re-entry point for every asynchronous tail.
func (e *Engine) dispatch(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	fn()
}

// apply diffs prev against next. Caller holds mu.
func (e *Engine) apply(prev, next graph.Graph) error {
	err := e.rec.Apply(prev, next)
	e.applied = next
	if e.metrics != nil {
		e.metrics.Engine.SetLiveGraph(len(e.rec.IDs()), len(e.rec.Connections()))
	}
	return err
}

// constructible returns g without the nodes whose processor module is not
// loaded into the current context, and without the edges touching them.
// Unknown types stay in so the reconciler reports them. Caller holds mu.
func (e *Engine) constructible(g graph.Graph) graph.Graph {
	var held []graph.NodeID
	for _, id := range g.NodeIDs() {
		ext, ok := e.registry.Lookup(g.Nodes[id].Type)
		if !ok || ext.ProcessorURI == "" {
			continue
		}
		if _, loaded := e.ctx.Module(ext.ProcessorURI); !loaded {
			held = append(held, id)
		}
	}
	if len(held) == 0 {
		return g
	}
	for _, id := range held {
		g = g.WithoutNode(id)
	}
	e.log.Debug("nodes held until modules load", logger.Int("count", len(held)))
	return g
}

// rebuild tears the live graph down and builds next from empty. Buffer
// claims next still holds survive, so settled buffers are reassigned
// without fetching. Caller holds mu.
func (e *Engine) rebuild(next graph.Graph) error {
	e.releaseStale(e.applied, next)
	e.rec.Teardown()
	e.rec.Reset()
	return e.apply(graph.Empty(), next)
}

// releaseStale dereferences the buffer claims of prev that next does not
// repeat for the same node, type and parameter.
func (e *Engine) releaseStale(prev, next graph.Graph) {
	for _, id := range prev.NodeIDs() {
		n := prev.Nodes[id]
		desc, err := e.registry.Describe(n.Type)
		if err != nil {
			continue
		}
		nn := next.Nodes[id]
		for param, url := range reconcile.BufferURLs(n, desc) {
			if nn != nil && nn.Type == n.Type {
				if cur, ok := nn.Params[param].(string); ok && cur == url {
					continue
				}
			}
			e.cache.Dereference(url, id, param)
		}
	}
}

// loadModules adds every registered processor module to ctx and then
// dispatches done with the result.
func (e *Engine) loadModules(ctx audio.Context, done func(error)) {
	uris := e.registry.ProcessorURIs()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		g, gctx := errgroup.WithContext(e.life)
		for _, uri := range uris {
			g.Go(func() error { return ctx.AddModule(gctx, uri) })
		}
		err := g.Wait()
		e.dispatch(func() { done(err) })
	}()
}

// becomeReady adds the held processor nodes once the first context has its
// modules. Caller holds mu.
func (e *Engine) becomeReady(err error) {
	e.recorder.RecordOperation(metrics.OpReady, status(err))
	if err != nil {
		e.log.Error("loading processor modules failed", logger.Error(err))
		e.readyF.Reject(err)
		e.filesF.Reject(err)
		return
	}
	// a context swap in progress replays the graph when it completes
	if !e.swapping {
		if err := e.apply(e.applied, e.graph); err != nil {
			e.log.Error("applying held nodes failed", logger.Error(err))
		}
	}
	e.watchFiles(e.initial)
	e.readyF.Resolve(struct{}{})
	e.log.Info("engine ready",
		logger.Int("nodes", len(e.applied.Nodes)),
		logger.Int("edges", len(e.applied.Edges)))
}

// watchFiles settles FilesReady after every buffer of g has settled. The
// result is dispatched, so it lands after the buffers were assigned.
func (e *Engine) watchFiles(g graph.Graph) {
	var pending []*future.Future[*audio.Buffer]
	seen := map[string]bool{}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		desc, err := e.registry.Describe(n.Type)
		if err != nil {
			continue
		}
		for _, url := range reconcile.BufferURLs(n, desc) {
			if seen[url] {
				continue
			}
			seen[url] = true
			if f := e.cache.Pending(url); f != nil {
				pending = append(pending, f)
			}
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var errs []error
		for _, f := range pending {
			if _, err := f.Wait(e.life); err != nil {
				errs = append(errs, err)
			}
		}
		e.dispatch(func() {
			if err := errors.Join(errs...); err != nil {
				e.filesF.Reject(err)
				return
			}
			e.filesF.Resolve(struct{}{})
			e.log.Debug("initial buffers loaded", logger.Int("count", len(pending)))
		})
	}()
}

// swapContext runs when the stop debounce elapses: it closes the context,
// opens a replacement at the same rate and replays the graph into it. Nodes
// of processor types follow once its modules are loaded. Caller holds mu.
func (e *Engine) swapContext() {
	e.rec.Teardown()
	e.rec.Reset()
	e.applied = graph.Empty()
	if err := e.ctx.Close(); err != nil {
		e.log.Warn("closing context failed", logger.Error(err))
	}

	e.swapping = true
	e.generation++
	ctx, err := e.factory(e.sampleRate, e.loader)
	if err != nil {
		e.log.Error("creating replacement context failed", logger.Error(err))
		return
	}
	master, err := newMasterBus(ctx)
	if err != nil {
		_ = ctx.Close()
		e.log.Error("building master bus failed", logger.Error(err))
		return
	}
	e.ctx = ctx
	e.master = master
	e.rec.SetContext(ctx, master.gain)
	e.ctrl.Attach(ctx, master.gainParam())
	if err := e.apply(graph.Empty(), e.constructible(e.graph)); err != nil {
		e.log.Warn("replaying graph failed", logger.Error(err))
	}

	gen := e.generation
	e.loadModules(ctx, func(err error) {
		if gen != e.generation {
			return
		}
		e.swapping = false
		if err != nil {
			e.log.Error("loading processor modules into replacement context failed", logger.Error(err))
			return
		}
		e.log.Info("context replaced")
		if err := e.apply(e.applied, e.graph); err != nil {
			e.log.Warn("replaying held nodes failed", logger.Error(err))
		}
	})
}

// resourceFailed forwards a load failure to Errors. Caller holds mu.
func (e *Engine) resourceFailed(url string, owner graph.NodeID, err error) {
	e.recorder.RecordOperation(metrics.OpBufferLoad, metrics.StatusError)
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		e.recorder.RecordError(metrics.OpBufferLoad, string(ee.Category))
	}
	re := ResourceError{ID: uuid.NewString(), URL: url, Node: owner, Err: err, Time: time.Now()}
	select {
	case e.errs <- re:
	default:
		e.log.Warn("resource error dropped, channel full", logger.Node(owner))
	}
}

func (e *Engine) stateChanged(s playback.State) {
	if e.metrics != nil {
		e.metrics.Engine.SetPlaybackState(s.String())
	}
}

// release frees what New created before failing.
func (e *Engine) release() {
	_ = e.loader.Close(context.Background())
	if e.ownFetcher != nil {
		e.ownFetcher.Close()
	}
}

func status(err error) string {
	if err != nil {
		return metrics.StatusError
	}
	return metrics.StatusSuccess
}
