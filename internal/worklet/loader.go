package worklet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

// Fetcher retrieves module binaries. resource.URLFetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// LoaderConfig configures a Loader
type LoaderConfig struct {
	// MemoryLimitPages caps each WebAssembly instance's memory, in 64 KiB pages.
	MemoryLimitPages uint32
}

// Loader implements audio.ModuleLoader. Compiled modules are cached by URI,
// so a replacement context reloads them without fetching again.
type Loader struct {
	fetcher Fetcher
	config  LoaderConfig
	log     logger.Logger

	mu      sync.Mutex
	runtime wazero.Runtime
	modules map[string]audio.Module
}

// NewLoader returns a loader fetching WebAssembly binaries through fetcher.
// fetcher may be nil when only go: modules are used.
func NewLoader(fetcher Fetcher, config LoaderConfig) *Loader {
	if config.MemoryLimitPages == 0 {
		config.MemoryLimitPages = 256 // 16MB
	}
	return &Loader{
		fetcher: fetcher,
		config:  config,
		log:     GetLogger(),
		modules: map[string]audio.Module{},
	}
}

// LoadModule implements audio.ModuleLoader.
func (l *Loader) LoadModule(ctx context.Context, uri string) (audio.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.modules[uri]; ok {
		return m, nil
	}

	var (
		m   audio.Module
		err error
	)
	if name, ok := strings.CutPrefix(uri, GoScheme); ok {
		m, err = l.loadGo(uri, name)
	} else {
		m, err = l.loadWasm(ctx, uri)
	}
	if err != nil {
		return nil, err
	}
	l.modules[uri] = m
	return m, nil
}

func (l *Loader) loadGo(uri, name string) (audio.Module, error) {
	factory, ok := lookupKernel(name)
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: %s", ErrUnknownKernel, name)).
			Component(componentWorklet).
			Category(errors.CategoryNotFound).
			Context("module", uri).
			Build()
	}
	return &goModule{uri: uri, factory: factory}, nil
}

func (l *Loader) loadWasm(ctx context.Context, uri string) (audio.Module, error) {
	if l.fetcher == nil {
		return nil, errors.Newf("no fetcher configured for module %s", uri).
			Component(componentWorklet).
			Category(errors.CategoryConfiguration).
			Build()
	}
	bin, err := l.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}

	if l.runtime == nil {
		// Runtime is created lazily; a go:-only setup never starts one
		runtimeConfig := wazero.NewRuntimeConfig().
			WithMemoryLimitPages(l.config.MemoryLimitPages).
			WithCloseOnContextDone(true)
		l.runtime = wazero.NewRuntimeWithConfig(context.Background(), runtimeConfig)
	}

	compiled, err := l.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to compile WASM module: %w", err)).
			Component(componentWorklet).
			Category(errors.CategoryWorklet).
			Context("module", uri).
			Build()
	}

	m := &wasmModule{uri: uri, runtime: l.runtime, compiled: compiled}
	if err := m.checkExports(); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	l.log.Info("compiled WebAssembly processor",
		logger.String("module", uri),
		logger.Int("bytes", len(bin)))
	return m, nil
}

// Close releases the WebAssembly runtime and every instance created from it.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules = map[string]audio.Module{}
	if l.runtime == nil {
		return nil
	}
	err := l.runtime.Close(ctx)
	l.runtime = nil
	return err
}

var _ audio.ModuleLoader = (*Loader)(nil)
