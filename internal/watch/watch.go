// Package watch reloads a graph file when it changes on disk.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
)

// DefaultDebounce is how long the file must stay quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// GetLogger returns the watch module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("watch")
}

// Config configures a Watcher
type Config struct {
	// Resolver fills defaults and resolves parameter names; usually the
	// engine's registry.
	Resolver graph.Resolver
	Debounce time.Duration
	Logger   logger.Logger
}

// Watcher calls a function with the freshly decoded graph each time its file
// settles after a change. Files that fail to decode are logged and skipped,
// so the caller keeps its last good graph.
type Watcher struct {
	path     string
	cfg      Config
	log      logger.Logger
	fw       *fsnotify.Watcher
	onChange func(graph.Graph)

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New watches path. Its directory is watched rather than the file, so
// editors that replace the file on save keep working.
func New(path string, onChange func(graph.Graph), cfg Config) (*Watcher, error) {
	if cfg.Resolver == nil {
		return nil, errors.Newf("watch needs a resolver").
			Component("watch").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, errors.New(fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)).
			Component("watch").
			Category(errors.CategoryFileIO).
			Context("path", abs).
			Build()
	}

	w := &Watcher{
		path:     abs,
		cfg:      cfg,
		log:      cfg.Logger.With(logger.String("file", abs)),
		fw:       fw,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	w.log.Info("watching graph file", logger.Duration("debounce", cfg.Debounce))
	return w, nil
}

// Close stops watching and waits for a reload in progress to finish.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		err = w.fw.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.log.Debug("graph file changed", logger.String("op", event.Op.String()))
			timer.Reset(w.cfg.Debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", logger.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	g, err := Load(w.path, w.cfg.Resolver)
	if err != nil {
		w.log.Warn("graph file rejected, keeping last graph", logger.Error(err))
		return
	}
	w.log.Info("graph file reloaded",
		logger.Int("nodes", len(g.Nodes)),
		logger.Int("edges", len(g.Edges)))
	w.onChange(g)
}

// Load reads and decodes the graph file at path.
func Load(path string, resolver graph.Resolver) (graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return graph.Graph{}, errors.New(err).
			Component("watch").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	g, err := graph.Decode(f, resolver)
	if err != nil {
		return graph.Graph{}, errors.New(err).
			Component("watch").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}
	return g, nil
}
