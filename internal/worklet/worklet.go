// Package worklet hosts custom processor modules. A module is either an
// in-process Go kernel registered under a "go:" URI, or a WebAssembly binary
// run with wazero. Units built by NewConstructor drive one kernel instance each.
package worklet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
)

const componentWorklet = "worklet"

// GoScheme prefixes the URIs of in-process Go kernels.
const GoScheme = "go:"

var (
	// ErrUnknownKernel is returned when a go: URI names no registered kernel
	ErrUnknownKernel = errors.New(errors.NewStd("unknown processor kernel")).
				Component(componentWorklet).
				Category(errors.CategoryNotFound).
				Build()

	// ErrBadModule is returned when a WebAssembly module lacks the processor ABI
	ErrBadModule = errors.New(errors.NewStd("module does not implement the processor ABI")).
			Component(componentWorklet).
			Category(errors.CategoryWorklet).
			Build()
)

// GetLogger returns the worklet package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module(componentWorklet)
}

// Block is the data handed to Kernel.Process for one render quantum.
type Block struct {
	SampleRate float64
	// Frame is the index of the block's first frame.
	Frame   int64
	Inputs  []audio.Bus
	Outputs []audio.Bus
	// Params holds per-frame values of each automatable parameter in declaration order.
	Params [][]float32
}

// Kernel is one running processor instance.
type Kernel interface {
	// Process renders one block. Returning false marks the kernel finished;
	// its unit outputs silence from then on.
	Process(b *Block) bool
	// SetOption receives a plain or buffer value assigned after construction.
	SetOption(name string, value any) error
}

// KernelOptions are handed to a kernel factory.
type KernelOptions struct {
	SampleRate  float64
	Description nodetype.Description
	// Options holds the initial plain values and any undeclared construction values.
	Options graph.Params
}

// KernelFactory creates kernel instances.
type KernelFactory func(opts KernelOptions) (Kernel, error)

// Module is a loaded processor module able to create kernels.
type Module interface {
	audio.Module
	NewKernel(opts KernelOptions) (Kernel, error)
}

var (
	kernelsMu sync.RWMutex
	kernels   = map[string]KernelFactory{}
)

// RegisterKernel makes factory available as "go:<name>". Registering a name
// twice replaces the earlier factory.
func RegisterKernel(name string, factory KernelFactory) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[name] = factory
}

// Kernels returns the registered Go kernel names, sorted.
func Kernels() []string {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupKernel(name string) (KernelFactory, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	f, ok := kernels[name]
	return f, ok
}

// goModule wraps a registered kernel factory.
type goModule struct {
	uri     string
	factory KernelFactory
}

func (m *goModule) URI() string { return m.uri }

func (m *goModule) NewKernel(opts KernelOptions) (Kernel, error) {
	return m.factory(opts)
}

// ProcessorURI returns the default module URI for a custom type: the Go
// kernel named "<type>Processor".
func ProcessorURI(typ string) string {
	return fmt.Sprintf("%s%sProcessor", GoScheme, typ)
}
