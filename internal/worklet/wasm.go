package worklet

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// Processor ABI exports. Buffers are planar little-endian f32.
const (
	exportMemory    = "memory"
	exportInputPtr  = "input_ptr"
	exportOutputPtr = "output_ptr"
	exportProcess   = "process"
	exportParamPtr  = "param_ptr"
	exportSetOption = "set_option"
)

// wasmModule is a compiled WebAssembly processor. Each kernel is a fresh
// anonymous instance.
type wasmModule struct {
	uri      string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func (m *wasmModule) URI() string { return m.uri }

func (m *wasmModule) checkExports() error {
	if _, ok := m.compiled.ExportedMemories()[exportMemory]; !ok {
		return m.abiError("missing memory export")
	}
	funcs := m.compiled.ExportedFunctions()
	for _, name := range []string{exportInputPtr, exportOutputPtr, exportProcess} {
		if _, ok := funcs[name]; !ok {
			return m.abiError("missing function " + name)
		}
	}
	return nil
}

func (m *wasmModule) abiError(detail string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrBadModule, detail)).
		Component(componentWorklet).
		Category(errors.CategoryWorklet).
		Context("module", m.uri).
		Build()
}

func (m *wasmModule) NewKernel(opts KernelOptions) (Kernel, error) {
	ctx := context.Background()
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to instantiate WASM module: %w", err)).
			Component(componentWorklet).
			Category(errors.CategoryWorklet).
			Context("module", m.uri).
			Build()
	}

	k := &wasmKernel{
		ctx:       ctx,
		module:    mod,
		memory:    mod.Memory(),
		process:   mod.ExportedFunction(exportProcess),
		setOption: mod.ExportedFunction(exportSetOption),
		options:   plainNames(opts.Description),
	}
	if k.input, err = k.pointer(exportInputPtr); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	if k.output, err = k.pointer(exportOutputPtr); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	if mod.ExportedFunction(exportParamPtr) != nil {
		if k.params, err = k.pointer(exportParamPtr); err != nil {
			_ = mod.Close(ctx)
			return nil, err
		}
		k.hasParams = true
	}

	for _, name := range k.options {
		if v, ok := opts.Options[name]; ok {
			if err := k.SetOption(name, v); err != nil {
				_ = mod.Close(ctx)
				return nil, err
			}
		}
	}
	return k, nil
}

// plainNames lists the plain parameters in declaration order; set_option
// addresses them by position.
func plainNames(desc nodetype.Description) []string {
	var names []string
	for _, p := range desc.Params {
		if p.Kind == nodetype.Plain {
			names = append(names, p.Name)
		}
	}
	return names
}

// wasmKernel drives one instance through the processor ABI. Only the first
// input and output are exchanged; the output mirrors the input's channel count.
type wasmKernel struct {
	ctx       context.Context
	module    api.Module
	memory    api.Memory
	process   api.Function
	setOption api.Function
	options   []string

	input, output, params uint32
	hasParams             bool
	scratch               []byte
}

func (k *wasmKernel) pointer(name string) (uint32, error) {
	res, err := k.module.ExportedFunction(name).Call(k.ctx)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", name, err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%s returned %d values", name, len(res))
	}
	return api.DecodeU32(res[0]), nil
}

func (k *wasmKernel) Process(b *Block) bool {
	var in audio.Bus
	if len(b.Inputs) > 0 {
		in = b.Inputs[0]
	}
	channels := len(in)
	frames := audio.RenderQuantum

	if !k.write(k.input, in) {
		GetLogger().Warn("processor input out of memory bounds", logger.Int("channels", channels))
		return false
	}
	if k.hasParams && !k.write(k.params, b.Params) {
		return false
	}

	res, err := k.process.Call(k.ctx, api.EncodeI32(int32(frames)), api.EncodeI32(int32(channels)))
	if err != nil {
		GetLogger().Warn("processor trapped", logger.Error(err))
		return false
	}

	if len(b.Outputs) > 0 {
		out := b.Outputs[0]
		if !k.read(k.output, out[:min(len(out), channels)]) {
			return false
		}
	}
	return len(res) == 0 || api.DecodeI32(res[0]) != 0
}

// write copies planar blocks into instance memory at ptr.
func (k *wasmKernel) write(ptr uint32, blocks [][]float32) bool {
	size := 0
	for _, blk := range blocks {
		size += 4 * len(blk)
	}
	if cap(k.scratch) < size {
		k.scratch = make([]byte, size)
	}
	buf := k.scratch[:size]
	off := 0
	for _, blk := range blocks {
		for _, s := range blk {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(s))
			off += 4
		}
	}
	return k.memory.Write(ptr, buf)
}

func (k *wasmKernel) read(ptr uint32, blocks [][]float32) bool {
	size := 0
	for _, blk := range blocks {
		size += 4 * len(blk)
	}
	view, ok := k.memory.Read(ptr, uint32(size))
	if !ok {
		return false
	}
	off := 0
	for _, blk := range blocks {
		for i := range blk {
			blk[i] = math.Float32frombits(binary.LittleEndian.Uint32(view[off:]))
			off += 4
		}
	}
	return true
}

// SetOption forwards numeric and boolean plain values to set_option by
// position. Modules without set_option ignore options.
func (k *wasmKernel) SetOption(name string, value any) error {
	if k.setOption == nil {
		return nil
	}
	index := -1
	for i, n := range k.options {
		if n == name {
			index = i
			break
		}
	}
	if index < 0 {
		return errors.Newf("processor has no option %s", name).
			Component(componentWorklet).
			Category(errors.CategoryValidation).
			Build()
	}

	var f float64
	switch v := value.(type) {
	case bool:
		if v {
			f = 1
		}
	default:
		n, ok := graph.ToFloat(value)
		if !ok {
			return errors.Newf("processor option %s: expected number or bool, got %T", name, value).
				Component(componentWorklet).
				Category(errors.CategoryValidation).
				Build()
		}
		f = n
	}
	_, err := k.setOption.Call(k.ctx, api.EncodeI32(int32(index)), api.EncodeF64(f))
	return err
}

// Close releases the instance.
func (k *wasmKernel) Close() error {
	return k.module.Close(k.ctx)
}
