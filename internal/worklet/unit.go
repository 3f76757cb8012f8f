package worklet

import (
	"fmt"
	"io"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// Unit is a processing unit driven by a kernel.
type Unit struct {
	audio.Base
	typ      string
	desc     nodetype.Description
	kernel   Kernel
	params   []string
	block    Block
	finished bool
}

// NewConstructor returns the constructor for a custom type whose processing
// happens in the kernel module at uri. An empty uri selects ProcessorURI(typ).
// The module must have been added to the context before the first unit is built.
func NewConstructor(typ string, desc nodetype.Description, uri string) nodetype.Constructor {
	if uri == "" {
		uri = ProcessorURI(typ)
	}
	return func(ctx audio.Context, params graph.Params) (audio.Unit, error) {
		m, ok := ctx.Module(uri)
		if !ok {
			return nil, errors.New(fmt.Errorf("%w: %s for %s", audio.ErrModuleNotLoaded, uri, typ)).
				Component(componentWorklet).
				Category(errors.CategoryWorklet).
				Context("type", typ).
				Build()
		}
		km, ok := m.(Module)
		if !ok {
			return nil, errors.Newf("module %s cannot create processors", uri).
				Component(componentWorklet).
				Category(errors.CategoryWorklet).
				Build()
		}

		// automatable values become parameter data; everything else is an option
		options := graph.Params{}
		for name, v := range params {
			spec, declared := desc.Param(name)
			if declared && spec.Kind != nodetype.Plain {
				continue
			}
			options[name] = v
		}
		kernel, err := km.NewKernel(KernelOptions{
			SampleRate:  ctx.SampleRate(),
			Description: desc,
			Options:     options,
		})
		if err != nil {
			return nil, err
		}

		u := &Unit{typ: typ, desc: desc, kernel: kernel}
		u.Init(ctx, u, desc.UnitOptions())
		for _, spec := range desc.Automatable() {
			u.params = append(u.params, spec.Name)
			v, ok := params[spec.Name]
			if !ok {
				continue
			}
			f, ok := graph.ToFloat(v)
			if !ok {
				_ = u.Close()
				return nil, errors.Newf("parameter %s: expected number, got %T", spec.Name, v).
					Component(componentWorklet).
					Category(errors.CategoryValidation).
					Build()
			}
			p, _ := u.Param(spec.Name)
			p.SetValue(f)
		}
		u.block.Params = make([][]float32, len(u.params))
		return u, nil
	}
}

// Type returns the custom type name.
func (u *Unit) Type() string { return u.typ }

// Finished reports whether the kernel has stopped processing.
func (u *Unit) Finished() (done bool) {
	u.Locked(func() { done = u.finished })
	return done
}

// SetValue implements audio.Setter by forwarding to the kernel.
func (u *Unit) SetValue(name string, v any) error {
	return u.kernel.SetOption(name, v)
}

func (u *Unit) Process(q *audio.Quantum) {
	if u.finished {
		return
	}
	channels := 1
	if len(q.Inputs) > 0 {
		channels = len(q.Inputs[0])
	}
	for i := range q.Outputs {
		n := channels
		if i < len(u.desc.OutputChannelCount) && u.desc.OutputChannelCount[i] > 0 && len(q.Inputs) == 0 {
			n = u.desc.OutputChannelCount[i]
		}
		q.Resize(i, n)
	}
	for i, name := range u.params {
		u.block.Params[i] = q.Param(name)
	}
	u.block.SampleRate = q.SampleRate
	u.block.Frame = q.Frame
	u.block.Inputs = q.Inputs
	u.block.Outputs = q.Outputs
	if !u.kernel.Process(&u.block) {
		u.finished = true
	}
}

// Close releases the kernel if it holds resources.
func (u *Unit) Close() error {
	if c, ok := u.kernel.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var (
	_ audio.Setter = (*Unit)(nil)
	_ io.Closer    = (*Unit)(nil)
)
