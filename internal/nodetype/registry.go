package nodetype

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
)

const componentNodeType = "nodetype"

var (
	// ErrDuplicateType is returned when a type name is registered twice in strict mode
	ErrDuplicateType = errors.New(errors.NewStd("duplicate node type")).
				Component(componentNodeType).
				Category(errors.CategoryConflict).
				Context("resource", "node_type").
				Build()

	// ErrUnknownType is returned for a type name with no registration
	ErrUnknownType = errors.New(errors.NewStd("unknown node type")).
			Component(componentNodeType).
			Category(errors.CategoryNotFound).
			Context("resource", "node_type").
			Build()

	// ErrUnknownParam is returned when a type declares no such automatable parameter
	ErrUnknownParam = errors.New(errors.NewStd("unknown automatable parameter")).
			Component(componentNodeType).
			Category(errors.CategoryValidation).
			Context("resource", "node_param").
			Build()
)

// Registry maps type names to extensions. It implements graph.Resolver.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]Extension
	order  []string
	strict bool
	log    logger.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithStrict makes duplicate registration an error instead of a logged replacement.
func WithStrict(strict bool) RegistryOption {
	return func(r *Registry) { r.strict = strict }
}

// WithLogger sets the registry logger.
func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{types: map[string]Extension{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module("nodetype")
	}
	return r
}

// Register adds ext. A duplicate type fails with ErrDuplicateType in strict
// mode; otherwise the new entry replaces the old one and a warning is logged.
func (r *Registry) Register(ext Extension) error {
	if ext.Type == "" || ext.Constructor == nil {
		return errors.Newf("extension %q needs a type name and a constructor", ext.Type).
			Component(componentNodeType).
			Category(errors.CategoryValidation).
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[ext.Type]; exists {
		if r.strict {
			return errors.New(fmt.Errorf("%w: %s", ErrDuplicateType, ext.Type)).
				Component(componentNodeType).
				Category(errors.CategoryConflict).
				Context("type", ext.Type).
				Build()
		}
		r.log.Warn("replacing registered node type", logger.String("type", ext.Type))
	} else {
		r.order = append(r.order, ext.Type)
	}
	r.types[ext.Type] = ext
	return nil
}

// MustRegister registers every ext and panics on error. Used for built-ins.
func (r *Registry) MustRegister(exts ...Extension) {
	for _, ext := range exts {
		if err := r.Register(ext); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the extension registered for typ.
func (r *Registry) Lookup(typ string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.types[typ]
	return ext, ok
}

// Types returns registered type names in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// ProcessorURIs returns the distinct processor modules in registration order.
func (r *Registry) ProcessorURIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var uris []string
	for _, typ := range r.order {
		uri := r.types[typ].ProcessorURI
		if uri != "" && !slices.Contains(uris, uri) {
			uris = append(uris, uri)
		}
	}
	return uris
}

// Describe returns the description for typ.
func (r *Registry) Describe(typ string) (Description, error) {
	ext, ok := r.Lookup(typ)
	if !ok {
		return Description{}, errors.New(fmt.Errorf("%w: %s", ErrUnknownType, typ)).
			Component(componentNodeType).
			Category(errors.CategoryNotFound).
			Context("type", typ).
			Build()
	}
	return ext.Description, nil
}

// Automatable returns typ's automatable parameter specs in declaration order.
func (r *Registry) Automatable(typ string) ([]ParamSpec, error) {
	desc, err := r.Describe(typ)
	if err != nil {
		return nil, err
	}
	return desc.Automatable(), nil
}

// Defaults implements graph.Resolver.
func (r *Registry) Defaults(typ string) (graph.Params, error) {
	desc, err := r.Describe(typ)
	if err != nil {
		return nil, err
	}
	return desc.Defaults(), nil
}

// ParamIndex implements graph.Resolver: the destination slot of typ's
// automatable parameter name is NumberOfInputs plus its position.
func (r *Registry) ParamIndex(typ, name string) (int, error) {
	desc, err := r.Describe(typ)
	if err != nil {
		return 0, err
	}
	for i, p := range desc.Automatable() {
		if p.Name == name {
			return desc.NumberOfInputs + i, nil
		}
	}
	return 0, errors.New(fmt.Errorf("%w %s on %s", ErrUnknownParam, name, typ)).
		Component(componentNodeType).
		Category(errors.CategoryValidation).
		Context("type", typ).
		Context("param", name).
		Build()
}

// ResolveParam maps a destination slot at or above NumberOfInputs back to
// its automatable parameter.
func (r *Registry) ResolveParam(typ string, index int) (ParamSpec, bool) {
	desc, err := r.Describe(typ)
	if err != nil {
		return ParamSpec{}, false
	}
	params := desc.Automatable()
	pos := index - desc.NumberOfInputs
	if pos < 0 || pos >= len(params) {
		return ParamSpec{}, false
	}
	return params[pos], true
}

var _ graph.Resolver = (*Registry)(nil)
