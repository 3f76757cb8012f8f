// Package reconcile keeps a table of live processing units in step with
// declarative graph snapshots.
//
// Apply diffs two snapshots: unchanged node and edge collections are skipped
// by identity and nodes are compared by pointer, so callers must build new
// node values when something changes. Edges are compared by value; an edge
// whose id and endpoints are unchanged keeps its connection. The reconciler is not safe for concurrent
// use; the engine serializes every call, including buffer completions.
package reconcile

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
	"github.com/tphakala/audiograph/internal/observability/metrics"
)

const componentReconcile = "reconcile"

var (
	// ErrUnknownType is returned when a node's type has no registration
	ErrUnknownType = errors.New(errors.NewStd("node type not registered")).
			Component(componentReconcile).
			Category(errors.CategoryValidation).
			Build()

	// ErrUnknownParam is returned when a node parameter is not part of its type
	ErrUnknownParam = errors.New(errors.NewStd("unknown parameter")).
			Component(componentReconcile).
			Category(errors.CategoryValidation).
			Build()

	// ErrSlotOutOfRange is returned when an edge addresses a slot the unit does not have
	ErrSlotOutOfRange = errors.New(errors.NewStd("edge slot out of range")).
				Component(componentReconcile).
				Category(errors.CategoryValidation).
				Build()
)

// GetLogger returns the reconcile module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("reconcile")
}

// BufferLoader is the part of the resource cache the reconciler uses.
type BufferLoader interface {
	Load(owner graph.NodeID, param, url string, assign func(*audio.Buffer))
	Dereference(url string, owner graph.NodeID, param string)
}

// Router is implemented by virtual destination units; the reconciler routes
// them into the master bus instead of the context's true output.
type Router interface {
	RouteTo(dst audio.Unit) error
}

// Live is a constructed unit and its teardown hook.
type Live struct {
	Unit   audio.Unit
	Type   string
	Closer io.Closer
}

// Options configures a Reconciler
type Options struct {
	Registry *nodetype.Registry
	Buffers  BufferLoader
	// Strict makes Apply return usage errors instead of logging them
	Strict   bool
	Logger   logger.Logger
	Recorder metrics.Recorder
}

// Reconciler owns the live unit table of one engine.
type Reconciler struct {
	registry *nodetype.Registry
	buffers  BufferLoader
	strict   bool
	log      logger.Logger
	rec      metrics.Recorder

	ctx    audio.Context
	master audio.Unit

	live  map[graph.NodeID]*Live
	edges map[graph.EdgeID]*graph.Edge
}

// New returns a reconciler building units in ctx. Virtual destinations are
// routed into master.
func New(ctx audio.Context, master audio.Unit, opts Options) *Reconciler {
	r := &Reconciler{
		registry: opts.Registry,
		buffers:  opts.Buffers,
		strict:   opts.Strict,
		log:      opts.Logger,
		rec:      opts.Recorder,
		ctx:      ctx,
		master:   master,
		live:     map[graph.NodeID]*Live{},
		edges:    map[graph.EdgeID]*graph.Edge{},
	}
	if r.log == nil {
		r.log = GetLogger()
	}
	if r.rec == nil {
		r.rec = metrics.NoOpRecorder{}
	}
	return r
}

// SetContext points the reconciler at a new context after a restart. The
// live table must have been Reset first.
func (r *Reconciler) SetContext(ctx audio.Context, master audio.Unit) {
	r.ctx = ctx
	r.master = master
}

// Apply brings the live table from prev to next. Node operations run before
// edge operations so every edge finds its endpoints. In strict mode the
// joined usage errors are returned after everything else has been applied;
// otherwise they are logged and Apply returns nil.
func (r *Reconciler) Apply(prev, next graph.Graph) error {
	start := time.Now()
	var errs []error
	recreated := map[graph.NodeID]bool{}

	if !graph.SameNodes(prev, next) {
		for _, id := range next.NodeIDs() {
			n := next.Nodes[id]
			old, had := prev.Nodes[id]
			switch {
			case !had:
				errs = append(errs, r.addNode(n))
			case old == n:
			case old.Type != n.Type:
				r.removeNode(old)
				errs = append(errs, r.addNode(n))
				recreated[id] = true
			default:
				_, wasLive := r.live[id]
				errs = append(errs, r.updateNode(old, n))
				// a node whose construction failed before may have been built now
				if _, live := r.live[id]; live && !wasLive {
					recreated[id] = true
				}
			}
		}
		for _, id := range prev.NodeIDs() {
			if _, ok := next.Nodes[id]; !ok {
				r.removeNode(prev.Nodes[id])
			}
		}
	}

	if !graph.SameEdges(prev, next) || len(recreated) > 0 {
		rewired := func(old, e *graph.Edge) bool {
			return old == nil || e == nil || *old != *e ||
				recreated[e.From.Node] || recreated[e.To.Node]
		}
		for _, id := range prev.EdgeIDs() {
			e := prev.Edges[id]
			if !rewired(e, next.Edges[id]) {
				continue
			}
			// a removed endpoint took its connections with it
			if _, ok := next.Nodes[e.From.Node]; !ok {
				delete(r.edges, id)
				continue
			}
			if _, ok := next.Nodes[e.To.Node]; !ok {
				delete(r.edges, id)
				continue
			}
			errs = append(errs, r.disconnect(e))
		}
		for _, id := range next.EdgeIDs() {
			e := next.Edges[id]
			if !rewired(prev.Edges[id], e) {
				continue
			}
			errs = append(errs, r.connect(e))
		}
	}

	r.rec.RecordDuration(metrics.OpUpdate, time.Since(start).Seconds())
	return r.settle(metrics.OpUpdate, errs)
}

// Teardown disconnects every live unit and runs its teardown hook. Resource
// references are kept: the graph snapshot still holds them.
func (r *Reconciler) Teardown() {
	for _, id := range r.IDs() {
		l := r.live[id]
		l.Unit.DisconnectAll()
		r.closeLive(id, l)
	}
	clear(r.edges)
}

// Reset forgets every live unit without touching them.
func (r *Reconciler) Reset() {
	clear(r.live)
	clear(r.edges)
}

// Live returns the live unit for id.
func (r *Reconciler) Live(id graph.NodeID) (*Live, bool) {
	l, ok := r.live[id]
	return l, ok
}

// IDs returns the live node ids, sorted.
func (r *Reconciler) IDs() []graph.NodeID {
	ids := make([]graph.NodeID, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Connections returns the ids of the live connections, sorted.
func (r *Reconciler) Connections() []graph.EdgeID {
	ids := make([]graph.EdgeID, 0, len(r.edges))
	for id := range r.edges {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// BufferURLs returns the non-empty buffer parameter values of n.
func BufferURLs(n *graph.Node, desc nodetype.Description) map[string]string {
	urls := map[string]string{}
	for _, spec := range desc.Params {
		if spec.Kind != nodetype.Buffer {
			continue
		}
		if url, ok := n.Params[spec.Name].(string); ok && url != "" {
			urls[spec.Name] = url
		}
	}
	return urls
}

func (r *Reconciler) addNode(n *graph.Node) error {
	ext, ok := r.registry.Lookup(n.Type)
	if !ok {
		return r.fail(metrics.OpNodeAdd, errors.New(fmt.Errorf("%w: node %s has type %q", ErrUnknownType, n.ID, n.Type)).
			Component(componentReconcile).
			Category(errors.CategoryValidation).
			Context("node", string(n.ID)).
			Context("type", n.Type).
			Build())
	}
	desc := ext.Description
	if stale, exists := r.live[n.ID]; exists {
		// reset=true over a table that was never torn down
		stale.Unit.DisconnectAll()
		r.closeLive(n.ID, stale)
		r.dropEdges(n.ID)
	}

	// buffers arrive later through the cache; undeclared names are tried
	// once the unit exists
	initial := make(graph.Params, len(n.Params))
	var undeclared []string
	for _, name := range sortedKeys(n.Params) {
		spec, declared := desc.Param(name)
		switch {
		case !declared:
			undeclared = append(undeclared, name)
		case spec.Kind != nodetype.Buffer:
			initial[name] = n.Params[name]
		}
	}

	unit, err := ext.Constructor(r.ctx, initial)
	if err != nil {
		return r.fail(metrics.OpNodeAdd, errors.New(fmt.Errorf("constructing node %s (%s): %w", n.ID, n.Type, err)).
			Component(componentReconcile).
			Context("node", string(n.ID)).
			Context("type", n.Type).
			Build())
	}

	l := &Live{Unit: unit, Type: n.Type}
	if c, ok := unit.(io.Closer); ok {
		l.Closer = c
	}
	r.live[n.ID] = l

	if d, ok := unit.(Router); ok && r.master != nil {
		if err := d.RouteTo(r.master); err != nil {
			return r.fail(metrics.OpNodeAdd, err)
		}
	}
	if s, ok := unit.(audio.Scheduled); ok {
		if err := s.Start(0); err != nil {
			return r.fail(metrics.OpNodeAdd, err)
		}
	}

	urls := BufferURLs(n, desc)
	for _, spec := range desc.Params {
		if url, ok := urls[spec.Name]; ok {
			r.loadBuffer(n.ID, l, spec.Name, url)
		}
	}

	var errs []error
	for _, name := range undeclared {
		spec := nodetype.ParamSpec{Name: name, Kind: nodetype.Plain}
		if err := r.applyParam(n.ID, l, spec, nil, n.Params[name], false); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return r.fail(metrics.OpNodeAdd, errors.Join(errs...))
	}

	r.rec.RecordOperation(metrics.OpNodeAdd, metrics.StatusSuccess)
	r.log.Debug("node added", logger.Node(n.ID), logger.String("type", n.Type))
	return nil
}

// updateNode applies the parameters of next that differ from prev. Parameters
// missing from next are left as they are, except buffer references, which
// are released.
func (r *Reconciler) updateNode(prev, next *graph.Node) error {
	l, ok := r.live[next.ID]
	if !ok {
		// construction failed earlier; try again with the new values
		return r.addNode(next)
	}
	desc, err := r.registry.Describe(next.Type)
	if err != nil {
		return r.fail(metrics.OpNodeUpdate, err)
	}

	var errs []error
	for _, name := range sortedKeys(next.Params) {
		v := next.Params[name]
		old, had := prev.Params[name]
		if had && graph.ParamEqual(old, v) {
			continue
		}
		spec, declared := desc.Param(name)
		if !declared {
			spec = nodetype.ParamSpec{Name: name, Kind: nodetype.Plain}
		}
		if err := r.applyParam(next.ID, l, spec, old, v, declared); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range sortedKeys(prev.Params) {
		if _, kept := next.Params[name]; kept {
			continue
		}
		if spec, ok := desc.Param(name); ok && spec.Kind == nodetype.Buffer {
			if url, ok := prev.Params[name].(string); ok && url != "" {
				r.buffers.Dereference(url, next.ID, name)
			}
			if err := r.clearBuffer(next.ID, l, name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return r.fail(metrics.OpNodeUpdate, errors.Join(errs...))
	}
	r.rec.RecordOperation(metrics.OpNodeUpdate, metrics.StatusSuccess)
	r.log.Debug("node updated", logger.Node(next.ID))
	return nil
}

// applyParam applies one changed value according to its kind.
func (r *Reconciler) applyParam(id graph.NodeID, l *Live, spec nodetype.ParamSpec, old, v any, declared bool) error {
	switch spec.Kind {
	case nodetype.Automatable:
		f, ok := graph.ToFloat(v)
		if !ok {
			return errors.Newf("node %s: parameter %s expects a number, got %T", id, spec.Name, v).
				Component(componentReconcile).
				Category(errors.CategoryValidation).
				Build()
		}
		p, ok := l.Unit.Param(spec.Name)
		if !ok {
			return unknownParam(id, l.Type, spec.Name)
		}
		p.SetValue(f)
	case nodetype.Buffer:
		if url, ok := old.(string); ok && url != "" {
			r.buffers.Dereference(url, id, spec.Name)
		}
		if url, ok := v.(string); ok && url != "" {
			r.loadBuffer(id, l, spec.Name, url)
			return nil
		}
		return r.clearBuffer(id, l, spec.Name)
	case nodetype.Plain:
		if err := l.Unit.Set(spec.Name, v); err != nil {
			if !declared {
				return errors.New(fmt.Errorf("%w %s on node %s (%s): %w", ErrUnknownParam, spec.Name, id, l.Type, err)).
					Component(componentReconcile).
					Category(errors.CategoryValidation).
					Build()
			}
			return errors.New(fmt.Errorf("node %s: setting %s: %w", id, spec.Name, err)).
				Component(componentReconcile).
				Build()
		}
	}
	return nil
}

// clearBuffer unassigns a buffer parameter whose reference was dropped.
// Write-once parameters keep their buffer.
func (r *Reconciler) clearBuffer(id graph.NodeID, l *Live, param string) error {
	if err := l.Unit.Set(param, nil); err != nil {
		return errors.New(fmt.Errorf("node %s: clearing %s: %w", id, param, err)).
			Component(componentReconcile).
			Build()
	}
	r.log.Debug("buffer cleared", logger.Node(id), logger.String("param", param))
	return nil
}

func (r *Reconciler) removeNode(n *graph.Node) {
	l, ok := r.live[n.ID]
	if !ok {
		return
	}
	l.Unit.DisconnectAll()
	r.closeLive(n.ID, l)
	delete(r.live, n.ID)
	r.dropEdges(n.ID)

	if desc, err := r.registry.Describe(l.Type); err == nil {
		for name, url := range BufferURLs(n, desc) {
			r.buffers.Dereference(url, n.ID, name)
		}
	}
	r.rec.RecordOperation(metrics.OpNodeRemove, metrics.StatusSuccess)
	r.log.Debug("node removed", logger.Node(n.ID))
}

// loadBuffer requests url for param. The assignment only lands on the unit
// that asked for it, even if the node has since been rebuilt.
func (r *Reconciler) loadBuffer(id graph.NodeID, l *Live, param, url string) {
	r.buffers.Load(id, param, url, func(buf *audio.Buffer) {
		if cur, ok := r.live[id]; !ok || cur != l {
			return
		}
		if err := l.Unit.Set(param, buf); err != nil {
			r.log.Warn("assigning buffer failed",
				logger.Node(id),
				logger.String("param", param),
				logger.Error(err))
			r.rec.RecordOperation(metrics.OpBufferLoad, metrics.StatusError)
			r.rec.RecordError(metrics.OpBufferLoad, errorType(err))
			return
		}
		r.rec.RecordOperation(metrics.OpBufferLoad, metrics.StatusSuccess)
		r.log.Debug("buffer assigned", logger.Node(id), logger.String("param", param))
	})
}

func (r *Reconciler) connect(e *graph.Edge) error {
	src, dst, ok := r.endpoints(e)
	if !ok {
		return nil
	}
	var err error
	if e.To.Index < dst.Unit.NumberOfInputs() {
		err = src.Unit.Connect(dst.Unit, e.From.Index, e.To.Index)
	} else {
		var p *audio.Param
		if p, err = r.paramSlot(e, dst); err == nil {
			err = src.Unit.ConnectParam(p, e.From.Index)
		}
	}
	if err != nil {
		return r.fail(metrics.OpConnect, edgeError(e, err))
	}
	r.edges[e.ID] = e
	r.rec.RecordOperation(metrics.OpConnect, metrics.StatusSuccess)
	r.log.Debug("edge connected", logger.String("edge", string(e.ID)))
	return nil
}

func (r *Reconciler) disconnect(e *graph.Edge) error {
	if _, connected := r.edges[e.ID]; !connected {
		return nil
	}
	delete(r.edges, e.ID)
	src, dst, ok := r.endpoints(e)
	if !ok {
		return nil
	}
	var err error
	if e.To.Index < dst.Unit.NumberOfInputs() {
		err = src.Unit.Disconnect(dst.Unit, e.From.Index, e.To.Index)
	} else {
		var p *audio.Param
		if p, err = r.paramSlot(e, dst); err == nil {
			err = src.Unit.DisconnectParam(p, e.From.Index)
		}
	}
	if err != nil {
		return r.fail(metrics.OpDisconnect, edgeError(e, err))
	}
	r.rec.RecordOperation(metrics.OpDisconnect, metrics.StatusSuccess)
	r.log.Debug("edge disconnected", logger.String("edge", string(e.ID)))
	return nil
}

// endpoints returns both live units of e. An endpoint whose construction
// failed is missing; its edges are skipped.
func (r *Reconciler) endpoints(e *graph.Edge) (src, dst *Live, ok bool) {
	src, srcOK := r.live[e.From.Node]
	dst, dstOK := r.live[e.To.Node]
	if !srcOK || !dstOK {
		r.log.Debug("edge skipped, endpoint not live", logger.String("edge", string(e.ID)))
		return nil, nil, false
	}
	return src, dst, true
}

// paramSlot resolves a destination index at or above the input count to the
// automatable parameter at that position.
func (r *Reconciler) paramSlot(e *graph.Edge, dst *Live) (*audio.Param, error) {
	spec, ok := r.registry.ResolveParam(dst.Type, e.To.Index)
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: %s has no slot %d", ErrSlotOutOfRange, e.To.Node, e.To.Index)).
			Component(componentReconcile).
			Category(errors.CategoryValidation).
			Build()
	}
	p, ok := dst.Unit.Param(spec.Name)
	if !ok {
		return nil, unknownParam(e.To.Node, dst.Type, spec.Name)
	}
	return p, nil
}

// dropEdges forgets the connections touching id.
func (r *Reconciler) dropEdges(id graph.NodeID) {
	for eid, e := range r.edges {
		if e.From.Node == id || e.To.Node == id {
			delete(r.edges, eid)
		}
	}
}

func (r *Reconciler) closeLive(id graph.NodeID, l *Live) {
	if l.Closer == nil {
		return
	}
	if err := l.Closer.Close(); err != nil {
		r.log.Warn("unit teardown failed", logger.Node(id), logger.Error(err))
	}
}

// fail records err against op. It returns err so callers can collect it.
func (r *Reconciler) fail(op string, err error) error {
	r.rec.RecordOperation(op, metrics.StatusError)
	r.rec.RecordError(op, errorType(err))
	return err
}

// settle applies the strictness policy to the errors collected by one Apply.
func (r *Reconciler) settle(op string, errs []error) error {
	err := errors.Join(errs...)
	if err == nil {
		r.rec.RecordOperation(op, metrics.StatusSuccess)
		return nil
	}
	r.rec.RecordOperation(op, metrics.StatusError)
	if r.strict {
		return err
	}
	for _, e := range errs {
		if e != nil {
			r.log.Warn("graph update degraded", logger.Error(e))
		}
	}
	return nil
}

func unknownParam(id graph.NodeID, typ, name string) error {
	return errors.New(fmt.Errorf("%w %s on node %s (%s)", ErrUnknownParam, name, id, typ)).
		Component(componentReconcile).
		Category(errors.CategoryValidation).
		Context("node", string(id)).
		Context("param", name).
		Build()
}

func edgeError(e *graph.Edge, err error) error {
	return errors.New(fmt.Errorf("edge %s (%s:%d -> %s:%d): %w",
		e.ID, e.From.Node, e.From.Index, e.To.Node, e.To.Index, err)).
		Component(componentReconcile).
		Context("edge", string(e.ID)).
		Build()
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return string(ee.Category)
	}
	return string(errors.CategoryGeneric)
}

func sortedKeys(p graph.Params) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
