package zgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// WriteOption customises InsertGraph and UpsertGraph.
type WriteOption func(*writeOptions)

// pathSet selects relation paths. all selects every path including the
// root, whose path is empty.
type pathSet struct {
	all   bool
	paths map[string]bool
}

func (s *pathSet) add(paths []string) {
	if len(paths) == 0 {
		s.all = true
		return
	}
	if s.paths == nil {
		s.paths = make(map[string]bool, len(paths))
	}
	for _, p := range paths {
		s.paths[p] = true
	}
}

func (s pathSet) has(path string) bool {
	return s.all || s.paths[path]
}

type writeOptions struct {
	relate     pathSet
	unrelate   pathSet
	noDelete   pathSet
	noInsert   pathSet
	noUpdate   pathSet
	fetchAfter bool
	allow      *Expression
	err        error
}

// Relate makes nodes that carry their identity relate the existing row
// instead of inserting one. Without paths it applies to every relation.
func Relate(paths ...string) WriteOption {
	return func(o *writeOptions) { o.relate.add(paths) }
}

// Unrelate makes upserts detach rows missing from the input instead of
// deleting them.
func Unrelate(paths ...string) WriteOption {
	return func(o *writeOptions) { o.unrelate.add(paths) }
}

// NoDelete keeps rows missing from the input untouched.
func NoDelete(paths ...string) WriteOption {
	return func(o *writeOptions) { o.noDelete.add(paths) }
}

// NoInsert skips new nodes. A root that does not exist fails with
// ModelNotFoundError.
func NoInsert(paths ...string) WriteOption {
	return func(o *writeOptions) { o.noInsert.add(paths) }
}

// NoUpdate leaves the columns of matched nodes unchanged apart from join
// columns.
func NoUpdate(paths ...string) WriteOption {
	return func(o *writeOptions) { o.noUpdate.add(paths) }
}

// FetchAfterWrite re-reads the written graph in the same transaction and
// returns the fetched nodes.
func FetchAfterWrite() WriteOption {
	return func(o *writeOptions) { o.fetchAfter = true }
}

// AllowWrite restricts the relations the input graph may touch.
func AllowWrite(exprs ...string) WriteOption {
	return func(o *writeOptions) {
		for _, src := range exprs {
			x, err := parseCached(src)
			if err != nil {
				if o.err == nil {
					o.err = err
				}
				return
			}
			o.allow = o.allow.Merge(x)
		}
	}
}

type nodeState int

const (
	stateInsert nodeState = iota
	stateUpdate
	stateReference
	stateAlias
)

func (s nodeState) String() string {
	return [...]string{"insert", "update", "reference", "alias"}[s]
}

// writeNode is one input node with its planned operation.
type writeNode struct {
	uid    string
	label  string
	path   string
	node   *Node
	entity *EntityType
	state  nodeState
	target *writeNode

	// current holds the persisted columns when they are known.
	current map[string]any
	// extras are through-table props carried on the node.
	extras map[string]bool
	// needs lists columns other nodes read from a reference.
	needs    []string
	incoming []*writeEdge
	deps     []*writeNode
	skip     bool
}

// resolved follows a #ref alias to the node it stands for.
func (wn *writeNode) resolved() *writeNode {
	if wn.target != nil {
		return wn.target
	}
	return wn
}

func (wn *writeNode) addDep(d *writeNode) {
	if !slices.Contains(wn.deps, d) {
		wn.deps = append(wn.deps, d)
	}
}

func (wn *writeNode) need(cols []string) {
	for _, c := range cols {
		if !slices.Contains(wn.needs, c) {
			wn.needs = append(wn.needs, c)
		}
	}
}

// key returns the identity of the node: the #dbRef when present, else its
// identity props.
func (wn *writeNode) key() (Key, bool) {
	if wn.node.DBRef != nil {
		return wn.node.DBRef, wn.node.DBRef.Complete()
	}
	return wn.entity.identity(wn.node.Props)
}

// writeEdge is a relation between two input nodes.
type writeEdge struct {
	parent *writeNode
	child  *writeNode
	rel    *Relation
	// linked is set when the through row already exists; current then
	// holds its persisted extras.
	linked  bool
	current map[string]any
	skip    bool
}

func (ed *writeEdge) owner() *writeNode   { return ed.parent.resolved() }
func (ed *writeEdge) related() *writeNode { return ed.child.resolved() }

// transfer names the node receiving join values over the edge, the node
// providing them, and the columns on each side. M2M edges transfer into
// the through row instead and report no receiver.
func (ed *writeEdge) transfer() (recv, prov *writeNode, recvCols, provCols []string) {
	switch ed.rel.strategy.dependency() {
	case depOwnerFirst:
		return ed.related(), ed.owner(), ed.rel.To, ed.rel.From
	case depRelatedFirst:
		return ed.owner(), ed.related(), ed.rel.From, ed.rel.To
	}
	return nil, nil, nil, nil
}

// writePlan is the validated form of an input graph: every node with its
// state, the relation edges, and a dependency order. Building it issues no
// statements.
type writePlan struct {
	entity  *EntityType
	opts    *writeOptions
	roots   []*writeNode
	nodes   []*writeNode
	edges   []*writeEdge
	through []*writeEdge
	order   []*writeNode
	refs    *refTable
	seen    map[*Node]*writeNode
	upsert  bool
}

func newWritePlan(e *EntityType, opts *writeOptions, upsert bool) *writePlan {
	return &writePlan{
		entity: e,
		opts:   opts,
		refs:   newRefTable(),
		seen:   make(map[*Node]*writeNode),
		upsert: upsert,
	}
}

// build walks the input, resolves #ref markers, derives dependencies and
// orders the nodes.
func (p *writePlan) build(roots []*Node) error {
	for i, n := range roots {
		if n == nil {
			return fmt.Errorf("zgraph: root %d of %s is nil", i, p.entity.Name)
		}
		wn, err := p.walk(n, p.entity, "", fmt.Sprintf("%s[%d]", p.entity.Name, i))
		if err != nil {
			return err
		}
		p.roots = append(p.roots, wn)
	}

	if p.opts.allow != nil {
		if err := p.shape().Allows(p.opts.allow); err != nil {
			return err
		}
	}
	if err := p.refs.resolve(); err != nil {
		return err
	}
	p.link()
	return p.sort()
}

func (p *writePlan) walk(n *Node, e *EntityType, path, label string) (*writeNode, error) {
	if wn, ok := p.seen[n]; ok {
		return wn, nil
	}

	wn := &writeNode{uid: n.ID, label: label, path: path, node: n, entity: e}
	if n.Props == nil {
		n.Props = make(map[string]any)
	}
	p.seen[n] = wn

	switch {
	case n.Ref != "":
		wn.state = stateAlias
		p.refs.deferRef(wn)
	case n.DBRef != nil:
		if len(n.DBRef) != len(e.IDColumns) {
			return nil, fmt.Errorf("zgraph: #dbRef of %s at %s has %d parts, identity has %d", e.Name, label, len(n.DBRef), len(e.IDColumns))
		}
		wn.state = stateReference
	case path != "" && p.opts.relate.has(path) && hasIdentity(e, n):
		wn.state = stateReference
	default:
		wn.state = stateInsert
	}

	if n.ID != "" {
		if err := p.refs.declare(n.ID, wn); err != nil {
			return nil, err
		}
		wn.label += " (#id " + n.ID + ")"
	}
	if wn.uid == "" {
		wn.uid = uuid.NewString()
	}
	if wn.state != stateAlias {
		p.nodes = append(p.nodes, wn)
	}

	for name := range n.Rels {
		if _, ok := e.relations[name]; !ok {
			return nil, &UnknownRelationError{Entity: e.Name, Relation: name, Path: joinPath(path, name)}
		}
	}
	for _, rel := range e.Relations() {
		children, ok := n.Rels[rel.Name]
		if !ok {
			continue
		}
		if rel.Kind.Single() && len(children) > 1 {
			return nil, &RelationError{Entity: e.Name, Relation: rel.Name,
				Err: fmt.Errorf("%w: %d nodes given at %s", ErrInvalidRelation, len(children), label)}
		}
		for j, child := range children {
			if child == nil {
				continue
			}
			cw, err := p.walk(child, rel.Related, joinPath(path, rel.Name), fmt.Sprintf("%s.%s[%d]", label, rel.Name, j))
			if err != nil {
				return nil, err
			}
			if rel.Through != nil && len(rel.Through.Extra) > 0 {
				if cw.extras == nil {
					cw.extras = make(map[string]bool)
				}
				for _, x := range rel.Through.Extra {
					cw.extras[x] = true
				}
			}
			p.edges = append(p.edges, &writeEdge{parent: wn, child: cw, rel: rel})
		}
	}
	return wn, nil
}

func hasIdentity(e *EntityType, n *Node) bool {
	_, ok := e.identity(n.Props)
	return ok
}

// shape returns the relation expression the input graph mentions,
// including relations given as empty.
func (p *writePlan) shape() *Expression {
	root := &Expression{}
	visited := make(map[*writeNode]bool)
	var walk func(wn *writeNode, x *Expression)
	walk = func(wn *writeNode, x *Expression) {
		if visited[wn] {
			return
		}
		visited[wn] = true
		for _, rel := range wn.entity.Relations() {
			if !wn.node.Loaded(rel.Name) {
				continue
			}
			child := x.Child(rel.Name)
			if child == nil {
				child = &Expression{Name: rel.Name}
				x.Children = append(x.Children, child)
			}
			for _, ed := range p.edges {
				if ed.parent == wn && ed.rel == rel {
					walk(ed.child, child)
				}
			}
		}
	}
	for _, r := range p.roots {
		walk(r, root)
	}
	return root
}

// link derives node dependencies from the relation kinds.
func (p *writePlan) link() {
	for _, ed := range p.edges {
		o, r := ed.owner(), ed.related()
		switch ed.rel.strategy.dependency() {
		case depOwnerFirst:
			r.addDep(o)
			r.incoming = append(r.incoming, ed)
			o.need(ed.rel.From)
		case depRelatedFirst:
			o.addDep(r)
			o.incoming = append(o.incoming, ed)
			r.need(ed.rel.To)
		default:
			p.through = append(p.through, ed)
			o.need(ed.rel.From)
			r.need(ed.rel.To)
		}
	}
}

// sort orders the nodes so every node follows the nodes it depends on,
// keeping input order among independent nodes. Nodes left over form or
// depend on a cycle.
func (p *writePlan) sort() error {
	done := make(map[*writeNode]bool, len(p.nodes))
	remaining := p.nodes
	p.order = make([]*writeNode, 0, len(p.nodes))

	for len(remaining) > 0 {
		var next []*writeNode
		for _, wn := range remaining {
			ready := true
			for _, d := range wn.deps {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				done[wn] = true
				p.order = append(p.order, wn)
			} else {
				next = append(next, wn)
			}
		}
		if len(next) == len(remaining) {
			labels := make([]string, len(next))
			for i, wn := range next {
				labels[i] = wn.label
			}
			return &CyclicGraphError{Nodes: labels}
		}
		remaining = next
	}
	return nil
}

// skipSubtree excludes wn and everything below it from the write.
func (p *writePlan) skipSubtree(wn *writeNode) {
	if wn.skip {
		return
	}
	wn.skip = true
	for _, ed := range p.edges {
		if ed.parent == wn {
			ed.skip = true
			p.skipSubtree(ed.child)
		}
		if ed.child == wn {
			ed.skip = true
		}
	}
}

// describe renders the planned operations, one per line.
func (p *writePlan) describe() string {
	var b strings.Builder
	for _, wn := range p.order {
		if wn.skip {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", wn.state, wn.label)
	}
	for _, ed := range p.through {
		if ed.skip || ed.linked {
			continue
		}
		fmt.Fprintf(&b, "relate %s -> %s via %s\n", ed.owner().label, ed.related().label, ed.rel.Through.Table)
	}
	return b.String()
}
