package zgraph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Strategy selects how a graph fetch is turned into statements.
type Strategy int

const (
	// SeparateQueries issues one batched query per relation edge and level.
	SeparateQueries Strategy = iota
	// JoinedQuery flattens the whole graph into one LEFT JOIN query. Root
	// conditions may then address related columns as "pets.name".
	JoinedQuery
)

func (s Strategy) String() string {
	if s == JoinedQuery {
		return "joined"
	}
	return "separate"
}

// ParseStrategy accepts "separate" and "joined".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "separate", "separate_queries":
		return SeparateQueries, nil
	case "joined", "join", "joined_query":
		return JoinedQuery, nil
	}
	return SeparateQueries, fmt.Errorf("%w: fetch strategy %q", ErrUnsupported, s)
}

// UnmarshalText lets configuration files name the strategy.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// FetchOption customises one fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	strategy     *Strategy
	pathMods     map[string][]Modifier
	allow        *Expression
	requireFound bool
	err          error
}

func (o *fetchOptions) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

// WithStrategy overrides the client's default fetch strategy.
func WithStrategy(s Strategy) FetchOption {
	return func(o *fetchOptions) { o.strategy = &s }
}

// WithModifier applies m to every relation at the leaves of pathExpr, for
// example "[pets, children.pets]".
func WithModifier(pathExpr string, m Modifier) FetchOption {
	return func(o *fetchOptions) {
		x, err := parseCached(pathExpr)
		if err != nil {
			o.fail(err)
			return
		}
		if o.pathMods == nil {
			o.pathMods = make(map[string][]Modifier)
		}
		for _, p := range x.leafPaths() {
			o.pathMods[p] = append(o.pathMods[p], m)
		}
	}
}

// AllowGraph restricts the relations a fetch may load to the union of
// exprs. Expressions outside the allow-list fail before any statement runs.
func AllowGraph(exprs ...string) FetchOption {
	return func(o *fetchOptions) {
		for _, src := range exprs {
			x, err := parseCached(src)
			if err != nil {
				o.fail(err)
				return
			}
			o.allow = o.allow.Merge(x)
		}
	}
}

// RequireFound makes FindByID and FindByIDs fail with ModelNotFoundError
// instead of returning nothing.
func RequireFound() FetchOption {
	return func(o *fetchOptions) { o.requireFound = true }
}

// leafPaths lists the paths of nodes without children.
func (e *Expression) leafPaths() []string {
	var out []string
	for _, p := range e.Paths() {
		if len(e.At(p).Children) == 0 {
			out = append(out, p)
		}
	}
	return out
}

// fetchPlan is a validated fetch request. Building it issues no statements.
type fetchPlan struct {
	entity   *EntityType
	expr     *Expression
	opts     fetchOptions
	strategy Strategy
}

func (c *Client) planFetch(e *EntityType, expr string, opts []FetchOption) (*fetchPlan, error) {
	x, err := parseCached(expr)
	if err != nil {
		return nil, err
	}
	return c.planFetchExpr(e, x, opts)
}

func (c *Client) planFetchExpr(e *EntityType, x *Expression, opts []FetchOption) (*fetchPlan, error) {
	p := &fetchPlan{entity: e, expr: x, strategy: c.cfg.FetchStrategy}
	for _, opt := range opts {
		opt(&p.opts)
	}
	if p.opts.err != nil {
		return nil, p.opts.err
	}
	if p.opts.strategy != nil {
		p.strategy = *p.opts.strategy
	}

	if err := x.validate(e, ""); err != nil {
		return nil, err
	}
	if p.opts.allow != nil {
		if err := x.Allows(p.opts.allow); err != nil {
			return nil, err
		}
	}
	for path := range p.opts.pathMods {
		if _, err := relationAt(e, path); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// relationAt walks a dotted relation path from e.
func relationAt(e *EntityType, path string) (*Relation, error) {
	var rel *Relation
	cur := e
	for _, name := range strings.Split(path, ".") {
		r, ok := cur.relations[name]
		if !ok {
			return nil, &UnknownRelationError{Entity: cur.Name, Relation: name, Path: path}
		}
		rel, cur = r, r.Related
	}
	return rel, nil
}

// relationQuery composes the query of one relation edge: the relation's
// filter, then named modifiers, then caller modifiers for the path.
func (p *fetchPlan) relationQuery(rel *Relation, x *Expression, path string) *Query {
	q := NewQuery()
	if rel.Filter != nil {
		rel.Filter(q)
	}
	for _, name := range x.Modifiers {
		m, _ := rel.Related.Modifier(name)
		m(q)
	}
	for _, m := range p.opts.pathMods[path] {
		m(q)
	}
	return q
}

// Fetch loads the rows of entity matching q together with the relations
// named by expr. A nil q selects every row.
func (c *Client) Fetch(ctx context.Context, entity string, q *Query, expr string, opts ...FetchOption) ([]*Node, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	plan, err := c.planFetch(e, expr, opts)
	if err != nil {
		return nil, err
	}
	return c.runFetch(ctx, c.readConn(), plan, q, nil)
}

// FetchGraph loads the relations named by expr onto roots, which must carry
// their join columns. Relations already present are replaced.
func (c *Client) FetchGraph(ctx context.Context, entity string, roots []*Node, expr string, opts ...FetchOption) error {
	e, err := c.entity(entity)
	if err != nil {
		return err
	}
	plan, err := c.planFetch(e, expr, opts)
	if err != nil {
		return err
	}
	return c.loadGraph(ctx, c.readConn(), plan, roots)
}

// FindByID loads one row by identity. A missing row yields nil unless
// RequireFound is given.
func (c *Client) FindByID(ctx context.Context, entity string, id any, expr string, opts ...FetchOption) (*Node, error) {
	nodes, err := c.FindByIDs(ctx, entity, []Key{toKey(id)}, expr, opts...)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

// FindByIDs loads rows by identity, ordered by identity.
func (c *Client) FindByIDs(ctx context.Context, entity string, ids []Key, expr string, opts ...FetchOption) ([]*Node, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	plan, err := c.planFetch(e, expr, opts)
	if err != nil {
		return nil, err
	}
	return c.findByIDs(ctx, c.readConn(), plan, ids)
}

func (c *Client) findByIDs(ctx context.Context, cn *conn, plan *fetchPlan, ids []Key) ([]*Node, error) {
	e := plan.entity
	for _, id := range ids {
		if len(id) != len(e.IDColumns) {
			return nil, fmt.Errorf("zgraph: %s identity has %d columns, got %d", e.Name, len(e.IDColumns), len(id))
		}
	}
	if len(ids) == 0 {
		return []*Node{}, nil
	}

	nodes, err := c.runFetch(ctx, cn, plan, nil, ids)
	if err != nil {
		return nil, err
	}
	if plan.opts.requireFound {
		for _, id := range ids {
			if !slices.ContainsFunc(nodes, func(n *Node) bool {
				k, ok := e.identity(n.Props)
				return ok && k.Equal(id)
			}) {
				return nil, &ModelNotFoundError{Entity: e.Name, Key: id}
			}
		}
	}
	return nodes, nil
}

func (c *Client) runFetch(ctx context.Context, cn *conn, plan *fetchPlan, q *Query, ids []Key) ([]*Node, error) {
	q = q.Clone()
	if err := q.Err(); err != nil {
		return nil, err
	}
	if plan.strategy == JoinedQuery && !plan.expr.IsEmpty() {
		return c.fetchJoined(ctx, cn, plan, q, ids)
	}

	roots, err := c.fetchRoots(ctx, cn, plan.entity, q, ids)
	if err != nil {
		return nil, err
	}
	if err := c.loadGraph(ctx, cn, plan, roots); err != nil {
		return nil, err
	}
	return roots, nil
}

// fetchRoots runs the root query of the separate strategy.
func (c *Client) fetchRoots(ctx context.Context, cn *conn, e *EntityType, q *Query, ids []Key) ([]*Node, error) {
	ev := &HookEvent{Op: OpFetch, Entity: e, Query: q}
	cancelled, err := runBefore(ctx, ev)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return []*Node{}, nil
	}

	const alias = "r"
	d := c.dialect
	stmt := &selectStmt{
		columns:  selectColumns(d, e, alias, ""),
		from:     d.Quote(e.Table) + " AS " + alias,
		limit:    ev.Query.limit,
		offset:   ev.Query.offset,
		limitAll: d.LimitAll,
	}
	if ids != nil {
		in, args := tupleIn(d, qualified(d, e, alias, e.IDColumns), ids)
		stmt.addWhere(in, args...)
	}
	if err := applyQuery(stmt, ev.Query, entityColumns(d, e, alias)); err != nil {
		return nil, err
	}
	stmt.orderBy = append(stmt.orderBy, idOrder(d, e, alias)...)

	rows, err := cn.query(ctx, "SELECT", stmt.String(), stmt.args)
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, len(rows))
	for i, row := range rows {
		nodes[i] = e.nodeFromRow(row)
	}

	ev.Nodes = nodes
	if err := runAfter(ctx, ev); err != nil {
		return nil, err
	}
	return nodes, nil
}

// qualified returns alias-qualified storage columns of logical props.
func qualified(d *Dialect, e *EntityType, alias string, props []string) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = alias + "." + d.Quote(e.Column(p))
	}
	return out
}

type fetchTask struct {
	owners []*Node
	rel    *Relation
	expr   *Expression
	path   string
}

type fetchResult struct {
	// groups maps an owner key to its related nodes in row order.
	groups map[string][]*Node
	// related holds each distinct related node once; it owns the next level.
	related []*Node
}

// loadGraph loads relations level by level. Sibling edges of one level are
// independent and may run concurrently; a level starts only after its
// parent level has been stitched.
func (c *Client) loadGraph(ctx context.Context, cn *conn, plan *fetchPlan, roots []*Node) error {
	level := childTasks(plan.entity, roots, plan.expr, "")

	for len(level) > 0 {
		results := make([]fetchResult, len(level))

		if cn.concurrent() && len(level) > 1 {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(c.cfg.FetchConcurrency)
			for i, t := range level {
				g.Go(func() error {
					res, err := c.fetchRelated(gctx, cn, plan, t)
					results[i] = res
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		} else {
			for i, t := range level {
				res, err := c.fetchRelated(ctx, cn, plan, t)
				if err != nil {
					return err
				}
				results[i] = res
			}
		}

		var next []fetchTask
		for i, t := range level {
			stitch(t, results[i])
			next = append(next, childTasks(t.rel.Related, results[i].related, t.expr, t.path)...)
		}
		level = next
	}
	return nil
}

func childTasks(e *EntityType, owners []*Node, x *Expression, prefix string) []fetchTask {
	tasks := make([]fetchTask, 0, len(x.Children))
	for _, child := range x.Children {
		path := child.Name
		if prefix != "" {
			path = prefix + "." + child.Name
		}
		tasks = append(tasks, fetchTask{owners: owners, rel: e.relations[child.Name], expr: child, path: path})
	}
	return tasks
}

// distinctKeys collects the complete owner join keys in first-seen order.
func distinctKeys(owners []*Node, cols []string) []Key {
	seen := make(map[string]bool, len(owners))
	var keys []Key
	for _, n := range owners {
		k, ok := keyOf(n.Props, cols)
		if !ok {
			continue
		}
		s := k.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		keys = append(keys, k)
	}
	return keys
}

func (c *Client) fetchRelated(ctx context.Context, cn *conn, plan *fetchPlan, t fetchTask) (fetchResult, error) {
	rel := t.rel
	keys := distinctKeys(t.owners, rel.From)
	if len(keys) == 0 {
		return fetchResult{}, nil
	}

	ev := &HookEvent{Op: OpFetch, Entity: rel.Related, Query: plan.relationQuery(rel, t.expr, t.path)}
	cancelled, err := runBefore(ctx, ev)
	if err != nil || cancelled {
		return fetchResult{}, err
	}
	if err := ev.Query.Err(); err != nil {
		return fetchResult{}, err
	}

	stmt, err := rel.strategy.selectRelated(rel, c.dialect, keys, ev.Query)
	if err != nil {
		return fetchResult{}, err
	}
	rows, err := cn.query(ctx, "SELECT", stmt.String(), stmt.args)
	if err != nil {
		return fetchResult{}, err
	}

	res := fetchResult{groups: make(map[string][]*Node)}
	extras := rel.Through != nil && len(rel.Through.Extra) > 0
	seen := make(map[string]*Node)
	for _, row := range rows {
		owner := rel.strategy.ownerKeyOfRow(rel, row).String()
		n := rel.Related.nodeFromRow(row)

		switch {
		case extras:
			// Extra columns belong to the through row, so each row is its own node.
			for _, extra := range rel.Through.Extra {
				n.Props[extra] = row[extraAliasPrefix+extra]
			}
			res.related = append(res.related, n)
		default:
			id, ok := rel.Related.identity(n.Props)
			if !ok {
				res.related = append(res.related, n)
				break
			}
			if prev, dup := seen[id.String()]; dup {
				n = prev
			} else {
				seen[id.String()] = n
				res.related = append(res.related, n)
			}
		}
		res.groups[owner] = append(res.groups[owner], n)
	}

	ev.Nodes = res.related
	if err := runAfter(ctx, ev); err != nil {
		return fetchResult{}, err
	}
	return res, nil
}

// stitch attaches related nodes to every owner. Owners without matches get
// an empty relation.
func stitch(t fetchTask, res fetchResult) {
	rel := t.rel
	for _, owner := range t.owners {
		var children []*Node
		if k, ok := keyOf(owner.Props, rel.From); ok {
			children = res.groups[k.String()]
		}
		if rel.Kind.Single() && len(children) > 1 {
			children = children[:1]
		}
		owner.setRelation(rel.Name, append([]*Node{}, children...))
	}
}
