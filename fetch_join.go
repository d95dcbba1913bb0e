package zgraph

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// joinNode is one relation of a joined fetch. Its columns are selected as
// "tN:i", the table alias and the column position, and through extras as
// "tN:xi", so aliases stay short however deep the path. Root columns keep
// their plain names.
type joinNode struct {
	rel      *Relation
	entity   *EntityType
	alias    string
	prefix   string
	path     string
	children []*joinNode
	query    *Query
	nodes    []*Node
}

func (j *joinNode) colAlias(i int, col string) string {
	if j.prefix == "" {
		return col
	}
	return columnAlias(j.prefix, i)
}

func (j *joinNode) extraAlias(i int) string {
	return j.prefix + ":x" + strconv.Itoa(i)
}

// read materialises the node of j from a row. ok is false when the LEFT
// JOIN matched nothing.
func (j *joinNode) read(row map[string]any) (*Node, string, bool) {
	n := NewNode(make(map[string]any, len(j.entity.columns)))
	for i, prop := range j.entity.columns {
		n.Props[prop] = row[j.colAlias(i, j.entity.Column(prop))]
	}
	id, ok := j.entity.identity(n.Props)
	if !ok {
		return nil, "", false
	}
	key := id.String()
	if j.rel != nil && j.rel.Through != nil && len(j.rel.Through.Extra) > 0 {
		extras := make(Key, len(j.rel.Through.Extra))
		for i, extra := range j.rel.Through.Extra {
			v := row[j.extraAlias(i)]
			n.Props[extra] = v
			extras[i] = v
		}
		key += "#" + extras.String()
	}
	return n, key, true
}

// find returns the join node at a dotted relation path.
func (j *joinNode) find(path string) *joinNode {
	for _, c := range j.children {
		if c.path == path {
			return c
		}
		if strings.HasPrefix(path, c.path+".") {
			return c.find(path)
		}
	}
	return nil
}

// buildJoinTree assigns aliases t0..tn in depth-first order.
func (p *fetchPlan) buildJoinTree() *joinNode {
	n := 0
	root := &joinNode{entity: p.entity, alias: "t0"}

	var walk func(parent *joinNode, x *Expression)
	walk = func(parent *joinNode, x *Expression) {
		for _, child := range x.Children {
			n++
			rel := parent.entity.relations[child.Name]
			alias := "t" + strconv.Itoa(n)
			jn := &joinNode{
				rel:    rel,
				entity: rel.Related,
				alias:  alias,
				prefix: alias,
				path:   joinPath(parent.path, child.Name),
			}
			jn.query = p.relationQuery(rel, child, jn.path)
			parent.children = append(parent.children, jn)
			walk(jn, child)
		}
	}
	walk(root, p.expr)
	return root
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// joinedResolver resolves root columns and "path.column" references.
func joinedResolver(d *Dialect, root *joinNode) columnResolver {
	return func(column string) (string, error) {
		i := strings.LastIndexByte(column, '.')
		if i < 0 {
			return root.alias + "." + d.Quote(root.entity.Column(column)), nil
		}
		jn := root.find(column[:i])
		if jn == nil {
			return "", &UnknownRelationError{Entity: root.entity.Name, Relation: column[:i], Path: column[:i]}
		}
		return jn.alias + "." + d.Quote(jn.entity.Column(column[i+1:])), nil
	}
}

// fetchJoined loads the whole graph with a single LEFT JOIN query and folds
// the flat rows back into nodes, removing fan-out duplicates.
func (c *Client) fetchJoined(ctx context.Context, cn *conn, plan *fetchPlan, q *Query, ids []Key) ([]*Node, error) {
	d := c.dialect
	e := plan.entity

	if q.limit > 0 || q.offset > 0 {
		return nil, fmt.Errorf("%w: limit and offset with a joined graph fetch", ErrUnsupported)
	}

	ev := &HookEvent{Op: OpFetch, Entity: e, Query: q}
	cancelled, err := runBefore(ctx, ev)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return []*Node{}, nil
	}

	root := plan.buildJoinTree()
	stmt := &selectStmt{
		columns: selectColumns(d, e, root.alias, ""),
		from:    d.Quote(e.Table) + " AS " + root.alias,
	}

	var (
		orders []string
		visit  func(parent *joinNode) error
	)
	visit = func(parent *joinNode) error {
		for _, jn := range parent.children {
			rev := &HookEvent{Op: OpFetch, Entity: jn.entity, Query: jn.query}
			vetoed, err := runBefore(ctx, rev)
			if err != nil {
				return err
			}
			jn.query = rev.Query
			if jn.query.limit > 0 || jn.query.offset > 0 {
				return fmt.Errorf("%w: limit and offset on relation %s in a joined fetch", ErrUnsupported, jn.path)
			}

			resolve := entityColumns(d, jn.entity, jn.alias)
			on, args, err := jn.query.whereSQL(resolve)
			if err != nil {
				return err
			}
			if vetoed {
				on, args = "1 = 0", nil
			}
			stmt.addJoin(strings.Join(jn.rel.strategy.joinSQL(jn.rel, d, parent.alias, jn.alias, on), " "), args...)

			stmt.columns = append(stmt.columns, selectColumns(d, jn.entity, jn.alias, jn.prefix)...)
			if th := jn.rel.Through; th != nil {
				for i, extra := range th.Extra {
					stmt.columns = append(stmt.columns, fmt.Sprintf("%s.%s AS %s",
						jn.alias+"_t", d.Quote(th.ExtraColumn(extra)), d.QuoteAlias(jn.extraAlias(i))))
				}
			}

			userOrder, err := jn.query.orderSQL(resolve)
			if err != nil {
				return err
			}
			orders = append(orders, userOrder...)
			orders = append(orders, idOrder(d, jn.entity, jn.alias)...)

			if err := visit(jn); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}

	if ids != nil {
		in, args := tupleIn(d, qualified(d, e, root.alias, e.IDColumns), ids)
		stmt.addWhere(in, args...)
	}
	if err := applyQuery(stmt, ev.Query, joinedResolver(d, root)); err != nil {
		return nil, err
	}
	stmt.orderBy = append(stmt.orderBy, idOrder(d, e, root.alias)...)
	stmt.orderBy = append(stmt.orderBy, orders...)

	rows, err := cn.query(ctx, "SELECT", stmt.String(), stmt.args)
	if err != nil {
		return nil, err
	}

	roots := assembleJoined(root, rows)

	ev.Nodes = roots
	if err := runAfter(ctx, ev); err != nil {
		return nil, err
	}
	var after func(parent *joinNode) error
	after = func(parent *joinNode) error {
		for _, jn := range parent.children {
			if err := runAfter(ctx, &HookEvent{Op: OpFetch, Entity: jn.entity, Query: jn.query, Nodes: jn.nodes}); err != nil {
				return err
			}
			if err := after(jn); err != nil {
				return err
			}
		}
		return nil
	}
	if err := after(root); err != nil {
		return nil, err
	}
	return roots, nil
}

// assembleJoined folds joined rows into root nodes. Each node appears once
// per parent and relation however many rows repeat it.
func assembleJoined(root *joinNode, rows []map[string]any) []*Node {
	roots := []*Node{}
	rootIndex := make(map[string]*Node)
	children := make(map[*Node]map[string]map[string]*Node)

	var attach func(parent *Node, pj *joinNode, row map[string]any)
	attach = func(parent *Node, pj *joinNode, row map[string]any) {
		for _, cj := range pj.children {
			name := cj.rel.Name
			if !parent.Loaded(name) {
				parent.setRelation(name, []*Node{})
			}

			n, key, ok := cj.read(row)
			if !ok {
				continue
			}

			byRel := children[parent]
			if byRel == nil {
				byRel = make(map[string]map[string]*Node)
				children[parent] = byRel
			}
			index := byRel[name]
			if index == nil {
				index = make(map[string]*Node)
				byRel[name] = index
			}

			if existing, dup := index[key]; dup {
				n = existing
			} else if !cj.rel.Kind.Single() || len(parent.Rels[name]) == 0 {
				index[key] = n
				parent.Rels[name] = append(parent.Rels[name], n)
				cj.nodes = append(cj.nodes, n)
			} else {
				continue
			}
			attach(n, cj, row)
		}
	}

	for _, row := range rows {
		n, key, ok := root.read(row)
		if !ok {
			continue
		}
		if existing, dup := rootIndex[key]; dup {
			n = existing
		} else {
			rootIndex[key] = n
			roots = append(roots, n)
		}
		attach(n, root, row)
	}
	return roots
}
