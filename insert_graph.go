package zgraph

import (
	"context"
)

func applyWriteOptions(opts []WriteOption) (*writeOptions, error) {
	o := &writeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o, o.err
}

// InsertGraph inserts roots of entity together with their related nodes in
// one transaction, ordering statements so every foreign key is known
// before it is written. #id, #ref and #dbRef markers are resolved within
// the call. The input nodes are returned with their identities set.
//
// Structural problems (unknown relations, dangling #ref, cycles) are
// reported before any statement runs.
func (c *Client) InsertGraph(ctx context.Context, entity string, roots []*Node, opts ...WriteOption) ([]*Node, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	o, err := applyWriteOptions(opts)
	if err != nil {
		return nil, err
	}

	plan := newWritePlan(e, o, false)
	if err := plan.build(roots); err != nil {
		return nil, err
	}

	out := roots
	err = c.runWrite(ctx, func(tc *Client) error {
		if err := tc.newWriter(plan).run(ctx); err != nil {
			return err
		}
		if o.fetchAfter {
			fetched, err := tc.refetch(ctx, plan)
			if err != nil {
				return err
			}
			out = fetched
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertOne is InsertGraph for a single root.
func (c *Client) InsertOne(ctx context.Context, entity string, root *Node, opts ...WriteOption) (*Node, error) {
	nodes, err := c.InsertGraph(ctx, entity, []*Node{root}, opts...)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// refetch reads the written roots back with the shape of the input, in
// input order.
func (c *Client) refetch(ctx context.Context, plan *writePlan) ([]*Node, error) {
	fp, err := c.planFetchExpr(plan.entity, plan.shape(), []FetchOption{WithStrategy(SeparateQueries)})
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(plan.roots))
	for _, r := range plan.roots {
		if k, ok := r.resolved().key(); ok {
			keys = append(keys, k)
		}
	}
	nodes, err := c.findByIDs(ctx, c.readConn(), fp, keys)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if k, ok := plan.entity.identity(n.Props); ok {
			byKey[k.String()] = n
		}
	}
	out := make([]*Node, 0, len(keys))
	for _, k := range keys {
		if n, ok := byKey[k.String()]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}
