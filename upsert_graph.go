package zgraph

import (
	"context"
	"maps"
)

// UpsertGraph makes the persisted graph below roots match the input. The
// current graph is fetched with the relations the input mentions and
// compared node by node:
//
//   - input nodes without an identity are inserted; nodes whose identity
//     is not related yet are related when Relate applies and fail with a
//     NotRelatedError otherwise, before any statement runs;
//   - matched nodes are updated with the columns that changed;
//   - related rows missing from the input are deleted, or detached when
//     Unrelate applies, unless NoDelete applies.
//
// Relations the input does not mention are left alone. Deletes and
// detaches run before inserts. Repeating an upsert issues no writes.
func (c *Client) UpsertGraph(ctx context.Context, entity string, roots []*Node, opts ...WriteOption) ([]*Node, error) {
	e, err := c.entity(entity)
	if err != nil {
		return nil, err
	}
	o, err := applyWriteOptions(opts)
	if err != nil {
		return nil, err
	}

	plan := newWritePlan(e, o, true)
	if err := plan.build(roots); err != nil {
		return nil, err
	}
	fp, err := c.planFetchExpr(e, plan.shape(), []FetchOption{WithStrategy(SeparateQueries)})
	if err != nil {
		return nil, err
	}

	out := roots
	err = c.runWrite(ctx, func(tc *Client) error {
		var keys []Key
		for _, r := range plan.roots {
			if r.state == stateAlias {
				continue
			}
			if k, ok := r.key(); ok {
				keys = append(keys, k)
			}
		}
		current, err := tc.findByIDs(ctx, tc.readConn(), fp, keys)
		if err != nil {
			return err
		}
		byKey := make(map[string]*Node, len(current))
		for _, n := range current {
			if k, ok := e.identity(n.Props); ok {
				byKey[k.String()] = n
			}
		}

		w := tc.newWriter(plan)
		for _, r := range plan.roots {
			if r.state == stateAlias {
				continue
			}
			var cur *Node
			k, ok := r.key()
			if ok {
				cur = byKey[k.String()]
			}
			if cur == nil && o.noInsert.has("") {
				return &ModelNotFoundError{Entity: e.Name, Key: k}
			}
			if err := w.diff(r, cur); err != nil {
				return err
			}
		}

		if err := w.run(ctx); err != nil {
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

// UpsertOne is UpsertGraph for a single root.
func (c *Client) UpsertOne(ctx context.Context, entity string, root *Node, opts ...WriteOption) (*Node, error) {
	nodes, err := c.UpsertGraph(ctx, entity, []*Node{root}, opts...)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// diff compares an input node with its persisted counterpart, nil when the
// node does not exist, and plans the operations of its subtree.
func (w *writer) diff(wn *writeNode, cur *Node) error {
	opts := w.plan.opts

	switch {
	case cur != nil:
		if wn.node.DBRef == nil {
			wn.state = stateUpdate
		}
		wn.current = maps.Clone(cur.Props)
		for prop, v := range cur.Props {
			if _, ok := wn.node.Props[prop]; !ok {
				wn.node.Props[prop] = v
			}
		}
	case wn.state == stateInsert && wn.path != "" && opts.noInsert.has(wn.path):
		w.plan.skipSubtree(wn)
		return nil
	}

	for _, rel := range wn.entity.Relations() {
		if !wn.node.Loaded(rel.Name) {
			continue
		}
		path := joinPath(wn.path, rel.Name)

		existing := make(map[string]*Node)
		var order []string
		if cur != nil {
			for _, cc := range cur.Rels[rel.Name] {
				if k, ok := rel.Related.identity(cc.Props); ok {
					s := k.String()
					if _, dup := existing[s]; !dup {
						order = append(order, s)
					}
					existing[s] = cc
				}
			}
		}

		matched := make(map[string]bool)
		for _, ed := range w.plan.edges {
			if ed.parent != wn || ed.rel != rel {
				continue
			}
			cw := ed.child
			if cw.state == stateAlias {
				// The alias's target is planned where it is declared.
				if k, ok := cw.resolved().key(); ok && existing[k.String()] != nil {
					matched[k.String()] = true
					ed.linked = true
					ed.current = existing[k.String()].Props
				}
				continue
			}

			k, ok := cw.key()
			if ok && existing[k.String()] != nil {
				matched[k.String()] = true
				ed.linked = true
				ed.current = existing[k.String()].Props
				if err := w.diff(cw, existing[k.String()]); err != nil {
					return err
				}
				continue
			}
			if ok && cw.state == stateInsert && !opts.noInsert.has(path) {
				return &NotRelatedError{Entity: cw.entity.Name, Path: path, Key: k}
			}
			if err := w.diff(cw, nil); err != nil {
				return err
			}
		}

		if cur == nil {
			continue
		}
		for _, s := range order {
			if matched[s] {
				continue
			}
			switch {
			case opts.unrelate.has(path):
				w.cleanup = append(w.cleanup, cleanupOp{owner: wn, rel: rel, node: existing[s], unlink: true})
			case opts.noDelete.has(path):
			default:
				w.cleanup = append(w.cleanup, cleanupOp{owner: wn, rel: rel, node: existing[s]})
			}
		}
	}
	return nil
}
