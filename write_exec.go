package zgraph

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
)

// writeCounts summarises one graph write.
type writeCounts struct {
	inserted, updated, deleted, related, unrelated int
}

// cleanupOp removes a persisted row, or its link, missing from an upsert
// input. Cleanup runs before any insert.
type cleanupOp struct {
	owner  *writeNode
	rel    *Relation
	node   *Node
	unlink bool
}

// writer executes a plan on one transaction, strictly in order. The first
// failing statement stops the plan.
type writer struct {
	c       *Client
	cn      *conn
	plan    *writePlan
	cleanup []cleanupOp
	counts  writeCounts
}

func (c *Client) newWriter(plan *writePlan) *writer {
	return &writer{c: c, cn: c.newConn(c.tx.tx), plan: plan}
}

func (w *writer) run(ctx context.Context) error {
	if w.c.logger.Enabled(ctx, slog.LevelDebug) {
		w.c.logger.DebugContext(ctx, "zgraph: write plan", "entity", w.plan.entity.Name, "plan", w.plan.describe())
	}

	for _, op := range w.cleanup {
		if err := w.remove(ctx, op); err != nil {
			return err
		}
	}
	for _, wn := range w.plan.order {
		if wn.skip {
			continue
		}
		if err := w.execNode(ctx, wn); err != nil {
			return err
		}
	}
	for _, ed := range w.plan.through {
		if ed.skip || ed.owner().skip || ed.related().skip {
			continue
		}
		if err := w.linkThrough(ctx, ed); err != nil {
			return err
		}
	}
	w.plan.refs.settle()

	w.c.logger.InfoContext(ctx, "zgraph: graph written",
		"entity", w.plan.entity.Name,
		"inserted", w.counts.inserted,
		"updated", w.counts.updated,
		"deleted", w.counts.deleted,
		"related", w.counts.related,
		"unrelated", w.counts.unrelated,
	)
	return nil
}

// receive copies join values from already written providers into wn and
// returns the receiving columns.
func (w *writer) receive(wn *writeNode) []string {
	var cols []string
	for _, ed := range wn.incoming {
		if ed.skip {
			continue
		}
		_, prov, recvCols, provCols := ed.transfer()
		if prov.skip {
			continue
		}
		for i, c := range recvCols {
			wn.node.Props[c] = prov.node.Props[provCols[i]]
			if !slices.Contains(cols, c) {
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// columnData returns the props stored in wn's own table.
func columnData(wn *writeNode) map[string]any {
	data := make(map[string]any, len(wn.node.Props))
	for prop, v := range wn.node.Props {
		if wn.extras[prop] {
			continue
		}
		data[prop] = v
	}
	return data
}

func sortedProps(m map[string]any) []string {
	props := make([]string, 0, len(m))
	for p := range m {
		props = append(props, p)
	}
	sort.Strings(props)
	return props
}

func (w *writer) execNode(ctx context.Context, wn *writeNode) error {
	recv := w.receive(wn)
	switch wn.state {
	case stateInsert:
		return w.insert(ctx, wn)
	case stateUpdate:
		return w.update(ctx, wn, recv)
	case stateReference:
		return w.reference(ctx, wn, recv)
	}
	return nil
}

func (w *writer) insert(ctx context.Context, wn *writeNode) error {
	e := wn.entity
	ev := &HookEvent{Op: OpInsert, Entity: e, Nodes: []*Node{wn.node}}
	cancelled, err := runBefore(ctx, ev)
	if err != nil {
		return err
	}
	if cancelled {
		return &CancelledError{Entity: e.Name, Op: OpInsert}
	}

	data := columnData(wn)
	for _, id := range e.IDColumns {
		if v, ok := data[id]; ok && isNil(v) {
			delete(data, id)
		}
	}
	data, err = runValidators(ctx, &ValidateArgs{Entity: e, Op: OpInsert, Node: wn.node, Data: data})
	if err != nil {
		return err
	}
	maps.Copy(wn.node.Props, data)

	stmt := insertStmt{Table: e.Table}
	for _, prop := range sortedProps(data) {
		stmt.Columns = append(stmt.Columns, e.Column(prop))
		stmt.Values = append(stmt.Values, data[prop])
	}

	d := w.c.dialect
	if d.Returning {
		for _, prop := range e.columns {
			stmt.Returning = append(stmt.Returning, e.Column(prop))
		}
		query, args := stmt.toSQL(d)
		rows, err := w.cn.insertReturning(ctx, query, args)
		if err != nil {
			return err
		}
		if len(rows) == 1 {
			for col, v := range rows[0] {
				wn.node.Props[e.Property(col)] = v
			}
		}
	} else {
		query, args := stmt.toSQL(d)
		res, err := w.cn.exec(ctx, "INSERT", query, args)
		if err != nil {
			return err
		}
		if len(e.IDColumns) == 1 && isNil(wn.node.Props[e.IDColumns[0]]) {
			id, err := res.LastInsertId()
			if err != nil {
				return wrapDBError("INSERT", query, args, err)
			}
			wn.node.Props[e.IDColumns[0]] = id
		}
	}
	w.counts.inserted++

	return runAfter(ctx, ev)
}

// patchOf lists the columns of wn that differ from the persisted row.
func (w *writer) patchOf(wn *writeNode, recv []string) map[string]any {
	patch := make(map[string]any)
	onlyJoin := w.plan.opts.noUpdate.has(wn.path)
	for prop, v := range columnData(wn) {
		if slices.Contains(wn.entity.IDColumns, prop) {
			continue
		}
		if onlyJoin && !slices.Contains(recv, prop) {
			continue
		}
		if cur, ok := wn.current[prop]; ok && sameValue(cur, v) {
			continue
		}
		patch[prop] = v
	}
	return patch
}

func (w *writer) update(ctx context.Context, wn *writeNode, recv []string) error {
	patch := w.patchOf(wn, recv)
	if len(patch) == 0 {
		return nil
	}
	key, _ := wn.key()
	n, err := w.patch(ctx, wn, key, patch)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ModelNotFoundError{Entity: wn.entity.Name, Key: key}
	}
	return nil
}

// patch runs hooks and validators and updates the row at key. It returns
// the number of matched rows; a vetoed update reports one.
func (w *writer) patch(ctx context.Context, wn *writeNode, key Key, patch map[string]any) (int64, error) {
	e := wn.entity
	ev := &HookEvent{Op: OpUpdate, Entity: e, Nodes: []*Node{wn.node}, Patch: patch}
	cancelled, err := runBefore(ctx, ev)
	if err != nil {
		return 0, err
	}
	if cancelled {
		return 1, nil
	}

	patch, err = runValidators(ctx, &ValidateArgs{Entity: e, Op: OpUpdate, Node: wn.node, Data: ev.Patch, Patch: true})
	if err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 1, nil
	}
	maps.Copy(wn.node.Props, patch)

	stmt := updateStmt{Table: e.Table, Key: key}
	for _, prop := range sortedProps(patch) {
		stmt.SetValues = append(stmt.SetValues, [2]any{e.Column(prop), patch[prop]})
	}
	for _, c := range e.IDColumns {
		stmt.KeyCols = append(stmt.KeyCols, e.Column(c))
	}
	query, args := stmt.toSQL(w.c.dialect)
	res, err := w.cn.exec(ctx, "UPDATE", query, args)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("UPDATE", query, args, err)
	}
	if n > 0 {
		w.counts.updated++
	}
	if err := runAfter(ctx, ev); err != nil {
		return 0, err
	}
	return n, nil
}

// reference settles a node that stands for an existing row. Join values it
// receives are written with an UPDATE; otherwise the row is read to confirm
// it exists and to supply the columns other nodes need.
func (w *writer) reference(ctx context.Context, wn *writeNode, recv []string) error {
	e := wn.entity
	key, ok := wn.key()
	if !ok {
		return &DanglingReferenceError{DBRef: wn.node.DBRef, Entity: e.Name}
	}
	for i, c := range e.IDColumns {
		wn.node.Props[c] = key[i]
	}

	if len(recv) > 0 {
		patch := make(map[string]any, len(recv))
		for _, c := range recv {
			v := wn.node.Props[c]
			if cur, known := wn.current[c]; known && sameValue(cur, v) {
				continue
			}
			patch[c] = v
		}
		if len(patch) > 0 {
			n, err := w.patch(ctx, wn, key, patch)
			if err != nil {
				return err
			}
			if n == 0 {
				return &DanglingReferenceError{DBRef: key, Entity: e.Name}
			}
			w.counts.related++
		}
	}

	var missing []string
	for _, c := range wn.needs {
		if _, have := wn.node.Props[c]; !have {
			missing = append(missing, c)
		}
	}
	if wn.current != nil {
		for _, c := range missing {
			wn.node.Props[c] = wn.current[c]
		}
		return nil
	}
	if len(recv) > 0 && len(missing) == 0 {
		return nil
	}

	d := w.c.dialect
	cols := slices.Concat(e.IDColumns, missing)
	stmt := &selectStmt{
		columns: qualified(d, e, "r", cols),
		from:    d.Quote(e.Table) + " AS r",
	}
	in, args := tupleIn(d, qualified(d, e, "r", e.IDColumns), []Key{key})
	stmt.addWhere(in, args...)
	rows, err := w.cn.query(ctx, "SELECT", stmt.String(), stmt.args)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return &DanglingReferenceError{DBRef: key, Entity: e.Name}
	}
	for _, c := range missing {
		wn.node.Props[c] = rows[0][e.Column(c)]
	}
	wn.current = e.nodeFromRow(rows[0]).Props
	return nil
}

// throughKey returns the through-table key columns and values of an edge.
func throughKey(ed *writeEdge) ([]string, Key) {
	th := ed.rel.Through
	cols := slices.Concat(th.From, th.To)
	key := make(Key, 0, len(cols))
	o, r := ed.owner(), ed.related()
	for _, c := range ed.rel.From {
		key = append(key, o.node.Props[c])
	}
	for _, c := range ed.rel.To {
		key = append(key, r.node.Props[c])
	}
	return cols, key
}

// linkThrough inserts the through row of a many-to-many edge, or updates
// its extra columns when the row already exists. Extras are read from the
// edge's own child node, which for a #ref differs from the target.
func (w *writer) linkThrough(ctx context.Context, ed *writeEdge) error {
	th := ed.rel.Through
	src := ed.child.node
	cols, key := throughKey(ed)
	d := w.c.dialect

	if ed.linked {
		var set [][2]any
		for _, extra := range th.Extra {
			v, ok := src.Props[extra]
			if !ok || (ed.current != nil && sameValue(ed.current[extra], v)) {
				continue
			}
			set = append(set, [2]any{th.ExtraColumn(extra), v})
		}
		if len(set) == 0 {
			return nil
		}
		query, args := updateStmt{Table: th.Table, SetValues: set, KeyCols: cols, Key: key}.toSQL(d)
		_, err := w.cn.exec(ctx, "UPDATE", query, args)
		return err
	}

	stmt := insertStmt{Table: th.Table, Columns: cols, Values: []any(key)}
	for _, extra := range th.Extra {
		if v, ok := src.Props[extra]; ok {
			stmt.Columns = append(stmt.Columns, th.ExtraColumn(extra))
			stmt.Values = append(stmt.Values, v)
		}
	}
	query, args := stmt.toSQL(d)
	if _, err := w.cn.exec(ctx, "INSERT", query, args); err != nil {
		return err
	}
	w.counts.related++
	return nil
}

// remove deletes or detaches a persisted node missing from an upsert input.
func (w *writer) remove(ctx context.Context, op cleanupOp) error {
	rel := op.rel
	target := rel.Related
	key, ok := target.identity(op.node.Props)
	if !ok {
		return fmt.Errorf("zgraph: cannot remove %s without identity", target.Name)
	}
	d := w.c.dialect
	ownerNode := op.owner.node

	if rel.Through != nil {
		ownerKey := make(Key, len(rel.From))
		for i, c := range rel.From {
			ownerKey[i] = ownerNode.Props[c]
		}
		relatedKey := make(Key, len(rel.To))
		for i, c := range rel.To {
			relatedKey[i] = op.node.Props[c]
		}
		query, args := deleteStmt{
			Table:   rel.Through.Table,
			KeyCols: slices.Concat(rel.Through.From, rel.Through.To),
			Key:     slices.Concat(ownerKey, relatedKey),
		}.toSQL(d)
		if _, err := w.cn.exec(ctx, "DELETE", query, args); err != nil {
			return err
		}
		if op.unlink {
			w.counts.unrelated++
			return nil
		}
		return w.deleteRow(ctx, target, op.node, key)
	}

	if rel.Kind == BelongsToOne {
		// The owner row holds the join columns: clear them first.
		cleared := make(map[string]any, len(rel.From))
		for _, c := range rel.From {
			cleared[c] = nil
			ownerNode.Props[c] = nil
			if op.owner.current != nil {
				op.owner.current[c] = nil
			}
		}
		ownerKey, _ := op.owner.key()
		if _, err := w.patch(ctx, op.owner, ownerKey, cleared); err != nil {
			return err
		}
		if op.unlink {
			w.counts.unrelated++
			return nil
		}
		return w.deleteRow(ctx, target, op.node, key)
	}

	if op.unlink {
		set := make([][2]any, len(rel.To))
		for i, c := range rel.To {
			set[i] = [2]any{target.Column(c), nil}
		}
		keyCols := make([]string, len(target.IDColumns))
		for i, c := range target.IDColumns {
			keyCols[i] = target.Column(c)
		}
		query, args := updateStmt{Table: target.Table, SetValues: set, KeyCols: keyCols, Key: key}.toSQL(d)
		if _, err := w.cn.exec(ctx, "UPDATE", query, args); err != nil {
			return err
		}
		w.counts.unrelated++
		return nil
	}
	return w.deleteRow(ctx, target, op.node, key)
}

func (w *writer) deleteRow(ctx context.Context, e *EntityType, n *Node, key Key) error {
	ev := &HookEvent{Op: OpDelete, Entity: e, Nodes: []*Node{n}}
	cancelled, err := runBefore(ctx, ev)
	if err != nil || cancelled {
		return err
	}

	keyCols := make([]string, len(e.IDColumns))
	for i, c := range e.IDColumns {
		keyCols[i] = e.Column(c)
	}
	query, args := deleteStmt{Table: e.Table, KeyCols: keyCols, Key: key}.toSQL(w.c.dialect)
	if _, err := w.cn.exec(ctx, "DELETE", query, args); err != nil {
		return err
	}
	w.counts.deleted++
	return runAfter(ctx, ev)
}
