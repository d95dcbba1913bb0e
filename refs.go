package zgraph

// refTable is the call-scoped map from graph-local #id to the node that
// declares it. #ref nodes may appear before their target; they are
// resolved once the whole input has been walked.
type refTable struct {
	ids     map[string]*writeNode
	aliases []*writeNode
}

func newRefTable() *refTable {
	return &refTable{ids: make(map[string]*writeNode)}
}

// declare registers wn under its #id.
func (t *refTable) declare(id string, wn *writeNode) error {
	if _, dup := t.ids[id]; dup {
		return &DuplicateIDError{ID: id}
	}
	t.ids[id] = wn
	return nil
}

// deferRef records a #ref node for resolve.
func (t *refTable) deferRef(alias *writeNode) {
	t.aliases = append(t.aliases, alias)
}

// resolve points every #ref node at its target.
func (t *refTable) resolve() error {
	for _, a := range t.aliases {
		target, ok := t.ids[a.node.Ref]
		if !ok {
			return &DanglingReferenceError{Ref: a.node.Ref}
		}
		if target.entity != a.entity {
			return &DanglingReferenceError{Ref: a.node.Ref, Entity: a.entity.Name}
		}
		a.target = target
	}
	return nil
}

// storageKey returns the persisted identity of the node declaring id. ok is
// false while the node has not been written yet.
func (t *refTable) storageKey(id string) (Key, bool) {
	wn, ok := t.ids[id]
	if !ok {
		return nil, false
	}
	return wn.entity.identity(wn.node.Props)
}

// settle copies the written props of each target into its #ref nodes so
// the returned graph carries identities everywhere.
func (t *refTable) settle() {
	for _, a := range t.aliases {
		key, ok := t.storageKey(a.node.Ref)
		if !ok {
			continue
		}
		for i, col := range a.entity.IDColumns {
			a.node.Set(col, key[i])
		}
	}
}
