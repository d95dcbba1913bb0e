package zgraph

import (
	"fmt"
	"maps"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// Graph markers in the map form of a node.
const (
	MarkerID    = "#id"
	MarkerRef   = "#ref"
	MarkerDBRef = "#dbRef"
)

// Node is one entity instance in an object graph. Props hold logical column
// values. Rels maps relation names to related nodes; a BelongsToOne relation
// holds zero or one node. A relation absent from Rels was not loaded or not
// mentioned, which differs from an empty slice.
type Node struct {
	Props map[string]any
	Rels  map[string][]*Node

	// ID names this node so other nodes of the same input graph can
	// reference it with Ref.
	ID string
	// Ref makes this node an alias of the node declaring the same ID.
	Ref string
	// DBRef makes this node a reference to an existing row by identity.
	DBRef Key
}

// NewNode returns a node holding props.
func NewNode(props map[string]any) *Node {
	if props == nil {
		props = make(map[string]any)
	}
	return &Node{Props: props}
}

// RefNode returns a #ref alias of the node declaring id.
func RefNode(id string) *Node {
	return &Node{Props: map[string]any{}, Ref: id}
}

// DBRefNode returns a reference to an existing row.
func DBRefNode(key ...any) *Node {
	return &Node{Props: map[string]any{}, DBRef: Key(key)}
}

// Get returns a property value.
func (n *Node) Get(prop string) any {
	return n.Props[prop]
}

// Set assigns a property.
func (n *Node) Set(prop string, v any) *Node {
	if n.Props == nil {
		n.Props = make(map[string]any)
	}
	n.Props[prop] = v
	return n
}

// WithID declares the node's #id.
func (n *Node) WithID(id string) *Node {
	n.ID = id
	return n
}

// With appends children to a relation.
func (n *Node) With(rel string, children ...*Node) *Node {
	if n.Rels == nil {
		n.Rels = make(map[string][]*Node)
	}
	n.Rels[rel] = append(n.Rels[rel], children...)
	return n
}

// SetOne replaces a single-valued relation. A nil child records an empty
// relation, which upsert reads as "unset".
func (n *Node) SetOne(rel string, child *Node) *Node {
	if n.Rels == nil {
		n.Rels = make(map[string][]*Node)
	}
	if child == nil {
		n.Rels[rel] = []*Node{}
		return n
	}
	n.Rels[rel] = []*Node{child}
	return n
}

// Related returns the nodes of a relation.
func (n *Node) Related(rel string) []*Node {
	return n.Rels[rel]
}

// One returns the single node of a relation, or nil.
func (n *Node) One(rel string) *Node {
	if nodes := n.Rels[rel]; len(nodes) > 0 {
		return nodes[0]
	}
	return nil
}

// Loaded reports whether rel was loaded or mentioned.
func (n *Node) Loaded(rel string) bool {
	_, ok := n.Rels[rel]
	return ok
}

func (n *Node) setRelation(rel string, nodes []*Node) {
	if n.Rels == nil {
		n.Rels = make(map[string][]*Node)
	}
	n.Rels[rel] = nodes
}

// ToMap renders the node and its relations as nested maps. Markers are
// included under their "#" keys. With a non-nil e, BelongsToOne relations
// render as a map or nil; everything else renders as a list.
func (n *Node) ToMap(e *EntityType) map[string]any {
	return n.toMap(e, make(map[*Node]bool))
}

func (n *Node) toMap(e *EntityType, visiting map[*Node]bool) map[string]any {
	out := maps.Clone(n.Props)
	if out == nil {
		out = make(map[string]any)
	}
	if n.ID != "" {
		out[MarkerID] = n.ID
	}
	if n.Ref != "" {
		out[MarkerRef] = n.Ref
	}
	if n.DBRef != nil {
		out[MarkerDBRef] = []any(n.DBRef)
	}

	if visiting[n] {
		return out
	}
	visiting[n] = true
	defer delete(visiting, n)

	for name, children := range n.Rels {
		var (
			related *EntityType
			single  bool
		)
		if e != nil {
			if rel, err := e.Relation(name); err == nil {
				related, single = rel.Related, rel.Kind.Single()
			}
		}

		if single {
			if len(children) == 0 {
				out[name] = nil
			} else {
				out[name] = children[0].toMap(related, visiting)
			}
			continue
		}

		list := make([]any, len(children))
		for i, c := range children {
			list[i] = c.toMap(related, visiting)
		}
		out[name] = list
	}
	return out
}

// Decode copies the node graph into dst, a pointer to a struct or a slice
// of structs. Fields match logical property and relation names case
// insensitively, or by a `zgraph` tag.
func (n *Node) Decode(e *EntityType, dst any) error {
	return decodeInto(n.ToMap(e), dst)
}

// DecodeNodes decodes a slice of nodes into dst, a pointer to a slice.
func DecodeNodes(e *EntityType, nodes []*Node, dst any) error {
	list := make([]any, len(nodes))
	for i, n := range nodes {
		list[i] = n.ToMap(e)
	}
	return decodeInto(list, dst)
}

func decodeInto(src, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "zgraph",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc("2006-01-02 15:04:05"),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(src)
}

// NodeFromStruct builds a node from a struct or a map. Fields are named the
// way StructDef names them; fields matching relations of e become related
// nodes and everything else is a property. Nil relation fields leave the
// relation unmentioned.
func NodeFromStruct(e *EntityType, src any) (*Node, error) {
	m, ok := src.(map[string]any)
	if !ok {
		rv := reflect.ValueOf(src)
		if reflect.Indirect(rv).Kind() != reflect.Struct {
			return nil, fmt.Errorf("zgraph: %s node from %T: need a struct or a map", e.Name, src)
		}
		m = structValues(rv)
		if m == nil {
			return nil, fmt.Errorf("zgraph: %s node from nil %T", e.Name, src)
		}
	}

	n, err := nodeFromMap(e, m, structChild, true)
	if err != nil {
		return nil, err
	}
	// Zero identities of unsaved structs mean "not assigned yet".
	for _, c := range e.IDColumns {
		if v, ok := n.Props[c]; ok && (isNil(v) || reflect.ValueOf(v).IsZero()) {
			delete(n.Props, c)
		}
	}
	return n, nil
}

// structChild converts a relation value reached through NodeFromStruct.
func structChild(e *EntityType, v any) (*Node, error) {
	return NodeFromStruct(e, v)
}

type childFunc func(e *EntityType, v any) (*Node, error)

// nodeFromMap splits a map into props, markers and relations. With skipNil a
// nil relation value leaves the relation unmentioned instead of empty.
func nodeFromMap(e *EntityType, m map[string]any, child childFunc, skipNil bool) (*Node, error) {
	n := NewNode(make(map[string]any, len(m)))
	for k, v := range m {
		switch k {
		case MarkerID:
			n.ID, _ = v.(string)
			continue
		case MarkerRef:
			n.Ref, _ = v.(string)
			continue
		case MarkerDBRef:
			n.DBRef = toKey(v)
			continue
		}

		k = e.canonicalName(k)
		rel, err := e.Relation(k)
		if err != nil {
			n.Props[k] = v
			continue
		}

		if skipNil && isNil(v) {
			continue
		}
		children, err := relationValues(rel, v, child)
		if err != nil {
			return nil, err
		}
		n.setRelation(k, children)
	}
	return n, nil
}

func relationValues(rel *Relation, v any, child childFunc) ([]*Node, error) {
	if isNil(v) {
		return []*Node{}, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		c, err := child(rel.Related, v)
		if err != nil {
			return nil, err
		}
		return []*Node{c}, nil
	}

	out := make([]*Node, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		c, err := child(rel.Related, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
