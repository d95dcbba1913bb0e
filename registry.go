package zgraph

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
	"github.com/jedib0t/go-pretty/table"
)

var plural = pluralize.NewClient()

// EntityDef declares an entity type. Only Name is required.
type EntityDef struct {
	Name string
	// Table defaults to the plural snake case of Name ("Person" -> "people").
	Table string
	// IDColumns defaults to ["id"].
	IDColumns []string
	// Columns lists the logical property names stored in Table. Identity and
	// relation join columns are added automatically.
	Columns []string
	// ColumnNames overrides the storage name of a logical property. Columns
	// not listed map to their snake case.
	ColumnNames map[string]string
	Relations   []RelationDef
	Modifiers   map[string]Modifier
	// Plugins holds values implementing BeforeHook, AfterHook or Validator.
	Plugins []any
}

// EntityType is the resolved, read-only form of an EntityDef.
type EntityType struct {
	Name      string
	Table     string
	IDColumns []string

	columns   []string
	storage   map[string]string // logical -> storage
	logical   map[string]string // storage -> logical
	relations map[string]*Relation
	relOrder  []string
	modifiers map[string]Modifier

	before     []BeforeHook
	after      []AfterHook
	validators []Validator
}

// Columns returns the logical columns in declaration order.
func (e *EntityType) Columns() []string {
	return slices.Clone(e.columns)
}

// Column maps a logical property to its storage column.
func (e *EntityType) Column(prop string) string {
	if c, ok := e.storage[prop]; ok {
		return c
	}
	return strcase.ToSnake(prop)
}

// Property maps a storage column back to its logical property.
func (e *EntityType) Property(column string) string {
	if p, ok := e.logical[column]; ok {
		return p
	}
	return strcase.ToLowerCamel(column)
}

// Relation looks up a relation by name.
func (e *EntityType) Relation(name string) (*Relation, error) {
	r, ok := e.relations[name]
	if !ok {
		return nil, &UnknownRelationError{Entity: e.Name, Relation: name, Path: name}
	}
	return r, nil
}

// Relations returns the relations in declaration order.
func (e *EntityType) Relations() []*Relation {
	out := make([]*Relation, 0, len(e.relOrder))
	for _, name := range e.relOrder {
		if rel, ok := e.relations[name]; ok {
			out = append(out, rel)
		}
	}
	return out
}

// Modifier returns a named modifier.
func (e *EntityType) Modifier(name string) (Modifier, error) {
	m, ok := e.modifiers[name]
	if !ok {
		return nil, &UnknownModifierError{Entity: e.Name, Modifier: name}
	}
	return m, nil
}

func (e *EntityType) hasColumn(prop string) bool {
	_, ok := e.storage[prop]
	return ok
}

func (e *EntityType) addColumn(prop string) {
	if e.hasColumn(prop) {
		return
	}
	col := strcase.ToSnake(prop)
	e.columns = append(e.columns, prop)
	e.storage[prop] = col
	e.logical[col] = prop
}

// canonicalName matches a struct field or map key to a declared column or
// relation, ignoring case.
func (e *EntityType) canonicalName(key string) string {
	if e.hasColumn(key) {
		return key
	}
	if _, ok := e.relations[key]; ok {
		return key
	}
	for _, prop := range e.columns {
		if strings.EqualFold(prop, key) {
			return prop
		}
	}
	for _, name := range e.relOrder {
		if strings.EqualFold(name, key) {
			return name
		}
	}
	return key
}

// identity reads the id columns of props.
func (e *EntityType) identity(props map[string]any) (Key, bool) {
	return keyOf(props, e.IDColumns)
}

// nodeFromRow converts a storage-keyed row into a node with logical props.
func (e *EntityType) nodeFromRow(row map[string]any) *Node {
	n := NewNode(make(map[string]any, len(row)))
	for col, v := range row {
		if strings.HasPrefix(col, internalPrefix) {
			continue
		}
		n.Props[e.Property(col)] = v
	}
	return n
}

// Registry holds the entity types. Entities are registered during
// initialisation; Freeze resolves relations, after which the registry is
// read-only and safe for concurrent use without locking.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*EntityType
	order    []string
	pending  []func() error
	frozen   atomic.Bool
	freezeMu sync.Mutex
	err      error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityType)}
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(defs ...EntityDef) *Registry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an entity. Relation targets may be registered later; they
// are resolved by Freeze.
func (r *Registry) Register(def EntityDef) error {
	if def.Name == "" {
		return errors.New("zgraph: entity name is required")
	}
	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, def.Name)
	}
	if _, exists := r.entities[def.Name]; exists {
		return fmt.Errorf("zgraph: entity %s is already registered", def.Name)
	}

	e := &EntityType{
		Name:      def.Name,
		Table:     def.Table,
		IDColumns: slices.Clone(def.IDColumns),
		storage:   make(map[string]string),
		logical:   make(map[string]string),
		relations: make(map[string]*Relation),
		modifiers: make(map[string]Modifier, len(def.Modifiers)),
	}
	if e.Table == "" {
		e.Table = plural.Plural(strcase.ToSnake(def.Name))
	}
	if len(e.IDColumns) == 0 {
		e.IDColumns = []string{"id"}
	}

	for prop, col := range def.ColumnNames {
		e.storage[prop] = col
		e.logical[col] = prop
	}
	for _, prop := range append(slices.Clone(e.IDColumns), def.Columns...) {
		if slices.Contains(e.columns, prop) {
			continue
		}
		e.columns = append(e.columns, prop)
		if _, ok := e.storage[prop]; !ok {
			col := strcase.ToSnake(prop)
			e.storage[prop] = col
			e.logical[col] = prop
		}
	}

	for name, m := range def.Modifiers {
		e.modifiers[name] = m
	}

	for _, p := range def.Plugins {
		matched := false
		if h, ok := p.(BeforeHook); ok {
			e.before = append(e.before, h)
			matched = true
		}
		if h, ok := p.(AfterHook); ok {
			e.after = append(e.after, h)
			matched = true
		}
		if v, ok := p.(Validator); ok {
			e.validators = append(e.validators, v)
			matched = true
		}
		if !matched {
			return fmt.Errorf("zgraph: plugin %T on %s implements no hook interface", p, def.Name)
		}
	}

	var pending []func() error
	for _, rd := range def.Relations {
		if rd.Name == "" {
			return fmt.Errorf("%w: relation without a name on %s", ErrInvalidRelation, def.Name)
		}
		if slices.Contains(e.relOrder, rd.Name) {
			return &RelationError{Entity: def.Name, Relation: rd.Name, Err: fmt.Errorf("%w: declared twice", ErrInvalidRelation)}
		}
		e.relOrder = append(e.relOrder, rd.Name)
		pending = append(pending, func() error {
			rel, err := r.resolveRelation(e, rd)
			if err != nil {
				return err
			}
			e.relations[rd.Name] = rel
			return nil
		})
	}

	r.entities[def.Name] = e
	r.order = append(r.order, def.Name)
	r.pending = append(r.pending, pending...)
	return nil
}

// Freeze resolves every relation descriptor. It is idempotent; the first
// error is returned on every call.
func (r *Registry) Freeze() error {
	if r.frozen.Load() {
		return r.err
	}

	r.freezeMu.Lock()
	defer r.freezeMu.Unlock()
	if r.frozen.Load() {
		return r.err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, resolve := range r.pending {
		if err := resolve(); err != nil {
			errs = append(errs, err)
		}
	}
	r.pending = nil
	r.err = errors.Join(errs...)
	r.frozen.Store(true)
	return r.err
}

// Frozen reports whether Freeze has run.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Resolve freezes the registry and looks up an entity type by name. A
// registry whose relations failed to resolve returns the Freeze error.
func (r *Registry) Resolve(name string) (*EntityType, error) {
	if err := r.Freeze(); err != nil {
		return nil, err
	}
	e, ok := r.entities[name]
	if !ok {
		return nil, &UnknownEntityError{Entity: name}
	}
	return e, nil
}

// Entities freezes the registry and returns the entity types in
// registration order. Relations that failed to resolve are left out of
// their Relations.
func (r *Registry) Entities() []*EntityType {
	_ = r.Freeze()
	out := make([]*EntityType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// resolveRelation fills join column defaults and checks arity. Called with
// r.mu held.
func (r *Registry) resolveRelation(owner *EntityType, def RelationDef) (*Relation, error) {
	target, ok := r.entities[def.Target]
	if !ok {
		return nil, &UnknownEntityError{Entity: def.Target, Referrer: owner.Name + "." + def.Name}
	}

	rel := &Relation{
		Name:    def.Name,
		Kind:    def.Kind,
		Owner:   owner,
		Related: target,
		From:    slices.Clone(def.From),
		To:      slices.Clone(def.To),
		Filter:  def.Filter,
	}
	fail := func(format string, args ...any) error {
		return &RelationError{Entity: owner.Name, Relation: def.Name, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidRelation}, args...)...)}
	}

	switch def.Kind {
	case BelongsToOne:
		rel.strategy = belongsToOneStrategy{}
		if len(rel.To) == 0 {
			rel.To = slices.Clone(target.IDColumns)
		}
		if len(rel.From) == 0 {
			if len(rel.To) != 1 {
				return nil, fail("composite join requires explicit From columns")
			}
			rel.From = []string{strcase.ToLowerCamel(def.Name) + "Id"}
		}
	case HasMany:
		rel.strategy = hasManyStrategy{}
		if len(rel.From) == 0 {
			rel.From = slices.Clone(owner.IDColumns)
		}
		if len(rel.To) == 0 {
			if len(rel.From) != 1 {
				return nil, fail("composite join requires explicit To columns")
			}
			rel.To = []string{strcase.ToLowerCamel(plural.Singular(owner.Table)) + "Id"}
		}
	case ManyToMany:
		rel.strategy = manyToManyStrategy{}
		if def.Through == nil || def.Through.Table == "" {
			return nil, fail("many-to-many relation requires a through table")
		}
		if len(rel.From) == 0 {
			rel.From = slices.Clone(owner.IDColumns)
		}
		if len(rel.To) == 0 {
			rel.To = slices.Clone(target.IDColumns)
		}
		th := &Through{
			Table:        def.Through.Table,
			From:         slices.Clone(def.Through.From),
			To:           slices.Clone(def.Through.To),
			Extra:        slices.Clone(def.Through.Extra),
			extraColumns: make(map[string]string, len(def.Through.Extra)),
		}
		if len(th.From) == 0 {
			if len(rel.From) != 1 {
				return nil, fail("composite join requires explicit Through.From columns")
			}
			th.From = []string{plural.Singular(owner.Table) + "_id"}
		}
		if len(th.To) == 0 {
			if len(rel.To) != 1 {
				return nil, fail("composite join requires explicit Through.To columns")
			}
			th.To = []string{plural.Singular(target.Table) + "_id"}
		}
		if len(th.From) != len(rel.From) || len(th.To) != len(rel.To) {
			return nil, fail("through columns do not match join columns")
		}
		for _, extra := range th.Extra {
			th.extraColumns[extra] = strcase.ToSnake(extra)
		}
		rel.Through = th
	default:
		return nil, fail("unknown relation kind %d", def.Kind)
	}

	if len(rel.From) != len(rel.To) {
		return nil, fail("%d owner columns joined to %d related columns", len(rel.From), len(rel.To))
	}

	for _, c := range rel.From {
		owner.addColumn(c)
	}
	for _, c := range rel.To {
		target.addColumn(c)
	}
	return rel, nil
}

// PrintSchematic writes the entity and relation tables to w.
func (r *Registry) PrintSchematic(w io.Writer) {
	entities := table.NewWriter()
	entities.AppendHeader(table.Row{"Entity", "Table", "Identity", "Columns"})

	relations := table.NewWriter()
	relations.AppendHeader(table.Row{"Owner", "Relation", "Kind", "Target", "Join"})

	for _, e := range r.Entities() {
		cols := make([]string, len(e.columns))
		for i, c := range e.columns {
			cols[i] = e.Column(c)
		}
		entities.AppendRow(table.Row{e.Name, e.Table, strings.Join(e.IDColumns, ", "), strings.Join(cols, ", ")})

		names := slices.Clone(e.relOrder)
		sort.Strings(names)
		for _, name := range names {
			rel, ok := e.relations[name]
			if !ok {
				continue
			}
			relations.AppendRow(table.Row{e.Name, rel.Name, rel.Kind, rel.Related.Name, rel.describeJoin()})
		}
	}

	fmt.Fprintln(w, entities.Render())
	fmt.Fprintln(w, relations.Render())
}
