package zgraph

import (
	"fmt"
	"strconv"
	"strings"
)

// RelationKind is the cardinality and storage shape of a relation.
type RelationKind int

const (
	// BelongsToOne stores the join columns on the owner row.
	BelongsToOne RelationKind = iota + 1
	// HasMany stores the join columns on the related rows.
	HasMany
	// ManyToMany stores pairs of keys in a through table.
	ManyToMany
)

func (k RelationKind) String() string {
	switch k {
	case BelongsToOne:
		return "BelongsToOne"
	case HasMany:
		return "HasMany"
	case ManyToMany:
		return "ManyToMany"
	}
	return "RelationKind(" + strconv.Itoa(int(k)) + ")"
}

// Single reports whether the relation holds at most one node.
func (k RelationKind) Single() bool {
	return k == BelongsToOne
}

// RelationDef declares a relation on an EntityDef.
type RelationDef struct {
	Name   string
	Kind   RelationKind
	Target string
	// From are owner properties, To are related properties. Equal length.
	From []string
	To   []string
	// Through is required for ManyToMany.
	Through *ThroughDef
	// Filter narrows every fetch of the relation.
	Filter Modifier
}

// ThroughDef names the join table of a ManyToMany relation. Column names
// are storage names. From pairs with the relation's From columns and To
// with its To columns.
type ThroughDef struct {
	Table string
	From  []string
	To    []string
	// Extra are through-table columns surfaced as properties of the related
	// node, addressed by their logical name.
	Extra []string
}

// Through is the resolved join table.
type Through struct {
	Table        string
	From         []string
	To           []string
	Extra        []string
	extraColumns map[string]string
}

// ExtraColumn maps an extra property to its through-table column.
func (t *Through) ExtraColumn(prop string) string {
	return t.extraColumns[prop]
}

// Relation is a resolved relation between two entity types.
type Relation struct {
	Name    string
	Kind    RelationKind
	Owner   *EntityType
	Related *EntityType
	From    []string
	To      []string
	Through *Through
	Filter  Modifier

	strategy relationStrategy
}

func (r *Relation) describeJoin() string {
	pairs := func(lt string, lc []string, rt string, rc []string) string {
		out := make([]string, len(lc))
		for i := range lc {
			out[i] = fmt.Sprintf("%s.%s = %s.%s", lt, lc[i], rt, rc[i])
		}
		return strings.Join(out, " AND ")
	}

	from := make([]string, len(r.From))
	for i, c := range r.From {
		from[i] = r.Owner.Column(c)
	}
	to := make([]string, len(r.To))
	for i, c := range r.To {
		to[i] = r.Related.Column(c)
	}

	if r.Through == nil {
		return pairs(r.Owner.Table, from, r.Related.Table, to)
	}
	return pairs(r.Owner.Table, from, r.Through.Table, r.Through.From) + "; " +
		pairs(r.Through.Table, r.Through.To, r.Related.Table, to)
}

// isExtra reports whether prop is a through-table column of r.
func (r *Relation) isExtra(prop string) bool {
	if r == nil || r.Through == nil {
		return false
	}
	_, ok := r.Through.extraColumns[prop]
	return ok
}

const (
	ownerAliasPrefix = "__zg_owner_"
	extraAliasPrefix = "__zg_extra_"
	internalPrefix   = "__zg_"
)

type dependency int

const (
	depNone dependency = iota
	// depOwnerFirst: the related row stores the owner's key.
	depOwnerFirst
	// depRelatedFirst: the owner row stores the related key.
	depRelatedFirst
)

// relationStrategy holds the behaviour that differs by relation kind. It is
// chosen once when the registry is frozen.
type relationStrategy interface {
	// selectRelated builds the batched statement loading related rows for
	// every owner key.
	selectRelated(r *Relation, d *Dialect, keys []Key, q *Query) (*selectStmt, error)
	// ownerKeyOfRow reads the owner key a related row belongs to.
	ownerKeyOfRow(r *Relation, row map[string]any) Key
	// joinSQL renders the LEFT JOIN clauses of the joined strategy. on holds
	// extra conditions for the related table.
	joinSQL(r *Relation, d *Dialect, parent, child string, on string) []string
	dependency() dependency
}

type belongsToOneStrategy struct{}

type hasManyStrategy struct{}

type manyToManyStrategy struct{}

// directSelect serves both kinds whose join columns live on the related table.
func directSelect(r *Relation, d *Dialect, keys []Key, q *Query) (*selectStmt, error) {
	const alias = "r"
	stmt := &selectStmt{
		columns:  selectColumns(d, r.Related, alias, ""),
		from:     d.Quote(r.Related.Table) + " AS " + alias,
		limit:    q.limit,
		offset:   q.offset,
		limitAll: d.LimitAll,
	}

	keyCols := make([]string, len(r.To))
	for i, c := range r.To {
		keyCols[i] = alias + "." + d.Quote(r.Related.Column(c))
	}
	in, args := tupleIn(d, keyCols, keys)
	stmt.addWhere(in, args...)

	if err := applyQuery(stmt, q, entityColumns(d, r.Related, alias)); err != nil {
		return nil, err
	}
	stmt.orderBy = append(stmt.orderBy, idOrder(d, r.Related, alias)...)
	return stmt, nil
}

func directOwnerKey(r *Relation, row map[string]any) Key {
	k := make(Key, len(r.To))
	for i, c := range r.To {
		k[i] = row[r.Related.Column(c)]
	}
	return k
}

func directJoin(r *Relation, d *Dialect, parent, child, on string) []string {
	conds := make([]string, len(r.From))
	for i := range r.From {
		conds[i] = fmt.Sprintf("%s.%s = %s.%s", parent, d.Quote(r.Owner.Column(r.From[i])), child, d.Quote(r.Related.Column(r.To[i])))
	}
	if on != "" {
		conds = append(conds, on)
	}
	return []string{fmt.Sprintf("LEFT JOIN %s AS %s ON %s", d.Quote(r.Related.Table), child, strings.Join(conds, " AND "))}
}

func (belongsToOneStrategy) selectRelated(r *Relation, d *Dialect, keys []Key, q *Query) (*selectStmt, error) {
	return directSelect(r, d, keys, q)
}

func (belongsToOneStrategy) ownerKeyOfRow(r *Relation, row map[string]any) Key {
	return directOwnerKey(r, row)
}

func (belongsToOneStrategy) joinSQL(r *Relation, d *Dialect, parent, child, on string) []string {
	return directJoin(r, d, parent, child, on)
}

func (belongsToOneStrategy) dependency() dependency { return depRelatedFirst }

func (hasManyStrategy) selectRelated(r *Relation, d *Dialect, keys []Key, q *Query) (*selectStmt, error) {
	return directSelect(r, d, keys, q)
}

func (hasManyStrategy) ownerKeyOfRow(r *Relation, row map[string]any) Key {
	return directOwnerKey(r, row)
}

func (hasManyStrategy) joinSQL(r *Relation, d *Dialect, parent, child, on string) []string {
	return directJoin(r, d, parent, child, on)
}

func (hasManyStrategy) dependency() dependency { return depOwnerFirst }

func (manyToManyStrategy) selectRelated(r *Relation, d *Dialect, keys []Key, q *Query) (*selectStmt, error) {
	const alias, through = "r", "t"
	th := r.Through

	cols := selectColumns(d, r.Related, alias, "")
	for i, c := range th.From {
		cols = append(cols, fmt.Sprintf("%s.%s AS %s", through, d.Quote(c), d.QuoteAlias(ownerAliasPrefix+strconv.Itoa(i))))
	}
	for _, extra := range th.Extra {
		cols = append(cols, fmt.Sprintf("%s.%s AS %s", through, d.Quote(th.ExtraColumn(extra)), d.QuoteAlias(extraAliasPrefix+extra)))
	}

	on := make([]string, len(th.To))
	for i, c := range th.To {
		on[i] = fmt.Sprintf("%s.%s = %s.%s", through, d.Quote(c), alias, d.Quote(r.Related.Column(r.To[i])))
	}

	stmt := &selectStmt{
		columns:  cols,
		from:     d.Quote(r.Related.Table) + " AS " + alias,
		limit:    q.limit,
		offset:   q.offset,
		limitAll: d.LimitAll,
	}
	stmt.addJoin(fmt.Sprintf("INNER JOIN %s AS %s ON %s", d.Quote(th.Table), through, strings.Join(on, " AND ")))

	keyCols := make([]string, len(th.From))
	for i, c := range th.From {
		keyCols[i] = through + "." + d.Quote(c)
	}
	in, args := tupleIn(d, keyCols, keys)
	stmt.addWhere(in, args...)

	if err := applyQuery(stmt, q, entityColumns(d, r.Related, alias)); err != nil {
		return nil, err
	}
	stmt.orderBy = append(stmt.orderBy, idOrder(d, r.Related, alias)...)
	return stmt, nil
}

func (manyToManyStrategy) ownerKeyOfRow(r *Relation, row map[string]any) Key {
	k := make(Key, len(r.Through.From))
	for i := range r.Through.From {
		k[i] = row[ownerAliasPrefix+strconv.Itoa(i)]
	}
	return k
}

func (manyToManyStrategy) joinSQL(r *Relation, d *Dialect, parent, child, on string) []string {
	th := r.Through
	through := child + "_t"

	first := make([]string, len(r.From))
	for i := range r.From {
		first[i] = fmt.Sprintf("%s.%s = %s.%s", parent, d.Quote(r.Owner.Column(r.From[i])), through, d.Quote(th.From[i]))
	}
	second := make([]string, len(r.To))
	for i := range r.To {
		second[i] = fmt.Sprintf("%s.%s = %s.%s", through, d.Quote(th.To[i]), child, d.Quote(r.Related.Column(r.To[i])))
	}
	if on != "" {
		second = append(second, on)
	}
	return []string{
		fmt.Sprintf("LEFT JOIN %s AS %s ON %s", d.Quote(th.Table), through, strings.Join(first, " AND ")),
		fmt.Sprintf("LEFT JOIN %s AS %s ON %s", d.Quote(r.Related.Table), child, strings.Join(second, " AND ")),
	}
}

func (manyToManyStrategy) dependency() dependency { return depNone }

// selectColumns lists e's columns qualified by alias. A non-empty prefix
// aliases each column by position as "prefix:i".
func selectColumns(d *Dialect, e *EntityType, alias, prefix string) []string {
	cols := make([]string, len(e.columns))
	for i, prop := range e.columns {
		cols[i] = alias + "." + d.Quote(e.Column(prop))
		if prefix != "" {
			cols[i] += " AS " + d.QuoteAlias(columnAlias(prefix, i))
		}
	}
	return cols
}

func columnAlias(prefix string, i int) string {
	return prefix + ":" + strconv.Itoa(i)
}

// entityColumns resolves logical columns of e against a table alias.
func entityColumns(d *Dialect, e *EntityType, alias string) columnResolver {
	return func(column string) (string, error) {
		if strings.Contains(column, ".") {
			return "", fmt.Errorf("%w: column %q is relation qualified; use the joined strategy", ErrUnsupported, column)
		}
		return alias + "." + d.Quote(e.Column(column)), nil
	}
}

func idOrder(d *Dialect, e *EntityType, alias string) []string {
	out := make([]string, len(e.IDColumns))
	for i, c := range e.IDColumns {
		out[i] = alias + "." + d.Quote(e.Column(c)) + " " + ASC
	}
	return out
}

// applyQuery adds q's conditions and ordering to stmt.
func applyQuery(stmt *selectStmt, q *Query, resolve columnResolver) error {
	where, args, err := q.whereSQL(resolve)
	if err != nil {
		return err
	}
	stmt.addWhere(where, args...)

	orders, err := q.orderSQL(resolve)
	if err != nil {
		return err
	}
	stmt.orderBy = append(stmt.orderBy, orders...)
	return nil
}
