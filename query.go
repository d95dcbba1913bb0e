package zgraph

import (
	"fmt"
	"strings"
)

type binaryOp string

const (
	Eq      binaryOp = "="
	NE      binaryOp = "<>"
	GT      binaryOp = ">"
	GE      binaryOp = ">="
	LT      binaryOp = "<"
	LE      binaryOp = "<="
	Like    binaryOp = "LIKE"
	In      binaryOp = "IN"
	NotIn   binaryOp = "NOT IN"
	IsNull  binaryOp = "IS NULL"
	NotNull binaryOp = "IS NOT NULL"
)

const (
	ASC  string = "ASC"
	DESC string = "DESC"
)

const (
	nextTypeAND = "AND"
	nextTypeOR  = "OR"
)

type cond struct {
	Column  string
	Op      binaryOp
	Value   any
	nextTyp string // connector to the previous condition
}

type orderBy struct {
	Column    string
	Direction string
}

// Modifier narrows a Query. Relation filters, named entity modifiers and
// caller supplied path modifiers all share this shape.
type Modifier func(q *Query)

// Query narrows the rows a fetch selects. Columns are logical property names
// of the queried entity. In joined fetches a relation path prefix such as
// "pets.name" addresses a column of a related entity.
type Query struct {
	conds  []cond
	orders []orderBy
	limit  int
	offset int
	err    error
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{}
}

// Where adds an equality condition.
func (q *Query) Where(column string, value any) *Query {
	return q.add(nextTypeAND, column, Eq, value)
}

// WhereOp adds a condition with an explicit operator such as ">" or "LIKE".
func (q *Query) WhereOp(column, op string, value any) *Query {
	return q.add(nextTypeAND, column, binaryOp(strings.ToUpper(op)), value)
}

// OrWhere adds a condition joined to the previous one with OR.
func (q *Query) OrWhere(column, op string, value any) *Query {
	return q.add(nextTypeOR, column, binaryOp(strings.ToUpper(op)), value)
}

// WhereIn adds a WHERE IN condition.
func (q *Query) WhereIn(column string, values ...any) *Query {
	return q.add(nextTypeAND, column, In, values)
}

// WhereNull adds an IS NULL condition.
func (q *Query) WhereNull(column string) *Query {
	return q.add(nextTypeAND, column, IsNull, nil)
}

// WhereNotNull adds an IS NOT NULL condition.
func (q *Query) WhereNotNull(column string) *Query {
	return q.add(nextTypeAND, column, NotNull, nil)
}

func (q *Query) add(typ, column string, op binaryOp, value any) *Query {
	switch op {
	case Eq, NE, GT, GE, LT, LE, Like, IsNull, NotNull:
	case "!=":
		op = NE
	case In, NotIn:
		if _, ok := value.([]any); !ok {
			q.err = fmt.Errorf("zgraph: right side of %s on %q must be a []any", op, column)
			return q
		}
	default:
		q.err = fmt.Errorf("zgraph: unsupported operator %q on %q", op, column)
		return q
	}
	q.conds = append(q.conds, cond{Column: column, Op: op, Value: value, nextTyp: typ})
	return q
}

// OrderBy adds an ORDER BY term. direction is ASC or DESC.
func (q *Query) OrderBy(column, direction string) *Query {
	direction = strings.ToUpper(direction)
	if direction != ASC && direction != DESC {
		q.err = fmt.Errorf("zgraph: invalid order direction %q", direction)
		return q
	}
	q.orders = append(q.orders, orderBy{Column: column, Direction: direction})
	return q
}

// Limit caps the number of rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Err returns the first error recorded while building the query.
func (q *Query) Err() error {
	return q.err
}

// Clone returns an independent copy.
func (q *Query) Clone() *Query {
	if q == nil {
		return NewQuery()
	}
	c := *q
	c.conds = append([]cond(nil), q.conds...)
	c.orders = append([]orderBy(nil), q.orders...)
	return &c
}

// columnResolver maps a logical column to a quoted SQL expression.
type columnResolver func(column string) (string, error)

// whereSQL renders the conditions as one parenthesised predicate.
func (q *Query) whereSQL(resolve columnResolver) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if len(q.conds) == 0 {
		return "", nil, nil
	}

	var (
		b    strings.Builder
		args []any
	)
	b.WriteByte('(')
	for i, c := range q.conds {
		col, err := resolve(c.Column)
		if err != nil {
			return "", nil, err
		}
		if i > 0 {
			b.WriteString(" " + c.nextTyp + " ")
		}
		sql, condArgs := c.toSQL(col)
		b.WriteString(sql)
		args = append(args, condArgs...)
	}
	b.WriteByte(')')
	return b.String(), args, nil
}

func (c cond) toSQL(col string) (string, []any) {
	switch c.Op {
	case IsNull, NotNull:
		return fmt.Sprintf("%s %s", col, c.Op), nil
	case In, NotIn:
		values := c.Value.([]any)
		if len(values) == 0 {
			if c.Op == In {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		return fmt.Sprintf("%s %s (%s)", col, c.Op, placeholders(len(values))), values
	}
	return fmt.Sprintf("%s %s ?", col, c.Op), []any{c.Value}
}

func (q *Query) orderSQL(resolve columnResolver) ([]string, error) {
	out := make([]string, 0, len(q.orders))
	for _, o := range q.orders {
		col, err := resolve(o.Column)
		if err != nil {
			return nil, err
		}
		out = append(out, col+" "+o.Direction)
	}
	return out, nil
}
