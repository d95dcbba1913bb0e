package zgraph

import (
	"fmt"
	"strings"
)

// selectStmt is assembled piecewise by the fetch strategies.
type selectStmt struct {
	columns []string
	from    string
	joins   []string
	where   []string
	args    []any
	orderBy []string
	limit   int
	offset  int
	// limitAll is written as the LIMIT of an OFFSET without a limit.
	limitAll string
}

func (s *selectStmt) addWhere(sql string, args ...any) {
	if sql == "" {
		return
	}
	s.where = append(s.where, sql)
	s.args = append(s.args, args...)
}

// addJoin must be called before addWhere; arguments are positional.
func (s *selectStmt) addJoin(sql string, args ...any) {
	s.joins = append(s.joins, sql)
	s.args = append(s.args, args...)
}

func (s *selectStmt) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(s.columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(s.from)
	for _, j := range s.joins {
		b.WriteByte(' ')
		b.WriteString(j)
	}
	if len(s.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(s.where, " AND "))
	}
	if len(s.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(s.orderBy, ", "))
	}
	if s.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.limit)
	}
	if s.offset > 0 {
		if s.limit <= 0 && s.limitAll != "" {
			b.WriteString(" LIMIT " + s.limitAll)
		}
		fmt.Fprintf(&b, " OFFSET %d", s.offset)
	}
	return b.String()
}

// tupleIn renders a membership predicate of cols against keys. Every key
// must have len(cols) parts.
func tupleIn(d *Dialect, cols []string, keys []Key) (string, []any) {
	if len(keys) == 0 {
		return "1 = 0", nil
	}

	args := make([]any, 0, len(keys)*len(cols))
	if len(cols) == 1 {
		for _, k := range keys {
			args = append(args, k[0])
		}
		return fmt.Sprintf("%s IN (%s)", cols[0], placeholders(len(keys))), args
	}

	if d.TupleIn {
		row := "(" + placeholders(len(cols)) + ")"
		rows := make([]string, len(keys))
		for i, k := range keys {
			rows[i] = row
			args = append(args, k...)
		}
		return fmt.Sprintf("(%s) IN (%s)", strings.Join(cols, ", "), strings.Join(rows, ", ")), args
	}

	ors := make([]string, len(keys))
	for i, k := range keys {
		ands := make([]string, len(cols))
		for j, c := range cols {
			ands[j] = c + " = ?"
		}
		ors[i] = "(" + strings.Join(ands, " AND ") + ")"
		args = append(args, k...)
	}
	return "(" + strings.Join(ors, " OR ") + ")", args
}

// keyPredicate renders "a = ? AND b = ?" for a single key.
func keyPredicate(d *Dialect, cols []string, k Key) (string, []any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.Quote(c) + " = ?"
	}
	return strings.Join(parts, " AND "), append([]any(nil), k...)
}

type insertStmt struct {
	Table     string
	Columns   []string
	Values    []any
	Returning []string
}

func (i insertStmt) toSQL(d *Dialect) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Quote(i.Table))
	if len(i.Columns) == 0 {
		b.WriteByte(' ')
		b.WriteString(d.EmptyInsert)
	} else {
		quoted := make([]string, len(i.Columns))
		for n, c := range i.Columns {
			quoted[n] = d.Quote(c)
		}
		fmt.Fprintf(&b, " (%s) VALUES (%s)", strings.Join(quoted, ", "), placeholders(len(i.Columns)))
	}
	if len(i.Returning) > 0 && d.Returning {
		quoted := make([]string, len(i.Returning))
		for n, c := range i.Returning {
			quoted[n] = d.Quote(c)
		}
		b.WriteString(" RETURNING ")
		b.WriteString(strings.Join(quoted, ", "))
	}
	return b.String(), i.Values
}

type updateStmt struct {
	Table     string
	SetValues [][2]any // storage column, value
	KeyCols   []string
	Key       Key
}

func (u updateStmt) toSQL(d *Dialect) (string, []any) {
	sets := make([]string, len(u.SetValues))
	args := make([]any, 0, len(u.SetValues)+len(u.Key))
	for i, pair := range u.SetValues {
		sets[i] = d.Quote(pair[0].(string)) + " = ?"
		args = append(args, pair[1])
	}
	where, whereArgs := keyPredicate(d, u.KeyCols, u.Key)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", d.Quote(u.Table), strings.Join(sets, ", "), where),
		append(args, whereArgs...)
}

type deleteStmt struct {
	Table   string
	KeyCols []string
	Key     Key
}

func (s deleteStmt) toSQL(d *Dialect) (string, []any) {
	where, args := keyPredicate(d, s.KeyCols, s.Key)
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.Quote(s.Table), where), args
}
