package zgraph

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
// Statements are built with '?' placeholders and rebound on the way out.
type Dialect struct {
	Name       string
	DriverName string
	// NumberedPlaceholders switches '?' to $1, $2, ...
	NumberedPlaceholders bool
	QuoteChar            byte
	// Returning is set when INSERT ... RETURNING reports generated keys.
	// Otherwise single-column ids are read from LastInsertId.
	Returning bool
	// TupleIn is set when (a, b) IN ((?, ?), ...) is understood.
	TupleIn bool
	// ConcurrentStatements allows sibling relation fetches to run in parallel
	// on the connection pool.
	ConcurrentStatements bool
	// EmptyInsert is the VALUES clause for a row with no explicit columns.
	EmptyInsert string
	// LimitAll is the LIMIT written before an OFFSET without a limit. Empty
	// means OFFSET may stand alone.
	LimitAll string
}

var (
	Postgres = &Dialect{
		Name:                 "postgres",
		DriverName:           "pgx",
		NumberedPlaceholders: true,
		QuoteChar:            '"',
		Returning:            true,
		TupleIn:              true,
		ConcurrentStatements: true,
		EmptyInsert:          "DEFAULT VALUES",
	}

	MySQL = &Dialect{
		Name:                 "mysql",
		DriverName:           "mysql",
		QuoteChar:            '`',
		TupleIn:              true,
		ConcurrentStatements: true,
		EmptyInsert:          "() VALUES ()",
		LimitAll:             "18446744073709551615",
	}

	SQLite = &Dialect{
		Name:        "sqlite3",
		DriverName:  "sqlite3",
		QuoteChar:   '"',
		Returning:   true,
		TupleIn:     true,
		EmptyInsert: "DEFAULT VALUES",
		LimitAll:    "-1",
	}
)

// DialectFor returns the dialect registered under name. "postgresql",
// "pgx" and "sqlite" are accepted as aliases.
func DialectFor(name string) (*Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	}
	return nil, fmt.Errorf("%w: dialect %q", ErrUnsupported, name)
}

// Quote quotes an identifier, quoting each part of a dotted name separately.
func (d *Dialect) Quote(ident string) string {
	q := string(d.QuoteChar)
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// QuoteAlias quotes a column alias. Aliases may contain dots and colons.
func (d *Dialect) QuoteAlias(alias string) string {
	q := string(d.QuoteChar)
	return q + strings.ReplaceAll(alias, q, q+q) + q
}

// Rebind converts '?' placeholders to the dialect's form.
func (d *Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	return rebind(query)
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// rebind replaces '?' with $1, $2, ... skipping quoted strings and identifiers.
func rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			b.WriteByte(c)
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(c)
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
