package zgraph

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn runs the statements of one fetch or write. It rebinds placeholders,
// counts statements, logs them and classifies driver errors. Statements are
// prepared through the statement cache only outside transactions.
type conn struct {
	q       queryer
	dialect *Dialect
	stats   *QueryStats
	logger  *slog.Logger
	slow    time.Duration
	stmts   *StmtCache
	inTx    bool
}

// concurrent reports whether independent statements may run in parallel.
func (c *conn) concurrent() bool {
	return !c.inTx && c.dialect.ConcurrentStatements
}

// query runs a SELECT and returns storage-keyed rows.
func (c *conn) query(ctx context.Context, op, query string, args []any) ([]map[string]any, error) {
	return c.fetchRows(ctx, op, query, args, true)
}

// insertReturning runs a write that reports rows through RETURNING.
func (c *conn) insertReturning(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	return c.fetchRows(ctx, "INSERT", query, args, false)
}

func (c *conn) fetchRows(ctx context.Context, op, query string, args []any, read bool) ([]map[string]any, error) {
	query = c.dialect.Rebind(query)
	start := time.Now()

	var (
		rows *sql.Rows
		err  error
	)
	release := func() {}
	if stmt, rel, perr := c.prepare(ctx, query); perr != nil {
		err = perr
	} else if stmt != nil {
		release = rel
		rows, err = stmt.QueryContext(ctx, args...)
	} else {
		rows, err = c.q.QueryContext(ctx, query, args...)
	}
	defer release()

	var out []map[string]any
	if err == nil {
		out, err = scanRows(rows)
	}
	c.record(ctx, op, query, args, start, err, read)
	if err != nil {
		return nil, wrapDBError(op, query, args, err)
	}
	return out, nil
}

// exec runs a statement that returns no rows.
func (c *conn) exec(ctx context.Context, op, query string, args []any) (sql.Result, error) {
	query = c.dialect.Rebind(query)
	start := time.Now()

	var (
		res sql.Result
		err error
	)
	if stmt, release, perr := c.prepare(ctx, query); perr != nil {
		err = perr
	} else if stmt != nil {
		res, err = stmt.ExecContext(ctx, args...)
		release()
	} else {
		res, err = c.q.ExecContext(ctx, query, args...)
	}

	c.record(ctx, op, query, args, start, err, false)
	if err != nil {
		return nil, wrapDBError(op, query, args, err)
	}
	return res, nil
}

// prepare returns a cached statement, or nil when caching does not apply.
func (c *conn) prepare(ctx context.Context, query string) (*sql.Stmt, func(), error) {
	if c.stmts == nil || c.inTx {
		return nil, nil, nil
	}
	db, ok := c.q.(*sql.DB)
	if !ok {
		return nil, nil, nil
	}

	if stmt, release := c.stmts.Get(query); stmt != nil {
		c.stats.CacheHits.Add(1)
		return stmt, release, nil
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, wrapDBError("PREPARE", query, nil, err)
	}
	c.stats.CacheMisses.Add(1)

	// Store in cache and get with incremented ref count atomically
	cached, release := c.stmts.PutAndGet(query, stmt)
	return cached, release, nil
}

func (c *conn) record(ctx context.Context, op, query string, args []any, start time.Time, err error, read bool) {
	duration := time.Since(start)
	if read {
		c.stats.TotalQueries.Add(1)
	} else {
		c.stats.TotalExecs.Add(1)
	}
	c.stats.TotalDuration.Add(int64(duration))

	if err != nil {
		c.stats.Errors.Add(1)
		c.logger.DebugContext(ctx, "zgraph: statement failed", "op", op, "query", query, "args", args, "error", err)
		return
	}

	c.logger.DebugContext(ctx, "zgraph: statement", "op", op, "query", query, "args", args, "duration", duration)
	if c.slow > 0 && duration > c.slow {
		c.stats.SlowQueries.Add(1)
		c.logger.WarnContext(ctx, "zgraph: slow statement", "op", op, "query", query, "duration", duration)
	}
}

// columns returns the column names of table without reading any rows.
func (c *conn) columns(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", c.dialect.Quote(table))
	start := time.Now()
	rows, err := c.q.QueryContext(ctx, query)
	if err != nil {
		c.record(ctx, "SELECT", query, nil, start, err, true)
		return nil, wrapDBError("SELECT", query, nil, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	c.record(ctx, "SELECT", query, nil, start, err, true)
	if err != nil {
		return nil, wrapDBError("SELECT", query, nil, err)
	}
	return cols, nil
}

// scanRows reads every row into a column-keyed map. Byte slices become
// strings so values compare and encode consistently across drivers, and
// numbers sent as text (the MySQL text protocol) are parsed back.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	numeric := make([]byte, len(cols))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			numeric[i] = numericKind(ct.DatabaseTypeName())
		}
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = textValue(string(b), numeric[i])
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// numericKind classifies a database type name: 'i' for integers, 'f' for
// binary floats, 0 otherwise. DECIMAL stays text to keep its precision.
func numericKind(dbType string) byte {
	switch strings.TrimPrefix(strings.ToUpper(dbType), "UNSIGNED ") {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		return 'i'
	case "FLOAT", "DOUBLE", "REAL":
		return 'f'
	}
	return 0
}

func textValue(s string, kind byte) any {
	switch kind {
	case 'i':
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	case 'f':
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
