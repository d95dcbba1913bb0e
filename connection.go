package zgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// InferredTables lists every table the registry reads or writes: entity
// tables followed by ManyToMany through tables.
func (r *Registry) InferredTables() []string {
	var tables []string
	for _, e := range r.Entities() {
		if !slices.Contains(tables, e.Table) {
			tables = append(tables, e.Table)
		}
	}
	for _, e := range r.Entities() {
		for _, rel := range e.Relations() {
			if rel != nil && rel.Through != nil && !slices.Contains(tables, rel.Through.Table) {
				tables = append(tables, rel.Through.Table)
			}
		}
	}
	return tables
}

// VerifySchema checks that every table and column the registry infers is
// present in the database. All mismatches are reported together.
func (c *Client) VerifySchema(ctx context.Context) error {
	if err := c.registry.Freeze(); err != nil {
		return err
	}

	cn := c.newConn(c.db)
	if c.tx != nil {
		cn = c.newConn(c.tx.tx)
	}

	present := make(map[string][]string)
	var errs []error
	for _, table := range c.registry.InferredTables() {
		cols, err := cn.columns(ctx, table)
		if err != nil {
			errs = append(errs, fmt.Errorf("table %s was inferred but is not present in the database: %w", table, err))
			continue
		}
		present[table] = cols
	}

	expect := func(table string, cols ...string) {
		have, ok := present[table]
		if !ok {
			return
		}
		for _, col := range cols {
			if !slices.Contains(have, col) {
				errs = append(errs, fmt.Errorf("column %s.%s not found while it was inferred", table, col))
			}
		}
	}

	for _, e := range c.registry.Entities() {
		cols := make([]string, 0, len(e.columns))
		for _, prop := range e.columns {
			cols = append(cols, e.Column(prop))
		}
		expect(e.Table, cols...)

		for _, rel := range e.Relations() {
			if rel == nil || rel.Through == nil {
				continue
			}
			th := rel.Through
			cols := slices.Concat(th.From, th.To)
			for _, extra := range th.Extra {
				cols = append(cols, th.ExtraColumn(extra))
			}
			expect(th.Table, cols...)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("zgraph: database is out of sync: %w", errors.Join(errs...))
	}
	return nil
}
