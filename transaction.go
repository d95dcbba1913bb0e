package zgraph

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Tx wraps sql.Tx. A graph write that fails on a caller-managed Tx marks
// it failed; Commit then rolls back and reports ErrTxAborted.
type Tx struct {
	tx *sql.Tx

	mu  sync.Mutex
	err error
}

// WrapTx adopts a transaction begun elsewhere.
func WrapTx(tx *sql.Tx) *Tx {
	return &Tx{tx: tx}
}

// SQL returns the underlying transaction.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// Err returns the error that marked the transaction failed, if any.
func (t *Tx) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tx) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Commit commits unless a graph operation failed in the transaction.
func (t *Tx) Commit() error {
	if err := t.Err(); err != nil {
		_ = t.tx.Rollback()
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	}
	return t.tx.Commit()
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// BeginTx starts a transaction on the primary database.
func (c *Client) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, wrapDBError("BEGIN", "BEGIN", nil, err)
	}
	return &Tx{tx: tx}, nil
}

// WithTx returns a copy of the client bound to tx.
func (c *Client) WithTx(tx *Tx) *Client {
	clone := *c
	clone.tx = tx
	return &clone
}

// InTx reports whether the client is bound to a transaction.
func (c *Client) InTx() bool {
	return c.tx != nil
}

// Tx runs fn with a client bound to a transaction. It commits when fn
// returns nil and rolls back on error or panic. On a client already bound
// to a transaction fn runs in that transaction and its error is returned
// for the outer caller to handle.
func (c *Client) Tx(ctx context.Context, fn func(tc *Client) error) error {
	if c.tx != nil {
		return fn(c)
	}

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(c.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// runWrite runs a graph write atomically. Unbound clients get their own
// transaction; bound clients mark the transaction failed on error.
func (c *Client) runWrite(ctx context.Context, fn func(tc *Client) error) error {
	if c.tx != nil {
		if err := fn(c); err != nil {
			c.tx.fail(err)
			return err
		}
		return nil
	}
	return c.Tx(ctx, fn)
}
