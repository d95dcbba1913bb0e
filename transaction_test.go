package zgraph

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// txDriver hands out a single connection that records how its
// transactions end.
type txDriver struct {
	conn *txConn
}

func (d *txDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

type txConn struct {
	tx *recordingTx
}

func (c *txConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}

func (c *txConn) Close() error {
	return nil
}

func (c *txConn) Begin() (driver.Tx, error) {
	return c.tx, nil
}

type recordingTx struct {
	committed  bool
	rolledBack bool
}

func (t *recordingTx) Commit() error {
	t.committed = true
	return nil
}

func (t *recordingTx) Rollback() error {
	t.rolledBack = true
	return nil
}

func init() {
	sql.Register("zgraph_txtest", &txDriver{conn: txTestConn})
}

var txTestConn = &txConn{}

func newRecordingClient(t *testing.T) (*Client, func() *recordingTx) {
	t.Helper()
	db, err := sql.Open("zgraph_txtest", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := NewClient(db, SQLite, newTestRegistry(t, nil), WithLogger(discardLogger()))
	return c, func() *recordingTx {
		txTestConn.tx = &recordingTx{}
		return txTestConn.tx
	}
}

func TestClientTx_CommitAndRollback(t *testing.T) {
	c, next := newRecordingClient(t)
	ctx := context.Background()

	tx := next()
	err := c.Tx(ctx, func(tc *Client) error {
		assert.True(t, tc.InTx())
		assert.False(t, c.InTx())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)

	tx = next()
	fail := errors.New("fail")
	err = c.Tx(ctx, func(*Client) error { return fail })
	require.ErrorIs(t, err, fail)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)

	tx = next()
	assert.PanicsWithValue(t, "boom", func() {
		_ = c.Tx(ctx, func(*Client) error { panic("boom") })
	})
	assert.True(t, tx.rolledBack)
}

func TestClientTx_NestedRunsInOuter(t *testing.T) {
	c, db := newTestClient(t, nil)
	ctx := context.Background()

	err := c.Tx(ctx, func(tc *Client) error {
		if _, err := tc.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "Outer"})); err != nil {
			return err
		}
		return tc.Tx(ctx, func(inner *Client) error {
			assert.Same(t, tc, inner)
			_, err := inner.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "Inner"}))
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, db, "people"))

	err = c.Tx(ctx, func(tc *Client) error {
		if _, err := tc.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "Lost"})); err != nil {
			return err
		}
		return tc.Tx(ctx, func(*Client) error { return errors.New("inner failure") })
	})
	require.Error(t, err)
	assert.Equal(t, 2, countRows(t, db, "people"))
}

func TestCallerManagedTx_AbortsAfterFailedWrite(t *testing.T) {
	c, db := newTestClient(t, nil)
	ctx := context.Background()

	tx, err := c.BeginTx(ctx, nil)
	require.NoError(t, err)
	tc := c.WithTx(tx)

	_, err = tc.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "Kept?"}))
	require.NoError(t, err)

	_, err = tc.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "B"}).SetOne("parent", DBRefNode(99)))
	require.Error(t, err)
	require.Error(t, tx.Err())

	// Later statements still run; the commit does not.
	_, err = tc.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "C"}))
	require.NoError(t, err)

	err = tx.Commit()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTxAborted))
	assert.True(t, errors.Is(err, ErrDanglingReference))
	assert.Equal(t, 0, countRows(t, db, "people"))
}

func TestCallerManagedTx_Commit(t *testing.T) {
	c, db := newTestClient(t, nil)
	ctx := context.Background()

	sqlTx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	tx := WrapTx(sqlTx)
	tc := c.WithTx(tx)

	_, err = tc.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "A"}).With("pets", NewNode(map[string]any{"name": "p"})))
	require.NoError(t, err)

	got, err := tc.Fetch(ctx, "Person", nil, "pets")
	require.NoError(t, err)
	require.Len(t, got, 1, "reads on a bound client see the open transaction")

	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, countRows(t, db, "animals"))
}
