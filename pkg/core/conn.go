package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is a scoped handle on the engine, backed either by the connection
// pool or by an open transaction. Statements are written with '?'
// placeholders and rebound for the active dialect.
type Conn struct {
	q       querier
	dialect Dialect
	inTx    bool

	committed []func()
}

// ExecContext executes a statement that returns no rows
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

// QueryContext executes a query that returns rows
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
}

// QueryRowContext executes a query that is expected to return at most one row
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

// Dialect returns the engine dialect of this connection
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

// InTx reports whether the handle runs inside a transaction
func (c *Conn) InTx() bool {
	return c.inTx
}

// AfterCommit runs fn once the outermost transaction commits, or right away
// on a pool handle. fn is dropped when the transaction rolls back.
func (c *Conn) AfterCommit(fn func()) {
	if !c.inTx {
		fn()
		return
	}
	c.committed = append(c.committed, fn)
}

type txKey struct{}

type txState struct {
	owner *Manager
	conn  *Conn
}

func txFromContext(ctx context.Context, m *Manager) *Conn {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok || st.owner != m {
		return nil
	}
	return st.conn
}

// Placeholders returns n comma separated '?' markers for an IN clause
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Insert executes an INSERT and reports a unique violation as
// ErrConstraint for op.
func (c *Conn) Insert(ctx context.Context, op, query string, args ...any) error {
	_, err := c.ExecContext(ctx, query, args...)
	if err != nil && c.dialect.IsUniqueViolation(err) {
		return &StoreError{Op: op, Err: fmt.Errorf("%w: %w", ErrConstraint, err)}
	}
	return err
}

// Affected executes a statement and returns the number of rows it changed
func (c *Conn) Affected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
