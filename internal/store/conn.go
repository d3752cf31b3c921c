// ABOUTME: DBConn, the mutex-guarded handle to one pinned pool connection
// ABOUTME: Refcounted aliasing backs the exclusivity check transactions rely on

package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
)

// rawConn is the locked view of the underlying connection handed to raw
// query closures.
type rawConn = *sql.Conn

// DBConn wraps a single pinned connection. Every query path locks the guard,
// so at most one statement runs on the connection at a time; the refcount
// tracks aliased handles so transactions can prove exclusive ownership
// before committing.
type DBConn struct {
	inner *guardedConn
	log   *slog.Logger
}

type guardedConn struct {
	mu   sync.Mutex
	conn *sql.Conn
	refs atomic.Int64
}

func newDBConn(conn *sql.Conn, log *slog.Logger) *DBConn {
	g := &guardedConn{conn: conn}
	g.refs.Store(1)
	return &DBConn{inner: g, log: log}
}

// raw runs fn with exclusive access to the underlying connection.
func (c *DBConn) raw(fn func(rawConn) error) error {
	c.inner.mu.Lock()
	defer c.inner.mu.Unlock()
	return fn(c.inner.conn)
}

// Retain returns an aliased handle sharing this connection, for work that
// spans goroutines within a transaction's work closure. Every alias must be
// Released before the enclosing transaction commits or rolls back.
func (c *DBConn) Retain() *DBConn {
	c.inner.refs.Add(1)
	return &DBConn{inner: c.inner, log: c.log}
}

// Release drops an aliased handle obtained from Retain.
func (c *DBConn) Release() {
	c.inner.refs.Add(-1)
}

// Close returns the pinned connection to the pool once the last live handle
// is done with it.
func (c *DBConn) Close() error {
	if c.inner.refs.Add(-1) > 0 {
		return nil
	}
	return c.inner.conn.Close()
}

// assertExclusive verifies this handle is the only live reference to the
// connection.
func (c *DBConn) assertExclusive() error {
	if c.inner.refs.Load() != 1 {
		return ErrConnShared
	}
	return nil
}

func (c *DBConn) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := c.raw(func(rc rawConn) error {
		var err error
		res, err = rc.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}
