package txkit

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
)

// BunProvider hands out dedicated connections from a bun.DB pool
type BunProvider struct {
	db *bun.DB
}

// Ensure BunProvider implements Provider
var _ Provider = (*BunProvider)(nil)

// NewBunProvider creates a provider over db
func NewBunProvider(db *bun.DB) *BunProvider {
	return &BunProvider{db: db}
}

// Acquire takes a dedicated connection from the pool
func (p *BunProvider) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, wrapError(err, "Acquire", "could not acquire connection from pool")
	}
	return &BunConn{conn: conn}, nil
}

// Release rolls back anything left open and returns the connection to the pool
func (p *BunProvider) Release(ctx context.Context, c Conn) error {
	bc, ok := c.(*BunConn)
	if !ok {
		return newError(CodeUsage, "Release", "connection was not acquired from this provider")
	}
	if bc.tx != nil {
		_ = bc.Rollback(ctx)
	}
	if err := bc.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return wrapError(err, "Release", "could not return connection to pool")
	}
	return nil
}

// BunConn is a dedicated pool connection with at most one open bun.Tx
type BunConn struct {
	conn bun.Conn
	tx   *bun.Tx
}

// Ensure BunConn implements Conn
var _ Conn = (*BunConn)(nil)

// IDB returns the open transaction, or the bare connection outside one
func (c *BunConn) IDB() bun.IDB {
	if c.tx != nil {
		return c.tx
	}
	return &c.conn
}

// InTransaction reports whether a bun.Tx is open on the connection
func (c *BunConn) InTransaction() bool {
	return c.tx != nil
}

// Begin opens a transaction with opts
func (c *BunConn) Begin(ctx context.Context, opts sql.TxOptions) error {
	if c.tx != nil {
		return illegalState("Begin", "connection already has an open transaction")
	}
	tx, err := c.conn.BeginTx(ctx, &opts)
	if err != nil {
		return wrapError(err, "Begin", "could not begin transaction")
	}
	c.tx = &tx
	return nil
}

// Commit commits the open transaction
func (c *BunConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return newError(CodeUsage, "Commit", "no open transaction on connection")
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return wrapError(err, "Commit", "commit failed")
	}
	return nil
}

// Rollback aborts the open transaction
func (c *BunConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		// Ignore "already committed" or "already rolled back" errors
		if errors.Is(err, sql.ErrTxDone) {
			return nil
		}
		return wrapError(err, "Rollback", "rollback failed")
	}
	return nil
}

// CreateSavepoint issues SAVEPOINT name
func (c *BunConn) CreateSavepoint(ctx context.Context, name string) error {
	return c.exec(ctx, "CreateSavepoint", "SAVEPOINT "+name)
}

// RollbackToSavepoint issues ROLLBACK TO SAVEPOINT name
func (c *BunConn) RollbackToSavepoint(ctx context.Context, name string) error {
	return c.exec(ctx, "RollbackToSavepoint", "ROLLBACK TO SAVEPOINT "+name)
}

// ReleaseSavepoint issues RELEASE SAVEPOINT name
func (c *BunConn) ReleaseSavepoint(ctx context.Context, name string) error {
	return c.exec(ctx, "ReleaseSavepoint", "RELEASE SAVEPOINT "+name)
}

// SupportsSavepoints is true for PostgreSQL
func (c *BunConn) SupportsSavepoints(context.Context) (bool, error) {
	return true, nil
}

func (c *BunConn) exec(ctx context.Context, op, query string) error {
	if c.tx == nil {
		return newError(CodeUsage, op, "savepoints require an open transaction")
	}
	if _, err := c.tx.ExecContext(ctx, query); err != nil {
		return wrapError(err, op, "")
	}
	return nil
}
