package txkit

import (
	"context"
	"database/sql"
)

// Conn is a physical connection handle obtained from a Provider.
// A Conn is used by one execution context at a time.
type Conn interface {
	Begin(ctx context.Context, opts sql.TxOptions) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	CreateSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// SavepointChecker is implemented by connections that can tell whether they
// support savepoints. Connections without it are assumed to support them.
type SavepointChecker interface {
	SupportsSavepoints(ctx context.Context) (bool, error)
}

// Provider acquires and releases physical connections
type Provider interface {
	Acquire(ctx context.Context) (Conn, error)
	Release(ctx context.Context, conn Conn) error
}

// Flusher pushes pending entity changes to the connection before commit
type Flusher interface {
	CommitChanges(ctx context.Context) error
}

// FlusherFunc adapts a function to Flusher
type FlusherFunc func(ctx context.Context) error

func (f FlusherFunc) CommitChanges(ctx context.Context) error { return f(ctx) }
