package txkit

import (
	"context"
	"log/slog"

	"github.com/fernandezvara/txkit/txsync"
)

// TransactionState is the lifecycle state of a Transaction
type TransactionState int

const (
	StateUnbound TransactionState = iota
	StateActive
	StateSuspended
	StateCompleted
)

func (s TransactionState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	}
	return "invalid"
}

// Transaction references the resource holder bound for one resource key.
// The registry owns bound holders; a Transaction only owns the holder it created.
type Transaction struct {
	registry *txsync.Registry
	provider Provider
	key      any
	logger   *slog.Logger

	holder    *ResourceHolder
	newHolder bool
	retained  bool
	state     TransactionState

	savepointAllowed bool
	autoFlush        bool
	flusher          Flusher
}

// newTransaction picks up the holder currently bound for key, if any
func newTransaction(ctx context.Context, m *Manager) *Transaction {
	tx := &Transaction{
		registry:         m.registry,
		provider:         m.provider,
		key:              m.config.ResourceKey,
		logger:           m.logger,
		savepointAllowed: m.config.NestedTransactionAllowed,
		autoFlush:        m.config.AutoFlush,
		flusher:          m.config.Flusher,
	}
	if v, ok := m.registry.GetResource(ctx, tx.key); ok {
		if h, ok := v.(*ResourceHolder); ok {
			tx.holder = h
			if h.IsTransactionActive() {
				tx.state = StateActive
			}
		}
	}
	return tx
}

// HasTransaction reports whether the referenced holder carries an active physical transaction
func (tx *Transaction) HasTransaction() bool {
	return tx.holder != nil && tx.holder.IsTransactionActive()
}

// Holder returns the referenced holder, nil if none
func (tx *Transaction) Holder() *ResourceHolder {
	return tx.holder
}

// State returns the lifecycle state
func (tx *Transaction) State() TransactionState {
	return tx.state
}

// IsRollbackOnly reports the holder's rollback-only flag
func (tx *Transaction) IsRollbackOnly() bool {
	return tx.holder != nil && tx.holder.IsRollbackOnly()
}

func (tx *Transaction) setRollbackOnly() {
	if tx.holder != nil {
		tx.holder.SetRollbackOnly()
	}
}

func (tx *Transaction) retainHolder() {
	if tx.holder != nil && !tx.retained {
		tx.holder.Retain()
		tx.retained = true
	}
}

func (tx *Transaction) releaseHolder() {
	if tx.holder != nil && tx.retained {
		tx.holder.Release()
		tx.retained = false
	}
}

// begin opens a physical transaction, reusing a bound holder that is not yet
// tied to a transaction and acquiring a fresh connection otherwise.
func (tx *Transaction) begin(ctx context.Context, def Definition, timeoutSeconds int) error {
	if tx.state == StateCompleted {
		return illegalState("Begin", "transaction already completed")
	}

	var acquired Conn
	if tx.holder == nil || tx.holder.IsSynchronizedWithTransaction() {
		conn, err := tx.provider.Acquire(ctx)
		if err != nil {
			return wrapError(err, "Begin", "could not acquire connection for transaction")
		}
		acquired = conn
		tx.releaseHolder()
		tx.holder = NewResourceHolder(conn)
		tx.newHolder = true
	}

	tx.holder.SetSynchronizedWithTransaction(true)
	if err := tx.holder.begin(ctx, def, timeoutSeconds); err != nil {
		return tx.abortBegin(ctx, acquired, err)
	}

	if tx.newHolder {
		if err := tx.registry.BindResource(ctx, tx.key, tx.holder); err != nil {
			if rbErr := tx.holder.Conn().Rollback(ctx); rbErr != nil {
				tx.logger.LogAttrs(ctx, slog.LevelError, "rollback after failed bind failed",
					slog.String("error", rbErr.Error()))
			}
			return tx.abortBegin(ctx, acquired, &Error{
				Code:    CodeIllegalState,
				Op:      "Begin",
				Message: "could not bind connection to context",
				Cause:   err,
			})
		}
	}

	tx.retainHolder()
	tx.state = StateActive
	return nil
}

func (tx *Transaction) abortBegin(ctx context.Context, acquired Conn, cause error) error {
	if acquired == nil {
		tx.holder.SetSynchronizedWithTransaction(false)
		return cause
	}
	if err := tx.provider.Release(ctx, acquired); err != nil {
		tx.logger.LogAttrs(ctx, slog.LevelError, "could not release connection after failed begin",
			slog.String("error", err.Error()))
	}
	tx.holder = nil
	tx.newHolder = false
	return cause
}

// suspend unbinds the holder and hands it back as the resume token
func (tx *Transaction) suspend(ctx context.Context) (*ResourceHolder, error) {
	if tx.state != StateActive {
		return nil, newError(CodeUsage, "Suspend", "cannot suspend a transaction that is "+tx.state.String())
	}
	v, err := tx.registry.UnbindResource(ctx, tx.key)
	if err != nil {
		return nil, &Error{Code: CodeIllegalState, Op: "Suspend", Message: "no connection bound to context", Cause: err}
	}
	holder, _ := v.(*ResourceHolder)
	tx.releaseHolder()
	tx.holder = nil
	tx.newHolder = false
	tx.state = StateSuspended
	return holder, nil
}

// resume rebinds a holder previously returned by suspend
func (tx *Transaction) resume(ctx context.Context, holder *ResourceHolder) error {
	if err := tx.registry.BindResource(ctx, tx.key, holder); err != nil {
		return &Error{Code: CodeIllegalState, Op: "Resume", Message: "could not rebind suspended connection", Cause: err}
	}
	if tx.state == StateSuspended {
		tx.state = StateActive
		tx.holder = holder
	}
	return nil
}

// commit flushes pending changes when configured, then commits the physical transaction
func (tx *Transaction) commit(ctx context.Context) error {
	if !tx.HasTransaction() {
		return newError(CodeUsage, "Commit", "no active physical transaction")
	}
	if tx.autoFlush && tx.flusher != nil {
		if err := tx.flusher.CommitChanges(ctx); err != nil {
			return wrapError(err, "Commit", "could not flush pending changes")
		}
	}
	if err := tx.holder.Conn().Commit(ctx); err != nil {
		return wrapError(err, "Commit", "could not commit transaction")
	}
	return nil
}

// rollback rolls back the physical transaction
func (tx *Transaction) rollback(ctx context.Context) error {
	if !tx.HasTransaction() {
		return newError(CodeUsage, "Rollback", "no active physical transaction")
	}
	if err := tx.holder.Conn().Rollback(ctx); err != nil {
		return wrapError(err, "Rollback", "could not roll back transaction")
	}
	return nil
}

// close releases everything this instance owns. Calling it twice is a no-op.
func (tx *Transaction) close(ctx context.Context) error {
	if tx.state == StateCompleted {
		return nil
	}
	tx.state = StateCompleted

	if tx.holder == nil {
		return nil
	}
	holder := tx.holder
	if tx.newHolder {
		tx.registry.UnbindResourceIfPresent(ctx, tx.key)
	}
	holder.finish()
	tx.releaseHolder()

	var err error
	if tx.newHolder {
		if conn := holder.Conn(); conn != nil {
			err = tx.provider.Release(ctx, conn)
		}
		holder.detach()
	}
	tx.holder = nil
	tx.newHolder = false
	return wrapError(err, "Close", "could not release connection")
}

func (tx *Transaction) checkSavepointSupport(ctx context.Context, op string) error {
	if !tx.savepointAllowed {
		return newError(CodeSavepointNotSupported, op, "nested transactions are not allowed")
	}
	if !tx.HasTransaction() {
		return newError(CodeUsage, op, "no active physical transaction to hold a savepoint")
	}
	ok, err := tx.holder.SupportsSavepoints(ctx)
	if err != nil {
		return &Error{Code: CodeSavepointNotSupported, Op: op, Message: "savepoint support unknown", Cause: err}
	}
	if !ok {
		return newError(CodeSavepointNotSupported, op, "connection does not support savepoints")
	}
	return nil
}

// createSavepoint creates a savepoint on the current physical transaction
func (tx *Transaction) createSavepoint(ctx context.Context) (string, error) {
	if err := tx.checkSavepointSupport(ctx, "CreateSavepoint"); err != nil {
		return "", err
	}
	return tx.holder.CreateSavepoint(ctx)
}

func (tx *Transaction) rollbackToSavepoint(ctx context.Context, name string) error {
	if err := tx.checkSavepointSupport(ctx, "RollbackToSavepoint"); err != nil {
		return err
	}
	return tx.holder.RollbackToSavepoint(ctx, name)
}

func (tx *Transaction) releaseSavepoint(ctx context.Context, name string) error {
	if err := tx.checkSavepointSupport(ctx, "ReleaseSavepoint"); err != nil {
		return err
	}
	return tx.holder.ReleaseSavepoint(ctx, name)
}

// supportsSavepoints reports whether a Nested request can be served by a savepoint
func (tx *Transaction) supportsSavepoints(ctx context.Context) bool {
	return tx.checkSavepointSupport(ctx, "Nested") == nil
}
