package txkit

import (
	"context"
)

// Tx is the database handle of one transactional scope
type Tx struct {
	IDB
	kit    *Kit
	status *TransactionStatus
}

// Ensure Tx implements IDB
var _ IDB = (*Tx)(nil)

// KitTxFunc is a function executed within a transaction
type KitTxFunc func(ctx context.Context, tx *Tx) error

// Transaction executes fn within a Required transaction with automatic commit/rollback
func (k *Kit) Transaction(ctx context.Context, fn KitTxFunc) error {
	return k.TransactionWithDefinition(ctx, DefaultDefinition(), fn)
}

// TransactionWithDefinition executes fn within a transaction described by def
func (k *Kit) TransactionWithDefinition(ctx context.Context, def Definition, fn KitTxFunc) error {
	return NewTemplate(k.manager, def).Execute(ctx, func(ctx context.Context, status *TransactionStatus) error {
		return fn(ctx, k.newTx(ctx, status))
	})
}

// ReadOnlyTransaction executes fn within a read-only transaction
func (k *Kit) ReadOnlyTransaction(ctx context.Context, fn KitTxFunc) error {
	return k.TransactionWithDefinition(ctx, ReadOnlyDefinition(), fn)
}

// SerializableTransaction executes fn within a serializable transaction
func (k *Kit) SerializableTransaction(ctx context.Context, fn KitTxFunc) error {
	return k.TransactionWithDefinition(ctx, SerializableDefinition(), fn)
}

func (k *Kit) newTx(ctx context.Context, status *TransactionStatus) *Tx {
	db := k.IDB(ctx)
	if bc, ok := status.Conn().(*BunConn); ok {
		db = bc.IDB()
	}
	return &Tx{IDB: db, kit: k, status: status}
}

// Transaction runs fn in a nested scope backed by a savepoint
func (tx *Tx) Transaction(ctx context.Context, fn KitTxFunc) error {
	return tx.kit.TransactionWithDefinition(ctx, NestedDefinition(), fn)
}

// RequiresNew runs fn in an independent transaction, suspending this one
func (tx *Tx) RequiresNew(ctx context.Context, fn KitTxFunc) error {
	return tx.kit.TransactionWithDefinition(ctx, RequiresNewDefinition(), fn)
}

// Savepoint creates a savepoint and returns its generated name
func (tx *Tx) Savepoint(ctx context.Context) (string, error) {
	return tx.status.CreateSavepoint(ctx)
}

// RollbackTo rolls back to a savepoint created with Savepoint
func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	return tx.status.RollbackToSavepoint(ctx, name)
}

// ReleaseSavepoint releases a savepoint created with Savepoint
func (tx *Tx) ReleaseSavepoint(ctx context.Context, name string) error {
	return tx.status.ReleaseSavepoint(ctx, name)
}

// SetRollbackOnly makes rollback the only outcome of the enclosing transaction
func (tx *Tx) SetRollbackOnly() {
	tx.status.SetRollbackOnly()
}

// Status returns the transaction status of this scope
func (tx *Tx) Status() *TransactionStatus {
	return tx.status
}

// Kit returns the parent kit
func (tx *Tx) Kit() *Kit {
	return tx.kit
}
