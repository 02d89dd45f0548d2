package txkit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TransactionStatus is the handle returned by GetTransaction. It is either the
// owner of a new physical transaction or a participant in an existing one.
type TransactionStatus struct {
	id      string
	def     Definition
	manager *Manager

	tx                 *Transaction
	newTransaction     bool
	newSynchronization bool

	savepoint string
	suspended *suspendedResources

	rollbackOnly bool
	completed    bool

	span trace.Span // set for owners when tracing is enabled
}

func newTransactionStatus(m *Manager, def Definition, tx *Transaction, newTx, newSync bool, suspended *suspendedResources) *TransactionStatus {
	return &TransactionStatus{
		id:                 uuid.NewString(),
		def:                def,
		manager:            m,
		tx:                 tx,
		newTransaction:     newTx,
		newSynchronization: newSync,
		suspended:          suspended,
	}
}

// TraceContext returns ctx carrying the transaction's span, so spans started
// from it become children of the transaction. Without a span of its own
// (participants, tracing disabled) ctx is returned unchanged.
func (s *TransactionStatus) TraceContext(ctx context.Context) context.Context {
	if s.span == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, s.span)
}

// ID returns a unique identifier for log and trace correlation
func (s *TransactionStatus) ID() string { return s.id }

// Name returns the name of the definition this status was created for
func (s *TransactionStatus) Name() string { return s.def.Name() }

// Definition returns the definition this status was created for
func (s *TransactionStatus) Definition() Definition { return s.def }

// HasTransaction reports whether the status references a transaction at all
func (s *TransactionStatus) HasTransaction() bool { return s.tx != nil }

// IsNewTransaction reports whether this status owns a new physical transaction
func (s *TransactionStatus) IsNewTransaction() bool { return s.HasTransaction() && s.newTransaction }

// IsNewSynchronization reports whether this status activated synchronization
func (s *TransactionStatus) IsNewSynchronization() bool { return s.newSynchronization }

// IsReadOnly reports whether the definition asked for a read-only transaction
func (s *TransactionStatus) IsReadOnly() bool { return s.def.ReadOnly() }

// HasSavepoint reports whether this status is nested by a savepoint
func (s *TransactionStatus) HasSavepoint() bool { return s.savepoint != "" }

// Savepoint returns the held savepoint name, empty if none
func (s *TransactionStatus) Savepoint() string { return s.savepoint }

// IsCompleted reports whether commit or rollback already ran
func (s *TransactionStatus) IsCompleted() bool { return s.completed }

// SetRollbackOnly makes rollback the only outcome of this status
func (s *TransactionStatus) SetRollbackOnly() { s.rollbackOnly = true }

// IsLocalRollbackOnly reports whether SetRollbackOnly was called on this status
func (s *TransactionStatus) IsLocalRollbackOnly() bool { return s.rollbackOnly }

// IsGlobalRollbackOnly reports whether the underlying transaction has been
// marked rollback-only, possibly by a participant
func (s *TransactionStatus) IsGlobalRollbackOnly() bool {
	return s.tx != nil && s.tx.IsRollbackOnly()
}

// IsRollbackOnly reports local or global rollback-only
func (s *TransactionStatus) IsRollbackOnly() bool {
	return s.IsLocalRollbackOnly() || s.IsGlobalRollbackOnly()
}

// Conn returns the connection of the underlying transaction, nil if there is none.
// It must not be used after the status completed.
func (s *TransactionStatus) Conn() Conn {
	if s.completed || s.tx == nil || s.tx.Holder() == nil {
		return nil
	}
	return s.tx.Holder().Conn()
}

// Flush triggers Flush on registered synchronizations, then the configured Flusher
func (s *TransactionStatus) Flush(ctx context.Context) error {
	if s.completed {
		return illegalState("Flush", "transaction is already completed")
	}
	registry := s.manager.registry
	if registry.IsSynchronizationActive(ctx) {
		if err := registry.TriggerFlush(ctx); err != nil {
			return wrapError(err, "Flush", "synchronization flush failed")
		}
	}
	if f := s.manager.config.Flusher; f != nil && s.HasTransaction() {
		if err := f.CommitChanges(ctx); err != nil {
			return wrapError(err, "Flush", "could not flush pending changes")
		}
	}
	return nil
}

// TimeToLive returns the time left before the transaction deadline. Past the
// deadline the transaction is marked rollback-only and a timeout error is returned.
func (s *TransactionStatus) TimeToLive() (time.Duration, error) {
	if s.tx == nil || s.tx.Holder() == nil {
		return 0, newError(CodeUsage, "TimeToLive", "no transaction")
	}
	return s.tx.Holder().TimeToLive()
}

// checkDeadline reports an expired deadline; the holder is marked rollback-only
func (s *TransactionStatus) checkDeadline() error {
	if s.tx == nil || s.tx.Holder() == nil || !s.tx.Holder().HasTimeout() {
		return nil
	}
	_, err := s.tx.Holder().TimeToLive()
	return err
}

// CreateSavepoint creates a savepoint in the underlying transaction
func (s *TransactionStatus) CreateSavepoint(ctx context.Context) (string, error) {
	if s.completed {
		return "", illegalState("CreateSavepoint", "transaction is already completed")
	}
	if s.tx == nil {
		return "", newError(CodeUsage, "CreateSavepoint", "no transaction to create a savepoint in")
	}
	return s.tx.createSavepoint(ctx)
}

// RollbackToSavepoint rolls back to a savepoint created with CreateSavepoint and releases it
func (s *TransactionStatus) RollbackToSavepoint(ctx context.Context, savepoint string) error {
	if s.tx == nil {
		return newError(CodeUsage, "RollbackToSavepoint", "no transaction")
	}
	return s.tx.rollbackToSavepoint(ctx, savepoint)
}

// ReleaseSavepoint releases a savepoint created with CreateSavepoint
func (s *TransactionStatus) ReleaseSavepoint(ctx context.Context, savepoint string) error {
	if s.tx == nil {
		return newError(CodeUsage, "ReleaseSavepoint", "no transaction")
	}
	return s.tx.releaseSavepoint(ctx, savepoint)
}

func (s *TransactionStatus) createAndHoldSavepoint(ctx context.Context) error {
	sp, err := s.CreateSavepoint(ctx)
	if err != nil {
		return err
	}
	s.savepoint = sp
	return nil
}

func (s *TransactionStatus) rollbackToHeldSavepoint(ctx context.Context) error {
	if !s.HasSavepoint() {
		return newError(CodeUsage, "RollbackToSavepoint", "no savepoint associated with current transaction")
	}
	err := s.tx.rollbackToSavepoint(ctx, s.savepoint)
	s.savepoint = ""
	return err
}

func (s *TransactionStatus) releaseHeldSavepoint(ctx context.Context) error {
	if !s.HasSavepoint() {
		return newError(CodeUsage, "ReleaseSavepoint", "no savepoint associated with current transaction")
	}
	err := s.tx.releaseSavepoint(ctx, s.savepoint)
	s.savepoint = ""
	return err
}
