package txkit

import (
	"context"
	"database/sql"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/txkit/hooks"
	"github.com/fernandezvara/txkit/txsync"
)

// Manager decides for every transaction request whether to join, suspend,
// create or reject, and drives commit and rollback of the resulting status.
type Manager struct {
	provider Provider
	registry *txsync.Registry
	config   ManagerConfig
	logger   *slog.Logger

	metrics *hooks.Metrics
	tracing *hooks.Tracing
}

// NewManager creates a manager acquiring connections from provider and
// binding them through registry.
func NewManager(provider Provider, registry *txsync.Registry, cfg ManagerConfig) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, newError(CodeUsage, "NewManager", "provider is required")
	}
	if registry == nil {
		registry = txsync.NewRegistry(cfg.Logger)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		provider: provider,
		registry: registry,
		config:   cfg,
		logger:   logger,
	}

	if cfg.MetricsRegistry != nil {
		metrics, err := hooks.NewMetrics(cfg.MetricsRegistry)
		if err != nil {
			return nil, &Error{Code: CodeUsage, Op: "NewManager", Message: "failed to create metrics", Cause: err}
		}
		m.metrics = metrics
	}
	if cfg.Tracer != nil {
		m.tracing = hooks.NewTracing(cfg.Tracer)
	}

	return m, nil
}

// Registry returns the registry connections are bound through
func (m *Manager) Registry() *txsync.Registry {
	return m.registry
}

// Config returns the effective configuration
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// NewContext returns a child context carrying a fresh execution scope
func (m *Manager) NewContext(ctx context.Context) context.Context {
	return m.registry.NewContext(ctx)
}

// suspendedResources is the opaque token kept by a status while an outer
// transaction is suspended
type suspendedResources struct {
	holder    *ResourceHolder
	syncs     []txsync.Synchronization
	name      string
	readOnly  bool
	isolation sql.IsolationLevel
	wasActive bool
}

// GetTransaction returns a status for def according to its propagation
// behavior and the transaction currently bound to ctx.
func (m *Manager) GetTransaction(ctx context.Context, def Definition) (*TransactionStatus, error) {
	if !m.registry.HasScope(ctx) {
		return nil, newError(CodeUsage, "GetTransaction", "no transaction scope in context; use NewContext")
	}

	tx := newTransaction(ctx, m)

	if tx.HasTransaction() {
		return m.handleExistingTransaction(ctx, def, tx)
	}

	switch def.Propagation() {
	case PropagationMandatory:
		return nil, illegalState("GetTransaction",
			"no existing transaction found for transaction marked with propagation 'mandatory'")

	case PropagationRequired, PropagationRequiresNew, PropagationNested:
		suspended, err := m.suspend(ctx, nil)
		if err != nil {
			return nil, err
		}
		m.logger.LogAttrs(ctx, slog.LevelDebug, "creating new transaction",
			slog.String("name", def.Name()),
			slog.String("propagation", def.Propagation().String()))
		status, err := m.startTransaction(ctx, def, tx, suspended)
		if err != nil {
			return nil, m.resumeAfterBeginError(ctx, nil, suspended, err)
		}
		return status, nil

	default:
		newSync := m.config.Synchronization == SynchronizeAlways
		return m.prepareStatus(ctx, def, nil, true, newSync, nil), nil
	}
}

func (m *Manager) handleExistingTransaction(ctx context.Context, def Definition, tx *Transaction) (*TransactionStatus, error) {
	switch def.Propagation() {
	case PropagationNever:
		return nil, illegalState("GetTransaction",
			"existing transaction found for transaction marked with propagation 'never'")

	case PropagationNotSupported:
		m.logger.LogAttrs(ctx, slog.LevelDebug, "suspending current transaction")
		suspended, err := m.suspend(ctx, tx)
		if err != nil {
			return nil, err
		}
		newSync := m.config.Synchronization == SynchronizeAlways
		return m.prepareStatus(ctx, def, nil, false, newSync, suspended), nil

	case PropagationRequiresNew:
		return m.suspendAndStart(ctx, def, tx, "suspending current transaction, creating new transaction")

	case PropagationNested:
		if !m.config.NestedTransactionAllowed {
			return nil, newError(CodeSavepointNotSupported, "GetTransaction",
				"nested transactions are not allowed; enable NestedTransactionAllowed")
		}
		if tx.supportsSavepoints(ctx) {
			m.logger.LogAttrs(ctx, slog.LevelDebug, "creating nested transaction",
				slog.String("name", def.Name()))
			tx.retainHolder()
			status := m.prepareStatus(ctx, def, tx, false, false, nil)
			if err := status.createAndHoldSavepoint(ctx); err != nil {
				tx.releaseHolder()
				status.completed = true
				return nil, err
			}
			return status, nil
		}
		return m.suspendAndStart(ctx, def, tx, "savepoints not supported, creating independent transaction for nested request")
	}

	// Supports, Required, Mandatory: join
	if m.config.ValidateExistingTransaction {
		if err := m.validateExisting(ctx, def); err != nil {
			return nil, err
		}
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "participating in existing transaction",
		slog.String("name", def.Name()))
	tx.retainHolder()
	newSync := m.config.Synchronization != SynchronizeNever
	return m.prepareStatus(ctx, def, tx, false, newSync, nil), nil
}

func (m *Manager) suspendAndStart(ctx context.Context, def Definition, tx *Transaction, msg string) (*TransactionStatus, error) {
	m.logger.LogAttrs(ctx, slog.LevelDebug, msg, slog.String("name", def.Name()))
	suspended, err := m.suspend(ctx, tx)
	if err != nil {
		return nil, err
	}
	status, err := m.startTransaction(ctx, def, tx, suspended)
	if err != nil {
		return nil, m.resumeAfterBeginError(ctx, tx, suspended, err)
	}
	return status, nil
}

func (m *Manager) validateExisting(ctx context.Context, def Definition) error {
	if def.Isolation() != sql.LevelDefault {
		current := m.registry.CurrentTransactionIsolationLevel(ctx)
		if current != def.Isolation() {
			return illegalState("GetTransaction",
				"participating transaction with isolation "+def.Isolation().String()+
					" is not compatible with existing transaction isolation "+current.String())
		}
	}
	if !def.ReadOnly() && m.registry.IsCurrentTransactionReadOnly(ctx) {
		return illegalState("GetTransaction",
			"participating transaction is not read-only but existing transaction is")
	}
	return nil
}

func (m *Manager) determineTimeout(def Definition) int {
	if def.Timeout() != TimeoutDefault {
		return def.Timeout()
	}
	return m.config.DefaultTimeout
}

// startTransaction begins a physical transaction on tx and activates synchronization
func (m *Manager) startTransaction(ctx context.Context, def Definition, tx *Transaction, suspended *suspendedResources) (*TransactionStatus, error) {
	if err := tx.begin(ctx, def, m.determineTimeout(def)); err != nil {
		return nil, err
	}
	newSync := m.config.Synchronization != SynchronizeNever
	return m.prepareStatus(ctx, def, tx, true, newSync, suspended), nil
}

// prepareStatus creates the status and initializes synchronization when this
// status is the first to request it
func (m *Manager) prepareStatus(ctx context.Context, def Definition, tx *Transaction, newTx, newSync bool, suspended *suspendedResources) *TransactionStatus {
	actualNewSync := newSync && !m.registry.IsSynchronizationActive(ctx)
	status := newTransactionStatus(m, def, tx, newTx, actualNewSync, suspended)

	if actualNewSync {
		isolation := sql.LevelDefault
		if def.Isolation() != sql.LevelDefault {
			isolation = def.Isolation()
		}
		m.registry.SetActualTransactionActive(ctx, status.HasTransaction())
		m.registry.SetCurrentTransactionIsolationLevel(ctx, isolation)
		m.registry.SetCurrentTransactionReadOnly(ctx, def.ReadOnly())
		m.registry.SetCurrentTransactionName(ctx, def.Name())
		if err := m.registry.InitSynchronization(ctx); err != nil {
			// only possible if the scope vanished under us
			m.logger.LogAttrs(ctx, slog.LevelError, "could not initialize synchronization",
				slog.String("error", err.Error()))
		}
		if status.IsNewTransaction() {
			m.registerObservers(ctx, status, def)
		}
	}
	return status
}

func (m *Manager) registerObservers(ctx context.Context, status *TransactionStatus, def Definition) {
	var syncs []txsync.Synchronization
	if m.config.LogTransactions && m.config.Logger != nil {
		syncs = append(syncs, hooks.NewTransactionLogger(m.config.Logger, m.config.SlowTransaction, status.ID(), def.Name()))
	}
	if m.metrics != nil {
		syncs = append(syncs, m.metrics.Track())
	}
	if m.tracing != nil {
		spanCtx, sync := m.tracing.Start(ctx, status.ID(), def.Name(), def.Propagation().String(), def.ReadOnly())
		status.span = trace.SpanFromContext(spanCtx)
		syncs = append(syncs, sync)
	}
	for _, s := range syncs {
		if err := m.registry.RegisterSynchronization(ctx, s); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelWarn, "could not register observer",
				slog.String("error", err.Error()))
		}
	}
}

// suspend suspends synchronization and, if tx is given, its bound connection
func (m *Manager) suspend(ctx context.Context, tx *Transaction) (*suspendedResources, error) {
	if m.registry.IsSynchronizationActive(ctx) {
		syncs, err := m.suspendSynchronization(ctx)
		if err != nil {
			return nil, err
		}
		res := &suspendedResources{syncs: syncs}
		if tx != nil {
			holder, err := tx.suspend(ctx)
			if err != nil {
				m.resumeSynchronization(ctx, syncs)
				return nil, err
			}
			res.holder = holder
		}
		res.name = m.registry.CurrentTransactionName(ctx)
		res.readOnly = m.registry.IsCurrentTransactionReadOnly(ctx)
		res.isolation = m.registry.CurrentTransactionIsolationLevel(ctx)
		res.wasActive = m.registry.IsActualTransactionActive(ctx)
		m.registry.SetCurrentTransactionName(ctx, "")
		m.registry.SetCurrentTransactionReadOnly(ctx, false)
		m.registry.SetCurrentTransactionIsolationLevel(ctx, sql.LevelDefault)
		m.registry.SetActualTransactionActive(ctx, false)
		return res, nil
	}
	if tx != nil {
		holder, err := tx.suspend(ctx)
		if err != nil {
			return nil, err
		}
		return &suspendedResources{holder: holder}, nil
	}
	return nil, nil
}

func (m *Manager) suspendSynchronization(ctx context.Context) ([]txsync.Synchronization, error) {
	syncs, err := m.registry.Synchronizations(ctx)
	if err != nil {
		return nil, &Error{Code: CodeIllegalState, Op: "Suspend", Message: "synchronization is not active", Cause: err}
	}
	for _, s := range syncs {
		if err := s.Suspend(ctx); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "synchronization suspend failed",
				slog.String("error", err.Error()))
		}
	}
	if err := m.registry.ClearSynchronization(ctx); err != nil {
		return nil, &Error{Code: CodeIllegalState, Op: "Suspend", Message: "could not clear synchronization", Cause: err}
	}
	return syncs, nil
}

func (m *Manager) resumeSynchronization(ctx context.Context, syncs []txsync.Synchronization) {
	if err := m.registry.InitSynchronization(ctx); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "could not reactivate synchronization",
			slog.String("error", err.Error()))
		return
	}
	for _, s := range syncs {
		if err := s.Resume(ctx); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "synchronization resume failed",
				slog.String("error", err.Error()))
		}
		if err := m.registry.RegisterSynchronization(ctx, s); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "could not re-register synchronization",
				slog.String("error", err.Error()))
		}
	}
}

// resume restores what suspend took away
func (m *Manager) resume(ctx context.Context, tx *Transaction, res *suspendedResources) error {
	if res == nil {
		return nil
	}
	if res.holder != nil {
		var err error
		if tx != nil {
			err = tx.resume(ctx, res.holder)
		} else {
			err = m.bindHolder(ctx, res.holder)
		}
		if err != nil {
			return err
		}
	}
	if res.syncs != nil {
		m.registry.SetActualTransactionActive(ctx, res.wasActive)
		m.registry.SetCurrentTransactionIsolationLevel(ctx, res.isolation)
		m.registry.SetCurrentTransactionReadOnly(ctx, res.readOnly)
		m.registry.SetCurrentTransactionName(ctx, res.name)
		m.resumeSynchronization(ctx, res.syncs)
	}
	return nil
}

func (m *Manager) bindHolder(ctx context.Context, holder *ResourceHolder) error {
	if err := m.registry.BindResource(ctx, m.config.ResourceKey, holder); err != nil {
		return &Error{Code: CodeIllegalState, Op: "Resume", Message: "could not rebind suspended connection", Cause: err}
	}
	return nil
}

// resumeAfterBeginError resumes the outer transaction after a failed begin.
// The begin error is returned unless resuming fails as well, in which case
// both are reported.
func (m *Manager) resumeAfterBeginError(ctx context.Context, tx *Transaction, res *suspendedResources, beginErr error) error {
	if err := m.resume(ctx, tx, res); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "inner transaction begin failed and outer resume failed",
			slog.String("begin_error", beginErr.Error()),
			slog.String("resume_error", err.Error()))
		return &Error{
			Code:      CodeIllegalState,
			Op:        "GetTransaction",
			Message:   "could not resume outer transaction after begin failure",
			Cause:     beginErr,
			Secondary: err,
		}
	}
	return beginErr
}

// Commit commits status, or rolls it back if it has been marked rollback-only
func (m *Manager) Commit(ctx context.Context, status *TransactionStatus) error {
	if status == nil {
		return newError(CodeUsage, "Commit", "status is required")
	}
	if status.IsCompleted() {
		return illegalState("Commit",
			"transaction is already completed - do not call commit or rollback more than once per transaction")
	}

	if timeoutErr := status.checkDeadline(); timeoutErr != nil {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "transaction deadline passed, rolling back",
			slog.String("tx_id", status.ID()))
		if err := m.processRollback(ctx, status, false); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "rollback after timeout failed",
				slog.String("error", err.Error()))
		}
		return timeoutErr
	}

	if status.IsLocalRollbackOnly() {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "transactional code has requested rollback",
			slog.String("tx_id", status.ID()))
		return m.processRollback(ctx, status, false)
	}

	if !m.config.CommitOnGlobalRollbackOnly && status.IsGlobalRollbackOnly() {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "global transaction is marked as rollback-only but commit was requested",
			slog.String("tx_id", status.ID()))
		return m.processRollback(ctx, status, true)
	}

	return m.processCommit(ctx, status)
}

func (m *Manager) processCommit(ctx context.Context, status *TransactionStatus) (err error) {
	defer func() {
		if cerr := m.cleanupAfterCompletion(ctx, status); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				m.logger.LogAttrs(ctx, slog.LevelError, "cleanup after commit failed",
					slog.String("error", cerr.Error()))
			}
		}
	}()

	if err := m.triggerBeforeCommit(ctx, status); err != nil {
		m.triggerBeforeCompletion(ctx, status)
		return m.rollbackOnCommitError(ctx, status, err)
	}
	m.triggerBeforeCompletion(ctx, status)

	switch {
	case status.HasSavepoint():
		if err := status.releaseHeldSavepoint(ctx); err != nil {
			return m.rollbackOnCommitError(ctx, status, err)
		}
	case status.IsNewTransaction():
		m.logger.LogAttrs(ctx, slog.LevelDebug, "initiating transaction commit",
			slog.String("tx_id", status.ID()))
		if err := status.tx.commit(ctx); err != nil {
			return m.rollbackOnCommitError(ctx, status, err)
		}
	case m.config.FailEarlyOnGlobalRollbackOnly && status.IsGlobalRollbackOnly():
		m.triggerAfterCompletion(ctx, status, txsync.StatusRolledBack)
		return newError(CodeUnexpectedRollback, "Commit",
			"transaction silently rolled back because it has been marked as rollback-only")
	}

	if err := m.triggerAfterCommit(ctx, status); err != nil {
		m.triggerAfterCompletion(ctx, status, txsync.StatusCommitted)
		return err
	}
	m.triggerAfterCompletion(ctx, status, txsync.StatusCommitted)
	return nil
}

// rollbackOnCommitError rolls back after a failed commit and returns the
// original error; a rollback failure is logged and attached as secondary.
func (m *Manager) rollbackOnCommitError(ctx context.Context, status *TransactionStatus, commitErr error) error {
	var rbErr error
	switch {
	case status.HasSavepoint():
		rbErr = status.rollbackToHeldSavepoint(ctx)
	case status.IsNewTransaction():
		m.logger.LogAttrs(ctx, slog.LevelDebug, "initiating transaction rollback after commit exception",
			slog.String("tx_id", status.ID()))
		rbErr = status.tx.rollback(ctx)
	case status.HasTransaction() && m.config.GlobalRollbackOnParticipationFailure:
		status.tx.setRollbackOnly()
	}

	if rbErr != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "commit exception overridden by rollback exception",
			slog.String("commit_error", commitErr.Error()),
			slog.String("rollback_error", rbErr.Error()))
		m.triggerAfterCompletion(ctx, status, txsync.StatusUnknown)
		return withSecondary(commitErr, rbErr)
	}
	m.triggerAfterCompletion(ctx, status, txsync.StatusRolledBack)
	return commitErr
}

// withSecondary attaches secondary to a txkit error, keeping primary as the reported cause
func withSecondary(primary, secondary error) error {
	if e, ok := primary.(*Error); ok && e.Secondary == nil {
		cp := *e
		cp.Secondary = secondary
		return &cp
	}
	return &Error{
		Code:      CodeResourceAccess,
		Message:   primary.Error(),
		Cause:     primary,
		Secondary: secondary,
	}
}

// Rollback rolls back status
func (m *Manager) Rollback(ctx context.Context, status *TransactionStatus) error {
	if status == nil {
		return newError(CodeUsage, "Rollback", "status is required")
	}
	if status.IsCompleted() {
		return illegalState("Rollback",
			"transaction is already completed - do not call commit or rollback more than once per transaction")
	}
	return m.processRollback(ctx, status, false)
}

func (m *Manager) processRollback(ctx context.Context, status *TransactionStatus, unexpected bool) (err error) {
	defer func() {
		if cerr := m.cleanupAfterCompletion(ctx, status); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				m.logger.LogAttrs(ctx, slog.LevelError, "cleanup after rollback failed",
					slog.String("error", cerr.Error()))
			}
		}
	}()

	unexpectedRollback := unexpected
	m.triggerBeforeCompletion(ctx, status)

	var rbErr error
	switch {
	case status.HasSavepoint():
		m.logger.LogAttrs(ctx, slog.LevelDebug, "rolling back transaction to savepoint",
			slog.String("tx_id", status.ID()))
		rbErr = status.rollbackToHeldSavepoint(ctx)
		if !m.config.FailEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
	case status.IsNewTransaction():
		m.logger.LogAttrs(ctx, slog.LevelDebug, "initiating transaction rollback",
			slog.String("tx_id", status.ID()))
		rbErr = status.tx.rollback(ctx)
	default:
		if status.HasTransaction() {
			if status.IsLocalRollbackOnly() || m.config.GlobalRollbackOnParticipationFailure {
				m.logger.LogAttrs(ctx, slog.LevelDebug, "participating transaction failed - marking existing transaction as rollback-only")
				status.tx.setRollbackOnly()
			} else {
				m.logger.LogAttrs(ctx, slog.LevelDebug, "participating transaction failed - letting transaction originator decide on rollback")
			}
		} else {
			m.logger.LogAttrs(ctx, slog.LevelDebug, "should roll back transaction but cannot - no transaction available")
		}
		if !m.config.FailEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
	}

	if rbErr != nil {
		m.triggerAfterCompletion(ctx, status, txsync.StatusUnknown)
		return rbErr
	}
	m.triggerAfterCompletion(ctx, status, txsync.StatusRolledBack)

	if unexpectedRollback {
		return newError(CodeUnexpectedRollback, "Commit",
			"transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}

func (m *Manager) triggerBeforeCommit(ctx context.Context, status *TransactionStatus) error {
	if !status.IsNewSynchronization() {
		return nil
	}
	return m.registry.TriggerBeforeCommit(ctx, status.IsReadOnly())
}

func (m *Manager) triggerBeforeCompletion(ctx context.Context, status *TransactionStatus) {
	if status.IsNewSynchronization() {
		m.registry.TriggerBeforeCompletion(ctx)
	}
}

func (m *Manager) triggerAfterCommit(ctx context.Context, status *TransactionStatus) error {
	if !status.IsNewSynchronization() {
		return nil
	}
	return m.registry.TriggerAfterCommit(ctx)
}

func (m *Manager) triggerAfterCompletion(ctx context.Context, status *TransactionStatus, completion txsync.CompletionStatus) {
	if !status.IsNewSynchronization() {
		return
	}
	syncs, err := m.registry.Synchronizations(ctx)
	if err != nil {
		return
	}
	if err := m.registry.ClearSynchronization(ctx); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "could not clear synchronization",
			slog.String("error", err.Error()))
	}
	if !status.HasTransaction() || status.IsNewTransaction() {
		m.registry.InvokeAfterCompletion(ctx, syncs, completion)
		return
	}
	// participant scope: the outcome is decided by the outer transaction
	if len(syncs) > 0 {
		m.registry.InvokeAfterCompletion(ctx, syncs, txsync.StatusUnknown)
	}
}

// cleanupAfterCompletion runs on every commit and rollback path
func (m *Manager) cleanupAfterCompletion(ctx context.Context, status *TransactionStatus) error {
	status.completed = true
	if status.IsNewSynchronization() {
		m.registry.Clear(ctx)
	}

	var err error
	if status.tx != nil {
		if status.IsNewTransaction() {
			err = status.tx.close(ctx)
		} else {
			status.tx.releaseHolder()
		}
	}

	if status.suspended != nil {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "resuming suspended transaction after completion of inner transaction")
		var resumeTx *Transaction
		if status.tx != nil && status.tx.State() == StateSuspended {
			resumeTx = status.tx
		}
		if rerr := m.resume(ctx, resumeTx, status.suspended); rerr != nil {
			if err == nil {
				err = rerr
			} else {
				m.logger.LogAttrs(ctx, slog.LevelError, "resume after completion failed",
					slog.String("error", rerr.Error()))
			}
		}
		status.suspended = nil
	}
	return err
}
