/*
Package txkit coordinates database transactions for Go applications.

A Manager decides for every transaction request whether to join the
transaction bound to the context, suspend it, start a new one, nest one
through a savepoint or reject the request:
  - Seven propagation behaviors (Required, Supports, Mandatory, RequiresNew,
    NotSupported, Never, Nested)
  - Connection binding per context with reference counting
  - Savepoint based nested rollback
  - Ordered lifecycle callbacks (see package txsync)
  - Lazy transaction timeouts
  - Configurable observability (logging, metrics, tracing, see package hooks)

# Basic Usage

	cfg := txkit.DefaultConfig(os.Getenv("DATABASE_URL"))
	cfg = cfg.WithLogger(slog.Default())

	kit, err := txkit.New(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer kit.Close()

# Transactions

Callback-based (auto commit/rollback):

	err := kit.Transaction(ctx, func(ctx context.Context, tx *txkit.Tx) error {
	    _, err := tx.NewInsert().Model(&user).Exec(ctx)
	    return err // non-nil rolls back
	})

Nested transactions (savepoints):

	err := kit.Transaction(ctx, func(ctx context.Context, tx *txkit.Tx) error {
	    // ... outer work ...

	    _ = tx.Transaction(ctx, func(ctx context.Context, inner *txkit.Tx) error {
	        return errors.New("fail") // only rolls back inner
	    })

	    return nil // outer commits
	})

Any provider works with the manager directly:

	m, err := txkit.NewManager(provider, txsync.NewRegistry(logger), txkit.DefaultManagerConfig())
	ctx = m.NewContext(ctx)

	status, err := m.GetTransaction(ctx, txkit.RequiresNewDefinition())
	if err != nil {
	    return err
	}
	// ... work on status.Conn() ...
	return m.Commit(ctx, status)

or through a template:

	n, err := txkit.Run(ctx, m, txkit.DefaultDefinition(), func(ctx context.Context, s *txkit.TransactionStatus) (int, error) {
	    return count(ctx, s.Conn())
	})

# Auditing

Audit entries recorded inside a transaction are written just before it
commits and dropped if it rolls back:

	auditor, _ := kit.NewAuditor(txkit.AuditConfig{ExcludeTables: []string{"sessions"}})
	err := kit.Transaction(ctx, func(ctx context.Context, tx *txkit.Tx) error {
	    if _, err := tx.NewInsert().Model(&order).Exec(ctx); err != nil {
	        return err
	    }
	    return auditor.Create(ctx, "orders", order.ID, &order)
	})

# Error Handling

	if err := m.Commit(ctx, status); err != nil {
	    if txkit.IsUnexpectedRollback(err) {
	        // a participant marked the transaction rollback-only
	    }
	    if txkit.IsRetryable(err) {
	        // serialization failure or deadlock
	    }
	}
*/
package txkit
