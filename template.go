package txkit

import (
	"context"
	"log/slog"
)

// TxFunc is the unit of work executed by a Template
type TxFunc func(ctx context.Context, status *TransactionStatus) error

// Template runs units of work inside a transaction described by its definition
type Template struct {
	manager    *Manager
	definition Definition
}

// NewTemplate creates a template running with def
func NewTemplate(manager *Manager, def Definition) *Template {
	return &Template{manager: manager, definition: def}
}

// Definition returns the definition the template runs with
func (t *Template) Definition() Definition {
	return t.definition
}

// Execute runs fn with automatic commit/rollback
func (t *Template) Execute(ctx context.Context, fn TxFunc) error {
	_, err := Run(ctx, t.manager, t.definition, func(ctx context.Context, status *TransactionStatus) (struct{}, error) {
		return struct{}{}, fn(ctx, status)
	})
	return err
}

// Run executes fn inside a transaction for def and returns its result.
// A failing fn rolls the transaction back and its error is returned; if the
// rollback fails too, both are reported with CodeRollbackFailed.
func Run[T any](ctx context.Context, m *Manager, def Definition, fn func(ctx context.Context, status *TransactionStatus) (T, error)) (T, error) {
	var zero T
	if m == nil {
		return zero, newError(CodeUsage, "Run", "manager is required")
	}
	if !m.registry.HasScope(ctx) {
		ctx = m.registry.NewContext(ctx)
	}

	status, err := m.GetTransaction(ctx, def)
	if err != nil {
		return zero, err
	}

	defer func() {
		if p := recover(); p != nil {
			if !status.IsCompleted() {
				if rbErr := m.Rollback(ctx, status); rbErr != nil {
					m.logger.LogAttrs(ctx, slog.LevelError, "rollback after panic failed",
						slog.String("tx_id", status.ID()),
						slog.String("error", rbErr.Error()))
				}
			}
			panic(p)
		}
	}()

	result, err := fn(status.TraceContext(ctx), status)
	if err != nil {
		return zero, m.rollbackOnError(ctx, status, err)
	}

	if err := m.Commit(ctx, status); err != nil {
		return zero, err
	}
	return result, nil
}

func (m *Manager) rollbackOnError(ctx context.Context, status *TransactionStatus, err error) error {
	if status.IsCompleted() {
		return err
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "initiating rollback on application error",
		slog.String("tx_id", status.ID()),
		slog.String("error", err.Error()))
	if rbErr := m.Rollback(ctx, status); rbErr != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "application error overridden by rollback error",
			slog.String("error", err.Error()),
			slog.String("rollback_error", rbErr.Error()))
		return &Error{
			Code:      CodeRollbackFailed,
			Op:        "Run",
			Message:   "rollback after application error failed",
			Cause:     err,
			Secondary: rbErr,
		}
	}
	return err
}
