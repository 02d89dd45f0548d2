// Package hooks provides observability synchronizations for txkit transactions
package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/fernandezvara/txkit/txsync"
)

// TransactionLogger logs the lifecycle of one transaction
type TransactionLogger struct {
	txsync.SynchronizationAdapter
	logger        *slog.Logger
	slowThreshold time.Duration
	id            string
	name          string
	start         time.Time
}

// NewTransactionLogger creates a logger synchronization for the transaction id/name.
// Transactions slower than slowThreshold are logged at Warn (0 = disabled).
func NewTransactionLogger(logger *slog.Logger, slowThreshold time.Duration, id, name string) *TransactionLogger {
	return &TransactionLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		id:            id,
		name:          name,
		start:         time.Now(),
	}
}

func (h *TransactionLogger) attrs(extra ...slog.Attr) []slog.Attr {
	attrs := []slog.Attr{slog.String("tx_id", h.id)}
	if h.name != "" {
		attrs = append(attrs, slog.String("tx_name", h.name))
	}
	return append(attrs, extra...)
}

// Suspend is called when an inner transaction suspends this one
func (h *TransactionLogger) Suspend(ctx context.Context) error {
	h.logger.LogAttrs(ctx, slog.LevelDebug, "transaction suspended", h.attrs()...)
	return nil
}

// Resume is called when this transaction becomes current again
func (h *TransactionLogger) Resume(ctx context.Context) error {
	h.logger.LogAttrs(ctx, slog.LevelDebug, "transaction resumed", h.attrs()...)
	return nil
}

// AfterCompletion logs the outcome and duration
func (h *TransactionLogger) AfterCompletion(ctx context.Context, status txsync.CompletionStatus) error {
	duration := time.Since(h.start)
	attrs := h.attrs(
		slog.String("outcome", status.String()),
		slog.Duration("duration", duration),
	)

	switch {
	case status == txsync.StatusUnknown:
		h.logger.LogAttrs(ctx, slog.LevelError, "transaction outcome unknown", attrs...)
	case h.slowThreshold > 0 && duration >= h.slowThreshold:
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow transaction", attrs...)
	default:
		h.logger.LogAttrs(ctx, slog.LevelDebug, "transaction completed", attrs...)
	}
	return nil
}
