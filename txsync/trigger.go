package txsync

import (
	"context"
	"log/slog"
)

// TriggerFlush calls Flush on every registered callback; the first error is returned
func (r *Registry) TriggerFlush(ctx context.Context) error {
	syncs, err := r.Synchronizations(ctx)
	if err != nil {
		return err
	}
	for _, s := range syncs {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBeforeCommit calls BeforeCommit in registration order.
// The first error aborts the fan-out and must abort the commit.
func (r *Registry) TriggerBeforeCommit(ctx context.Context, readOnly bool) error {
	syncs, err := r.Synchronizations(ctx)
	if err != nil {
		return err
	}
	for _, s := range syncs {
		if err := s.BeforeCommit(ctx, readOnly); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBeforeCompletion calls BeforeCompletion in registration order, logging failures
func (r *Registry) TriggerBeforeCompletion(ctx context.Context) {
	syncs, err := r.Synchronizations(ctx)
	if err != nil {
		r.logger.LogAttrs(ctx, slog.LevelError, "before completion skipped",
			slog.String("error", err.Error()))
		return
	}
	for _, s := range syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			r.logger.LogAttrs(ctx, slog.LevelError, "synchronization before completion failed",
				slog.String("error", err.Error()))
		}
	}
}

// TriggerAfterCommit calls AfterCommit in registration order; the first error is returned
func (r *Registry) TriggerAfterCommit(ctx context.Context) error {
	syncs, err := r.Synchronizations(ctx)
	if err != nil {
		return err
	}
	return InvokeAfterCommit(ctx, syncs)
}

// TriggerAfterCompletion calls AfterCompletion on the currently registered callbacks
func (r *Registry) TriggerAfterCompletion(ctx context.Context, status CompletionStatus) {
	syncs, err := r.Synchronizations(ctx)
	if err != nil {
		return
	}
	r.InvokeAfterCompletion(ctx, syncs, status)
}

// InvokeAfterCommit runs AfterCommit on a given list of callbacks
func InvokeAfterCommit(ctx context.Context, syncs []Synchronization) error {
	for _, s := range syncs {
		if err := s.AfterCommit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// InvokeAfterCompletion runs AfterCompletion on a given list of callbacks.
// Used after synchronization has already been cleared from the scope.
func (r *Registry) InvokeAfterCompletion(ctx context.Context, syncs []Synchronization, status CompletionStatus) {
	for _, s := range syncs {
		if err := s.AfterCompletion(ctx, status); err != nil {
			r.logger.LogAttrs(ctx, slog.LevelError, "synchronization after completion failed",
				slog.String("status", status.String()),
				slog.String("error", err.Error()))
		}
	}
}
