package txsync

import "context"

// CompletionStatus is the outcome passed to AfterCompletion
type CompletionStatus int

const (
	StatusCommitted CompletionStatus = iota
	StatusRolledBack
	StatusUnknown
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization receives transaction lifecycle callbacks.
//
// Callbacks are invoked in registration order. Errors returned from
// BeforeCommit abort the commit; errors from BeforeCompletion and
// AfterCompletion are logged and never interrupt the remaining callbacks.
type Synchronization interface {
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Flush(ctx context.Context) error
	BeforeCommit(ctx context.Context, readOnly bool) error
	BeforeCompletion(ctx context.Context) error
	AfterCommit(ctx context.Context) error
	AfterCompletion(ctx context.Context, status CompletionStatus) error
}

// SynchronizationAdapter implements every callback as a no-op.
// Embed it to override only the callbacks you need.
type SynchronizationAdapter struct{}

func (SynchronizationAdapter) Suspend(context.Context) error            { return nil }
func (SynchronizationAdapter) Resume(context.Context) error             { return nil }
func (SynchronizationAdapter) Flush(context.Context) error              { return nil }
func (SynchronizationAdapter) BeforeCommit(context.Context, bool) error { return nil }
func (SynchronizationAdapter) BeforeCompletion(context.Context) error   { return nil }
func (SynchronizationAdapter) AfterCommit(context.Context) error        { return nil }
func (SynchronizationAdapter) AfterCompletion(context.Context, CompletionStatus) error {
	return nil
}

var _ Synchronization = SynchronizationAdapter{}
