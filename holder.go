package txkit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// SavepointPrefix prefixes generated savepoint names
const SavepointPrefix = "sp_"

// ResourceHolder tracks one physical connection's transactional and
// reference-count state within one execution context.
type ResourceHolder struct {
	handle  Conn
	current Conn

	refCount int

	// mu guards rollbackOnly and deadline so an expired deadline is
	// detected and recorded in one step
	mu           sync.Mutex
	rollbackOnly bool
	deadline     time.Time

	synchronized bool
	active       bool
	applied      sql.TxOptions

	savepointCounter   int
	savepointMarks     map[string]bool // rollback-only state when each savepoint was taken
	savepointsChecked  bool
	savepointsSupport  bool
	savepointsCheckErr error

	now func() time.Time
}

// NewResourceHolder wraps conn
func NewResourceHolder(conn Conn) *ResourceHolder {
	return &ResourceHolder{handle: conn, now: time.Now}
}

// Conn returns the connection, re-fetching it from the handle after a full release
func (h *ResourceHolder) Conn() Conn {
	if h.current == nil {
		h.current = h.handle
	}
	return h.current
}

// HasConn reports whether a connection handle is attached
func (h *ResourceHolder) HasConn() bool {
	return h.handle != nil
}

// detach drops the connection handle once it has been given back to the provider
func (h *ResourceHolder) detach() {
	h.handle = nil
	h.current = nil
}

// Retain increments the reference count
func (h *ResourceHolder) Retain() {
	h.refCount++
}

// Release decrements the reference count and drops the cached connection at zero
func (h *ResourceHolder) Release() {
	if h.refCount > 0 {
		h.refCount--
	}
	if h.refCount == 0 {
		h.current = nil
	}
}

// RefCount returns the current reference count
func (h *ResourceHolder) RefCount() int {
	return h.refCount
}

// IsOpen reports whether the holder is still referenced
func (h *ResourceHolder) IsOpen() bool {
	return h.refCount > 0
}

// IsSynchronizedWithTransaction reports whether the holder is tied to a transaction
func (h *ResourceHolder) IsSynchronizedWithTransaction() bool {
	return h.synchronized
}

// SetSynchronizedWithTransaction ties or unties the holder to a transaction
func (h *ResourceHolder) SetSynchronizedWithTransaction(v bool) {
	h.synchronized = v
}

// IsTransactionActive reports whether a physical transaction is open on the connection
func (h *ResourceHolder) IsTransactionActive() bool {
	return h.active
}

// AppliedOptions returns the options the current transaction was begun with
func (h *ResourceHolder) AppliedOptions() sql.TxOptions {
	return h.applied
}

// begin starts a physical transaction with the definition's settings
func (h *ResourceHolder) begin(ctx context.Context, def Definition, timeoutSeconds int) error {
	opts := def.TxOptions()
	if err := h.Conn().Begin(ctx, opts); err != nil {
		return wrapError(err, "Begin", "could not open transaction")
	}
	h.applied = opts
	h.active = true
	h.synchronized = true
	if timeoutSeconds > 0 {
		h.SetTimeout(time.Duration(timeoutSeconds) * time.Second)
	}
	return nil
}

// finish clears all transactional state. The reference count is untouched.
func (h *ResourceHolder) finish() {
	h.applied = sql.TxOptions{}
	h.active = false
	h.synchronized = false
	h.savepointCounter = 0
	h.savepointMarks = nil

	h.mu.Lock()
	h.rollbackOnly = false
	h.deadline = time.Time{}
	h.mu.Unlock()
}

// reset clears transactional state and the reference count
func (h *ResourceHolder) reset() {
	h.finish()
	h.refCount = 0
}

// SetRollbackOnly forces rollback as the only outcome
func (h *ResourceHolder) SetRollbackOnly() {
	h.mu.Lock()
	h.rollbackOnly = true
	h.mu.Unlock()
}

// IsRollbackOnly reports whether the holder has been marked rollback-only
func (h *ResourceHolder) IsRollbackOnly() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rollbackOnly
}

// SetTimeout sets the deadline relative to now
func (h *ResourceHolder) SetTimeout(d time.Duration) {
	h.mu.Lock()
	h.deadline = h.now().Add(d)
	h.mu.Unlock()
}

// HasTimeout reports whether a deadline is set
func (h *ResourceHolder) HasTimeout() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.deadline.IsZero()
}

// Deadline returns the deadline, zero if none
func (h *ResourceHolder) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

// TimeToLive returns the time remaining before the deadline. Once the
// deadline has passed the holder is marked rollback-only and a timeout
// error is returned.
func (h *ResourceHolder) TimeToLive() (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deadline.IsZero() {
		return 0, illegalState("TimeToLive", "no timeout specified for this resource holder")
	}
	remaining := h.deadline.Sub(h.now())
	if remaining <= 0 {
		h.rollbackOnly = true
		return 0, &Error{
			Code:    CodeTimeout,
			Op:      "TimeToLive",
			Message: fmt.Sprintf("transaction timed out: deadline was %s", h.deadline.Format(time.RFC3339Nano)),
		}
	}
	return remaining, nil
}

// TimeToLiveSeconds returns the remaining time in whole seconds, rounded up
func (h *ResourceHolder) TimeToLiveSeconds() (int, error) {
	remaining, err := h.TimeToLive()
	if err != nil {
		return 0, err
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	return secs, nil
}

// SupportsSavepoints asks the connection once and caches the answer
func (h *ResourceHolder) SupportsSavepoints(ctx context.Context) (bool, error) {
	if !h.savepointsChecked {
		h.savepointsChecked = true
		h.savepointsSupport = true
		if checker, ok := h.Conn().(SavepointChecker); ok {
			h.savepointsSupport, h.savepointsCheckErr = checker.SupportsSavepoints(ctx)
			if h.savepointsCheckErr != nil {
				h.savepointsSupport = false
				h.savepointsCheckErr = wrapError(h.savepointsCheckErr, "SupportsSavepoints", "could not determine savepoint support")
			}
		}
	}
	return h.savepointsSupport, h.savepointsCheckErr
}

// CreateSavepoint creates the next savepoint of this holder and returns its name
func (h *ResourceHolder) CreateSavepoint(ctx context.Context) (string, error) {
	h.savepointCounter++
	name := fmt.Sprintf("%s%d", SavepointPrefix, h.savepointCounter)
	if err := h.Conn().CreateSavepoint(ctx, name); err != nil {
		return "", wrapError(err, "CreateSavepoint", "could not create savepoint "+name)
	}
	if h.savepointMarks == nil {
		h.savepointMarks = make(map[string]bool)
	}
	h.savepointMarks[name] = h.IsRollbackOnly()
	return name, nil
}

// RollbackToSavepoint rolls back to name and releases it. The rollback-only
// flag returns to its value when the savepoint was taken: marks set after it
// are undone, earlier marks survive.
func (h *ResourceHolder) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := h.Conn().RollbackToSavepoint(ctx, name); err != nil {
		return wrapError(err, "RollbackToSavepoint", "could not roll back to savepoint "+name)
	}
	if marked, ok := h.savepointMarks[name]; ok {
		h.mu.Lock()
		h.rollbackOnly = marked
		h.mu.Unlock()
		delete(h.savepointMarks, name)
	}
	if err := h.Conn().ReleaseSavepoint(ctx, name); err != nil {
		return wrapError(err, "RollbackToSavepoint", "could not release savepoint "+name)
	}
	return nil
}

// ReleaseSavepoint releases name without rolling back
func (h *ResourceHolder) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := h.Conn().ReleaseSavepoint(ctx, name); err != nil {
		return wrapError(err, "ReleaseSavepoint", "could not release savepoint "+name)
	}
	delete(h.savepointMarks, name)
	return nil
}
