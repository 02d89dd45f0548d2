// Package txsync binds transactional resources and lifecycle callbacks to an
// execution context.
//
// A Registry is created once per process and handed to whoever needs it. The
// per-execution state lives in a scope carried by context.Context: call
// NewContext at the start of a unit of work, and give every goroutine that must
// not observe the caller's bindings its own scope.
package txsync

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
)

var (
	ErrNoScope            = errors.New("txsync: no synchronization scope bound to context")
	ErrAlreadyBound       = errors.New("txsync: resource already bound for key")
	ErrNotBound           = errors.New("txsync: no resource bound for key")
	ErrSyncActive         = errors.New("txsync: transaction synchronization is already active")
	ErrSyncNotActive      = errors.New("txsync: transaction synchronization is not active")
	ErrNilSynchronization = errors.New("txsync: synchronization must not be nil")
)

// Registry hands out and inspects execution-context scopes
type Registry struct {
	logger *slog.Logger
}

// NewRegistry creates a registry. A nil logger discards callback failures.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{logger: logger}
}

type scopeKey struct {
	registry *Registry
}

// scope is the execution-context-local store
type scope struct {
	mu        sync.Mutex
	resources map[any]any

	syncActive bool
	syncs      []Synchronization

	name      string
	readOnly  bool
	isolation sql.IsolationLevel
	active    bool
}

// NewContext returns a child context carrying a fresh, empty scope
func (r *Registry) NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{r}, &scope{resources: make(map[any]any)})
}

// HasScope reports whether ctx carries a scope of this registry
func (r *Registry) HasScope(ctx context.Context) bool {
	return r.scope(ctx) != nil
}

func (r *Registry) scope(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{r}).(*scope)
	return s
}

func (r *Registry) mustScope(ctx context.Context) (*scope, error) {
	s := r.scope(ctx)
	if s == nil {
		return nil, ErrNoScope
	}
	return s, nil
}

// Logger returns the logger used for swallowed callback failures
func (r *Registry) Logger() *slog.Logger {
	return r.logger
}

// GetResource returns the resource bound for key
func (r *Registry) GetResource(ctx context.Context, key any) (any, bool) {
	s := r.scope(ctx)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[key]
	return v, ok
}

// HasResource reports whether something is bound for key
func (r *Registry) HasResource(ctx context.Context, key any) bool {
	_, ok := r.GetResource(ctx, key)
	return ok
}

// ResourceMap returns a snapshot of all bound resources
func (r *Registry) ResourceMap(ctx context.Context) map[any]any {
	s := r.scope(ctx)
	if s == nil {
		return map[any]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[any]any, len(s.resources))
	for k, v := range s.resources {
		out[k] = v
	}
	return out
}

// BindResource binds value for key. It refuses to replace an existing binding
// so a previously bound resource is never silently orphaned.
func (r *Registry) BindResource(ctx context.Context, key, value any) error {
	s, err := r.mustScope(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[key]; ok {
		return ErrAlreadyBound
	}
	s.resources[key] = value
	return nil
}

// UnbindResource removes the binding for key and fails if there is none
func (r *Registry) UnbindResource(ctx context.Context, key any) (any, error) {
	s, err := r.mustScope(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[key]
	if !ok {
		return nil, ErrNotBound
	}
	delete(s.resources, key)
	return v, nil
}

// UnbindResourceIfPresent removes the binding for key if there is one
func (r *Registry) UnbindResourceIfPresent(ctx context.Context, key any) any {
	s := r.scope(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resources[key]
	if ok {
		delete(s.resources, key)
	}
	return v
}

// IsSynchronizationActive reports whether callbacks may be registered
func (r *Registry) IsSynchronizationActive(ctx context.Context) bool {
	s := r.scope(ctx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncActive
}

// InitSynchronization activates synchronization for the current scope
func (r *Registry) InitSynchronization(ctx context.Context) error {
	s, err := r.mustScope(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncActive {
		return ErrSyncActive
	}
	s.syncActive = true
	s.syncs = nil
	return nil
}

// ClearSynchronization deactivates synchronization and drops all callbacks
func (r *Registry) ClearSynchronization(ctx context.Context) error {
	s, err := r.mustScope(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.syncActive {
		return ErrSyncNotActive
	}
	s.syncActive = false
	s.syncs = nil
	return nil
}

// RegisterSynchronization appends sync unless the same instance is already registered
func (r *Registry) RegisterSynchronization(ctx context.Context, sync Synchronization) error {
	if sync == nil {
		return ErrNilSynchronization
	}
	s, err := r.mustScope(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.syncActive {
		return ErrSyncNotActive
	}
	for _, existing := range s.syncs {
		if sameInstance(existing, sync) {
			return nil
		}
	}
	s.syncs = append(s.syncs, sync)
	return nil
}

// Synchronizations returns a snapshot of registered callbacks in registration order
func (r *Registry) Synchronizations(ctx context.Context) ([]Synchronization, error) {
	s, err := r.mustScope(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.syncActive {
		return nil, ErrSyncNotActive
	}
	out := make([]Synchronization, len(s.syncs))
	copy(out, s.syncs)
	return out, nil
}

// sameInstance compares by identity without panicking on non-comparable values
func sameInstance(a, b Synchronization) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// CurrentTransactionName returns the ambient transaction name
func (r *Registry) CurrentTransactionName(ctx context.Context) string {
	s := r.scope(ctx)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetCurrentTransactionName sets the ambient transaction name
func (r *Registry) SetCurrentTransactionName(ctx context.Context, name string) {
	if s := r.scope(ctx); s != nil {
		s.mu.Lock()
		s.name = name
		s.mu.Unlock()
	}
}

// IsCurrentTransactionReadOnly returns the ambient read-only flag
func (r *Registry) IsCurrentTransactionReadOnly(ctx context.Context) bool {
	s := r.scope(ctx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// SetCurrentTransactionReadOnly sets the ambient read-only flag
func (r *Registry) SetCurrentTransactionReadOnly(ctx context.Context, readOnly bool) {
	if s := r.scope(ctx); s != nil {
		s.mu.Lock()
		s.readOnly = readOnly
		s.mu.Unlock()
	}
}

// CurrentTransactionIsolationLevel returns the ambient isolation level;
// sql.LevelDefault means none was requested.
func (r *Registry) CurrentTransactionIsolationLevel(ctx context.Context) sql.IsolationLevel {
	s := r.scope(ctx)
	if s == nil {
		return sql.LevelDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolation
}

// SetCurrentTransactionIsolationLevel sets the ambient isolation level
func (r *Registry) SetCurrentTransactionIsolationLevel(ctx context.Context, level sql.IsolationLevel) {
	if s := r.scope(ctx); s != nil {
		s.mu.Lock()
		s.isolation = level
		s.mu.Unlock()
	}
}

// IsActualTransactionActive reports whether a physical transaction is active
func (r *Registry) IsActualTransactionActive(ctx context.Context) bool {
	s := r.scope(ctx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActualTransactionActive sets the ambient "physical transaction active" flag
func (r *Registry) SetActualTransactionActive(ctx context.Context, active bool) {
	if s := r.scope(ctx); s != nil {
		s.mu.Lock()
		s.active = active
		s.mu.Unlock()
	}
}

// Clear resets synchronization and ambient attributes. Bound resources are kept.
func (r *Registry) Clear(ctx context.Context) {
	s := r.scope(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncActive = false
	s.syncs = nil
	s.name = ""
	s.readOnly = false
	s.isolation = sql.LevelDefault
	s.active = false
}
