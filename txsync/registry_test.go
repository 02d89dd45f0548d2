package txsync

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSync struct {
	SynchronizationAdapter
	name   string
	events *[]string
	err    error
}

func (s *recordingSync) BeforeCommit(_ context.Context, _ bool) error {
	*s.events = append(*s.events, s.name+":beforeCommit")
	return s.err
}

func (s *recordingSync) BeforeCompletion(context.Context) error {
	*s.events = append(*s.events, s.name+":beforeCompletion")
	return s.err
}

func (s *recordingSync) AfterCommit(context.Context) error {
	*s.events = append(*s.events, s.name+":afterCommit")
	return s.err
}

func (s *recordingSync) AfterCompletion(_ context.Context, status CompletionStatus) error {
	*s.events = append(*s.events, s.name+":afterCompletion:"+status.String())
	return s.err
}

func newScope(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	r := NewRegistry(nil)
	return r, r.NewContext(context.Background())
}

func TestRegistry_BindUnbind(t *testing.T) {
	r, ctx := newScope(t)

	require.NoError(t, r.BindResource(ctx, "db", 1))
	assert.ErrorIs(t, r.BindResource(ctx, "db", 2), ErrAlreadyBound)

	v, ok := r.GetResource(ctx, "db")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, err := r.UnbindResource(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = r.UnbindResource(ctx, "db")
	assert.ErrorIs(t, err, ErrNotBound)
	assert.Nil(t, r.UnbindResourceIfPresent(ctx, "db"))
}

func TestRegistry_ScopesAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	a := r.NewContext(context.Background())
	b := r.NewContext(context.Background())

	require.NoError(t, r.BindResource(a, "db", "a"))
	assert.False(t, r.HasResource(b, "db"))

	other := NewRegistry(nil)
	assert.False(t, other.HasScope(a), "registries must not share scopes")
}

func TestRegistry_NoScope(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	assert.ErrorIs(t, r.BindResource(ctx, "db", 1), ErrNoScope)
	assert.ErrorIs(t, r.InitSynchronization(ctx), ErrNoScope)
	assert.False(t, r.IsSynchronizationActive(ctx))
	assert.Empty(t, r.ResourceMap(ctx))
}

func TestRegistry_SynchronizationLifecycle(t *testing.T) {
	r, ctx := newScope(t)
	events := []string{}
	s := &recordingSync{name: "a", events: &events}

	assert.ErrorIs(t, r.RegisterSynchronization(ctx, s), ErrSyncNotActive)
	assert.ErrorIs(t, r.ClearSynchronization(ctx), ErrSyncNotActive)

	require.NoError(t, r.InitSynchronization(ctx))
	assert.ErrorIs(t, r.InitSynchronization(ctx), ErrSyncActive)

	require.NoError(t, r.RegisterSynchronization(ctx, s))
	require.NoError(t, r.RegisterSynchronization(ctx, s))
	syncs, err := r.Synchronizations(ctx)
	require.NoError(t, err)
	assert.Len(t, syncs, 1, "same instance registered twice must be kept once")

	require.NoError(t, r.ClearSynchronization(ctx))
	assert.False(t, r.IsSynchronizationActive(ctx))
}

func TestRegistry_TriggerOrder(t *testing.T) {
	r, ctx := newScope(t)
	events := []string{}
	require.NoError(t, r.InitSynchronization(ctx))
	require.NoError(t, r.RegisterSynchronization(ctx, &recordingSync{name: "a", events: &events}))
	require.NoError(t, r.RegisterSynchronization(ctx, &recordingSync{name: "b", events: &events}))

	require.NoError(t, r.TriggerBeforeCommit(ctx, false))
	r.TriggerBeforeCompletion(ctx)
	require.NoError(t, r.TriggerAfterCommit(ctx))
	r.TriggerAfterCompletion(ctx, StatusCommitted)

	assert.Equal(t, []string{
		"a:beforeCommit", "b:beforeCommit",
		"a:beforeCompletion", "b:beforeCompletion",
		"a:afterCommit", "b:afterCommit",
		"a:afterCompletion:committed", "b:afterCompletion:committed",
	}, events)
}

func TestRegistry_CompletionErrorsAreSwallowed(t *testing.T) {
	r, ctx := newScope(t)
	events := []string{}
	boom := errors.New("boom")
	require.NoError(t, r.InitSynchronization(ctx))
	require.NoError(t, r.RegisterSynchronization(ctx, &recordingSync{name: "a", events: &events, err: boom}))
	require.NoError(t, r.RegisterSynchronization(ctx, &recordingSync{name: "b", events: &events}))

	r.TriggerBeforeCompletion(ctx)
	r.TriggerAfterCompletion(ctx, StatusRolledBack)
	assert.Equal(t, []string{
		"a:beforeCompletion", "b:beforeCompletion",
		"a:afterCompletion:rolled_back", "b:afterCompletion:rolled_back",
	}, events)

	events = events[:0]
	assert.ErrorIs(t, r.TriggerBeforeCommit(ctx, false), boom)
	assert.Equal(t, []string{"a:beforeCommit"}, events, "beforeCommit failure must stop the fan-out")
}

func TestRegistry_AmbientAttributes(t *testing.T) {
	r, ctx := newScope(t)

	r.SetCurrentTransactionName(ctx, "outer")
	r.SetCurrentTransactionReadOnly(ctx, true)
	r.SetCurrentTransactionIsolationLevel(ctx, sql.LevelSerializable)
	r.SetActualTransactionActive(ctx, true)

	assert.Equal(t, "outer", r.CurrentTransactionName(ctx))
	assert.True(t, r.IsCurrentTransactionReadOnly(ctx))
	assert.Equal(t, sql.LevelSerializable, r.CurrentTransactionIsolationLevel(ctx))
	assert.True(t, r.IsActualTransactionActive(ctx))

	require.NoError(t, r.BindResource(ctx, "db", 1))
	r.Clear(ctx)
	assert.Equal(t, "", r.CurrentTransactionName(ctx))
	assert.False(t, r.IsCurrentTransactionReadOnly(ctx))
	assert.Equal(t, sql.LevelDefault, r.CurrentTransactionIsolationLevel(ctx))
	assert.False(t, r.IsActualTransactionActive(ctx))
	assert.True(t, r.HasResource(ctx, "db"), "Clear keeps bound resources")
}

type funcSync struct {
	SynchronizationAdapter
	fn func()
}

func TestRegistry_NonComparableSynchronization(t *testing.T) {
	r, ctx := newScope(t)
	require.NoError(t, r.InitSynchronization(ctx))

	// funcSync values hold a func and are not comparable; registering must not panic
	require.NoError(t, r.RegisterSynchronization(ctx, funcSync{fn: func() {}}))
	require.NoError(t, r.RegisterSynchronization(ctx, funcSync{fn: func() {}}))
	syncs, err := r.Synchronizations(ctx)
	require.NoError(t, err)
	assert.Len(t, syncs, 2)
}
