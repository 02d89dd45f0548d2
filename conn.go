package txkit

import (
	"context"
	"log/slog"

	"github.com/fernandezvara/txkit/txsync"
)

// ConnFunc receives the connection bound to the current scope
type ConnFunc func(ctx context.Context, conn Conn) error

// WithConn runs fn with the connection bound to ctx. Without a bound
// connection one is acquired; inside an active synchronization scope it is
// bound until the scope completes, so later calls in that scope share it.
func (m *Manager) WithConn(ctx context.Context, fn ConnFunc) error {
	holder, err := m.getConn(ctx)
	if err != nil {
		return err
	}
	ferr := fn(ctx, holder.Conn())
	if rerr := m.releaseConn(ctx, holder); rerr != nil {
		if ferr != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "could not release connection",
				slog.String("error", rerr.Error()))
			return ferr
		}
		return rerr
	}
	return ferr
}

func (m *Manager) getConn(ctx context.Context) (*ResourceHolder, error) {
	key := m.config.ResourceKey
	if v, ok := m.registry.GetResource(ctx, key); ok {
		if h, ok := v.(*ResourceHolder); ok && h.HasConn() {
			h.Retain()
			return h, nil
		}
	}

	conn, err := m.provider.Acquire(ctx)
	if err != nil {
		return nil, wrapError(err, "WithConn", "could not acquire connection")
	}
	holder := NewResourceHolder(conn)
	holder.Retain()

	if m.registry.IsSynchronizationActive(ctx) {
		cs := &connSync{manager: m, key: key, holder: holder, active: true}
		if err := m.registry.RegisterSynchronization(ctx, cs); err != nil {
			return holder, nil
		}
		holder.SetSynchronizedWithTransaction(true)
		if err := m.registry.BindResource(ctx, key, holder); err != nil {
			cs.active = false
			return holder, nil
		}
		// the scope keeps its own reference until completion
		holder.Retain()
	}
	return holder, nil
}

func (m *Manager) releaseConn(ctx context.Context, holder *ResourceHolder) error {
	if v, ok := m.registry.GetResource(ctx, m.config.ResourceKey); ok && v == holder {
		holder.Release()
		return nil
	}
	holder.Release()
	if holder.IsOpen() || holder.IsSynchronizedWithTransaction() {
		// released by the scope synchronization at completion
		return nil
	}
	conn := holder.handle
	holder.detach()
	if conn == nil {
		return nil
	}
	return wrapError(m.provider.Release(ctx, conn), "WithConn", "could not release connection")
}

// connSync keeps a connection acquired inside a scope without a physical
// transaction bound until that scope completes
type connSync struct {
	txsync.SynchronizationAdapter
	manager *Manager
	key     any
	holder  *ResourceHolder
	active  bool
}

func (s *connSync) Suspend(ctx context.Context) error {
	if s.active {
		s.manager.registry.UnbindResourceIfPresent(ctx, s.key)
	}
	return nil
}

func (s *connSync) Resume(ctx context.Context) error {
	if s.active {
		return s.manager.registry.BindResource(ctx, s.key, s.holder)
	}
	return nil
}

func (s *connSync) AfterCompletion(ctx context.Context, _ txsync.CompletionStatus) error {
	if s.active {
		s.manager.registry.UnbindResourceIfPresent(ctx, s.key)
		s.active = false
	}
	conn := s.holder.handle
	s.holder.reset()
	s.holder.detach()
	if conn == nil {
		return nil
	}
	return s.manager.provider.Release(ctx, conn)
}
