package txkit

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/fernandezvara/txkit/txsync"
)

// Kit wraps bun.DB with a transaction manager bound to it
type Kit struct {
	*bun.DB
	config   Config
	registry *txsync.Registry
	manager  *Manager
}

// New creates a new database connection with the given configuration
func New(cfg Config) (*Kit, error) {
	// Apply defaults for zero values
	cfg.applyDefaults()

	if cfg.URL == "" {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "database URL is required",
			Op:      "New",
		}
	}

	// Create pgdriver connector with timeouts
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.URL),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
		pgdriver.WithReadTimeout(cfg.ReadTimeout),
		pgdriver.WithWriteTimeout(cfg.WriteTimeout),
	)

	// Open sql.DB
	sqlDB := sql.OpenDB(connector)

	// Configure pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	bunDB := bun.NewDB(sqlDB, pgdialect.New())

	kit, err := NewWithDB(bunDB, cfg)
	if err != nil {
		_ = bunDB.Close()
		return nil, err
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := bunDB.PingContext(ctx); err != nil {
		_ = bunDB.Close()
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to connect to database",
			Op:      "New",
			Cause:   err,
		}
	}

	return kit, nil
}

// NewWithDB wires a registry and manager around an already opened bun.DB
func NewWithDB(db *bun.DB, cfg Config) (*Kit, error) {
	cfg.applyDefaults()
	registry := txsync.NewRegistry(cfg.Manager.Logger)
	manager, err := NewManager(NewBunProvider(db), registry, cfg.Manager)
	if err != nil {
		return nil, err
	}
	return &Kit{
		DB:       db,
		config:   cfg,
		registry: registry,
		manager:  manager,
	}, nil
}

// Close closes the database connection
func (k *Kit) Close() error {
	return k.DB.Close()
}

// Ping verifies the database connection is alive
func (k *Kit) Ping(ctx context.Context) error {
	if err := k.PingContext(ctx); err != nil {
		return wrapError(err, "Ping", "ping failed")
	}
	return nil
}

// Stats returns connection pool statistics
func (k *Kit) Stats() sql.DBStats {
	return k.DB.Stats()
}

// Bun returns the underlying bun.DB for direct access
func (k *Kit) Bun() *bun.DB {
	return k.DB
}

// Config returns the current configuration
func (k *Kit) Config() Config {
	return k.config
}

// Manager returns the transaction manager
func (k *Kit) Manager() *Manager {
	return k.manager
}

// Registry returns the registry connections are bound through
func (k *Kit) Registry() *txsync.Registry {
	return k.registry
}

// NewContext returns a child context carrying a fresh transaction scope
func (k *Kit) NewContext(ctx context.Context) context.Context {
	return k.registry.NewContext(ctx)
}

// IDB returns the transaction or connection bound to ctx, falling back to
// the pool when nothing is bound
func (k *Kit) IDB(ctx context.Context) IDB {
	if v, ok := k.registry.GetResource(ctx, k.manager.config.ResourceKey); ok {
		if h, ok := v.(*ResourceHolder); ok && h.HasConn() {
			if bc, ok := h.Conn().(*BunConn); ok {
				return bc.IDB()
			}
		}
	}
	return k.DB
}

// WithDB runs fn with the database handle of the current scope. Outside a
// transaction a dedicated connection is used for the whole call.
func (k *Kit) WithDB(ctx context.Context, fn func(ctx context.Context, db IDB) error) error {
	return k.manager.WithConn(ctx, func(ctx context.Context, conn Conn) error {
		bc, ok := conn.(*BunConn)
		if !ok {
			return newError(CodeUsage, "WithDB", "connection is not a bun connection")
		}
		return fn(ctx, bc.IDB())
	})
}

// IDB is the interface for both DB and Tx to enable function reuse
type IDB interface {
	bun.IDB
}

// Ensure Kit implements IDB
var _ IDB = (*Kit)(nil)
