package txkit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// SynchronizationMode controls when lifecycle callbacks are activated
type SynchronizationMode int

const (
	// SynchronizeAlways activates synchronization even for scopes without a
	// physical transaction (Supports, NotSupported, Never)
	SynchronizeAlways SynchronizationMode = iota
	// SynchronizeOnActualTransaction activates synchronization only for
	// physical transactions
	SynchronizeOnActualTransaction
	// SynchronizeNever never activates synchronization
	SynchronizeNever
)

// defaultResourceKey is the registry key connections are bound under
type defaultResourceKey struct{}

// ManagerConfig holds transaction manager policy
type ManagerConfig struct {
	// Binding
	ResourceKey any // Registry key for the bound connection (default: package private key)

	// Policy
	DefaultTimeout                       int                 // Seconds; TimeoutDefault means none (default: -1)
	Synchronization                      SynchronizationMode // When callbacks are active (default: SynchronizeAlways)
	NestedTransactionAllowed             bool                // Allow Nested propagation (default: true)
	GlobalRollbackOnParticipationFailure bool                // Failed participant marks the whole transaction rollback-only (default: true)
	FailEarlyOnGlobalRollbackOnly        bool                // Raise UnexpectedRollback as soon as a participant sees a rollback-only mark
	CommitOnGlobalRollbackOnly           bool                // Commit even when a participant marked the transaction rollback-only
	ValidateExistingTransaction          bool                // Reject joining with incompatible isolation/read-only settings

	// Entity layer
	AutoFlush bool    // Call Flusher before every physical commit
	Flusher   Flusher // Pending-changes callback (optional)

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogTransactions bool                  // Log every completed transaction
	SlowTransaction time.Duration         // Warn about transactions slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ResourceKey:                          defaultResourceKey{},
		DefaultTimeout:                       TimeoutDefault,
		Synchronization:                      SynchronizeAlways,
		NestedTransactionAllowed:             true,
		GlobalRollbackOnParticipationFailure: true,
	}
}

// applyDefaults fills in zero values with defaults
func (c *ManagerConfig) applyDefaults() {
	if c.ResourceKey == nil {
		c.ResourceKey = defaultResourceKey{}
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = TimeoutDefault
	}
}

type managerRules struct {
	DefaultTimeout  int `validate:"gte=-1"`
	Synchronization int `validate:"gte=0,lte=2"`
}

func (c ManagerConfig) validate() error {
	rules := managerRules{DefaultTimeout: c.DefaultTimeout, Synchronization: int(c.Synchronization)}
	if err := validate.Struct(rules); err != nil {
		if c.DefaultTimeout < TimeoutDefault {
			return &Error{
				Code:    CodeInvalidTimeout,
				Op:      "NewManager",
				Message: fmt.Sprintf("invalid default timeout %d", c.DefaultTimeout),
			}
		}
		return &Error{Code: CodeInvalidDefinition, Op: "NewManager", Message: "invalid manager configuration", Cause: err}
	}
	return nil
}

// WithLogger enables transaction logging
func (c ManagerConfig) WithLogger(logger *slog.Logger) ManagerConfig {
	c.Logger = logger
	c.LogTransactions = true
	return c
}

// WithSlowTransactionLog warns about transactions slower than the threshold
func (c ManagerConfig) WithSlowTransactionLog(threshold time.Duration) ManagerConfig {
	c.SlowTransaction = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c ManagerConfig) WithMetrics(registry prometheus.Registerer) ManagerConfig {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c ManagerConfig) WithTracing(tracer trace.Tracer) ManagerConfig {
	c.Tracer = tracer
	return c
}

// WithFlusher flushes pending entity changes before every physical commit
func (c ManagerConfig) WithFlusher(f Flusher) ManagerConfig {
	c.Flusher = f
	c.AutoFlush = f != nil
	return c
}

// Config holds database and transaction configuration for Kit
type Config struct {
	// Connection
	URL string // PostgreSQL connection string (required)

	// Pool settings
	MaxOpenConns    int           // Max open connections (default: 25)
	MaxIdleConns    int           // Max idle connections (default: 5)
	ConnMaxLifetime time.Duration // Max connection lifetime (default: 5m)
	ConnMaxIdleTime time.Duration // Max idle time (default: 1m)

	// Timeouts
	DialTimeout  time.Duration // Connection dial timeout (default: 5s)
	ReadTimeout  time.Duration // Read timeout (default: 30s)
	WriteTimeout time.Duration // Write timeout (default: 30s)

	// Transactions
	Manager ManagerConfig

	// Observability (all optional, copied into Manager when unset there)
	Logger          *slog.Logger
	MetricsRegistry prometheus.Registerer
	Tracer          trace.Tracer
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		Manager:         DefaultManagerConfig(),
	}
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 1 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Manager.Logger == nil {
		c.Manager.Logger = c.Logger
	}
	if c.Manager.MetricsRegistry == nil {
		c.Manager.MetricsRegistry = c.MetricsRegistry
	}
	if c.Manager.Tracer == nil {
		c.Manager.Tracer = c.Tracer
	}
	c.Manager.applyDefaults()
}

// WithLogger enables transaction logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.Manager = c.Manager.WithLogger(logger)
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}
