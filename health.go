package txkit

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus represents the database health status
type HealthStatus struct {
	Healthy     bool             `json:"healthy"`
	Latency     time.Duration    `json:"latency"`
	Error       string           `json:"error,omitempty"`
	PoolStats   PoolStats        `json:"pool_stats"`
	Transaction *TransactionInfo `json:"transaction,omitempty"`
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed  int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
}

// TransactionInfo describes the transaction bound to the checked context
type TransactionInfo struct {
	Name            string `json:"name,omitempty"`
	Active          bool   `json:"active"`
	ReadOnly        bool   `json:"read_only"`
	Isolation       string `json:"isolation"`
	Synchronization bool   `json:"synchronization"`

	// Bound connection, when one is held by the scope
	HolderRefs int           `json:"holder_refs,omitempty"`
	TimeToLive time.Duration `json:"time_to_live,omitempty"`
	Expired    bool          `json:"expired,omitempty"`
}

// Health performs a health check with detailed status. When ctx carries a
// transaction scope the ambient transaction attributes are reported as well.
func (k *Kit) Health(ctx context.Context) HealthStatus {
	start := time.Now()

	err := k.Ping(ctx)
	latency := time.Since(start)

	status := HealthStatus{
		Healthy:     err == nil,
		Latency:     latency,
		PoolStats:   PoolStatsFromSQL(k.Stats()),
		Transaction: k.TransactionInfo(ctx),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// IsHealthy returns true if the database is reachable
func (k *Kit) IsHealthy(ctx context.Context) bool {
	return k.Ping(ctx) == nil
}

// TransactionInfo returns the ambient transaction attributes of ctx, nil
// without a transaction scope
func (k *Kit) TransactionInfo(ctx context.Context) *TransactionInfo {
	r := k.registry
	if !r.HasScope(ctx) {
		return nil
	}
	info := &TransactionInfo{
		Name:            r.CurrentTransactionName(ctx),
		Active:          r.IsActualTransactionActive(ctx),
		ReadOnly:        r.IsCurrentTransactionReadOnly(ctx),
		Isolation:       r.CurrentTransactionIsolationLevel(ctx).String(),
		Synchronization: r.IsSynchronizationActive(ctx),
	}
	if v, ok := r.GetResource(ctx, k.manager.config.ResourceKey); ok {
		if h, ok := v.(*ResourceHolder); ok {
			info.HolderRefs = h.RefCount()
			if h.HasTimeout() {
				// read the deadline directly; TimeToLive would mark the holder rollback-only
				info.TimeToLive = max(h.Deadline().Sub(h.now()), 0)
				info.Expired = info.TimeToLive == 0
			}
		}
	}
	return info
}

// PoolStatsFromSQL converts sql.DBStats to PoolStats
func PoolStatsFromSQL(stats sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxIdleTimeClosed:  stats.MaxIdleTimeClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}
