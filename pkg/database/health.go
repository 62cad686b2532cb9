package database

import (
	"context"
	"time"
)

// HealthStatus is a point-in-time snapshot of connectivity and pool
// pressure for one butler's database handle, surfaced through the
// status tool.
type HealthStatus struct {
	Healthy      bool  `json:"healthy"`
	PingMs       int64 `json:"ping_ms"`
	OpenConns    int   `json:"open_conns"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
	WaitCount    int64 `json:"wait_count"`
	MaxOpenConns int   `json:"max_open_conns"`
}

// Health pings the database and reports pool statistics. A failed ping
// yields Healthy=false rather than an error: status callers report
// degraded state, they don't abort on it.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	if err := c.DB.PingContext(ctx); err != nil {
		return HealthStatus{Healthy: false, PingMs: time.Since(start).Milliseconds()}
	}

	stats := c.DB.Stats()
	return HealthStatus{
		Healthy:      true,
		PingMs:       time.Since(start).Milliseconds(),
		OpenConns:    stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		MaxOpenConns: stats.MaxOpenConnections,
	}
}
