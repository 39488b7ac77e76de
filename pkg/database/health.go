package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the database entry of the service health payload: the
// ping round-trip plus a snapshot of the connection pool at that
// moment.
type PoolHealth struct {
	Status     string `json:"status"`
	PingMillis int64  `json:"ping_ms"`
	Open       int    `json:"open_connections"`
	InUse      int    `json:"in_use"`
	Idle       int    `json:"idle"`
	WaitCount  int64  `json:"wait_count"`
	WaitMillis int64  `json:"wait_ms"`
	MaxOpen    int    `json:"max_open_conns"`
}

// Health pings the database under the caller's deadline. A PoolHealth
// is returned even when the ping fails, so the health endpoint can
// report how long the failed attempt took.
func Health(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &PoolHealth{
			Status:     "unhealthy",
			PingMillis: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &PoolHealth{
		Status:     "healthy",
		PingMillis: time.Since(start).Milliseconds(),
		Open:       stats.OpenConnections,
		InUse:      stats.InUse,
		Idle:       stats.Idle,
		WaitCount:  stats.WaitCount,
		WaitMillis: stats.WaitDuration.Milliseconds(),
		MaxOpen:    stats.MaxOpenConnections,
	}, nil
}
