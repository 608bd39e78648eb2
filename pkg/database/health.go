package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// HealthStatus describes the database connection state.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	OpenConns int    `json:"open_conns"`
	Error     string `json:"error,omitempty"`
}

// Health pings the database and reports pool statistics.
func Health(ctx context.Context, db *sqlx.DB) (HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	status := HealthStatus{
		Reachable: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		OpenConns: db.Stats().OpenConnections,
	}
	if err != nil {
		status.Error = err.Error()
		return status, err
	}
	return status, nil
}
