package model

import "time"

// GatewayStatus is the liveness classification of a gateway.
type GatewayStatus string

const (
	GatewayActive GatewayStatus = "active"
	GatewayStale  GatewayStatus = "stale"
)

// GatewayStats are the rolling counters a gateway self-reports in heartbeats.
type GatewayStats struct {
	RequestsTotal     uint64 `json:"requests_total"`
	RequestsPerMinute uint64 `json:"requests_per_minute"`
	ActiveAgents      int    `json:"active_agents"`
}

// GatewayRecord tracks one gateway known to the relayer. Records are created
// on first heartbeat and never deleted; a gateway that goes quiet is marked
// stale for accountability, not removed.
type GatewayRecord struct {
	GatewayID       string        `json:"gateway_id"`
	DeclaredVersion string        `json:"declared_version"`
	Status          GatewayStatus `json:"status"`
	Stats           GatewayStats  `json:"stats"`
	UptimeSeconds   uint64        `json:"uptime_seconds"`
	FirstSeenAt     time.Time     `json:"first_seen_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
}
