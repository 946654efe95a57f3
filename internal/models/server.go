package models

import "time"

// ServerRegistration is the idempotent upsert payload sent when the agent
// registers with the control plane.
type ServerRegistration struct {
	ServerID     string         `json:"server_id"`
	Region       string         `json:"region"`
	Version      string         `json:"version"`
	IPAddress    string         `json:"ip_address"`
	Port         int            `json:"port"`
	Capabilities map[string]any `json:"capabilities"`
}

// HeartbeatData is the periodic liveness report for a registered agent.
type HeartbeatData struct {
	Status  string         `json:"status"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// ComponentHealth describes one dependency's reachability.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthStatus is the aggregate health snapshot served on /health and
// embedded in heartbeats.
type HealthStatus struct {
	Status                string                     `json:"status"`
	Timestamp             time.Time                  `json:"timestamp"`
	Version               string                     `json:"version"`
	UptimeSeconds         int64                      `json:"uptime_seconds"`
	RedisConnected        bool                       `json:"redis_connected"`
	ControlPlaneConnected bool                       `json:"control_plane_connected"`
	ServerRegistered      bool                       `json:"server_registered"`
	Components            map[string]ComponentHealth `json:"components"`
}

// MetricsData is the JSON metrics snapshot served on /metrics/json.
type MetricsData struct {
	ServerID         string           `json:"server_id"`
	Timestamp        time.Time        `json:"timestamp"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	QueueMetrics     map[string]int64 `json:"queue_metrics"`
	ConnectionStatus map[string]bool  `json:"connection_status"`
	ServerInfo       ServerInfo       `json:"server_info"`
}

// ServerInfo identifies the agent in metrics snapshots.
type ServerInfo struct {
	Version    string `json:"version"`
	Region     string `json:"region"`
	Registered bool   `json:"registered"`
}
