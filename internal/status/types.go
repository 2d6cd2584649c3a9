// Package status provides the bridge's local HTTP status endpoint.
//
// Architecture:
//   - Collector gathers process and host metrics
//   - Server exposes liveness, live inspection of the gateway, a JSON
//     status document and Prometheus metrics
package status

import (
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/bridge"
	"github.com/aceteam-ai/envoy-bridge/internal/envoy"
)

// StatusVersion is the schema version of the /status document.
const StatusVersion = "1.0"

// BridgeStatus represents the complete status returned from /status.
type BridgeStatus struct {
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Build     string                 `json:"build,omitempty"`
	Healthy   bool                   `json:"healthy"`
	Bridge    *bridge.Snapshot       `json:"bridge,omitempty"`
	Session   *envoy.SessionSnapshot `json:"session,omitempty"`
	Process   ProcessMetrics         `json:"process"`
	Host      HostInfo               `json:"host"`
}

// ProcessMetrics contains resource usage of the bridge process.
type ProcessMetrics struct {
	PID           int32   `json:"pid"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	RSSMB         float64 `json:"rss_mb"`
	Threads       int32   `json:"threads,omitempty"`
	Goroutines    int     `json:"goroutines"`
}

// HostInfo identifies the machine the bridge runs on.
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	MemoryPercent float64 `json:"memory_percent"`
}

// InspectResponse is the body of /inspect: raw gateway documents.
type InspectResponse struct {
	Production any `json:"production"`
	Inverters  any `json:"inverters"`
}
