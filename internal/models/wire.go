package models

import "time"

// Wire payloads exchanged over the agent and viewer websockets.
// Everything on the wire is JSON, matching the HTTP surface.

// Handshake is the first message an agent sends after the socket opens.
type Handshake struct {
	SourceID string `json:"source_id"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	AgentVer string `json:"agent_ver"`
}

// Heartbeat is the periodic agent report: buffered measurement points plus
// side-channel state (status, processes, addressing, uptime).
type Heartbeat struct {
	SourceID string        `json:"source_id"`
	Hostname string        `json:"hostname"`
	Status   AgentStatus   `json:"status"`
	Points   []MetricPoint `json:"points"`
	LoadAvg  float64       `json:"load_avg"`
	Logs     []LogLine     `json:"logs,omitempty"`

	Processes  []ProcessInfo `json:"processes,omitempty"`
	PublicAddr string        `json:"public_addr,omitempty"`
	ConnAddr   string        `json:"conn_addr,omitempty"`
	UptimeS    uint64        `json:"uptime_s"`

	SentAt time.Time `json:"sent_at"`
}

// ProcessInfo is one row of the agent's top-N process snapshot.
type ProcessInfo struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPUPct float64 `json:"cpu_pct"`
	MemPct float32 `json:"mem_pct"`
}

// Control message types sent server → agent, driven by viewer presence.
const (
	ControlStartStream = "start_stream"
	ControlStopStream  = "stop_stream"
)

// Control is a server-to-agent command.
type Control struct {
	Type string `json:"type"`
}

// ViewerUpdate is the broadcast frame fanned out to every viewer of a
// source whenever a heartbeat arrives.
type ViewerUpdate struct {
	SourceID string        `json:"source_id"`
	Status   AgentStatus   `json:"status"`
	Points   []MetricPoint `json:"points"`
	LoadAvg  float64       `json:"load_avg"`
	SentAt   time.Time     `json:"sent_at"`
}
