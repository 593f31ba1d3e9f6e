// Package models defines GORM data models and wire payloads for OpenFlock.
package models

import (
	"time"

	"gorm.io/gorm"
)

// AgentStatus is the lifecycle state reported by or inferred for an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusUnknown AgentStatus = "unknown"
)

// Agent is the registry row for one reporting process in the fleet.
// SourceID is the stable identity an agent presents in its handshake;
// a reconnect with the same SourceID takes over the previous socket.
type Agent struct {
	gorm.Model

	SourceID string `gorm:"uniqueIndex;not null" json:"source_id"`
	Hostname string `gorm:"index" json:"hostname"`
	OS       string `json:"os"`
	AgentVer string `json:"agent_ver"`

	// PublicAddr is the address the agent believes it is reachable on,
	// as reported in the heartbeat (may differ from the socket peer).
	PublicAddr string `json:"public_addr"`
	ConnAddr   string `json:"conn_addr"`

	Status   AgentStatus `gorm:"default:'unknown'" json:"status"`
	LastSeen time.Time   `json:"last_seen"`
	UptimeS  uint64      `json:"uptime_s"`
}
