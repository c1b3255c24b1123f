package models

import "time"

// ConnectionState is the state of the single device connection.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateScanning      ConnectionState = "scanning"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

// DeviceIdentity identifies a peripheral once it is known.
type DeviceIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DiscoveredDevice is a single scan result.
type DiscoveredDevice struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	RSSI        int    `json:"rssi"`
	Connectable bool   `json:"connectable"`
}

// Selector picks the peripheral a connect should target. DeviceID wins over
// NamePrefix when both are set.
type Selector struct {
	NamePrefix string `json:"namePrefix,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

// SessionInfo describes one DeviceSession: the active one, or the most
// recently ended one.
type SessionInfo struct {
	Device         *DeviceIdentity `json:"device,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	ConnectedAt    *time.Time      `json:"connectedAt,omitempty"`
	LastActivityAt *time.Time      `json:"lastActivityAt,omitempty"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	EndReason      string          `json:"endReason,omitempty"`
	FramesSent     uint64          `json:"framesSent"`
	FramesReceived uint64          `json:"framesReceived"`
}

// ConnectionSnapshot is the read-only view returned by get_connection_state.
type ConnectionSnapshot struct {
	State       ConnectionState `json:"state"`
	Session     *SessionInfo    `json:"session,omitempty"`
	LastSession *SessionInfo    `json:"lastSession,omitempty"`
	LastFault   string          `json:"lastFault,omitempty"`
	LastFaultAt *time.Time      `json:"lastFaultAt,omitempty"`
}
