package models

import "time"

// ConnectionState device session state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "Disconnected"
	StateConnecting   ConnectionState = "Connecting"
	StateConnected    ConnectionState = "Connected"
	StateReconnecting ConnectionState = "Reconnecting"
	StateOffline      ConnectionState = "Offline"
	StateError        ConnectionState = "Error"
)

// SessionInfo read-only snapshot of a device session.
type SessionInfo struct {
	DeviceID          string          `json:"device_id"`
	State             ConnectionState `json:"state"`
	SessionStartedAt  time.Time       `json:"session_started_at"`
	LastHealthCheckAt time.Time       `json:"last_health_check_at"`
	Healthy           bool            `json:"healthy"`
}

// StatusEvent is pushed on every state transition.
type StatusEvent struct {
	DeviceID string          `json:"device_id"`
	State    ConnectionState `json:"state"`
	Err      error           `json:"-"`
	At       time.Time       `json:"at"`
}
