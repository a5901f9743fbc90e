package models

import "time"

// ConnState is the lifecycle state of one live connection as tracked by the
// recovery manager. It is in-memory only, never persisted.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnOffline      ConnState = "offline"
)

// MaxReconnectAttempts bounds automatic reconnection. Past this, only an
// explicit manual retry restarts the cycle.
const MaxReconnectAttempts = 5

// ConnectionState tracks reconnection bookkeeping for one connection id.
type ConnectionState struct {
	ConnectionID  string    `json:"connection_id"`
	UserID        uint      `json:"user_id"`
	State         ConnState `json:"state"`
	RetryCount    int       `json:"retry_count"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastAttempt   time.Time `json:"last_attempt"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
