package connection

import (
	"errors"
	"time"

	"github.com/rickgao/tick-relay/internal/auth"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound traffic)")
	ErrHandshake       = errors.New("handshake failed")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrFailed          = errors.New("connection failed (max reconnect attempts exceeded)")
)

// State is the upstream connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// InboundMessage is a decoded MESSAGE frame handed to the worker bridge,
// tagged with the subscription it arrived on.
type InboundMessage struct {
	SubscriptionID string    // Value of the frame's subscription header
	Destination    string    // Topic destination, when present
	Body           []byte    // Raw frame body (vendor JSON)
	ReceivedAt     time.Time // Local timestamp when the frame was read
}

// RestoreEntry names one subscription to replay after a reconnect.
type RestoreEntry struct {
	ID          string
	Destination string
}

// RestoreSource provides the subscriptions that must be replayed before a
// reconnected session reports Connected.
type RestoreSource interface {
	Restorable() []RestoreEntry
}

// ClientConfig configures a single WebSocket/STOMP session.
type ClientConfig struct {
	URL               string           // WebSocket URL of the feed
	DeviceID          string           // CONNECT device-id header
	ConnectionID      string           // CONNECT connection-id header
	Tokens            auth.TokenSource // Bearer token for the handshake
	HandshakeTimeout  time.Duration    // Max wait for the CONNECTED frame
	WriteTimeout      time.Duration    // Write deadline for sends
	HeartbeatInterval time.Duration    // Outbound keepalive cadence; 2x silence is stale
	FrameBufferSize   int              // Frames channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		FrameBufferSize:   10000,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	Client               ClientConfig
	ReconnectBaseDelay   time.Duration // First backoff delay
	ReconnectMaxDelay    time.Duration // Backoff cap
	ReconnectMultiplier  float64       // Growth factor per failed attempt
	MaxReconnectAttempts int           // Attempts before the Failed terminal state
	MessageBufferSize    int           // Output channel buffer size
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:               DefaultClientConfig(),
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		ReconnectMultiplier:  2.0,
		MaxReconnectAttempts: 10,
		MessageBufferSize:    10000,
	}
}

// ManagerStats is a snapshot of connection health.
type ManagerStats struct {
	State          State
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	LastHeartbeat  time.Time
	ReconnectCount int
	FramesReceived uint64
}
