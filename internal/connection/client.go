package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tick-relay/internal/stomp"
)

// Client represents a single WebSocket/STOMP session with the feed.
type Client interface {
	// Connect dials, performs the CONNECT handshake, and starts the read
	// and heartbeat loops. It fails unless a CONNECTED frame arrives
	// within the handshake timeout.
	Connect(ctx context.Context) error

	// Close sends DISCONNECT best-effort and closes the socket.
	Close() error

	// Send writes one frame, serialized behind a write mutex.
	Send(f stomp.Frame) error

	// Frames returns decoded non-heartbeat frames.
	Frames() <-chan stomp.Frame

	// Errors returns transport and staleness errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool

	// LastActivity returns when the last frame or heartbeat arrived.
	LastActivity() time.Time
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	frames chan stomp.Frame
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	connected bool
	lastRecv  time.Time
	closed    bool
}

// NewClient creates a new upstream session.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan stomp.Frame, cfg.FrameBufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the feed and performs the STOMP handshake.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	heartbeatMs := int(c.cfg.HeartbeatInterval / time.Millisecond)
	connect := stomp.Connect(c.cfg.DeviceID, c.cfg.ConnectionID, token, heartbeatMs)

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, stomp.Encode(connect)); err != nil {
		conn.Close()
		return fmt.Errorf("send connect: %w", err)
	}

	if err := awaitConnected(conn, c.cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastRecv = time.Now()
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("upstream connected", "url", c.cfg.URL)

	return nil
}

// awaitConnected reads until a CONNECTED frame or the deadline.
func awaitConnected(conn *websocket.Conn, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if stomp.IsHeartbeat(data) {
			continue
		}

		frame, err := stomp.Decode(data)
		if err != nil {
			return fmt.Errorf("%w: decode: %v", ErrHandshake, err)
		}

		switch frame.Command {
		case stomp.CmdConnected:
			return nil
		case stomp.CmdError:
			return fmt.Errorf("%w: server error: %s", ErrHandshake, frame.Body)
		default:
			return fmt.Errorf("%w: unexpected %s frame", ErrHandshake, frame.Command)
		}
	}
}

// Close gracefully closes the session.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		// DISCONNECT then close frame, both best-effort
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.TextMessage, stomp.Encode(stomp.Disconnect()))
		c.writeMu.Unlock()

		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

// Send writes one frame to the session.
func (c *client) Send(f stomp.Frame) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, stomp.Encode(f))
}

// Frames returns the decoded frame channel.
func (c *client) Frames() <-chan stomp.Frame {
	return c.frames
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRecv
}

// readLoop reads frames from the socket and forwards them.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		c.mu.Lock()
		c.lastRecv = time.Now()
		c.mu.Unlock()

		// Inbound keepalives only refresh the staleness clock
		if stomp.IsHeartbeat(data) {
			continue
		}

		frame, err := stomp.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		default:
			c.logger.Warn("frame buffer full, dropping frame", "command", frame.Command)
		}
	}
}

// heartbeatLoop sends keepalives and flags stale sessions. Any inbound
// traffic counts as liveness; silence for twice the heartbeat interval
// surfaces ErrStaleConnection.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, stomp.Heartbeat())
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send heartbeat", "error", err)
			}

			c.mu.RLock()
			lastRecv := c.lastRecv
			c.mu.RUnlock()

			if time.Since(lastRecv) > 2*c.cfg.HeartbeatInterval {
				c.logger.Warn("no inbound traffic, connection stale",
					"last_recv", lastRecv,
					"interval", c.cfg.HeartbeatInterval,
				)
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
