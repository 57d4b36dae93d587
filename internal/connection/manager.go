package connection

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tick-relay/internal/stomp"
)

// Manager orchestrates the upstream session: one live Client, the reconnect
// state machine, and subscription frame sends.
type Manager interface {
	// Start performs the initial connect and begins the run loop.
	Start(ctx context.Context) error

	// Stop gracefully shuts the connection down.
	Stop(ctx context.Context) error

	// Subscribe sends a SUBSCRIBE frame, fire-and-forget.
	Subscribe(id, destination string) error

	// Unsubscribe sends an UNSUBSCRIBE frame, fire-and-forget.
	Unsubscribe(id string) error

	// ForceReconnect requests an immediate reconnect. It supersedes an
	// in-flight backoff wait and resets a Failed connection.
	ForceReconnect()

	// State returns the current lifecycle state.
	State() State

	// Messages returns inbound MESSAGE frames tagged with subscription id.
	Messages() <-chan InboundMessage

	// Receipts returns receipt-ids from RECEIPT frames.
	Receipts() <-chan string

	// Stats returns a connection health snapshot.
	Stats() ManagerStats
}

// manager implements the Manager interface.
type manager struct {
	cfg     ManagerConfig
	restore RestoreSource
	logger  *slog.Logger

	// Replaceable for tests
	newClient func(ClientConfig, *slog.Logger) Client

	// Output channels
	out      chan InboundMessage
	receipts chan string

	// Reconnect trigger; buffered so ForceReconnect never blocks
	force chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesReceived atomic.Uint64

	mu             sync.RWMutex
	client         Client
	state          State
	connectedAt    time.Time
	disconnectedAt time.Time
	reconnectCount int
	connSeq        int
}

// NewManager creates a connection manager. restore may be nil when there is
// nothing to replay after reconnects.
func NewManager(cfg ManagerConfig, restore RestoreSource, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &manager{
		cfg:       cfg,
		restore:   restore,
		logger:    logger,
		newClient: NewClient,
		out:       make(chan InboundMessage, cfg.MessageBufferSize),
		receipts:  make(chan string, 100),
		force:     make(chan struct{}, 1),
		state:     StateDisconnected,
	}
}

// Start connects and begins the run loop.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.setState(StateConnecting)
	if err := m.connectOnce(); err != nil {
		m.logger.Warn("initial connect failed, entering reconnect", "error", err)
		m.mu.Lock()
		if m.disconnectedAt.IsZero() {
			m.disconnectedAt = time.Now()
		}
		m.mu.Unlock()
		m.setState(StateReconnecting)
		m.ForceReconnect()
	}

	m.wg.Add(1)
	go m.run()

	m.logger.Info("connection manager started", "url", m.cfg.Client.URL)
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.mu.Lock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	close(m.out)
	close(m.receipts)

	m.logger.Info("connection manager stopped")
	return nil
}

// Subscribe sends a SUBSCRIBE frame on the live session.
func (m *manager) Subscribe(id, destination string) error {
	client := m.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	return client.Send(stomp.Subscribe(id, destination))
}

// Unsubscribe sends an UNSUBSCRIBE frame on the live session.
func (m *manager) Unsubscribe(id string) error {
	client := m.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	return client.Send(stomp.Unsubscribe(id))
}

// ForceReconnect requests an immediate reconnect.
func (m *manager) ForceReconnect() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (m *manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Messages returns the inbound message channel.
func (m *manager) Messages() <-chan InboundMessage {
	return m.out
}

// Receipts returns the receipt-id channel.
func (m *manager) Receipts() <-chan string {
	return m.receipts
}

// Stats returns a snapshot of connection health.
func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ManagerStats{
		State:          m.state,
		ConnectedAt:    m.connectedAt,
		DisconnectedAt: m.disconnectedAt,
		ReconnectCount: m.reconnectCount,
		FramesReceived: m.framesReceived.Load(),
	}
	if m.client != nil {
		stats.LastHeartbeat = m.client.LastActivity()
	}
	return stats
}

// run is the manager's single event loop. It is the only goroutine that
// replaces the client, so reconnects never race each other.
func (m *manager) run() {
	defer m.wg.Done()

	for {
		client := m.currentClient()

		// Nil channels block forever, so a Failed manager only wakes on
		// cancellation or a forced reconnect.
		var frames <-chan stomp.Frame
		var errs <-chan error
		if client != nil {
			frames = client.Frames()
			errs = client.Errors()
		}

		select {
		case <-m.ctx.Done():
			return

		case <-m.force:
			m.logger.Info("reconnect requested")
			m.reconnect()

		case err := <-errs:
			m.logger.Warn("upstream connection error", "error", err)
			m.reconnect()

		case f := <-frames:
			m.handleFrame(f)
		}
	}
}

// handleFrame routes one decoded frame.
func (m *manager) handleFrame(f stomp.Frame) {
	m.framesReceived.Add(1)

	switch f.Command {
	case stomp.CmdMessage:
		msg := InboundMessage{
			SubscriptionID: f.Header(stomp.HdrSubscription),
			Destination:    f.Header(stomp.HdrDestination),
			Body:           []byte(f.Body),
			ReceivedAt:     time.Now(),
		}
		select {
		case m.out <- msg:
		default:
			m.logger.Warn("message buffer full, dropping",
				"subscription", msg.SubscriptionID,
			)
		}

	case stomp.CmdReceipt:
		select {
		case m.receipts <- f.Header(stomp.HdrReceiptID):
		default:
			m.logger.Warn("receipt buffer full, dropping receipt")
		}

	case stomp.CmdError:
		m.logger.Error("upstream ERROR frame", "body", f.Body)

	default:
		m.logger.Debug("ignoring frame", "command", f.Command)
	}
}

// connectOnce creates a fresh client, connects it, and replays restorable
// subscriptions before reporting Connected.
func (m *manager) connectOnce() error {
	cfg := m.cfg.Client
	cfg.ConnectionID = uuid.NewString() // fresh id per session

	m.mu.Lock()
	m.connSeq++
	seq := m.connSeq
	m.mu.Unlock()

	client := m.newClient(cfg, m.logger.With("conn_seq", seq))
	if err := client.Connect(m.ctx); err != nil {
		return err
	}

	if m.restore != nil {
		entries := m.restore.Restorable()
		for _, e := range entries {
			if err := client.Send(stomp.Subscribe(e.ID, e.Destination)); err != nil {
				client.Close()
				return err
			}
		}
		if len(entries) > 0 {
			m.logger.Info("replayed subscriptions", "count", len(entries))
		}
	}

	m.mu.Lock()
	m.client = client
	m.state = StateConnected
	m.connectedAt = time.Now()
	m.mu.Unlock()

	return nil
}

// reconnect replaces the session with exponential backoff. A newer forced
// reconnect during the backoff wait supersedes this attempt sequence.
func (m *manager) reconnect() {
	m.mu.Lock()
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	if m.state == StateConnected || m.disconnectedAt.IsZero() {
		m.disconnectedAt = time.Now()
	}
	m.state = StateReconnecting
	m.mu.Unlock()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max", m.cfg.MaxReconnectAttempts,
		)

		if err := m.connectOnce(); err == nil {
			m.mu.Lock()
			m.reconnectCount++
			m.mu.Unlock()
			m.logger.Info("reconnected", "attempt", attempt)
			return
		} else {
			m.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
		}

		if attempt == m.cfg.MaxReconnectAttempts {
			break
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.force:
			// Superseded: restart the attempt sequence immediately.
			m.logger.Info("reconnect superseded by newer request")
			attempt = 0
		case <-time.After(m.backoffDelay(attempt)):
		}
	}

	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()

	m.logger.Error("max reconnect attempts exceeded, connection failed",
		"attempts", m.cfg.MaxReconnectAttempts,
	)
}

// backoffDelay returns the wait after the given failed attempt, capped.
func (m *manager) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(m.cfg.ReconnectBaseDelay) *
		math.Pow(m.cfg.ReconnectMultiplier, float64(attempt-1)))
	if d <= 0 || d > m.cfg.ReconnectMaxDelay {
		d = m.cfg.ReconnectMaxDelay
	}
	return d
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// currentClient returns the live client, or nil when not connected.
func (m *manager) currentClient() Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.client
}
