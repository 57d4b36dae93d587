package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Tick Types
// -----------------------------------------------------------------------------

// Tick is one decoded real-time update for a symbol. Ticks are immutable;
// the next tick for the same symbol supersedes this one, never merges with it.
type Tick struct {
	Symbol     string          // Market symbol (e.g., "A005930")
	Payload    json.RawMessage // Vendor payload as received, undecoded beyond symbol extraction
	ReceivedAt time.Time       // Local timestamp when the MESSAGE frame was read
}

// CachedTick is the envelope written to the shared tick cache and published
// on the per-symbol channel. DaemonPID identifies the relay process that
// produced it.
type CachedTick struct {
	StockCode       string          `json:"stock_code"`
	Data            json.RawMessage `json:"data"`
	DaemonTimestamp float64         `json:"daemon_timestamp"`
	DaemonPID       int             `json:"daemon_pid"`
}

// -----------------------------------------------------------------------------
// Command Types
// -----------------------------------------------------------------------------

// CommandType enumerates the operations a serving process may request over
// the shared command channel.
type CommandType string

const (
	CommandSubscribe        CommandType = "subscribe"
	CommandUnsubscribe      CommandType = "unsubscribe"
	CommandGetSubscriptions CommandType = "get_subscriptions"
	CommandReconnect        CommandType = "reconnect"
)

// Command is a request published on the shared command channel. CommandID
// correlates the request with its result key; commands are processed at most
// once per id.
type Command struct {
	Type      CommandType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	CommandID string      `json:"command_id"`
	Timestamp float64     `json:"timestamp"`
}

// NewCommand builds a command with a fresh correlation id.
func NewCommand(typ CommandType, topic string) Command {
	return Command{
		Type:      typ,
		Topic:     topic,
		CommandID: uuid.NewString(),
		Timestamp: float64(time.Now().UnixMilli()) / 1000.0,
	}
}

// CommandResult is written once under the correlation-id-scoped result key.
type CommandResult struct {
	CommandID     string          `json:"command_id"`
	Success       bool            `json:"success"`
	Message       string          `json:"message,omitempty"`
	Subscriptions json.RawMessage `json:"subscriptions,omitempty"`
	Timestamp     float64         `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Health Types
// -----------------------------------------------------------------------------

// Status is a derived health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Worse reports whether s is a more severe level than other.
func (s Status) Worse(other Status) bool {
	return statusRank[s] > statusRank[other]
}

var statusRank = map[Status]int{
	StatusHealthy:  0,
	StatusUnknown:  1,
	StatusWarning:  2,
	StatusCritical: 3,
}

// MetricReading is one sampled metric with its independent classification.
type MetricReading struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Status Status  `json:"status"`
}

// HealthSnapshot is a point-in-time view of relay health. Immutable once
// created; appended to a bounded ring history by the monitor.
type HealthSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Overall   Status          `json:"overall"`
	Metrics   []MetricReading `json:"metrics"`

	// Connection
	ConnectionState string        `json:"connection_state"`
	ConnectedFor    time.Duration `json:"connected_for"`
	ReconnectCount  int           `json:"reconnect_count"`

	// Subscriptions
	ActiveSubscriptions  int     `json:"active_subscriptions"`
	PendingSubscriptions int     `json:"pending_subscriptions"`
	FailedSubscriptions  int     `json:"failed_subscriptions"`
	SubscriptionSuccess  float64 `json:"subscription_success"`

	// Processing
	QueueDepth     int     `json:"queue_depth"`
	ProcessedTotal uint64  `json:"processed_total"`
	ErrorRate      float64 `json:"error_rate"`
	DroppedTotal   uint64  `json:"dropped_total"`

	// Distribution
	PublishFailures int `json:"publish_failures"`

	// Process
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
}

// HealthRecord is the envelope written under the shared health key so a
// serving process can classify relay liveness purely from elapsed time.
type HealthRecord struct {
	Snapshot  HealthSnapshot `json:"snapshot"`
	PID       int            `json:"pid"`
	StartedAt time.Time      `json:"started_at"`
	UptimeSec float64        `json:"uptime_sec"`
	WrittenAt time.Time      `json:"written_at"`
}
