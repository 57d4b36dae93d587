package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultReconnectMultiplier  = 2.0
	DefaultMaxReconnectAttempts = 10
	DefaultFrameBufferSize      = 10000

	DefaultAuthTimeout = 10 * time.Second

	DefaultDestinationPrefix = "/topic/"
	DefaultAckTimeout        = 30 * time.Second
	DefaultIdleWindow        = 300 * time.Second
	DefaultMonitorInterval   = 30 * time.Second
	DefaultRegistryQueueSize = 1000

	DefaultWorkerCount     = 4
	DefaultWorkerQueueSize = 1000
	DefaultBridgeSize      = 5000

	DefaultRedisAddr        = "localhost:6379"
	DefaultKeyPrefix        = "tick_relay"
	DefaultTickTTL          = 3600 * time.Second
	DefaultResultTTL        = 60 * time.Second
	DefaultHealthTTL        = 100 * time.Second
	DefaultHealthWriteEvery = 20 * time.Second

	DefaultSampleInterval      = 10 * time.Second
	DefaultHistorySize         = 1440
	DefaultRecoveryCooldown    = 60 * time.Second
	DefaultMaxRecoveryAttempts = 3

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

// Default threshold values; each metric classifies independently.
const (
	DefaultCPUWarning          = 80.0
	DefaultCPUCritical         = 95.0
	DefaultMemoryWarning       = 80.0
	DefaultMemoryCritical      = 95.0
	DefaultQueueWarning        = 5000
	DefaultQueueCritical       = 8000
	DefaultErrorRateWarning    = 5.0
	DefaultErrorRateCritical   = 15.0
	DefaultDowntimeWarning     = 30 * time.Second
	DefaultDowntimeCritical    = 300 * time.Second
	DefaultSubSuccessWarning   = 95.0
	DefaultSubSuccessCritical  = 80.0
	DefaultPublishFailWarning  = 3
	DefaultPublishFailCritical = 10
)

// ApplyDefaults fills zero-valued optional fields.
func (c *RelayConfig) ApplyDefaults() {
	// Upstream defaults
	if c.Upstream.HandshakeTimeout == 0 {
		c.Upstream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Upstream.WriteTimeout == 0 {
		c.Upstream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Upstream.HeartbeatInterval == 0 {
		c.Upstream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Upstream.ReconnectMultiplier == 0 {
		c.Upstream.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if c.Upstream.MaxReconnectAttempts == 0 {
		c.Upstream.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Upstream.FrameBufferSize == 0 {
		c.Upstream.FrameBufferSize = DefaultFrameBufferSize
	}

	// Auth defaults
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultAuthTimeout
	}

	// Subscription defaults
	if c.Subscription.DestinationPrefix == "" {
		c.Subscription.DestinationPrefix = DefaultDestinationPrefix
	}
	if c.Subscription.AckTimeout == 0 {
		c.Subscription.AckTimeout = DefaultAckTimeout
	}
	if c.Subscription.IdleWindow == 0 {
		c.Subscription.IdleWindow = DefaultIdleWindow
	}
	if c.Subscription.MonitorInterval == 0 {
		c.Subscription.MonitorInterval = DefaultMonitorInterval
	}
	if c.Subscription.QueueSize == 0 {
		c.Subscription.QueueSize = DefaultRegistryQueueSize
	}

	// Workers defaults
	if c.Workers.Count == 0 {
		c.Workers.Count = DefaultWorkerCount
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = DefaultWorkerQueueSize
	}
	if c.Workers.BridgeSize == 0 {
		c.Workers.BridgeSize = DefaultBridgeSize
	}

	// Redis defaults
	if len(c.Redis.Addrs) == 0 {
		c.Redis.Addrs = []string{DefaultRedisAddr}
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultKeyPrefix
	}
	if c.Redis.TickTTL == 0 {
		c.Redis.TickTTL = DefaultTickTTL
	}
	if c.Redis.ResultTTL == 0 {
		c.Redis.ResultTTL = DefaultResultTTL
	}
	if c.Redis.HealthTTL == 0 {
		c.Redis.HealthTTL = DefaultHealthTTL
	}
	if c.Redis.WriteEvery == 0 {
		c.Redis.WriteEvery = DefaultHealthWriteEvery
	}

	// Health defaults
	if c.Health.SampleInterval == 0 {
		c.Health.SampleInterval = DefaultSampleInterval
	}
	if c.Health.HistorySize == 0 {
		c.Health.HistorySize = DefaultHistorySize
	}
	if c.Health.RecoveryCooldown == 0 {
		c.Health.RecoveryCooldown = DefaultRecoveryCooldown
	}
	if c.Health.MaxRecoveryAttempts == 0 {
		c.Health.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	c.Health.Thresholds.ApplyDefaults()

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (t *Thresholds) ApplyDefaults() {
	if t.CPUWarning == 0 {
		t.CPUWarning = DefaultCPUWarning
	}
	if t.CPUCritical == 0 {
		t.CPUCritical = DefaultCPUCritical
	}
	if t.MemoryWarning == 0 {
		t.MemoryWarning = DefaultMemoryWarning
	}
	if t.MemoryCritical == 0 {
		t.MemoryCritical = DefaultMemoryCritical
	}
	if t.QueueWarning == 0 {
		t.QueueWarning = DefaultQueueWarning
	}
	if t.QueueCritical == 0 {
		t.QueueCritical = DefaultQueueCritical
	}
	if t.ErrorRateWarning == 0 {
		t.ErrorRateWarning = DefaultErrorRateWarning
	}
	if t.ErrorRateCritical == 0 {
		t.ErrorRateCritical = DefaultErrorRateCritical
	}
	if t.DowntimeWarning == 0 {
		t.DowntimeWarning = DefaultDowntimeWarning
	}
	if t.DowntimeCritical == 0 {
		t.DowntimeCritical = DefaultDowntimeCritical
	}
	if t.SubSuccessWarning == 0 {
		t.SubSuccessWarning = DefaultSubSuccessWarning
	}
	if t.SubSuccessCritical == 0 {
		t.SubSuccessCritical = DefaultSubSuccessCritical
	}
	if t.PublishFailWarning == 0 {
		t.PublishFailWarning = DefaultPublishFailWarning
	}
	if t.PublishFailCritical == 0 {
		t.PublishFailCritical = DefaultPublishFailCritical
	}
}
