package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance     InstanceConfig     `yaml:"instance"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Auth         AuthConfig         `yaml:"auth"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Workers      WorkersConfig      `yaml:"workers"`
	Redis        RedisConfig        `yaml:"redis"`
	Health       HealthConfig       `yaml:"health"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// InstanceConfig identifies this relay process. Exactly one relay instance
// should run per credential set; that is a deployment convention, not an
// enforced lease.
type InstanceConfig struct {
	ID       string `yaml:"id"`
	DeviceID string `yaml:"device_id"`
}

// UpstreamConfig holds the feed connection settings.
type UpstreamConfig struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMultiplier  float64       `yaml:"reconnect_multiplier"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	FrameBufferSize      int           `yaml:"frame_buffer_size"`
}

// AuthConfig holds bearer-token settings. Token is used as-is when set;
// otherwise RefreshURL is called to obtain one.
type AuthConfig struct {
	Token      string        `yaml:"token"`
	RefreshURL string        `yaml:"refresh_url"`
	AppKey     string        `yaml:"app_key"`
	AppSecret  string        `yaml:"app_secret"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SubscriptionConfig holds registry lifecycle settings.
type SubscriptionConfig struct {
	DestinationPrefix string        `yaml:"destination_prefix"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	IdleWindow        time.Duration `yaml:"idle_window"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	QueueSize         int           `yaml:"queue_size"`
}

// WorkersConfig holds worker pool and bridge settings.
type WorkersConfig struct {
	Count      int `yaml:"count"`
	QueueSize  int `yaml:"queue_size"`
	BridgeSize int `yaml:"bridge_size"`
}

// RedisConfig holds the cross-process store connection and namespace.
type RedisConfig struct {
	Addrs      []string      `yaml:"addrs"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	TickTTL    time.Duration `yaml:"tick_ttl"`
	ResultTTL  time.Duration `yaml:"result_ttl"`
	HealthTTL  time.Duration `yaml:"health_ttl"`
	WriteEvery time.Duration `yaml:"write_every"`
}

// HealthConfig holds monitor sampling, thresholds, and recovery limits.
type HealthConfig struct {
	SampleInterval      time.Duration `yaml:"sample_interval"`
	HistorySize         int           `yaml:"history_size"`
	RecoveryCooldown    time.Duration `yaml:"recovery_cooldown"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	Thresholds          Thresholds    `yaml:"thresholds"`
}

// Thresholds maps each sampled metric to warning/critical bounds.
type Thresholds struct {
	CPUWarning          float64       `yaml:"cpu_warning"`
	CPUCritical         float64       `yaml:"cpu_critical"`
	MemoryWarning       float64       `yaml:"memory_warning"`
	MemoryCritical      float64       `yaml:"memory_critical"`
	QueueWarning        int           `yaml:"queue_warning"`
	QueueCritical       int           `yaml:"queue_critical"`
	ErrorRateWarning    float64       `yaml:"error_rate_warning"`
	ErrorRateCritical   float64       `yaml:"error_rate_critical"`
	DowntimeWarning     time.Duration `yaml:"downtime_warning"`
	DowntimeCritical    time.Duration `yaml:"downtime_critical"`
	SubSuccessWarning   float64       `yaml:"sub_success_warning"`
	SubSuccessCritical  float64       `yaml:"sub_success_critical"`
	PublishFailWarning  int           `yaml:"publish_fail_warning"`
	PublishFailCritical int           `yaml:"publish_fail_critical"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
