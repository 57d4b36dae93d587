package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Instance.DeviceID == "" {
		return errors.New("instance.device_id is required")
	}

	if c.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	if c.Upstream.ReconnectMultiplier <= 1.0 {
		return fmt.Errorf("upstream.reconnect_multiplier must be > 1.0, got %g", c.Upstream.ReconnectMultiplier)
	}
	if c.Upstream.ReconnectBaseDelay > c.Upstream.ReconnectMaxDelay {
		return errors.New("upstream.reconnect_base_delay cannot exceed reconnect_max_delay")
	}
	if c.Upstream.MaxReconnectAttempts < 1 {
		return errors.New("upstream.max_reconnect_attempts must be >= 1")
	}

	if c.Auth.Token == "" && c.Auth.RefreshURL == "" {
		return errors.New("auth.token or auth.refresh_url is required")
	}
	if c.Auth.RefreshURL != "" && c.Auth.AppKey == "" {
		return errors.New("auth.app_key is required when auth.refresh_url is set")
	}

	if c.Workers.Count < 1 {
		return errors.New("workers.count must be >= 1")
	}
	if c.Workers.QueueSize < 1 {
		return errors.New("workers.queue_size must be >= 1")
	}
	if c.Workers.BridgeSize < 1 {
		return errors.New("workers.bridge_size must be >= 1")
	}

	if len(c.Redis.Addrs) == 0 {
		return errors.New("redis.addrs is required")
	}

	if err := c.Health.Thresholds.validate(); err != nil {
		return err
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (t *Thresholds) validate() error {
	if t.CPUWarning >= t.CPUCritical {
		return errors.New("health.thresholds: cpu_warning must be below cpu_critical")
	}
	if t.MemoryWarning >= t.MemoryCritical {
		return errors.New("health.thresholds: memory_warning must be below memory_critical")
	}
	if t.QueueWarning >= t.QueueCritical {
		return errors.New("health.thresholds: queue_warning must be below queue_critical")
	}
	if t.ErrorRateWarning >= t.ErrorRateCritical {
		return errors.New("health.thresholds: error_rate_warning must be below error_rate_critical")
	}
	if t.DowntimeWarning >= t.DowntimeCritical {
		return errors.New("health.thresholds: downtime_warning must be below downtime_critical")
	}
	// Success rate thresholds are lower bounds, so warning sits above critical.
	if t.SubSuccessWarning <= t.SubSuccessCritical {
		return errors.New("health.thresholds: sub_success_warning must be above sub_success_critical")
	}
	if t.PublishFailWarning >= t.PublishFailCritical {
		return errors.New("health.thresholds: publish_fail_warning must be below publish_fail_critical")
	}
	return nil
}
