package health

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rickgao/tick-relay/internal/config"
	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/dist"
	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/pool"
	"github.com/rickgao/tick-relay/internal/registry"
)

// Metric names as they appear in snapshots and logs.
const (
	MetricCPU         = "cpu_percent"
	MetricMemory      = "memory_percent"
	MetricQueueDepth  = "queue_depth"
	MetricErrorRate   = "error_rate"
	MetricDowntime    = "connection_downtime_sec"
	MetricSubSuccess  = "subscription_success"
	MetricPublishFail = "publish_failures"
)

// Recoverer is the recovery surface the monitor can drive when the relay
// goes critical for connection-related reasons.
type Recoverer interface {
	ForceReconnect()
}

// Sources provides the per-component stat readers the monitor samples.
// Any nil reader is skipped.
type Sources struct {
	Connection func() connection.ManagerStats
	Registry   func() registry.Stats
	Pool       func() pool.Stats
	Bridge     func() pool.BridgeStats
	Publisher  func() dist.PublisherStats
}

// Config holds monitor settings.
type Config struct {
	SampleInterval      time.Duration
	HistorySize         int
	RecoveryCooldown    time.Duration
	MaxRecoveryAttempts int
	Thresholds          config.Thresholds
}

// DefaultConfig returns monitor defaults aligned with the config package.
func DefaultConfig() Config {
	thresholds := config.Thresholds{}
	thresholds.ApplyDefaults()
	return Config{
		SampleInterval:      config.DefaultSampleInterval,
		HistorySize:         config.DefaultHistorySize,
		RecoveryCooldown:    config.DefaultRecoveryCooldown,
		MaxRecoveryAttempts: config.DefaultMaxRecoveryAttempts,
		Thresholds:          thresholds,
	}
}

// Monitor samples component stats on a fixed cadence, classifies each
// metric, and keeps a bounded history. It is the relay's SnapshotSource.
type Monitor struct {
	cfg       Config
	sources   Sources
	recoverer Recoverer
	logger    *slog.Logger

	// Process sampler, replaceable in tests.
	sampler ProcessSampler

	mu      sync.RWMutex
	latest  model.HealthSnapshot
	history []model.HealthSnapshot

	recoveryAttempts int
	lastRecovery     time.Time

	onStatusChange func(from, to model.Status)
	onFatal        func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor. The recoverer may be nil, in which
// case connection recovery is skipped.
func NewMonitor(cfg Config, sources Sources, recoverer Recoverer, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	sampler, err := NewProcessSampler()
	if err != nil {
		logger.Warn("process sampler unavailable", "error", err)
	}
	return &Monitor{
		cfg:       cfg,
		sources:   sources,
		recoverer: recoverer,
		logger:    logger,
		sampler:   sampler,
		latest:    model.HealthSnapshot{Overall: model.StatusUnknown},
		history:   make([]model.HealthSnapshot, 0, cfg.HistorySize),
	}
}

// OnStatusChange registers a callback fired whenever the overall status
// changes. Must be set before Start.
func (m *Monitor) OnStatusChange(fn func(from, to model.Status)) { m.onStatusChange = fn }

// OnFatal registers a callback fired when recovery attempts are exhausted
// while still critical. Must be set before Start.
func (m *Monitor) OnFatal(fn func()) { m.onFatal = fn }

// Start begins sampling with an immediate first pass.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop()

	return nil
}

// Stop halts sampling, bounded by the caller's context.
func (m *Monitor) Stop(ctx context.Context) error {
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
		m.logger.Warn("health monitor shutdown timeout")
	}
	return nil
}

// Latest returns the most recent snapshot. Overall is Unknown until the
// first sample completes.
func (m *Monitor) Latest() model.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Monitor) History() []model.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.HealthSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// ResetRecoveryAttempts clears the recovery budget. Called automatically
// when the relay returns to Healthy.
func (m *Monitor) ResetRecoveryAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryAttempts = 0
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.sampleOnce()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	snapshot := m.collect()

	m.mu.Lock()
	previous := m.latest.Overall
	m.latest = snapshot
	m.history = append(m.history, snapshot)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	if previous != snapshot.Overall {
		m.logger.Info("health status changed", "from", previous, "to", snapshot.Overall)
		if m.onStatusChange != nil {
			m.onStatusChange(previous, snapshot.Overall)
		}
	}
	if snapshot.Overall == model.StatusHealthy {
		m.ResetRecoveryAttempts()
	}
	if snapshot.Overall == model.StatusCritical {
		m.maybeRecover(snapshot)
	}
}

// collect gathers one snapshot and classifies every metric against the
// thresholds. Overall is the worst individual classification.
func (m *Monitor) collect() model.HealthSnapshot {
	now := time.Now()
	t := m.cfg.Thresholds
	snapshot := model.HealthSnapshot{
		Timestamp: now,
		Overall:   model.StatusHealthy,
	}
	record := func(name string, value float64, status model.Status) {
		snapshot.Metrics = append(snapshot.Metrics, model.MetricReading{Name: name, Value: value, Status: status})
		if status.Worse(snapshot.Overall) {
			snapshot.Overall = status
		}
	}

	if m.sources.Connection != nil {
		stats := m.sources.Connection()
		snapshot.ConnectionState = string(stats.State)
		snapshot.ReconnectCount = stats.ReconnectCount

		var downtime time.Duration
		downtimeStatus := model.StatusHealthy
		if stats.State == connection.StateConnected {
			if !stats.ConnectedAt.IsZero() {
				snapshot.ConnectedFor = now.Sub(stats.ConnectedAt)
			}
		} else {
			if !stats.DisconnectedAt.IsZero() {
				downtime = now.Sub(stats.DisconnectedAt)
			}
			downtimeStatus = classifyHigh(downtime.Seconds(),
				t.DowntimeWarning.Seconds(), t.DowntimeCritical.Seconds())
			// A session that never connected carries no drop timestamp.
			if stats.DisconnectedAt.IsZero() {
				switch stats.State {
				case connection.StateFailed:
					downtimeStatus = model.StatusCritical
				case connection.StateReconnecting:
					downtimeStatus = model.StatusWarning
				}
			}
		}
		record(MetricDowntime, downtime.Seconds(), downtimeStatus)
	}

	if m.sources.Registry != nil {
		stats := m.sources.Registry()
		snapshot.ActiveSubscriptions = stats.Active
		snapshot.PendingSubscriptions = stats.Pending
		snapshot.FailedSubscriptions = stats.Failed
		snapshot.SubscriptionSuccess = stats.SuccessRate
		record(MetricSubSuccess, stats.SuccessRate,
			classifyLow(stats.SuccessRate, t.SubSuccessWarning, t.SubSuccessCritical))
	}

	if m.sources.Pool != nil {
		stats := m.sources.Pool()
		depth := stats.QueueDepth
		if m.sources.Bridge != nil {
			depth += m.sources.Bridge().QueueDepth
			snapshot.DroppedTotal = stats.Dropped + m.sources.Bridge().Dropped
		} else {
			snapshot.DroppedTotal = stats.Dropped
		}
		snapshot.QueueDepth = depth
		snapshot.ProcessedTotal = stats.Processed
		snapshot.ErrorRate = stats.ErrorRate()
		record(MetricQueueDepth, float64(depth),
			classifyHigh(float64(depth), float64(t.QueueWarning), float64(t.QueueCritical)))
		record(MetricErrorRate, stats.ErrorRate(),
			classifyHigh(stats.ErrorRate(), t.ErrorRateWarning, t.ErrorRateCritical))
	}

	if m.sources.Publisher != nil {
		stats := m.sources.Publisher()
		snapshot.PublishFailures = stats.ConsecutiveFailures
		record(MetricPublishFail, float64(stats.ConsecutiveFailures),
			classifyHigh(float64(stats.ConsecutiveFailures), float64(t.PublishFailWarning), float64(t.PublishFailCritical)))
	}

	if m.sampler != nil {
		sample, err := m.sampler.Sample()
		if err != nil {
			m.logger.Warn("process sample failed", "error", err)
		} else {
			snapshot.CPUPercent = sample.CPUPercent
			snapshot.MemoryPercent = sample.MemoryPercent
			snapshot.RSSBytes = sample.RSSBytes
			record(MetricCPU, sample.CPUPercent,
				classifyHigh(sample.CPUPercent, t.CPUWarning, t.CPUCritical))
			record(MetricMemory, sample.MemoryPercent,
				classifyHigh(sample.MemoryPercent, t.MemoryWarning, t.MemoryCritical))
		}
	}

	return snapshot
}

// maybeRecover runs at most one recovery action per cooldown and at most
// MaxRecoveryAttempts in total. Exhausting the budget fires the fatal
// callback; restarting the process is the supervisor's job.
func (m *Monitor) maybeRecover(snapshot model.HealthSnapshot) {
	m.mu.Lock()
	if time.Since(m.lastRecovery) < m.cfg.RecoveryCooldown {
		m.mu.Unlock()
		return
	}
	if m.recoveryAttempts >= m.cfg.MaxRecoveryAttempts {
		m.mu.Unlock()
		m.logger.Error("recovery attempts exhausted", "attempts", m.recoveryAttempts)
		if m.onFatal != nil {
			m.onFatal()
		}
		return
	}
	m.recoveryAttempts++
	m.lastRecovery = time.Now()
	attempt := m.recoveryAttempts
	m.mu.Unlock()

	for _, metric := range snapshot.Metrics {
		if metric.Status != model.StatusCritical {
			continue
		}
		switch metric.Name {
		case MetricDowntime:
			if m.recoverer != nil {
				m.logger.Warn("recovery: forcing reconnect", "attempt", attempt)
				m.recoverer.ForceReconnect()
			}
		case MetricMemory:
			m.logger.Warn("recovery: releasing memory to OS", "attempt", attempt)
			debug.FreeOSMemory()
		}
	}
}

// classifyHigh flags values at or above the thresholds.
func classifyHigh(value, warning, critical float64) model.Status {
	switch {
	case value >= critical:
		return model.StatusCritical
	case value >= warning:
		return model.StatusWarning
	default:
		return model.StatusHealthy
	}
}

// classifyLow flags values below the thresholds. Used for success rates
// where low is bad.
func classifyLow(value, warning, critical float64) model.Status {
	switch {
	case value < critical:
		return model.StatusCritical
	case value < warning:
		return model.StatusWarning
	default:
		return model.StatusHealthy
	}
}
