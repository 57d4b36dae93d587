package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/dist"
	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/pool"
	"github.com/rickgao/tick-relay/internal/registry"
)

type fakeSampler struct {
	mu     sync.Mutex
	sample ProcessSample
}

func (f *fakeSampler) Sample() (ProcessSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, nil
}

func (f *fakeSampler) set(sample ProcessSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample = sample
}

type fakeRecoverer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecoverer) ForceReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeRecoverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// testFixture holds mutable stats behind the source closures.
type testFixture struct {
	mu        sync.Mutex
	conn      connection.ManagerStats
	reg       registry.Stats
	pool      pool.Stats
	bridge    pool.BridgeStats
	publisher dist.PublisherStats
}

func (f *testFixture) sources() Sources {
	return Sources{
		Connection: func() connection.ManagerStats { f.mu.Lock(); defer f.mu.Unlock(); return f.conn },
		Registry:   func() registry.Stats { f.mu.Lock(); defer f.mu.Unlock(); return f.reg },
		Pool:       func() pool.Stats { f.mu.Lock(); defer f.mu.Unlock(); return f.pool },
		Bridge:     func() pool.BridgeStats { f.mu.Lock(); defer f.mu.Unlock(); return f.bridge },
		Publisher:  func() dist.PublisherStats { f.mu.Lock(); defer f.mu.Unlock(); return f.publisher },
	}
}

func healthyFixture() *testFixture {
	return &testFixture{
		conn: connection.ManagerStats{
			State:       connection.StateConnected,
			ConnectedAt: time.Now().Add(-time.Minute),
		},
		reg:       registry.Stats{Active: 10, SuccessRate: 100},
		pool:      pool.Stats{Processed: 1000},
		publisher: dist.PublisherStats{},
	}
}

func newTestMonitor(cfg Config, fixture *testFixture, recoverer Recoverer) (*Monitor, *fakeSampler) {
	m := NewMonitor(cfg, fixture.sources(), recoverer, nil)
	sampler := &fakeSampler{sample: ProcessSample{CPUPercent: 10, MemoryPercent: 20, RSSBytes: 1 << 28}}
	m.sampler = sampler
	return m, sampler
}

func metricStatus(t *testing.T, snapshot model.HealthSnapshot, name string) model.Status {
	t.Helper()
	for _, metric := range snapshot.Metrics {
		if metric.Name == name {
			return metric.Status
		}
	}
	t.Fatalf("metric %s not in snapshot", name)
	return model.StatusUnknown
}

func TestUnknownUntilFirstSample(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig(), healthyFixture(), nil)
	if got := m.Latest().Overall; got != model.StatusUnknown {
		t.Fatalf("overall before first sample = %s, want unknown", got)
	}
}

func TestAllNominalIsHealthy(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig(), healthyFixture(), nil)
	m.sampleOnce()

	snapshot := m.Latest()
	if snapshot.Overall != model.StatusHealthy {
		t.Fatalf("overall = %s, want healthy: %+v", snapshot.Overall, snapshot.Metrics)
	}
	if snapshot.ConnectionState != "connected" {
		t.Errorf("connection state = %s", snapshot.ConnectionState)
	}
	if snapshot.ConnectedFor <= 0 {
		t.Error("connected duration not recorded")
	}
}

func TestSingleWarningMakesOverallWarning(t *testing.T) {
	fixture := healthyFixture()
	m, sampler := newTestMonitor(DefaultConfig(), fixture, nil)
	sampler.set(ProcessSample{CPUPercent: 85, MemoryPercent: 20})
	m.sampleOnce()

	snapshot := m.Latest()
	if snapshot.Overall != model.StatusWarning {
		t.Fatalf("overall = %s, want warning", snapshot.Overall)
	}
	if got := metricStatus(t, snapshot, MetricCPU); got != model.StatusWarning {
		t.Errorf("cpu status = %s, want warning", got)
	}
	if got := metricStatus(t, snapshot, MetricMemory); got != model.StatusHealthy {
		t.Errorf("memory status = %s, want healthy", got)
	}
}

func TestSingleCriticalDominates(t *testing.T) {
	fixture := healthyFixture()
	fixture.pool.QueueDepth = 9000
	m, sampler := newTestMonitor(DefaultConfig(), fixture, nil)
	sampler.set(ProcessSample{CPUPercent: 85, MemoryPercent: 20})
	m.sampleOnce()

	snapshot := m.Latest()
	if snapshot.Overall != model.StatusCritical {
		t.Fatalf("overall = %s, want critical", snapshot.Overall)
	}
	if got := metricStatus(t, snapshot, MetricQueueDepth); got != model.StatusCritical {
		t.Errorf("queue status = %s, want critical", got)
	}
}

func TestSubscriptionSuccessLowerBounds(t *testing.T) {
	cases := []struct {
		rate float64
		want model.Status
	}{
		{100, model.StatusHealthy},
		{96, model.StatusHealthy},
		{90, model.StatusWarning},
		{75, model.StatusCritical},
	}
	for _, tc := range cases {
		fixture := healthyFixture()
		fixture.reg.SuccessRate = tc.rate
		m, _ := newTestMonitor(DefaultConfig(), fixture, nil)
		m.sampleOnce()
		if got := metricStatus(t, m.Latest(), MetricSubSuccess); got != tc.want {
			t.Errorf("success rate %.0f: status = %s, want %s", tc.rate, got, tc.want)
		}
	}
}

func TestDowntimeClassification(t *testing.T) {
	cases := []struct {
		downFor time.Duration
		want    model.Status
	}{
		{5 * time.Second, model.StatusHealthy},
		{45 * time.Second, model.StatusWarning},
		{6 * time.Minute, model.StatusCritical},
	}
	for _, tc := range cases {
		fixture := healthyFixture()
		fixture.conn = connection.ManagerStats{
			State:          connection.StateReconnecting,
			DisconnectedAt: time.Now().Add(-tc.downFor),
		}
		m, _ := newTestMonitor(DefaultConfig(), fixture, nil)
		m.sampleOnce()
		if got := metricStatus(t, m.Latest(), MetricDowntime); got != tc.want {
			t.Errorf("down %s: status = %s, want %s", tc.downFor, got, tc.want)
		}
	}
}

func TestNeverConnectedClassification(t *testing.T) {
	cases := []struct {
		state connection.State
		want  model.Status
	}{
		{connection.StateFailed, model.StatusCritical},
		{connection.StateReconnecting, model.StatusWarning},
	}
	for _, tc := range cases {
		fixture := healthyFixture()
		fixture.conn = connection.ManagerStats{State: tc.state}
		m, _ := newTestMonitor(DefaultConfig(), fixture, nil)
		m.sampleOnce()
		snapshot := m.Latest()
		if got := metricStatus(t, snapshot, MetricDowntime); got != tc.want {
			t.Errorf("%s with no drop timestamp: downtime status = %s, want %s", tc.state, got, tc.want)
		}
		if tc.want.Worse(snapshot.Overall) {
			t.Errorf("%s with no drop timestamp: overall = %s, want at least %s", tc.state, snapshot.Overall, tc.want)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	m, _ := newTestMonitor(cfg, healthyFixture(), nil)

	for i := 0; i < 12; i++ {
		m.sampleOnce()
	}
	if got := len(m.History()); got != 5 {
		t.Fatalf("history length = %d, want 5", got)
	}
}

func TestStatusChangeCallback(t *testing.T) {
	fixture := healthyFixture()
	m, sampler := newTestMonitor(DefaultConfig(), fixture, nil)

	var mu sync.Mutex
	var transitions [][2]model.Status
	m.OnStatusChange(func(from, to model.Status) {
		mu.Lock()
		transitions = append(transitions, [2]model.Status{from, to})
		mu.Unlock()
	})

	m.sampleOnce() // unknown -> healthy
	sampler.set(ProcessSample{CPUPercent: 99, MemoryPercent: 20})
	m.sampleOnce() // healthy -> critical
	m.sampleOnce() // still critical, no callback

	mu.Lock()
	defer mu.Unlock()
	want := [][2]model.Status{
		{model.StatusUnknown, model.StatusHealthy},
		{model.StatusHealthy, model.StatusCritical},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestRecoveryForcesReconnectOnConnectionCritical(t *testing.T) {
	fixture := healthyFixture()
	fixture.conn = connection.ManagerStats{
		State:          connection.StateReconnecting,
		DisconnectedAt: time.Now().Add(-10 * time.Minute),
	}
	recoverer := &fakeRecoverer{}
	cfg := DefaultConfig()
	cfg.RecoveryCooldown = time.Hour
	m, _ := newTestMonitor(cfg, fixture, recoverer)

	m.sampleOnce()
	if got := recoverer.count(); got != 1 {
		t.Fatalf("ForceReconnect calls = %d, want 1", got)
	}

	// Within cooldown: no second attempt.
	m.sampleOnce()
	if got := recoverer.count(); got != 1 {
		t.Fatalf("ForceReconnect calls after cooldown suppression = %d, want 1", got)
	}
}

func TestRecoveryBudgetExhaustionFiresFatal(t *testing.T) {
	fixture := healthyFixture()
	fixture.conn = connection.ManagerStats{
		State:          connection.StateFailed,
		DisconnectedAt: time.Now().Add(-10 * time.Minute),
	}
	recoverer := &fakeRecoverer{}
	cfg := DefaultConfig()
	cfg.RecoveryCooldown = 0
	cfg.MaxRecoveryAttempts = 2
	m, _ := newTestMonitor(cfg, fixture, recoverer)

	var mu sync.Mutex
	fatals := 0
	m.OnFatal(func() {
		mu.Lock()
		fatals++
		mu.Unlock()
	})

	for i := 0; i < 4; i++ {
		m.sampleOnce()
	}

	if got := recoverer.count(); got != 2 {
		t.Errorf("ForceReconnect calls = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if fatals == 0 {
		t.Error("fatal callback never fired")
	}
}

func TestRecoveryAttemptsResetOnHealthy(t *testing.T) {
	fixture := healthyFixture()
	fixture.conn = connection.ManagerStats{
		State:          connection.StateReconnecting,
		DisconnectedAt: time.Now().Add(-10 * time.Minute),
	}
	recoverer := &fakeRecoverer{}
	cfg := DefaultConfig()
	cfg.RecoveryCooldown = 0
	cfg.MaxRecoveryAttempts = 1
	m, _ := newTestMonitor(cfg, fixture, recoverer)

	m.sampleOnce()
	if got := recoverer.count(); got != 1 {
		t.Fatalf("ForceReconnect calls = %d, want 1", got)
	}

	// Connection comes back; budget resets on the healthy sample.
	fixture.mu.Lock()
	fixture.conn = connection.ManagerStats{
		State:       connection.StateConnected,
		ConnectedAt: time.Now(),
	}
	fixture.mu.Unlock()
	m.sampleOnce()

	fixture.mu.Lock()
	fixture.conn = connection.ManagerStats{
		State:          connection.StateReconnecting,
		DisconnectedAt: time.Now().Add(-10 * time.Minute),
	}
	fixture.mu.Unlock()
	m.sampleOnce()

	if got := recoverer.count(); got != 2 {
		t.Errorf("ForceReconnect calls after reset = %d, want 2", got)
	}
}
