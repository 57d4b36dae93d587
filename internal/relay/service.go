package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tick-relay/internal/auth"
	"github.com/rickgao/tick-relay/internal/config"
	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/dist"
	"github.com/rickgao/tick-relay/internal/health"
	"github.com/rickgao/tick-relay/internal/metrics"
	"github.com/rickgao/tick-relay/internal/mux"
	"github.com/rickgao/tick-relay/internal/pool"
	"github.com/rickgao/tick-relay/internal/registry"
)

const (
	subReceiptSuffix   = "-sub_receipt"
	unsubReceiptSuffix = "-unsub_receipt"
)

// Manager construction indirection for tests.
var newManager = connection.NewManager

// Service wires the relay's components together and runs the owner loop.
// The owner loop is the only goroutine that mutates registry, connection,
// or mux state; the worker pool is read-only with respect to all three.
type Service struct {
	cfg    config.RelayConfig
	logger *slog.Logger

	manager  connection.Manager
	registry *registry.Registry
	mux      *mux.Mux
	pool     *pool.Pool
	bridge   *pool.Bridge

	keys         dist.Keys
	publisher    *dist.Publisher
	listener     *dist.CommandListener
	healthWriter *dist.HealthWriter
	monitor      *health.Monitor
	metricsSrv   *metrics.Server

	onFatal func()

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles a relay service from configuration and an already-connected
// distribution store.
func New(cfg config.RelayConfig, store dist.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		keys:   dist.Keys{Prefix: cfg.Redis.KeyPrefix},
	}

	var tokens auth.TokenSource
	if cfg.Auth.RefreshURL != "" {
		tokens = auth.NewRefreshTokenSource(auth.RefreshConfig{
			URL:       cfg.Auth.RefreshURL,
			AppKey:    cfg.Auth.AppKey,
			AppSecret: cfg.Auth.AppSecret,
			Timeout:   cfg.Auth.Timeout,
		}, logger)
	} else {
		tokens = auth.StaticTokenSource(cfg.Auth.Token)
	}

	s.registry = registry.New(registry.Config{
		DestinationPrefix: cfg.Subscription.DestinationPrefix,
		AckTimeout:        cfg.Subscription.AckTimeout,
		IdleWindow:        cfg.Subscription.IdleWindow,
		QueueSize:         cfg.Subscription.QueueSize,
	}, logger)

	s.manager = newManager(connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:               cfg.Upstream.URL,
			DeviceID:          cfg.Instance.DeviceID,
			Tokens:            tokens,
			HandshakeTimeout:  cfg.Upstream.HandshakeTimeout,
			WriteTimeout:      cfg.Upstream.WriteTimeout,
			HeartbeatInterval: cfg.Upstream.HeartbeatInterval,
			FrameBufferSize:   cfg.Upstream.FrameBufferSize,
		},
		ReconnectBaseDelay:   cfg.Upstream.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Upstream.ReconnectMaxDelay,
		ReconnectMultiplier:  cfg.Upstream.ReconnectMultiplier,
		MaxReconnectAttempts: cfg.Upstream.MaxReconnectAttempts,
		MessageBufferSize:    cfg.Upstream.FrameBufferSize,
	}, s.registry, logger)

	s.mux = mux.New(s, logger)
	s.pool = pool.New(pool.Config{
		Workers:   cfg.Workers.Count,
		QueueSize: cfg.Workers.QueueSize,
	}, pool.ProcessorFunc(s.processMessage), logger)
	s.bridge = pool.NewBridge(cfg.Workers.BridgeSize, s.pool, logger)

	s.publisher = dist.NewPublisher(store, s.keys, cfg.Redis.TickTTL, logger)
	s.listener = dist.NewCommandListener(store, s.keys, s, cfg.Redis.ResultTTL, logger)

	s.monitor = health.NewMonitor(health.Config{
		SampleInterval:      cfg.Health.SampleInterval,
		HistorySize:         cfg.Health.HistorySize,
		RecoveryCooldown:    cfg.Health.RecoveryCooldown,
		MaxRecoveryAttempts: cfg.Health.MaxRecoveryAttempts,
		Thresholds:          cfg.Health.Thresholds,
	}, health.Sources{
		Connection: s.manager.Stats,
		Registry:   s.registry.Stats,
		Pool:       s.pool.Stats,
		Bridge:     s.bridge.Stats,
		Publisher:  s.publisher.Stats,
	}, s.manager, logger)
	s.monitor.OnFatal(func() {
		s.logger.Error("health recovery exhausted, shutting down")
		if s.onFatal != nil {
			s.onFatal()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})

	s.healthWriter = dist.NewHealthWriter(store, s.keys, s.monitor,
		cfg.Redis.WriteEvery, cfg.Redis.HealthTTL, logger)

	s.metricsSrv = metrics.NewServer(metrics.ServerConfig{
		Port:           cfg.Metrics.Port,
		Path:           cfg.Metrics.Path,
		SampleInterval: cfg.Health.SampleInterval,
	}, metrics.New(), s.monitor, logger)

	return s
}

// OnFatal registers a callback fired when health recovery is exhausted.
// Must be set before Start.
func (s *Service) OnFatal(fn func()) { s.onFatal = fn }

// Start brings components up in dependency order and launches the owner
// loop. A failed upstream connect is not fatal; the manager keeps
// reconnecting in the background.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, _ = errgroup.WithContext(s.ctx)

	if err := s.pool.Start(s.ctx); err != nil {
		return err
	}
	if err := s.bridge.Start(s.ctx); err != nil {
		return err
	}
	if err := s.manager.Start(s.ctx); err != nil {
		return err
	}
	if err := s.listener.Start(s.ctx); err != nil {
		return err
	}
	if err := s.monitor.Start(s.ctx); err != nil {
		return err
	}
	if err := s.healthWriter.Start(s.ctx); err != nil {
		return err
	}
	if s.cfg.Metrics.Port > 0 {
		if err := s.metricsSrv.Start(s.ctx); err != nil {
			return err
		}
	}

	s.group.Go(func() error {
		s.ownerLoop()
		return nil
	})

	s.logger.Info("relay service started",
		"instance", s.cfg.Instance.ID,
		"upstream", s.cfg.Upstream.URL)
	return nil
}

// Stop shuts components down in reverse order, bounded by the caller's
// context. The final health write is not guaranteed.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		s.group.Wait()
	}

	if s.cfg.Metrics.Port > 0 {
		s.metricsSrv.Stop(ctx)
	}
	s.healthWriter.Stop(ctx)
	s.monitor.Stop(ctx)
	s.listener.Stop(ctx)
	s.manager.Stop(ctx)
	s.bridge.Stop(ctx)
	s.pool.Stop(ctx)

	s.logger.Info("relay service stopped")
	return nil
}

// ownerLoop is the single writer for registry and connection mutations. It
// realizes subscription requests, routes inbound frames to the bridge,
// applies receipts, and runs the periodic registry monitor pass.
func (s *Service) ownerLoop() {
	interval := s.cfg.Subscription.MonitorInterval
	if interval <= 0 {
		interval = config.DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case req, ok := <-s.registry.Realizations():
			if !ok {
				return
			}
			s.realize(req)
		case msg, ok := <-s.manager.Messages():
			if !ok {
				return
			}
			s.bridge.Offer(msg)
		case receipt, ok := <-s.manager.Receipts():
			if !ok {
				return
			}
			s.applyReceipt(receipt)
		case now := <-ticker.C:
			if failed := s.registry.MonitorPass(now); failed > 0 {
				s.logger.Warn("subscriptions timed out", "count", failed)
			}
		}
	}
}

// realize turns a registry request into upstream frames. A send while
// disconnected leaves the record pending; reconnect replay picks it up.
func (s *Service) realize(req registry.Request) {
	switch req.Kind {
	case registry.KindSubscribe:
		err := s.manager.Subscribe(req.ID, req.Destination)
		switch {
		case err == nil:
		case errors.Is(err, connection.ErrNotConnected):
			s.logger.Debug("subscribe deferred until reconnect", "id", req.ID, "topic", req.Topic)
		default:
			s.registry.MarkFailed(req.ID, err.Error())
		}
	case registry.KindUnsubscribe:
		if err := s.manager.Unsubscribe(req.ID); err != nil {
			s.logger.Debug("unsubscribe send skipped", "id", req.ID, "topic", req.Topic, "error", err)
		}
		// Teardown is optimistic: the record goes immediately so a lost
		// receipt cannot leave it active, or replayed after reconnect.
		// The receipt, when it arrives, is a no-op confirmation.
		s.registry.Remove(req.ID)
	}
}

// applyReceipt resolves a RECEIPT frame back to the pending record.
func (s *Service) applyReceipt(receipt string) {
	switch {
	case strings.HasSuffix(receipt, subReceiptSuffix):
		s.registry.MarkActive(strings.TrimSuffix(receipt, subReceiptSuffix))
	case strings.HasSuffix(receipt, unsubReceiptSuffix):
		s.registry.Remove(strings.TrimSuffix(receipt, unsubReceiptSuffix))
	default:
		s.logger.Debug("unmatched receipt", "receipt-id", receipt)
	}
}

// SubscribeTopic implements the mux upstream hook: first downstream
// subscriber on a topic requests the shared upstream subscription.
func (s *Service) SubscribeTopic(topic string) error {
	s.registry.RequestSubscribe(topic)
	return nil
}

// UnsubscribeTopic implements the mux upstream hook: last downstream
// subscriber gone tears the shared subscription down.
func (s *Service) UnsubscribeTopic(topic string) error {
	s.registry.RequestUnsubscribe(topic)
	return nil
}

// IdleClose is called when no mux topics remain. The connection stays up
// so command-channel subscribes keep working; the registry drives actual
// upstream demand.
func (s *Service) IdleClose() {
	s.logger.Debug("no multiplexed topics remain")
}

// Monitor exposes the health monitor, mainly for status inspection.
func (s *Service) Monitor() *health.Monitor { return s.monitor }

// Mux exposes the shared-connection multiplexer so an embedding process
// can attach in-process subscribers. The first subscriber on a topic
// triggers the upstream subscription through the hooks above.
func (s *Service) Mux() *mux.Mux { return s.mux }
