package dist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
)

// Publisher writes every decoded tick into the shared cache and publishes
// the same payload on the symbol's channel. Last writer wins per key;
// failures are counted so the health monitor can escalate persistent store
// trouble.
type Publisher struct {
	store  Store
	keys   Keys
	ttl    time.Duration
	pid    int
	logger *slog.Logger

	published           atomic.Uint64
	failures            atomic.Uint64
	consecutiveFailures atomic.Int64
}

// PublisherStats is a publisher snapshot.
type PublisherStats struct {
	Published           uint64
	Failures            uint64
	ConsecutiveFailures int
}

// NewPublisher creates a tick publisher.
func NewPublisher(store Store, keys Keys, ttl time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:  store,
		keys:   keys,
		ttl:    ttl,
		pid:    os.Getpid(),
		logger: logger,
	}
}

// PublishTick caches the tick under its symbol key and publishes it on the
// symbol channel. The cache write and the publish carry the same envelope.
func (p *Publisher) PublishTick(ctx context.Context, tick model.Tick) error {
	envelope := model.CachedTick{
		StockCode:       tick.Symbol,
		Data:            tick.Payload,
		DaemonTimestamp: float64(tick.ReceivedAt.UnixMilli()) / 1000.0,
		DaemonPID:       p.pid,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal tick envelope: %w", err)
	}

	if err := p.store.SetEx(ctx, p.keys.Tick(tick.Symbol), payload, p.ttl); err != nil {
		p.recordFailure(tick.Symbol, "cache write", err)
		return fmt.Errorf("cache tick %s: %w", tick.Symbol, err)
	}

	if err := p.store.Publish(ctx, p.keys.TickChannel(tick.Symbol), payload); err != nil {
		p.recordFailure(tick.Symbol, "publish", err)
		return fmt.Errorf("publish tick %s: %w", tick.Symbol, err)
	}

	p.published.Add(1)
	p.consecutiveFailures.Store(0)
	return nil
}

func (p *Publisher) recordFailure(symbol, op string, err error) {
	p.failures.Add(1)
	n := p.consecutiveFailures.Add(1)
	p.logger.Warn("tick distribution failed",
		"symbol", symbol,
		"op", op,
		"consecutive", n,
		"error", err,
	)
}

// ConsecutiveFailures returns the current unbroken failure streak.
func (p *Publisher) ConsecutiveFailures() int {
	return int(p.consecutiveFailures.Load())
}

// Stats returns a snapshot.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published:           p.published.Load(),
		Failures:            p.failures.Load(),
		ConsecutiveFailures: int(p.consecutiveFailures.Load()),
	}
}
