package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/tick-relay/internal/connection"
)

// Bridge decouples the connection's read path from the worker pool behind
// one more bounded queue with the same drop-oldest policy. Offer never
// blocks, so slow processing can never stall the socket reader.
type Bridge struct {
	pool   *Pool
	logger *slog.Logger

	queue   chan connection.InboundMessage
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BridgeStats is a bridge snapshot.
type BridgeStats struct {
	QueueDepth int
	Dropped    uint64
}

// NewBridge creates a bridge in front of the pool.
func NewBridge(size int, pool *Pool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pool:   pool,
		logger: logger,
		queue:  make(chan connection.InboundMessage, size),
	}
}

// Start launches the forwarding loop.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.forward()

	return nil
}

// Stop halts forwarding, bounded by the caller's context.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("bridge shutdown timeout")
	}
	return nil
}

// Offer accepts one message from the read path without ever blocking.
// A full queue evicts its oldest entry to keep the newest.
func (b *Bridge) Offer(msg connection.InboundMessage) {
	for {
		select {
		case b.queue <- msg:
			return
		default:
		}
		select {
		case <-b.queue:
			if n := b.dropped.Add(1); n%1000 == 1 {
				b.logger.Warn("bridge backpressure, dropping oldest", "dropped_total", n)
			}
		default:
		}
	}
}

func (b *Bridge) forward() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.queue:
			b.pool.Dispatch(msg)
		}
	}
}

// Stats returns a bridge snapshot.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		QueueDepth: len(b.queue),
		Dropped:    b.dropped.Load(),
	}
}
