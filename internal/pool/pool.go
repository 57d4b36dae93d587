package pool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rickgao/tick-relay/internal/connection"
)

// Processor handles one inbound message. Implementations run on worker
// goroutines and must not mutate registry or connection state.
type Processor interface {
	Process(msg connection.InboundMessage) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(msg connection.InboundMessage) error

func (f ProcessorFunc) Process(msg connection.InboundMessage) error { return f(msg) }

// Config holds worker pool settings.
type Config struct {
	Workers   int // Worker goroutine count
	QueueSize int // Bounded FIFO capacity per worker
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 1000}
}

// WorkerStats is a per-worker snapshot.
type WorkerStats struct {
	Processed  uint64
	Errors     uint64
	Dropped    uint64
	QueueDepth int
}

// Stats is a pool-wide snapshot.
type Stats struct {
	Workers    []WorkerStats
	Processed  uint64
	Errors     uint64
	Dropped    uint64
	QueueDepth int
}

// ErrorRate returns processing errors as a percentage of processed messages.
func (s Stats) ErrorRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Processed) * 100.0
}

// worker owns one bounded FIFO and processes messages one at a time.
type worker struct {
	id        int
	queue     chan connection.InboundMessage
	processor Processor
	logger    *slog.Logger

	processed atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
}

// offer enqueues without blocking: a full queue evicts its oldest entry so
// the newest message is always accepted.
func (w *worker) offer(msg connection.InboundMessage) {
	for {
		select {
		case w.queue <- msg:
			return
		default:
		}
		select {
		case <-w.queue:
			w.dropped.Add(1)
		default:
		}
	}
}

func (w *worker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			w.process(msg)
		}
	}
}

// process runs the processor with panic isolation: a panicking message is
// counted as an error and the worker keeps going.
func (w *worker) process(msg connection.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.errors.Add(1)
			w.logger.Error("processor panic recovered",
				"panic", r,
				"subscription", msg.SubscriptionID,
				"stack", string(debug.Stack()),
			)
		}
	}()

	w.processed.Add(1)
	if err := w.processor.Process(msg); err != nil {
		w.errors.Add(1)
		w.logger.Warn("processing error",
			"subscription", msg.SubscriptionID,
			"error", err,
		)
	}
}

func (w *worker) stats() WorkerStats {
	return WorkerStats{
		Processed:  w.processed.Load(),
		Errors:     w.errors.Load(),
		Dropped:    w.dropped.Load(),
		QueueDepth: len(w.queue),
	}
}

// Pool round-robins messages across N workers.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	workers []*worker
	next    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker pool around the given processor.
func New(cfg Config, processor Processor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{cfg: cfg, logger: logger}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, &worker{
			id:        i,
			queue:     make(chan connection.InboundMessage, cfg.QueueSize),
			processor: processor,
			logger:    logger.With("worker", i),
		})
	}
	return p
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(p.ctx, &p.wg)
	}

	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
	return nil
}

// Stop drains the workers, bounded by the caller's context.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timeout")
	}
	return nil
}

// Dispatch hands one message to the next worker, round-robin. It never
// blocks the caller.
func (p *Pool) Dispatch(msg connection.InboundMessage) {
	idx := int(p.next.Add(1)-1) % len(p.workers)
	p.workers[idx].offer(msg)
}

// Stats returns a pool-wide snapshot.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, w := range p.workers {
		ws := w.stats()
		s.Workers = append(s.Workers, ws)
		s.Processed += ws.Processed
		s.Errors += ws.Errors
		s.Dropped += ws.Dropped
		s.QueueDepth += ws.QueueDepth
	}
	return s
}
