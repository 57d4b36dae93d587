package dist

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
)

// SnapshotSource provides the latest health snapshot for publication.
type SnapshotSource interface {
	Latest() model.HealthSnapshot
}

// HealthWriter periodically writes the relay's health record under a
// TTL'd key. Readers classify staleness purely from the record's age; the
// final write before shutdown is not guaranteed.
type HealthWriter struct {
	store    Store
	keys     Keys
	source   SnapshotSource
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	pid       int
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthWriter creates a health writer.
func NewHealthWriter(store Store, keys Keys, source SnapshotSource, interval, ttl time.Duration, logger *slog.Logger) *HealthWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthWriter{
		store:    store,
		keys:     keys,
		source:   source,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
		pid:      os.Getpid(),
	}
}

// Start begins the write loop with an immediate first write.
func (w *HealthWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.startedAt = time.Now()

	w.wg.Add(1)
	go w.loop()

	return nil
}

// Stop halts the write loop, bounded by the caller's context.
func (w *HealthWriter) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("health writer shutdown timeout")
	}
	return nil
}

func (w *HealthWriter) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.writeOnce()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.writeOnce()
		}
	}
}

func (w *HealthWriter) writeOnce() {
	now := time.Now()
	record := model.HealthRecord{
		Snapshot:  w.source.Latest(),
		PID:       w.pid,
		StartedAt: w.startedAt,
		UptimeSec: now.Sub(w.startedAt).Seconds(),
		WrittenAt: now,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("marshal health record", "error", err)
		return
	}

	if err := w.store.SetEx(w.ctx, w.keys.Health(), payload, w.ttl); err != nil {
		w.logger.Warn("health write failed", "error", err)
	}
}
