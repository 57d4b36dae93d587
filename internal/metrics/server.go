package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/tick-relay/internal/model"
)

// SnapshotSource provides the latest health snapshot to project onto the
// collectors.
type SnapshotSource interface {
	Latest() model.HealthSnapshot
}

// ServerConfig holds metrics endpoint settings.
type ServerConfig struct {
	Port           int
	Path           string
	SampleInterval time.Duration
}

// Server serves the Prometheus endpoint and runs the collector loop.
type Server struct {
	cfg     ServerConfig
	metrics *Metrics
	source  SnapshotSource
	logger  *slog.Logger

	srv    *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a metrics server around an existing collector set.
func NewServer(cfg ServerConfig, metrics *Metrics, source SnapshotSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Server{cfg: cfg, metrics: metrics, source: source, logger: logger}
}

// Start serves the endpoint and begins the collector loop.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	go s.collect()

	s.logger.Info("metrics server listening", "addr", s.srv.Addr, "path", s.cfg.Path)
	return nil
}

// Stop shuts down the endpoint and the collector loop.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("metrics server shutdown timeout")
	}
	return err
}

func (s *Server) collect() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	s.metrics.Apply(s.source.Latest())
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.metrics.Apply(s.source.Latest())
		}
	}
}
