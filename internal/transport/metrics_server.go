package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/devrev/amza/internal/health"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const systemStatsInterval = 15 * time.Second

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port    int
	Path    string
	DataDir string
}

// PoolReporter is a component that owns worker pools.
type PoolReporter interface {
	PoolStats() []workerpool.Stats
}

// MetricsServer serves the node's Prometheus registry and its probes on a port
// separate from replication traffic. While running it samples disk, heap and
// goroutine gauges for the data directory, and the occupancy of every pool.
type MetricsServer struct {
	cfg        MetricsServerConfig
	httpServer *http.Server
	metrics    *metrics.Metrics
	pools      []PoolReporter
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMetricsServer creates a metrics server over gatherer. /health and /ready
// are answered by checker.
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, checker *health.Checker,
	m *metrics.Metrics, logger *zap.Logger, pools ...PoolReporter) *MetricsServer {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger),
	}))
	mux.HandleFunc("/health", checker.LivenessHandler)
	mux.HandleFunc("/ready", checker.ReadinessHandler)

	return &MetricsServer{
		cfg: *cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		metrics: m,
		pools:   pools,
		logger:  logger,
	}
}

// Handler returns the server's handler, for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the port and serves in the background. A bind failure is returned.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.Path))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sampleSystemStats(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down and waits for the sampler.
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) sampleSystemStats(ctx context.Context) {
	ticker := time.NewTicker(systemStatsInterval)
	defer ticker.Stop()
	for {
		s.recordSystemStats()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *MetricsServer) recordSystemStats() {
	used, available, err := health.DiskStats(s.cfg.DataDir)
	if err != nil {
		s.logger.Warn("Failed to read disk stats", zap.String("data_dir", s.cfg.DataDir), zap.Error(err))
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.metrics.UpdateSystemStats(used, available, int64(mem.HeapAlloc), runtime.NumGoroutine())
	for _, p := range s.pools {
		for _, stats := range p.PoolStats() {
			s.metrics.UpdatePoolStats(stats.Name, stats.ActiveWorkers, stats.QueuedTasks)
		}
	}
}
