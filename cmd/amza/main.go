package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devrev/amza/internal/config"
	"github.com/devrev/amza/internal/health"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/replication"
	"github.com/devrev/amza/internal/ring"
	"github.com/devrev/amza/internal/service"
	"github.com/devrev/amza/internal/storage/highwater"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/devrev/amza/internal/take"
	"github.com/devrev/amza/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("member", cfg.Node.Member),
		zap.String("host", cfg.Node.Host),
		zap.Int("port", cfg.Node.Port))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Amza node failed", zap.Error(err))
	}
	logger.Info("Amza node stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg, cfg.Node.Member)

	member := model.RingMember(cfg.Node.Member)
	host := model.RingHost{Host: cfg.Node.Host, Port: cfg.Node.Port}

	rings := ring.NewStore(member, host, cfg.Replication.TakeFromFactor, m, logger)
	rings.LoadFromConfig(cfg.Rings)

	if cfg.Gossip.Enabled {
		gossip, err := ring.NewGossipService(&ring.GossipConfig{
			BindPort:      cfg.Gossip.BindPort,
			SeedNodes:     cfg.Gossip.SeedNodes,
			ProbeTimeout:  cfg.Gossip.ProbeTimeout,
			ProbeInterval: cfg.Gossip.ProbeInterval,
		}, rings, model.RingMemberAndHost{Member: member, Host: host}, logger)
		if err != nil {
			return fmt.Errorf("failed to start gossip: %w", err)
		}
		defer func() {
			if err := gossip.Shutdown(5 * time.Second); err != nil {
				logger.Warn("Failed to stop gossip", zap.Error(err))
			}
		}()
	}

	txIDs, err := txid.OpenSQLiteProvider(ctx, filepath.Join(cfg.Storage.DataDir, "txid.db"),
		cfg.Storage.OrderIDBlockSize, logger)
	if err != nil {
		return fmt.Errorf("failed to open transaction id provider: %w", err)
	}
	defer txIDs.Close()

	highwaters, err := highwater.Open(filepath.Join(cfg.Storage.DataDir, "highwaters.db"),
		cfg.Storage.HighwaterFlushUpdates, logger)
	if err != nil {
		return fmt.Errorf("failed to open highwater storage: %w", err)
	}
	defer highwaters.Close()

	svc, err := service.NewAmzaService(service.Config{
		DataDir:                cfg.Storage.DataDir,
		NumberOfStripes:        cfg.Storage.NumberOfStripes,
		MaxUpdatesBeforeMerge:  cfg.Storage.MaxUpdatesBeforeMerge,
		DeltaOverCapacity:      cfg.Storage.DeltaOverCapacity,
		MergePoolSize:          cfg.Storage.MergePoolSize,
		SyncWrites:             cfg.Storage.SyncWrites,
		CommitRetryMaxElapsed:  cfg.Storage.CommitRetryMaxElapsed,
		LeaseDuration:          cfg.Aquarium.LeaseDuration,
		TapInterval:            cfg.Aquarium.TapInterval,
		HighwaterFlushInterval: cfg.Storage.HighwaterFlushPeriod,
		Take: take.Config{
			CyaInterval: cfg.Replication.CyaInterval,
			SlowTake:    cfg.Replication.SlowTakeInterval,
		},
	}, rings, txIDs, highwaters, replication.NewAckWaters(), m, logger)
	if err != nil {
		return fmt.Errorf("failed to open amza service: %w", err)
	}

	client := transport.NewHTTPClient()
	clientCfg := transport.ClientConfig{
		RequestTimeout: cfg.Replication.RequestTimeout,
		FlushInterval:  cfg.Replication.RowsTakenFlushInterval,
	}
	rowsTaker := transport.NewHTTPRowsTaker(clientCfg, client, host, logger)
	availableRowsTaker := transport.NewHTTPAvailableRowsTaker(clientCfg, client, rowsTaker, logger)

	takes := health.NewTakeTracker(10)
	taker := replication.NewRowChangeTaker(replication.Config{
		LongPollTimeout:       cfg.Replication.LongPollTimeout,
		CyaInterval:           cfg.Replication.CyaInterval,
		ConsumerIdleInterval:  cfg.Replication.ConsumerIdleInterval,
		ReceiverRetryInterval: cfg.Replication.TakeBackoffInitial,
		TakeBackoffInitial:    cfg.Replication.TakeBackoffInitial,
		TakeBackoffMax:        cfg.Replication.TakeBackoffMax,
		TakeBackoffMaxElapsed: cfg.Replication.TakeBackoffMaxElapsed,
		TakeRowsPerSec:        cfg.Replication.TakeRowsPerSec,
		TakeRowsBurst:         cfg.Replication.TakeRowsBurst,
		TakerPoolSize:         cfg.Replication.TakerPoolSize,
	}, rings, host, highwaters, svc, rowsTaker, availableRowsTaker, txid.NewMemoryProvider(), takes, m, logger)

	compactor := service.NewTombstoneCompactor(service.CompactorConfig{
		TombstoneRetention: cfg.Compaction.TombstoneRetention,
		CheckInterval:      cfg.Compaction.CheckInterval,
	}, svc, m, logger)

	server := transport.NewServer(transport.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestsPerSec: cfg.Server.RequestsPerSec,
		RequestBurst:   cfg.Server.RequestBurst,
		Heartbeat:      cfg.Replication.HeartbeatInterval,
		MaxLongPoll:    cfg.Replication.LongPollTimeout,
	}, svc, svc, logger)

	checker := health.NewChecker(health.Config{Member: cfg.Node.Member}, logger,
		health.DiskSpace(cfg.Storage.DataDir),
		health.DataDirWritable(cfg.Storage.DataDir),
		health.SystemRingHosts(rings),
		takes.Check)
	go checker.Start(ctx)

	var metricsServer *transport.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = transport.NewMetricsServer(&transport.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
			DataDir: cfg.Storage.DataDir,
		}, reg, checker, m, logger, svc, taker)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	svc.Start(ctx)
	rowsTaker.Start(ctx)
	taker.Start(ctx)
	compactor.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		checker.SetDraining(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	serveErr := g.Wait()

	logger.Info("Shutting down amza node")
	timeout := cfg.Server.ShutdownTimeout
	compactor.Stop()
	if err := taker.Stop(timeout); err != nil {
		logger.Warn("Failed to stop row change taker", zap.Error(err))
	}
	rowsTaker.Stop()
	if err := svc.Stop(timeout); err != nil {
		logger.Warn("Failed to stop amza service", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
	return serveErr
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapConfig.Build()
}
