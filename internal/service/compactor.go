package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"go.uber.org/zap"
)

// CompactorConfig holds tombstone compaction configuration
type CompactorConfig struct {
	TombstoneRetention time.Duration
	CheckInterval      time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// compactionJob is one partition to compact.
type compactionJob struct {
	jobID   string
	stripe  *PartitionStripe
	vpn     model.VersionedPartitionName
	horizon int64
}

// TombstoneCompactor periodically rewrites base stores without tombstones older
// than the retention. Each stripe has its own worker so a slow rewrite only
// delays partitions on the same stripe.
type TombstoneCompactor struct {
	config  CompactorConfig
	service *AmzaService
	metrics *metrics.Metrics
	logger  *zap.Logger

	jobQueues []chan compactionJob
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	compactions       atomic.Uint64
	tombstonesRemoved atomic.Uint64
	compactionErrors  atomic.Uint64
}

// NewTombstoneCompactor creates a compactor for every stripe of service.
func NewTombstoneCompactor(cfg CompactorConfig, service *AmzaService, m *metrics.Metrics, logger *zap.Logger) *TombstoneCompactor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &TombstoneCompactor{
		config:   cfg,
		service:  service,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for range service.Stripes() {
		c.jobQueues = append(c.jobQueues, make(chan compactionJob, 100))
	}
	return c
}

// Start runs the scheduler and one worker per stripe.
func (c *TombstoneCompactor) Start() {
	for i := range c.jobQueues {
		c.wg.Add(1)
		go c.compactionWorker(i)
	}
	c.wg.Add(1)
	go c.compactionScheduler()
}

// Stop waits for the scheduler and workers to exit.
func (c *TombstoneCompactor) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

func (c *TombstoneCompactor) compactionScheduler() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.scheduleAll()
		case <-c.stopChan:
			return
		}
	}
}

// horizon is the timestamp below which name's tombstones may be dropped.
func (c *TombstoneCompactor) horizon(name model.PartitionName) int64 {
	retention := c.config.TombstoneRetention
	if props, ok, err := c.service.Properties(name); err == nil && ok && props.TombstoneRetention > 0 {
		retention = props.TombstoneRetention
	}
	return c.config.Now().Add(-retention).UnixMicro()
}

func (c *TombstoneCompactor) scheduleAll() {
	now := c.config.Now()
	for i, stripe := range c.service.Stripes() {
		for _, vpn := range stripe.Partitions() {
			job := compactionJob{
				jobID:   fmt.Sprintf("compact-%s-%d", vpn.ToBase64(), now.Unix()),
				stripe:  stripe,
				vpn:     vpn,
				horizon: c.horizon(vpn.PartitionName),
			}
			select {
			case c.jobQueues[i] <- job:
			default:
				c.logger.Warn("Compaction queue full", zap.Int("stripe", i))
			}
		}
	}
}

func (c *TombstoneCompactor) compactionWorker(stripe int) {
	defer c.wg.Done()
	for {
		select {
		case job := <-c.jobQueues[stripe]:
			c.executeCompaction(job)
		case <-c.stopChan:
			return
		}
	}
}

// CompactNow compacts every partition synchronously.
func (c *TombstoneCompactor) CompactNow() error {
	for _, stripe := range c.service.Stripes() {
		for _, vpn := range stripe.Partitions() {
			err := c.executeCompaction(compactionJob{
				jobID:   "compact-now-" + vpn.ToBase64(),
				stripe:  stripe,
				vpn:     vpn,
				horizon: c.horizon(vpn.PartitionName),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *TombstoneCompactor) executeCompaction(job compactionJob) error {
	start := time.Now()
	stats, err := job.stripe.CompactTombstones(job.vpn, job.horizon)
	if err != nil {
		c.compactionErrors.Add(1)
		c.logger.Error("Compaction failed",
			zap.String("job_id", job.jobID),
			zap.String("partition", job.vpn.String()),
			zap.Error(err))
		return err
	}
	c.compactions.Add(1)
	c.tombstonesRemoved.Add(uint64(stats.RemovedTombstones))
	c.metrics.RecordCompaction(stats.RemovedTombstones)
	c.logger.Debug("Compaction completed",
		zap.String("job_id", job.jobID),
		zap.String("partition", job.vpn.String()),
		zap.Int64("generation", stats.Generation),
		zap.Int("kept_rows", stats.KeptRows),
		zap.Int("tombstones_removed", stats.RemovedTombstones),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// CompactorStats is a point-in-time view of the compactor's counters.
type CompactorStats struct {
	Compactions       uint64
	TombstonesRemoved uint64
	Errors            uint64
}

// Stats returns the compactor's counters.
func (c *TombstoneCompactor) Stats() CompactorStats {
	return CompactorStats{
		Compactions:       c.compactions.Load(),
		TombstonesRemoved: c.tombstonesRemoved.Load(),
		Errors:            c.compactionErrors.Load(),
	}
}
