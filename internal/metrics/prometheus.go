package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus series of one amza node. It is built against an
// explicit registerer and handed to every component that reports.
type Metrics struct {
	// Take metrics, labelled by the remote member
	TookTotal                 *prometheus.CounterVec
	TookAppliedTotal          *prometheus.CounterVec
	TakeErrorsTotal           *prometheus.CounterVec
	TakeConsecutiveFailures   *prometheus.GaugeVec
	LongPollsTotal            *prometheus.CounterVec
	LongPollAvailablesTotal   *prometheus.CounterVec
	BackPressure              prometheus.Gauge
	PushBacksTotal            prometheus.Counter
	RowsStreamRequests        prometheus.Counter
	AvailableRowsStreamsTotal prometheus.Counter
	RowsTakenRequests         prometheus.Counter

	// Storage metrics
	DeltaMergesTotal     prometheus.Counter
	DeltaMergedRowsTotal prometheus.Counter
	DeltaMergeDuration   prometheus.Histogram
	CommitDuration       prometheus.Histogram
	QuorumFailuresTotal  prometheus.Counter
	CompactionsTotal     prometheus.Counter
	TombstonesRemoved    prometheus.Counter

	// Ring metrics
	RingMembers *prometheus.GaugeVec

	// Worker pool metrics, labelled by pool name
	PoolTaskDuration      *prometheus.HistogramVec
	PoolTaskFailuresTotal *prometheus.CounterVec
	PoolActiveWorkers     *prometheus.GaugeVec
	PoolQueuedTasks       *prometheus.GaugeVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryAllocBytes   prometheus.Gauge
	Goroutines         prometheus.Gauge
}

// NewMetrics creates and registers all series with reg.
func NewMetrics(reg prometheus.Registerer, member string) *Metrics {
	labels := prometheus.Labels{"member": member}
	f := promauto.With(reg)

	return &Metrics{
		TookTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "took_rows_total",
			Help:        "Rows streamed from a remote member",
			ConstLabels: labels,
		}, []string{"from"}),
		TookAppliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "took_applied_total",
			Help:        "Rows taken from a remote member that changed local state",
			ConstLabels: labels,
		}, []string{"from"}),
		TakeErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "errors_total",
			Help:        "Failed take attempts per remote member",
			ConstLabels: labels,
		}, []string{"from"}),
		TakeConsecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "consecutive_failures",
			Help:        "Take failures since the last success per remote member",
			ConstLabels: labels,
		}, []string{"from"}),
		LongPollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "long_polls_total",
			Help:        "Available rows long polls issued per remote member",
			ConstLabels: labels,
		}, []string{"from"}),
		LongPollAvailablesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "long_poll_availables_total",
			Help:        "Available rows notifications received per remote member",
			ConstLabels: labels,
		}, []string{"from"}),
		BackPressure: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "back_pressure",
			Help:        "Consecutive delta over capacity rejections seen by takers",
			ConstLabels: labels,
		}),
		PushBacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "take",
			Name:        "push_backs_total",
			Help:        "Takes pushed back because the local partition could not accept them",
			ConstLabels: labels,
		}),
		RowsStreamRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "server",
			Name:        "rows_stream_requests_total",
			Help:        "Rows stream requests served",
			ConstLabels: labels,
		}),
		AvailableRowsStreamsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "server",
			Name:        "available_rows_streams_total",
			Help:        "Available rows long polls served",
			ConstLabels: labels,
		}),
		RowsTakenRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "server",
			Name:        "rows_taken_requests_total",
			Help:        "Rows taken acknowledgements received",
			ConstLabels: labels,
		}),

		DeltaMergesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "delta_merges_total",
			Help:        "Deltas merged into base stores",
			ConstLabels: labels,
		}),
		DeltaMergedRowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "delta_merged_rows_total",
			Help:        "Rows applied to base stores by merges",
			ConstLabels: labels,
		}),
		DeltaMergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "delta_merge_duration_seconds",
			Help:        "Histogram of delta merge durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "commit_duration_seconds",
			Help:        "Histogram of client commit durations including quorum waits",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		QuorumFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "quorum_failures_total",
			Help:        "Commits that did not reach their take quorum",
			ConstLabels: labels,
		}),
		CompactionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "compactions_total",
			Help:        "Tombstone compactions completed",
			ConstLabels: labels,
		}),
		TombstonesRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "storage",
			Name:        "tombstones_removed_total",
			Help:        "Tombstones dropped by compaction",
			ConstLabels: labels,
		}),

		RingMembers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "ring",
			Name:        "members",
			Help:        "Members per ring",
			ConstLabels: labels,
		}, []string{"ring"}),

		PoolTaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "amza",
			Subsystem:   "pool",
			Name:        "task_duration_seconds",
			Help:        "Histogram of worker pool task durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"pool"}),
		PoolTaskFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "amza",
			Subsystem:   "pool",
			Name:        "task_failures_total",
			Help:        "Worker pool tasks that returned an error or panicked",
			ConstLabels: labels,
		}, []string{"pool"}),
		PoolActiveWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "pool",
			Name:        "active_workers",
			Help:        "Workers running a task",
			ConstLabels: labels,
		}, []string{"pool"}),
		PoolQueuedTasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "pool",
			Name:        "queued_tasks",
			Help:        "Tasks waiting for a worker",
			ConstLabels: labels,
		}, []string{"pool"}),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Bytes used on the data directory's filesystem",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Bytes available on the data directory's filesystem",
			ConstLabels: labels,
		}),
		MemoryAllocBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "system",
			Name:        "memory_alloc_bytes",
			Help:        "Heap bytes allocated",
			ConstLabels: labels,
		}),
		Goroutines: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "amza",
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// NewNopMetrics registers against a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "nop")
}

// RecordTook records rows streamed from member and how many of them applied.
func (m *Metrics) RecordTook(member string, rows, applied int) {
	m.TookTotal.WithLabelValues(member).Add(float64(rows))
	m.TookAppliedTotal.WithLabelValues(member).Add(float64(applied))
	m.TakeConsecutiveFailures.WithLabelValues(member).Set(0)
}

// RecordTakeError counts a failed take from member.
func (m *Metrics) RecordTakeError(member string) {
	m.TakeErrorsTotal.WithLabelValues(member).Inc()
	m.TakeConsecutiveFailures.WithLabelValues(member).Inc()
}

// RecordLongPoll counts one long poll to member and the availables it delivered.
func (m *Metrics) RecordLongPoll(member string, availables int) {
	m.LongPollsTotal.WithLabelValues(member).Inc()
	m.LongPollAvailablesTotal.WithLabelValues(member).Add(float64(availables))
}

// RecordMerge records one delta merge.
func (m *Metrics) RecordMerge(duration time.Duration, rows int) {
	m.DeltaMergesTotal.Inc()
	m.DeltaMergedRowsTotal.Add(float64(rows))
	m.DeltaMergeDuration.Observe(duration.Seconds())
}

// RecordCompaction records one tombstone compaction.
func (m *Metrics) RecordCompaction(removed int) {
	m.CompactionsTotal.Inc()
	m.TombstonesRemoved.Add(float64(removed))
}

// PoolTaskRecorder returns a task completion callback that records into pool's series.
func (m *Metrics) PoolTaskRecorder(pool string) func(key string, duration time.Duration, err error) {
	duration := m.PoolTaskDuration.WithLabelValues(pool)
	failures := m.PoolTaskFailuresTotal.WithLabelValues(pool)
	return func(_ string, d time.Duration, err error) {
		duration.Observe(d.Seconds())
		if err != nil {
			failures.Inc()
		}
	}
}

// UpdatePoolStats sets the occupancy gauges of one worker pool.
func (m *Metrics) UpdatePoolStats(pool string, active, queued int) {
	m.PoolActiveWorkers.WithLabelValues(pool).Set(float64(active))
	m.PoolQueuedTasks.WithLabelValues(pool).Set(float64(queued))
}

// UpdateSystemStats updates system level gauges.
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memAlloc int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryAllocBytes.Set(float64(memAlloc))
	m.Goroutines.Set(float64(goroutines))
}
