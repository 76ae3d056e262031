package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/devrev/amza/internal/util/notify"
	"github.com/devrev/amza/internal/util/workerpool"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errDisposed = errors.New("available rows receiver disposed")

// Config holds row taking configuration.
type Config struct {
	LongPollTimeout       time.Duration
	CyaInterval           time.Duration
	ConsumerIdleInterval  time.Duration
	ReceiverRetryInterval time.Duration
	TakeBackoffInitial    time.Duration
	TakeBackoffMax        time.Duration
	TakeBackoffMaxElapsed time.Duration
	TakeRowsPerSec        float64
	TakeRowsBurst         int
	TakerPoolSize         int
}

// RowChangeTaker keeps one AvailableRowsReceiver per system ring neighbour and
// one consumer per delta stripe plus one for system partitions. Receivers long
// poll their member and record what it offers; consumers turn offers into row
// takes run on the stripe's taker pool.
type RowChangeTaker struct {
	cfg                Config
	rings              RingReader
	localHost          model.RingHost
	highwaters         HighwaterStorage
	partitions         LocalPartitions
	rowsTaker          RowsTaker
	availableRowsTaker AvailableRowsTaker
	sessionIDs         txid.OrderIDProvider
	listener           TakeFailureListener
	limiter            *rate.Limiter
	metrics            *metrics.Metrics
	logger             *zap.Logger

	systemPool      *workerpool.WorkerPool
	stripePools     []*workerpool.WorkerPool
	systemConsumer  *notify.Signal
	stripeConsumers []*notify.Signal
	realign         *notify.Signal
	takerSeq        atomic.Int64

	mu        sync.Mutex
	receivers map[model.RingMember]*AvailableRowsReceiver
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRowChangeTaker wires a taker. listener may be nil.
func NewRowChangeTaker(cfg Config,
	rings RingReader,
	localHost model.RingHost,
	highwaters HighwaterStorage,
	partitions LocalPartitions,
	rowsTaker RowsTaker,
	availableRowsTaker AvailableRowsTaker,
	sessionIDs txid.OrderIDProvider,
	listener TakeFailureListener,
	m *metrics.Metrics,
	logger *zap.Logger) *RowChangeTaker {

	limit := rate.Inf
	if cfg.TakeRowsPerSec > 0 {
		limit = rate.Limit(cfg.TakeRowsPerSec)
	}
	t := &RowChangeTaker{
		cfg:                cfg,
		rings:              rings,
		localHost:          localHost,
		highwaters:         highwaters,
		partitions:         partitions,
		rowsTaker:          rowsTaker,
		availableRowsTaker: availableRowsTaker,
		sessionIDs:         sessionIDs,
		listener:           listener,
		limiter:            rate.NewLimiter(limit, max(cfg.TakeRowsBurst, 1)),
		metrics:            m,
		logger:             logger,
		systemConsumer:     notify.NewSignal(),
		realign:            notify.NewSignal(),
		receivers:          make(map[model.RingMember]*AvailableRowsReceiver),
	}
	t.systemPool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "system-row-taker",
		MaxWorkers: cfg.TakerPoolSize,
		QueueSize:  1024,
		Logger:     logger,
		OnDone:     m.PoolTaskRecorder("system-row-taker"),
	})
	for i := 0; i < partitions.NumberOfStripes(); i++ {
		name := fmt.Sprintf("row-taker-%d", i)
		t.stripePools = append(t.stripePools, workerpool.NewWorkerPool(&workerpool.Config{
			Name:       name,
			MaxWorkers: cfg.TakerPoolSize,
			QueueSize:  1024,
			Logger:     logger,
			OnDone:     m.PoolTaskRecorder(name),
		}))
		t.stripeConsumers = append(t.stripeConsumers, notify.NewSignal())
	}
	return t
}

// Start runs the realignment loop and the consumers until Stop or ctx ends.
func (t *RowChangeTaker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.goLoop(func() { t.consume(ctx, t.systemConsumer, isSystem) })
	for i := range t.stripeConsumers {
		stripe := i
		inStripe := func(vpn model.VersionedPartitionName) bool {
			name := vpn.PartitionName
			return !name.IsSystem() && t.partitions.Stripe(name) == stripe
		}
		t.goLoop(func() { t.consume(ctx, t.stripeConsumers[stripe], inStripe) })
	}
	t.goLoop(func() { t.cya(ctx) })
	t.logger.Info("Row change taker started", zap.Int("stripes", len(t.stripeConsumers)))
}

func isSystem(vpn model.VersionedPartitionName) bool {
	return vpn.PartitionName.IsSystem()
}

func (t *RowChangeTaker) goLoop(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Changes nudges realignment, for example after partition properties change.
func (t *RowChangeTaker) Changes(vpn model.VersionedPartitionName) {
	t.realign.Broadcast()
}

func (t *RowChangeTaker) cya(ctx context.Context) {
	for {
		wake := t.realign.C()
		t.realignReceivers(ctx)
		if !notify.Wait(ctx, wake, t.cfg.CyaInterval) {
			return
		}
	}
}

func (t *RowChangeTaker) realignReceivers(ctx context.Context) {
	desired := make(map[model.RingMember]struct{})
	for _, n := range t.rings.GetNeighboringRingMembers(model.SystemRingName) {
		desired[n.Member] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for member := range desired {
		if _, ok := t.receivers[member]; ok {
			continue
		}
		r := newAvailableRowsReceiver(t, member, t.sessionIDs.NextID())
		t.receivers[member] = r
		t.goLoop(func() { r.run(ctx) })
		t.logger.Info("Added available rows receiver", zap.String("member", member.String()))
	}
	for member, r := range t.receivers {
		if _, ok := desired[member]; !ok {
			r.dispose()
			delete(t.receivers, member)
			t.logger.Info("Removed available rows receiver", zap.String("member", member.String()))
		}
	}
}

func (t *RowChangeTaker) snapshotReceivers() []*AvailableRowsReceiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*AvailableRowsReceiver, 0, len(t.receivers))
	for _, r := range t.receivers {
		out = append(out, r)
	}
	return out
}

// Receiver returns the receiver for member, if any.
func (t *RowChangeTaker) Receiver(member model.RingMember) (*AvailableRowsReceiver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.receivers[member]
	return r, ok
}

func (t *RowChangeTaker) consume(ctx context.Context, signal *notify.Signal, predicate func(model.VersionedPartitionName) bool) {
	for {
		wake := signal.C()
		consumed := false
		for _, r := range t.snapshotReceivers() {
			if r.consume(ctx, predicate) {
				consumed = true
			}
		}
		if consumed {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !notify.Wait(ctx, wake, t.cfg.ConsumerIdleInterval) {
			return
		}
	}
}

func (t *RowChangeTaker) consumerSignal(name model.PartitionName) *notify.Signal {
	if name.IsSystem() {
		return t.systemConsumer
	}
	return t.stripeConsumers[t.partitions.Stripe(name)]
}

func (t *RowChangeTaker) pool(name model.PartitionName) *workerpool.WorkerPool {
	if name.IsSystem() {
		return t.systemPool
	}
	return t.stripePools[t.partitions.Stripe(name)]
}

// PoolStats reports the taker pools.
func (t *RowChangeTaker) PoolStats() []workerpool.Stats {
	stats := []workerpool.Stats{t.systemPool.Stats()}
	for _, p := range t.stripePools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Stop disposes every receiver, stops the loops and the taker pools.
func (t *RowChangeTaker) Stop(timeout time.Duration) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	for member, r := range t.receivers {
		r.dispose()
		delete(t.receivers, member)
	}
	t.mu.Unlock()

	var result *multierror.Error
	for _, p := range append([]*workerpool.WorkerPool{t.systemPool}, t.stripePools...) {
		if err := p.Stop(timeout); err != nil {
			result = multierror.Append(result, err)
		}
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		result = multierror.Append(result, fmt.Errorf("row change taker loops did not stop after %v", timeout))
	}
	t.logger.Info("Row change taker stopped")
	return result.ErrorOrNil()
}

// newSharedKey makes the key a receiver presents with its session id.
func newSharedKey() string {
	return uuid.NewString()
}
