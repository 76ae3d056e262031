package take

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/ring"
	"github.com/devrev/amza/internal/util/notify"
	"go.uber.org/zap"
)

// Config holds take coordination timings.
type Config struct {
	CyaInterval time.Duration
	SlowTake    time.Duration
}

// Coordinator is the node-wide entry point of the take protocol. Local commits
// report new txIds through Update; remote members long poll AvailableRowsStream
// to learn which partitions they should take, and acknowledge with RowsTaken.
type Coordinator struct {
	cfg     Config
	rings   ring.Reader
	checker PartitionChecker
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu              sync.RWMutex
	ringCoordinator map[string]*RingCoordinator

	updates atomic.Int64
	members notify.Keyed[model.RingMember]
	cya     *notify.Signal

	streamsMu sync.Mutex
	streams   map[model.RingMember]int
}

// NewCoordinator creates a take coordinator.
func NewCoordinator(cfg Config, rings ring.Reader, checker PartitionChecker, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:             cfg,
		rings:           rings,
		checker:         checker,
		metrics:         m,
		logger:          logger,
		ringCoordinator: make(map[string]*RingCoordinator),
		cya:             notify.NewSignal(),
		streams:         make(map[model.RingMember]int),
	}
}

// Start runs the realignment loop until ctx ends. Whenever a ring's snapshot
// changes, its categories are recomputed and remote takers are woken.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		for {
			wake := c.cya.C()
			c.realign()
			if !notify.Wait(ctx, wake, c.cfg.CyaInterval) {
				return
			}
		}
	}()
}

// AwakeCya triggers a realignment pass without waiting for the interval.
func (c *Coordinator) AwakeCya() {
	c.cya.Broadcast()
}

func (c *Coordinator) realign() {
	c.mu.RLock()
	names := make([]string, 0, len(c.ringCoordinator))
	for name := range c.ringCoordinator {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		rc, ok := c.getRingCoordinator(name)
		if !ok {
			continue
		}
		topology := c.rings.GetRing(name)
		if rc.Cya(topology) {
			c.logger.Debug("Realigned take ring", zap.String("ring", name), zap.Int64("version", topology.Version))
			c.updates.Add(1)
			c.awakeRemoteTakers(topology)
		}
	}
}

func (c *Coordinator) getRingCoordinator(name string) (*RingCoordinator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rc, ok := c.ringCoordinator[name]
	return rc, ok
}

func (c *Coordinator) ensureRingCoordinator(name string) *RingCoordinator {
	if rc, ok := c.getRingCoordinator(name); ok {
		return rc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.ringCoordinator[name]; ok {
		return rc
	}
	rc := NewRingCoordinator(c.rings.GetRing(name), c.checker, c.cfg.SlowTake, c.logger)
	c.ringCoordinator[name] = rc
	return rc
}

func (c *Coordinator) awakeRemoteTakers(topology *ring.Topology) {
	for i, e := range topology.Entries {
		if i != topology.RootMemberIndex {
			c.members.Broadcast(e.Member)
		}
	}
}

// Update records that vpn now has rows up to txID and wakes the ring's members.
func (c *Coordinator) Update(vpn model.VersionedPartitionName, txID int64) {
	c.update(vpn, txID, 0, false)
}

// UpdateWithQuorum is Update for a commit waiting on quorum acknowledgements;
// offers fan out until quorum members have taken txID.
func (c *Coordinator) UpdateWithQuorum(vpn model.VersionedPartitionName, txID int64, quorum int) {
	c.update(vpn, txID, quorum, false)
}

// StateChanged re-offers vpn to every member, so takers that are already caught
// up still learn about the partition's new state.
func (c *Coordinator) StateChanged(vpn model.VersionedPartitionName) {
	c.update(vpn, 0, 0, true)
}

func (c *Coordinator) update(vpn model.VersionedPartitionName, txID int64, quorum int, invalidate bool) {
	c.updates.Add(1)
	name := vpn.PartitionName.RingNameString()
	topology := c.rings.GetRing(name)
	c.ensureRingCoordinator(name).Update(topology, vpn, txID, quorum, invalidate)
	c.awakeRemoteTakers(topology)
}

// Expunged forgets partitions that were destroyed.
func (c *Coordinator) Expunged(vpns []model.VersionedPartitionName) {
	byRing := make(map[string][]model.VersionedPartitionName)
	for _, vpn := range vpns {
		name := vpn.PartitionName.RingNameString()
		byRing[name] = append(byRing[name], vpn)
	}
	for name, expunged := range byRing {
		if rc, ok := c.getRingCoordinator(name); ok {
			rc.Expunged(expunged)
		}
	}
}

// AvailableRowsStream serves one long poll from remote. It repeatedly offers
// every partition remote should take, then parks until an update arrives or the
// suggested wait passes. Each heartbeat calls deliver when offers were made since
// the last one and ping otherwise, so the connection stays alive. It returns when ctx ends or a callback fails.
func (c *Coordinator) AvailableRowsStream(ctx context.Context,
	remote model.RingMember,
	sessionID int64,
	heartbeat time.Duration,
	offer OfferFunc,
	deliver func() error,
	ping func() error) error {

	c.metrics.AvailableRowsStreamsTotal.Inc()
	offered := 0
	watch := func(vpn model.VersionedPartitionName, txID int64) error {
		offered++
		return offer(vpn, txID)
	}
	signal := c.openStream(remote)
	defer c.closeStream(remote)

	for {
		start := c.updates.Load()
		wake := signal.C()
		offered = 0

		suggested := NoWait
		for _, name := range c.rings.RingNames(remote) {
			wait, err := c.ensureRingCoordinator(name).AvailableRowsStream(remote, sessionID, watch)
			if err != nil {
				return err
			}
			if wait < suggested {
				suggested = wait
			}
		}
		if suggested == NoWait {
			suggested = heartbeat
		}

		began := time.Now()
		remaining := suggested
		for start == c.updates.Load() && time.Since(began) < suggested {
			var err error
			if offered == 0 {
				err = ping()
			} else {
				err = deliver()
				offered = 0
			}
			if err != nil {
				return err
			}
			if !notify.Wait(ctx, wake, min(remaining, heartbeat)) {
				return ctx.Err()
			}
			wake = signal.C()
			remaining -= heartbeat
			if remaining < 0 {
				break
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// openStream returns remote's wakeup signal. The signal lives while remote has
// a long poll open.
func (c *Coordinator) openStream(remote model.RingMember) *notify.Signal {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.streams[remote]++
	return c.members.Get(remote)
}

func (c *Coordinator) closeStream(remote model.RingMember) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.streams[remote]--
	if c.streams[remote] <= 0 {
		delete(c.streams, remote)
		c.members.Delete(remote)
	}
}

// OpenStreams is the number of members with a long poll open.
func (c *Coordinator) OpenStreams() int {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return len(c.streams)
}

// RowsTaken records that remote took vpn's rows up to txID.
func (c *Coordinator) RowsTaken(remote model.RingMember, sessionID int64, vpn model.VersionedPartitionName, txID int64) {
	if rc, ok := c.getRingCoordinator(vpn.PartitionName.RingNameString()); ok {
		rc.RowsTaken(remote, sessionID, vpn, txID)
	}
}

// Coordinator returns the partition coordinator for vpn, if one exists.
func (c *Coordinator) Coordinator(vpn model.VersionedPartitionName) (*PartitionCoordinator, bool) {
	rc, ok := c.getRingCoordinator(vpn.PartitionName.RingNameString())
	if !ok {
		return nil, false
	}
	return rc.Coordinator(vpn)
}
