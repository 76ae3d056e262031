package take

import (
	"sync"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/ring"
	"go.uber.org/zap"
)

// PartitionChecker reports whether a partition version is still worth offering.
// It returns a PartitionDisposed, NotARingMember or PropertiesNotPresent error
// when it is not, and nil otherwise.
type PartitionChecker interface {
	CheckPartition(vpn model.VersionedPartitionName) error
}

// PartitionCheckerFunc adapts a function to PartitionChecker.
type PartitionCheckerFunc func(vpn model.VersionedPartitionName) error

func (f PartitionCheckerFunc) CheckPartition(vpn model.VersionedPartitionName) error {
	return f(vpn)
}

// RingCoordinator holds the partition coordinators of one ring and the
// categories computed from the ring's current snapshot.
type RingCoordinator struct {
	ringName string
	checker  PartitionChecker
	slowTake time.Duration
	logger   *zap.Logger

	ringMu sync.Mutex
	ring   *VersionedRing

	mu           sync.RWMutex
	coordinators map[model.VersionedPartitionName]*PartitionCoordinator
}

// NewRingCoordinator creates a coordinator for topology's ring.
func NewRingCoordinator(topology *ring.Topology, checker PartitionChecker, slowTake time.Duration, logger *zap.Logger) *RingCoordinator {
	return &RingCoordinator{
		ringName:     topology.RingName,
		checker:      checker,
		slowTake:     slowTake,
		logger:       logger,
		ring:         Compute(topology),
		coordinators: make(map[model.VersionedPartitionName]*PartitionCoordinator),
	}
}

func (rc *RingCoordinator) ensureRing(topology *ring.Topology) *VersionedRing {
	rc.ringMu.Lock()
	defer rc.ringMu.Unlock()
	if !rc.ring.IsStillValid(topology) {
		rc.ring = Compute(topology)
	}
	return rc.ring
}

func (rc *RingCoordinator) currentRing() *VersionedRing {
	rc.ringMu.Lock()
	defer rc.ringMu.Unlock()
	return rc.ring
}

// Cya recomputes categories when topology is a new snapshot and reports
// whether it did.
func (rc *RingCoordinator) Cya(topology *ring.Topology) bool {
	before := rc.currentRing()
	return rc.ensureRing(topology) != before
}

func (rc *RingCoordinator) ensureCoordinator(vpn model.VersionedPartitionName) *PartitionCoordinator {
	rc.mu.RLock()
	c, ok := rc.coordinators[vpn]
	rc.mu.RUnlock()
	if ok {
		return c
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if c, ok := rc.coordinators[vpn]; ok {
		return c
	}
	c = NewPartitionCoordinator(vpn, rc.slowTake)
	rc.coordinators[vpn] = c
	return c
}

// Coordinator returns the partition's coordinator, if any.
func (rc *RingCoordinator) Coordinator(vpn model.VersionedPartitionName) (*PartitionCoordinator, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	c, ok := rc.coordinators[vpn]
	return c, ok
}

// Update records a new local txId for vpn.
func (rc *RingCoordinator) Update(topology *ring.Topology, vpn model.VersionedPartitionName, txID int64, quorum int, invalidate bool) {
	rc.ensureRing(topology)
	rc.ensureCoordinator(vpn).UpdateTxID(txID, quorum, invalidate)
}

// Expunged drops the coordinators of partitions that no longer exist.
func (rc *RingCoordinator) Expunged(vpns []model.VersionedPartitionName) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, vpn := range vpns {
		if _, ok := rc.coordinators[vpn]; ok {
			delete(rc.coordinators, vpn)
			rc.logger.Info("Removed partition coordinator for expunged partition",
				zap.String("partition", vpn.String()))
		}
	}
}

func (rc *RingCoordinator) remove(vpn model.VersionedPartitionName) {
	rc.mu.Lock()
	delete(rc.coordinators, vpn)
	rc.mu.Unlock()
}

// AvailableRowsStream offers member every partition it should take and returns
// the smallest suggested wait.
func (rc *RingCoordinator) AvailableRowsStream(member model.RingMember, sessionID int64, offer OfferFunc) (time.Duration, error) {
	vr := rc.currentRing()
	rc.mu.RLock()
	coordinators := make([]*PartitionCoordinator, 0, len(rc.coordinators))
	for _, c := range rc.coordinators {
		coordinators = append(coordinators, c)
	}
	rc.mu.RUnlock()

	suggested := NoWait
	for _, c := range coordinators {
		wait, err := rc.streamPartition(vr, c, member, sessionID, offer)
		if err != nil {
			return NoWait, err
		}
		if wait < suggested {
			suggested = wait
		}
	}
	return suggested, nil
}

func (rc *RingCoordinator) streamPartition(vr *VersionedRing, c *PartitionCoordinator, member model.RingMember, sessionID int64, offer OfferFunc) (time.Duration, error) {
	if err := rc.checker.CheckPartition(c.vpn); err != nil {
		switch amzaerrors.GetCode(err) {
		case amzaerrors.ErrCodePartitionDisposed:
			rc.logger.Warn("Partition was disposed when streaming available rows", zap.String("partition", c.vpn.String()))
			rc.remove(c.vpn)
		case amzaerrors.ErrCodeNotARingMember:
			rc.logger.Warn("Not a ring member when streaming available rows", zap.String("partition", c.vpn.String()))
			rc.remove(c.vpn)
		case amzaerrors.ErrCodePropertiesNotPresent:
			rc.logger.Warn("Properties not present when streaming available rows", zap.String("partition", c.vpn.String()))
		default:
			rc.logger.Error("Failed to check partition", zap.String("partition", c.vpn.String()), zap.Error(err))
		}
		return NoWait, nil
	}
	return c.AvailableRowsStream(vr, member, sessionID, offer)
}

// RowsTaken records member's acknowledgement of vpn up to txID.
func (rc *RingCoordinator) RowsTaken(member model.RingMember, sessionID int64, vpn model.VersionedPartitionName, txID int64) {
	if c, ok := rc.Coordinator(vpn); ok {
		c.RowsTaken(member, sessionID, txID)
	}
}

// Len is the number of partitions tracked.
func (rc *RingCoordinator) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.coordinators)
}
