package take

import (
	"sync"
	"time"

	"github.com/devrev/amza/internal/model"
)

// OfferFunc receives one available (partition, txId) pair for a remote member.
type OfferFunc func(vpn model.VersionedPartitionName, txID int64) error

// NoWait is returned as a suggested wait when a partition has nothing pending.
const NoWait = time.Duration(1<<63 - 1)

type memberSession struct {
	sessionID int64
	offered   int64
	acked     int64
	offeredAt time.Time
}

// PartitionCoordinator tracks, for one partition version, the latest local txId
// and what each remote member has been offered and has acknowledged.
type PartitionCoordinator struct {
	vpn      model.VersionedPartitionName
	slowTake time.Duration
	now      func() time.Time

	mu         sync.Mutex
	txID       int64
	sessions   map[model.RingMember]*memberSession
	quorumTxID int64
	quorum     int
	currentCat int
	updatedAt  time.Time
	calls      int64
}

// NewPartitionCoordinator creates a coordinator with nothing to offer yet.
func NewPartitionCoordinator(vpn model.VersionedPartitionName, slowTake time.Duration) *PartitionCoordinator {
	return &PartitionCoordinator{
		vpn:        vpn,
		slowTake:   slowTake,
		now:        time.Now,
		txID:       -1,
		sessions:   make(map[model.RingMember]*memberSession),
		quorumTxID: -1,
		currentCat: 1,
	}
}

// UpdateTxID raises the partition's txId. invalidate forgets what every member
// was offered and acknowledged so all of them are offered again. A quorum above
// zero widens the offered categories until that many members acknowledge txID.
func (c *PartitionCoordinator) UpdateTxID(txID int64, quorum int, invalidate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if txID > c.txID {
		c.txID = txID
		c.updatedAt = c.now()
	}
	if quorum > 0 && txID >= c.quorumTxID {
		c.quorumTxID = txID
		c.quorum = quorum
	}
	if invalidate {
		c.updatedAt = c.now()
		for _, s := range c.sessions {
			s.offered = -1
			s.acked = -1
		}
	}
}

// TxID is the highest known local txId, -1 when none.
func (c *PartitionCoordinator) TxID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txID
}

// CurrentCategory is the widest category offered on the last call.
func (c *PartitionCoordinator) CurrentCategory() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentCat
}

func (c *PartitionCoordinator) session(member model.RingMember, sessionID int64) *memberSession {
	s, ok := c.sessions[member]
	if !ok || s.sessionID != sessionID {
		s = &memberSession{sessionID: sessionID, offered: -1, acked: -1}
		c.sessions[member] = s
	}
	return s
}

// healthy reports whether a member is keeping up. A member is slow once an offer
// has gone unacknowledged for the slow take interval, or once the latest txId has
// waited that long without the member asking for it.
func (c *PartitionCoordinator) healthy(member model.RingMember, now time.Time) bool {
	s, ok := c.sessions[member]
	if ok && s.acked >= c.txID {
		return true
	}
	if ok && s.offered > s.acked && now.Sub(s.offeredAt) >= c.slowTake {
		return false
	}
	if !ok || s.offered < c.txID {
		return now.Sub(c.updatedAt) < c.slowTake
	}
	return true
}

// category computes how far offers fan out. It is the smallest category c in
// which some member of category <= c is healthy, widened until at least quorum
// members are covered while a quorum is outstanding.
func (c *PartitionCoordinator) category(ring *VersionedRing, now time.Time) int {
	maxCat := ring.MaxCategory()
	if maxCat == 0 {
		return 1
	}

	cat := maxCat
	for candidate := 1; candidate <= maxCat; candidate++ {
		found := false
		for member, mc := range ring.Members() {
			if mc <= candidate && c.healthy(member, now) {
				found = true
				break
			}
		}
		if found {
			cat = candidate
			break
		}
	}

	if c.quorum > 0 {
		acked := 0
		for _, s := range c.sessions {
			if s.acked >= c.quorumTxID {
				acked++
			}
		}
		if acked >= c.quorum {
			c.quorum = 0
		} else {
			for cat < maxCat {
				covered := 0
				for _, mc := range ring.Members() {
					if mc <= cat {
						covered++
					}
				}
				if covered >= c.quorum {
					break
				}
				cat++
			}
		}
	}
	return cat
}

// AvailableRowsStream offers the partition's txId to member when its category is
// in reach and it has neither acknowledged nor recently been offered that txId.
// It returns how long the caller may wait before asking again.
func (c *PartitionCoordinator) AvailableRowsStream(ring *VersionedRing, member model.RingMember, sessionID int64, offer OfferFunc) (time.Duration, error) {
	c.mu.Lock()
	c.calls++
	if c.txID < 0 {
		c.mu.Unlock()
		return NoWait, nil
	}
	memberCat, ok := ring.Category(member)
	if !ok {
		c.mu.Unlock()
		return NoWait, nil
	}

	now := c.now()
	s := c.session(member, sessionID)
	if s.acked >= c.txID {
		c.mu.Unlock()
		return NoWait, nil
	}

	c.currentCat = c.category(ring, now)
	if memberCat > c.currentCat {
		c.mu.Unlock()
		return c.slowTake, nil
	}
	if s.offered >= c.txID {
		if elapsed := now.Sub(s.offeredAt); elapsed < c.slowTake {
			c.mu.Unlock()
			return c.slowTake - elapsed, nil
		}
	}

	txID := c.txID
	s.offered = txID
	s.offeredAt = now
	c.mu.Unlock()

	if err := offer(c.vpn, txID); err != nil {
		return NoWait, err
	}
	return c.slowTake, nil
}

// RowsTaken records that member took rows up to txID in the given session.
func (c *PartitionCoordinator) RowsTaken(member model.RingMember, sessionID, txID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session(member, sessionID)
	if txID > s.acked {
		s.acked = txID
	}
}

// Acked returns the txId member last acknowledged, -1 when unknown.
func (c *PartitionCoordinator) Acked(member model.RingMember) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[member]; ok {
		return s.acked
	}
	return -1
}

// Calls counts AvailableRowsStream invocations.
func (c *PartitionCoordinator) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// WithClock replaces the coordinator's time source.
func (c *PartitionCoordinator) WithClock(now func() time.Time) *PartitionCoordinator {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}
