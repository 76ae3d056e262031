// Package replication pulls rows from ring neighbours: it long polls them for
// available rows, takes those rows into local partitions and acknowledges them.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/util/notify"
)

// AckWaters tracks the highest txId each remote member has acknowledged per
// partition version. Commits waiting on a take quorum await it.
type AckWaters struct {
	mu      sync.RWMutex
	waters  map[model.RingMember]map[model.VersionedPartitionName]int64
	signals notify.Keyed[model.VersionedPartitionName]
}

// NewAckWaters creates an empty table.
func NewAckWaters() *AckWaters {
	return &AckWaters{waters: make(map[model.RingMember]map[model.VersionedPartitionName]int64)}
}

// Set merges txID into member's mark with max and wakes waiters on vpn.
func (a *AckWaters) Set(member model.RingMember, vpn model.VersionedPartitionName, txID int64) {
	a.mu.Lock()
	partitions, ok := a.waters[member]
	if !ok {
		partitions = make(map[model.VersionedPartitionName]int64)
		a.waters[member] = partitions
	}
	existing, ok := partitions[vpn]
	changed := !ok || txID > existing
	if changed {
		partitions[vpn] = txID
	}
	a.mu.Unlock()

	if changed {
		a.signals.Broadcast(vpn)
	}
}

// Remove forgets every mark on vpn and wakes its waiters.
func (a *AckWaters) Remove(vpn model.VersionedPartitionName) {
	a.mu.Lock()
	for member, partitions := range a.waters {
		delete(partitions, vpn)
		if len(partitions) == 0 {
			delete(a.waters, member)
		}
	}
	a.mu.Unlock()
	a.signals.Delete(vpn)
}

// Get returns member's acknowledged txId for vpn.
func (a *AckWaters) Get(member model.RingMember, vpn model.VersionedPartitionName) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	txID, ok := a.waters[member][vpn]
	return txID, ok
}

func (a *AckWaters) count(vpn model.VersionedPartitionName, desiredTxID int64, members []model.RingMember) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	passed := 0
	seen := make(map[model.RingMember]struct{}, len(members))
	for _, m := range members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		if txID, ok := a.waters[m][vpn]; ok && txID >= desiredTxID {
			passed++
		}
	}
	return passed
}

// Await blocks until quorum distinct members have acknowledged desiredTxID or
// later on vpn, or until timeout passes. It returns how many had when it
// returned; a count below quorum means the timeout elapsed first. The error is
// set only when ctx ends.
func (a *AckWaters) Await(ctx context.Context, vpn model.VersionedPartitionName, desiredTxID int64, members []model.RingMember, quorum int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	signal := a.signals.Get(vpn)
	for {
		wake := signal.C()
		passed := a.count(vpn, desiredTxID, members)
		if passed >= quorum {
			return passed, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return passed, nil
		}
		if !notify.Wait(ctx, wake, remaining) {
			return a.count(vpn, desiredTxID, members), ctx.Err()
		}
	}
}
