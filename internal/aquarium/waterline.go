package aquarium

import (
	"fmt"
	"math"

	"github.com/devrev/amza/internal/model"
)

// NeverExpires is the AliveUntil of a waterline without a lease.
const NeverExpires = math.MaxInt64

// Waterline is one member's current or desired state. Timestamp identifies the
// election the state belongs to; Version changes on every write.
type Waterline struct {
	Member     model.RingMember
	State      State
	Timestamp  int64
	Version    int64
	AtQuorum   bool
	AliveUntil int64
}

// IsAlive reports whether the member's lease covers nowMillis.
func (w *Waterline) IsAlive(nowMillis int64) bool {
	return w.AliveUntil > nowMillis
}

func (w *Waterline) String() string {
	if w == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s@%d/%d quorum=%t", w.Member, w.State, w.Timestamp, w.Version, w.AtQuorum)
}

// sameElection reports whether a and b are in the same state for the same election.
func sameElection(a, b *Waterline) bool {
	return a != nil && b != nil && a.State == b.State && a.Timestamp == b.Timestamp
}
