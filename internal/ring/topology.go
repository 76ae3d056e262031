package ring

import "github.com/devrev/amza/internal/model"

// Topology is an immutable snapshot of one ring. A new snapshot is built on every
// membership change, so pointer identity tells whether a ring has changed.
type Topology struct {
	RingName        string
	Version         int64
	RootMemberIndex int
	Entries         []model.RingMemberAndHost
	TakeFromFactor  int
}

// Size is the number of members, the root included.
func (t *Topology) Size() int {
	return len(t.Entries)
}

// Members lists the ring's members in ring order.
func (t *Topology) Members() []model.RingMember {
	members := make([]model.RingMember, len(t.Entries))
	for i, e := range t.Entries {
		members[i] = e.Member
	}
	return members
}

// Neighbors lists every member but the root, starting just after the root and
// wrapping around.
func (t *Topology) Neighbors() []model.RingMemberAndHost {
	n := len(t.Entries)
	if t.RootMemberIndex < 0 {
		return append([]model.RingMemberAndHost(nil), t.Entries...)
	}
	neighbors := make([]model.RingMemberAndHost, 0, n-1)
	for i := 1; i < n; i++ {
		neighbors = append(neighbors, t.Entries[(t.RootMemberIndex+i)%n])
	}
	return neighbors
}

// Contains reports whether member is in the ring.
func (t *Topology) Contains(member model.RingMember) bool {
	for _, e := range t.Entries {
		if e.Member == member {
			return true
		}
	}
	return false
}
