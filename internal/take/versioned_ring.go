// Package take decides which remote members are offered which partitions' rows,
// and wakes their long polls when new rows arrive.
package take

import (
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/ring"
)

// VersionedRing assigns each neighbour of the root a take category. Members in
// category 1 are offered rows first; later categories are offered only when the
// earlier ones fall behind.
type VersionedRing struct {
	topology       *ring.Topology
	takeFromFactor int
	categories     map[model.RingMember]int
	maxCategory    int
}

// Compute builds the categories for a ring snapshot.
func Compute(t *ring.Topology) *VersionedRing {
	neighbors := t.Neighbors()
	members := make([]model.RingMember, len(neighbors))
	for i, n := range neighbors {
		members[i] = n.Member
	}
	categories := ComputeCategories(members, t.TakeFromFactor)
	maxCategory := 0
	for _, c := range categories {
		if c > maxCategory {
			maxCategory = c
		}
	}
	return &VersionedRing{
		topology:       t,
		takeFromFactor: t.TakeFromFactor,
		categories:     categories,
		maxCategory:    maxCategory,
	}
}

// ComputeCategories walks neighbours (ordered starting just after the root) at
// doubling distances 1, 2, 4, ... and puts takeFromFactor members in each
// category before moving to the next.
func ComputeCategories(neighbors []model.RingMember, takeFromFactor int) map[model.RingMember]int {
	if takeFromFactor < 1 {
		takeFromFactor = 1
	}
	remaining := make([]*model.RingMember, len(neighbors))
	for i := range neighbors {
		remaining[i] = &neighbors[i]
	}

	categories := make(map[model.RingMember]int, len(neighbors))
	taken := takeFromFactor
	category := 1
	n := len(remaining)
	for start := 0; start < n; start++ {
		if remaining[start] == nil {
			continue
		}
		for offset := 1; offset <= n; offset *= 2 {
			idx := (start + offset - 1) % n
			if remaining[idx] == nil {
				continue
			}
			categories[*remaining[idx]] = category
			remaining[idx] = nil

			taken--
			if taken == 0 {
				taken = takeFromFactor
				category++
			}
		}
	}
	return categories
}

// Category returns the member's category, or false when it is not a neighbour.
func (v *VersionedRing) Category(member model.RingMember) (int, bool) {
	c, ok := v.categories[member]
	return c, ok
}

// MaxCategory is the highest assigned category, 0 for a ring without neighbours.
func (v *VersionedRing) MaxCategory() int {
	return v.maxCategory
}

// Members returns every categorised member.
func (v *VersionedRing) Members() map[model.RingMember]int {
	return v.categories
}

// IsStillValid reports whether t is the snapshot this ring was computed from.
func (v *VersionedRing) IsStillValid(t *ring.Topology) bool {
	return v.topology == t
}
