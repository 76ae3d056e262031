package aquarium

import (
	"time"

	"github.com/devrev/amza/internal/model"
)

// Liveliness is a member level lease shared by every aquarium on a node. A
// member stays alive for one lease after it last fed the fish.
type Liveliness struct {
	member  model.RingMember
	storage LivelinessStorage
	lease   time.Duration
	now     func() time.Time
}

func NewLiveliness(member model.RingMember, storage LivelinessStorage, lease time.Duration) *Liveliness {
	return &Liveliness{member: member, storage: storage, lease: lease, now: time.Now}
}

// WithClock replaces the clock, for tests.
func (l *Liveliness) WithClock(now func() time.Time) *Liveliness {
	l.now = now
	return l
}

// FeedTheFish extends this member's lease.
func (l *Liveliness) FeedTheFish() error {
	return l.storage.SetAliveUntil(l.member, l.now().Add(l.lease).UnixMilli())
}

// AliveUntil returns member's lease expiry in unix millis, 0 if it never fed.
func (l *Liveliness) AliveUntil(member model.RingMember) (int64, error) {
	until, ok, err := l.storage.GetAliveUntil(member)
	if err != nil || !ok {
		return 0, err
	}
	return until, nil
}

// IsAlive reports whether member's lease is current.
func (l *Liveliness) IsAlive(member model.RingMember) (bool, error) {
	until, err := l.AliveUntil(member)
	if err != nil {
		return false, err
	}
	return until > l.nowMillis(), nil
}

func (l *Liveliness) nowMillis() int64 {
	return l.now().UnixMilli()
}
