package aquarium

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/devrev/amza/internal/util/notify"
	"go.uber.org/zap"
)

// maxStepsPerTap bounds how many transitions one TapTheGlass may chain.
const maxStepsPerTap = 8

// MembersFunc returns the ring members of the partition, the local member included.
type MembersFunc func() []model.RingMember

// Aquarium runs the waterline state machine of one partition version for the
// local member.
type Aquarium struct {
	member     model.RingMember
	members    MembersFunc
	storage    StateStorage
	liveliness *Liveliness
	versions   txid.OrderIDProvider
	quorum     QuorumCalculator
	logger     *zap.Logger

	mu      sync.Mutex
	changed *notify.Signal
	poll    time.Duration
}

// New creates an aquarium for member.
func New(member model.RingMember, members MembersFunc, storage StateStorage, liveliness *Liveliness,
	versions txid.OrderIDProvider, logger *zap.Logger) *Aquarium {
	return &Aquarium{
		member:     member,
		members:    members,
		storage:    storage,
		liveliness: liveliness,
		versions:   versions,
		logger:     logger,
		changed:    notify.NewSignal(),
		poll:       100 * time.Millisecond,
	}
}

// Changed wakes AwaitLivelyEndState callers, for example after waterline rows
// from another member were taken.
func (a *Aquarium) Changed() {
	a.changed.Broadcast()
}

// tx is one consistent pass over the waterline table.
type tx struct {
	a       *Aquarium
	member  model.RingMember
	now     int64
	members []model.RingMember
	current *Waterline
	desired *Waterline
}

func (a *Aquarium) begin() (*tx, error) {
	t := &tx{a: a, member: a.member, now: a.liveliness.nowMillis(), members: a.ringMembers()}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func (a *Aquarium) ringMembers() []model.RingMember {
	members := a.members()
	for _, m := range members {
		if m == a.member {
			return members
		}
	}
	return append(append([]model.RingMember(nil), members...), a.member)
}

func (t *tx) reload() error {
	var err error
	if t.current, err = t.read(t.member, true); err != nil {
		return err
	}
	t.desired, err = t.read(t.member, false)
	return err
}

func (t *tx) read(root model.RingMember, current bool) (*Waterline, error) {
	a := t.a
	v, ok, err := a.storage.Get(root, root, current)
	if err != nil || !ok {
		return nil, err
	}
	acks := 0
	for _, m := range t.members {
		if m == root {
			acks++
			continue
		}
		av, ok, err := a.storage.Get(root, m, current)
		if err != nil {
			return nil, err
		}
		if ok && av == v {
			acks++
		}
	}
	aliveUntil, err := a.liveliness.AliveUntil(root)
	if err != nil {
		return nil, err
	}
	return &Waterline{
		Member:     root,
		State:      v.State,
		Timestamp:  v.Timestamp,
		Version:    v.Version,
		AtQuorum:   a.quorum.IsQuorumReached(acks, len(t.members)),
		AliveUntil: aliveUntil,
	}, nil
}

// acknowledgeOthers records that this member has seen every other member's
// current and desired waterline.
func (t *tx) acknowledgeOthers() error {
	a := t.a
	for _, m := range t.members {
		if m == t.member {
			continue
		}
		for _, current := range []bool{true, false} {
			v, ok, err := a.storage.Get(m, m, current)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			av, ok, err := a.storage.Get(m, t.member, current)
			if err != nil {
				return err
			}
			if ok && av == v {
				continue
			}
			if err := a.storage.Set(m, t.member, current, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tx) nextID() int64 {
	return t.a.versions.NextID()
}

func (t *tx) write(current bool, state State, timestamp int64) error {
	v := StateValue{State: state, Timestamp: timestamp, Version: t.nextID()}
	if err := t.a.storage.Set(t.member, t.member, current, v); err != nil {
		return err
	}
	t.a.logger.Debug("Waterline transition",
		zap.String("member", t.member.String()),
		zap.Bool("current", current),
		zap.Stringer("state", state),
		zap.Int64("timestamp", timestamp))
	return t.reload()
}

func (t *tx) transitionCurrent(state State, timestamp int64) error {
	return t.write(true, state, timestamp)
}

func (t *tx) setDesired(state State, timestamp int64) error {
	return t.write(false, state, timestamp)
}

// desiredIs reports whether the desired waterline is state for the current
// waterline's election.
func (t *tx) desiredIs(state State) bool {
	return t.desired != nil && t.desired.State == state &&
		t.current != nil && t.desired.Timestamp == t.current.Timestamp
}

// desiredLeader is the alive desired leader at quorum with the newest election.
func (t *tx) desiredLeader() (*Waterline, error) {
	var best *Waterline
	for _, m := range t.members {
		w, err := t.read(m, false)
		if err != nil {
			return nil, err
		}
		if w == nil || w.State != Leader || !w.AtQuorum || !w.IsAlive(t.now) {
			continue
		}
		if best == nil || w.Timestamp > best.Timestamp || (w.Timestamp == best.Timestamp && w.Member > best.Member) {
			best = w
		}
	}
	return best, nil
}

func (t *tx) otherCurrentLeader() (bool, error) {
	for _, m := range t.members {
		if m == t.member {
			continue
		}
		w, err := t.read(m, true)
		if err != nil {
			return false, err
		}
		if w != nil && w.State == Leader && w.AtQuorum && w.IsAlive(t.now) {
			return true, nil
		}
	}
	return false, nil
}

// candidate is the highest alive member whose desired state is not expunged.
func (t *tx) candidate() (model.RingMember, error) {
	var best model.RingMember
	for _, m := range t.members {
		w, err := t.read(m, false)
		if err != nil {
			return "", err
		}
		if w != nil && w.State == Expunged {
			continue
		}
		alive := m == t.member
		if !alive {
			if alive, err = t.a.liveliness.IsAlive(m); err != nil {
				return "", err
			}
		}
		if alive && m > best {
			best = m
		}
	}
	return best, nil
}

// elect writes a fresh desired waterline: follow a settled leader, otherwise
// lead if this member is the candidate.
func (t *tx) elect() error {
	l, err := t.desiredLeader()
	if err != nil {
		return err
	}
	if l != nil {
		if l.Member == t.member {
			return t.setDesired(Leader, l.Timestamp)
		}
		return t.setDesired(Follower, t.nextID())
	}
	c, err := t.candidate()
	if err != nil {
		return err
	}
	if c == t.member {
		return t.setDesired(Leader, t.nextID())
	}
	return t.setDesired(Follower, t.nextID())
}

// reelect makes this member the desired leader when no leader is settled and
// it is the candidate.
func (t *tx) reelect() (bool, error) {
	c, err := t.candidate()
	if err != nil || c != t.member {
		return false, err
	}
	return true, t.setDesired(Leader, t.nextID())
}

// TapTheGlass feeds the fish, acknowledges every other member's waterlines and
// advances the local current waterline as far as it can. Calling it again
// without new information changes nothing.
func (a *Aquarium) TapTheGlass() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.liveliness.FeedTheFish(); err != nil {
		return err
	}
	t, err := a.begin()
	if err != nil {
		return err
	}
	if err := t.acknowledgeOthers(); err != nil {
		return err
	}
	if err := t.reload(); err != nil {
		return err
	}

	changed := false
	for i := 0; i < maxStepsPerTap; i++ {
		advanced, err := t.step()
		if err != nil {
			return err
		}
		if !advanced {
			break
		}
		changed = true
	}
	if changed || (t.desired != nil && t.desired.AtQuorum && t.desired.IsAlive(t.now)) {
		a.changed.Broadcast()
	}
	return nil
}

func (t *tx) step() (bool, error) {
	if t.current == nil {
		return bootstrap(t)
	}
	if t.current.State == Expunged {
		return false, nil
	}
	if t.desired != nil && t.desired.State == Expunged {
		return true, t.transitionCurrent(Expunged, t.desired.Timestamp)
	}
	return t.current.State.Transistor()(t)
}

// LivelyEndState returns the desired waterline once the local member has
// settled into it as leader or follower: current is alive, at quorum and in
// the desired state and election. Otherwise it returns nil.
func (a *Aquarium) LivelyEndState() (*Waterline, error) {
	t, err := a.begin()
	if err != nil {
		return nil, err
	}
	c, d := t.current, t.desired
	if c == nil || !c.IsAlive(t.now) || !c.AtQuorum || !sameElection(c, d) {
		return nil, nil
	}
	if d.State == Leader || d.State == Follower {
		return d, nil
	}
	return nil, nil
}

// AwaitLivelyEndState waits up to timeout for LivelyEndState. A nil waterline
// with a nil error means the partition has not settled yet.
func (a *Aquarium) AwaitLivelyEndState(ctx context.Context, timeout time.Duration) (*Waterline, error) {
	deadline := time.Now().Add(timeout)
	for {
		wake := a.changed.C()
		w, err := a.LivelyEndState()
		if err != nil || w != nil {
			return w, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !notify.Wait(ctx, wake, min(remaining, a.poll)) {
			return nil, ctx.Err()
		}
	}
}

// GetLeader returns the settled desired leader, or nil.
func (a *Aquarium) GetLeader() (*Waterline, error) {
	t, err := a.begin()
	if err != nil {
		return nil, err
	}
	return t.desiredLeader()
}

// GetState returns member's current waterline, or a bootstrap placeholder when
// it has none.
func (a *Aquarium) GetState(member model.RingMember) (*Waterline, error) {
	t, err := a.begin()
	if err != nil {
		return nil, err
	}
	w, err := t.read(member, true)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return &Waterline{Member: member, State: Bootstrap, Timestamp: -1, Version: -1, AliveUntil: -1}, nil
	}
	return w, nil
}

// InspectState returns member's current and desired waterlines.
func (a *Aquarium) InspectState(member model.RingMember) (current, desired *Waterline, err error) {
	t, err := a.begin()
	if err != nil {
		return nil, nil, err
	}
	if current, err = t.read(member, true); err != nil {
		return nil, nil, err
	}
	desired, err = t.read(member, false)
	return current, desired, err
}

// Expunge sets member's desired state to expunged, which is terminal.
func (a *Aquarium) Expunge(member model.RingMember) error {
	a.mu.Lock()
	err := a.storage.Set(member, member, false, StateValue{
		State:     Expunged,
		Timestamp: a.versions.NextID(),
		Version:   a.versions.NextID(),
	})
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.logger.Info("Expunged member", zap.String("member", member.String()))
	return a.TapTheGlass()
}

// MarkAsBootstrap resets the local current waterline to bootstrap.
func (a *Aquarium) MarkAsBootstrap() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.versions.NextID()
	if err := a.storage.Set(a.member, a.member, true, StateValue{State: Bootstrap, Timestamp: id, Version: id}); err != nil {
		return err
	}
	a.changed.Broadcast()
	return nil
}
