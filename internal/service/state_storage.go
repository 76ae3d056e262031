package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/amza/internal/aquarium"
	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/txid"
	"go.uber.org/zap"
)

// waterlineStorage is an aquarium.StateStorage over AQUARIUM_STATE_INDEX. Rows
// of one partition version share the version's bytes as prefix.
type waterlineStorage struct {
	vpn      model.VersionedPartitionName
	system   SystemStore
	versions txid.OrderIDProvider
}

func appendMember(buf []byte, m model.RingMember) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m)))
	return append(buf, m...)
}

func waterlineKey(root, ack model.RingMember, current bool) []byte {
	key := appendMember(nil, root)
	key = appendMember(key, ack)
	if current {
		return append(key, 1)
	}
	return append(key, 0)
}

func (w *waterlineStorage) Get(root, ack model.RingMember, current bool) (aquarium.StateValue, bool, error) {
	v, ok, err := w.system.Get(model.AquariumStateIndex, w.vpn.ToBytes(), waterlineKey(root, ack, current))
	if err != nil || !ok || v.Tombstoned {
		return aquarium.StateValue{}, false, err
	}
	if len(v.Value) != 17 {
		return aquarium.StateValue{}, false, amzaerrors.CorruptedData(
			fmt.Sprintf("waterline of %s has %d bytes", w.vpn, len(v.Value)), nil)
	}
	state, ok := aquarium.StateFromByte(v.Value[0])
	if !ok {
		return aquarium.StateValue{}, false, amzaerrors.CorruptedData(
			fmt.Sprintf("waterline of %s has state %d", w.vpn, v.Value[0]), nil)
	}
	return aquarium.StateValue{
		State:     state,
		Timestamp: int64(binary.BigEndian.Uint64(v.Value[1:9])),
		Version:   int64(binary.BigEndian.Uint64(v.Value[9:17])),
	}, true, nil
}

func (w *waterlineStorage) Set(root, ack model.RingMember, current bool, sv aquarium.StateValue) error {
	value := make([]byte, 0, 17)
	value = append(value, byte(sv.State))
	value = binary.BigEndian.AppendUint64(value, uint64(sv.Timestamp))
	value = binary.BigEndian.AppendUint64(value, uint64(sv.Version))
	return w.system.CommitSystem(model.AquariumStateIndex, []model.WALRow{{
		Prefix:    w.vpn.ToBytes(),
		Key:       waterlineKey(root, ack, current),
		Value:     value,
		Timestamp: w.versions.NextID(),
	}})
}

// livelinessStorage is an aquarium.LivelinessStorage over AQUARIUM_LIVELINESS_INDEX.
type livelinessStorage struct {
	system   SystemStore
	versions txid.OrderIDProvider
}

func (l *livelinessStorage) GetAliveUntil(member model.RingMember) (int64, bool, error) {
	v, ok, err := l.system.Get(model.AquariumLivelinessIndex, nil, member.ToBytes())
	if err != nil || !ok || v.Tombstoned || len(v.Value) != 8 {
		return 0, false, err
	}
	return int64(binary.BigEndian.Uint64(v.Value)), true, nil
}

func (l *livelinessStorage) SetAliveUntil(member model.RingMember, aliveUntil int64) error {
	return l.system.CommitSystem(model.AquariumLivelinessIndex, []model.WALRow{{
		Key:       member.ToBytes(),
		Value:     binary.BigEndian.AppendUint64(nil, uint64(aliveUntil)),
		Timestamp: l.versions.NextID(),
	}})
}

// MembersOf returns the members of a ring.
type MembersOf func(ringName string) []model.RingMember

// PartitionStateStorage holds one aquarium per partition version and records
// which members each version has been taken from fully.
type PartitionStateStorage struct {
	member     model.RingMember
	members    MembersOf
	system     SystemStore
	liveliness *aquarium.Liveliness
	versions   txid.OrderIDProvider
	logger     *zap.Logger

	mu        sync.Mutex
	aquariums map[model.VersionedPartitionName]*aquarium.Aquarium
	tookFully map[model.VersionedPartitionName]map[model.RingMember]int64
}

// NewPartitionStateStorage creates the state storage of member. lease is how
// long a member stays alive after it last tapped.
func NewPartitionStateStorage(member model.RingMember, members MembersOf, system SystemStore,
	versions txid.OrderIDProvider, lease time.Duration, logger *zap.Logger) *PartitionStateStorage {
	return &PartitionStateStorage{
		member:     member,
		members:    members,
		system:     system,
		liveliness: aquarium.NewLiveliness(member, &livelinessStorage{system: system, versions: versions}, lease),
		versions:   versions,
		logger:     logger,
		aquariums:  make(map[model.VersionedPartitionName]*aquarium.Aquarium),
		tookFully:  make(map[model.VersionedPartitionName]map[model.RingMember]int64),
	}
}

// Aquarium returns vpn's aquarium, creating it on first use.
func (p *PartitionStateStorage) Aquarium(vpn model.VersionedPartitionName) *aquarium.Aquarium {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.aquariums[vpn]
	if !ok {
		ringName := vpn.PartitionName.RingNameString()
		a = aquarium.New(p.member,
			func() []model.RingMember { return p.members(ringName) },
			&waterlineStorage{vpn: vpn, system: p.system, versions: p.versions},
			p.liveliness,
			p.versions,
			p.logger.With(zap.String("partition", vpn.String())))
		p.aquariums[vpn] = a
	}
	return a
}

// Versions lists the partition versions with an aquarium.
func (p *PartitionStateStorage) Versions() []model.VersionedPartitionName {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.VersionedPartitionName, 0, len(p.aquariums))
	for vpn := range p.aquariums {
		out = append(out, vpn)
	}
	return out
}

// Remove forgets vpn.
func (p *PartitionStateStorage) Remove(vpn model.VersionedPartitionName) {
	p.mu.Lock()
	delete(p.aquariums, vpn)
	delete(p.tookFully, vpn)
	p.mu.Unlock()
}

// TookFully records that vpn has every row remote had when leadershipToken was
// current, then taps the glass.
func (p *PartitionStateStorage) TookFully(remote model.RingMember, leadershipToken int64, vpn model.VersionedPartitionName) error {
	p.mu.Lock()
	took, ok := p.tookFully[vpn]
	if !ok {
		took = make(map[model.RingMember]int64)
		p.tookFully[vpn] = took
	}
	if cur, ok := took[remote]; !ok || leadershipToken > cur {
		took[remote] = leadershipToken
	}
	p.mu.Unlock()
	return p.WipeTheGlass(vpn)
}

// HasTakenFully reports whether vpn was ever taken fully from remote.
func (p *PartitionStateStorage) HasTakenFully(remote model.RingMember, vpn model.VersionedPartitionName) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tookFully[vpn][remote]
	return ok
}

// WipeTheGlass taps vpn's aquarium.
func (p *PartitionStateStorage) WipeTheGlass(vpn model.VersionedPartitionName) error {
	if vpn.PartitionName.IsSystem() {
		return nil
	}
	return p.Aquarium(vpn).TapTheGlass()
}

// TapAll taps every aquarium once.
func (p *PartitionStateStorage) TapAll() error {
	var firstErr error
	for _, vpn := range p.Versions() {
		if err := p.WipeTheGlass(vpn); err != nil {
			p.logger.Warn("Failed to tap the glass", zap.String("partition", vpn.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetLeader returns vpn's settled leader, or nil.
func (p *PartitionStateStorage) GetLeader(vpn model.VersionedPartitionName) (*aquarium.Waterline, error) {
	return p.Aquarium(vpn).GetLeader()
}

// LivelyEndState returns vpn's settled state for this member, or nil.
func (p *PartitionStateStorage) LivelyEndState(vpn model.VersionedPartitionName) (*aquarium.Waterline, error) {
	if vpn.PartitionName.IsSystem() {
		return &aquarium.Waterline{Member: p.member, State: aquarium.Follower, AtQuorum: true, AliveUntil: aquarium.NeverExpires}, nil
	}
	return p.Aquarium(vpn).LivelyEndState()
}

// AwaitLivelyEndState waits up to timeout for vpn to settle.
func (p *PartitionStateStorage) AwaitLivelyEndState(ctx context.Context, vpn model.VersionedPartitionName, timeout time.Duration) (*aquarium.Waterline, error) {
	if vpn.PartitionName.IsSystem() {
		return p.LivelyEndState(vpn)
	}
	return p.Aquarium(vpn).AwaitLivelyEndState(ctx, timeout)
}

// MarkAsBootstrap puts this member's waterline for vpn back to bootstrap.
func (p *PartitionStateStorage) MarkAsBootstrap(vpn model.VersionedPartitionName) error {
	return p.Aquarium(vpn).MarkAsBootstrap()
}

// IsExpunged reports whether this member's desired state for vpn is expunged.
func (p *PartitionStateStorage) IsExpunged(vpn model.VersionedPartitionName) (bool, error) {
	if vpn.PartitionName.IsSystem() {
		return false, nil
	}
	_, desired, err := p.Aquarium(vpn).InspectState(p.member)
	if err != nil {
		return false, err
	}
	return desired != nil && desired.State == aquarium.Expunged, nil
}

// Tx runs fn with vpn's aquarium.
func (p *PartitionStateStorage) Tx(vpn model.VersionedPartitionName, fn func(*aquarium.Aquarium) error) error {
	return fn(p.Aquarium(vpn))
}

// Changed wakes waiters on every aquarium, after waterline rows were taken.
func (p *PartitionStateStorage) Changed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.aquariums {
		a.Changed()
	}
}
