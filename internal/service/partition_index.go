package service

import (
	"encoding/binary"
	"fmt"
	"sync"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/txid"
	"go.uber.org/zap"
)

// SystemStore reads and writes system partitions. Writes are committed locally
// and offered to the rest of the system ring.
type SystemStore interface {
	Get(vpn model.VersionedPartitionName, prefix, key []byte) (model.WALValue, bool, error)
	CommitSystem(vpn model.VersionedPartitionName, rows []model.WALRow) error
}

// PartitionIndex keeps partition properties in the PARTITION_INDEX system
// partition and each member's local partition versions in
// PARTITION_VERSION_INDEX, with an in-memory cache over both.
type PartitionIndex struct {
	member   model.RingMember
	system   SystemStore
	versions txid.OrderIDProvider
	logger   *zap.Logger

	mu         sync.RWMutex
	properties map[model.PartitionName]model.PartitionProperties
	local      map[model.PartitionName]int64
}

// NewPartitionIndex creates an index for member.
func NewPartitionIndex(member model.RingMember, system SystemStore, versions txid.OrderIDProvider, logger *zap.Logger) *PartitionIndex {
	return &PartitionIndex{
		member:     member,
		system:     system,
		versions:   versions,
		logger:     logger,
		properties: make(map[model.PartitionName]model.PartitionProperties),
		local:      make(map[model.PartitionName]int64),
	}
}

// Invalidate drops cached entries so rows taken from other members are seen.
func (p *PartitionIndex) Invalidate() {
	p.mu.Lock()
	p.properties = make(map[model.PartitionName]model.PartitionProperties)
	p.local = make(map[model.PartitionName]int64)
	p.mu.Unlock()
}

// Properties returns name's properties. System partitions always have the defaults.
func (p *PartitionIndex) Properties(name model.PartitionName) (model.PartitionProperties, bool, error) {
	if name.IsSystem() {
		return model.DefaultPartitionProperties(), true, nil
	}
	p.mu.RLock()
	props, ok := p.properties[name]
	p.mu.RUnlock()
	if ok {
		return props, true, nil
	}

	v, ok, err := p.system.Get(model.PartitionIndex, nil, name.ToBytes())
	if err != nil || !ok || v.Tombstoned {
		return model.PartitionProperties{}, false, err
	}
	if props, err = model.DecodeProperties(v.Value); err != nil {
		return model.PartitionProperties{}, false, amzaerrors.CorruptedData(
			fmt.Sprintf("properties of %s", name), err)
	}
	p.mu.Lock()
	p.properties[name] = props
	p.mu.Unlock()
	return props, true, nil
}

// SetProperties stores name's properties.
func (p *PartitionIndex) SetProperties(name model.PartitionName, props model.PartitionProperties) error {
	data, err := model.EncodeProperties(props)
	if err != nil {
		return err
	}
	err = p.system.CommitSystem(model.PartitionIndex, []model.WALRow{{
		Key:       name.ToBytes(),
		Value:     data,
		Timestamp: p.versions.NextID(),
	}})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.properties[name] = props
	p.mu.Unlock()
	return nil
}

// RemoveProperties tombstones name's properties.
func (p *PartitionIndex) RemoveProperties(name model.PartitionName) error {
	err := p.system.CommitSystem(model.PartitionIndex, []model.WALRow{{
		Key:        name.ToBytes(),
		Timestamp:  p.versions.NextID(),
		Tombstoned: true,
	}})
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.properties, name)
	p.mu.Unlock()
	return nil
}

// LocalVersion returns the version of name held by this member.
func (p *PartitionIndex) LocalVersion(name model.PartitionName) (model.VersionedPartitionName, bool, error) {
	if name.IsSystem() {
		return model.NewVersionedPartitionName(name, 0), true, nil
	}
	p.mu.RLock()
	version, ok := p.local[name]
	p.mu.RUnlock()
	if ok {
		return model.NewVersionedPartitionName(name, version), true, nil
	}

	v, ok, err := p.system.Get(model.PartitionVersionIndex, p.member.ToBytes(), name.ToBytes())
	if err != nil || !ok || v.Tombstoned {
		return model.VersionedPartitionName{}, false, err
	}
	if len(v.Value) != 8 {
		return model.VersionedPartitionName{}, false, amzaerrors.CorruptedData(
			fmt.Sprintf("version of %s has %d bytes", name, len(v.Value)), nil)
	}
	version = int64(binary.BigEndian.Uint64(v.Value))
	p.mu.Lock()
	p.local[name] = version
	p.mu.Unlock()
	return model.NewVersionedPartitionName(name, version), true, nil
}

// EnsureVersion returns name's local version, allocating a new one when this
// member has none yet. created reports the allocation.
func (p *PartitionIndex) EnsureVersion(name model.PartitionName) (vpn model.VersionedPartitionName, created bool, err error) {
	if vpn, ok, err := p.LocalVersion(name); err != nil || ok {
		return vpn, false, err
	}
	version := p.versions.NextID()
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(version))
	err = p.system.CommitSystem(model.PartitionVersionIndex, []model.WALRow{{
		Prefix:    p.member.ToBytes(),
		Key:       name.ToBytes(),
		Value:     value,
		Timestamp: p.versions.NextID(),
	}})
	if err != nil {
		return model.VersionedPartitionName{}, false, err
	}
	p.mu.Lock()
	p.local[name] = version
	p.mu.Unlock()
	vpn = model.NewVersionedPartitionName(name, version)
	p.logger.Info("Allocated partition version", zap.String("partition", vpn.String()))
	return vpn, true, nil
}

// RemoveVersion forgets this member's version of name.
func (p *PartitionIndex) RemoveVersion(name model.PartitionName) error {
	err := p.system.CommitSystem(model.PartitionVersionIndex, []model.WALRow{{
		Prefix:     p.member.ToBytes(),
		Key:        name.ToBytes(),
		Timestamp:  p.versions.NextID(),
		Tombstoned: true,
	}})
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.local, name)
	p.mu.Unlock()
	return nil
}
