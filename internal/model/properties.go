package model

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Durability controls how a partition's WAL is flushed.
type Durability string

const (
	DurabilityEphemeral   Durability = "ephemeral"
	DurabilityFsyncNever  Durability = "fsync_never"
	DurabilityFsyncAsync  Durability = "fsync_async"
	DurabilityFsyncAlways Durability = "fsync_always"
)

// PartitionProperties are stored in the partition index system partition.
type PartitionProperties struct {
	TakeFromFactor            int           `json:"take_from_factor" msgpack:"take_from_factor"`
	Durability                Durability    `json:"durability" msgpack:"durability"`
	ConsistencyRequiresLeader bool          `json:"consistency_requires_leader" msgpack:"requires_leader"`
	TombstoneRetention        time.Duration `json:"tombstone_retention" msgpack:"tombstone_retention"`
	Disabled                  bool          `json:"disabled" msgpack:"disabled"`
}

// DefaultPartitionProperties are used for system partitions.
func DefaultPartitionProperties() PartitionProperties {
	return PartitionProperties{
		TakeFromFactor:     1,
		Durability:         DurabilityFsyncAsync,
		TombstoneRetention: 24 * time.Hour,
	}
}

// EncodeProperties serializes properties.
func EncodeProperties(p PartitionProperties) ([]byte, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	return data, nil
}

// DecodeProperties deserializes properties.
func DecodeProperties(data []byte) (PartitionProperties, error) {
	var p PartitionProperties
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return PartitionProperties{}, fmt.Errorf("failed to decode properties: %w", err)
	}
	return p, nil
}

// SystemRingName is the ring every member belongs to.
const SystemRingName = "system"

func systemPartition(name string) VersionedPartitionName {
	return NewVersionedPartitionName(NewPartitionName(true, []byte(SystemRingName), []byte(name)), 0)
}

// System partitions replicate cluster metadata through the same take protocol.
var (
	RingIndex               = systemPartition("RING_INDEX")
	NodeIndex               = systemPartition("NODE_INDEX")
	PartitionIndex          = systemPartition("PARTITION_INDEX")
	PartitionVersionIndex   = systemPartition("PARTITION_VERSION_INDEX")
	AquariumStateIndex      = systemPartition("AQUARIUM_STATE_INDEX")
	AquariumLivelinessIndex = systemPartition("AQUARIUM_LIVELINESS_INDEX")
	HighwaterMarkIndex      = systemPartition("HIGHWATER_MARK_INDEX")
)

// SystemPartitions lists every system partition.
func SystemPartitions() []VersionedPartitionName {
	return []VersionedPartitionName{
		RingIndex,
		NodeIndex,
		PartitionIndex,
		PartitionVersionIndex,
		AquariumStateIndex,
		AquariumLivelinessIndex,
		HighwaterMarkIndex,
	}
}
