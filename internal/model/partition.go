package model

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const partitionNameVersion = 0

// PartitionName identifies a logical partition. It is comparable and safe to use
// as a map key; the byte fields are held as immutable strings.
type PartitionName struct {
	system   bool
	ringName string
	name     string
}

// NewPartitionName creates a partition name.
func NewPartitionName(system bool, ringName, name []byte) PartitionName {
	return PartitionName{system: system, ringName: string(ringName), name: string(name)}
}

func (p PartitionName) IsSystem() bool   { return p.system }
func (p PartitionName) RingName() []byte { return []byte(p.ringName) }
func (p PartitionName) Name() []byte     { return []byte(p.name) }

// RingNameString returns the ring name without copying into a byte slice.
func (p PartitionName) RingNameString() string { return p.ringName }

// IsZero reports whether p is the zero partition name.
func (p PartitionName) IsZero() bool {
	return !p.system && p.ringName == "" && p.name == ""
}

// String renders "ring::name", or "ring::.." when the partition is named after its ring.
func (p PartitionName) String() string {
	if p.ringName == p.name {
		return p.ringName + "::.."
	}
	return p.ringName + "::" + p.name
}

// Compare orders system partitions first, then by ring name, then by name.
func (p PartitionName) Compare(o PartitionName) int {
	if p.system != o.system {
		if p.system {
			return -1
		}
		return 1
	}
	if c := bytes.Compare([]byte(p.ringName), []byte(o.ringName)); c != 0 {
		return c
	}
	return bytes.Compare([]byte(p.name), []byte(o.name))
}

// ToBytes serializes as version, system flag, then length-prefixed ring name and name.
func (p PartitionName) ToBytes() []byte {
	buf := make([]byte, 1+1+4+len(p.ringName)+4+len(p.name))
	buf[0] = partitionNameVersion
	if p.system {
		buf[1] = 1
	}
	offset := 2
	offset += putPrefixed(buf[offset:], p.ringName)
	putPrefixed(buf[offset:], p.name)
	return buf
}

// SizeInBytes is the length of ToBytes.
func (p PartitionName) SizeInBytes() int {
	return 1 + 1 + 4 + len(p.ringName) + 4 + len(p.name)
}

// PartitionNameFromBytes parses the ToBytes layout.
func PartitionNameFromBytes(data []byte) (PartitionName, error) {
	if len(data) < 10 {
		return PartitionName{}, fmt.Errorf("partition name too short: %d bytes", len(data))
	}
	if data[0] != partitionNameVersion {
		return PartitionName{}, fmt.Errorf("unsupported partition name version %d", data[0])
	}
	system := data[1] == 1
	offset := 2
	ringName, n, err := readPrefixed(data[offset:])
	if err != nil {
		return PartitionName{}, fmt.Errorf("ring name: %w", err)
	}
	offset += n
	name, _, err := readPrefixed(data[offset:])
	if err != nil {
		return PartitionName{}, fmt.Errorf("name: %w", err)
	}
	return PartitionName{system: system, ringName: ringName, name: name}, nil
}

// ToBase64 is the URL-safe encoding of ToBytes.
func (p PartitionName) ToBase64() string {
	return base64.URLEncoding.EncodeToString(p.ToBytes())
}

// PartitionNameFromBase64 decodes ToBase64.
func PartitionNameFromBase64(s string) (PartitionName, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return PartitionName{}, fmt.Errorf("failed to decode partition name: %w", err)
	}
	return PartitionNameFromBytes(data)
}

// VersionedPartitionName identifies one instance of a partition. A destroyed and
// recreated partition gets a new version.
type VersionedPartitionName struct {
	PartitionName PartitionName
	Version       int64
}

// NewVersionedPartitionName creates a versioned partition name.
func NewVersionedPartitionName(name PartitionName, version int64) VersionedPartitionName {
	return VersionedPartitionName{PartitionName: name, Version: version}
}

func (v VersionedPartitionName) String() string {
	return fmt.Sprintf("%s@%d", v.PartitionName, v.Version)
}

// ToBytes serializes as version, length-prefixed partition name, then int64 partition version.
func (v VersionedPartitionName) ToBytes() []byte {
	pn := v.PartitionName.ToBytes()
	buf := make([]byte, 1+4+len(pn)+8)
	buf[0] = partitionNameVersion
	binary.BigEndian.PutUint32(buf[1:], uint32(len(pn)))
	copy(buf[5:], pn)
	binary.BigEndian.PutUint64(buf[5+len(pn):], uint64(v.Version))
	return buf
}

// VersionedPartitionNameFromBytes parses the ToBytes layout.
func VersionedPartitionNameFromBytes(data []byte) (VersionedPartitionName, error) {
	if len(data) < 5 {
		return VersionedPartitionName{}, fmt.Errorf("versioned partition name too short: %d bytes", len(data))
	}
	if data[0] != partitionNameVersion {
		return VersionedPartitionName{}, fmt.Errorf("unsupported versioned partition name version %d", data[0])
	}
	n := int(binary.BigEndian.Uint32(data[1:]))
	if len(data) < 5+n+8 {
		return VersionedPartitionName{}, fmt.Errorf("versioned partition name truncated")
	}
	pn, err := PartitionNameFromBytes(data[5 : 5+n])
	if err != nil {
		return VersionedPartitionName{}, err
	}
	version := int64(binary.BigEndian.Uint64(data[5+n:]))
	return VersionedPartitionName{PartitionName: pn, Version: version}, nil
}

// ToBase64 is the URL-safe encoding of ToBytes.
func (v VersionedPartitionName) ToBase64() string {
	return base64.URLEncoding.EncodeToString(v.ToBytes())
}

// VersionedPartitionNameFromBase64 decodes ToBase64.
func VersionedPartitionNameFromBase64(s string) (VersionedPartitionName, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return VersionedPartitionName{}, fmt.Errorf("failed to decode versioned partition name: %w", err)
	}
	return VersionedPartitionNameFromBytes(data)
}

func putPrefixed(buf []byte, s string) int {
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	return 4 + copy(buf[4:], s)
}

func readPrefixed(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, fmt.Errorf("missing length prefix")
	}
	n := int(binary.BigEndian.Uint32(data))
	if len(data) < 4+n {
		return "", 0, fmt.Errorf("length %d exceeds %d remaining bytes", n, len(data)-4)
	}
	return string(data[4 : 4+n]), 4 + n, nil
}
