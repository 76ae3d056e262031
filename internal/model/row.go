package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// RowType distinguishes primary rows from highwater marker rows in a row stream.
type RowType byte

const (
	RowPrimary   RowType = 1
	RowHighwater RowType = 2
)

func (t RowType) IsPrimary() bool { return t == RowPrimary }

func (t RowType) String() string {
	switch t {
	case RowPrimary:
		return "primary"
	case RowHighwater:
		return "highwater"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// RowTypeFromByte returns false for unknown types so streams can skip them.
func RowTypeFromByte(b byte) (RowType, bool) {
	switch RowType(b) {
	case RowPrimary, RowHighwater:
		return RowType(b), true
	default:
		return 0, false
	}
}

// ComposeKey builds the ordered form of (prefix, key): a 2-byte prefix length,
// the prefix, then the key. All indexes order keys by this composed form.
func ComposeKey(prefix, key []byte) []byte {
	buf := make([]byte, 2+len(prefix)+len(key))
	binary.BigEndian.PutUint16(buf, uint16(len(prefix)))
	copy(buf[2:], prefix)
	copy(buf[2+len(prefix):], key)
	return buf
}

// DecomposeKey splits a composed key back into prefix and key.
func DecomposeKey(composed []byte) (prefix, key []byte, err error) {
	if len(composed) < 2 {
		return nil, nil, fmt.Errorf("composed key too short: %d bytes", len(composed))
	}
	n := int(binary.BigEndian.Uint16(composed))
	if len(composed) < 2+n {
		return nil, nil, fmt.Errorf("composed key prefix length %d exceeds key", n)
	}
	return composed[2 : 2+n], composed[2+n:], nil
}

// WALKey is a (prefix, key) pair.
type WALKey struct {
	Prefix []byte
	Key    []byte
}

func (k WALKey) Compose() []byte { return ComposeKey(k.Prefix, k.Key) }

// CompareComposed orders composed keys by unsigned bytes.
func CompareComposed(a, b []byte) int { return bytes.Compare(a, b) }

// WALPointer resolves a key to its row in the WAL. Tombstones are pointers too.
type WALPointer struct {
	Fp         int64 `msgpack:"fp"`
	Timestamp  int64 `msgpack:"ts"`
	Tombstoned bool  `msgpack:"tomb"`
}

// WithFp returns the pointer relocated to fp.
func (p WALPointer) WithFp(fp int64) WALPointer {
	p.Fp = fp
	return p
}

// WALValue is a hydrated value.
type WALValue struct {
	Value      []byte `json:"value"`
	Timestamp  int64  `json:"timestamp"`
	Tombstoned bool   `json:"tombstoned"`
}

// WALRow is the payload of a primary row record.
type WALRow struct {
	Prefix     []byte `msgpack:"p"`
	Key        []byte `msgpack:"k"`
	Value      []byte `msgpack:"v"`
	Timestamp  int64  `msgpack:"ts"`
	Tombstoned bool   `msgpack:"tomb"`
}

func (r WALRow) Composed() []byte { return ComposeKey(r.Prefix, r.Key) }

func (r WALRow) Pointer(fp int64) WALPointer {
	return WALPointer{Fp: fp, Timestamp: r.Timestamp, Tombstoned: r.Tombstoned}
}

func (r WALRow) WALValue() WALValue {
	return WALValue{Value: r.Value, Timestamp: r.Timestamp, Tombstoned: r.Tombstoned}
}

// EncodeRow serializes a primary row.
func EncodeRow(row WALRow) ([]byte, error) {
	data, err := msgpack.Marshal(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	return data, nil
}

// DecodeRow deserializes a primary row.
func DecodeRow(data []byte) (WALRow, error) {
	var row WALRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return WALRow{}, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

// RingMemberHighwater is one member's highest known txId.
type RingMemberHighwater struct {
	Member RingMember `msgpack:"m"`
	TxID   int64      `msgpack:"tx"`
}

// WALHighwater is a snapshot of highwater marks carried in a highwater row.
type WALHighwater struct {
	Members []RingMemberHighwater `msgpack:"members"`
}

// EncodeHighwater serializes a highwater snapshot.
func EncodeHighwater(hw WALHighwater) ([]byte, error) {
	data, err := msgpack.Marshal(&hw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode highwater: %w", err)
	}
	return data, nil
}

// DecodeHighwater deserializes a highwater snapshot.
func DecodeHighwater(data []byte) (WALHighwater, error) {
	var hw WALHighwater
	if err := msgpack.Unmarshal(data, &hw); err != nil {
		return WALHighwater{}, fmt.Errorf("failed to decode highwater: %w", err)
	}
	return hw, nil
}

// TxFps groups the WAL offsets written by one transaction.
type TxFps struct {
	TxID int64
	Fps  []int64
}

// KeyedPointer is an index entry returned from scans.
type KeyedPointer struct {
	Composed []byte
	Pointer  WALPointer
}
