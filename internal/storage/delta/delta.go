// Package delta implements the in-memory overlay of not-yet-merged writes for a
// partition version, backed by its own WAL file.
package delta

import (
	"fmt"
	"sync"
	"sync/atomic"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/devrev/amza/internal/storage/wal"
	"go.uber.org/zap"
)

// highwaterInterval is how many updates pass between highwater marker rows.
const highwaterInterval = 1000

// Store is the base partition store a delta merges into and reads fall through to.
type Store interface {
	HighestTxID() int64
	GetPointer(composed []byte) (model.WALPointer, bool, error)
	Get(composed []byte) (model.WALValue, bool, error)
	RangeIterator(from, to []byte) (BaseIterator, error)
	Merge(txID int64, rows []model.WALRow, highwater *model.WALHighwater) (int, error)
	CommitIndex() error
}

// BaseIterator walks a base store's pointers and hydrates the rows they point at
// from the same snapshot.
type BaseIterator interface {
	index.Iterator
	Hydrate(fp int64) (model.WALRow, error)
}

type hydrator interface {
	Hydrate(fp int64) (model.WALRow, error)
}

// PartitionDelta holds the rows committed to a partition version since its last
// merge. While a previous delta is being merged it is reachable through merging,
// and reads that miss here fall through to it and then to the base store.
type PartitionDelta struct {
	vpn    model.VersionedPartitionName
	wal    *wal.RowFile
	base   Store
	logger *zap.Logger

	commitMu     sync.Mutex
	pointerMu    sync.RWMutex
	pointerIndex map[string]model.WALPointer
	orderedIndex *index.MemoryIndex
	txIDs        txIDLog
	merging      atomic.Pointer[PartitionDelta]

	updatesSinceHighwater atomic.Int64
	wroteFirstHighwater   atomic.Bool
}

// New creates a delta over base, layered on top of merging (which may be nil).
func New(vpn model.VersionedPartitionName, rowFile *wal.RowFile, base Store, merging *PartitionDelta, logger *zap.Logger) *PartitionDelta {
	d := &PartitionDelta{
		vpn:          vpn,
		wal:          rowFile,
		base:         base,
		logger:       logger,
		pointerIndex: make(map[string]model.WALPointer),
		orderedIndex: index.NewMemoryIndex(),
	}
	if merging != nil {
		d.merging.Store(merging)
	}
	return d
}

// VersionedPartitionName returns the partition version this delta belongs to.
func (d *PartitionDelta) VersionedPartitionName() model.VersionedPartitionName {
	return d.vpn
}

// WAL returns the delta's row file.
func (d *PartitionDelta) WAL() *wal.RowFile {
	return d.wal
}

// Merging returns the delta currently being merged, or nil.
func (d *PartitionDelta) Merging() *PartitionDelta {
	return d.merging.Load()
}

// Rotate returns a fresh delta layered over d so d can be merged. It fails while a
// merge of an older delta is still in flight.
func (d *PartitionDelta) Rotate(rowFile *wal.RowFile) (*PartitionDelta, error) {
	if d.merging.Load() != nil {
		return nil, fmt.Errorf("delta for %s is already merging", d.vpn)
	}
	return New(d.vpn, rowFile, d.base, d, d.logger), nil
}

// Size is the number of distinct keys in this delta, excluding merging.
func (d *PartitionDelta) Size() int {
	d.pointerMu.RLock()
	defer d.pointerMu.RUnlock()
	return len(d.pointerIndex)
}

// Put records the pointer for (prefix, key) in both indexes. The last put wins,
// whatever its timestamp.
func (d *PartitionDelta) Put(fp int64, prefix, key []byte, timestamp int64, tombstoned bool) {
	composed := model.ComposeKey(prefix, key)
	ptr := model.WALPointer{Fp: fp, Timestamp: timestamp, Tombstoned: tombstoned}
	d.pointerMu.Lock()
	d.pointerIndex[string(composed)] = ptr
	d.orderedIndex.Put(composed, ptr)
	d.pointerMu.Unlock()
	d.updatesSinceHighwater.Add(1)
}

// AppendTxFps records the fps written by txID. txID must exceed the last one.
func (d *PartitionDelta) AppendTxFps(txID int64, fps []int64) error {
	return d.txIDs.append(txID, fps)
}

// OnLoadAppendTxFp adds one fp while replaying the WAL at startup.
func (d *PartitionDelta) OnLoadAppendTxFp(txID, fp int64) error {
	return d.txIDs.appendOnLoad(txID, fp)
}

// Commit appends rows (and an optional highwater marker) as transaction txID:
// the rows go to the WAL, then into the indexes, then into the txId log.
func (d *PartitionDelta) Commit(txID int64, rows []model.WALRow, highwater *model.WALHighwater) ([]int64, error) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	if err := d.txIDs.checkNext(txID); err != nil {
		return nil, err
	}

	recs := make([]wal.Record, 0, len(rows)+1)
	for _, row := range rows {
		data, err := model.EncodeRow(row)
		if err != nil {
			return nil, err
		}
		recs = append(recs, wal.Record{Type: model.RowPrimary, TxID: txID, Data: data})
	}
	if highwater != nil {
		data, err := model.EncodeHighwater(*highwater)
		if err != nil {
			return nil, err
		}
		recs = append(recs, wal.Record{Type: model.RowHighwater, TxID: txID, Data: data})
	}

	fps, err := d.wal.AppendBatch(recs)
	if err != nil {
		return nil, amzaerrors.StorageFailure(fmt.Sprintf("failed to append to delta WAL for %s", d.vpn), err)
	}
	for i, row := range rows {
		d.Put(fps[i], row.Prefix, row.Key, row.Timestamp, row.Tombstoned)
	}
	if err := d.txIDs.append(txID, fps); err != nil {
		return nil, err
	}
	return fps, nil
}

// Load replays the delta's WAL into its indexes after a restart.
func (d *PartitionDelta) Load() (int, error) {
	loaded := 0
	err := d.wal.Scan(0, func(rec wal.Record) (bool, error) {
		if rec.Type == model.RowPrimary {
			row, err := model.DecodeRow(rec.Data)
			if err != nil {
				return false, err
			}
			d.Put(rec.Fp, row.Prefix, row.Key, row.Timestamp, row.Tombstoned)
			loaded++
		}
		return true, d.OnLoadAppendTxFp(rec.TxID, rec.Fp)
	})
	if err != nil {
		return loaded, fmt.Errorf("failed to load delta for %s: %w", d.vpn, err)
	}
	return loaded, nil
}

func (d *PartitionDelta) ownPointer(composed []byte) (model.WALPointer, bool) {
	d.pointerMu.RLock()
	defer d.pointerMu.RUnlock()
	ptr, ok := d.pointerIndex[string(composed)]
	return ptr, ok
}

// GetPointer looks in this delta, then the merging delta, then the base store.
func (d *PartitionDelta) GetPointer(prefix, key []byte) (model.WALPointer, bool, error) {
	composed := model.ComposeKey(prefix, key)
	for cur := d; cur != nil; cur = cur.merging.Load() {
		if ptr, ok := cur.ownPointer(composed); ok {
			return ptr, true, nil
		}
	}
	if d.base == nil {
		return model.WALPointer{}, false, nil
	}
	return d.base.GetPointer(composed)
}

// ContainsKey reports (exists, known) over the delta chain only: known is false
// when neither this delta nor the merging delta has seen the key.
func (d *PartitionDelta) ContainsKey(prefix, key []byte) (exists bool, known bool) {
	composed := model.ComposeKey(prefix, key)
	for cur := d; cur != nil; cur = cur.merging.Load() {
		if ptr, ok := cur.ownPointer(composed); ok {
			return !ptr.Tombstoned, true
		}
	}
	return false, false
}

// Get returns the value for (prefix, key) from whichever layer holds it. Tombstones
// come back with Tombstoned set.
func (d *PartitionDelta) Get(prefix, key []byte) (model.WALValue, bool, error) {
	composed := model.ComposeKey(prefix, key)
	for cur := d; cur != nil; cur = cur.merging.Load() {
		ptr, ok := cur.ownPointer(composed)
		if !ok {
			continue
		}
		if ptr.Tombstoned {
			return model.WALValue{Timestamp: ptr.Timestamp, Tombstoned: true}, true, nil
		}
		row, err := cur.Hydrate(ptr.Fp)
		if err != nil {
			return model.WALValue{}, false, err
		}
		return row.WALValue(), true, nil
	}
	if d.base == nil {
		return model.WALValue{}, false, nil
	}
	return d.base.Get(composed)
}

// Hydrate reads the primary row at fp from this delta's WAL.
func (d *PartitionDelta) Hydrate(fp int64) (model.WALRow, error) {
	rec, err := d.wal.Read(fp)
	if err != nil {
		return model.WALRow{}, amzaerrors.DeltaWALMissing(d.vpn.String(), fp, err)
	}
	if rec.Type != model.RowPrimary {
		return model.WALRow{}, amzaerrors.DeltaWALMissing(d.vpn.String(), fp,
			fmt.Errorf("record is a %s row", rec.Type))
	}
	return model.DecodeRow(rec.Data)
}

// HighestTxID is the last appended txId, falling back to the merging delta, or -1.
func (d *PartitionDelta) HighestTxID() int64 {
	if highest := d.txIDs.highest(); highest >= 0 {
		return highest
	}
	if m := d.merging.Load(); m != nil {
		return m.HighestTxID()
	}
	return -1
}

// LowestTxID prefers the merging delta's lowest txId when it has one.
func (d *PartitionDelta) LowestTxID() int64 {
	if m := d.merging.Load(); m != nil {
		if lowest := m.LowestTxID(); lowest >= 0 {
			return lowest
		}
	}
	return d.txIDs.lowest()
}

// ShouldWriteHighwater is true on the first call and then once per highwaterInterval updates.
func (d *PartitionDelta) ShouldWriteHighwater() bool {
	if d.wroteFirstHighwater.CompareAndSwap(false, true) {
		d.updatesSinceHighwater.Store(0)
		return true
	}
	if d.updatesSinceHighwater.Load() >= highwaterInterval {
		d.updatesSinceHighwater.Store(0)
		return true
	}
	return false
}

// Merge applies the merging delta to store, one transaction group at a time,
// starting strictly after store's highest txId so an interrupted merge resumes
// without reapplying groups. Only the latest row per key is applied. On success
// the merging reference is cleared; on failure it is left for a retry.
func (d *PartitionDelta) Merge(store Store) (int, error) {
	m := d.merging.Load()
	if m == nil {
		return 0, nil
	}

	merged := 0
	for _, group := range m.txIDs.after(store.HighestTxID()) {
		var (
			rows      []model.WALRow
			highwater *model.WALHighwater
		)
		for _, fp := range group.Fps {
			rec, err := m.wal.Read(fp)
			if err != nil {
				return merged, amzaerrors.DeltaWALMissing(m.vpn.String(), fp, err)
			}
			switch rec.Type {
			case model.RowPrimary:
				row, err := model.DecodeRow(rec.Data)
				if err != nil {
					return merged, amzaerrors.DeltaWALMissing(m.vpn.String(), fp, err)
				}
				ptr, ok, _ := m.orderedIndex.GetPointer(row.Composed())
				if !ok {
					return merged, amzaerrors.DeltaWALMissing(m.vpn.String(), fp,
						fmt.Errorf("no pointer for merged key"))
				}
				if ptr.Fp == fp {
					rows = append(rows, row)
				}
			case model.RowHighwater:
				hw, err := model.DecodeHighwater(rec.Data)
				if err != nil {
					return merged, err
				}
				highwater = &hw
			}
		}
		n, err := store.Merge(group.TxID, rows, highwater)
		if err != nil {
			return merged, fmt.Errorf("failed to merge tx %d of %s: %w", group.TxID, m.vpn, err)
		}
		merged += n
	}

	if err := store.CommitIndex(); err != nil {
		return merged, fmt.Errorf("failed to commit index for %s: %w", m.vpn, err)
	}
	d.merging.CompareAndSwap(m, nil)
	d.logger.Debug("Merged delta",
		zap.String("partition", m.vpn.String()),
		zap.Int("merged", merged),
		zap.Int64("highest_tx_id", store.HighestTxID()))
	return merged, nil
}

// Destroy closes and deletes the delta's WAL. Call it only once nothing can read
// from the delta anymore.
func (d *PartitionDelta) Destroy() error {
	return d.wal.Delete()
}

// Close closes the delta's WAL without deleting it.
func (d *PartitionDelta) Close() error {
	return d.wal.Close()
}
