package delta

import (
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/devrev/amza/internal/storage/wal"
)

// Row is one key's value as seen through the layered view.
type Row struct {
	Prefix []byte
	Key    []byte
	Value  model.WALValue
}

// RowIterator walks the union of the live delta, the merging delta and the base
// store in key order, live delta first on ties.
type RowIterator struct {
	merged            *index.MergeIterator
	layers            []hydrator
	includeTombstones bool
	row               Row
	err               error
}

func (d *PartitionDelta) layeredIterator(from, to []byte, includeTombstones bool) (*RowIterator, error) {
	var (
		sources []index.Iterator
		layers  []hydrator
	)
	for cur := d; cur != nil; cur = cur.merging.Load() {
		it, err := cur.orderedIndex.RangeIterator(from, to)
		if err != nil {
			return nil, err
		}
		sources = append(sources, it)
		layers = append(layers, cur)
	}
	if d.base != nil {
		it, err := d.base.RangeIterator(from, to)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, err
		}
		sources = append(sources, it)
		layers = append(layers, it)
	}
	return &RowIterator{merged: index.Merge(sources...), layers: layers, includeTombstones: includeTombstones}, nil
}

// RangeScan iterates live keys in [(fromPrefix, fromKey), (toPrefix, toKey)).
// A nil fromKey or toKey leaves that end unbounded.
func (d *PartitionDelta) RangeScan(fromPrefix, fromKey, toPrefix, toKey []byte) (*RowIterator, error) {
	var from, to []byte
	if fromKey != nil {
		from = model.ComposeKey(fromPrefix, fromKey)
	}
	if toKey != nil {
		to = model.ComposeKey(toPrefix, toKey)
	}
	return d.layeredIterator(from, to, false)
}

// RowScan iterates every key, tombstones included.
func (d *PartitionDelta) RowScan() (*RowIterator, error) {
	return d.layeredIterator(nil, nil, true)
}

func (it *RowIterator) Next() bool {
	for it.err == nil && it.merged.Next() {
		e := it.merged.Entry()
		if e.Pointer.Tombstoned && !it.includeTombstones {
			continue
		}
		prefix, key, err := model.DecomposeKey(e.Composed)
		if err != nil {
			it.err = err
			return false
		}
		value := model.WALValue{Timestamp: e.Pointer.Timestamp, Tombstoned: e.Pointer.Tombstoned}
		if !e.Pointer.Tombstoned {
			row, err := it.layers[it.merged.Source()].Hydrate(e.Pointer.Fp)
			if err != nil {
				it.err = err
				return false
			}
			value = row.WALValue()
		}
		it.row = Row{Prefix: prefix, Key: key, Value: value}
		return true
	}
	if it.err == nil {
		it.err = it.merged.Err()
	}
	return false
}

func (it *RowIterator) Row() Row   { return it.row }
func (it *RowIterator) Err() error { return it.err }
func (it *RowIterator) Close() error {
	return it.merged.Close()
}

// TakenRow is one WAL record returned by a take.
type TakenRow struct {
	TxID int64
	Fp   int64
	Type model.RowType
	Data []byte
}

// TxRowIterator yields every record with txId above a floor in ascending txId
// order, the merging delta first. Groups appended while iterating are picked up.
type TxRowIterator struct {
	deltas []*PartitionDelta
	di     int
	lowest int64
	floor  int64
	groups []model.TxFps
	gi, fi int
	row    TakenRow
	err    error
}

// TakeRowsFromTransactionID iterates rows with txId > txID.
func (d *PartitionDelta) TakeRowsFromTransactionID(txID int64) *TxRowIterator {
	var chain []*PartitionDelta
	for cur := d; cur != nil; cur = cur.merging.Load() {
		chain = append([]*PartitionDelta{cur}, chain...)
	}
	lowest := int64(-1)
	for _, cur := range chain {
		if lowest = cur.txIDs.lowest(); lowest >= 0 {
			break
		}
	}
	return &TxRowIterator{deltas: chain, lowest: lowest, floor: txID}
}

// LowestTxID is the lowest txId held by the deltas captured when the iterator was
// created, or -1 if they were empty. Everything below it lives in the base store.
func (it *TxRowIterator) LowestTxID() int64 { return it.lowest }

// RaiseFloor skips groups at or below txID. Only meaningful before the first Next.
func (it *TxRowIterator) RaiseFloor(txID int64) {
	if txID > it.floor {
		it.floor = txID
	}
}

func (it *TxRowIterator) Next() bool {
	for it.err == nil && it.di < len(it.deltas) {
		if it.gi < len(it.groups) {
			group := it.groups[it.gi]
			if it.fi < len(group.Fps) {
				fp := group.Fps[it.fi]
				it.fi++
				rec, err := it.deltas[it.di].wal.Read(fp)
				if err != nil {
					it.err = err
					return false
				}
				it.row = takenRow(rec)
				return true
			}
			it.floor = group.TxID
			it.gi++
			it.fi = 0
			continue
		}
		next := it.deltas[it.di].txIDs.after(it.floor)
		if len(next) == 0 {
			it.di++
			it.groups, it.gi = nil, 0
			continue
		}
		it.groups, it.gi, it.fi = next, 0, 0
	}
	return false
}

func takenRow(rec wal.Record) TakenRow {
	return TakenRow{TxID: rec.TxID, Fp: rec.Fp, Type: rec.Type, Data: rec.Data}
}

func (it *TxRowIterator) Row() TakenRow { return it.row }
func (it *TxRowIterator) Err() error    { return it.err }
