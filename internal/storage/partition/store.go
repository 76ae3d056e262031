// Package partition implements the base store of a partition version: a row file
// holding every merged row plus a bbolt pointer index over it.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/devrev/amza/internal/storage/wal"
	"go.uber.org/zap"
)

// Store is the merged, persisted state of one partition version. Only delta merges
// and compaction write to it; both hold mergeMu.
type Store struct {
	vpn        model.VersionedPartitionName
	dir        string
	syncWrites bool
	logger     *zap.Logger

	mergeMu sync.Mutex
	current atomic.Pointer[generation]
	highest atomic.Int64
	closed  atomic.Bool
}

var _ delta.Store = (*Store)(nil)

// Open opens or creates the store under dir.
func Open(dir string, vpn model.VersionedPartitionName, syncWrites bool, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	id, err := currentGeneration(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to find partition generation in %s: %w", dir, err)
	}
	g, err := openGeneration(dir, id, syncWrites, logger)
	if err != nil {
		return nil, err
	}
	highest, err := g.reconcile()
	if err != nil {
		g.release()
		return nil, err
	}

	s := &Store{vpn: vpn, dir: dir, syncWrites: syncWrites, logger: logger}
	s.current.Store(g)
	s.highest.Store(highest)
	logger.Info("Opened partition store",
		zap.String("partition", vpn.String()),
		zap.Int64("generation", id),
		zap.Int64("highest_tx_id", highest))
	return s, nil
}

// VersionedPartitionName returns the partition version this store belongs to.
func (s *Store) VersionedPartitionName() model.VersionedPartitionName {
	return s.vpn
}

func (s *Store) pin() (*generation, error) {
	for {
		if s.closed.Load() {
			return nil, amzaerrors.PartitionDisposed(s.vpn.String())
		}
		g := s.current.Load()
		if g.acquire() {
			return g, nil
		}
	}
}

// HighestTxID is the highest merged transaction, or -1.
func (s *Store) HighestTxID() int64 {
	return s.highest.Load()
}

func (s *Store) GetPointer(composed []byte) (model.WALPointer, bool, error) {
	g, err := s.pin()
	if err != nil {
		return model.WALPointer{}, false, err
	}
	defer g.release()
	return g.index.GetPointer(composed)
}

// Get resolves and hydrates composed within one generation.
func (s *Store) Get(composed []byte) (model.WALValue, bool, error) {
	g, err := s.pin()
	if err != nil {
		return model.WALValue{}, false, err
	}
	defer g.release()

	ptr, ok, err := g.index.GetPointer(composed)
	if err != nil || !ok {
		return model.WALValue{}, false, err
	}
	if ptr.Tombstoned {
		return model.WALValue{Timestamp: ptr.Timestamp, Tombstoned: true}, true, nil
	}
	row, err := g.hydrate(ptr.Fp)
	if err != nil {
		return model.WALValue{}, false, amzaerrors.CorruptedData(
			fmt.Sprintf("pointer for %s references a missing row", s.vpn), err)
	}
	return row.WALValue(), true, nil
}

// Count is the number of keys in the index, tombstones included.
func (s *Store) Count() int {
	g, err := s.pin()
	if err != nil {
		return 0
	}
	defer g.release()
	return g.index.Len()
}

// RangeIterator iterates pointers in [from, to). The iterator pins the current
// generation until Close.
func (s *Store) RangeIterator(from, to []byte) (delta.BaseIterator, error) {
	g, err := s.pin()
	if err != nil {
		return nil, err
	}
	it, err := g.index.RangeIterator(from, to)
	if err != nil {
		g.release()
		return nil, err
	}
	return &rangeIterator{Iterator: it, gen: g}, nil
}

type rangeIterator struct {
	index.Iterator
	gen      *generation
	released bool
}

func (it *rangeIterator) Hydrate(fp int64) (model.WALRow, error) {
	return it.gen.hydrate(fp)
}

func (it *rangeIterator) Close() error {
	err := it.Iterator.Close()
	if !it.released {
		it.released = true
		it.gen.release()
	}
	return err
}

// Merge appends one transaction's rows to the row file and applies their pointers
// with timestamp-wins. Transactions at or below the highest merged txId are skipped.
func (s *Store) Merge(txID int64, rows []model.WALRow, highwater *model.WALHighwater) (int, error) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if txID <= s.highest.Load() {
		return 0, nil
	}
	g, err := s.pin()
	if err != nil {
		return 0, err
	}
	defer g.release()

	recs := make([]wal.Record, 0, len(rows)+1)
	for _, row := range rows {
		data, err := model.EncodeRow(row)
		if err != nil {
			return 0, err
		}
		recs = append(recs, wal.Record{Type: model.RowPrimary, TxID: txID, Data: data})
	}
	if highwater != nil {
		data, err := model.EncodeHighwater(*highwater)
		if err != nil {
			return 0, err
		}
		recs = append(recs, wal.Record{Type: model.RowHighwater, TxID: txID, Data: data})
	}

	firstFp := int64(-1)
	var fps []int64
	if len(recs) > 0 {
		fps, err = g.rows.AppendBatch(recs)
		if err != nil {
			return 0, amzaerrors.StorageFailure(fmt.Sprintf("failed to append rows for %s", s.vpn), err)
		}
		firstFp = fps[0]
		// The index must never name a transaction whose rows are not on disk.
		if !s.syncWrites {
			if err := g.rows.Sync(); err != nil {
				return 0, amzaerrors.StorageFailure(fmt.Sprintf("failed to sync rows for %s", s.vpn), err)
			}
		}
	}

	entries := make([]model.KeyedPointer, len(rows))
	for i, row := range rows {
		entries[i] = model.KeyedPointer{Composed: row.Composed(), Pointer: row.Pointer(fps[i])}
	}
	applied, err := g.index.Apply(txID, firstFp, entries)
	if err != nil {
		return 0, amzaerrors.StorageFailure(fmt.Sprintf("failed to index rows for %s", s.vpn), err)
	}
	s.highest.Store(txID)
	return applied, nil
}

// CommitIndex forces the row file and the index to disk.
func (s *Store) CommitIndex() error {
	g, err := s.pin()
	if err != nil {
		return err
	}
	defer g.release()
	if err := g.rows.Sync(); err != nil {
		return err
	}
	return g.index.Sync()
}

// TxRowIterator yields the store's records with txId above a floor, in txId order.
type TxRowIterator struct {
	gen    *generation
	cursor *wal.Cursor
	floor  int64
	until  int64
	rec    wal.Record
	err    error
}

// TakeRowsFromTransactionID iterates records with txId > txID. Close releases the
// generation the iterator reads from.
func (s *Store) TakeRowsFromTransactionID(txID int64) (*TxRowIterator, error) {
	g, err := s.pin()
	if err != nil {
		return nil, err
	}
	it := &TxRowIterator{gen: g, floor: txID, until: -1}
	fp, ok, err := g.index.SeekTx(txID)
	if err != nil {
		g.release()
		return nil, err
	}
	if ok {
		it.cursor = g.rows.Cursor(fp)
	}
	return it, nil
}

// Until stops the iterator before the first record with txId >= txID.
func (it *TxRowIterator) Until(txID int64) {
	it.until = txID
}

func (it *TxRowIterator) Next() bool {
	if it.cursor == nil || it.err != nil {
		return false
	}
	for it.cursor.Next() {
		rec := it.cursor.Record()
		if rec.TxID <= it.floor {
			continue
		}
		if it.until >= 0 && rec.TxID >= it.until {
			it.cursor = nil
			return false
		}
		it.rec = rec
		return true
	}
	it.err = it.cursor.Err()
	it.cursor = nil
	return false
}

func (it *TxRowIterator) Record() wal.Record { return it.rec }
func (it *TxRowIterator) Err() error         { return it.err }

func (it *TxRowIterator) Close() error {
	if it.gen != nil {
		it.gen.release()
		it.gen = nil
	}
	it.cursor = nil
	return nil
}

// Close releases the store. Files stay open until outstanding iterators close.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	s.current.Load().release()
	return nil
}

// Delete closes the store and removes its directory.
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove partition directory %s: %w", s.dir, err)
	}
	return nil
}

// Dir is the store's directory.
func (s *Store) Dir() string {
	return filepath.Clean(s.dir)
}
