package partition

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/devrev/amza/internal/storage/wal"
	"go.uber.org/zap"
)

// CompactionStats describes one tombstone compaction.
type CompactionStats struct {
	Generation        int64
	KeptRows          int
	RemovedTombstones int
	DroppedRows       int
}

// CompactTombstones rewrites the store into a new generation that keeps only the
// latest row per key and drops tombstones with a timestamp below horizon. Rows keep
// their txId order so takes from the new generation stay ordered. Merges wait for
// the rewrite; readers keep using the old generation until they release it.
func (s *Store) CompactTombstones(horizon int64) (CompactionStats, error) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	old, err := s.pin()
	if err != nil {
		return CompactionStats{}, err
	}
	defer old.release()

	stats := CompactionStats{Generation: old.id + 1}
	tmpRows := filepath.Join(s.dir, rowsName(stats.Generation)+tmpSuffix)
	tmpIndex := filepath.Join(s.dir, indexName(stats.Generation)+tmpSuffix)
	cleanup := func() {
		os.Remove(tmpRows)
		os.Remove(tmpIndex)
	}

	rows, err := wal.Open(tmpRows, false, s.logger)
	if err != nil {
		return stats, err
	}
	idx, err := index.OpenBoltIndex(tmpIndex, s.logger)
	if err != nil {
		rows.Close()
		cleanup()
		return stats, err
	}
	fail := func(err error) (CompactionStats, error) {
		rows.Close()
		idx.Close()
		cleanup()
		return stats, fmt.Errorf("failed to compact %s: %w", s.vpn, err)
	}

	var (
		entries []model.KeyedPointer
		starts  []index.TxStart
		lastTx  = int64(-1)
	)
	cursor := old.rows.Cursor(0)
	for cursor.Next() {
		rec := cursor.Record()
		if rec.Type != model.RowPrimary {
			continue
		}
		row, err := model.DecodeRow(rec.Data)
		if err != nil {
			return fail(err)
		}
		composed := row.Composed()
		ptr, ok, err := old.index.GetPointer(composed)
		if err != nil {
			return fail(err)
		}
		if !ok || ptr.Fp != rec.Fp {
			stats.DroppedRows++
			continue
		}
		if ptr.Tombstoned && ptr.Timestamp < horizon {
			stats.RemovedTombstones++
			continue
		}
		fp, err := rows.Append(model.RowPrimary, rec.TxID, rec.Data)
		if err != nil {
			return fail(err)
		}
		if rec.TxID != lastTx {
			starts = append(starts, index.TxStart{TxID: rec.TxID, Fp: fp})
			lastTx = rec.TxID
		}
		entries = append(entries, model.KeyedPointer{Composed: composed, Pointer: ptr.WithFp(fp)})
		stats.KeptRows++
	}
	if err := cursor.Err(); err != nil {
		return fail(err)
	}
	if err := idx.Load(entries, starts, s.highest.Load()); err != nil {
		return fail(err)
	}
	if err := rows.Close(); err != nil {
		idx.Close()
		cleanup()
		return stats, err
	}
	if err := idx.Close(); err != nil {
		cleanup()
		return stats, err
	}

	// The row file is renamed last; its final name marks the generation complete.
	if err := os.Rename(tmpIndex, filepath.Join(s.dir, indexName(stats.Generation))); err != nil {
		cleanup()
		return stats, err
	}
	if err := os.Rename(tmpRows, filepath.Join(s.dir, rowsName(stats.Generation))); err != nil {
		os.Remove(filepath.Join(s.dir, indexName(stats.Generation)))
		cleanup()
		return stats, err
	}

	next, err := openGeneration(s.dir, stats.Generation, s.syncWrites, s.logger)
	if err != nil {
		return stats, err
	}
	old.retired.Store(true)
	s.current.Store(next)
	old.release()

	s.logger.Info("Compacted partition store",
		zap.String("partition", s.vpn.String()),
		zap.Int64("generation", stats.Generation),
		zap.Int("kept", stats.KeptRows),
		zap.Int("tombstones_removed", stats.RemovedTombstones))
	return stats, nil
}
