package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/devrev/amza/internal/storage/wal"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	rowsPrefix  = "rows-"
	rowsSuffix  = ".wal"
	indexPrefix = "index-"
	indexSuffix = ".db"
	tmpSuffix   = ".tmp"
)

func rowsName(gen int64) string  { return fmt.Sprintf("%s%d%s", rowsPrefix, gen, rowsSuffix) }
func indexName(gen int64) string { return fmt.Sprintf("%s%d%s", indexPrefix, gen, indexSuffix) }

// generation is one row file plus the index over it. Readers pin a generation so a
// compaction can swap in a new one while they finish; the files close when the
// last reference is released.
type generation struct {
	id      int64
	rows    *wal.RowFile
	index   *index.BoltIndex
	refs    atomic.Int64
	retired atomic.Bool
	logger  *zap.Logger
}

func openGeneration(dir string, id int64, syncWrites bool, logger *zap.Logger) (*generation, error) {
	rows, err := wal.Open(filepath.Join(dir, rowsName(id)), syncWrites, logger)
	if err != nil {
		return nil, err
	}
	idx, err := index.OpenBoltIndex(filepath.Join(dir, indexName(id)), logger)
	if err != nil {
		rows.Close()
		return nil, err
	}
	g := &generation{id: id, rows: rows, index: idx, logger: logger}
	g.refs.Store(1)
	return g, nil
}

// reconcile brings the row file and the index back to a common prefix after a
// crash. Transactions indexed past the end of the row file are forgotten, and rows
// appended after the highest indexed transaction are truncated so merging them
// again does not duplicate them. It returns the highest indexed txId.
func (g *generation) reconcile() (int64, error) {
	highest, err := g.index.ForgetTxsFrom(g.rows.Size())
	if err != nil {
		return -1, err
	}
	from, ok, err := g.index.LastTxStart(highest)
	if err != nil {
		return -1, err
	}
	if !ok {
		from = 0
	}
	cut := int64(-1)
	err = g.rows.Scan(from, func(rec wal.Record) (bool, error) {
		if rec.TxID > highest {
			cut = rec.Fp
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return -1, fmt.Errorf("failed to scan row file %s: %w", g.rows.Path(), err)
	}
	if cut >= 0 {
		g.logger.Warn("Truncating rows past the highest indexed transaction",
			zap.String("rows", g.rows.Path()),
			zap.Int64("highest_tx_id", highest),
			zap.Int64("fp", cut),
			zap.Int64("size", g.rows.Size()))
		if err := g.rows.Truncate(cut); err != nil {
			return -1, err
		}
	}
	return highest, nil
}

func (g *generation) acquire() bool {
	for {
		n := g.refs.Load()
		if n == 0 {
			return false
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (g *generation) release() {
	if g.refs.Add(-1) != 0 {
		return
	}
	var result *multierror.Error
	if err := g.index.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if g.retired.Load() {
		if err := g.rows.Delete(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := os.Remove(g.index.Path()); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	} else if err := g.rows.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		g.logger.Warn("Failed to release partition generation",
			zap.String("rows", g.rows.Path()), zap.Error(err))
	}
}

func (g *generation) hydrate(fp int64) (model.WALRow, error) {
	rec, err := g.rows.Read(fp)
	if err != nil {
		return model.WALRow{}, err
	}
	if rec.Type != model.RowPrimary {
		return model.WALRow{}, fmt.Errorf("record at %d is a %s row", fp, rec.Type)
	}
	return model.DecodeRow(rec.Data)
}

// currentGeneration picks the newest complete generation in dir and removes
// leftovers from interrupted compactions. A generation is complete once its row
// file carries its final name, which compaction does last.
func currentGeneration(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var gens []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, rowsPrefix) || !strings.HasSuffix(name, rowsSuffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, rowsPrefix), rowsSuffix), 10, 64)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, indexName(id))); err == nil {
			gens = append(gens, id)
		}
	}
	current := int64(0)
	if len(gens) > 0 {
		sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
		current = gens[0]
	}

	for _, e := range entries {
		name := e.Name()
		if name == rowsName(current) || name == indexName(current) {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) ||
			strings.HasPrefix(name, rowsPrefix) || strings.HasPrefix(name, indexPrefix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return 0, err
			}
		}
	}
	return current, nil
}
