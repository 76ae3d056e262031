package delta_test

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/devrev/amza/internal/storage/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testVPN = model.NewVersionedPartitionName(model.NewPartitionName(false, []byte("ring"), []byte("p")), 1)

// memStore is a base store kept entirely in memory.
type memStore struct {
	mu       sync.Mutex
	idx      *index.MemoryIndex
	rows     map[int64]model.WALRow
	nextFp   int64
	highest  int64
	mergedTx []int64
	failAt   int64
	commits  int
}

func newMemStore() *memStore {
	return &memStore{idx: index.NewMemoryIndex(), rows: map[int64]model.WALRow{}, highest: -1, failAt: -1}
}

func (s *memStore) HighestTxID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest
}

func (s *memStore) GetPointer(composed []byte) (model.WALPointer, bool, error) {
	return s.idx.GetPointer(composed)
}

func (s *memStore) hydrate(fp int64) (model.WALRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[fp]
	if !ok {
		return model.WALRow{}, fmt.Errorf("no row at %d", fp)
	}
	return row, nil
}

func (s *memStore) Get(composed []byte) (model.WALValue, bool, error) {
	ptr, ok, err := s.idx.GetPointer(composed)
	if err != nil || !ok {
		return model.WALValue{}, false, err
	}
	if ptr.Tombstoned {
		return model.WALValue{Timestamp: ptr.Timestamp, Tombstoned: true}, true, nil
	}
	row, err := s.hydrate(ptr.Fp)
	if err != nil {
		return model.WALValue{}, false, err
	}
	return row.WALValue(), true, nil
}

type memIterator struct {
	index.Iterator
	store *memStore
}

func (it memIterator) Hydrate(fp int64) (model.WALRow, error) {
	return it.store.hydrate(fp)
}

func (s *memStore) RangeIterator(from, to []byte) (delta.BaseIterator, error) {
	it, err := s.idx.RangeIterator(from, to)
	if err != nil {
		return nil, err
	}
	return memIterator{Iterator: it, store: s}, nil
}

func (s *memStore) Merge(txID int64, rows []model.WALRow, _ *model.WALHighwater) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txID == s.failAt {
		return 0, stderrors.New("injected merge failure")
	}
	applied := 0
	for _, row := range rows {
		if existing, ok, _ := s.idx.GetPointer(row.Composed()); ok && existing.Timestamp > row.Timestamp {
			continue
		}
		s.nextFp++
		s.rows[s.nextFp] = row
		s.idx.Put(row.Composed(), row.Pointer(s.nextFp))
		applied++
	}
	s.highest = txID
	s.mergedTx = append(s.mergedTx, txID)
	return applied, nil
}

func (s *memStore) CommitIndex() error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

func newRowFile(t *testing.T, dir, name string) *wal.RowFile {
	t.Helper()
	rf, err := wal.Open(filepath.Join(dir, name), false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })
	return rf
}

func row(key, value string, ts int64) model.WALRow {
	return model.WALRow{Key: []byte(key), Value: []byte(value), Timestamp: ts}
}

func tombstone(key string, ts int64) model.WALRow {
	return model.WALRow{Key: []byte(key), Timestamp: ts, Tombstoned: true}
}

func commit(t *testing.T, d *delta.PartitionDelta, txID int64, rows ...model.WALRow) {
	t.Helper()
	_, err := d.Commit(txID, rows, nil)
	require.NoError(t, err)
}

func getValue(t *testing.T, d *delta.PartitionDelta, key string) (string, bool) {
	t.Helper()
	v, ok, err := d.Get(nil, []byte(key))
	require.NoError(t, err)
	if !ok || v.Tombstoned {
		return "", false
	}
	return string(v.Value), true
}

func TestPartitionDelta_PointerPrecedence(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	_, err := store.Merge(1, []model.WALRow{row("k1", "base", 1), row("k2", "base", 1), row("k3", "base", 1)}, nil)
	require.NoError(t, err)

	first := delta.New(testVPN, newRowFile(t, dir, "d1.wal"), store, nil, zap.NewNop())
	commit(t, first, 2, row("k2", "merging", 2), row("k3", "merging", 2))

	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)
	commit(t, live, 3, row("k3", "live", 0))

	tests := []struct {
		key      string
		expected string
	}{
		{"k1", "base"},
		{"k2", "merging"},
		{"k3", "live"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			value, ok := getValue(t, live, tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.expected, value)
		})
	}

	ptr, ok, err := live.GetPointer(nil, []byte("k3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), ptr.Timestamp, "the delta wins even with an older timestamp")

	_, ok, err = live.GetPointer(nil, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPartitionDelta_LastPutWins(t *testing.T) {
	d := delta.New(testVPN, newRowFile(t, t.TempDir(), "d.wal"), nil, nil, zap.NewNop())
	commit(t, d, 1, row("k1", "v1", 1))
	commit(t, d, 2, row("k1", "v2", 2))

	ptr, ok, err := d.GetPointer(nil, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), ptr.Timestamp)

	d.Put(ptr.Fp, nil, []byte("k1"), 1, false)
	ptr, _, err = d.GetPointer(nil, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ptr.Timestamp, "insertion order wins inside a delta")
}

func TestPartitionDelta_ContainsKey(t *testing.T) {
	d := delta.New(testVPN, newRowFile(t, t.TempDir(), "d.wal"), nil, nil, zap.NewNop())
	commit(t, d, 1, row("live", "v", 1), tombstone("dead", 1))

	exists, known := d.ContainsKey(nil, []byte("live"))
	assert.True(t, known)
	assert.True(t, exists)

	exists, known = d.ContainsKey(nil, []byte("dead"))
	assert.True(t, known)
	assert.False(t, exists)

	_, known = d.ContainsKey(nil, []byte("never"))
	assert.False(t, known)
}

func TestPartitionDelta_TxIDOrdering(t *testing.T) {
	d := delta.New(testVPN, newRowFile(t, t.TempDir(), "d.wal"), nil, nil, zap.NewNop())
	assert.Equal(t, int64(-1), d.HighestTxID())
	assert.Equal(t, int64(-1), d.LowestTxID())

	commit(t, d, 5, row("a", "1", 1))
	commit(t, d, 7, row("b", "2", 1), row("c", "3", 1))

	_, err := d.Commit(7, []model.WALRow{row("d", "4", 1)}, nil)
	assert.ErrorIs(t, err, amzaerrors.ErrTxIDOutOfOrder)
	_, err = d.Commit(6, []model.WALRow{row("d", "4", 1)}, nil)
	assert.ErrorIs(t, err, amzaerrors.ErrTxIDOutOfOrder)
	assert.ErrorIs(t, d.AppendTxFps(3, nil), amzaerrors.ErrTxIDOutOfOrder)

	_, known := d.ContainsKey(nil, []byte("d"))
	assert.False(t, known, "rejected commits leave no trace")

	assert.Equal(t, int64(7), d.HighestTxID())
	assert.Equal(t, int64(5), d.LowestTxID())
}

func collectTaken(t *testing.T, it *delta.TxRowIterator) []int64 {
	t.Helper()
	var txIDs []int64
	for it.Next() {
		txIDs = append(txIDs, it.Row().TxID)
	}
	require.NoError(t, it.Err())
	return txIDs
}

func TestPartitionDelta_TakeRowsFromTransactionID(t *testing.T) {
	dir := t.TempDir()
	first := delta.New(testVPN, newRowFile(t, dir, "d1.wal"), newMemStore(), nil, zap.NewNop())
	commit(t, first, 1, row("a", "1", 1))
	commit(t, first, 2, row("b", "2", 1), row("c", "2", 1))

	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)
	commit(t, live, 3, row("d", "3", 1))
	_, err = live.Commit(4, []model.WALRow{row("e", "4", 1)}, &model.WALHighwater{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		from     int64
		expected []int64
	}{
		{"everything", -1, []int64{1, 2, 2, 3, 4, 4}},
		{"exclusive of the floor", 2, []int64{3, 4, 4}},
		{"crossing into live delta", 1, []int64{2, 2, 3, 4, 4}},
		{"nothing newer", 4, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, collectTaken(t, live.TakeRowsFromTransactionID(tt.from)))
		})
	}

	it := live.TakeRowsFromTransactionID(3)
	require.True(t, it.Next())
	assert.Equal(t, model.RowPrimary, it.Row().Type)
	require.True(t, it.Next())
	assert.Equal(t, model.RowHighwater, it.Row().Type)
	assert.False(t, it.Next())
}

func TestPartitionDelta_TakeSeesConcurrentAppends(t *testing.T) {
	d := delta.New(testVPN, newRowFile(t, t.TempDir(), "d.wal"), nil, nil, zap.NewNop())
	commit(t, d, 1, row("a", "1", 1))

	it := d.TakeRowsFromTransactionID(0)
	require.True(t, it.Next())
	commit(t, d, 2, row("b", "2", 1))
	require.True(t, it.Next())
	assert.Equal(t, int64(2), it.Row().TxID)
	assert.False(t, it.Next())
}

func TestPartitionDelta_Merge(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	first := delta.New(testVPN, newRowFile(t, dir, "d1.wal"), store, nil, zap.NewNop())
	commit(t, first, 1, row("a", "1", 1), row("b", "1", 1))
	commit(t, first, 2, row("a", "2", 2))
	commit(t, first, 3, tombstone("b", 3))

	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)

	_, err = live.Rotate(newRowFile(t, dir, "d3.wal"))
	assert.Error(t, err, "only one delta may merge at a time")

	merged, err := live.Merge(store)
	require.NoError(t, err)
	assert.Equal(t, 2, merged, "only the latest version of each key is applied")
	assert.Nil(t, live.Merging())
	assert.Equal(t, int64(3), store.HighestTxID())
	assert.Equal(t, []int64{1, 2, 3}, store.mergedTx)

	value, ok := getValue(t, live, "a")
	require.True(t, ok)
	assert.Equal(t, "2", value)
	_, ok = getValue(t, live, "b")
	assert.False(t, ok)

	merged, err = live.Merge(store)
	require.NoError(t, err)
	assert.Equal(t, 0, merged, "merging again is a no-op")
	assert.Equal(t, []int64{1, 2, 3}, store.mergedTx)
}

func TestPartitionDelta_MergeResumesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	first := delta.New(testVPN, newRowFile(t, dir, "d1.wal"), store, nil, zap.NewNop())
	for tx := int64(1); tx <= 4; tx++ {
		commit(t, first, tx, row(fmt.Sprintf("k%d", tx), "v", tx))
	}
	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)

	store.failAt = 3
	_, err = live.Merge(store)
	require.Error(t, err)
	assert.NotNil(t, live.Merging(), "a failed merge keeps the merging delta")
	assert.Equal(t, int64(2), store.HighestTxID())

	store.failAt = -1
	merged, err := live.Merge(store)
	require.NoError(t, err)
	assert.Equal(t, 2, merged)
	assert.Equal(t, []int64{1, 2, 3, 4}, store.mergedTx, "no group is applied twice")
}

func TestPartitionDelta_MergeMissingWAL(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	rf := newRowFile(t, dir, "d1.wal")
	first := delta.New(testVPN, rf, store, nil, zap.NewNop())
	commit(t, first, 1, row("a", "1", 1))
	require.NoError(t, first.AppendTxFps(2, []int64{rf.Size() + 100}))

	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)

	_, err = live.Merge(store)
	require.Error(t, err)
	assert.True(t, amzaerrors.IsFatal(err))
	assert.NotNil(t, live.Merging())
}

func TestPartitionDelta_RangeScanLayers(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	_, err := store.Merge(1, []model.WALRow{row("a", "base", 1), row("b", "base", 1), row("e", "base", 1)}, nil)
	require.NoError(t, err)

	first := delta.New(testVPN, newRowFile(t, dir, "d1.wal"), store, nil, zap.NewNop())
	commit(t, first, 2, row("b", "merging", 2), row("c", "merging", 2))
	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)
	commit(t, live, 3, row("d", "live", 3), tombstone("e", 3))

	it, err := live.RangeScan(nil, nil, nil, nil)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		got = append(got, string(it.Row().Key)+"="+string(it.Row().Value.Value))
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"a=base", "b=merging", "c=merging", "d=live"}, got)

	it, err = live.RangeScan(nil, []byte("b"), nil, []byte("d"))
	require.NoError(t, err)
	got = nil
	for it.Next() {
		got = append(got, string(it.Row().Key))
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"b", "c"}, got)

	rows, err := live.RowScan()
	require.NoError(t, err)
	count := 0
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, 5, count, "row scans include tombstones")
}

func TestPartitionDelta_ReadsDuringMerge(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	first := delta.New(testVPN, newRowFile(t, dir, "d1.wal"), store, nil, zap.NewNop())
	for i := 0; i < 200; i++ {
		commit(t, first, int64(i+1), row(fmt.Sprintf("old%03d", i), "v", 1))
	}
	live, err := first.Rotate(newRowFile(t, dir, "d2.wal"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, err := live.Commit(int64(1000+i), []model.WALRow{row(fmt.Sprintf("new%03d", i), "v", 2)}, nil)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		_, err := live.Merge(store)
		assert.NoError(t, err)
	}()

	for i := 0; i < 20; i++ {
		it, err := live.RangeScan(nil, []byte("old"), nil, []byte("old~"))
		require.NoError(t, err)
		seen := map[string]bool{}
		for it.Next() {
			k := string(it.Row().Key)
			assert.False(t, seen[k], "duplicate key %s", k)
			seen[k] = true
		}
		require.NoError(t, it.Err())
		require.NoError(t, it.Close())
		assert.Len(t, seen, 200)
	}
	wg.Wait()

	it, err := live.RowScan()
	require.NoError(t, err)
	total := 0
	for it.Next() {
		total++
	}
	require.NoError(t, it.Close())
	assert.Equal(t, 300, total)
}

func TestPartitionDelta_ShouldWriteHighwater(t *testing.T) {
	d := delta.New(testVPN, newRowFile(t, t.TempDir(), "d.wal"), nil, nil, zap.NewNop())
	assert.True(t, d.ShouldWriteHighwater())
	assert.False(t, d.ShouldWriteHighwater())
	for i := 0; i < 1000; i++ {
		d.Put(int64(i), nil, []byte(fmt.Sprintf("k%d", i)), 1, false)
	}
	assert.True(t, d.ShouldWriteHighwater())
	assert.False(t, d.ShouldWriteHighwater())
}

func TestPartitionDelta_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.wal")
	rf, err := wal.Open(path, false, zap.NewNop())
	require.NoError(t, err)
	d := delta.New(testVPN, rf, nil, nil, zap.NewNop())
	commit(t, d, 1, row("a", "1", 1), row("b", "1", 1))
	commit(t, d, 2, row("a", "2", 2))
	require.NoError(t, d.Close())

	reopened := newRowFile(t, dir, "d.wal")
	loaded := delta.New(testVPN, reopened, nil, nil, zap.NewNop())
	n, err := loaded.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(2), loaded.HighestTxID())
	assert.Equal(t, 2, loaded.Size())

	value, ok := getValue(t, loaded, "a")
	require.True(t, ok)
	assert.Equal(t, "2", value)
	assert.Equal(t, []int64{1, 1, 2}, collectTaken(t, loaded.TakeRowsFromTransactionID(-1)))
}
