package index_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func key(s string) []byte {
	return model.ComposeKey(nil, []byte(s))
}

func drain(t *testing.T, it index.Iterator) []model.KeyedPointer {
	t.Helper()
	defer it.Close()
	var out []model.KeyedPointer
	for it.Next() {
		out = append(out, it.Entry())
	}
	require.NoError(t, it.Err())
	return out
}

func keysOf(entries []model.KeyedPointer) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		_, k, _ := model.DecomposeKey(e.Composed)
		out[i] = string(k)
	}
	return out
}

func TestMemoryIndex_PutGetRange(t *testing.T) {
	idx := index.NewMemoryIndex()
	for i, k := range []string{"c", "a", "b", "d"} {
		idx.Put(key(k), model.WALPointer{Fp: int64(i), Timestamp: int64(i)})
	}
	idx.Put(key("a"), model.WALPointer{Fp: 99, Timestamp: 0})

	ptr, ok, err := idx.GetPointer(key("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(99), ptr.Fp, "put overwrites regardless of timestamp")
	assert.Equal(t, 4, idx.Len())

	_, ok, err = idx.GetPointer(key("zz"))
	require.NoError(t, err)
	assert.False(t, ok)

	it, err := idx.RangeIterator(key("b"), key("d"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keysOf(drain(t, it)))

	it, err = idx.RangeIterator(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, keysOf(drain(t, it)))
}

func TestMemoryIndex_IteratorIsSnapshot(t *testing.T) {
	idx := index.NewMemoryIndex()
	idx.Put(key("a"), model.WALPointer{Fp: 1})

	it, err := idx.RangeIterator(nil, nil)
	require.NoError(t, err)
	idx.Put(key("b"), model.WALPointer{Fp: 2})

	assert.Equal(t, []string{"a"}, keysOf(drain(t, it)))
}

func TestBoltIndex_ApplyTimestampWins(t *testing.T) {
	idx, err := index.OpenBoltIndex(filepath.Join(t.TempDir(), "index.db"), zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	highest, err := idx.HighestTxID()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), highest)

	applied, err := idx.Apply(10, 100, []model.KeyedPointer{
		{Composed: key("k1"), Pointer: model.WALPointer{Fp: 1, Timestamp: 5}},
		{Composed: key("k2"), Pointer: model.WALPointer{Fp: 2, Timestamp: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	applied, err = idx.Apply(11, 200, []model.KeyedPointer{
		{Composed: key("k1"), Pointer: model.WALPointer{Fp: 3, Timestamp: 4}},
		{Composed: key("k2"), Pointer: model.WALPointer{Fp: 4, Timestamp: 6, Tombstoned: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	ptr, ok, err := idx.GetPointer(key("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), ptr.Fp)

	ptr, ok, err = idx.GetPointer(key("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ptr.Tombstoned)

	highest, err = idx.HighestTxID()
	require.NoError(t, err)
	assert.Equal(t, int64(11), highest)
	assert.Equal(t, 2, idx.Len())

	tests := []struct {
		after    int64
		expected int64
		found    bool
	}{
		{-1, 100, true},
		{9, 100, true},
		{10, 200, true},
		{11, 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("seek after %d", tt.after), func(t *testing.T) {
			fp, found, err := idx.SeekTx(tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.expected, fp)
		})
	}
}

func TestBoltIndex_RangeAcrossBatches(t *testing.T) {
	idx, err := index.OpenBoltIndex(filepath.Join(t.TempDir(), "index.db"), zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	var entries []model.KeyedPointer
	for i := 0; i < 1300; i++ {
		entries = append(entries, model.KeyedPointer{
			Composed: key(fmt.Sprintf("k%05d", i)),
			Pointer:  model.WALPointer{Fp: int64(i), Timestamp: 1},
		})
	}
	require.NoError(t, idx.Load(entries, nil, 1))

	it, err := idx.RangeIterator(nil, nil)
	require.NoError(t, err)
	all := drain(t, it)
	require.Len(t, all, 1300)
	for i, e := range all {
		assert.Equal(t, int64(i), e.Pointer.Fp)
	}

	it, err = idx.RangeIterator(key("k00100"), key("k00105"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k00100", "k00101", "k00102", "k00103", "k00104"}, keysOf(drain(t, it)))
}

func TestMerge_Precedence(t *testing.T) {
	live := index.NewMemoryIndex()
	merging := index.NewMemoryIndex()
	base := index.NewMemoryIndex()

	base.Put(key("a"), model.WALPointer{Fp: 1})
	base.Put(key("b"), model.WALPointer{Fp: 2})
	base.Put(key("d"), model.WALPointer{Fp: 3})
	merging.Put(key("b"), model.WALPointer{Fp: 20})
	merging.Put(key("c"), model.WALPointer{Fp: 21})
	live.Put(key("c"), model.WALPointer{Fp: 30})
	live.Put(key("e"), model.WALPointer{Fp: 31})

	var sources []index.Iterator
	for _, idx := range []*index.MemoryIndex{live, merging, base} {
		it, err := idx.RangeIterator(nil, nil)
		require.NoError(t, err)
		sources = append(sources, it)
	}
	merged := drain(t, index.Merge(sources...))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keysOf(merged))
	fps := make([]int64, len(merged))
	for i, e := range merged {
		fps[i] = e.Pointer.Fp
	}
	assert.Equal(t, []int64{1, 20, 30, 3, 31}, fps)
}
