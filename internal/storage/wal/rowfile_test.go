package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openRowFile(t *testing.T, path string) *wal.RowFile {
	t.Helper()
	rf, err := wal.Open(path, false, zap.NewNop())
	require.NoError(t, err)
	return rf
}

func TestRowFile_AppendRead(t *testing.T) {
	rf := openRowFile(t, filepath.Join(t.TempDir(), "rows.wal"))
	defer rf.Close()

	fps, err := rf.AppendBatch([]wal.Record{
		{Type: model.RowPrimary, TxID: 1, Data: []byte("a")},
		{Type: model.RowPrimary, TxID: 1, Data: []byte("bb")},
		{Type: model.RowHighwater, TxID: 1, Data: nil},
	})
	require.NoError(t, err)
	require.Len(t, fps, 3)
	assert.Less(t, fps[0], fps[1])
	assert.Less(t, fps[1], fps[2])

	rec, err := rf.Read(fps[1])
	require.NoError(t, err)
	assert.Equal(t, model.RowPrimary, rec.Type)
	assert.Equal(t, int64(1), rec.TxID)
	assert.Equal(t, []byte("bb"), rec.Data)
	assert.Equal(t, fps[1], rec.Fp)

	_, err = rf.Read(fps[2] + 1)
	assert.Error(t, err)
	_, err = rf.Read(rf.Size() + 10)
	assert.ErrorIs(t, err, wal.RecordNotFoundError{})
}

func TestRowFile_Scan(t *testing.T) {
	rf := openRowFile(t, filepath.Join(t.TempDir(), "rows.wal"))
	defer rf.Close()

	for tx := int64(1); tx <= 5; tx++ {
		_, err := rf.Append(model.RowPrimary, tx, []byte{byte(tx)})
		require.NoError(t, err)
	}

	var seen []int64
	require.NoError(t, rf.Scan(0, func(rec wal.Record) (bool, error) {
		seen = append(seen, rec.TxID)
		return rec.TxID < 3, nil
	}))
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestRowFile_ReopenAndTruncateTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.wal")
	rf := openRowFile(t, path)
	fp1, err := rf.Append(model.RowPrimary, 1, []byte("first"))
	require.NoError(t, err)
	fp2, err := rf.Append(model.RowPrimary, 2, []byte("second"))
	require.NoError(t, err)
	validSize := rf.Size()
	require.NoError(t, rf.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 0, 0, 0, 0, 0, 0, 0, 3, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openRowFile(t, path)
	defer reopened.Close()
	assert.Equal(t, validSize, reopened.Size())

	rec, err := reopened.Read(fp1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), rec.Data)
	rec, err = reopened.Read(fp2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), rec.Data)

	fp3, err := reopened.Append(model.RowPrimary, 3, []byte("third"))
	require.NoError(t, err)
	assert.Equal(t, validSize, fp3)
}

func TestRowFile_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.wal")
	require.NoError(t, os.WriteFile(path, []byte("notawalfile"), 0644))
	_, err := wal.Open(path, false, zap.NewNop())
	assert.ErrorIs(t, err, wal.ErrBadMagic)
}

func TestRowFile_CRCMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.wal")
	rf := openRowFile(t, path)
	fp, err := rf.Append(model.RowPrimary, 1, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("X"), fp+17)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	info, err := file.Stat()
	require.NoError(t, err)
	_, _, err = wal.ReadRecordAt(file, fp, info.Size())
	assert.ErrorIs(t, err, wal.CRCMismatchError{})
}

func TestRowFile_ClosedOperations(t *testing.T) {
	rf := openRowFile(t, filepath.Join(t.TempDir(), "rows.wal"))
	require.NoError(t, rf.Close())
	require.NoError(t, rf.Close())

	_, err := rf.Append(model.RowPrimary, 1, nil)
	assert.ErrorIs(t, err, wal.ErrClosed)
	_, err = rf.Read(9)
	assert.ErrorIs(t, err, wal.ErrClosed)
}

func TestRowFile_Cursor(t *testing.T) {
	rf := openRowFile(t, filepath.Join(t.TempDir(), "rows.wal"))
	fps, err := rf.AppendBatch([]wal.Record{
		{Type: model.RowPrimary, TxID: 1, Data: []byte("a")},
		{Type: model.RowPrimary, TxID: 2, Data: []byte("b")},
	})
	require.NoError(t, err)

	c := rf.Cursor(fps[1])
	require.True(t, c.Next())
	assert.Equal(t, int64(2), c.Record().TxID)
	assert.False(t, c.Next())

	_, err = rf.Append(model.RowPrimary, 3, []byte("c"))
	require.NoError(t, err)
	require.True(t, c.Next(), "records appended later are visited")
	assert.Equal(t, []byte("c"), c.Record().Data)
	require.NoError(t, c.Err())
}
