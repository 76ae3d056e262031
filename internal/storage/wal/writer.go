package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/devrev/amza/internal/model"
)

/*
The row file is an append-only log of rows. Its format is:

    Magic: 7 bytes (amzawal)
    Version: 2 bytes (major, minor)
    [Record]*

Where each Record is:
    Type: 1 byte
    TxID: 8 bytes
    Length: 8 bytes
    Data: [Length]byte
    CRC32: 4 bytes

The CRC covers every preceding byte of the record. A record's file offset is its
fp, the identity WAL pointers resolve to.
*/

// Magic is the magic number for the row file.
var Magic = []byte{'a', 'm', 'z', 'a', 'w', 'a', 'l'} // nolint:gochecknoglobals

const (
	currentMajor = uint8(0)
	currentMinor = uint8(1)

	headerSize       = 7 + 2
	recordHeaderSize = 1 + 8 + 8
	recordCRCSize    = 4
)

// Record is one row in the file.
type Record struct {
	Fp   int64
	Type model.RowType
	TxID int64
	Data []byte
}

// Writer appends framed records to an io.Writer. It is not safe for concurrent use;
// RowFile serializes access.
type Writer struct {
	writer io.Writer
	offset int64
}

// NewWriter creates a writer. The file header is written when initialOffset is zero.
func NewWriter(w io.Writer, initialOffset int64) (*Writer, error) {
	if initialOffset == 0 {
		buf := make([]byte, headerSize)
		offset := copy(buf, Magic)
		buf[offset] = currentMajor
		buf[offset+1] = currentMinor
		n, err := w.Write(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to write row file magic: %w", err)
		}
		initialOffset = int64(n)
	}
	return &Writer{writer: w, offset: initialOffset}, nil
}

// Offset is the fp the next record will get.
func (w *Writer) Offset() int64 {
	return w.offset
}

// WriteBatch frames all records into one buffer and writes it with a single call,
// so a transaction's rows land together. It returns the fp of each record.
func (w *Writer) WriteBatch(recs []Record) ([]int64, error) {
	size := 0
	for _, rec := range recs {
		size += recordSize(len(rec.Data))
	}
	buf := make([]byte, size)
	fps := make([]int64, len(recs))
	offset := 0
	for i, rec := range recs {
		fps[i] = w.offset + int64(offset)
		offset += encodeRecord(buf[offset:], rec.Type, rec.TxID, rec.Data)
	}

	n, err := w.writer.Write(buf)
	w.offset += int64(n)
	if err != nil {
		return nil, fmt.Errorf("failed to write records: %w", err)
	}
	if f, ok := w.writer.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush writer: %w", err)
		}
	}
	return fps, nil
}

// Write appends a single record.
func (w *Writer) Write(rowType model.RowType, txID int64, data []byte) (int64, error) {
	fps, err := w.WriteBatch([]Record{{Type: rowType, TxID: txID, Data: data}})
	if err != nil {
		return -1, err
	}
	return fps[0], nil
}

func recordSize(dataLen int) int {
	return recordHeaderSize + dataLen + recordCRCSize
}

func encodeRecord(buf []byte, rowType model.RowType, txID int64, data []byte) int {
	buf[0] = byte(rowType)
	binary.BigEndian.PutUint64(buf[1:], uint64(txID))
	binary.BigEndian.PutUint64(buf[9:], uint64(len(data)))
	offset := recordHeaderSize
	offset += copy(buf[offset:], data)
	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.BigEndian.PutUint32(buf[offset:], crc)
	return offset + recordCRCSize
}
