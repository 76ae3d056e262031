package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/devrev/amza/internal/model"
)

// ReadHeader validates the file header.
func ReadHeader(r io.ReaderAt) error {
	buf := make([]byte, headerSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read row file header: %w", err)
	}
	if !bytes.Equal(buf[:len(Magic)], Magic) {
		return ErrBadMagic
	}
	major, minor := buf[len(Magic)], buf[len(Magic)+1]
	if major != currentMajor || minor > currentMinor {
		return UnsupportedVersionError{major: major, minor: minor}
	}
	return nil
}

// ReadRecordAt reads and verifies the record at fp, returning it and its framed size.
// limit bounds how far a record may extend; anything past it is treated as absent.
func ReadRecordAt(r io.ReaderAt, fp, limit int64) (Record, int, error) {
	if fp < headerSize || fp+recordHeaderSize+recordCRCSize > limit {
		return Record{}, 0, RecordNotFoundError{Fp: fp}
	}
	header := make([]byte, recordHeaderSize)
	if _, err := r.ReadAt(header, fp); err != nil {
		return Record{}, 0, fmt.Errorf("failed to read record header at %d: %w", fp, err)
	}
	length := int64(binary.BigEndian.Uint64(header[9:]))
	if length < 0 || length > limit {
		return Record{}, 0, RecordNotFoundError{Fp: fp}
	}
	size := int64(recordHeaderSize) + length + recordCRCSize
	if fp+size > limit {
		return Record{}, 0, RecordNotFoundError{Fp: fp}
	}

	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, fp); err != nil && !errors.Is(err, io.EOF) {
		return Record{}, 0, fmt.Errorf("failed to read record at %d: %w", fp, err)
	}
	body := buf[:size-recordCRCSize]
	expected := binary.BigEndian.Uint32(buf[size-recordCRCSize:])
	if actual := crc32.ChecksumIEEE(body); actual != expected {
		return Record{}, 0, CRCMismatchError{fp: fp, expected: expected, actual: actual}
	}

	rec := Record{
		Fp:   fp,
		Type: model.RowType(body[0]),
		TxID: int64(binary.BigEndian.Uint64(body[1:])),
		Data: body[recordHeaderSize:],
	}
	return rec, int(size), nil
}
