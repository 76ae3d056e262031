package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/devrev/amza/internal/model"
	"go.uber.org/zap"
)

// RowFile is a partition's append-only row log. Appends are serialized; reads use
// ReadAt and never block appends.
type RowFile struct {
	path       string
	syncWrites bool
	logger     *zap.Logger

	mu     sync.Mutex
	file   *os.File
	writer *Writer
	size   atomic.Int64
	closed atomic.Bool
}

// Open opens or creates the row file at path. A torn tail left by a crash is
// truncated back to the last complete record.
func Open(path string, syncWrites bool, logger *zap.Logger) (*RowFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create row file directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open row file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat row file: %w", err)
	}

	rf := &RowFile{path: path, syncWrites: syncWrites, logger: logger, file: file}

	size := info.Size()
	if size > 0 {
		if err := ReadHeader(file); err != nil {
			file.Close()
			return nil, err
		}
		end, err := rf.recover(size)
		if err != nil {
			file.Close()
			return nil, err
		}
		if end != size {
			logger.Warn("Truncating torn row file tail",
				zap.String("path", path),
				zap.Int64("size", size),
				zap.Int64("valid_size", end))
			if err := file.Truncate(end); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to truncate row file: %w", err)
			}
		}
		size = end
	}

	if _, err := file.Seek(size, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek row file: %w", err)
	}
	writer, err := NewWriter(file, size)
	if err != nil {
		file.Close()
		return nil, err
	}
	rf.writer = writer
	rf.size.Store(writer.Offset())
	return rf, nil
}

// recover walks records from the header and returns the end of the last valid one.
func (r *RowFile) recover(size int64) (int64, error) {
	fp := int64(headerSize)
	for fp < size {
		_, n, err := ReadRecordAt(r.file, fp, size)
		if err != nil {
			var notFound RecordNotFoundError
			var crc CRCMismatchError
			if errors.As(err, &notFound) || errors.As(err, &crc) {
				return fp, nil
			}
			return 0, err
		}
		fp += int64(n)
	}
	return fp, nil
}

// Path returns the file path.
func (r *RowFile) Path() string {
	return r.path
}

// Size is the committed length of the file.
func (r *RowFile) Size() int64 {
	return r.size.Load()
}

// AppendBatch writes records with one write call and returns each record's fp.
func (r *RowFile) AppendBatch(recs []Record) ([]int64, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	fps, err := r.writer.WriteBatch(recs)
	if err != nil {
		return nil, err
	}
	if r.syncWrites {
		if err := r.file.Sync(); err != nil {
			return nil, fmt.Errorf("failed to sync row file: %w", err)
		}
	}
	r.size.Store(r.writer.Offset())
	return fps, nil
}

// Append writes one record.
func (r *RowFile) Append(rowType model.RowType, txID int64, data []byte) (int64, error) {
	fps, err := r.AppendBatch([]Record{{Type: rowType, TxID: txID, Data: data}})
	if err != nil {
		return -1, err
	}
	return fps[0], nil
}

// Read returns the record at fp.
func (r *RowFile) Read(fp int64) (Record, error) {
	if r.closed.Load() {
		return Record{}, ErrClosed
	}
	rec, _, err := ReadRecordAt(r.file, fp, r.size.Load())
	return rec, err
}

// Scan calls fn for every record at or after fromFp, in file order, until fn
// returns false. Records appended during the scan are not visited.
func (r *RowFile) Scan(fromFp int64, fn func(Record) (bool, error)) error {
	if r.closed.Load() {
		return ErrClosed
	}
	limit := r.size.Load()
	fp := fromFp
	if fp < headerSize {
		fp = headerSize
	}
	for fp < limit {
		rec, n, err := ReadRecordAt(r.file, fp, limit)
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		fp += int64(n)
	}
	return nil
}

// Sync flushes the file to disk.
func (r *RowFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrClosed
	}
	return r.file.Sync()
}

// Truncate drops every record at or after fp.
func (r *RowFile) Truncate(fp int64) error {
	if fp < headerSize {
		fp = headerSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrClosed
	}
	if fp >= r.size.Load() {
		return nil
	}
	if err := r.file.Truncate(fp); err != nil {
		return fmt.Errorf("failed to truncate row file: %w", err)
	}
	if _, err := r.file.Seek(fp, 0); err != nil {
		return fmt.Errorf("failed to seek row file: %w", err)
	}
	r.writer = &Writer{writer: r.file, offset: fp}
	r.size.Store(fp)
	return r.file.Sync()
}

// Close closes the file.
func (r *RowFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Swap(true) {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to sync row file: %w", err)
	}
	return r.file.Close()
}

// Delete closes and removes the file.
func (r *RowFile) Delete() error {
	if err := r.Close(); err != nil {
		r.logger.Warn("Failed to close row file before delete", zap.String("path", r.path), zap.Error(err))
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove row file: %w", err)
	}
	return nil
}

// Cursor reads records in file order starting at a given fp.
type Cursor struct {
	file *RowFile
	fp   int64
	rec  Record
	err  error
}

// Cursor returns a pull iterator over records at or after fromFp. Records appended
// while the cursor is open are visited.
func (r *RowFile) Cursor(fromFp int64) *Cursor {
	if fromFp < headerSize {
		fromFp = headerSize
	}
	return &Cursor{file: r, fp: fromFp}
}

func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.file.closed.Load() {
		c.err = ErrClosed
		return false
	}
	limit := c.file.size.Load()
	if c.fp >= limit {
		return false
	}
	rec, n, err := ReadRecordAt(c.file.file, c.fp, limit)
	if err != nil {
		c.err = err
		return false
	}
	c.rec = rec
	c.fp += int64(n)
	return true
}

func (c *Cursor) Record() Record { return c.rec }
func (c *Cursor) Err() error     { return c.err }
