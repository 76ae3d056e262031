// Package index holds the key → WAL pointer indexes shared by deltas and base stores.
// Keys are composed (prefix, key) bytes and ordered by unsigned byte comparison.
package index

import (
	"bytes"

	"github.com/devrev/amza/internal/model"
)

// PointerIndex resolves composed keys to WAL pointers.
type PointerIndex interface {
	GetPointer(composed []byte) (model.WALPointer, bool, error)
	// RangeIterator walks [from, to) in key order; a nil bound is unbounded.
	RangeIterator(from, to []byte) (Iterator, error)
	Len() int
}

// Iterator is a pull-based, finite walk over index entries. Callers must Close it.
type Iterator interface {
	Next() bool
	Entry() model.KeyedPointer
	Err() error
	Close() error
}

func inRange(key, from, to []byte) bool {
	if from != nil && bytes.Compare(key, from) < 0 {
		return false
	}
	if to != nil && bytes.Compare(key, to) >= 0 {
		return false
	}
	return true
}

type sliceIterator struct {
	entries []model.KeyedPointer
	pos     int
}

// NewSliceIterator iterates entries already in key order.
func NewSliceIterator(entries []model.KeyedPointer) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Entry() model.KeyedPointer { return it.entries[it.pos] }
func (it *sliceIterator) Err() error                { return nil }
func (it *sliceIterator) Close() error              { return nil }

// EmptyIterator yields nothing.
func EmptyIterator() Iterator { return &sliceIterator{pos: -1} }
