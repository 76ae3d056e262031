package index

import (
	"bytes"
	"sync"

	"github.com/devrev/amza/internal/model"
	"github.com/google/btree"
)

const btreeDegree = 32

type item struct {
	composed []byte
	pointer  model.WALPointer
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.composed, b.composed) < 0
}

// MemoryIndex is an ordered in-memory pointer index. Writers and readers may run
// concurrently; range iterators walk a copy-on-write snapshot.
type MemoryIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item]
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{tree: btree.NewG[item](btreeDegree, lessItem)}
}

// Put inserts or overwrites the pointer for composed.
func (m *MemoryIndex) Put(composed []byte, pointer model.WALPointer) {
	m.mu.Lock()
	m.tree.ReplaceOrInsert(item{composed: composed, pointer: pointer})
	m.mu.Unlock()
}

// Delete removes composed.
func (m *MemoryIndex) Delete(composed []byte) {
	m.mu.Lock()
	m.tree.Delete(item{composed: composed})
	m.mu.Unlock()
}

func (m *MemoryIndex) GetPointer(composed []byte) (model.WALPointer, bool, error) {
	m.mu.RLock()
	found, ok := m.tree.Get(item{composed: composed})
	m.mu.RUnlock()
	if !ok {
		return model.WALPointer{}, false, nil
	}
	return found.pointer, true, nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func (m *MemoryIndex) snapshot() *btree.BTreeG[item] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Clone()
}

func (m *MemoryIndex) RangeIterator(from, to []byte) (Iterator, error) {
	snap := m.snapshot()
	var entries []model.KeyedPointer
	collect := func(it item) bool {
		if to != nil && bytes.Compare(it.composed, to) >= 0 {
			return false
		}
		entries = append(entries, model.KeyedPointer{Composed: it.composed, Pointer: it.pointer})
		return true
	}
	if from == nil {
		snap.Ascend(collect)
	} else {
		snap.AscendGreaterOrEqual(item{composed: from}, collect)
	}
	return NewSliceIterator(entries), nil
}
