package index

import (
	"bytes"

	"github.com/devrev/amza/internal/model"
	"github.com/hashicorp/go-multierror"
)

// MergeIterator walks several ordered iterators as one. When more than one source
// holds a key, the source listed first wins and the others' entries are skipped.
type MergeIterator struct {
	sources []Iterator
	heads   []*model.KeyedPointer
	current model.KeyedPointer
	source  int
	primed  bool
	err     error
}

// Merge combines iterators by precedence: earlier sources shadow later ones.
func Merge(sources ...Iterator) *MergeIterator {
	return &MergeIterator{sources: sources, heads: make([]*model.KeyedPointer, len(sources)), source: -1}
}

func (m *MergeIterator) advance(i int) {
	if m.sources[i].Next() {
		e := m.sources[i].Entry()
		m.heads[i] = &e
		return
	}
	if err := m.sources[i].Err(); err != nil && m.err == nil {
		m.err = err
	}
	m.heads[i] = nil
}

func (m *MergeIterator) Next() bool {
	if !m.primed {
		for i := range m.sources {
			m.advance(i)
		}
		m.primed = true
	}
	if m.err != nil {
		return false
	}

	winner := -1
	for i, head := range m.heads {
		if head == nil {
			continue
		}
		if winner == -1 || bytes.Compare(head.Composed, m.heads[winner].Composed) < 0 {
			winner = i
		}
	}
	if winner == -1 {
		return false
	}

	m.current = *m.heads[winner]
	m.source = winner
	for i, head := range m.heads {
		if head != nil && bytes.Equal(head.Composed, m.current.Composed) {
			m.advance(i)
		}
	}
	return m.err == nil
}

func (m *MergeIterator) Entry() model.KeyedPointer { return m.current }

// Source is the index of the source the current entry came from.
func (m *MergeIterator) Source() int { return m.source }

func (m *MergeIterator) Err() error { return m.err }

func (m *MergeIterator) Close() error {
	var result *multierror.Error
	for _, s := range m.sources {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
