package delta

import (
	"sort"
	"sync"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
)

// txIDLog is the append-only, txId-ordered list of (txId, fps) groups written to a
// delta. Groups are never mutated after a reader can see them, so readers work on
// slice snapshots.
type txIDLog struct {
	mu     sync.RWMutex
	groups []model.TxFps
}

func (l *txIDLog) snapshot() []model.TxFps {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.groups[:len(l.groups):len(l.groups)]
}

// append adds a group; txID must be greater than the last appended txID.
func (l *txIDLog) append(txID int64, fps []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.groups); n > 0 && txID <= l.groups[n-1].TxID {
		return amzaerrors.TxIDOutOfOrder(l.groups[n-1].TxID, txID)
	}
	l.groups = append(l.groups, model.TxFps{TxID: txID, Fps: fps})
	return nil
}

// checkNext fails when txID could not be appended.
func (l *txIDLog) checkNext(txID int64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n := len(l.groups); n > 0 && txID <= l.groups[n-1].TxID {
		return amzaerrors.TxIDOutOfOrder(l.groups[n-1].TxID, txID)
	}
	return nil
}

// appendOnLoad adds fp to the tail group when it shares txID, which happens while
// replaying a WAL record by record. Only used before the delta is visible.
func (l *txIDLog) appendOnLoad(txID, fp int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.groups); n > 0 {
		last := &l.groups[n-1]
		if last.TxID == txID {
			last.Fps = append(last.Fps, fp)
			return nil
		}
		if txID < last.TxID {
			return amzaerrors.TxIDOutOfOrder(last.TxID, txID)
		}
	}
	l.groups = append(l.groups, model.TxFps{TxID: txID, Fps: []int64{fp}})
	return nil
}

func (l *txIDLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups)
}

func (l *txIDLog) highest() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.groups) == 0 {
		return -1
	}
	return l.groups[len(l.groups)-1].TxID
}

func (l *txIDLog) lowest() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.groups) == 0 {
		return -1
	}
	return l.groups[0].TxID
}

// after returns the groups with txId strictly greater than txID.
func (l *txIDLog) after(txID int64) []model.TxFps {
	groups := l.snapshot()
	i := sort.Search(len(groups), func(i int) bool { return groups[i].TxID > txID })
	return groups[i:]
}
