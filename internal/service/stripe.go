package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/storage/partition"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/devrev/amza/internal/storage/wal"
	"github.com/devrev/amza/internal/util/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

const (
	deltaPrefix = "delta-"
	deltaSuffix = ".wal"
	baseDir     = "base"
)

// StripeConfig holds one stripe's storage settings.
type StripeConfig struct {
	Dir                   string
	MaxUpdatesBeforeMerge int
	DeltaOverCapacity     int
	SyncWrites            bool
}

// HighwaterProvider returns the highwater marks written into a partition's WAL
// every so often.
type HighwaterProvider func(vpn model.VersionedPartitionName) *model.WALHighwater

// StripeIndex maps a non-system partition to one of n stripes.
func StripeIndex(name model.PartitionName, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32(name.ToBytes()) % uint32(n))
}

// partitionHandle is one open partition version: its base store and the live
// delta on top of it.
type partitionHandle struct {
	vpn   model.VersionedPartitionName
	dir   string
	store *partition.Store
	delta atomic.Pointer[delta.PartitionDelta]
	seq   atomic.Int64

	// commitMu serializes commits and delta rotation.
	commitMu sync.Mutex
	// readMu is held shared by readers and exclusively while a merged delta's
	// WAL is destroyed.
	readMu sync.RWMutex
}

// PartitionStripe owns the partitions hashed to it. Commits go to the live
// delta of a partition; once a delta passes MaxUpdatesBeforeMerge it is
// rotated out and merged into the base store on the merge pool.
type PartitionStripe struct {
	name       string
	cfg        StripeConfig
	txIDs      txid.OrderIDProvider
	highwaters HighwaterProvider
	mergePool  *workerpool.WorkerPool
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu         sync.RWMutex
	partitions map[model.VersionedPartitionName]*partitionHandle
}

// NewPartitionStripe creates a stripe rooted at cfg.Dir.
func NewPartitionStripe(name string, cfg StripeConfig, txIDs txid.OrderIDProvider, highwaters HighwaterProvider,
	mergePool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) (*PartitionStripe, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stripe directory: %w", err)
	}
	return &PartitionStripe{
		name:       name,
		cfg:        cfg,
		txIDs:      txIDs,
		highwaters: highwaters,
		mergePool:  mergePool,
		metrics:    m,
		logger:     logger.With(zap.String("stripe", name)),
		partitions: make(map[model.VersionedPartitionName]*partitionHandle),
	}, nil
}

func (s *PartitionStripe) partitionDir(vpn model.VersionedPartitionName) string {
	return filepath.Join(s.cfg.Dir, vpn.ToBase64())
}

func deltaName(seq int64) string {
	return deltaPrefix + strconv.FormatInt(seq, 10) + deltaSuffix
}

func deltaSeqs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, deltaPrefix) || !strings.HasSuffix(name, deltaSuffix) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, deltaPrefix), deltaSuffix), 10, 64)
		if err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Open opens vpn, creating it when absent. Deltas left over from an
// interrupted merge are merged before the newest becomes live.
func (s *PartitionStripe) Open(vpn model.VersionedPartitionName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[vpn]; ok {
		return nil
	}
	h, err := s.openHandle(vpn)
	if err != nil {
		return err
	}
	s.partitions[vpn] = h
	return nil
}

func (s *PartitionStripe) openHandle(vpn model.VersionedPartitionName) (*partitionHandle, error) {
	dir := s.partitionDir(vpn)
	store, err := partition.Open(filepath.Join(dir, baseDir), vpn, s.cfg.SyncWrites, s.logger)
	if err != nil {
		return nil, err
	}
	h := &partitionHandle{vpn: vpn, dir: dir, store: store}

	seqs, err := deltaSeqs(dir)
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(seqs) == 0 {
		seqs = []int64{0}
	}
	for i, seq := range seqs {
		rf, err := wal.Open(filepath.Join(dir, deltaName(seq)), s.cfg.SyncWrites, s.logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		d := delta.New(vpn, rf, store, nil, s.logger)
		loaded, err := d.Load()
		if err != nil {
			rf.Close()
			store.Close()
			return nil, err
		}
		if i == len(seqs)-1 {
			h.delta.Store(d)
			h.seq.Store(seq)
			s.logger.Debug("Opened partition",
				zap.String("partition", vpn.String()),
				zap.Int("delta_rows", loaded),
				zap.Int64("highest_tx_id", h.highestTxID()))
			break
		}
		// A leftover delta: merge it through a holder whose own WAL is never touched.
		holder := delta.New(vpn, nil, store, d, s.logger)
		if _, err := holder.Merge(store); err != nil {
			rf.Close()
			store.Close()
			return nil, err
		}
		if err := d.Destroy(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return h, nil
}

func (h *partitionHandle) highestTxID() int64 {
	if highest := h.delta.Load().HighestTxID(); highest >= 0 {
		return highest
	}
	return h.store.HighestTxID()
}

func (s *PartitionStripe) handle(vpn model.VersionedPartitionName) (*partitionHandle, error) {
	s.mu.RLock()
	h, ok := s.partitions[vpn]
	s.mu.RUnlock()
	if !ok {
		return nil, amzaerrors.PartitionDisposed(vpn.String())
	}
	return h, nil
}

// Contains reports whether vpn is open on this stripe.
func (s *PartitionStripe) Contains(vpn model.VersionedPartitionName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[vpn]
	return ok
}

// Partitions lists the open partition versions.
func (s *PartitionStripe) Partitions() []model.VersionedPartitionName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.VersionedPartitionName, 0, len(s.partitions))
	for vpn := range s.partitions {
		out = append(out, vpn)
	}
	return out
}

// Commit appends rows to vpn's live delta as a new transaction and returns its
// txId. A delta past DeltaOverCapacity rejects the commit with a retryable error.
func (s *PartitionStripe) Commit(vpn model.VersionedPartitionName, rows []model.WALRow, highwater *model.WALHighwater) (int64, error) {
	h, err := s.handle(vpn)
	if err != nil {
		return -1, err
	}
	_, txID, err := s.commit(h, rows, highwater, nil)
	return txID, err
}

// rowFilter picks the rows of a commit against the live delta. It runs inside
// the commit critical section, so no other commit can land between the check
// and the append.
type rowFilter func(d *delta.PartitionDelta) ([]model.WALRow, error)

// commit returns the number of rows written and the txId, or -1 when the filter
// left nothing to write.
func (s *PartitionStripe) commit(h *partitionHandle, rows []model.WALRow, highwater *model.WALHighwater,
	filter rowFilter) (int, int64, error) {
	h.commitMu.Lock()
	d := h.delta.Load()
	if s.cfg.DeltaOverCapacity > 0 && d.Size() >= s.cfg.DeltaOverCapacity {
		h.commitMu.Unlock()
		s.scheduleMerge(h)
		return 0, -1, amzaerrors.DeltaOverCapacity(h.vpn.String(), d.Size(), s.cfg.DeltaOverCapacity)
	}
	if filter != nil {
		h.readMu.RLock()
		filtered, err := filter(d)
		h.readMu.RUnlock()
		if err != nil {
			h.commitMu.Unlock()
			return 0, -1, err
		}
		rows = filtered
		if len(rows) == 0 && highwater == nil {
			h.commitMu.Unlock()
			return 0, -1, nil
		}
	}
	if highwater == nil && s.highwaters != nil && d.ShouldWriteHighwater() {
		highwater = s.highwaters(h.vpn)
	}
	txID := s.txIDs.NextID()
	_, err := d.Commit(txID, rows, highwater)
	mergeDue := s.cfg.MaxUpdatesBeforeMerge > 0 && d.Size() >= s.cfg.MaxUpdatesBeforeMerge && d.Merging() == nil
	h.commitMu.Unlock()
	if err != nil {
		return 0, -1, err
	}
	if mergeDue {
		s.scheduleMerge(h)
	}
	return len(rows), txID, nil
}

// CommitTaken applies rows taken from another member. A row only replaces the
// local value when its timestamp is at least as new. It returns how many rows
// were applied.
func (s *PartitionStripe) CommitTaken(vpn model.VersionedPartitionName, rows []model.WALRow, highwater *model.WALHighwater) (int, int64, error) {
	h, err := s.handle(vpn)
	if err != nil {
		return 0, -1, err
	}
	return s.commit(h, nil, highwater, func(d *delta.PartitionDelta) ([]model.WALRow, error) {
		applied := make([]model.WALRow, 0, len(rows))
		for _, row := range rows {
			ptr, ok, err := d.GetPointer(row.Prefix, row.Key)
			if err != nil {
				return nil, err
			}
			if !ok || row.Timestamp >= ptr.Timestamp {
				applied = append(applied, row)
			}
		}
		return applied, nil
	})
}

func (s *PartitionStripe) scheduleMerge(h *partitionHandle) {
	task := workerpool.Task{
		Key: "merge/" + h.vpn.String(),
		Fn:  func(ctx context.Context) error { return s.merge(h) },
	}
	if err := s.mergePool.Submit(task); err != nil {
		s.logger.Warn("Failed to schedule merge", zap.String("partition", h.vpn.String()), zap.Error(err))
	}
}

// Merge rotates vpn's delta and merges it into the base store now.
func (s *PartitionStripe) Merge(vpn model.VersionedPartitionName) error {
	h, err := s.handle(vpn)
	if err != nil {
		return err
	}
	return s.merge(h)
}

func (s *PartitionStripe) merge(h *partitionHandle) error {
	h.commitMu.Lock()
	old := h.delta.Load()
	live := old
	if old.Merging() == nil {
		if old.Size() == 0 {
			h.commitMu.Unlock()
			return nil
		}
		seq := h.seq.Add(1)
		rf, err := wal.Open(filepath.Join(h.dir, deltaName(seq)), s.cfg.SyncWrites, s.logger)
		if err != nil {
			h.commitMu.Unlock()
			return err
		}
		if live, err = old.Rotate(rf); err != nil {
			rf.Close()
			h.commitMu.Unlock()
			return err
		}
		h.delta.Store(live)
	}
	merging := live.Merging()
	h.commitMu.Unlock()
	if merging == nil {
		return nil
	}

	start := time.Now()
	merged, err := live.Merge(h.store)
	if err != nil {
		s.logger.Error("Failed to merge delta",
			zap.String("partition", h.vpn.String()),
			zap.Bool("fatal", amzaerrors.IsFatal(err)),
			zap.Error(err))
		return err
	}
	h.readMu.Lock()
	err = merging.Destroy()
	h.readMu.Unlock()
	if err != nil {
		s.logger.Warn("Failed to destroy merged delta", zap.String("partition", h.vpn.String()), zap.Error(err))
	}
	s.metrics.RecordMerge(time.Since(start), merged)
	s.logger.Debug("Merged partition delta",
		zap.String("partition", h.vpn.String()),
		zap.Int("rows", merged),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Get returns the value of (prefix, key), tombstones included.
func (s *PartitionStripe) Get(vpn model.VersionedPartitionName, prefix, key []byte) (model.WALValue, bool, error) {
	h, err := s.handle(vpn)
	if err != nil {
		return model.WALValue{}, false, err
	}
	h.readMu.RLock()
	defer h.readMu.RUnlock()
	return h.delta.Load().Get(prefix, key)
}

// Scan walks live rows in [(fromPrefix, fromKey), (toPrefix, toKey)) until fn
// returns false.
func (s *PartitionStripe) Scan(vpn model.VersionedPartitionName, fromPrefix, fromKey, toPrefix, toKey []byte,
	fn func(delta.Row) (bool, error)) error {
	h, err := s.handle(vpn)
	if err != nil {
		return err
	}
	h.readMu.RLock()
	defer h.readMu.RUnlock()
	it, err := h.delta.Load().RangeScan(fromPrefix, fromKey, toPrefix, toKey)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		more, err := fn(it.Row())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return it.Err()
}

// Count is the number of live keys.
func (s *PartitionStripe) Count(vpn model.VersionedPartitionName) (int, error) {
	n := 0
	err := s.Scan(vpn, nil, nil, nil, nil, func(delta.Row) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// TakeFromTransactionID streams every record of vpn with txId > txID in txId
// order: base store rows first, then the rows still held by deltas. fn returns
// false to stop early.
func (s *PartitionStripe) TakeFromTransactionID(vpn model.VersionedPartitionName, txID int64,
	fn func(delta.TakenRow) (bool, error)) error {
	h, err := s.handle(vpn)
	if err != nil {
		return err
	}
	h.readMu.RLock()
	defer h.readMu.RUnlock()

	// Capture the delta chain first so nothing merged meanwhile is skipped.
	deltaRows := h.delta.Load().TakeRowsFromTransactionID(txID)
	bound := deltaRows.LowestTxID()

	base, err := h.store.TakeRowsFromTransactionID(txID)
	if err != nil {
		return err
	}
	if bound >= 0 {
		base.Until(bound)
	}
	emitted := txID
	for base.Next() {
		rec := base.Record()
		emitted = rec.TxID
		more, err := fn(delta.TakenRow{TxID: rec.TxID, Fp: rec.Fp, Type: rec.Type, Data: rec.Data})
		if err != nil || !more {
			base.Close()
			return err
		}
	}
	err = base.Err()
	base.Close()
	if err != nil {
		return err
	}

	deltaRows.RaiseFloor(emitted)
	for deltaRows.Next() {
		more, err := fn(deltaRows.Row())
		if err != nil || !more {
			return err
		}
	}
	return deltaRows.Err()
}

// HighestTxID is vpn's highest committed txId, or -1.
func (s *PartitionStripe) HighestTxID(vpn model.VersionedPartitionName) (int64, error) {
	h, err := s.handle(vpn)
	if err != nil {
		return -1, err
	}
	return h.highestTxID(), nil
}

// LowestTxID is the lowest txId still held by vpn's deltas, or -1.
func (s *PartitionStripe) LowestTxID(vpn model.VersionedPartitionName) (int64, error) {
	h, err := s.handle(vpn)
	if err != nil {
		return -1, err
	}
	return h.delta.Load().LowestTxID(), nil
}

// CompactTombstones rewrites vpn's base store without tombstones older than horizon.
func (s *PartitionStripe) CompactTombstones(vpn model.VersionedPartitionName, horizon int64) (partition.CompactionStats, error) {
	h, err := s.handle(vpn)
	if err != nil {
		return partition.CompactionStats{}, err
	}
	return h.store.CompactTombstones(horizon)
}

// Delete closes vpn and removes its files.
func (s *PartitionStripe) Delete(vpn model.VersionedPartitionName) error {
	s.mu.Lock()
	h, ok := s.partitions[vpn]
	delete(s.partitions, vpn)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	h.commitMu.Lock()
	defer h.commitMu.Unlock()
	h.readMu.Lock()
	defer h.readMu.Unlock()

	var result *multierror.Error
	for d := h.delta.Load(); d != nil; d = d.Merging() {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := h.store.Delete(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(h.dir); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("Deleted partition", zap.String("partition", vpn.String()))
	return result.ErrorOrNil()
}

// Close closes every partition, leaving the files in place.
func (s *PartitionStripe) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	for vpn, h := range s.partitions {
		h.commitMu.Lock()
		for d := h.delta.Load(); d != nil; d = d.Merging() {
			if err := d.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := h.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		h.commitMu.Unlock()
		delete(s.partitions, vpn)
	}
	return result.ErrorOrNil()
}
