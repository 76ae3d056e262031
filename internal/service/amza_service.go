// Package service wires partition stripes, the partition index, the aquarium
// state storage and the take coordinator into one node facade.
package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/amza/internal/aquarium"
	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/replication"
	"github.com/devrev/amza/internal/ring"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/devrev/amza/internal/take"
	"github.com/devrev/amza/internal/util/notify"
	"github.com/devrev/amza/internal/util/workerpool"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the settings of an AmzaService.
type Config struct {
	DataDir                string
	NumberOfStripes        int
	MaxUpdatesBeforeMerge  int
	DeltaOverCapacity      int
	MergePoolSize          int
	SyncWrites             bool
	CommitRetryMaxElapsed  time.Duration
	LeaseDuration          time.Duration
	TapInterval            time.Duration
	HighwaterFlushInterval time.Duration
	Take                   take.Config
}

// HighwaterStorage is the highwater store the service reads, clears and flushes.
type HighwaterStorage interface {
	replication.HighwaterStorage
	Clear(vpn model.VersionedPartitionName) error
	Flush() error
}

// Update is one client write within a prefix. A zero Timestamp is filled in
// from the node's clock.
type Update struct {
	Key        []byte
	Value      []byte
	Timestamp  int64
	Tombstoned bool
}

// RowsStreamInfo describes the local partition a rows stream was served from.
// PartitionVersion is -1 when this node does not hold the requested version.
type RowsStreamInfo struct {
	PartitionVersion int64
	LeadershipToken  int64
	Online           bool
	Highwaters       map[model.RingMember]int64
}

// AmzaService is one amza node: local storage plus the server side of the take
// protocol. It is the LocalPartitions of the node's RowChangeTaker and the
// PartitionChecker of its take coordinator.
type AmzaService struct {
	cfg        Config
	member     model.RingMember
	rings      *ring.Store
	txIDs      txid.OrderIDProvider
	timestamps txid.OrderIDProvider
	highwaters HighwaterStorage
	ackWaters  *replication.AckWaters
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mergePool *workerpool.WorkerPool
	system    *PartitionStripe
	stripes   []*PartitionStripe
	index     *PartitionIndex
	states    *PartitionStateStorage
	take      *take.Coordinator
	reconcile *notify.Signal

	createMu sync.Mutex
	cancel   context.CancelFunc
	group    *errgroup.Group
}

var (
	_ replication.LocalPartitions = (*AmzaService)(nil)
	_ take.PartitionChecker       = (*AmzaService)(nil)
	_ SystemStore                 = (*AmzaService)(nil)
)

// NewAmzaService opens the node's stripes and every partition version this
// member already holds.
func NewAmzaService(cfg Config,
	rings *ring.Store,
	txIDs txid.OrderIDProvider,
	highwaters HighwaterStorage,
	ackWaters *replication.AckWaters,
	m *metrics.Metrics,
	logger *zap.Logger) (*AmzaService, error) {

	if cfg.NumberOfStripes <= 0 {
		cfg.NumberOfStripes = 1
	}
	s := &AmzaService{
		cfg:        cfg,
		member:     rings.RingMember(),
		rings:      rings,
		txIDs:      txIDs,
		timestamps: txid.NewMemoryProvider(),
		highwaters: highwaters,
		ackWaters:  ackWaters,
		metrics:    m,
		logger:     logger,
		reconcile:  notify.NewSignal(),
	}
	s.mergePool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "delta-merger",
		MaxWorkers: cfg.MergePoolSize,
		QueueSize:  1024,
		Logger:     logger,
		OnDone:     m.PoolTaskRecorder("delta-merger"),
	})
	stripeConfig := func(dir string) StripeConfig {
		return StripeConfig{
			Dir:                   filepath.Join(cfg.DataDir, dir),
			MaxUpdatesBeforeMerge: cfg.MaxUpdatesBeforeMerge,
			DeltaOverCapacity:     cfg.DeltaOverCapacity,
			SyncWrites:            cfg.SyncWrites,
		}
	}

	var err error
	if s.system, err = NewPartitionStripe("system", stripeConfig("system"), txIDs, s.highwaterMarks, s.mergePool, m, logger); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.NumberOfStripes; i++ {
		stripe, err := NewPartitionStripe(fmt.Sprintf("stripe-%d", i), stripeConfig(fmt.Sprintf("stripe-%d", i)),
			txIDs, s.highwaterMarks, s.mergePool, m, logger)
		if err != nil {
			return nil, err
		}
		s.stripes = append(s.stripes, stripe)
	}

	s.index = NewPartitionIndex(s.member, s, s.timestamps, logger)
	s.states = NewPartitionStateStorage(s.member,
		func(ringName string) []model.RingMember { return rings.GetRing(ringName).Members() },
		s, s.timestamps, cfg.LeaseDuration, logger)
	s.take = take.NewCoordinator(cfg.Take, rings, s, m, logger)

	if err := s.load(); err != nil {
		s.closeStripes()
		return nil, err
	}
	return s, nil
}

// load opens the system partitions and the versions recorded for this member.
func (s *AmzaService) load() error {
	for _, vpn := range model.SystemPartitions() {
		if err := s.system.Open(vpn); err != nil {
			return fmt.Errorf("failed to open %s: %w", vpn, err)
		}
		s.announce(s.system, vpn)
	}

	prefix := s.member.ToBytes()
	var local []model.VersionedPartitionName
	err := s.system.Scan(model.PartitionVersionIndex, prefix, []byte{}, nil, nil, func(row delta.Row) (bool, error) {
		if string(row.Prefix) != string(prefix) {
			return false, nil
		}
		name, err := model.PartitionNameFromBytes(row.Key)
		if err != nil {
			return false, amzaerrors.CorruptedData("partition version key", err)
		}
		if len(row.Value.Value) != 8 {
			return false, amzaerrors.CorruptedData(fmt.Sprintf("version of %s", name), nil)
		}
		local = append(local, model.NewVersionedPartitionName(name, int64(binary.BigEndian.Uint64(row.Value.Value))))
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, vpn := range local {
		stripe := s.stripeOf(vpn.PartitionName)
		if err := stripe.Open(vpn); err != nil {
			return fmt.Errorf("failed to open %s: %w", vpn, err)
		}
		s.states.Aquarium(vpn)
		s.announce(stripe, vpn)
	}
	s.logger.Info("Loaded partitions", zap.Int("partitions", len(local)))
	return nil
}

// announce tells the take coordinator about vpn's current txId.
func (s *AmzaService) announce(stripe *PartitionStripe, vpn model.VersionedPartitionName) {
	if highest, err := stripe.HighestTxID(vpn); err == nil && highest >= 0 {
		s.take.Update(vpn, highest)
	} else {
		s.take.StateChanged(vpn)
	}
}

// Start runs the take coordinator, the aquarium tap loop and the highwater
// flush loop until Stop or ctx ends.
func (s *AmzaService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.take.Start(ctx)
	s.group.Go(func() error {
		for {
			wake := s.reconcile.C()
			if err := s.states.TapAll(); err != nil {
				s.logger.Debug("Tap pass incomplete", zap.Error(err))
			}
			s.disposeRemoved()
			if !notify.Wait(ctx, wake, s.cfg.TapInterval) {
				return nil
			}
		}
	})
	if s.cfg.HighwaterFlushInterval > 0 {
		s.group.Go(func() error {
			ticker := time.NewTicker(s.cfg.HighwaterFlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := s.highwaters.Flush(); err != nil {
						s.logger.Warn("Failed to flush highwaters", zap.Error(err))
					}
				}
			}
		})
	}
	s.logger.Info("Amza service started", zap.String("member", s.member.String()))
}

// PoolStats reports the merge pool.
func (s *AmzaService) PoolStats() []workerpool.Stats {
	return []workerpool.Stats{s.mergePool.Stats()}
}

// Stop ends the background loops, stops the merge pool and closes every stripe.
func (s *AmzaService) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
		s.group.Wait()
	}
	var result *multierror.Error
	if err := s.mergePool.Stop(timeout); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.highwaters.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.closeStripes(); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("Amza service stopped")
	return result.ErrorOrNil()
}

func (s *AmzaService) closeStripes() error {
	var result *multierror.Error
	for _, stripe := range append([]*PartitionStripe{s.system}, s.stripes...) {
		if stripe == nil {
			continue
		}
		if err := stripe.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Member is this node's ring member.
func (s *AmzaService) Member() model.RingMember {
	return s.member
}

// TakeCoordinator serves available rows streams to remote takers.
func (s *AmzaService) TakeCoordinator() *take.Coordinator {
	return s.take
}

// States exposes the per partition aquariums.
func (s *AmzaService) States() *PartitionStateStorage {
	return s.states
}

// Stripes lists the non-system stripes.
func (s *AmzaService) Stripes() []*PartitionStripe {
	return s.stripes
}

// NumberOfStripes implements replication.LocalPartitions.
func (s *AmzaService) NumberOfStripes() int {
	return len(s.stripes)
}

// Stripe implements replication.LocalPartitions.
func (s *AmzaService) Stripe(name model.PartitionName) int {
	return StripeIndex(name, len(s.stripes))
}

func (s *AmzaService) stripeOf(name model.PartitionName) *PartitionStripe {
	if name.IsSystem() {
		return s.system
	}
	return s.stripes[s.Stripe(name)]
}

// highwaterMarks lists what this node has taken from vpn's ring neighbours. It
// is written into vpn's WAL so takers learn transitive highwaters.
func (s *AmzaService) highwaterMarks(vpn model.VersionedPartitionName) *model.WALHighwater {
	hw := &model.WALHighwater{}
	for _, n := range s.rings.GetNeighboringRingMembers(vpn.PartitionName.RingNameString()) {
		txID, err := s.highwaters.Get(n.Member, vpn)
		if err != nil || txID < 0 {
			continue
		}
		hw.Members = append(hw.Members, model.RingMemberHighwater{Member: n.Member, TxID: txID})
	}
	return hw
}

// Get implements SystemStore over the system stripe.
func (s *AmzaService) Get(vpn model.VersionedPartitionName, prefix, key []byte) (model.WALValue, bool, error) {
	return s.stripeOf(vpn.PartitionName).Get(vpn, prefix, key)
}

// CommitSystem commits rows to a system partition. System partitions never wait
// for a take quorum.
func (s *AmzaService) CommitSystem(vpn model.VersionedPartitionName, rows []model.WALRow) error {
	txID, err := s.system.Commit(vpn, rows, nil)
	if err != nil {
		return err
	}
	s.take.Update(vpn, txID)
	return nil
}

// CreatePartitionIfAbsent records props for name unless it already has
// properties, then makes sure this member holds a version of it.
func (s *AmzaService) CreatePartitionIfAbsent(name model.PartitionName, props model.PartitionProperties) (model.VersionedPartitionName, error) {
	if name.IsSystem() {
		return model.VersionedPartitionName{}, amzaerrors.InvalidArgument("system partitions already exist", nil)
	}
	if !s.rings.IsMemberOfRing(name.RingNameString()) {
		return model.VersionedPartitionName{}, amzaerrors.NotARingMember(name.RingNameString(), s.member.String())
	}
	_, ok, err := s.index.Properties(name)
	if err != nil {
		return model.VersionedPartitionName{}, err
	}
	if !ok {
		if err := s.index.SetProperties(name, props); err != nil {
			return model.VersionedPartitionName{}, err
		}
	}
	return s.ensureLocal(name)
}

// ensureLocal returns this member's version of name, allocating and opening
// one when needed.
func (s *AmzaService) ensureLocal(name model.PartitionName) (model.VersionedPartitionName, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	vpn, created, err := s.index.EnsureVersion(name)
	if err != nil {
		return vpn, err
	}
	stripe := s.stripeOf(name)
	if !stripe.Contains(vpn) {
		if err := stripe.Open(vpn); err != nil {
			return vpn, err
		}
		s.states.Aquarium(vpn)
	}
	if created {
		s.take.StateChanged(vpn)
		if err := s.states.WipeTheGlass(vpn); err != nil {
			s.logger.Warn("Failed to tap new partition", zap.String("partition", vpn.String()), zap.Error(err))
		}
	}
	return vpn, nil
}

// Properties returns name's properties.
func (s *AmzaService) Properties(name model.PartitionName) (model.PartitionProperties, bool, error) {
	return s.index.Properties(name)
}

// DestroyPartition expunges this member's version of name, removes its files
// and withdraws the partition's properties so the rest of the ring follows.
func (s *AmzaService) DestroyPartition(name model.PartitionName) error {
	if name.IsSystem() {
		return amzaerrors.InvalidArgument("system partitions cannot be destroyed", nil)
	}
	if err := s.index.RemoveProperties(name); err != nil {
		return err
	}
	return s.dispose(name)
}

func (s *AmzaService) dispose(name model.PartitionName) error {
	vpn, ok, err := s.index.LocalVersion(name)
	if err != nil || !ok {
		return err
	}
	if err := s.states.Aquarium(vpn).Expunge(s.member); err != nil {
		s.logger.Warn("Failed to expunge partition", zap.String("partition", vpn.String()), zap.Error(err))
	}
	s.take.Expunged([]model.VersionedPartitionName{vpn})
	s.states.Remove(vpn)
	s.ackWaters.Remove(vpn)

	var result *multierror.Error
	if err := s.stripeOf(name).Delete(vpn); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.highwaters.Clear(vpn); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.index.RemoveVersion(name); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("Destroyed partition", zap.String("partition", vpn.String()))
	return result.ErrorOrNil()
}

// disposeRemoved drops local versions whose properties were withdrawn elsewhere.
func (s *AmzaService) disposeRemoved() {
	for _, stripe := range s.stripes {
		for _, vpn := range stripe.Partitions() {
			_, ok, err := s.index.Properties(vpn.PartitionName)
			if err != nil || ok {
				continue
			}
			if err := s.dispose(vpn.PartitionName); err != nil {
				s.logger.Warn("Failed to dispose partition", zap.String("partition", vpn.String()), zap.Error(err))
			}
		}
	}
}

// Commit writes updates under prefix into name. With takeQuorum above zero it
// waits up to timeout until that many other ring members have taken the
// transaction. The returned txId is valid even when the quorum was missed.
func (s *AmzaService) Commit(ctx context.Context, name model.PartitionName, prefix []byte, updates []Update,
	takeQuorum int, timeout time.Duration) (int64, error) {

	start := time.Now()
	defer func() { s.metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	if name.IsSystem() {
		return -1, amzaerrors.InvalidArgument("system partitions are not writable", nil)
	}
	if len(updates) == 0 {
		return -1, amzaerrors.InvalidArgument("no updates", nil)
	}
	props, ok, err := s.index.Properties(name)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, amzaerrors.PropertiesNotPresent(name.String())
	}
	if props.Disabled {
		return -1, amzaerrors.PartitionNotOnline(name.String())
	}
	topology := s.rings.GetRing(name.RingNameString())
	if !topology.Contains(s.member) {
		return -1, amzaerrors.NotARingMember(name.RingNameString(), s.member.String())
	}
	if takeQuorum > 0 && takeQuorum > topology.Size()-1 {
		return -1, amzaerrors.InsufficientRing(takeQuorum, topology.Size())
	}
	vpn, ok, err := s.index.LocalVersion(name)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, amzaerrors.PartitionNotFound(name.String())
	}
	if props.ConsistencyRequiresLeader {
		lively, err := s.states.LivelyEndState(vpn)
		if err != nil {
			return -1, err
		}
		if lively == nil || lively.State != aquarium.Leader {
			return -1, amzaerrors.PartitionNotOnline(vpn.String())
		}
	}

	rows := make([]model.WALRow, len(updates))
	for i, u := range updates {
		ts := u.Timestamp
		if ts <= 0 {
			ts = s.timestamps.NextID()
		}
		rows[i] = model.WALRow{Prefix: prefix, Key: u.Key, Value: u.Value, Timestamp: ts, Tombstoned: u.Tombstoned}
	}

	stripe := s.stripeOf(name)
	txID := int64(-1)
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.cfg.CommitRetryMaxElapsed
	err = backoff.Retry(func() error {
		id, err := stripe.Commit(vpn, rows, nil)
		if err != nil {
			if amzaerrors.GetCode(err) == amzaerrors.ErrCodeDeltaOverCapacity {
				return err
			}
			return backoff.Permanent(err)
		}
		txID = id
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return -1, err
	}
	s.take.UpdateWithQuorum(vpn, txID, takeQuorum)

	if takeQuorum > 0 {
		var members []model.RingMember
		for _, n := range topology.Neighbors() {
			members = append(members, n.Member)
		}
		achieved, err := s.ackWaters.Await(ctx, vpn, txID, members, takeQuorum, timeout)
		if err != nil {
			return txID, err
		}
		if achieved < takeQuorum {
			s.metrics.QuorumFailuresTotal.Inc()
			s.logger.Warn("Commit missed its take quorum",
				zap.String("partition", vpn.String()),
				zap.Int64("tx_id", txID),
				zap.Int("desired", takeQuorum),
				zap.Int("achieved", achieved))
			return txID, amzaerrors.QuorumNotAchieved(takeQuorum, achieved)
		}
	}
	return txID, nil
}

// localVersion resolves name to the version this member holds.
func (s *AmzaService) localVersion(name model.PartitionName) (model.VersionedPartitionName, error) {
	vpn, ok, err := s.index.LocalVersion(name)
	if err != nil {
		return vpn, err
	}
	if !ok {
		return vpn, amzaerrors.PartitionNotFound(name.String())
	}
	return vpn, nil
}

// GetValue returns the live value of (prefix, key) in name. Tombstoned keys
// are reported as absent.
func (s *AmzaService) GetValue(name model.PartitionName, prefix, key []byte) (model.WALValue, bool, error) {
	vpn, err := s.localVersion(name)
	if err != nil {
		return model.WALValue{}, false, err
	}
	v, ok, err := s.stripeOf(name).Get(vpn, prefix, key)
	if err != nil || !ok || v.Tombstoned {
		return model.WALValue{}, false, err
	}
	return v, true, nil
}

// Scan walks name's live rows in [(fromPrefix, fromKey), (toPrefix, toKey)).
// A nil fromKey or toKey leaves that end open.
func (s *AmzaService) Scan(name model.PartitionName, fromPrefix, fromKey, toPrefix, toKey []byte,
	fn func(delta.Row) (bool, error)) error {
	vpn, err := s.localVersion(name)
	if err != nil {
		return err
	}
	return s.stripeOf(name).Scan(vpn, fromPrefix, fromKey, toPrefix, toKey, fn)
}

// TakeFromTransactionID streams name's rows with txId above txID.
func (s *AmzaService) TakeFromTransactionID(name model.PartitionName, txID int64, fn func(delta.TakenRow) (bool, error)) error {
	vpn, err := s.localVersion(name)
	if err != nil {
		return err
	}
	return s.stripeOf(name).TakeFromTransactionID(vpn, txID, fn)
}

// Count is the number of live keys in name.
func (s *AmzaService) Count(name model.PartitionName) (int, error) {
	vpn, err := s.localVersion(name)
	if err != nil {
		return 0, err
	}
	return s.stripeOf(name).Count(vpn)
}

// HighestTxID is name's highest local txId, -1 when empty.
func (s *AmzaService) HighestTxID(name model.PartitionName) (int64, error) {
	vpn, err := s.localVersion(name)
	if err != nil {
		return -1, err
	}
	return s.stripeOf(name).HighestTxID(vpn)
}

// CheckPartition implements take.PartitionChecker.
func (s *AmzaService) CheckPartition(vpn model.VersionedPartitionName) error {
	if vpn.PartitionName.IsSystem() {
		return nil
	}
	if !s.stripeOf(vpn.PartitionName).Contains(vpn) {
		return amzaerrors.PartitionDisposed(vpn.String())
	}
	if !s.rings.IsMemberOfRing(vpn.PartitionName.RingNameString()) {
		return amzaerrors.NotARingMember(vpn.PartitionName.RingNameString(), s.member.String())
	}
	if _, ok, err := s.index.Properties(vpn.PartitionName); err != nil {
		return err
	} else if !ok {
		return amzaerrors.PropertiesNotPresent(vpn.String())
	}
	return nil
}

// ResolveTakeTarget implements replication.LocalPartitions. A partition with
// properties in a ring this member belongs to gets a local version on first take.
func (s *AmzaService) ResolveTakeTarget(name model.PartitionName) (replication.TakeTarget, bool, error) {
	if name.IsSystem() {
		return replication.TakeTarget{VPN: model.NewVersionedPartitionName(name, 0), Online: true}, true, nil
	}
	_, ok, err := s.index.Properties(name)
	if err != nil || !ok {
		return replication.TakeTarget{}, false, err
	}
	if !s.rings.IsMemberOfRing(name.RingNameString()) {
		return replication.TakeTarget{}, false, nil
	}
	vpn, err := s.ensureLocal(name)
	if err != nil {
		return replication.TakeTarget{}, false, err
	}
	if expunged, err := s.states.IsExpunged(vpn); err != nil || expunged {
		return replication.TakeTarget{}, false, err
	}
	lively, err := s.states.LivelyEndState(vpn)
	if err != nil {
		return replication.TakeTarget{}, false, err
	}
	return replication.TakeTarget{VPN: vpn, Online: lively != nil}, true, nil
}

// CommitTaken implements replication.LocalPartitions.
func (s *AmzaService) CommitTaken(ctx context.Context, vpn model.VersionedPartitionName, rows []model.WALRow,
	highwater *model.WALHighwater) (int, error) {
	applied, txID, err := s.stripeOf(vpn.PartitionName).CommitTaken(vpn, rows, highwater)
	if err != nil {
		return 0, err
	}
	if txID >= 0 {
		s.take.Update(vpn, txID)
	}
	if applied > 0 && vpn.PartitionName.IsSystem() {
		s.systemTaken(vpn)
	}
	return applied, nil
}

// systemTaken refreshes what was derived from a system partition that just
// took rows from another member.
func (s *AmzaService) systemTaken(vpn model.VersionedPartitionName) {
	switch vpn {
	case model.PartitionIndex:
		s.index.Invalidate()
		s.reconcile.Broadcast()
	case model.PartitionVersionIndex:
		s.index.Invalidate()
	case model.AquariumStateIndex, model.AquariumLivelinessIndex:
		s.states.Changed()
	}
}

// LeadershipToken implements replication.LocalPartitions: the timestamp of
// vpn's current leader election, -1 without a settled leader.
func (s *AmzaService) LeadershipToken(vpn model.VersionedPartitionName) int64 {
	if vpn.PartitionName.IsSystem() {
		return -1
	}
	leader, err := s.states.GetLeader(vpn)
	if err != nil || leader == nil {
		return -1
	}
	return leader.Timestamp
}

// TookFully implements replication.LocalPartitions.
func (s *AmzaService) TookFully(remote model.RingMember, leadershipToken int64, vpn model.VersionedPartitionName) error {
	if vpn.PartitionName.IsSystem() {
		return nil
	}
	return s.states.TookFully(remote, leadershipToken, vpn)
}

// WipeTheGlass implements replication.LocalPartitions.
func (s *AmzaService) WipeTheGlass(vpn model.VersionedPartitionName) error {
	return s.states.WipeTheGlass(vpn)
}

// RowsStream serves remote's take of vpn from txID. Rows are handed to fn in
// txId order; the returned info carries what the taker needs once the stream
// has ended.
func (s *AmzaService) RowsStream(remote model.RingMember, vpn model.VersionedPartitionName, txID int64,
	fn func(delta.TakenRow) (bool, error)) (RowsStreamInfo, error) {

	s.metrics.RowsStreamRequests.Inc()
	stripe := s.stripeOf(vpn.PartitionName)
	if !stripe.Contains(vpn) {
		return RowsStreamInfo{PartitionVersion: -1, LeadershipToken: -1}, nil
	}
	info := RowsStreamInfo{
		PartitionVersion: vpn.Version,
		LeadershipToken:  s.LeadershipToken(vpn),
		Online:           true,
	}
	if !vpn.PartitionName.IsSystem() {
		lively, err := s.states.LivelyEndState(vpn)
		if err != nil {
			return info, err
		}
		info.Online = lively != nil
	}
	if err := stripe.TakeFromTransactionID(vpn, txID, fn); err != nil {
		return info, err
	}

	info.Highwaters = make(map[model.RingMember]int64)
	for _, n := range s.rings.GetNeighboringRingMembers(vpn.PartitionName.RingNameString()) {
		if n.Member == remote {
			continue
		}
		hw, err := s.highwaters.Get(n.Member, vpn)
		if err != nil {
			return info, err
		}
		if hw >= 0 {
			info.Highwaters[n.Member] = hw
		}
	}
	return info, nil
}

// RowsTaken records remote's acknowledgement of vpn up to txID. A negative txID
// is a push back: remote could not take vpn.
func (s *AmzaService) RowsTaken(remote model.RingMember, sessionID int64, vpn model.VersionedPartitionName, txID, leadershipToken int64) {
	s.metrics.RowsTakenRequests.Inc()
	s.take.RowsTaken(remote, sessionID, vpn, txID)
	if txID >= 0 {
		s.ackWaters.Set(remote, vpn, txID)
	}
	s.logger.Debug("Rows taken",
		zap.String("member", remote.String()),
		zap.String("partition", vpn.String()),
		zap.Int64("tx_id", txID),
		zap.Int64("leadership_token", leadershipToken))
}

// AvailableRowsStream serves remote's long poll for partitions with rows to
// take. remoteHost is where remote can be reached when it is known.
func (s *AmzaService) AvailableRowsStream(ctx context.Context, remote model.RingMember, remoteHost model.RingHost,
	sessionID int64, heartbeat time.Duration, offer take.OfferFunc, deliver, ping func() error) error {
	if remoteHost != model.UnknownRingHost && remoteHost.Host != "" {
		s.rings.RegisterHost(remote, remoteHost)
	}
	return s.take.AvailableRowsStream(ctx, remote, sessionID, heartbeat, offer, deliver, ping)
}

// Pong records that remote answered a ping on its session.
func (s *AmzaService) Pong(remote model.RingMember, remoteHost model.RingHost, sessionID int64) {
	if remoteHost != model.UnknownRingHost && remoteHost.Host != "" {
		s.rings.RegisterHost(remote, remoteHost)
	}
	s.logger.Debug("Pong",
		zap.String("member", remote.String()),
		zap.String("host", remoteHost.String()),
		zap.Int64("session_id", sessionID))
}
