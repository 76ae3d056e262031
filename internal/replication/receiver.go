package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/util/notify"
	"go.uber.org/zap"
)

type sessionedTxID struct {
	sessionID int64
	txID      int64
}

// AvailableRowsReceiver long polls one remote member. Offers it receives are
// kept per partition until a consumer turns them into row takes.
type AvailableRowsReceiver struct {
	t         *RowChangeTaker
	remote    model.RingMember
	sessionID int64
	sharedKey string
	disposed  atomic.Bool

	mu        sync.Mutex
	available map[model.VersionedPartitionName]sessionedTxID
	takers    map[model.VersionedPartitionName]*RowTaker
}

func newAvailableRowsReceiver(t *RowChangeTaker, remote model.RingMember, sessionID int64) *AvailableRowsReceiver {
	return &AvailableRowsReceiver{
		t:         t,
		remote:    remote,
		sessionID: sessionID,
		sharedKey: newSharedKey(),
		available: make(map[model.VersionedPartitionName]sessionedTxID),
		takers:    make(map[model.VersionedPartitionName]*RowTaker),
	}
}

func (r *AvailableRowsReceiver) dispose() {
	r.disposed.Store(true)
}

// Disposed reports whether the member left the ring.
func (r *AvailableRowsReceiver) Disposed() bool {
	return r.disposed.Load()
}

// SessionID is the take session presented to the remote member.
func (r *AvailableRowsReceiver) SessionID() int64 {
	return r.sessionID
}

func (r *AvailableRowsReceiver) run(ctx context.Context) {
	t := r.t
	for !r.disposed.Load() && ctx.Err() == nil {
		host, ok := t.rings.GetRingHost(r.remote)
		if !ok {
			if !notify.Wait(ctx, nil, t.cfg.ReceiverRetryInterval) {
				return
			}
			continue
		}

		offered := 0
		err := t.availableRowsTaker.AvailableRowsStream(ctx, AvailableRowsRequest{
			Local:      t.rings.RingMember(),
			LocalHost:  t.localHost,
			Remote:     r.remote,
			RemoteHost: host,
			SessionID:  r.sessionID,
			SharedKey:  r.sharedKey,
			Timeout:    t.cfg.LongPollTimeout,
		}, func(vpn model.VersionedPartitionName, txID int64) error {
			if r.disposed.Load() {
				return errDisposed
			}
			offered++
			r.offer(vpn, txID)
			return nil
		})
		t.metrics.RecordLongPoll(r.remote.String(), offered)

		if err == nil {
			continue
		}
		if errors.Is(err, errDisposed) || ctx.Err() != nil {
			return
		}
		t.logger.Error("Failed to take partitions updated",
			zap.String("member", r.remote.String()),
			zap.String("host", host.String()),
			zap.Error(err))
		if !notify.Wait(ctx, nil, t.cfg.ReceiverRetryInterval) {
			return
		}
	}
}

// offer records that vpn has rows up to txID on the remote member. A recorded
// offer is replaced only by a newer session or a larger txId in the same one.
func (r *AvailableRowsReceiver) offer(vpn model.VersionedPartitionName, txID int64) {
	t := r.t
	if !t.rings.IsMemberOfRing(vpn.PartitionName.RingNameString()) {
		t.logger.Debug("Ignoring rows offered for a ring this member is not part of",
			zap.String("member", r.remote.String()),
			zap.String("partition", vpn.String()),
			zap.Int64("tx_id", txID))
		return
	}

	r.mu.Lock()
	existing, ok := r.available[vpn]
	if !ok || r.sessionID > existing.sessionID || (r.sessionID == existing.sessionID && txID > existing.txID) {
		r.available[vpn] = sessionedTxID{sessionID: r.sessionID, txID: txID}
	}
	r.mu.Unlock()

	t.consumerSignal(vpn.PartitionName).Broadcast()
}

// Available returns the pending offer for vpn, if any.
func (r *AvailableRowsReceiver) Available(vpn model.VersionedPartitionName) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.available[vpn]
	return st.txID, ok
}

func (r *AvailableRowsReceiver) consume(ctx context.Context, predicate func(model.VersionedPartitionName) bool) bool {
	r.mu.Lock()
	var pending []model.VersionedPartitionName
	offers := make(map[model.VersionedPartitionName]sessionedTxID)
	for vpn, st := range r.available {
		if predicate(vpn) {
			pending = append(pending, vpn)
			offers[vpn] = st
			delete(r.available, vpn)
		}
	}
	r.mu.Unlock()

	consumed := false
	for _, vpn := range pending {
		if r.consumePartitionTxID(ctx, vpn, offers[vpn]) {
			consumed = true
		}
	}
	return consumed
}

func (r *AvailableRowsReceiver) consumePartitionTxID(ctx context.Context, remoteVPN model.VersionedPartitionName, st sessionedTxID) bool {
	t := r.t
	name := remoteVPN.PartitionName
	host, _ := t.rings.GetRingHost(r.remote)

	highwater := int64(-1)
	target, ok, err := t.partitions.ResolveTakeTarget(name)
	if err != nil {
		t.logger.Warn("Failed to resolve take target",
			zap.String("partition", remoteVPN.String()), zap.Error(err))
		ok = false
	}
	if ok {
		if highwater, err = t.highwaters.Get(r.remote, target.VPN); err != nil {
			t.logger.Warn("Failed to read highwater",
				zap.String("partition", target.VPN.String()), zap.Error(err))
			highwater = -1
		}
		if highwater >= st.txID && (name.IsSystem() || target.Online) {
			ok = false
		}
	}

	if !ok {
		err := t.rowsTaker.RowsTaken(ctx, TakeRequest{
			Local:           t.rings.RingMember(),
			Remote:          r.remote,
			RemoteHost:      host,
			VPN:             remoteVPN,
			SessionID:       st.sessionID,
			SharedKey:       r.sharedKey,
			TxID:            highwater,
			LeadershipToken: -1,
		})
		if err != nil {
			t.logger.Warn("Failed to push back rows taken",
				zap.String("member", r.remote.String()),
				zap.String("partition", remoteVPN.String()),
				zap.Error(err))
		}
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.takers[remoteVPN]; ok && existing.local.Version >= target.VPN.Version {
		existing.moreRowsAvailable(st.txID)
		return true
	}
	taker := newRowTaker(r, target.VPN, remoteVPN, host, st.sessionID, st.txID)
	r.takers[remoteVPN] = taker
	r.schedule(taker)
	return true
}

func (r *AvailableRowsReceiver) schedule(taker *RowTaker) {
	pool := r.t.pool(taker.remoteVPN.PartitionName)
	if err := pool.Submit(taker.task()); err != nil {
		r.t.logger.Warn("Failed to schedule row taker",
			zap.String("partition", taker.remoteVPN.String()), zap.Error(err))
		delete(r.takers, taker.remoteVPN)
	}
}

// completed decides whether taker runs again: only while it is still the
// partition's current taker, the receiver is live, and the last run changed
// something or more rows were offered meanwhile. Otherwise it is forgotten.
func (r *AvailableRowsReceiver) completed(taker *RowTaker, changed bool, startVersion int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest, ok := r.takers[taker.remoteVPN]
	if !ok || latest != taker {
		return false
	}
	if !r.disposed.Load() && (changed || startVersion < taker.version.Load()) {
		return true
	}
	delete(r.takers, taker.remoteVPN)
	return false
}
