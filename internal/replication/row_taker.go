package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/util/workerpool"
	"go.uber.org/zap"
)

// RowTaker takes one remote partition into its local version. It keeps taking
// while the remote offers more, then leaves the receiver's taker map.
type RowTaker struct {
	r          *AvailableRowsReceiver
	id         int64
	local      model.VersionedPartitionName
	remoteVPN  model.VersionedPartitionName
	remoteHost model.RingHost
	sessionID  int64

	version    atomic.Int64
	takeToTxID atomic.Int64
}

func newRowTaker(r *AvailableRowsReceiver, local, remoteVPN model.VersionedPartitionName,
	remoteHost model.RingHost, sessionID, takeToTxID int64) *RowTaker {
	k := &RowTaker{
		r:          r,
		id:         r.t.takerSeq.Add(1),
		local:      local,
		remoteVPN:  remoteVPN,
		remoteHost: remoteHost,
		sessionID:  sessionID,
	}
	k.takeToTxID.Store(takeToTxID)
	return k
}

// moreRowsAvailable is called with the receiver's lock held.
func (k *RowTaker) moreRowsAvailable(txID int64) {
	for {
		cur := k.takeToTxID.Load()
		if txID <= cur || k.takeToTxID.CompareAndSwap(cur, txID) {
			break
		}
	}
	k.version.Add(1)
}

func (k *RowTaker) task() workerpool.Task {
	return workerpool.Task{
		Key: fmt.Sprintf("%s/%s/%d", k.r.remote, k.remoteVPN, k.id),
		Fn:  k.run,
	}
}

func (k *RowTaker) backOff(ctx context.Context) backoff.BackOff {
	cfg := k.r.t.cfg
	b := backoff.NewExponentialBackOff()
	if cfg.TakeBackoffInitial > 0 {
		b.InitialInterval = cfg.TakeBackoffInitial
	}
	if cfg.TakeBackoffMax > 0 {
		b.MaxInterval = cfg.TakeBackoffMax
	}
	b.MaxElapsedTime = cfg.TakeBackoffMaxElapsed
	return backoff.WithContext(b, ctx)
}

func (k *RowTaker) run(ctx context.Context) error {
	t := k.r.t
	for {
		startVersion := k.version.Load()
		changed := false
		err := backoff.RetryNotify(func() error {
			c, err := k.takeOnce(ctx)
			if err != nil {
				if k.r.Disposed() || isTerminal(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			changed = c
			return nil
		}, k.backOff(ctx), func(err error, wait time.Duration) {
			t.logger.Warn("Retrying take",
				zap.String("member", k.r.remote.String()),
				zap.String("partition", k.local.String()),
				zap.Duration("wait", wait),
				zap.Error(err))
		})
		if err != nil && ctx.Err() == nil && !k.r.Disposed() {
			t.logger.Error("Giving up on take until rows are offered again",
				zap.String("member", k.r.remote.String()),
				zap.String("partition", k.local.String()),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			k.r.completed(k, false, k.version.Load())
			return nil
		}
		if !k.r.completed(k, changed, startVersion) {
			return nil
		}
	}
}

func isTerminal(err error) bool {
	if errors.Is(err, errDisposed) || errors.Is(err, context.Canceled) {
		return true
	}
	code := amzaerrors.GetCode(err)
	return code == amzaerrors.ErrCodePartitionDisposed || code == amzaerrors.ErrCodeNotARingMember
}

// takeOnce runs one take and acknowledges what was taken. changed reports
// whether any rows were flushed.
func (k *RowTaker) takeOnce(ctx context.Context) (bool, error) {
	t := k.r.t
	remote := k.r.remote
	takeTo := k.takeToTxID.Load()

	highwater, err := t.highwaters.Get(remote, k.local)
	if err != nil {
		return false, err
	}

	var (
		changed  bool
		largest  = int64(-1)
		takeErr  error
		remoteLT = int64(-1)
	)
	if highwater >= takeTo {
		if err := t.partitions.TookFully(remote, remoteLT, k.local); err != nil {
			return false, err
		}
		if err := t.partitions.WipeTheGlass(k.local); err != nil {
			return false, err
		}
	} else {
		stream := NewTakeRowStream(t.partitions, k.local, remote, highwater, t.limiter, t.metrics, t.logger)
		result := t.rowsTaker.RowsStream(ctx, TakeRequest{
			Local:      t.rings.RingMember(),
			Remote:     remote,
			RemoteHost: k.remoteHost,
			VPN:        k.remoteVPN,
			SessionID:  k.sessionID,
			SharedKey:  k.r.sharedKey,
			TxID:       highwater,
		}, stream)
		remoteLT = result.LeadershipToken

		switch {
		case result.Error != nil:
			takeErr = result.Error
		case result.Unreachable != nil:
			takeErr = result.Unreachable
		default:
			flushed, err := stream.Flush(ctx)
			if err != nil {
				takeErr = err
			}
			changed = flushed > 0
		}
		if takeErr != nil {
			t.metrics.RecordTakeError(remote.String())
			if t.listener != nil {
				t.listener.FailedToTake(remote, k.remoteHost, takeErr)
			}
		} else {
			t.metrics.TakeConsecutiveFailures.WithLabelValues(remote.String()).Set(0)
			if t.listener != nil {
				t.listener.TookFrom(remote, k.remoteHost)
			}
		}

		// Marks for transactions already flushed stand even if the stream failed later.
		updates := stream.flushed
		for member, txID := range stream.FlushedHighwaterMarks {
			if _, err := t.highwaters.SetIfLarger(member, k.local, updates, txID); err != nil {
				return changed, err
			}
		}
		if takeErr != nil {
			return changed, takeErr
		}
		for member, txID := range result.OtherHighwaterMarks {
			if _, err := t.highwaters.SetIfLarger(member, k.local, updates, txID); err != nil {
				return changed, err
			}
		}
		largest = stream.LargestFlushedTxID()

		if result.OtherHighwaterMarks != nil {
			if err := t.partitions.TookFully(remote, remoteLT, k.local); err != nil {
				return changed, err
			}
		}
		if err := t.partitions.WipeTheGlass(k.local); err != nil {
			return changed, err
		}
		if remoteLT > 0 && result.PartitionVersion == -1 {
			if err := t.partitions.TookFully(remote, remoteLT, k.local); err != nil {
				return changed, err
			}
		}
	}

	err = t.rowsTaker.RowsTaken(ctx, TakeRequest{
		Local:           t.rings.RingMember(),
		Remote:          remote,
		RemoteHost:      k.remoteHost,
		VPN:             k.remoteVPN,
		SessionID:       k.sessionID,
		SharedKey:       k.r.sharedKey,
		TxID:            max(highwater, largest),
		LeadershipToken: t.partitions.LeadershipToken(k.local),
	})
	if err != nil {
		t.logger.Warn("Failed to acknowledge rows taken",
			zap.String("member", remote.String()),
			zap.String("partition", k.local.String()),
			zap.Error(err))
	}
	return changed, nil
}
