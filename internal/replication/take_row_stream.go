package replication

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// deltaOverCapacityRetry is the pause before retrying a commit the local delta
// rejected for being over capacity.
const deltaOverCapacityRetry = 100 * time.Millisecond

// TakeRowStream buffers the rows of one remote transaction and commits them as a
// unit when the next transaction starts or the stream ends.
type TakeRowStream struct {
	partitions LocalPartitions
	local      model.VersionedPartitionName
	remote     model.RingMember
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	highwaterMark int64
	lastTxID      int64
	flushedTxID   int64
	batch         []model.WALRow
	highwater     *model.WALHighwater
	streamed      int
	flushed       int

	FlushedHighwaterMarks map[model.RingMember]int64
}

// NewTakeRowStream creates a stream committing into local. lastHighwater is the
// highest txId already taken from remote.
func NewTakeRowStream(partitions LocalPartitions, local model.VersionedPartitionName, remote model.RingMember,
	lastHighwater int64, limiter *rate.Limiter, m *metrics.Metrics, logger *zap.Logger) *TakeRowStream {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &TakeRowStream{
		partitions:            partitions,
		local:                 local,
		remote:                remote,
		limiter:               limiter,
		metrics:               m,
		logger:                logger,
		highwaterMark:         lastHighwater,
		lastTxID:              math.MinInt64,
		flushedTxID:           -1,
		FlushedHighwaterMarks: make(map[model.RingMember]int64),
	}
}

// Row implements RowStream. A highwater belongs to the transaction it arrived
// in; one whose transaction carried no rows is dropped at the next boundary.
func (s *TakeRowStream) Row(ctx context.Context, txID int64, rowType model.RowType, data []byte) error {
	if s.lastTxID != txID {
		if s.lastTxID != math.MinInt64 {
			if _, err := s.Flush(ctx); err != nil {
				return err
			}
		}
		s.lastTxID = txID
	}
	switch rowType {
	case model.RowPrimary:
		row, err := model.DecodeRow(data)
		if err != nil {
			return amzaerrors.CorruptedData("failed to decode taken row", err)
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.streamed++
		if txID > s.highwaterMark {
			s.highwaterMark = txID
		}
		s.batch = append(s.batch, row)
	case model.RowHighwater:
		hw, err := model.DecodeHighwater(data)
		if err != nil {
			return amzaerrors.CorruptedData("failed to decode taken highwater", err)
		}
		s.highwater = &hw
	}
	return nil
}

// Flush commits the buffered transaction and returns how many rows have been
// flushed in total. A delta over capacity is retried until ctx ends.
func (s *TakeRowStream) Flush(ctx context.Context) (int, error) {
	if s.lastTxID != math.MinInt64 {
		s.flushedTxID = s.lastTxID
	}
	if len(s.batch) > 0 {
		if s.metrics != nil {
			s.metrics.TookTotal.WithLabelValues(s.remote.String()).Add(float64(len(s.batch)))
		}
		var applied int
		commit := func() error {
			n, err := s.partitions.CommitTaken(ctx, s.local, s.batch, s.highwater)
			if err != nil {
				if amzaerrors.GetCode(err) == amzaerrors.ErrCodeDeltaOverCapacity {
					if s.metrics != nil {
						s.metrics.BackPressure.Inc()
						s.metrics.PushBacksTotal.Inc()
					}
					return err
				}
				return backoff.Permanent(err)
			}
			applied = n
			return nil
		}
		b := backoff.WithContext(backoff.NewConstantBackOff(deltaOverCapacityRetry), ctx)
		if err := backoff.Retry(commit, b); err != nil {
			s.logger.Error("Failed while flushing taken rows",
				zap.String("partition", s.local.String()),
				zap.String("member", s.remote.String()),
				zap.Error(err))
			return s.flushed, err
		}
		if s.metrics != nil {
			s.metrics.BackPressure.Set(0)
		}

		if s.highwater != nil {
			for _, m := range s.highwater.Members {
				if m.TxID > s.FlushedHighwaterMarks[m.Member] {
					s.FlushedHighwaterMarks[m.Member] = m.TxID
				}
			}
		}
		if existing, ok := s.FlushedHighwaterMarks[s.remote]; !ok || s.highwaterMark > existing {
			s.FlushedHighwaterMarks[s.remote] = s.highwaterMark
		}
		s.flushed = s.streamed
		if applied > 0 && s.metrics != nil {
			s.metrics.TookAppliedTotal.WithLabelValues(s.remote.String()).Add(float64(applied))
		}
		s.batch = nil
	}
	s.highwater = nil
	return s.flushed, nil
}

// LargestFlushedTxID is the txId of the last flushed transaction, -1 before any.
func (s *TakeRowStream) LargestFlushedTxID() int64 {
	return s.flushedTxID
}
