package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/gorilla/mux"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	contentTypeMsgpack = "application/msgpack"
	contentTypeStream  = "application/octet-stream"
	sharedKeyHeader    = "X-Amza-Shared-Key"
)

// RowsTakenPayload acknowledges one partition taken up to TxID. A negative
// TxID pushes the offer back.
type RowsTakenPayload struct {
	Member          string `json:"member" msgpack:"member"`
	SessionID       int64  `json:"sessionId" msgpack:"sessionId"`
	VPN             string `json:"vpn" msgpack:"vpn"`
	TxID            int64  `json:"txId" msgpack:"txId"`
	LeadershipToken int64  `json:"leadershipToken" msgpack:"leadershipToken"`
}

// PongPayload answers a ping on an available rows stream.
type PongPayload struct {
	Member    string `json:"member" msgpack:"member"`
	Host      string `json:"host" msgpack:"host"`
	Port      int    `json:"port" msgpack:"port"`
	SessionID int64  `json:"sessionId" msgpack:"sessionId"`
	SharedKey string `json:"sharedKey" msgpack:"sharedKey"`
}

// AckBatch is the body of /amza/ackBatch.
type AckBatch struct {
	RowsTaken []RowsTakenPayload `json:"rowsTaken" msgpack:"rowsTaken"`
	Pongs     []PongPayload      `json:"pongs" msgpack:"pongs"`
}

// streaming clears the server write deadline so a stream may outlive it.
func streaming(w http.ResponseWriter) *http.ResponseController {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	return rc
}

func (s *Server) rowsStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	remote := model.RingMember(vars["member"])
	vpn, err := model.VersionedPartitionNameFromBase64(vars["vpn"])
	if err != nil {
		s.errorHandler.badRequest(w, r, "invalid partition", err)
		return
	}
	txID, err := strconv.ParseInt(vars["txId"], 10, 64)
	if err != nil {
		s.errorHandler.badRequest(w, r, "invalid txId", err)
		return
	}

	streaming(w)
	w.Header().Set("Content-Type", contentTypeStream)
	w.WriteHeader(http.StatusOK)

	p := NewStreamingTakesProducer(w)
	rows := 0
	info, err := s.replicator.RowsStream(remote, vpn, txID, func(row delta.TakenRow) (bool, error) {
		if err := p.Row(row.TxID, row.Type, row.Data); err != nil {
			return false, err
		}
		rows++
		return true, nil
	})
	if err != nil {
		s.logger.Warn("Rows stream failed",
			zap.String("member", remote.String()),
			zap.String("partition", vpn.String()),
			zap.Int64("tx_id", txID),
			zap.Error(err))
		if ferr := p.Fail(err); ferr != nil {
			s.logger.Debug("Failed to report rows stream failure", zap.Error(ferr))
		}
		return
	}
	if err := p.End(StreamTrailer{
		PartitionVersion: info.PartitionVersion,
		LeadershipToken:  info.LeadershipToken,
		Online:           info.Online,
		Highwaters:       info.Highwaters,
	}); err != nil {
		s.logger.Debug("Failed to end rows stream",
			zap.String("member", remote.String()),
			zap.String("partition", vpn.String()),
			zap.Error(err))
		return
	}
	s.logger.Debug("Served rows stream",
		zap.String("member", remote.String()),
		zap.String("partition", vpn.String()),
		zap.Int64("tx_id", txID),
		zap.Int("rows", rows))
}

func (s *Server) availableRowsStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	remote := model.RingMember(vars["member"])
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		s.errorHandler.badRequest(w, r, "invalid port", err)
		return
	}
	sessionID, err := strconv.ParseInt(vars["sessionId"], 10, 64)
	if err != nil {
		s.errorHandler.badRequest(w, r, "invalid sessionId", err)
		return
	}
	timeoutMillis, err := strconv.ParseInt(vars["timeout"], 10, 64)
	if err != nil || timeoutMillis <= 0 {
		s.errorHandler.badRequest(w, r, "invalid timeout", err)
		return
	}
	timeout := min(time.Duration(timeoutMillis)*time.Millisecond, s.cfg.MaxLongPoll)

	rc := streaming(w)
	w.Header().Set("Content-Type", contentTypeStream)
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	bw := bufio.NewWriter(w)
	flush := func() error {
		if err := bw.Flush(); err != nil {
			return err
		}
		return rc.Flush()
	}
	err = s.replicator.AvailableRowsStream(ctx, remote, model.RingHost{Host: vars["host"], Port: port}, sessionID,
		s.cfg.Heartbeat,
		func(vpn model.VersionedPartitionName, txID int64) error { return WriteAvailable(bw, vpn, txID) },
		flush,
		func() error {
			if err := WritePing(bw); err != nil {
				return err
			}
			return flush()
		})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Available rows stream failed",
			zap.String("member", remote.String()),
			zap.Int64("session_id", sessionID),
			zap.Error(err))
	}
	_ = flush()
}

func (s *Server) ackBatch(w http.ResponseWriter, r *http.Request) {
	var batch AckBatch
	var err error
	if r.Header.Get("Content-Type") == contentTypeMsgpack {
		err = msgpack.NewDecoder(r.Body).Decode(&batch)
	} else {
		err = json.NewDecoder(r.Body).Decode(&batch)
	}
	if err != nil {
		s.errorHandler.badRequest(w, r, "invalid ack batch", err)
		return
	}

	for _, rt := range batch.RowsTaken {
		vpn, err := model.VersionedPartitionNameFromBase64(rt.VPN)
		if err != nil {
			s.errorHandler.HandleError(w, r, amzaerrors.InvalidArgument("invalid partition in rows taken", err))
			return
		}
		s.replicator.RowsTaken(model.RingMember(rt.Member), rt.SessionID, vpn, rt.TxID, rt.LeadershipToken)
	}
	for _, p := range batch.Pongs {
		s.replicator.Pong(model.RingMember(p.Member), model.RingHost{Host: p.Host, Port: p.Port}, p.SessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
