package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/service"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/gorilla/mux"
)

// emptySegment stands for an empty prefix in a path.
const emptySegment = "-"

const defaultScanLimit = 1000

// UpdateRequest is one row of a commit. Keys and values are base64 in JSON.
type UpdateRequest struct {
	Key        []byte `json:"key"`
	Value      []byte `json:"value,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Tombstoned bool   `json:"tombstoned,omitempty"`
}

// CommitRequest is the body of a commit.
type CommitRequest struct {
	Prefix        []byte          `json:"prefix,omitempty"`
	Updates       []UpdateRequest `json:"updates"`
	TakeQuorum    int             `json:"takeQuorum"`
	TimeoutMillis int64           `json:"timeoutMillis"`
}

// CommitResponse carries the txId of a commit.
type CommitResponse struct {
	TxID int64 `json:"txId"`
}

// ValueResponse is one live row.
type ValueResponse struct {
	Prefix    []byte `json:"prefix,omitempty"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// ScanResponse lists rows in key order. More is set when the limit cut the scan.
type ScanResponse struct {
	Rows []ValueResponse `json:"rows"`
	More bool            `json:"more"`
}

// PartitionResponse describes a partition.
type PartitionResponse struct {
	Ring        string `json:"ring"`
	Partition   string `json:"partition"`
	Version     int64  `json:"version,omitempty"`
	Count       int    `json:"count"`
	HighestTxID int64  `json:"highestTxId"`
}

func partitionName(r *http.Request) model.PartitionName {
	vars := mux.Vars(r)
	return model.NewPartitionName(false, []byte(vars["ring"]), []byte(vars["partition"]))
}

// EncodeSegment encodes a prefix or key as a path segment.
func EncodeSegment(b []byte) string {
	if len(b) == 0 {
		return emptySegment
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeSegment reverses EncodeSegment.
func DecodeSegment(s string) ([]byte, error) {
	if s == emptySegment || s == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) createPartition(w http.ResponseWriter, r *http.Request) {
	props := model.DefaultPartitionProperties()
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil && !errors.Is(err, io.EOF) {
		s.errorHandler.badRequest(w, r, "invalid partition properties", err)
		return
	}
	name := partitionName(r)
	vpn, err := s.partitions.CreatePartitionIfAbsent(name, props)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PartitionResponse{
		Ring:        name.RingNameString(),
		Partition:   string(name.Name()),
		Version:     vpn.Version,
		HighestTxID: -1,
	})
}

func (s *Server) destroyPartition(w http.ResponseWriter, r *http.Request) {
	if err := s.partitions.DestroyPartition(partitionName(r)); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) partitionStats(w http.ResponseWriter, r *http.Request) {
	name := partitionName(r)
	count, err := s.partitions.Count(name)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	highest, err := s.partitions.HighestTxID(name)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PartitionResponse{
		Ring:        name.RingNameString(),
		Partition:   string(name.Name()),
		Count:       count,
		HighestTxID: highest,
	})
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorHandler.badRequest(w, r, "invalid commit request", err)
		return
	}
	updates := make([]service.Update, 0, len(req.Updates))
	for _, u := range req.Updates {
		if len(u.Key) == 0 {
			s.errorHandler.badRequest(w, r, "update without a key", nil)
			return
		}
		updates = append(updates, service.Update{
			Key:        u.Key,
			Value:      u.Value,
			Timestamp:  u.Timestamp,
			Tombstoned: u.Tombstoned,
		})
	}
	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	txID, err := s.partitions.Commit(r.Context(), partitionName(r), req.Prefix, updates, req.TakeQuorum, timeout)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CommitResponse{TxID: txID})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	prefix, err := DecodeSegment(vars["prefix"])
	if err != nil {
		s.errorHandler.badRequest(w, r, "invalid prefix", err)
		return
	}
	key, err := DecodeSegment(vars["key"])
	if err != nil || len(key) == 0 {
		s.errorHandler.badRequest(w, r, "invalid key", err)
		return
	}
	name := partitionName(r)
	v, ok, err := s.partitions.GetValue(name, prefix, key)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if !ok {
		s.errorHandler.HandleError(w, r, amzaerrors.KeyNotFound(name.String(), vars["key"]))
		return
	}
	writeJSON(w, http.StatusOK, ValueResponse{Prefix: prefix, Key: key, Value: v.Value, Timestamp: v.Timestamp})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bounds [4][]byte
	for i, param := range []string{"fromPrefix", "fromKey", "toPrefix", "toKey"} {
		b, err := DecodeSegment(q.Get(param))
		if err != nil {
			s.errorHandler.badRequest(w, r, "invalid "+param, err)
			return
		}
		bounds[i] = b
	}
	limit := defaultScanLimit
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.errorHandler.badRequest(w, r, "invalid limit", err)
			return
		}
		limit = n
	}

	resp := ScanResponse{Rows: []ValueResponse{}}
	err := s.partitions.Scan(partitionName(r), bounds[0], bounds[1], bounds[2], bounds[3], func(row delta.Row) (bool, error) {
		if row.Value.Tombstoned {
			return true, nil
		}
		if len(resp.Rows) == limit {
			resp.More = true
			return false, nil
		}
		resp.Rows = append(resp.Rows, ValueResponse{
			Prefix:    row.Prefix,
			Key:       row.Key,
			Value:     row.Value.Value,
			Timestamp: row.Value.Timestamp,
		})
		return true, nil
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
