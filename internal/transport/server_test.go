package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/service"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/take"
	"github.com/devrev/amza/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockReplicator is a mock implementation of transport.Replicator
type MockReplicator struct {
	mock.Mock
}

func (m *MockReplicator) RowsStream(remote model.RingMember, vpn model.VersionedPartitionName, txID int64,
	fn func(delta.TakenRow) (bool, error)) (service.RowsStreamInfo, error) {
	args := m.Called(remote, vpn, txID, fn)
	return args.Get(0).(service.RowsStreamInfo), args.Error(1)
}

func (m *MockReplicator) RowsTaken(remote model.RingMember, sessionID int64, vpn model.VersionedPartitionName, txID, leadershipToken int64) {
	m.Called(remote, sessionID, vpn, txID, leadershipToken)
}

func (m *MockReplicator) AvailableRowsStream(ctx context.Context, remote model.RingMember, remoteHost model.RingHost,
	sessionID int64, heartbeat time.Duration, offer take.OfferFunc, deliver, ping func() error) error {
	args := m.Called(ctx, remote, remoteHost, sessionID, heartbeat, offer, deliver, ping)
	return args.Error(0)
}

func (m *MockReplicator) Pong(remote model.RingMember, remoteHost model.RingHost, sessionID int64) {
	m.Called(remote, remoteHost, sessionID)
}

// MockPartitions is a mock implementation of transport.Partitions
type MockPartitions struct {
	mock.Mock
}

func (m *MockPartitions) CreatePartitionIfAbsent(name model.PartitionName, props model.PartitionProperties) (model.VersionedPartitionName, error) {
	args := m.Called(name, props)
	return args.Get(0).(model.VersionedPartitionName), args.Error(1)
}

func (m *MockPartitions) DestroyPartition(name model.PartitionName) error {
	return m.Called(name).Error(0)
}

func (m *MockPartitions) Commit(ctx context.Context, name model.PartitionName, prefix []byte, updates []service.Update,
	takeQuorum int, timeout time.Duration) (int64, error) {
	args := m.Called(ctx, name, prefix, updates, takeQuorum, timeout)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPartitions) GetValue(name model.PartitionName, prefix, key []byte) (model.WALValue, bool, error) {
	args := m.Called(name, prefix, key)
	return args.Get(0).(model.WALValue), args.Bool(1), args.Error(2)
}

func (m *MockPartitions) Scan(name model.PartitionName, fromPrefix, fromKey, toPrefix, toKey []byte, fn func(delta.Row) (bool, error)) error {
	return m.Called(name, fromPrefix, fromKey, toPrefix, toKey, fn).Error(0)
}

func (m *MockPartitions) Count(name model.PartitionName) (int, error) {
	args := m.Called(name)
	return args.Int(0), args.Error(1)
}

func (m *MockPartitions) HighestTxID(name model.PartitionName) (int64, error) {
	args := m.Called(name)
	return args.Get(0).(int64), args.Error(1)
}

var (
	_ transport.Replicator = (*service.AmzaService)(nil)
	_ transport.Partitions = (*service.AmzaService)(nil)
)

var clientPartition = model.NewPartitionName(false, []byte("ring"), []byte("p"))

func newTestServer(t *testing.T, cfg transport.Config) (*httptest.Server, *MockReplicator, *MockPartitions) {
	t.Helper()
	replicator := new(MockReplicator)
	partitions := new(MockPartitions)
	srv := transport.NewServer(cfg, replicator, partitions, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, replicator, partitions
}

func decodeError(t *testing.T, resp *http.Response) transport.ErrorResponse {
	t.Helper()
	var er transport.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	return er
}

func TestServer_Commit(t *testing.T) {
	ts, _, partitions := newTestServer(t, transport.Config{})

	partitions.On("Commit", mock.Anything, clientPartition, []byte("pre"),
		[]service.Update{{Key: []byte("k"), Value: []byte("v")}}, 1, 2*time.Second).
		Return(int64(17), nil)

	body, err := json.Marshal(transport.CommitRequest{
		Prefix:        []byte("pre"),
		Updates:       []transport.UpdateRequest{{Key: []byte("k"), Value: []byte("v")}},
		TakeQuorum:    1,
		TimeoutMillis: 2000,
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/amza/v1/ring/p/commit", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cr transport.CommitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cr))
	assert.Equal(t, int64(17), cr.TxID)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	partitions.AssertExpectations(t)
}

func TestServer_CommitErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   amzaerrors.ErrorCode
	}{
		{"quorum not achieved", amzaerrors.QuorumNotAchieved(2, 1), http.StatusGatewayTimeout, amzaerrors.ErrCodeQuorumNotAchieved},
		{"not a ring member", amzaerrors.NotARingMember("ring", "a"), http.StatusPreconditionFailed, amzaerrors.ErrCodeNotARingMember},
		{"over capacity", amzaerrors.DeltaOverCapacity("p", 10, 5), http.StatusTooManyRequests, amzaerrors.ErrCodeDeltaOverCapacity},
		{"not online", amzaerrors.PartitionNotOnline("p"), http.StatusServiceUnavailable, amzaerrors.ErrCodePartitionNotOnline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _, partitions := newTestServer(t, transport.Config{})
			partitions.On("Commit", mock.Anything, clientPartition, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(int64(3), tt.err)

			resp, err := http.Post(ts.URL+"/amza/v1/ring/p/commit", "application/json",
				strings.NewReader(`{"updates":[{"key":"aw=="}]}`))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			er := decodeError(t, resp)
			assert.Equal(t, "error", er.Status)
			assert.Equal(t, int(tt.wantCode), er.Code)
		})
	}
}

func TestServer_CommitRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"update without key", `{"updates":[{"value":"dg=="}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _, partitions := newTestServer(t, transport.Config{})
			resp, err := http.Post(ts.URL+"/amza/v1/ring/p/commit", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, int(amzaerrors.ErrCodeInvalidArgument), decodeError(t, resp).Code)
			partitions.AssertNotCalled(t, "Commit")
		})
	}
}

func TestServer_Get(t *testing.T) {
	ts, _, partitions := newTestServer(t, transport.Config{})
	partitions.On("GetValue", clientPartition, []byte(nil), []byte("k")).
		Return(model.WALValue{Value: []byte("v"), Timestamp: 5}, true, nil)
	partitions.On("GetValue", clientPartition, []byte(nil), []byte("missing")).
		Return(model.WALValue{}, false, nil)

	resp, err := http.Get(ts.URL + "/amza/v1/ring/p/-/" + transport.EncodeSegment([]byte("k")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v transport.ValueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "v", string(v.Value))
	assert.Equal(t, int64(5), v.Timestamp)

	missing, err := http.Get(ts.URL + "/amza/v1/ring/p/-/" + transport.EncodeSegment([]byte("missing")))
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, int(amzaerrors.ErrCodeKeyNotFound), decodeError(t, missing).Code)
}

func TestServer_ScanHonoursLimit(t *testing.T) {
	ts, _, partitions := newTestServer(t, transport.Config{})
	partitions.On("Scan", clientPartition, []byte(nil), []byte("a"), []byte(nil), []byte(nil), mock.Anything).
		Run(func(args mock.Arguments) {
			fn := args.Get(5).(func(delta.Row) (bool, error))
			for _, k := range []string{"a", "b", "c", "d"} {
				row := delta.Row{Key: []byte(k), Value: model.WALValue{Value: []byte(k), Timestamp: 1}}
				if k == "b" {
					row.Value.Tombstoned = true
				}
				if more, _ := fn(row); !more {
					return
				}
			}
		}).
		Return(nil)

	resp, err := http.Get(ts.URL + "/amza/v1/ring/p/scan?fromKey=" + transport.EncodeSegment([]byte("a")) + "&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr transport.ScanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	require.Len(t, sr.Rows, 2)
	assert.Equal(t, "a", string(sr.Rows[0].Key))
	assert.Equal(t, "c", string(sr.Rows[1].Key), "tombstones are skipped")
	assert.True(t, sr.More)
}

func TestServer_PartitionLifecycle(t *testing.T) {
	ts, _, partitions := newTestServer(t, transport.Config{})
	props := model.DefaultPartitionProperties()
	props.ConsistencyRequiresLeader = true
	partitions.On("CreatePartitionIfAbsent", clientPartition, props).
		Return(model.NewVersionedPartitionName(clientPartition, 9), nil)
	partitions.On("Count", clientPartition).Return(4, nil)
	partitions.On("HighestTxID", clientPartition).Return(int64(12), nil)
	partitions.On("DestroyPartition", clientPartition).Return(nil)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/amza/v1/ring/p", strings.NewReader(`{"consistency_requires_leader":true}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created transport.PartitionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, int64(9), created.Version)

	resp, err = http.Get(ts.URL + "/amza/v1/ring/p")
	require.NoError(t, err)
	var stats transport.PartitionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, int64(12), stats.HighestTxID)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/amza/v1/ring/p", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	partitions.AssertExpectations(t)
}

func TestServer_UnknownRoute(t *testing.T) {
	ts, _, _ := newTestServer(t, transport.Config{})
	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RateLimitsClientAPIOnly(t *testing.T) {
	ts, replicator, partitions := newTestServer(t, transport.Config{RequestsPerSec: 0.001, RequestBurst: 1})
	partitions.On("Count", clientPartition).Return(0, nil)
	partitions.On("HighestTxID", clientPartition).Return(int64(-1), nil)
	replicator.On("Pong", mock.Anything, mock.Anything, mock.Anything).Return()

	statuses := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/amza/v1/ring/p")
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, statuses)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/amza/ackBatch", "application/json",
			strings.NewReader(`{"pongs":[{"member":"b","host":"h","port":1,"sessionId":1}]}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestServer_RateLimitIsPerRing(t *testing.T) {
	ts, _, partitions := newTestServer(t, transport.Config{RequestsPerSec: 0.001, RequestBurst: 1})
	other := model.NewPartitionName(false, []byte("other"), []byte("p"))
	for _, name := range []model.PartitionName{clientPartition, other} {
		partitions.On("Count", name).Return(0, nil)
		partitions.On("HighestTxID", name).Return(int64(-1), nil)
	}

	get := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get("/amza/v1/ring/p"))
	assert.Equal(t, http.StatusTooManyRequests, get("/amza/v1/ring/p"))
	assert.Equal(t, http.StatusOK, get("/amza/v1/other/p"), "each ring has its own budget")
}
