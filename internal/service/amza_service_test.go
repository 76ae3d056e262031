package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devrev/amza/internal/aquarium"
	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/replication"
	"github.com/devrev/amza/internal/ring"
	"github.com/devrev/amza/internal/service"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/storage/highwater"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/devrev/amza/internal/take"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRing = "ring1"

var testPartition = model.NewPartitionName(false, []byte(testRing), []byte("p"))

type node struct {
	member  model.RingMember
	rings   *ring.Store
	acks    *replication.AckWaters
	service *service.AmzaService
}

func newNode(t *testing.T, member model.RingMember, ringMembers ...model.RingMember) *node {
	t.Helper()
	dir := t.TempDir()
	m := metrics.NewNopMetrics()
	logger := zap.NewNop()

	rings := ring.NewStore(member, model.RingHost{Host: member.String(), Port: 1}, 1, m, logger)
	for _, rm := range ringMembers {
		rings.RegisterHost(rm, model.RingHost{Host: rm.String(), Port: 1})
		rings.AddRingMember(testRing, rm)
	}
	hw, err := highwater.Open(filepath.Join(dir, "highwaters.db"), 100, logger)
	require.NoError(t, err)
	t.Cleanup(func() { hw.Close() })

	acks := replication.NewAckWaters()
	svc, err := service.NewAmzaService(service.Config{
		DataDir:               dir,
		NumberOfStripes:       2,
		MaxUpdatesBeforeMerge: 1000,
		MergePoolSize:         2,
		CommitRetryMaxElapsed: time.Second,
		LeaseDuration:         10 * time.Second,
		TapInterval:           20 * time.Millisecond,
		Take:                  take.Config{CyaInterval: 20 * time.Millisecond, SlowTake: time.Second},
	}, rings, txid.NewMemoryProviderFrom(0), hw, acks, m, logger)
	require.NoError(t, err)
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(time.Second) })
	return &node{member: member, rings: rings, acks: acks, service: svc}
}

func (n *node) settle(t *testing.T, vpn model.VersionedPartitionName, state aquarium.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		require.NoError(t, n.service.WipeTheGlass(vpn))
		lively, err := n.service.States().LivelyEndState(vpn)
		require.NoError(t, err)
		return lively != nil && lively.State == state
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAmzaService_CommitAndRead(t *testing.T) {
	n := newNode(t, "a", "a")
	ctx := context.Background()

	_, err := n.service.Commit(ctx, testPartition, nil, []service.Update{{Key: []byte("k"), Value: []byte("v")}}, 0, time.Second)
	assert.Equal(t, amzaerrors.ErrCodePropertiesNotPresent, amzaerrors.GetCode(err))

	vpn, err := n.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	again, err := n.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	assert.Equal(t, vpn, again, "the version is allocated once")

	txID, err := n.service.Commit(ctx, testPartition, []byte("pre"), []service.Update{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Tombstoned: true},
	}, 0, time.Second)
	require.NoError(t, err)

	v, ok, err := n.service.GetValue(testPartition, []byte("pre"), []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v.Value))
	_, ok, err = n.service.GetValue(testPartition, []byte("pre"), []byte("c"))
	require.NoError(t, err)
	assert.False(t, ok, "tombstones read as absent")
	_, ok, err = n.service.GetValue(testPartition, nil, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok, "keys are scoped by prefix")

	var keys []string
	require.NoError(t, n.service.Scan(testPartition, nil, nil, nil, nil, func(r delta.Row) (bool, error) {
		keys = append(keys, string(r.Key))
		return true, nil
	}))
	assert.Equal(t, []string{"a", "b"}, keys)

	count, err := n.service.Count(testPartition)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	highest, err := n.service.HighestTxID(testPartition)
	require.NoError(t, err)
	assert.Equal(t, txID, highest)
}

func TestAmzaService_CommitRejections(t *testing.T) {
	n := newNode(t, "a", "a")
	_, err := n.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	foreign := model.NewPartitionName(false, []byte("elsewhere"), []byte("p"))

	tests := []struct {
		name     string
		pname    model.PartitionName
		updates  []service.Update
		quorum   int
		expected amzaerrors.ErrorCode
	}{
		{"no updates", testPartition, nil, 0, amzaerrors.ErrCodeInvalidArgument},
		{"system partition", model.PartitionIndex.PartitionName, []service.Update{{Key: []byte("k")}}, 0, amzaerrors.ErrCodeInvalidArgument},
		{"quorum larger than the ring", testPartition, []service.Update{{Key: []byte("k")}}, 1, amzaerrors.ErrCodeQuorumNotAchieved},
		{"unknown partition", foreign, []service.Update{{Key: []byte("k")}}, 0, amzaerrors.ErrCodePropertiesNotPresent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.service.Commit(context.Background(), tt.pname, nil, tt.updates, tt.quorum, time.Second)
			require.Error(t, err)
			assert.Equal(t, tt.expected, amzaerrors.GetCode(err))
		})
	}

	_, err = n.service.CreatePartitionIfAbsent(foreign, model.DefaultPartitionProperties())
	assert.Equal(t, amzaerrors.ErrCodeNotARingMember, amzaerrors.GetCode(err))
}

func TestAmzaService_RequiresLeader(t *testing.T) {
	n := newNode(t, "a", "a")
	props := model.DefaultPartitionProperties()
	props.ConsistencyRequiresLeader = true
	vpn, err := n.service.CreatePartitionIfAbsent(testPartition, props)
	require.NoError(t, err)

	n.settle(t, vpn, aquarium.Leader)
	_, err = n.service.Commit(context.Background(), testPartition, nil, []service.Update{{Key: []byte("k"), Value: []byte("v")}}, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RingMember("a"), mustLeader(t, n, vpn))
	assert.Greater(t, n.service.LeadershipToken(vpn), int64(0))
}

func mustLeader(t *testing.T, n *node, vpn model.VersionedPartitionName) model.RingMember {
	t.Helper()
	leader, err := n.service.States().GetLeader(vpn)
	require.NoError(t, err)
	require.NotNil(t, leader)
	return leader.Member
}

func TestAmzaService_Reopen(t *testing.T) {
	dir := t.TempDir()
	m := metrics.NewNopMetrics()
	rings := ring.NewStore("a", model.RingHost{Host: "a", Port: 1}, 1, m, zap.NewNop())
	rings.AddRingMember(testRing, "a")
	open := func() (*service.AmzaService, *highwater.Storage) {
		hw, err := highwater.Open(filepath.Join(dir, "highwaters.db"), 100, zap.NewNop())
		require.NoError(t, err)
		svc, err := service.NewAmzaService(service.Config{DataDir: dir, NumberOfStripes: 2, MergePoolSize: 1},
			rings, txid.NewMemoryProvider(), hw, replication.NewAckWaters(), m, zap.NewNop())
		require.NoError(t, err)
		return svc, hw
	}

	svc, hw := open()
	vpn, err := svc.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	_, err = svc.Commit(context.Background(), testPartition, nil, []service.Update{{Key: []byte("k"), Value: []byte("v")}}, 0, time.Second)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(time.Second))
	require.NoError(t, hw.Close())

	svc, hw = open()
	defer hw.Close()
	defer svc.Stop(time.Second)
	require.NoError(t, svc.CheckPartition(vpn))
	v, ok, err := svc.GetValue(testPartition, nil, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v.Value))
}

func TestAmzaService_DestroyPartition(t *testing.T) {
	n := newNode(t, "a", "a")
	vpn, err := n.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	_, err = n.service.Commit(context.Background(), testPartition, nil, []service.Update{{Key: []byte("k"), Value: []byte("v")}}, 0, time.Second)
	require.NoError(t, err)

	require.NoError(t, n.service.DestroyPartition(testPartition))
	assert.Equal(t, amzaerrors.ErrCodePartitionDisposed, amzaerrors.GetCode(n.service.CheckPartition(vpn)))
	_, _, err = n.service.GetValue(testPartition, nil, []byte("k"))
	assert.Equal(t, amzaerrors.ErrCodePartitionNotFound, amzaerrors.GetCode(err))

	_, ok, err := n.service.ResolveTakeTarget(testPartition)
	require.NoError(t, err)
	assert.False(t, ok, "takes of a destroyed partition are pushed back")
}

func TestAmzaService_ServesTakes(t *testing.T) {
	n := newNode(t, "a", "a", "b")
	vpn, err := n.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	tx1, err := n.service.Commit(context.Background(), testPartition, nil, []service.Update{{Key: []byte("x"), Value: []byte("1")}}, 0, time.Second)
	require.NoError(t, err)
	tx2, err := n.service.Commit(context.Background(), testPartition, nil, []service.Update{{Key: []byte("y"), Value: []byte("2")}}, 0, time.Second)
	require.NoError(t, err)

	var keys []string
	info, err := n.service.RowsStream("b", vpn, tx1, func(r delta.TakenRow) (bool, error) {
		if r.Type == model.RowPrimary {
			row, err := model.DecodeRow(r.Data)
			require.NoError(t, err)
			keys = append(keys, string(row.Key))
			assert.Greater(t, r.TxID, tx1)
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, keys)
	assert.Equal(t, vpn.Version, info.PartitionVersion)
	assert.NotNil(t, info.Highwaters)

	missing, err := n.service.RowsStream("b", model.NewVersionedPartitionName(testPartition, vpn.Version+1), -1,
		func(delta.TakenRow) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(-1), missing.PartitionVersion)

	n.service.RowsTaken("b", 1, vpn, tx2, -1)
	acked, ok := n.acks.Get("b", vpn)
	require.True(t, ok)
	assert.Equal(t, tx2, acked)

	n.service.RowsTaken("b", 1, vpn, -1, -1)
	acked, _ = n.acks.Get("b", vpn)
	assert.Equal(t, tx2, acked, "push backs do not lower acknowledgements")
}

// loopback delivers take requests straight to the remote node's service.
type loopback struct {
	mu    sync.Mutex
	nodes map[model.RingMember]*service.AmzaService
}

func (l *loopback) node(member model.RingMember) (*service.AmzaService, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	svc, ok := l.nodes[member]
	if !ok {
		return nil, amzaerrors.Unreachable(member.String(), nil)
	}
	return svc, nil
}

func (l *loopback) AvailableRowsStream(ctx context.Context, req replication.AvailableRowsRequest, fn replication.AvailableStream) error {
	remote, err := l.node(req.Remote)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	err = remote.TakeCoordinator().AvailableRowsStream(ctx, req.Local, req.SessionID, 20*time.Millisecond,
		func(vpn model.VersionedPartitionName, txID int64) error { return fn(vpn, txID) },
		func() error { return nil },
		func() error { return nil })
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (l *loopback) RowsStream(ctx context.Context, req replication.TakeRequest, stream replication.RowStream) replication.StreamingRowsResult {
	remote, err := l.node(req.Remote)
	if err != nil {
		return replication.StreamingRowsResult{Unreachable: err}
	}
	info, err := remote.RowsStream(req.Local, req.VPN, req.TxID, func(r delta.TakenRow) (bool, error) {
		return true, stream.Row(ctx, r.TxID, r.Type, r.Data)
	})
	result := replication.StreamingRowsResult{
		Error:            err,
		LeadershipToken:  info.LeadershipToken,
		PartitionVersion: info.PartitionVersion,
	}
	if err == nil && info.Online {
		result.OtherHighwaterMarks = info.Highwaters
	}
	return result
}

func (l *loopback) RowsTaken(ctx context.Context, req replication.TakeRequest) error {
	remote, err := l.node(req.Remote)
	if err != nil {
		return err
	}
	remote.RowsTaken(req.Local, req.SessionID, req.VPN, req.TxID, req.LeadershipToken)
	return nil
}

func (l *loopback) Pong(context.Context, model.RingMember, model.RingMember, model.RingHost, int64, string) error {
	return nil
}

func startReplication(t *testing.T, n *node, transport *loopback) {
	t.Helper()
	hw, err := highwater.Open(filepath.Join(t.TempDir(), "taken.db"), 100, zap.NewNop())
	require.NoError(t, err)
	taker := replication.NewRowChangeTaker(replication.Config{
		LongPollTimeout:       200 * time.Millisecond,
		CyaInterval:           20 * time.Millisecond,
		ConsumerIdleInterval:  20 * time.Millisecond,
		ReceiverRetryInterval: 10 * time.Millisecond,
		TakeBackoffInitial:    5 * time.Millisecond,
		TakeBackoffMax:        20 * time.Millisecond,
		TakeBackoffMaxElapsed: time.Second,
		TakerPoolSize:         2,
	}, n.rings, model.RingHost{Host: n.member.String(), Port: 1}, hw, n.service, transport, transport,
		txid.NewMemoryProvider(), nil, metrics.NewNopMetrics(), zap.NewNop())
	taker.Start(context.Background())
	t.Cleanup(func() {
		taker.Stop(2 * time.Second)
		hw.Close()
	})
}

func TestAmzaService_QuorumCommitAcrossNodes(t *testing.T) {
	a := newNode(t, "a", "a", "b")
	b := newNode(t, "b", "a", "b")
	transport := &loopback{nodes: map[model.RingMember]*service.AmzaService{"a": a.service, "b": b.service}}
	startReplication(t, a, transport)
	startReplication(t, b, transport)

	vpnA, err := a.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)
	_, err = b.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)

	txID, err := a.service.Commit(context.Background(), testPartition, nil,
		[]service.Update{{Key: []byte("k"), Value: []byte("v")}}, 1, 10*time.Second)
	require.NoError(t, err)

	acked, ok := a.acks.Get("b", vpnA)
	require.True(t, ok)
	assert.GreaterOrEqual(t, acked, txID)

	v, ok, err := b.service.GetValue(testPartition, nil, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v.Value))
}

func TestAmzaService_QuorumNotAchieved(t *testing.T) {
	a := newNode(t, "a", "a", "b")
	_, err := a.service.CreatePartitionIfAbsent(testPartition, model.DefaultPartitionProperties())
	require.NoError(t, err)

	txID, err := a.service.Commit(context.Background(), testPartition, nil,
		[]service.Update{{Key: []byte("k"), Value: []byte("v")}}, 1, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, amzaerrors.ErrCodeQuorumNotAchieved, amzaerrors.GetCode(err))
	assert.Greater(t, txID, int64(0), "the local commit stands")
}
