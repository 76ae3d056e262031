package replication_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/replication"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRings struct{}

func (fakeRings) RingMember() model.RingMember { return "a" }

func (fakeRings) GetNeighboringRingMembers(string) []model.RingMemberAndHost {
	return []model.RingMemberAndHost{{Member: "b", Host: model.RingHost{Host: "b", Port: 1}}}
}

func (fakeRings) IsMemberOfRing(ring string) bool { return ring != "foreign" }

func (fakeRings) GetRingHost(member model.RingMember) (model.RingHost, bool) {
	return model.RingHost{Host: member.String(), Port: 1}, true
}

type memHighwaters struct {
	mu    sync.Mutex
	marks map[model.RingMember]int64
}

func (h *memHighwaters) Get(member model.RingMember, vpn model.VersionedPartitionName) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.marks[member]; ok {
		return v, nil
	}
	return -1, nil
}

func (h *memHighwaters) SetIfLarger(member model.RingMember, vpn model.VersionedPartitionName, updates int, txID int64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.marks[member]; ok && v >= txID {
		return false, nil
	}
	h.marks[member] = txID
	return true, nil
}

type fakePartitions struct {
	resolvable bool

	mu        sync.Mutex
	committed []model.WALRow
	tookFully int
}

func (p *fakePartitions) ResolveTakeTarget(name model.PartitionName) (replication.TakeTarget, bool, error) {
	return replication.TakeTarget{VPN: testVPN, Online: true}, p.resolvable, nil
}

func (p *fakePartitions) NumberOfStripes() int { return 2 }

func (p *fakePartitions) Stripe(model.PartitionName) int { return 1 }

func (p *fakePartitions) CommitTaken(_ context.Context, _ model.VersionedPartitionName, rows []model.WALRow, _ *model.WALHighwater) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, rows...)
	return len(rows), nil
}

func (p *fakePartitions) LeadershipToken(model.VersionedPartitionName) int64 { return 0 }

func (p *fakePartitions) TookFully(model.RingMember, int64, model.VersionedPartitionName) error {
	p.mu.Lock()
	p.tookFully++
	p.mu.Unlock()
	return nil
}

func (p *fakePartitions) WipeTheGlass(model.VersionedPartitionName) error { return nil }

func (p *fakePartitions) committedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.committed)
}

// fakeRemote offers one partition on its first long poll and serves rows 1..top.
type fakeRemote struct {
	t      *testing.T
	offer  model.VersionedPartitionName
	top    int64
	polled sync.Once

	mu   sync.Mutex
	acks []int64
}

func (r *fakeRemote) AvailableRowsStream(ctx context.Context, req replication.AvailableRowsRequest, fn replication.AvailableStream) error {
	var err error
	r.polled.Do(func() { err = fn(r.offer, r.top) })
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(req.Timeout):
		return nil
	}
}

func (r *fakeRemote) RowsStream(ctx context.Context, req replication.TakeRequest, stream replication.RowStream) replication.StreamingRowsResult {
	for tx := req.TxID + 1; tx <= r.top; tx++ {
		if err := stream.Row(ctx, tx, model.RowPrimary, encodedRow(r.t, "k", tx)); err != nil {
			return replication.StreamingRowsResult{Error: err}
		}
	}
	return replication.StreamingRowsResult{
		PartitionVersion:    req.VPN.Version,
		OtherHighwaterMarks: map[model.RingMember]int64{},
	}
}

func (r *fakeRemote) RowsTaken(ctx context.Context, req replication.TakeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, req.TxID)
	return nil
}

func (r *fakeRemote) Pong(context.Context, model.RingMember, model.RingMember, model.RingHost, int64, string) error {
	return nil
}

func (r *fakeRemote) lastAck() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.acks) == 0 {
		return 0, false
	}
	return r.acks[len(r.acks)-1], true
}

func testConfig() replication.Config {
	return replication.Config{
		LongPollTimeout:       50 * time.Millisecond,
		CyaInterval:           20 * time.Millisecond,
		ConsumerIdleInterval:  20 * time.Millisecond,
		ReceiverRetryInterval: 10 * time.Millisecond,
		TakeBackoffInitial:    5 * time.Millisecond,
		TakeBackoffMax:        20 * time.Millisecond,
		TakeBackoffMaxElapsed: time.Second,
		TakerPoolSize:         2,
	}
}

func startTaker(t *testing.T, parts *fakePartitions, remote *fakeRemote, hw *memHighwaters) *replication.RowChangeTaker {
	t.Helper()
	taker := replication.NewRowChangeTaker(testConfig(), fakeRings{}, model.RingHost{Host: "a", Port: 1},
		hw, parts, remote, remote, txid.NewMemoryProvider(), nil, metrics.NewNopMetrics(), zap.NewNop())
	taker.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, taker.Stop(2*time.Second)) })
	return taker
}

func TestRowChangeTaker_TakesOfferedRows(t *testing.T) {
	parts := &fakePartitions{resolvable: true}
	remote := &fakeRemote{t: t, offer: testVPN, top: 3}
	hw := &memHighwaters{marks: map[model.RingMember]int64{}}
	taker := startTaker(t, parts, remote, hw)

	require.Eventually(t, func() bool {
		ack, ok := remote.lastAck()
		return ok && ack == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, parts.committedCount())
	got, err := hw.Get("b", testVPN)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	r, ok := taker.Receiver("b")
	require.True(t, ok)
	assert.False(t, r.Disposed())
	_, pending := r.Available(testVPN)
	assert.False(t, pending, "offer was consumed")
}

func TestRowChangeTaker_PushesBackWhenNothingToTake(t *testing.T) {
	tests := []struct {
		name       string
		resolvable bool
		highwater  int64
		expected   int64
	}{
		{"unresolvable partition pushes back -1", false, 7, -1},
		{"already caught up", true, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := &fakePartitions{resolvable: tt.resolvable}
			remote := &fakeRemote{t: t, offer: testVPN, top: 3}
			hw := &memHighwaters{marks: map[model.RingMember]int64{"b": tt.highwater}}
			startTaker(t, parts, remote, hw)

			require.Eventually(t, func() bool {
				_, ok := remote.lastAck()
				return ok
			}, 5*time.Second, 10*time.Millisecond)
			ack, _ := remote.lastAck()
			assert.Equal(t, tt.expected, ack)
			assert.Zero(t, parts.committedCount())
		})
	}
}

func TestRowChangeTaker_IgnoresForeignRings(t *testing.T) {
	foreign := model.NewVersionedPartitionName(model.NewPartitionName(false, []byte("foreign"), []byte("p")), 1)
	parts := &fakePartitions{resolvable: true}
	remote := &fakeRemote{t: t, offer: foreign, top: 3}
	taker := startTaker(t, parts, remote, &memHighwaters{marks: map[model.RingMember]int64{}})

	require.Eventually(t, func() bool {
		_, ok := taker.Receiver("b")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	_, ok := remote.lastAck()
	assert.False(t, ok)
	assert.Zero(t, parts.committedCount())
}
