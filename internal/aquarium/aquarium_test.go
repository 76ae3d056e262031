package aquarium_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/amza/internal/aquarium"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/txid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const lease = 10 * time.Second

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type cluster struct {
	clock     *fakeClock
	aquariums map[model.RingMember]*aquarium.Aquarium
	members   []model.RingMember
}

func newCluster(members ...model.RingMember) *cluster {
	c := &cluster{
		clock:     &fakeClock{t: time.Unix(1_700_000_000, 0)},
		aquariums: make(map[model.RingMember]*aquarium.Aquarium),
		members:   members,
	}
	states := aquarium.NewMemoryStateStorage()
	lively := aquarium.NewMemoryLivelinessStorage()
	versions := txid.NewMemoryProviderFrom(0)
	for _, m := range members {
		l := aquarium.NewLiveliness(m, lively, lease).WithClock(c.clock.Now)
		c.aquariums[m] = aquarium.New(m, func() []model.RingMember { return members }, states, l, versions, zap.NewNop())
	}
	return c
}

func (c *cluster) tap(t *testing.T, members ...model.RingMember) {
	t.Helper()
	for _, m := range members {
		require.NoError(t, c.aquariums[m].TapTheGlass())
	}
}

// settle taps members in order until each has a lively end state.
func (c *cluster) settle(t *testing.T, members ...model.RingMember) map[model.RingMember]*aquarium.Waterline {
	t.Helper()
	for round := 0; round < 50; round++ {
		c.tap(t, members...)
		ends := make(map[model.RingMember]*aquarium.Waterline)
		for _, m := range members {
			w, err := c.aquariums[m].LivelyEndState()
			require.NoError(t, err)
			if w != nil {
				ends[m] = w
			}
		}
		if len(ends) == len(members) {
			return ends
		}
	}
	t.Fatalf("members %v did not settle", members)
	return nil
}

func leaders(ends map[model.RingMember]*aquarium.Waterline) []model.RingMember {
	var out []model.RingMember
	for m, w := range ends {
		if w.State == aquarium.Leader {
			out = append(out, m)
		}
	}
	return out
}

func TestAquarium_ElectsOneLeader(t *testing.T) {
	c := newCluster("a", "b", "c")
	ends := c.settle(t, "a", "b", "c")

	elected := leaders(ends)
	require.Len(t, elected, 1)
	for m, w := range ends {
		if m != elected[0] {
			assert.Equal(t, aquarium.Follower, w.State)
		}
	}
	for _, m := range c.members {
		l, err := c.aquariums[m].GetLeader()
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, elected[0], l.Member)
	}

	// settled members stay put
	before, err := c.aquariums["b"].GetState("b")
	require.NoError(t, err)
	c.tap(t, "a", "b", "c")
	after, err := c.aquariums["b"].GetState("b")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestAquarium_SingleMember(t *testing.T) {
	c := newCluster("solo")
	ends := c.settle(t, "solo")
	assert.Equal(t, aquarium.Leader, ends["solo"].State)
}

func TestAquarium_LeaderFailover(t *testing.T) {
	c := newCluster("a", "b", "c")
	old := leaders(c.settle(t, "a", "b", "c"))
	require.Len(t, old, 1)

	var survivors []model.RingMember
	for _, m := range c.members {
		if m != old[0] {
			survivors = append(survivors, m)
		}
	}
	c.clock.Advance(2 * lease)
	ends := c.settle(t, survivors...)
	elected := leaders(ends)
	require.Len(t, elected, 1)
	assert.NotEqual(t, old[0], elected[0])
}

func TestAquarium_LivelyEndStateConditions(t *testing.T) {
	c := newCluster("a", "b", "c")
	c.settle(t, "a", "b", "c")
	a := c.aquariums["a"]

	t.Run("expired lease", func(t *testing.T) {
		c.clock.Advance(2 * lease)
		w, err := a.LivelyEndState()
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("renewed lease", func(t *testing.T) {
		c.settle(t, "a", "b", "c")
		w, err := a.LivelyEndState()
		require.NoError(t, err)
		assert.NotNil(t, w)
	})

	t.Run("back to bootstrap", func(t *testing.T) {
		require.NoError(t, a.MarkAsBootstrap())
		w, err := a.LivelyEndState()
		require.NoError(t, err)
		assert.Nil(t, w)
		cur, _, err := a.InspectState("a")
		require.NoError(t, err)
		assert.Equal(t, aquarium.Bootstrap, cur.State)
		assert.False(t, cur.AtQuorum)
	})
}

func TestAquarium_ExpungeIsTerminal(t *testing.T) {
	c := newCluster("a", "b", "c")
	ends := c.settle(t, "a", "b", "c")
	var follower model.RingMember
	for m, w := range ends {
		if w.State == aquarium.Follower {
			follower = m
			break
		}
	}
	require.NotEmpty(t, follower)

	var other model.RingMember
	for _, m := range c.members {
		if m != follower {
			other = m
			break
		}
	}
	require.NoError(t, c.aquariums[other].Expunge(follower))
	c.tap(t, c.members...)

	state, err := c.aquariums[other].GetState(follower)
	require.NoError(t, err)
	assert.Equal(t, aquarium.Expunged, state.State)
	w, err := c.aquariums[follower].LivelyEndState()
	require.NoError(t, err)
	assert.Nil(t, w)

	c.tap(t, c.members...)
	state, err = c.aquariums[follower].GetState(follower)
	require.NoError(t, err)
	assert.Equal(t, aquarium.Expunged, state.State)
}

func TestAquarium_AwaitLivelyEndState(t *testing.T) {
	c := newCluster("a")
	a := c.aquariums["a"]

	w, err := a.AwaitLivelyEndState(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, w, "nothing settles without taps")

	done := make(chan *aquarium.Waterline, 1)
	go func() {
		w, _ := a.AwaitLivelyEndState(context.Background(), 5*time.Second)
		done <- w
	}()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.TapTheGlass())
	}
	select {
	case w := <-done:
		require.NotNil(t, w)
		assert.Equal(t, aquarium.Leader, w.State)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.MarkAsBootstrap())
	_, err = a.AwaitLivelyEndState(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateFromByte(t *testing.T) {
	tests := []struct {
		in   byte
		want aquarium.State
		ok   bool
	}{
		{1, aquarium.Bootstrap, true},
		{4, aquarium.Leader, true},
		{7, aquarium.Expunged, true},
		{0, 0, false},
		{8, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			s, ok := aquarium.StateFromByte(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, s)
		})
	}
}
