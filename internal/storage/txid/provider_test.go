package txid_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/devrev/amza/internal/storage/txid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOrderIDProvider_Increasing(t *testing.T) {
	cases := []struct {
		assertion string
		f         func(*testing.T) txid.OrderIDProvider
	}{
		{
			"memory",
			func(_ *testing.T) txid.OrderIDProvider {
				return txid.NewMemoryProvider()
			},
		},
		{
			"sqlite",
			func(t *testing.T) txid.OrderIDProvider {
				t.Helper()
				p, err := txid.OpenSQLiteProvider(context.Background(),
					filepath.Join(t.TempDir(), "ids.db"), 100, zap.NewNop())
				require.NoError(t, err)
				t.Cleanup(func() { p.Close() })
				return p
			},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			p := c.f(t)
			last := int64(-1)
			for i := 0; i < 1000; i++ {
				id := p.NextID()
				require.Greater(t, id, last)
				last = id
			}
		})
	}
}

func TestSQLiteProvider_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	p, err := txid.OpenSQLiteProvider(context.Background(), path, 10, zap.NewNop())
	require.NoError(t, err)
	var last int64
	for i := 0; i < 25; i++ {
		last = p.NextID()
	}
	require.NoError(t, p.Close())

	p, err = txid.OpenSQLiteProvider(context.Background(), path, 10, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()
	assert.Greater(t, p.NextID(), last)
}

func TestMemoryProvider_Concurrent(t *testing.T) {
	p := txid.NewMemoryProviderFrom(0)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := p.NextID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
	assert.Equal(t, int64(4001), p.NextID())
}
