package highwater_test

import (
	"path/filepath"
	"testing"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/storage/highwater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	vpnA = model.NewVersionedPartitionName(model.NewPartitionName(false, []byte("r"), []byte("a")), 1)
	vpnB = model.NewVersionedPartitionName(model.NewPartitionName(false, []byte("r"), []byte("b")), 1)
)

func TestStorage_SetIfLarger(t *testing.T) {
	s, err := highwater.Open(filepath.Join(t.TempDir(), "hw.db"), 0, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	txID, err := s.Get("m1", vpnA)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), txID)

	tests := []struct {
		name     string
		txID     int64
		changed  bool
		expected int64
	}{
		{"first", 10, true, 10},
		{"smaller", 5, false, 10},
		{"equal", 10, false, 10},
		{"larger", 11, true, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := s.SetIfLarger("m1", vpnA, 1, tt.txID)
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)
			got, err := s.Get("m1", vpnA)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStorage_FlushAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hw.db")
	s, err := highwater.Open(path, 3, zap.NewNop())
	require.NoError(t, err)

	_, err = s.SetIfLarger("m1", vpnA, 1, 7)
	require.NoError(t, err)
	_, err = s.SetIfLarger("m2", vpnA, 1, 8)
	require.NoError(t, err)
	_, err = s.SetIfLarger("m1", vpnB, 1, 9)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = highwater.Open(path, 3, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	for _, tc := range []struct {
		member   model.RingMember
		vpn      model.VersionedPartitionName
		expected int64
	}{
		{"m1", vpnA, 7},
		{"m2", vpnA, 8},
		{"m1", vpnB, 9},
	} {
		got, err := s.Get(tc.member, tc.vpn)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, got)
	}

	require.NoError(t, s.Clear(vpnA))
	got, err := s.Get("m1", vpnA)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)
	got, err = s.Get("m1", vpnB)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)
}
