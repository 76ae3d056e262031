package transport_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVPN = model.NewVersionedPartitionName(model.NewPartitionName(false, []byte("ring"), []byte("p")), 7)

type takenRow struct {
	txID    int64
	rowType model.RowType
	data    string
}

func TestStreamingTakes_RowsAndTrailer(t *testing.T) {
	var buf bytes.Buffer
	p := transport.NewStreamingTakesProducer(&buf)
	require.NoError(t, p.Row(1, model.RowPrimary, []byte("a")))
	require.NoError(t, p.Row(1, model.RowHighwater, []byte("hw")))
	require.NoError(t, p.Row(2, model.RowType(9), []byte("unknown")))
	require.NoError(t, p.Row(3, model.RowPrimary, nil))
	require.NoError(t, p.End(transport.StreamTrailer{
		PartitionVersion: 7,
		LeadershipToken:  42,
		Online:           true,
		Highwaters:       map[model.RingMember]int64{"b": 3, "c": 1},
	}))

	var rows []takenRow
	trailer, err := transport.NewStreamingTakesConsumer(&buf).Consume(func(txID int64, rowType model.RowType, data []byte) error {
		rows = append(rows, takenRow{txID, rowType, string(data)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []takenRow{
		{1, model.RowPrimary, "a"},
		{1, model.RowHighwater, "hw"},
		{3, model.RowPrimary, ""},
	}, rows, "unknown row types are skipped")
	assert.Equal(t, int64(7), trailer.PartitionVersion)
	assert.Equal(t, int64(42), trailer.LeadershipToken)
	assert.True(t, trailer.Online)
	assert.Equal(t, map[model.RingMember]int64{"b": 3, "c": 1}, trailer.Highwaters)
}

func TestStreamingTakes_Failures(t *testing.T) {
	tests := []struct {
		name  string
		write func(p *transport.StreamingTakesProducer) error
		check func(t *testing.T, err error)
	}{
		{
			name: "remote failure after rows",
			write: func(p *transport.StreamingTakesProducer) error {
				if err := p.Row(1, model.RowPrimary, []byte("a")); err != nil {
					return err
				}
				return p.Fail(errors.New("disk on fire"))
			},
			check: func(t *testing.T, err error) {
				var remote *transport.RemoteStreamError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, "disk on fire", remote.Message)
			},
		},
		{
			name: "stream cut before its end",
			write: func(p *transport.StreamingTakesProducer) error {
				if err := p.Row(1, model.RowPrimary, []byte("a")); err != nil {
					return err
				}
				return p.Flush()
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.write(transport.NewStreamingTakesProducer(&buf)))
			rows := 0
			_, err := transport.NewStreamingTakesConsumer(&buf).Consume(func(int64, model.RowType, []byte) error {
				rows++
				return nil
			})
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, 1, rows)
		})
	}
}

func TestStreamingTakes_ConsumerErrorStops(t *testing.T) {
	var buf bytes.Buffer
	p := transport.NewStreamingTakesProducer(&buf)
	for tx := int64(1); tx <= 3; tx++ {
		require.NoError(t, p.Row(tx, model.RowPrimary, []byte("x")))
	}
	require.NoError(t, p.End(transport.StreamTrailer{PartitionVersion: 1}))

	stop := errors.New("stop")
	seen := 0
	_, err := transport.NewStreamingTakesConsumer(&buf).Consume(func(int64, model.RowType, []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestAvailableStream(t *testing.T) {
	other := model.NewVersionedPartitionName(model.NewPartitionName(true, []byte("system"), []byte("idx")), 0)

	var buf bytes.Buffer
	require.NoError(t, transport.WriteAvailable(&buf, testVPN, 11))
	require.NoError(t, transport.WritePing(&buf))
	require.NoError(t, transport.WriteAvailable(&buf, other, 3))
	require.NoError(t, transport.WritePing(&buf))

	offers := map[model.VersionedPartitionName]int64{}
	pings := 0
	err := transport.ConsumeAvailableStream(&buf, func(vpn model.VersionedPartitionName, txID int64) error {
		offers[vpn] = txID
		return nil
	}, func() error {
		pings++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[model.VersionedPartitionName]int64{testVPN: 11, other: 3}, offers)
	assert.Equal(t, 2, pings)
}

func TestAvailableStream_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, transport.WriteAvailable(&buf, testVPN, 11))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	err := transport.ConsumeAvailableStream(truncated, func(model.VersionedPartitionName, int64) error {
		return nil
	}, nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSegments(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, "-"},
		{"ascii", []byte("key"), "a2V5"},
		{"binary with slash", []byte{0xff, '/', 0}, "_y8A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := transport.EncodeSegment(tt.in)
			assert.Equal(t, tt.want, s)
			got, err := transport.DecodeSegment(s)
			require.NoError(t, err)
			assert.Equal(t, tt.in, got)
		})
	}
}
