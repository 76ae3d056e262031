package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/golang/snappy"
)

// Rows stream frames. A stream is any number of row frames followed by either
// an end frame with the trailer or an error frame.
const (
	frameEnd   byte = 0
	frameRow   byte = 1
	frameError byte = 2
)

const (
	maxRowBytes  = 64 << 20
	maxNameBytes = 64 << 10
)

// StreamTrailer closes a rows stream with what the taker needs to finish.
type StreamTrailer struct {
	PartitionVersion int64
	LeadershipToken  int64
	Online           bool
	Highwaters       map[model.RingMember]int64
}

// StreamingTakesProducer writes a snappy framed rows stream.
type StreamingTakesProducer struct {
	w   *snappy.Writer
	hdr [14]byte
}

func NewStreamingTakesProducer(w io.Writer) *StreamingTakesProducer {
	return &StreamingTakesProducer{w: snappy.NewBufferedWriter(w)}
}

// Row writes one row frame: type, txId, length, data.
func (p *StreamingTakesProducer) Row(txID int64, rowType model.RowType, data []byte) error {
	p.hdr[0] = frameRow
	p.hdr[1] = byte(rowType)
	binary.BigEndian.PutUint64(p.hdr[2:], uint64(txID))
	binary.BigEndian.PutUint32(p.hdr[10:], uint32(len(data)))
	if _, err := p.w.Write(p.hdr[:]); err != nil {
		return err
	}
	_, err := p.w.Write(data)
	return err
}

// Fail ends the stream with err's message.
func (p *StreamingTakesProducer) Fail(err error) error {
	msg := err.Error()
	buf := make([]byte, 5, 5+len(msg))
	buf[0] = frameError
	binary.BigEndian.PutUint32(buf[1:], uint32(len(msg)))
	if _, err := p.w.Write(append(buf, msg...)); err != nil {
		return err
	}
	return p.w.Close()
}

// End writes the end frame and the trailer and flushes.
func (p *StreamingTakesProducer) End(t StreamTrailer) error {
	buf := make([]byte, 0, 22+len(t.Highwaters)*24)
	buf = append(buf, frameEnd)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.PartitionVersion))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.LeadershipToken))
	if t.Online {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Highwaters)))
	for member, txID := range t.Highwaters {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(member)))
		buf = append(buf, member...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(txID))
	}
	if _, err := p.w.Write(buf); err != nil {
		return err
	}
	return p.w.Close()
}

// Flush pushes buffered frames to the underlying writer.
func (p *StreamingTakesProducer) Flush() error {
	return p.w.Flush()
}

// RemoteStreamError is a failure the serving member reported in-stream.
type RemoteStreamError struct {
	Message string
}

func (e *RemoteStreamError) Error() string {
	return "remote rows stream failed: " + e.Message
}

// StreamingTakesConsumer reads a rows stream written by StreamingTakesProducer.
type StreamingTakesConsumer struct {
	r *bufio.Reader
}

func NewStreamingTakesConsumer(r io.Reader) *StreamingTakesConsumer {
	return &StreamingTakesConsumer{r: bufio.NewReader(snappy.NewReader(r))}
}

// Consume hands every row to fn and returns the trailer. Rows of unknown type
// are skipped. A stream cut before its end frame is an unexpected EOF.
func (c *StreamingTakesConsumer) Consume(fn func(txID int64, rowType model.RowType, data []byte) error) (StreamTrailer, error) {
	var hdr [13]byte
	for {
		frame, err := c.r.ReadByte()
		if err != nil {
			return StreamTrailer{}, unexpected(err)
		}
		switch frame {
		case frameRow:
			if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
				return StreamTrailer{}, unexpected(err)
			}
			txID := int64(binary.BigEndian.Uint64(hdr[1:]))
			n := binary.BigEndian.Uint32(hdr[9:])
			if n > maxRowBytes {
				return StreamTrailer{}, amzaerrors.CorruptedData(fmt.Sprintf("row of %d bytes in rows stream", n), nil)
			}
			data := make([]byte, n)
			if _, err := io.ReadFull(c.r, data); err != nil {
				return StreamTrailer{}, unexpected(err)
			}
			rowType, ok := model.RowTypeFromByte(hdr[0])
			if !ok {
				continue
			}
			if err := fn(txID, rowType, data); err != nil {
				return StreamTrailer{}, err
			}
		case frameError:
			msg, err := c.readPrefixed32()
			if err != nil {
				return StreamTrailer{}, err
			}
			return StreamTrailer{}, &RemoteStreamError{Message: string(msg)}
		case frameEnd:
			return c.readTrailer()
		default:
			return StreamTrailer{}, amzaerrors.CorruptedData(fmt.Sprintf("unknown rows stream frame %d", frame), nil)
		}
	}
}

func (c *StreamingTakesConsumer) readPrefixed32() ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(c.r, n[:]); err != nil {
		return nil, unexpected(err)
	}
	size := binary.BigEndian.Uint32(n[:])
	if size > maxRowBytes {
		return nil, amzaerrors.CorruptedData(fmt.Sprintf("frame of %d bytes in rows stream", size), nil)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

func (c *StreamingTakesConsumer) readTrailer() (StreamTrailer, error) {
	var fixed [21]byte
	if _, err := io.ReadFull(c.r, fixed[:]); err != nil {
		return StreamTrailer{}, unexpected(err)
	}
	t := StreamTrailer{
		PartitionVersion: int64(binary.BigEndian.Uint64(fixed[0:])),
		LeadershipToken:  int64(binary.BigEndian.Uint64(fixed[8:])),
		Online:           fixed[16] == 1,
	}
	count := binary.BigEndian.Uint32(fixed[17:])
	t.Highwaters = make(map[model.RingMember]int64, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		var n [2]byte
		if _, err := io.ReadFull(c.r, n[:]); err != nil {
			return StreamTrailer{}, unexpected(err)
		}
		member := make([]byte, binary.BigEndian.Uint16(n[:]))
		if _, err := io.ReadFull(c.r, member); err != nil {
			return StreamTrailer{}, unexpected(err)
		}
		var tx [8]byte
		if _, err := io.ReadFull(c.r, tx[:]); err != nil {
			return StreamTrailer{}, unexpected(err)
		}
		t.Highwaters[model.RingMemberFromBytes(member)] = int64(binary.BigEndian.Uint64(tx[:]))
	}
	return t, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteAvailable writes one offered (partition, txId) pair of an available
// rows stream.
func WriteAvailable(w io.Writer, vpn model.VersionedPartitionName, txID int64) error {
	name := vpn.ToBytes()
	buf := make([]byte, 0, 12+len(name))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(txID))
	_, err := w.Write(buf)
	return err
}

// WritePing writes a zero length partition name, which keeps an idle available
// rows stream alive.
func WritePing(w io.Writer) error {
	var zero [4]byte
	_, err := w.Write(zero[:])
	return err
}

// ConsumeAvailableStream reads an available rows stream until the server
// closes it. ping may be nil.
func ConsumeAvailableStream(r io.Reader, offer func(vpn model.VersionedPartitionName, txID int64) error, ping func() error) error {
	br := bufio.NewReader(r)
	var n [4]byte
	for {
		if _, err := io.ReadFull(br, n[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(n[:])
		if size == 0 {
			if ping != nil {
				if err := ping(); err != nil {
					return err
				}
			}
			continue
		}
		if size > maxNameBytes {
			return amzaerrors.CorruptedData(fmt.Sprintf("partition name of %d bytes in available rows stream", size), nil)
		}
		name := make([]byte, size+8)
		if _, err := io.ReadFull(br, name); err != nil {
			return unexpected(err)
		}
		vpn, err := model.VersionedPartitionNameFromBytes(name[:size])
		if err != nil {
			return amzaerrors.CorruptedData("bad partition name in available rows stream", err)
		}
		if err := offer(vpn, int64(binary.BigEndian.Uint64(name[size:]))); err != nil {
			return err
		}
	}
}
