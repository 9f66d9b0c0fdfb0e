// Package cnl implements the cannelloni TCP framing used by the gateway.
//
// Each message travels as a 4-byte big-endian SocketCAN id (flags included),
// one length byte and the payload. Remote frames carry the requested length
// but no payload bytes.
package cnl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

const maxWire = 4 + 1 + can.MaxLen

var (
	ErrInvalidLength  = errors.New("cannelloni: invalid length")
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	ErrErrorFrame     = errors.New("cannelloni: error frame")
)

// Encode packs msgs into one buffer.
func (c *Codec) Encode(msgs []can.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(msgs) * maxWire)
	_, _ = c.EncodeTo(&buf, msgs)
	return buf.Bytes()
}

// put writes the wire image of m into dst and returns its length.
func put(dst *[maxWire]byte, m *can.Message) int {
	binary.BigEndian.PutUint32(dst[0:4], m.SocketCANID())
	dst[4] = m.Len
	if m.Remote {
		return 5
	}
	return 5 + copy(dst[5:], m.Payload())
}

// EncodeTo writes msgs to w, one Write per message, and returns the bytes
// written.
func (c *Codec) EncodeTo(w io.Writer, msgs []can.Message) (int, error) {
	var total int
	var img [maxWire]byte
	for i := range msgs {
		n, err := w.Write(img[:put(&img, &msgs[i])])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads one message. A clean end of stream before the id returns
// io.EOF; an end inside the message returns ErrTruncatedFrame.
func (c *Codec) Decode(r io.Reader) (can.Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return can.Message{}, c.malformed(ErrTruncatedFrame)
		}
		return can.Message{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			return can.Message{}, c.malformed(ErrTruncatedFrame)
		}
		return can.Message{}, err
	}
	id := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit reserved
	if ln > can.MaxLen {
		return can.Message{}, c.malformed(fmt.Errorf("%w (%d)", ErrInvalidLength, ln))
	}
	if id&can.CAN_ERR_FLAG != 0 {
		return can.Message{}, c.malformed(fmt.Errorf("%w 0x%X", ErrErrorFrame, id))
	}
	if id&can.CAN_RTR_FLAG != 0 {
		m, err := can.FromSocketCAN(id, nil)
		m.Len = uint8(ln)
		return m, err
	}
	var data [can.MaxLen]byte
	if _, err := io.ReadFull(r, data[:ln]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return can.Message{}, c.malformed(ErrTruncatedFrame)
		}
		return can.Message{}, err
	}
	return can.FromSocketCAN(id, data[:ln])
}

func (c *Codec) malformed(err error) error {
	metrics.IncMalformed()
	return fmt.Errorf("cannelloni decode: %w", err)
}

// DecodeN decodes up to max messages (no limit when max <= 0), calling onMsg
// for each. It returns the count and the error that stopped it, which is
// io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error) {
	var n int
	for max <= 0 || n < max {
		m, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onMsg(m)
		n++
	}
	return n, nil
}

// NewReader buffers a connection for DecodeN so that small reads do not each
// hit the socket.
func NewReader(r io.Reader) *bufio.Reader { return bufio.NewReaderSize(r, 64*maxWire) }
