package transport

import (
	"io"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/cnl"
)

// MultiMessageDecoder drains several messages from a stream.
type MultiMessageDecoder interface {
	DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error)
}

// BatchEncoder writes message batches to a stream.
type BatchEncoder interface {
	Encode([]can.Message) []byte
	EncodeTo(w io.Writer, msgs []can.Message) (int, error)
}

// StreamCodec is what a TCP session needs in both directions.
type StreamCodec interface {
	MultiMessageDecoder
	BatchEncoder
}

// Sink is a CAN transmission target.
type Sink interface {
	Enqueue(can.Message) error
}

var (
	_ StreamCodec = (*cnl.Codec)(nil)
	_ Sink        = (*AsyncTx)(nil)
)
