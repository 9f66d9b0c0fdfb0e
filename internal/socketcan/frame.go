package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

// MTU is sizeof(struct can_frame).
const MTU = 16

// struct can_frame (linux/can.h), fields in host byte order:
//
//	can_id  u32  [0:4]  EFF/RTR/ERR flags in the top bits
//	len     u8   [4]
//	pad     3B   [5:8]
//	data    8B   [8:16]
func encodeFrame(buf *[MTU]byte, m can.Message) {
	*buf = [MTU]byte{}
	binary.NativeEndian.PutUint32(buf[0:4], m.SocketCANID())
	buf[4] = m.Len
	if !m.Remote {
		copy(buf[8:], m.Payload())
	}
}

func decodeFrame(buf []byte) (can.Message, error) {
	if len(buf) != MTU {
		return can.Message{}, &frameError{fmt.Errorf("socketcan: short frame: %d", len(buf))}
	}
	id := binary.NativeEndian.Uint32(buf[0:4])
	n := buf[4]
	if n > can.MaxLen {
		n = can.MaxLen
	}
	var m can.Message
	var err error
	if id&can.CAN_RTR_FLAG != 0 {
		m, err = can.FromSocketCAN(id, nil)
		m.Len = n
	} else {
		m, err = can.FromSocketCAN(id, buf[8:8+n])
	}
	if err != nil {
		return m, &frameError{err}
	}
	return m, nil
}
