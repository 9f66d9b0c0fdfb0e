package mcp2515

import (
	"fmt"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

// EncodeFrame packs m into the transmit buffer layout
// SIDH SIDL EID8 EID0 DLC D0..D7 and returns the number of bytes written.
// Remote frames carry the requested length in DLC; their data bytes are
// clocked as zeros so the image is always header plus Len.
//
// Standard:  SIDH = id[10:3], SIDL = id[2:0]<<5.
// Extended:  SIDH = id[28:21], SIDL = id[20:18]<<5 | EXIDE | id[17:16],
// EID8 = id[15:8], EID0 = id[7:0].
func EncodeFrame(dst []byte, m can.Message) (int, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	n := headerLen + int(m.Len)
	if len(dst) < n {
		return 0, fmt.Errorf("mcp2515: encode buffer too small (%d < %d)", len(dst), n)
	}
	if m.Extended {
		dst[0] = byte(m.ID >> 21)
		dst[1] = byte(m.ID>>13)&0xE0 | sidlEXIDE | byte(m.ID>>16)&0x03
		dst[2] = byte(m.ID >> 8)
		dst[3] = byte(m.ID)
	} else {
		dst[0] = byte(m.ID >> 3)
		dst[1] = byte(m.ID << 5)
		dst[2] = 0x00
		dst[3] = 0x00
	}
	dst[4] = m.Len & dlcMask
	if m.Remote {
		dst[4] |= dlcRTR
	}
	if m.Remote {
		clear(dst[headerLen:n])
	} else {
		copy(dst[headerLen:n], m.Data[:m.Len])
	}
	return n, nil
}

// DecodeHeader fills identifier, flags and length of m from a receive buffer
// header. Remote is set by SRR (standard frames only) or RTR in the DLC byte. The
// four-bit length is capped at 8, the buffer's data capacity. A remote frame
// keeps its requested length. For remote and empty frames the payload is
// cleared since no data will be fetched.
func DecodeHeader(hdr []byte, m *can.Message) {
	sidh, sidl, eid8, eid0, dlc := hdr[0], hdr[1], hdr[2], hdr[3], hdr[4]
	m.Extended = sidl&sidlEXIDE != 0
	m.Remote = (!m.Extended && sidl&sidlSRR != 0) || dlc&dlcRTR != 0
	if m.Extended {
		m.ID = uint32(sidh)<<21 |
			uint32(sidl&0xE0)<<13 |
			uint32(sidl&0x03)<<16 |
			uint32(eid8)<<8 |
			uint32(eid0)
	} else {
		m.ID = uint32(sidh)<<3 | uint32(sidl)>>5
	}
	m.Len = dlc & dlcMask
	if m.Len > can.MaxLen {
		m.Len = can.MaxLen
	}
	if m.Len == 0 || m.Remote {
		m.Data = [can.MaxLen]byte{}
	}
}

// DecodeFrame is the inverse of EncodeFrame for a full header+payload image.
func DecodeFrame(src []byte) (can.Message, error) {
	var m can.Message
	if len(src) < headerLen {
		return m, fmt.Errorf("mcp2515: short frame (%d bytes)", len(src))
	}
	DecodeHeader(src[:headerLen], &m)
	if m.Remote {
		return m, nil
	}
	if len(src) < headerLen+int(m.Len) {
		return m, fmt.Errorf("mcp2515: truncated payload (%d < %d)", len(src)-headerLen, m.Len)
	}
	copy(m.Data[:], src[headerLen:headerLen+int(m.Len)])
	return m, nil
}
