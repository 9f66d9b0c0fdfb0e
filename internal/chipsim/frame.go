package chipsim

import "github.com/kstaniek/go-mcp2515-gateway/internal/can"

// encode lays m out as SIDH SIDL EID8 EID0 DLC D0..D7.
func encode(m can.Message) [bufLen]byte {
	var img [bufLen]byte
	if m.Extended {
		img[0] = byte(m.ID >> 21)
		img[1] = byte(m.ID>>13)&0xE0 | sidlIDE | byte(m.ID>>16)&0x03
		img[2] = byte(m.ID >> 8)
		img[3] = byte(m.ID)
	} else {
		img[0] = byte(m.ID >> 3)
		img[1] = byte(m.ID << 5)
	}
	img[4] = m.Len & 0x0F
	if m.Remote {
		img[4] |= dlcRTR
	}
	copy(img[5:], m.Data[:m.Len])
	return img
}

// decode reads a transmit buffer image.
func decode(img []byte) can.Message {
	var m can.Message
	sidl := img[1]
	m.Extended = sidl&sidlIDE != 0
	if m.Extended {
		m.ID = uint32(img[0])<<21 | uint32(sidl&0xE0)<<13 | uint32(sidl&0x03)<<16 |
			uint32(img[2])<<8 | uint32(img[3])
	} else {
		m.ID = uint32(img[0])<<3 | uint32(sidl)>>5
	}
	m.Remote = img[4]&dlcRTR != 0
	m.Len = img[4] & 0x0F
	if m.Len > can.MaxLen {
		m.Len = can.MaxLen
	}
	if m.Remote {
		return m
	}
	copy(m.Data[:], img[5:5+int(m.Len)])
	return m
}
