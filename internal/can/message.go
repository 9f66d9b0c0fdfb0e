package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload capacity.
const MaxLen = 8

var (
	ErrInvalidID     = errors.New("can: identifier out of range")
	ErrInvalidLength = errors.New("can: invalid data length")
)

// Message is a classic CAN 2.0A/2.0B frame as seen by the controller.
// Only the first Len bytes of Data are meaningful.
type Message struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Extended bool
	Remote   bool
	Len      uint8
	Data     [MaxLen]byte
}

// New builds a data frame; the identifier space is chosen by ext.
func New(id uint32, ext bool, data ...byte) (Message, error) {
	m := Message{ID: id, Extended: ext}
	if len(data) > MaxLen {
		return m, fmt.Errorf("%w: %d", ErrInvalidLength, len(data))
	}
	m.Len = uint8(len(data))
	copy(m.Data[:], data)
	return m, m.Validate()
}

// Validate rejects payload lengths above 8 and identifiers that do not fit
// the addressed space.
func (m Message) Validate() error {
	if m.Len > MaxLen {
		return fmt.Errorf("%w: %d", ErrInvalidLength, m.Len)
	}
	limit := uint32(CAN_SFF_MASK)
	if m.Extended {
		limit = CAN_EFF_MASK
	}
	if m.ID > limit {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, m.ID)
	}
	return nil
}

// Payload returns the valid bytes of Data.
func (m *Message) Payload() []byte {
	n := m.Len
	if n > MaxLen {
		n = MaxLen
	}
	return m.Data[:n]
}

// Equal compares identifier, flags, length and the valid payload bytes.
// Remote frames carry no payload, so only their requested length counts.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.Extended != o.Extended || m.Remote != o.Remote || m.Len != o.Len {
		return false
	}
	if m.Remote {
		return true
	}
	return string(m.Payload()) == string(o.Payload())
}

// SocketCANID packs identifier and flags the way struct can_frame does.
func (m Message) SocketCANID() uint32 {
	id := m.ID
	if m.Extended {
		id = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		id &= CAN_SFF_MASK
	}
	if m.Remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromSocketCAN is the inverse of SocketCANID. Error frames are rejected.
func FromSocketCAN(canID uint32, data []byte) (Message, error) {
	var m Message
	if canID&CAN_ERR_FLAG != 0 {
		return m, fmt.Errorf("can: error frame 0x%X", canID)
	}
	m.Extended = canID&CAN_EFF_FLAG != 0
	m.Remote = canID&CAN_RTR_FLAG != 0
	if m.Extended {
		m.ID = canID & CAN_EFF_MASK
	} else {
		m.ID = canID & CAN_SFF_MASK
	}
	if len(data) > MaxLen {
		return m, fmt.Errorf("%w: %d", ErrInvalidLength, len(data))
	}
	m.Len = uint8(len(data))
	copy(m.Data[:], data)
	return m, nil
}

func (m Message) String() string {
	kind := "std"
	if m.Extended {
		kind = "ext"
	}
	if m.Remote {
		return fmt.Sprintf("%s 0x%X R len=%d", kind, m.ID, m.Len)
	}
	return fmt.Sprintf("%s 0x%X [%d] % X", kind, m.ID, m.Len, m.Payload())
}
