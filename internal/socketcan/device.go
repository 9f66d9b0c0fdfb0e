//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd int
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	// the mirror should not see its own writes echoed back
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable own messages: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadMessage blocks for the next classic frame. Error frames are reported
// as errors.
func (d *Device) ReadMessage() (can.Message, error) {
	var buf [MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return can.Message{}, err
	}
	return decodeFrame(buf[:n])
}

func (d *Device) WriteMessage(m can.Message) error {
	var buf [MTU]byte
	encodeFrame(&buf, m)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
