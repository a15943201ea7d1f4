// Package can opens a raw SocketCAN interface and reads frames.
//
// Failure contract:
//   - Open fails fast if the interface cannot be resolved or bound.
//   - LinkState reports "up" while the interface name still resolves and
//     "down" once it does not; it does not read the link's up/down flag
//     and never reports "unknown".
//   - Read classifies ENETDOWN/ENODEV as ErrLinkDown so callers can
//     tell "link went away" apart from "nothing arrived before timeout".
package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLinkDown indicates the CAN interface's link state dropped.
var ErrLinkDown = errors.New("can: link down")

// ErrTimeout indicates no frame arrived within the requested timeout.
var ErrTimeout = errors.New("can: read timeout")

// frameSize is sizeof(struct can_frame): 4-byte ID + 1 len + 3 pad + 8 data.
const frameSize = 16

// Frame is one decoded SocketCAN frame.
type Frame struct {
	ID      uint32
	Payload []byte
}

// Reader wraps a bound SocketCAN raw socket on a named interface (e.g.
// "can0").
type Reader struct {
	fd        int
	ifaceName string
}

// Open binds a raw CAN socket to ifaceName.
func Open(ifaceName string) (*Reader, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("can: socket: %w", err)
	}
	idx, err := unix.IfNameToIndex(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("can: resolve interface %s: %w", ifaceName, err)
	}
	addr := &unix.SockaddrCAN{Ifindex: idx}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("can: bind %s: %w", ifaceName, err)
	}
	return &Reader{fd: fd, ifaceName: ifaceName}, nil
}

// Close releases the underlying socket.
func (r *Reader) Close() error {
	return unix.Close(r.fd)
}

// LinkState reports "up" if the bound interface's name resolves, "down"
// otherwise.
func (r *Reader) LinkState() string {
	if _, err := unix.IfNameToIndex(r.ifaceName); err != nil {
		return "down"
	}
	return "up"
}

// Read blocks for up to timeout for one frame. Returns ErrTimeout if none
// arrives, or ErrLinkDown if the socket reports the interface has gone
// away.
func (r *Reader) Read(timeout time.Duration) (Frame, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(r.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return Frame{}, fmt.Errorf("can: set read timeout: %w", err)
	}

	buf := make([]byte, frameSize)
	n, err := unix.Read(r.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Frame{}, ErrTimeout
		}
		if errors.Is(err, unix.ENETDOWN) || errors.Is(err, unix.ENODEV) {
			return Frame{}, ErrLinkDown
		}
		return Frame{}, fmt.Errorf("can: read: %w", err)
	}
	if n < frameSize {
		return Frame{}, fmt.Errorf("can: short frame (%d bytes)", n)
	}

	id := binary.LittleEndian.Uint32(buf[0:4]) & unix.CAN_SFF_MASK
	length := buf[4]
	if int(length) > 8 {
		length = 8
	}
	payload := make([]byte, length)
	copy(payload, buf[8:8+length])

	return Frame{ID: id, Payload: payload}, nil
}
