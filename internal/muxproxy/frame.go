// Package muxproxy implements the multiplexing proxy of spec.md §4.6: one
// physical transport (a unix socket, a pipe pair, stdio, a serial line) is
// split into many logical channels, each carrying one bus connection, so a
// single constrained link can stand in for the direct TCP/gRPC path between
// master and agent.
package muxproxy

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Cmd is the one-byte frame command, spec.md §4.6's CHANNEL_OPEN /
// CHANNEL_DATA / CHANNEL_CLOSE plus the credit-window update this
// implementation adds to make the backpressure scheme concrete.
type Cmd uint8

const (
	CmdOpen Cmd = iota + 1
	CmdData
	CmdClose
	CmdCredit
)

// headerSize is the 12-byte {cmd, channel, count} frame header from
// spec.md §4.6: 1 byte command, 1 byte reserved/padding, 2 bytes channel id,
// 4 bytes reserved, 4 bytes payload length.
const headerSize = 12

// Frame is one unit of the wire protocol: a command, the channel it applies
// to, and an optional payload (CmdData payloads carry bus envelope bytes;
// CmdCredit payloads carry a big-endian uint32 of bytes to add to the
// peer's send window).
type Frame struct {
	Cmd     Cmd
	Channel uint16
	Payload []byte
}

// WriteFrame serializes f to w using the fixed 12-byte header.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [headerSize]byte
	hdr[0] = byte(f.Cmd)
	binary.BigEndian.PutUint16(hdr[2:4], f.Channel)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("muxproxy: write frame header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("muxproxy: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame deserializes one Frame from r, blocking until a full header and
// payload have arrived.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	count := binary.BigEndian.Uint32(hdr[8:12])
	f := Frame{
		Cmd:     Cmd(hdr[0]),
		Channel: binary.BigEndian.Uint16(hdr[2:4]),
	}
	if count == 0 {
		return f, nil
	}
	if count > MaxFramePayload {
		return Frame{}, fmt.Errorf("muxproxy: frame payload %d exceeds max %d", count, MaxFramePayload)
	}
	f.Payload = make([]byte, count)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MaxFramePayload bounds a single data frame so one channel cannot starve
// the others' turn on the shared transport.
const MaxFramePayload = 16 << 10

func encodeCredit(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func decodeCredit(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
