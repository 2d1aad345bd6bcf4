// Package protocol implements the byte-level framing used by hardware wallets
// speaking the "##" message protocol over BLE: frame headers, hex encoding,
// reassembly of notification chunks and fragmentation of outbound frames.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants.
const (
	// Magic is the two-byte "##" marker that opens every frame.
	Magic uint16 = 0x2323
	// MagicByte is one half of Magic.
	MagicByte byte = 0x23
	// ReportID prefixes USB-HID style reports and the first BLE chunk of a message.
	ReportID byte = 0x3f

	// HeaderSize is magic(2) + type(2) + length(4).
	HeaderSize = 8
	// typeLengthSize is the part of the header that follows the magic.
	typeLengthSize = 6
)

var (
	// ErrShortFrame is returned when fewer than HeaderSize bytes are available.
	ErrShortFrame = errors.New("protocol: frame shorter than header")
	// ErrBadMagic is returned when a frame does not start with Magic.
	ErrBadMagic = errors.New("protocol: bad frame magic")
)

// Header is the fixed eight-byte prefix of a frame.
type Header struct {
	Type   uint16
	Length uint32 // payload bytes following the header
}

// FrameSize returns the total encoded size of the frame this header opens.
func (h Header) FrameSize() int {
	return HeaderSize + int(h.Length)
}

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	if binary.BigEndian.Uint16(b[0:2]) != Magic {
		return Header{}, fmt.Errorf("%w: % x", ErrBadMagic, b[0:2])
	}
	return Header{
		Type:   binary.BigEndian.Uint16(b[2:4]),
		Length: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Frame is one complete protocol message.
type Frame []byte

// Header returns the decoded header of f.
func (f Frame) Header() (Header, error) {
	return ParseHeader(f)
}

// Type returns the message type, or 0 when f is malformed.
func (f Frame) Type() uint16 {
	h, err := ParseHeader(f)
	if err != nil {
		return 0
	}
	return h.Type
}

// Payload returns the bytes following the header, bounded by the length field.
func (f Frame) Payload() []byte {
	h, err := ParseHeader(f)
	if err != nil {
		return nil
	}
	end := h.FrameSize()
	if end > len(f) {
		end = len(f)
	}
	return f[HeaderSize:end]
}

// EncodeFrame builds a frame for the given message type and payload.
func EncodeFrame(msgType uint16, payload []byte) Frame {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}
