package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxFrameSize bounds a single reassembled frame.
const DefaultMaxFrameSize = 64 * 1024

var (
	// ErrDesync means the buffered stream no longer starts with Magic.
	// The buffer has been discarded; a later chunk may re-establish sync.
	ErrDesync = errors.New("protocol: stream out of sync")
	// ErrNoHeader means a continuation chunk arrived with no message in progress.
	ErrNoHeader = errors.New("protocol: continuation chunk without header")
	// ErrBufferOverflow means the peer announced or sent more than the frame limit.
	ErrBufferOverflow = errors.New("protocol: frame exceeds buffer limit")
)

// Framing selects how notification chunks are stitched back into frames.
type Framing string

const (
	// FramingStream treats notifications as one continuous byte stream and
	// slices frames out of it by their length field.
	FramingStream Framing = "stream"
	// FramingChunk treats each notification as either a header chunk
	// (3f 23 23 ...) that starts a message or a continuation chunk.
	FramingChunk Framing = "chunk"
)

// Reassembler turns raw notification chunks into complete frames.
// Implementations are not safe for concurrent use.
type Reassembler interface {
	// Feed consumes one notification chunk and returns every frame it
	// completed, in order. A non-nil error reports data that was dropped;
	// frames returned alongside it are still valid.
	Feed(chunk []byte) ([]Frame, error)
	// Reset discards any partial message.
	Reset()
	// Buffered returns the number of bytes held for an incomplete frame.
	Buffered() int
}

// NewReassembler returns a Reassembler for the given framing discipline.
// maxFrame <= 0 selects DefaultMaxFrameSize.
func NewReassembler(framing Framing, maxFrame int) (Reassembler, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	switch framing {
	case FramingStream, "":
		return &StreamReassembler{maxFrame: maxFrame}, nil
	case FramingChunk:
		return &ChunkReassembler{maxFrame: maxFrame}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown framing %q", framing)
	}
}

// StreamReassembler appends every chunk to one growing buffer and extracts as
// many whole frames as the buffer holds after each chunk.
type StreamReassembler struct {
	buf      []byte
	maxFrame int
}

// NewStreamReassembler returns a stream-framing reassembler.
func NewStreamReassembler(maxFrame int) *StreamReassembler {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &StreamReassembler{maxFrame: maxFrame}
}

func (r *StreamReassembler) Feed(chunk []byte) ([]Frame, error) {
	// The report id only precedes the first chunk of a message.
	if len(r.buf) == 0 && isHeaderChunkPrefix(chunk) {
		chunk = chunk[1:]
	}
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for len(r.buf) > 0 {
		if !hasMagicPrefix(r.buf) {
			dropped := len(r.buf)
			r.Reset()
			return frames, fmt.Errorf("%w: dropped %d buffered bytes", ErrDesync, dropped)
		}
		if len(r.buf) < HeaderSize {
			break
		}
		h, err := ParseHeader(r.buf)
		if err != nil {
			r.Reset()
			return frames, fmt.Errorf("%w: %v", ErrDesync, err)
		}
		size := h.FrameSize()
		if size > r.maxFrame || size < HeaderSize {
			r.Reset()
			return frames, fmt.Errorf("%w: announced %d bytes, limit %d", ErrBufferOverflow, uint64(h.Length)+HeaderSize, r.maxFrame)
		}
		if len(r.buf) < size {
			break
		}
		frame := make(Frame, size)
		copy(frame, r.buf[:size])
		frames = append(frames, frame)
		r.buf = r.buf[size:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames, nil
}

func (r *StreamReassembler) Reset() { r.buf = nil }

func (r *StreamReassembler) Buffered() int { return len(r.buf) }

// ChunkReassembler keys messages off header chunks: a header chunk starts a
// new message and records its payload length, continuation chunks are appended
// until that length is reached. Only one message may be in flight.
type ChunkReassembler struct {
	buf      []byte // type + length + payload, magic stripped
	want     int
	started  bool
	maxFrame int
}

// NewChunkReassembler returns a chunk-framing reassembler.
func NewChunkReassembler(maxFrame int) *ChunkReassembler {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &ChunkReassembler{maxFrame: maxFrame}
}

func (r *ChunkReassembler) Feed(chunk []byte) ([]Frame, error) {
	var dropErr error
	if isHeaderChunk(chunk) {
		if r.started {
			dropErr = fmt.Errorf("%w: header chunk interrupted message, dropped %d bytes", ErrDesync, len(r.buf))
		}
		length := binary.BigEndian.Uint32(chunk[5:9])
		if uint64(length)+HeaderSize > uint64(r.maxFrame) {
			r.Reset()
			return nil, fmt.Errorf("%w: announced %d bytes, limit %d", ErrBufferOverflow, uint64(length)+HeaderSize, r.maxFrame)
		}
		r.buf = append(r.buf[:0], chunk[3:]...)
		r.want = int(length)
		r.started = true
	} else {
		if !r.started {
			return nil, fmt.Errorf("%w: dropped %d bytes", ErrNoHeader, len(chunk))
		}
		r.buf = append(r.buf, chunk...)
	}

	if len(r.buf)-typeLengthSize < r.want {
		return nil, dropErr
	}
	frame := make(Frame, HeaderSize+r.want)
	binary.BigEndian.PutUint16(frame[0:2], Magic)
	copy(frame[2:], r.buf[:typeLengthSize+r.want])
	r.Reset()
	return []Frame{frame}, dropErr
}

func (r *ChunkReassembler) Reset() {
	r.buf = nil
	r.want = 0
	r.started = false
}

func (r *ChunkReassembler) Buffered() int { return len(r.buf) }

// isHeaderChunkPrefix reports whether b starts with report id + magic.
func isHeaderChunkPrefix(b []byte) bool {
	return len(b) >= 3 && b[0] == ReportID && b[1] == MagicByte && b[2] == MagicByte
}

// isHeaderChunk reports whether b opens a message in chunk framing: the
// prefix plus a complete type and length field.
func isHeaderChunk(b []byte) bool {
	return len(b) >= 3+typeLengthSize && isHeaderChunkPrefix(b)
}

// hasMagicPrefix checks the first (up to two) bytes of b against Magic.
func hasMagicPrefix(b []byte) bool {
	for i := 0; i < len(b) && i < 2; i++ {
		if b[i] != MagicByte {
			return false
		}
	}
	return true
}

// Compile-time interface checks.
var (
	_ Reassembler = (*StreamReassembler)(nil)
	_ Reassembler = (*ChunkReassembler)(nil)
)
