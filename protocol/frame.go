package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// Magic opens every frame.
	Magic uint16 = 0x0A20
	// HeaderSize is the magic plus the u32 body length.
	HeaderSize = 6
	// DefaultMaxFrameSize bounds the body length a Reassembler accepts.
	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrBadMagic      = errors.New("watergate: frame magic does not match")
	ErrFrameTooLarge = errors.New("watergate: frame exceeds maximum size")
)

// AppendFrame appends body to dst framed as
//
//	u16 magic
//	u32 body length
//	... body
func AppendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, Magic)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// Reassembler accumulates stream bytes and cuts them into frame bodies.
// It is not safe for concurrent use.
type Reassembler struct {
	buf          []byte
	maxFrameSize int
}

// NewReassembler returns a Reassembler rejecting bodies above maxFrameSize.
// A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewReassembler(maxFrameSize int) *Reassembler {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reassembler{maxFrameSize: maxFrameSize}
}

// Write appends stream bytes. It never fails.
func (r *Reassembler) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Drain passes every complete body to emit, in stream order, and keeps the
// unconsumed tail starting at the first incomplete frame's header. Bodies
// handed to emit are private copies.
//
// A bad magic or an oversized length poisons the stream; the caller is
// expected to drop the connection.
func (r *Reassembler) Drain(emit func(body []byte)) error {
	var (
		offset = 0
		length = len(r.buf)
	)

	for length-offset >= HeaderSize {
		magic := binary.BigEndian.Uint16(r.buf[offset:])
		if magic != Magic {
			return errors.Wrapf(ErrBadMagic, "got 0x%04x at offset %d", magic, offset)
		}

		size := binary.BigEndian.Uint32(r.buf[offset+2:])
		if uint64(size) > uint64(r.maxFrameSize) {
			return errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", size, r.maxFrameSize)
		}

		end := offset + HeaderSize + int(size)
		if end > length {
			break
		}

		emit(append([]byte(nil), r.buf[offset+HeaderSize:end]...))
		offset = end
	}

	if offset == length {
		r.buf = r.buf[:0]
	} else if offset > 0 {
		r.buf = append(r.buf[:0], r.buf[offset:]...)
	}
	return nil
}
