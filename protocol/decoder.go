package protocol

import (
	"encoding/binary"

	"binrpc/errors"
)

// FrameDecoder splits a byte stream into frames. It is not safe for
// concurrent use; a transport feeds it from its own queue.
type FrameDecoder struct {
	buf          []byte
	maxFrameSize int
}

func NewFrameDecoder(maxFrameSize int) *FrameDecoder {
	return &FrameDecoder{maxFrameSize: maxFrameSize}
}

// Feed appends data and calls emit for every complete frame, in order. The
// frame passed to emit is owned by the callee. A malformed length prefix is
// returned as a protocol error and leaves the decoder unusable.
func (d *FrameDecoder) Feed(data []byte, emit func(frame []byte)) error {
	d.buf = append(d.buf, data...)
	consumed := 0
	for {
		rest := d.buf[consumed:]
		if len(rest) < LengthFieldSize {
			break
		}
		size := int(binary.BigEndian.Uint32(rest))
		if size < MinFrameSize {
			return errors.NewRPCErrorf(errors.ProtocolError, "invalid frame length %d", size)
		}
		if d.maxFrameSize > 0 && size > d.maxFrameSize {
			return errors.NewRPCErrorf(errors.ProtocolError, "frame length %d exceeds maximum %d", size, d.maxFrameSize)
		}
		if len(rest) < size {
			break
		}
		frame := make([]byte, size)
		copy(frame, rest[:size])
		consumed += size
		emit(frame)
	}
	if consumed > 0 {
		remaining := copy(d.buf, d.buf[consumed:])
		d.buf = d.buf[:remaining]
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}
