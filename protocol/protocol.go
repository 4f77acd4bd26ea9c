// Package protocol implements the length-prefixed binary frames exchanged by
// client and server invokers.
//
// Every frame starts with a big-endian u32 holding the length of the whole
// frame, prefix included. The correlation id and string lengths are unsigned
// varints.
//
// Request frame:
//
//	┌──────────┬──────────┬────────────────┬────────────────┬──────────────┐
//	│ totalLen │  corrID  │ len │ service  │ len │ signature│  args ...    │
//	│  uint32  │ uvarint  │ uvarint + utf8 │ uvarint + utf8 │ rest of frame│
//	└──────────┴──────────┴────────────────┴────────────────┴──────────────┘
//
// Response frame:
//
//	┌──────────┬──────────┬──────────────────────────────┐
//	│ totalLen │  corrID  │ payload (value or error) ... │
//	└──────────┴──────────┴──────────────────────────────┘
package protocol

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"binrpc/errors"
	"binrpc/message"
)

const (
	// Version is the only protocol version spoken on the wire.
	Version = 1

	LengthFieldSize = 4
	// minimum frame: length prefix and a one byte correlation id
	MinFrameSize = LengthFieldSize + 1
)

// BeginFrame reserves the length prefix of a new frame at the end of buf and
// returns the frame's starting offset, to be passed to EndFrame.
func BeginFrame(buf *bytes.Buffer) int {
	start := buf.Len()
	buf.Write([]byte{0, 0, 0, 0})
	return start
}

// EndFrame patches the length prefix of the frame started at start.
func EndFrame(buf *bytes.Buffer, start int) {
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[start:start+LengthFieldSize], uint32(len(b)-start))
}

func PutUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func PutString(buf *bytes.Buffer, s string) {
	PutUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func ReadUvarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n == 0 {
		return 0, 0, errors.NewRPCError(errors.ProtocolError, "truncated varint")
	}
	if n < 0 {
		return 0, 0, errors.NewRPCError(errors.ProtocolError, "varint overflows 64 bits")
	}
	return v, n, nil
}

func ReadString(data []byte) (string, int, error) {
	l, n, err := ReadUvarint(data)
	if err != nil {
		return "", 0, err
	}
	if l > uint64(len(data)-n) {
		return "", 0, errors.NewRPCErrorf(errors.ProtocolError, "string of length %d exceeds frame", l)
	}
	s := string(data[n : n+int(l)])
	if !utf8.ValidString(s) {
		return "", 0, errors.NewRPCError(errors.ProtocolError, "string is not valid utf-8")
	}
	return s, n + int(l), nil
}

// BeginRequest writes the header of a request frame. The caller appends the
// serialized arguments and then calls EndFrame with the returned offset.
func BeginRequest(buf *bytes.Buffer, correlationID uint64, service string, signature string) int {
	start := BeginFrame(buf)
	PutUvarint(buf, correlationID)
	PutString(buf, service)
	PutString(buf, signature)
	return start
}

// BeginResponse writes the header of a response frame and returns the frame
// start offset and the offset at which the payload begins.
func BeginResponse(buf *bytes.Buffer, correlationID uint64) (start int, payloadOffset int) {
	start = BeginFrame(buf)
	PutUvarint(buf, correlationID)
	return start, buf.Len()
}

// EncodeRequest builds a complete request frame.
func EncodeRequest(req *message.Request) []byte {
	var buf bytes.Buffer
	start := BeginRequest(&buf, req.CorrelationID, req.Service, req.Signature)
	buf.Write(req.Args)
	EndFrame(&buf, start)
	return buf.Bytes()
}

// EncodeResponse builds a complete response frame.
func EncodeResponse(resp *message.Response) []byte {
	var buf bytes.Buffer
	start, _ := BeginResponse(&buf, resp.CorrelationID)
	buf.Write(resp.Payload)
	EndFrame(&buf, start)
	return buf.Bytes()
}

func frameBody(frame []byte) ([]byte, error) {
	if len(frame) < MinFrameSize {
		return nil, errors.NewRPCErrorf(errors.ProtocolError, "frame too short: %d bytes", len(frame))
	}
	total := binary.BigEndian.Uint32(frame)
	if int(total) != len(frame) {
		return nil, errors.NewRPCErrorf(errors.ProtocolError, "frame length %d does not match prefix %d", len(frame), total)
	}
	return frame[LengthFieldSize:], nil
}

// CorrelationID reads only the correlation id of a frame.
func CorrelationID(frame []byte) (uint64, error) {
	body, err := frameBody(frame)
	if err != nil {
		return 0, err
	}
	id, _, err := ReadUvarint(body)
	return id, err
}

// DecodeRequest parses a complete request frame. Args aliases frame.
func DecodeRequest(frame []byte) (*message.Request, error) {
	body, err := frameBody(frame)
	if err != nil {
		return nil, err
	}
	id, n, err := ReadUvarint(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	service, n, err := ReadString(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	signature, n, err := ReadString(body)
	if err != nil {
		return nil, err
	}
	return &message.Request{
		CorrelationID: id,
		Service:       service,
		Signature:     signature,
		Args:          body[n:],
	}, nil
}

// DecodeResponse parses a complete response frame. Payload aliases frame.
func DecodeResponse(frame []byte) (*message.Response, error) {
	body, err := frameBody(frame)
	if err != nil {
		return nil, err
	}
	id, n, err := ReadUvarint(body)
	if err != nil {
		return nil, err
	}
	return &message.Response{CorrelationID: id, Payload: body[n:]}, nil
}
