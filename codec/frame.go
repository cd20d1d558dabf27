// Package codec implements the application framing carried inside the
// reliable byte stream, and the length-prefixed binary serialization used to
// build frame bodies.
//
// Frame layout, little-endian:
//
//	size   uint32  body length
//	id     int32   payload type, the dispatch key
//	rpc_id int32   request/response correlation
//	body   [size]byte
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed frame header size.
	HeaderLen = 12

	// HeartbeatID is the reserved frame id of liveness probes.
	HeartbeatID int32 = -1

	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("codec: frame size exceeds limit")
	ErrShortHeader   = errors.New("codec: short frame header")
)

var le = binary.LittleEndian

// Frame is one application message.
type Frame struct {
	ID    int32
	RPCID int32
	Body  []byte
}

// Heartbeat returns the liveness frame.
func Heartbeat() Frame {
	return Frame{ID: HeartbeatID}
}

// IsHeartbeat reports whether f carries the reserved heartbeat id.
func (f Frame) IsHeartbeat() bool {
	return f.ID == HeartbeatID
}

// Size is the encoded length of f including its header.
func (f Frame) Size() int {
	return HeaderLen + len(f.Body)
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("frame{id=%d rpc=%d size=%d}", f.ID, f.RPCID, len(f.Body))
}

// Header is the decoded fixed part of a frame.
type Header struct {
	Size  uint32
	ID    int32
	RPCID int32
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = le.AppendUint32(dst, uint32(len(f.Body)))
	dst = le.AppendUint32(dst, uint32(f.ID))
	dst = le.AppendUint32(dst, uint32(f.RPCID))
	return append(dst, f.Body...)
}

// EncodeFrame returns f in a freshly allocated buffer.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, f.Size()), f)
}

// DecodeHeader reads a frame header from the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}

	return Header{
		Size:  le.Uint32(b[0:4]),
		ID:    int32(le.Uint32(b[4:8])),
		RPCID: int32(le.Uint32(b[8:12])),
	}, nil
}

// NewFrame builds a frame whose body is the serialization of m.
func NewFrame(id, rpcID int32, m Marshaler) Frame {
	w := NewWriter(64)
	m.MarshalBody(w)
	return Frame{ID: id, RPCID: rpcID, Body: w.Bytes()}
}
