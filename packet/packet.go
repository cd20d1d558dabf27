// Package packet encodes and classifies the UDP datagrams exchanged between
// client and server. Every datagram starts with a little-endian int32
// session id whose sign selects the datagram kind:
//
//	session == 0   handshake     int32 session | uint32 conv          (8+ bytes)
//	session  > 0   data          int32 session | KCP segment
//	session  < 0   teardown      int32 -session | uint32 conv         (8 bytes)
//
// A handshake request carries zeros in both fields. A reply carries the
// granted session and conv, or zeros to deny the request.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PrefixLen is the session id prefix carried by every datagram.
	PrefixLen = 4

	// HandshakeLen is the exact size of handshake and teardown datagrams.
	HandshakeLen = 8
)

var (
	ErrShortDatagram    = errors.New("packet: datagram shorter than session prefix")
	ErrBadHandshakeSize = errors.New("packet: handshake datagram shorter than 8 bytes")
	ErrBadReplySize     = errors.New("packet: handshake reply must be 8 bytes")
	ErrShortTeardown    = errors.New("packet: teardown datagram missing conv")
	ErrShortSegment     = errors.New("packet: data datagram missing conv")
)

var le = binary.LittleEndian

// Kind discriminates the datagram types.
type Kind int

const (
	KindHandshake Kind = iota
	KindData
	KindTeardown
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindData:
		return "data"
	case KindTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Datagram is a classified inbound datagram.
type Datagram struct {
	Kind Kind
	// Session is always the magnitude; Kind carries the sign.
	Session int32
	// Conv is the handshake or teardown conv, or the conv read from the
	// KCP segment header for data datagrams.
	Conv uint32
	// Payload is the KCP segment of a data datagram. It aliases the input.
	Payload []byte
}

// IsRequest reports whether d is a handshake request.
func (d Datagram) IsRequest() bool {
	return d.Kind == KindHandshake && d.Session == 0 && d.Conv == 0
}

// IsGrant reports whether d is a handshake reply granting a connection.
func (d Datagram) IsGrant() bool {
	return d.Kind == KindHandshake && d.Session > 0 && d.Conv != 0
}

// Parse classifies b.
//
// Parameters:
//   - b: The raw datagram
//
// Returns:
//   - The classified datagram, or an error when b is too short for its kind
func Parse(b []byte) (Datagram, error) {
	if len(b) < PrefixLen {
		return Datagram{}, ErrShortDatagram
	}

	session := int32(le.Uint32(b))
	switch {
	case session == 0:
		// Bytes past the 8-byte handshake are ignored.
		if len(b) < HandshakeLen {
			return Datagram{}, ErrBadHandshakeSize
		}
		return Datagram{Kind: KindHandshake, Conv: le.Uint32(b[PrefixLen:])}, nil

	case session > 0:
		// The first field of a KCP segment is its conv.
		if len(b) < PrefixLen+4 {
			return Datagram{}, ErrShortSegment
		}
		return Datagram{
			Kind:    KindData,
			Session: session,
			Conv:    le.Uint32(b[PrefixLen:]),
			Payload: b[PrefixLen:],
		}, nil

	default:
		if len(b) < HandshakeLen {
			return Datagram{}, ErrShortTeardown
		}
		return Datagram{Kind: KindTeardown, Session: -session, Conv: le.Uint32(b[PrefixLen:])}, nil
	}
}

// ParseReply decodes a handshake reply. A grant carries a positive session
// and would otherwise classify as data, so a peer waiting for a reply reads
// every datagram of exactly HandshakeLen bytes with ParseReply instead.
func ParseReply(b []byte) (Datagram, error) {
	if len(b) != HandshakeLen {
		return Datagram{}, ErrBadReplySize
	}
	return Datagram{
		Kind:    KindHandshake,
		Session: int32(le.Uint32(b)),
		Conv:    le.Uint32(b[PrefixLen:]),
	}, nil
}

// AppendHandshake appends a handshake datagram. Use zeros for a request or
// a deny reply.
func AppendHandshake(dst []byte, session int32, conv uint32) []byte {
	dst = le.AppendUint32(dst, uint32(session))
	return le.AppendUint32(dst, conv)
}

// AppendData appends a data datagram carrying segment.
func AppendData(dst []byte, session int32, segment []byte) []byte {
	dst = le.AppendUint32(dst, uint32(session))
	return append(dst, segment...)
}

// AppendTeardown appends the teardown signal for a live session.
func AppendTeardown(dst []byte, session int32, conv uint32) []byte {
	dst = le.AppendUint32(dst, uint32(-session))
	return le.AppendUint32(dst, conv)
}
