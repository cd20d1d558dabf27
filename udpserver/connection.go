package udpserver

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-rudp/arq"
	"github.com/cyberinferno/go-rudp/codec"
)

// Handle identifies a connection. Conv ids are recycled, so Generation tells
// a live connection apart from an earlier one that used the same conv; every
// operation on a stale handle is a no-op.
type Handle struct {
	Conv       uint32
	Generation uint64
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.Conv, h.Generation)
}

// connection is owned by the registry and only touched on the loop, except
// for the immutable handle, session and remote fields.
type connection struct {
	handle  Handle
	conv    uint32
	session int32
	remote  netip.AddrPort

	engine  *arq.Engine
	decoder *codec.Decoder
	sendBuf []byte

	lastHeartbeat time.Time
	open          bool

	// confirmed is set by the first data datagram. From then on the
	// handshake is known to have reached the peer and is not replayed.
	confirmed bool
}

func (s *Server) newConnection(conv uint32, session int32, remote netip.AddrPort) *connection {
	c := &connection{
		handle:        Handle{Conv: conv, Generation: s.reg.nextGeneration()},
		conv:          conv,
		session:       session,
		remote:        remote,
		decoder:       codec.NewDecoder(s.cfg.MaxFrameSize),
		lastHeartbeat: time.Now(),
		open:          true,
	}
	c.engine = arq.New(conv, s.cfg.ARQ, func(segment []byte) {
		s.sendSegment(c, segment)
	})
	return c
}
