// Package transport wraps a UDP socket for the reactor: a reader goroutine
// hands inbound datagrams to a callback, and outbound datagrams go through a
// FIFO drained by a single writer goroutine, so at most one write is in
// flight per socket. Datagram buffers are pooled per socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/cyberinferno/go-rudp/logger"
)

// ErrClosed is returned for operations on a closed socket.
var ErrClosed = errors.New("transport: socket closed")

// Options configures a Socket.
type Options struct {
	// BufferSize is the size of pooled datagram buffers and therefore the
	// largest datagram that can be received.
	BufferSize int
	// SocketBuffer sets SO_RCVBUF and SO_SNDBUF when positive.
	SocketBuffer int
	// DSCP marks outbound traffic (IP_TOS / IPV6_TCLASS) when positive.
	DSCP int
}

// DefaultOptions returns options sized for KCP segments with headroom for
// stray oversized datagrams.
func DefaultOptions() Options {
	return Options{BufferSize: 2048}
}

// Datagram is one received datagram. Data aliases a pooled buffer that must
// be handed back with Socket.Release once processed.
type Datagram struct {
	From netip.AddrPort
	Data []byte
	buf  *[]byte
}

type outbound struct {
	to  netip.AddrPort
	buf *[]byte
}

// Socket is a UDP socket with a pooled receive path and a FIFO send path.
type Socket struct {
	conn *net.UDPConn
	log  logger.Logger
	opts Options
	pool sync.Pool

	mu    sync.Mutex
	sendQ *queue.Queue
	wake  chan struct{}

	closing    chan struct{}
	writerDone chan struct{}
	flush      atomic.Bool
	closed     atomic.Bool
	served     atomic.Bool
	readerDone chan struct{}
}

// Listen binds a UDP socket on addr ("host:port"; port 0 picks one).
//
// Parameters:
//   - addr: Local address to bind
//   - opts: Socket options
//   - log: Logger for socket-level errors
//
// Returns:
//   - The Socket, or an error if binding or applying options fails
func Listen(addr string, opts Options, log logger.Logger) (*Socket, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	lc := net.ListenConfig{Control: control(opts)}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Socket{
		conn:       pc.(*net.UDPConn),
		log:        log,
		opts:       opts,
		sendQ:      queue.New(),
		wake:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	size := opts.BufferSize
	s.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve starts the reader and writer goroutines. deliver is called from the
// reader goroutine for every datagram; fail is called for read and write
// errors that are not caused by Close.
func (s *Socket) Serve(deliver func(Datagram), fail func(error)) {
	if !s.served.CompareAndSwap(false, true) {
		return
	}
	go s.readLoop(deliver, fail)
	go s.writeLoop(fail)
}

func (s *Socket) readLoop(deliver func(Datagram), fail func(error)) {
	defer close(s.readerDone)

	for {
		buf := s.pool.Get().(*[]byte)
		*buf = (*buf)[:cap(*buf)]

		n, from, err := s.conn.ReadFromUDPAddrPort(*buf)
		if err != nil {
			s.pool.Put(buf)
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.Warn("udp read failed", logger.Field{Key: "error", Value: err})
			fail(err)
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		deliver(Datagram{From: from, Data: (*buf)[:n], buf: buf})
	}
}

func (s *Socket) writeLoop(fail func(error)) {
	defer close(s.writerDone)

	for {
		item, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.closing:
				if s.flush.Load() {
					s.drain(fail)
				}
				s.discard()
				return
			}
		}

		s.write(item, fail)
	}
}

func (s *Socket) next() (outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendQ.Length() == 0 {
		return outbound{}, false
	}
	return s.sendQ.Remove().(outbound), true
}

func (s *Socket) write(item outbound, fail func(error)) {
	_, err := s.conn.WriteToUDPAddrPort(*item.buf, item.to)
	s.putBuffer(item.buf)
	if err != nil && !s.closed.Load() {
		s.log.Warn("udp write failed", logger.Field{Key: "to", Value: item.to.String()}, logger.Field{Key: "error", Value: err})
		fail(err)
	}
}

func (s *Socket) drain(fail func(error)) {
	for {
		item, ok := s.next()
		if !ok {
			return
		}
		s.write(item, fail)
	}
}

func (s *Socket) discard() {
	for {
		item, ok := s.next()
		if !ok {
			return
		}
		s.putBuffer(item.buf)
	}
}

// Buffer returns an empty pooled buffer for building an outbound datagram.
func (s *Socket) Buffer() *[]byte {
	buf := s.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Release returns a received datagram's buffer to the pool.
func (s *Socket) Release(d Datagram) {
	if d.buf != nil {
		s.putBuffer(d.buf)
	}
}

func (s *Socket) putBuffer(buf *[]byte) {
	// Buffers grown past the pool size by append are left to the GC.
	if cap(*buf) != s.opts.BufferSize {
		return
	}
	s.pool.Put(buf)
}

// SendTo queues buf for to and takes ownership of it. Datagrams are written
// in queue order.
func (s *Socket) SendTo(to netip.AddrPort, buf *[]byte) error {
	if s.isClosing() {
		s.putBuffer(buf)
		return ErrClosed
	}

	s.mu.Lock()
	s.sendQ.Add(outbound{to: to, buf: buf})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Send copies b into a pooled buffer and queues it for to.
func (s *Socket) Send(to netip.AddrPort, b []byte) error {
	buf := s.Buffer()
	*buf = append(*buf, b...)
	return s.SendTo(to, buf)
}

// queued returns the number of datagrams waiting for the writer.
func (s *Socket) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendQ.Length()
}

func (s *Socket) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Close stops both goroutines and closes the socket. With flush the writer
// first sends everything already queued. Safe to call more than once.
func (s *Socket) Close(flush bool) error {
	if s.isClosing() {
		return nil
	}

	s.flush.Store(flush)
	close(s.closing)

	if s.served.Load() {
		<-s.writerDone
	} else {
		s.discard()
	}

	s.closed.Store(true)
	err := s.conn.Close()
	if s.served.Load() {
		<-s.readerDone
	}
	return err
}
