// Package udpserver accepts reliable, ordered connections over a single UDP
// socket. Each connection is established with a session handshake, runs its
// own KCP engine and is kept alive by a heartbeat supervisor. All connection
// state lives on a reactor loop; handler callbacks run on that loop.
package udpserver

import (
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-rudp/arq"
	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/convpool"
	"github.com/cyberinferno/go-rudp/logger"
	"github.com/cyberinferno/go-rudp/metrics"
	"github.com/cyberinferno/go-rudp/packet"
	"github.com/cyberinferno/go-rudp/reactor"
	"github.com/cyberinferno/go-rudp/transport"
)

// Config holds configuration for the server.
type Config struct {
	// Name identifies the server in logs.
	Name string
	// Addr is the local "host:port" to bind.
	Addr string
	// HeartbeatInterval is both the supervisor period and the maximum age of
	// a connection's last heartbeat.
	HeartbeatInterval time.Duration
	// MaxConnections bounds the conv pool; 0 means no limit.
	MaxConnections uint32
	// HandshakeReplayTTL is how long a grant is replayed to a duplicate
	// request from the same address. Replay stops early once the first data
	// datagram arrives on the granted conv.
	HandshakeReplayTTL time.Duration
	// MaxFrameSize bounds a single frame body; 0 selects codec.DefaultMaxFrameSize.
	MaxFrameSize uint32
	ARQ          arq.Config
	Socket       transport.Options
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - addr: The "host:port" to bind
//
// Returns:
//   - A Config with defaults: HeartbeatInterval 30s, HandshakeReplayTTL 5s,
//     unlimited connections, arq.DefaultConfig() and transport.DefaultOptions().
func DefaultConfig(addr string) Config {
	return Config{
		Name:               "rudp",
		Addr:               addr,
		HeartbeatInterval:  30 * time.Second,
		HandshakeReplayTTL: 5 * time.Second,
		MaxFrameSize:       codec.DefaultMaxFrameSize,
		ARQ:                arq.DefaultConfig(),
		Socket:             transport.DefaultOptions(),
	}
}

// Server is a UDP server multiplexing reliable connections by conv.
type Server struct {
	cfg     Config
	handler Handler
	loop    *reactor.Loop
	log     logger.Logger
	metrics *metrics.Metrics

	sock   *transport.Socket
	reg    *registry
	pool   *convpool.Pool
	replay *handshakeCache

	update *reactor.Timer
	sweep  *reactor.Timer

	running atomic.Bool
}

// NewServer creates a server. Nothing is bound until Start.
//
// Parameters:
//   - cfg: Server settings (e.g. from DefaultConfig)
//   - handler: Receives connection events on the loop goroutine
//   - loop: The reactor that owns all connection state
//   - log: Logger; a component-scoped child is derived from it
//   - m: Metrics, or nil
//
// Returns:
//   - A new *Server
func NewServer(cfg Config, handler Handler, loop *reactor.Loop, log logger.Logger, m *metrics.Metrics) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig("").HeartbeatInterval
	}
	if cfg.HandshakeReplayTTL <= 0 {
		cfg.HandshakeReplayTTL = DefaultConfig("").HandshakeReplayTTL
	}
	if cfg.ARQ.MTU == 0 {
		cfg.ARQ = arq.DefaultConfig()
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		loop:    loop,
		log:     log.With(logger.Field{Key: "component", Value: "udpserver"}, logger.Field{Key: "server", Value: cfg.Name}),
		metrics: m,
		reg:     newRegistry(),
		pool:    convpool.NewPool(cfg.MaxConnections),
		replay:  newHandshakeCache(cfg.HandshakeReplayTTL),
	}
}

// Start binds Addr, arms the update and supervisor timers and starts reading.
//
// Returns:
//   - An error if the server is already running or if binding fails
func (s *Server) Start() error {
	if s.running.Load() {
		s.log.Error("server already running")
		return fmt.Errorf("server %s already running", s.cfg.Name)
	}

	sock, err := transport.Listen(s.cfg.Addr, s.cfg.Socket, s.log)
	if err != nil {
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.sock = sock
	s.running.Store(true)
	s.update = s.loop.Every(arq.UpdateInterval, s.updateEngines)
	s.sweep = s.loop.Every(s.cfg.HeartbeatInterval, s.supervise)
	sock.Serve(s.deliver, s.readFailed)

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: sock.LocalAddr().String()})
	return nil
}

// Close stops the server. Every connection is closed and OnDisconnect runs
// for each. When graceful is true each peer is sent a teardown and the send
// queue is flushed before the socket closes. Close must not be called from a
// handler callback. Safe to call when the server is not running.
func (s *Server) Close(graceful bool) {
	if !s.running.CompareAndSwap(true, false) {
		s.log.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return
	}

	s.loop.Call(func() {
		s.update.Stop()
		s.sweep.Stop()
		for _, c := range s.reg.snapshot() {
			s.closeConnection(c, metrics.ReasonShutdown, graceful)
		}
	})

	if err := s.sock.Close(graceful); err != nil {
		s.log.Warn("socket close failed", logger.Field{Key: "error", Value: err})
	}
	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
}

// Send queues f on the connection identified by h. The frame is encoded
// before Send returns, so f.Body may be reused immediately. It never
// blocks; a stale handle is ignored.
func (s *Server) Send(h Handle, f codec.Frame) {
	payload := codec.EncodeFrame(f)
	s.loop.Post(func() {
		c, ok := s.reg.get(h)
		if !ok {
			s.log.Debug("send on stale handle", logger.Field{Key: "handle", Value: h.String()})
			return
		}
		s.sendPayload(c, payload)
	})
}

// CloseConnection tears down the connection identified by h, notifying the
// peer. OnDisconnect runs on the loop. A stale handle is ignored.
func (s *Server) CloseConnection(h Handle) {
	s.loop.Post(func() {
		if c, ok := s.reg.get(h); ok {
			s.closeConnection(c, metrics.ReasonLocal, true)
		}
	})
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return s.reg.len()
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}

// RemoteAddr returns the peer address of a live connection.
func (s *Server) RemoteAddr(h Handle) (netip.AddrPort, bool) {
	c, ok := s.reg.get(h)
	if !ok {
		return netip.AddrPort{}, false
	}
	return c.remote, true
}

// deliver runs on the socket reader goroutine.
func (s *Server) deliver(d transport.Datagram) {
	if !s.loop.Post(func() { s.handleDatagram(d) }) {
		s.sock.Release(d)
	}
}

func (s *Server) readFailed(err error) {
	s.log.Debug("continuing after read error", logger.Field{Key: "error", Value: err})
}

func (s *Server) handleDatagram(d transport.Datagram) {
	defer s.sock.Release(d)
	if !s.running.Load() {
		return
	}

	p, err := packet.Parse(d.Data)
	if err != nil {
		s.drop(metrics.DropMalformed, d.From, err.Error())
		return
	}

	switch p.Kind {
	case packet.KindHandshake:
		if !p.IsRequest() {
			s.drop(metrics.DropState, d.From, "handshake reply sent to server")
			return
		}
		s.handshake(d.From)

	case packet.KindData:
		c, ok := s.reg.byConv(p.Conv)
		if !ok {
			s.drop(metrics.DropUnknownConv, d.From, "data for unknown conv")
			return
		}
		if c.session != p.Session {
			s.drop(metrics.DropSession, d.From, "data with foreign session")
			return
		}
		if !c.confirmed {
			c.confirmed = true
			s.replay.forget(c.remote, grant{session: c.session, conv: c.conv})
		}
		s.input(c, p.Payload)

	case packet.KindTeardown:
		c, ok := s.reg.byConv(p.Conv)
		if !ok || c.session != p.Session {
			s.drop(metrics.DropSession, d.From, "teardown does not match a live session")
			return
		}
		s.closeConnection(c, metrics.ReasonTeardown, false)
	}
}

func (s *Server) drop(reason string, from netip.AddrPort, msg string) {
	s.metrics.Dropped(reason)
	s.log.Debug("datagram dropped",
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "from", Value: from.String()},
		logger.Field{Key: "detail", Value: msg},
	)
}

func (s *Server) handshake(from netip.AddrPort) {
	if g, ok := s.replay.lookup(from); ok {
		if c, live := s.reg.byConv(g.conv); live && c.session == g.session && c.remote == from {
			s.metrics.HandshakeReplayed()
			s.sendRaw(from, packet.AppendHandshake(nil, g.session, g.conv))
			return
		}
	}

	conv, ok := s.pool.CreateID()
	if !ok {
		s.metrics.HandshakeDenied()
		s.log.Warn("handshake denied, conv pool exhausted",
			logger.Field{Key: "from", Value: from.String()},
			logger.Field{Key: "live", Value: s.pool.Live()},
		)
		s.sendRaw(from, packet.AppendHandshake(nil, 0, 0))
		return
	}

	session := rand.Int31n(math.MaxInt32) + 1
	c := s.newConnection(conv, session, from)
	s.reg.add(c)
	s.replay.remember(from, grant{session: session, conv: conv})
	s.sendRaw(from, packet.AppendHandshake(nil, session, conv))

	s.metrics.Handshake()
	s.metrics.ConnectionOpened()
	s.log.Info("connection established",
		logger.Field{Key: "conv", Value: conv},
		logger.Field{Key: "session", Value: session},
		logger.Field{Key: "remote", Value: from.String()},
	)
	s.handler.OnConnect(c.handle)
}

func (s *Server) input(c *connection, segment []byte) {
	if err := c.engine.Input(segment); err != nil {
		s.drop(metrics.DropEngine, c.remote, err.Error())
		return
	}

	c.decoder.Fill(c.engine.Drain)
	err := c.decoder.Drain(func(f codec.Frame) {
		if !c.open {
			return
		}
		if f.IsHeartbeat() {
			c.lastHeartbeat = time.Now()
		}
		s.metrics.FrameIn()
		s.handler.OnMessage(c.handle, f)
	})
	if err != nil && c.open {
		s.log.Warn("closing connection on framing error", logger.Field{Key: "conv", Value: c.conv}, logger.Field{Key: "error", Value: err})
		s.closeConnection(c, metrics.ReasonFraming, true)
	}
}

func (s *Server) sendFrame(c *connection, f codec.Frame) {
	c.sendBuf = codec.AppendFrame(c.sendBuf[:0], f)
	s.sendPayload(c, c.sendBuf)
}

func (s *Server) sendPayload(c *connection, payload []byte) {
	if err := c.engine.Send(payload); err != nil {
		s.log.Warn("send failed", logger.Field{Key: "conv", Value: c.conv}, logger.Field{Key: "error", Value: err})
		return
	}
	s.metrics.FrameOut()
}

// sendSegment is the engine output adapter: it prefixes the session id and
// queues the datagram on the socket.
func (s *Server) sendSegment(c *connection, segment []byte) {
	buf := s.sock.Buffer()
	*buf = packet.AppendData(*buf, c.session, segment)
	if err := s.sock.SendTo(c.remote, buf); err != nil {
		s.log.Debug("segment not sent", logger.Field{Key: "conv", Value: c.conv}, logger.Field{Key: "error", Value: err})
	}
}

func (s *Server) sendRaw(to netip.AddrPort, b []byte) {
	if err := s.sock.Send(to, b); err != nil {
		s.log.Debug("datagram not sent", logger.Field{Key: "to", Value: to.String()}, logger.Field{Key: "error", Value: err})
	}
}

// closeConnection removes c, releases its conv and fires OnDisconnect. With
// notify the peer is sent a teardown first.
func (s *Server) closeConnection(c *connection, reason string, notify bool) {
	if !c.open {
		return
	}
	c.open = false

	if notify {
		s.sendRaw(c.remote, packet.AppendTeardown(nil, c.session, c.conv))
	}

	s.reg.remove(c)
	s.pool.ReleaseID(c.conv)
	s.replay.forget(c.remote, grant{session: c.session, conv: c.conv})
	c.engine.Release()
	c.decoder.Reset()

	s.metrics.ConnectionClosed(reason)
	s.log.Info("connection closed",
		logger.Field{Key: "conv", Value: c.conv},
		logger.Field{Key: "remote", Value: c.remote.String()},
		logger.Field{Key: "reason", Value: reason},
	)
	s.handler.OnDisconnect(c.handle)
}

func (s *Server) updateEngines() {
	s.reg.each(func(c *connection) {
		c.engine.Update()
	})
}
