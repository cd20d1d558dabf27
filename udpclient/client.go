// Package udpclient provides an event-driven client for the reliable UDP
// transport. Connect performs the session handshake; after that frames flow
// over a KCP engine, heartbeats keep the connection alive, and registered
// handlers are told about every state change. Handlers run on the reactor
// loop goroutine.
package udpclient

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cyberinferno/go-rudp/arq"
	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/logger"
	"github.com/cyberinferno/go-rudp/metrics"
	"github.com/cyberinferno/go-rudp/packet"
	"github.com/cyberinferno/go-rudp/reactor"
	"github.com/cyberinferno/go-rudp/transport"
)

var (
	ErrConnectTimeout = errors.New("udpclient: handshake timed out")
	ErrConnectDenied  = errors.New("udpclient: handshake denied")
	ErrClosed         = errors.New("udpclient: closed before connecting")
	ErrBusy           = errors.New("udpclient: already connected or connecting")
)

// State represents the current state of the connection.
type State int

const (
	Disconnected State = iota // Not connected and not attempting to connect
	Connecting                // Handshake in progress
	Connected                 // Handshake completed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Config holds configuration for the client.
type Config struct {
	// Address is the server "host:port".
	Address string
	// ConnectTimeout bounds the handshake.
	ConnectTimeout time.Duration
	// HeartbeatInterval is how often the client sends a heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout disconnects when no server heartbeat arrives for this long.
	HeartbeatTimeout time.Duration
	// MaxFrameSize bounds a single frame body; 0 selects codec.DefaultMaxFrameSize.
	MaxFrameSize uint32
	ARQ          arq.Config
	Socket       transport.Options
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The server "host:port"
//
// Returns:
//   - A Config with defaults: ConnectTimeout 5s, HeartbeatInterval 10s,
//     HeartbeatTimeout 90s, arq.DefaultConfig() and transport.DefaultOptions().
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		MaxFrameSize:      codec.DefaultMaxFrameSize,
		ARQ:               arq.DefaultConfig(),
		Socket:            transport.DefaultOptions(),
	}
}

// Client is a reliable UDP client. Connection state is owned by the loop;
// the exported methods may be called from any goroutine, including handlers.
type Client struct {
	cfg     Config
	loop    *reactor.Loop
	log     logger.Logger
	metrics *metrics.Metrics

	mu              sync.RWMutex
	state           State
	onConnectFailed func(error)
	onConnected     func()
	onDisconnected  func()
	onMessage       func(codec.Frame)

	// Loop-owned.
	sock          *transport.Socket
	server        netip.AddrPort
	session       int32
	conv          uint32
	engine        *arq.Engine
	decoder       *codec.Decoder
	sendBuf       []byte
	lastHeartbeat time.Time

	connectTimer   *reactor.Timer
	updateTimer    *reactor.Timer
	heartbeatTimer *reactor.Timer
	livenessTimer  *reactor.Timer
}

// NewClient creates a client in the Disconnected state.
//
// Parameters:
//   - cfg: Connection settings (e.g. from DefaultConfig)
//   - loop: The reactor that owns the connection state
//   - log: Logger; a component-scoped child is derived from it
//   - m: Metrics, or nil
//
// Returns:
//   - A new *Client; call Connect to start
func NewClient(cfg Config, loop *reactor.Loop, log logger.Logger, m *metrics.Metrics) *Client {
	def := DefaultConfig(cfg.Address)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ARQ.MTU == 0 {
		cfg.ARQ = def.ARQ
	}

	return &Client{
		cfg:     cfg,
		loop:    loop,
		log:     log.With(logger.Field{Key: "component", Value: "udpclient"}, logger.Field{Key: "server", Value: cfg.Address}),
		metrics: m,
		state:   Disconnected,
	}
}

// OnConnectFailed registers the handler called when a connection attempt
// fails. Repeated calls replace the previous handler.
func (c *Client) OnConnectFailed(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectFailed = handler
}

// OnConnected registers the handler called once the handshake completes.
func (c *Client) OnConnected(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = handler
}

// OnDisconnected registers the handler called when an established
// connection ends, whichever side ended it.
func (c *Client) OnDisconnected(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = handler
}

// OnMessage registers the handler for received frames. The frame body is
// only valid until the handler returns.
func (c *Client) OnMessage(handler func(f codec.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the handshake has completed and the
// connection is still up.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect starts a connection attempt. The outcome is reported through
// OnConnected or OnConnectFailed.
//
// Returns:
//   - ErrBusy if the client is not Disconnected; nil otherwise
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = Connecting
	c.mu.Unlock()

	if !c.loop.Post(c.startConnect) {
		c.setState(Disconnected)
		return fmt.Errorf("connect %s: loop stopped", c.cfg.Address)
	}
	return nil
}

// Send queues f for delivery. The frame is encoded before Send returns.
// Frames sent while not connected are dropped.
func (c *Client) Send(f codec.Frame) {
	payload := codec.EncodeFrame(f)
	c.loop.Post(func() {
		if c.State() != Connected {
			c.log.Debug("send while not connected", logger.Field{Key: "frame", Value: f.String()})
			return
		}
		c.sendPayload(payload)
	})
}

// Close ends the connection. While connecting the attempt is abandoned and
// OnConnectFailed receives ErrClosed; while connected the server is sent a
// teardown and OnDisconnected runs. Close returns immediately; the
// callbacks run on the loop.
func (c *Client) Close() {
	c.loop.Post(func() {
		switch c.State() {
		case Connecting:
			c.failConnect(ErrClosed)
		case Connected:
			c.disconnect(metrics.ReasonLocal, true)
		}
	})
}

func (c *Client) startConnect() {
	if c.State() != Connecting {
		return
	}

	raddr, err := net.ResolveUDPAddr("udp", c.cfg.Address)
	if err != nil {
		c.failConnect(fmt.Errorf("resolve %s: %w", c.cfg.Address, err))
		return
	}

	sock, err := transport.Listen(":0", c.cfg.Socket, c.log)
	if err != nil {
		c.failConnect(err)
		return
	}

	c.sock = sock
	c.server = raddr.AddrPort()
	c.server = netip.AddrPortFrom(c.server.Addr().Unmap(), c.server.Port())
	sock.Serve(
		func(d transport.Datagram) {
			if !c.loop.Post(func() { c.handleDatagram(sock, d) }) {
				sock.Release(d)
			}
		},
		func(err error) {
			c.loop.Post(func() { c.socketFailed(sock, err) })
		},
	)

	c.connectTimer = c.loop.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.failConnect(ErrConnectTimeout)
	})
	c.sendRaw(packet.AppendHandshake(nil, 0, 0))
	c.log.Debug("handshake requested")
}

func (c *Client) handleDatagram(sock *transport.Socket, d transport.Datagram) {
	defer sock.Release(d)
	if sock != c.sock {
		return
	}

	switch c.State() {
	case Connecting:
		if len(d.Data) != packet.HandshakeLen {
			c.metrics.Dropped(metrics.DropState)
			return
		}
		p, _ := packet.ParseReply(d.Data)
		if !p.IsGrant() {
			c.failConnect(ErrConnectDenied)
			return
		}
		c.established(p)

	case Connected:
		p, err := packet.Parse(d.Data)
		if err != nil {
			c.metrics.Dropped(metrics.DropMalformed)
			return
		}
		switch p.Kind {
		case packet.KindData:
			if p.Session != c.session || p.Conv != c.conv {
				c.metrics.Dropped(metrics.DropSession)
				return
			}
			c.input(p.Payload)
		case packet.KindTeardown:
			if p.Session != c.session || p.Conv != c.conv {
				c.metrics.Dropped(metrics.DropSession)
				return
			}
			c.disconnect(metrics.ReasonTeardown, false)
		default:
			c.metrics.Dropped(metrics.DropState)
		}
	}
}

func (c *Client) established(p packet.Datagram) {
	c.connectTimer.Stop()

	c.session = p.Session
	c.conv = p.Conv
	c.decoder = codec.NewDecoder(c.cfg.MaxFrameSize)
	sock, server, session := c.sock, c.server, p.Session
	c.engine = arq.New(p.Conv, c.cfg.ARQ, func(segment []byte) {
		c.sendSegment(sock, server, session, segment)
	})
	c.lastHeartbeat = time.Now()

	c.updateTimer = c.loop.Every(arq.UpdateInterval, c.engine.Update)
	c.heartbeatTimer = c.loop.Every(c.cfg.HeartbeatInterval, func() {
		c.sendFrame(codec.Heartbeat())
	})
	c.livenessTimer = c.loop.Every(livenessPeriod(c.cfg.HeartbeatTimeout), c.checkLiveness)

	c.setState(Connected)
	c.metrics.Handshake()
	c.metrics.ConnectionOpened()
	c.log.Info("connected", logger.Field{Key: "conv", Value: c.conv}, logger.Field{Key: "session", Value: c.session})

	c.mu.RLock()
	handler := c.onConnected
	c.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

func livenessPeriod(timeout time.Duration) time.Duration {
	return max(timeout/4, 10*time.Millisecond)
}

func (c *Client) checkLiveness() {
	if idle := time.Since(c.lastHeartbeat); idle > c.cfg.HeartbeatTimeout {
		c.log.Warn("server heartbeat timed out", logger.Field{Key: "idle", Value: idle.String()})
		c.disconnect(metrics.ReasonHeartbeat, true)
	}
}

func (c *Client) input(segment []byte) {
	if err := c.engine.Input(segment); err != nil {
		c.metrics.Dropped(metrics.DropEngine)
		c.log.Debug("segment rejected", logger.Field{Key: "error", Value: err})
		return
	}

	c.decoder.Fill(c.engine.Drain)
	err := c.decoder.Drain(func(f codec.Frame) {
		if c.State() != Connected {
			return
		}
		if f.IsHeartbeat() {
			c.lastHeartbeat = time.Now()
			c.sendFrame(codec.Heartbeat())
		}
		c.metrics.FrameIn()

		c.mu.RLock()
		handler := c.onMessage
		c.mu.RUnlock()
		if handler != nil {
			handler(f)
		}
	})
	if err != nil && c.State() == Connected {
		c.log.Warn("disconnecting on framing error", logger.Field{Key: "error", Value: err})
		c.disconnect(metrics.ReasonFraming, true)
	}
}

func (c *Client) sendFrame(f codec.Frame) {
	c.sendBuf = codec.AppendFrame(c.sendBuf[:0], f)
	c.sendPayload(c.sendBuf)
}

func (c *Client) sendPayload(payload []byte) {
	if err := c.engine.Send(payload); err != nil {
		c.log.Warn("send failed", logger.Field{Key: "error", Value: err})
		return
	}
	c.metrics.FrameOut()
}

// sendSegment is the engine output adapter. It writes through the socket the
// engine was created with, never a later one.
func (c *Client) sendSegment(sock *transport.Socket, to netip.AddrPort, session int32, segment []byte) {
	buf := sock.Buffer()
	*buf = packet.AppendData(*buf, session, segment)
	if err := sock.SendTo(to, buf); err != nil {
		c.log.Debug("segment not sent", logger.Field{Key: "session", Value: session}, logger.Field{Key: "error", Value: err})
	}
}

func (c *Client) sendRaw(b []byte) {
	if err := c.sock.Send(c.server, b); err != nil {
		c.log.Debug("datagram not sent", logger.Field{Key: "error", Value: err})
	}
}

func (c *Client) socketFailed(sock *transport.Socket, err error) {
	if sock != c.sock {
		return
	}

	switch c.State() {
	case Connecting:
		c.failConnect(err)
	case Connected:
		c.log.Error("socket failed", logger.Field{Key: "error", Value: err})
		c.disconnect(metrics.ReasonError, false)
	}
}

func (c *Client) failConnect(err error) {
	if c.State() != Connecting {
		return
	}

	c.connectTimer.Stop()
	c.release(false)
	c.setState(Disconnected)
	c.log.Warn("connect failed", logger.Field{Key: "error", Value: err})

	c.mu.RLock()
	handler := c.onConnectFailed
	c.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// disconnect ends an established connection. With notify the server is sent
// a teardown, flushed before the socket closes.
func (c *Client) disconnect(reason string, notify bool) {
	if c.State() != Connected {
		return
	}

	if notify {
		c.sendRaw(packet.AppendTeardown(nil, c.session, c.conv))
	}
	c.updateTimer.Stop()
	c.heartbeatTimer.Stop()
	c.livenessTimer.Stop()
	c.engine.Release()
	c.engine = nil
	c.decoder = nil
	c.release(notify)
	c.setState(Disconnected)

	c.metrics.ConnectionClosed(reason)
	c.log.Info("disconnected", logger.Field{Key: "conv", Value: c.conv}, logger.Field{Key: "reason", Value: reason})

	c.mu.RLock()
	handler := c.onDisconnected
	c.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

func (c *Client) release(flush bool) {
	if c.sock == nil {
		return
	}
	if err := c.sock.Close(flush); err != nil {
		c.log.Debug("socket close failed", logger.Field{Key: "error", Value: err})
	}
	c.sock = nil
}
