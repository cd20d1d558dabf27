package udpclient

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/logger"
	"github.com/cyberinferno/go-rudp/packet"
	"github.com/cyberinferno/go-rudp/reactor"
	"github.com/cyberinferno/go-rudp/udpserver"
)

// events collects client callbacks on channels.
type events struct {
	failed       chan error
	connected    chan struct{}
	disconnected chan struct{}
	messages     chan codec.Frame
}

func watch(c *Client) *events {
	e := &events{
		failed:       make(chan error, 8),
		connected:    make(chan struct{}, 8),
		disconnected: make(chan struct{}, 8),
		messages:     make(chan codec.Frame, 256),
	}
	c.OnConnectFailed(func(err error) { e.failed <- err })
	c.OnConnected(func() { e.connected <- struct{}{} })
	c.OnDisconnected(func() { e.disconnected <- struct{}{} })
	c.OnMessage(func(f codec.Frame) {
		if f.IsHeartbeat() {
			return
		}
		e.messages <- codec.Frame{ID: f.ID, RPCID: f.RPCID, Body: append([]byte(nil), f.Body...)}
	})
	return e
}

func wait[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func quiet[T any](t *testing.T, ch chan T, what string, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(d):
	}
}

func newLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.NewLoop(logger.NewNopLogger())
	loop.Start()
	t.Cleanup(loop.Stop)
	return loop
}

// echoServer answers every frame with the same id, rpc id + 1 and body.
type echoServer struct {
	srv         *udpserver.Server
	mu          sync.Mutex
	received    []codec.Frame
	connects    chan udpserver.Handle
	disconnects chan udpserver.Handle
}

func startEchoServer(t *testing.T, configure func(*udpserver.Config)) *echoServer {
	t.Helper()
	cfg := udpserver.DefaultConfig("127.0.0.1:0")
	if configure != nil {
		configure(&cfg)
	}

	e := &echoServer{
		connects:    make(chan udpserver.Handle, 8),
		disconnects: make(chan udpserver.Handle, 8),
	}
	e.srv = udpserver.NewServer(cfg, udpserver.HandlerFuncs{
		Connect:    func(h udpserver.Handle) { e.connects <- h },
		Disconnect: func(h udpserver.Handle) { e.disconnects <- h },
		Message: func(h udpserver.Handle, f codec.Frame) {
			if f.IsHeartbeat() {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, codec.Frame{ID: f.ID, RPCID: f.RPCID, Body: append([]byte(nil), f.Body...)})
			e.mu.Unlock()
			e.srv.Send(h, codec.Frame{ID: f.ID, RPCID: f.RPCID + 1, Body: f.Body})
		},
	}, newLoop(t), logger.NewNopLogger(), nil)
	require.NoError(t, e.srv.Start())
	t.Cleanup(func() { e.srv.Close(false) })
	return e
}

func (e *echoServer) addr() string {
	return e.srv.Addr().String()
}

func newClient(t *testing.T, address string, configure func(*Config)) (*Client, *events) {
	t.Helper()
	cfg := DefaultConfig(address)
	if configure != nil {
		configure(&cfg)
	}
	c := NewClient(cfg, newLoop(t), logger.NewNopLogger(), nil)
	e := watch(c)
	t.Cleanup(func() {
		c.Close()
		c.loop.Call(func() {})
	})
	return c, e
}

// logBuffer collects log output written from the loop goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeServer is a raw socket standing in for a server.
type fakeServer struct {
	conn *net.UDPConn
}

func listenFake(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeServer{conn: conn}
}

func (f *fakeServer) addr() string {
	return f.conn.LocalAddr().String()
}

// readFrom waits for the next datagram.
func (f *fakeServer) readFrom(t *testing.T) ([]byte, *net.UDPAddr) {
	t.Helper()
	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 2048)
	n, from, err := f.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], from
}

func (f *fakeServer) reply(t *testing.T, to *net.UDPAddr, b []byte) {
	t.Helper()
	_, err := f.conn.WriteToUDP(b, to)
	require.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestClient_Connect(t *testing.T) {
	t.Run("connects to a server", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)

		assert.Equal(t, Disconnected, c.State())
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")
		wait(t, srv.connects, "server connect")

		assert.True(t, c.IsConnected())
		assert.Equal(t, 1, srv.srv.ConnectionCount())
	})

	t.Run("rejects a second connect", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)

		require.NoError(t, c.Connect())
		assert.ErrorIs(t, c.Connect(), ErrBusy)
		wait(t, e.connected, "connected")
		assert.ErrorIs(t, c.Connect(), ErrBusy)
	})

	t.Run("times out against a silent server", func(t *testing.T) {
		fake := listenFake(t)
		c, e := newClient(t, fake.addr(), func(cfg *Config) { cfg.ConnectTimeout = 100 * time.Millisecond })

		require.NoError(t, c.Connect())
		assert.ErrorIs(t, wait(t, e.failed, "connect failure"), ErrConnectTimeout)
		assert.Equal(t, Disconnected, c.State())

		// A failed attempt leaves the client ready for another.
		require.NoError(t, c.Connect())
		assert.ErrorIs(t, wait(t, e.failed, "connect failure"), ErrConnectTimeout)
	})

	t.Run("reports a denied handshake", func(t *testing.T) {
		srv := startEchoServer(t, func(cfg *udpserver.Config) { cfg.MaxConnections = 1 })

		first, fe := newClient(t, srv.addr(), nil)
		require.NoError(t, first.Connect())
		wait(t, fe.connected, "first connected")

		second, se := newClient(t, srv.addr(), nil)
		require.NoError(t, second.Connect())
		assert.ErrorIs(t, wait(t, se.failed, "connect failure"), ErrConnectDenied)
		assert.False(t, second.IsConnected())
	})

	t.Run("ignores datagrams of other sizes while connecting", func(t *testing.T) {
		fake := listenFake(t)
		c, e := newClient(t, fake.addr(), nil)
		require.NoError(t, c.Connect())

		req, from := fake.readFrom(t)
		assert.Equal(t, packet.AppendHandshake(nil, 0, 0), req)

		fake.reply(t, from, []byte{1, 2, 3})
		fake.reply(t, from, make([]byte, 12))
		fake.reply(t, from, packet.AppendHandshake(nil, 99, 4))

		wait(t, e.connected, "connected")
		assert.Empty(t, e.failed)
	})

	t.Run("an invalid eight byte reply is a denial", func(t *testing.T) {
		fake := listenFake(t)
		c, e := newClient(t, fake.addr(), nil)
		require.NoError(t, c.Connect())

		_, from := fake.readFrom(t)
		fake.reply(t, from, packet.AppendHandshake(nil, 99, 0))

		assert.ErrorIs(t, wait(t, e.failed, "connect failure"), ErrConnectDenied)
	})

	t.Run("bad address fails through the callback", func(t *testing.T) {
		c, e := newClient(t, "not an address", nil)
		require.NoError(t, c.Connect())
		assert.Error(t, wait(t, e.failed, "connect failure"))
		assert.Equal(t, Disconnected, c.State())
	})
}

func TestClient_messages(t *testing.T) {
	t.Run("server receives the ping and the client receives the echo", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")

		c.Send(codec.Frame{ID: 5, RPCID: 0, Body: []byte("ping")})

		f := wait(t, e.messages, "echo")
		assert.Equal(t, int32(5), f.ID)
		assert.Equal(t, int32(1), f.RPCID)
		assert.Equal(t, "ping", string(f.Body))

		srv.mu.Lock()
		defer srv.mu.Unlock()
		require.Len(t, srv.received, 1)
		assert.Equal(t, codec.Frame{ID: 5, RPCID: 0, Body: []byte("ping")}, srv.received[0])
	})

	t.Run("frames keep their order", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")

		const n = 100
		for i := 0; i < n; i++ {
			c.Send(codec.Frame{ID: int32(i), Body: []byte{byte(i)}})
		}
		for i := 0; i < n; i++ {
			f := wait(t, e.messages, "echo")
			require.Equal(t, int32(i), f.ID)
		}
	})

	t.Run("segments the socket refuses are logged", func(t *testing.T) {
		var out logBuffer
		log := logger.NewZerologLogger(zerolog.New(&out), "test", zerolog.DebugLevel)
		fake := listenFake(t)
		c := NewClient(DefaultConfig(fake.addr()), newLoop(t), log, nil)
		e := watch(c)
		t.Cleanup(func() {
			c.Close()
			c.loop.Call(func() {})
		})

		require.NoError(t, c.Connect())
		_, from := fake.readFrom(t)
		fake.reply(t, from, packet.AppendHandshake(nil, 11, 2))
		wait(t, e.connected, "connected")

		c.loop.Call(func() { _ = c.sock.Close(false) })
		c.Send(codec.Frame{ID: 1, Body: []byte("lost")})

		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "segment not sent")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("send while disconnected is dropped", func(t *testing.T) {
		c, _ := newClient(t, "127.0.0.1:1", nil)
		assert.NotPanics(t, func() {
			c.Send(codec.Frame{ID: 1})
			c.loop.Call(func() {})
		})
	})
}

func TestClient_teardown(t *testing.T) {
	t.Run("server close reaches the client", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")
		h := wait(t, srv.connects, "server connect")

		srv.srv.CloseConnection(h)

		wait(t, e.disconnected, "disconnected")
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("client close reaches the server once", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")
		wait(t, srv.connects, "server connect")

		c.Close()
		c.Close()

		wait(t, e.disconnected, "disconnected")
		wait(t, srv.disconnects, "server disconnect")
		quiet(t, e.disconnected, "second disconnect", 50*time.Millisecond)
		assert.Zero(t, srv.srv.ConnectionCount())
	})

	t.Run("close while connecting fails the attempt", func(t *testing.T) {
		fake := listenFake(t)
		c, e := newClient(t, fake.addr(), nil)
		require.NoError(t, c.Connect())
		c.Close()

		assert.ErrorIs(t, wait(t, e.failed, "connect failure"), ErrClosed)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("reconnects after a disconnect", func(t *testing.T) {
		srv := startEchoServer(t, nil)
		c, e := newClient(t, srv.addr(), nil)
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")

		c.Close()
		wait(t, e.disconnected, "disconnected")

		require.NoError(t, c.Connect())
		wait(t, e.connected, "reconnected")
		assert.True(t, c.IsConnected())
	})
}

func TestClient_heartbeat(t *testing.T) {
	t.Run("heartbeats keep the connection alive", func(t *testing.T) {
		srv := startEchoServer(t, func(cfg *udpserver.Config) { cfg.HeartbeatInterval = 100 * time.Millisecond })
		c, e := newClient(t, srv.addr(), func(cfg *Config) {
			cfg.HeartbeatInterval = 30 * time.Millisecond
			cfg.HeartbeatTimeout = 300 * time.Millisecond
		})
		require.NoError(t, c.Connect())
		wait(t, e.connected, "connected")

		quiet(t, e.disconnected, "disconnect", 600*time.Millisecond)
		assert.True(t, c.IsConnected())
		assert.Equal(t, 1, srv.srv.ConnectionCount())
	})

	t.Run("a silent server times out", func(t *testing.T) {
		fake := listenFake(t)
		c, e := newClient(t, fake.addr(), func(cfg *Config) { cfg.HeartbeatTimeout = 100 * time.Millisecond })
		require.NoError(t, c.Connect())

		_, from := fake.readFrom(t)
		fake.reply(t, from, packet.AppendHandshake(nil, 11, 2))
		wait(t, e.connected, "connected")

		wait(t, e.disconnected, "disconnected")
		assert.False(t, c.IsConnected())

		// The client notifies the server it is leaving.
		require.NoError(t, fake.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		buf := make([]byte, 2048)
		for {
			n, _, err := fake.conn.ReadFromUDP(buf)
			require.NoError(t, err)
			d, err := packet.Parse(buf[:n])
			if err == nil && d.Kind == packet.KindTeardown {
				assert.Equal(t, int32(11), d.Session)
				assert.Equal(t, uint32(2), d.Conv)
				return
			}
		}
	})
}
