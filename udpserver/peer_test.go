package udpserver

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-rudp/arq"
	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/packet"
)

// peer speaks the wire protocol directly so server behavior can be checked
// without the client state machine.
type peer struct {
	t    *testing.T
	conn *net.UDPConn

	mu        sync.Mutex
	engine    *arq.Engine
	decoder   *codec.Decoder
	session   int32
	conv      uint32
	echo      bool
	keepalive bool

	handshakes chan packet.Datagram
	teardowns  chan packet.Datagram
	frames     chan codec.Frame
	heartbeats chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
}

func dialPeer(t *testing.T, addr net.Addr) *peer {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	require.NoError(t, err)

	p := &peer{
		t:          t,
		conn:       conn,
		decoder:    codec.NewDecoder(0),
		handshakes: make(chan packet.Datagram, 16),
		teardowns:  make(chan packet.Datagram, 16),
		frames:     make(chan codec.Frame, 1024),
		heartbeats: make(chan struct{}, 1024),
		stop:       make(chan struct{}),
	}
	p.wg.Add(2)
	go p.read()
	go p.tick()

	t.Cleanup(func() {
		close(p.stop)
		_ = conn.Close()
		p.wg.Wait()
	})
	return p
}

func (p *peer) localAddr() string {
	return p.conn.LocalAddr().String()
}

func (p *peer) read() {
	defer p.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}

		if n == packet.HandshakeLen && !p.established() {
			if d, err := packet.ParseReply(buf[:n]); err == nil && d.Session >= 0 {
				p.handshakes <- d
				continue
			}
		}

		d, err := packet.Parse(buf[:n])
		if err != nil {
			continue
		}
		switch d.Kind {
		case packet.KindHandshake:
			p.handshakes <- d
		case packet.KindTeardown:
			p.teardowns <- d
		case packet.KindData:
			p.input(d)
		}
	}
}

func (p *peer) input(d packet.Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine == nil || d.Session != p.session {
		return
	}

	_ = p.engine.Input(d.Payload)
	p.decoder.Fill(p.engine.Drain)
	_ = p.decoder.Drain(func(f codec.Frame) {
		if f.IsHeartbeat() {
			p.heartbeats <- struct{}{}
			if p.echo {
				_ = p.engine.Send(codec.EncodeFrame(codec.Heartbeat()))
			}
			return
		}
		p.frames <- codec.Frame{ID: f.ID, RPCID: f.RPCID, Body: bytes.Clone(f.Body)}
	})
}

func (p *peer) tick() {
	defer p.wg.Done()
	update := time.NewTicker(5 * time.Millisecond)
	defer update.Stop()
	beat := time.NewTicker(20 * time.Millisecond)
	defer beat.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-update.C:
			p.mu.Lock()
			if p.engine != nil {
				p.engine.Update()
			}
			p.mu.Unlock()
		case <-beat.C:
			p.mu.Lock()
			if p.engine != nil && p.keepalive {
				_ = p.engine.Send(codec.EncodeFrame(codec.Heartbeat()))
			}
			p.mu.Unlock()
		}
	}
}

func (p *peer) write(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *peer) requestHandshake() {
	p.t.Helper()
	p.write(packet.AppendHandshake(nil, 0, 0))
}

func (p *peer) established() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine != nil
}

func (p *peer) awaitHandshake() packet.Datagram {
	p.t.Helper()
	select {
	case d := <-p.handshakes:
		return d
	case <-time.After(2 * time.Second):
		p.t.Fatal("no handshake reply")
		return packet.Datagram{}
	}
}

func (p *peer) awaitTeardown() packet.Datagram {
	p.t.Helper()
	select {
	case d := <-p.teardowns:
		return d
	case <-time.After(2 * time.Second):
		p.t.Fatal("no teardown")
		return packet.Datagram{}
	}
}

func (p *peer) awaitFrame() codec.Frame {
	p.t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(2 * time.Second):
		p.t.Fatal("no frame")
		return codec.Frame{}
	}
}

// establish completes a handshake and starts the peer's engine.
func (p *peer) establish() packet.Datagram {
	p.t.Helper()
	p.requestHandshake()
	g := p.awaitHandshake()
	require.True(p.t, g.IsGrant(), "expected grant, got %+v", g)

	p.mu.Lock()
	p.session = g.Session
	p.conv = g.Conv
	p.engine = arq.New(g.Conv, arq.DefaultConfig(), func(seg []byte) {
		_, _ = p.conn.Write(packet.AppendData(nil, p.session, seg))
	})
	p.mu.Unlock()
	return g
}

// restart drops the peer's session state, as a new process bound to the
// same port would.
func (p *peer) restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine = nil
	p.decoder = codec.NewDecoder(0)
	p.session = 0
	p.conv = 0
}

func (p *peer) send(f codec.Frame) {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(p.t, p.engine.Send(codec.EncodeFrame(f)))
}

func (p *peer) teardown(session int32, conv uint32) {
	p.t.Helper()
	p.write(packet.AppendTeardown(nil, session, conv))
}
