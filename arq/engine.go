// Package arq wraps the KCP reliable-delivery engine for one connection:
// engine tuning, the segment output adapter, input with reassembly drain,
// size-chunked sends and the clock-driven update.
package arq

import (
	"errors"
	"fmt"
	"time"

	"github.com/xtaci/kcp-go/v5"
)

const (
	// DefaultMTU is the engine's stock maximum transmission unit.
	DefaultMTU = 1400

	// UpdateInterval is how often owners must call Update on every engine.
	UpdateInterval = 20 * time.Millisecond
)

var (
	ErrInputRejected = errors.New("arq: engine rejected input segment")
	ErrSendRejected  = errors.New("arq: engine rejected send")
)

// Config tunes the engine. DefaultConfig is set up for low-latency
// delivery: no delay, 10 ms internal tick, fast resend after two skipped
// ACKs and no congestion window.
type Config struct {
	// MTU is the datagram budget including the owner's prefix.
	MTU int
	// Reserved bytes are subtracted from MTU for the owner's prefix.
	Reserved   int
	SendWindow int
	RecvWindow int
	NoDelay    bool
	Interval   time.Duration
	// FastResend retransmits a segment after this many ACK skips; 0 disables.
	FastResend   int
	NoCongestion bool
}

// DefaultConfig returns the tuning used for every connection unless
// overridden. Reserved covers the 4-byte session prefix on each datagram.
func DefaultConfig() Config {
	return Config{
		MTU:          DefaultMTU,
		Reserved:     4,
		SendWindow:   128,
		RecvWindow:   128,
		NoDelay:      true,
		Interval:     10 * time.Millisecond,
		FastResend:   2,
		NoCongestion: true,
	}
}

// SegmentMTU is the MTU handed to the engine.
func (c Config) SegmentMTU() int {
	return c.MTU - c.Reserved
}

// MaxSendChunk is the largest payload passed to one engine Send call.
func (c Config) MaxSendChunk() int {
	return (c.SegmentMTU() - kcp.IKCP_OVERHEAD) * c.RecvWindow
}

// OutputFunc receives each wire-ready segment. The slice is only valid for
// the duration of the call.
type OutputFunc func(segment []byte)

// Engine is one KCP instance. It is not safe for concurrent use; the owner
// drives it from a single goroutine.
type Engine struct {
	conv  uint32
	kcp   *kcp.KCP
	chunk int
}

// New creates an engine for conv that emits segments through out.
//
// Parameters:
//   - conv: Conversation id shared by both peers
//   - cfg: Engine tuning, usually DefaultConfig()
//   - out: Receives every segment the engine wants on the wire
//
// Returns:
//   - The configured Engine
func New(conv uint32, cfg Config, out OutputFunc) *Engine {
	k := kcp.NewKCP(conv, func(buf []byte, size int) {
		out(buf[:size])
	})
	k.SetMtu(cfg.SegmentMTU())
	k.NoDelay(boolToInt(cfg.NoDelay), int(cfg.Interval/time.Millisecond), cfg.FastResend, boolToInt(cfg.NoCongestion))
	k.WndSize(cfg.SendWindow, cfg.RecvWindow)

	return &Engine{conv: conv, kcp: k, chunk: cfg.MaxSendChunk()}
}

// Conv returns the engine's conversation id.
func (e *Engine) Conv() uint32 {
	return e.conv
}

// Input feeds one inbound segment (session prefix already stripped).
func (e *Engine) Input(segment []byte) error {
	if ret := e.kcp.Input(segment, true, false); ret < 0 {
		return fmt.Errorf("conv %d code %d: %w", e.conv, ret, ErrInputRejected)
	}
	return nil
}

// Drain appends every reassembled message the engine has ready to dst.
func (e *Engine) Drain(dst []byte) []byte {
	for {
		size := e.kcp.PeekSize()
		if size <= 0 {
			return dst
		}

		start := len(dst)
		if cap(dst)-start < size {
			grown := make([]byte, start, 2*cap(dst)+size)
			copy(grown, dst)
			dst = grown
		}

		n := e.kcp.Recv(dst[start : start+size])
		if n < 0 {
			return dst[:start]
		}
		dst = dst[:start+n]
	}
}

// Send queues payload, split into chunks the engine accepts in one call.
func (e *Engine) Send(payload []byte) error {
	for len(payload) > 0 {
		n := min(len(payload), e.chunk)
		if ret := e.kcp.Send(payload[:n]); ret < 0 {
			return fmt.Errorf("conv %d code %d: %w", e.conv, ret, ErrSendRejected)
		}
		payload = payload[n:]
	}
	return nil
}

// Update advances the engine's timers, flushing due segments and ACKs.
func (e *Engine) Update() {
	e.kcp.Update()
}

// pending returns the number of segments not yet acknowledged.
func (e *Engine) pending() int {
	return e.kcp.WaitSnd()
}

// Release drops queued segments. The engine must not be used afterwards.
func (e *Engine) Release() {
	e.kcp.ReleaseTX()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
