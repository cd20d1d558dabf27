package udpserver

import "github.com/cyberinferno/go-rudp/codec"

// Handler receives connection events. Every method runs on the loop
// goroutine, so implementations must not block. The frame body passed to
// OnMessage is only valid until the call returns.
type Handler interface {
	OnConnect(h Handle)
	OnDisconnect(h Handle)
	OnMessage(h Handle, f codec.Frame)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Connect    func(h Handle)
	Disconnect func(h Handle)
	Message    func(h Handle, f codec.Frame)
}

func (hf HandlerFuncs) OnConnect(h Handle) {
	if hf.Connect != nil {
		hf.Connect(h)
	}
}

func (hf HandlerFuncs) OnDisconnect(h Handle) {
	if hf.Disconnect != nil {
		hf.Disconnect(h)
	}
}

func (hf HandlerFuncs) OnMessage(h Handle, f codec.Frame) {
	if hf.Message != nil {
		hf.Message(h, f)
	}
}
