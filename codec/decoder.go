package codec

import "fmt"

// Decoder is the per-connection receive accumulator. Reassembled stream
// bytes are appended with Fill and complete frames are extracted with Drain.
// A frame is only extracted once its whole body is buffered; the unconsumed
// tail is moved to the front of the buffer after every drain so the buffer
// is reused for the connection's lifetime.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	maxFrame uint32
}

// NewDecoder creates a Decoder rejecting bodies larger than maxFrame. Zero
// selects DefaultMaxFrameSize.
func NewDecoder(maxFrame uint32) *Decoder {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}

	return &Decoder{maxFrame: maxFrame}
}

// Write appends p to the accumulator. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Fill lets fill append directly into the accumulator, avoiding a copy.
func (d *Decoder) Fill(fill func(dst []byte) []byte) {
	d.buf = fill(d.buf)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Drain dispatches every complete frame in arrival order. The frame body
// aliases the accumulator and is only valid until fn returns.
//
// Parameters:
//   - fn: Called once per complete frame
//
// Returns:
//   - ErrFrameTooLarge (wrapped) if a header declares an oversize body; frames
//     before it have already been dispatched
func (d *Decoder) Drain(fn func(Frame)) error {
	off := 0
	var err error

	for len(d.buf)-off >= HeaderLen {
		h, _ := DecodeHeader(d.buf[off:])
		if h.Size > d.maxFrame {
			err = fmt.Errorf("declared %d bytes, limit %d: %w", h.Size, d.maxFrame, ErrFrameTooLarge)
			break
		}

		end := off + HeaderLen + int(h.Size)
		if end > len(d.buf) {
			break
		}

		fn(Frame{ID: h.ID, RPCID: h.RPCID, Body: d.buf[off+HeaderLen : end : end]})
		off = end
	}

	if off > 0 {
		n := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:n]
	}

	return err
}

// Reset drops any buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
