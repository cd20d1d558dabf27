package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrame(t *testing.T) {
	t.Run("encodes little-endian header then body", func(t *testing.T) {
		got := EncodeFrame(Frame{ID: 5, RPCID: -2, Body: []byte("ping")})
		want := []byte{
			4, 0, 0, 0,
			5, 0, 0, 0,
			0xfe, 0xff, 0xff, 0xff,
			'p', 'i', 'n', 'g',
		}
		assert.Equal(t, want, got)
	})

	t.Run("heartbeat has empty body", func(t *testing.T) {
		hb := Heartbeat()
		assert.True(t, hb.IsHeartbeat())
		assert.Equal(t, HeaderLen, len(EncodeFrame(hb)))
	})
}

func TestDecodeHeader(t *testing.T) {
	h, err := DecodeHeader(EncodeFrame(Frame{ID: 9, RPCID: 3, Body: []byte{1, 2}}))
	require.NoError(t, err)
	assert.Equal(t, Header{Size: 2, ID: 9, RPCID: 3}, h)

	_, err = DecodeHeader(make([]byte, HeaderLen-1))
	assert.ErrorIs(t, err, ErrShortHeader)
}

type collected struct {
	frames []Frame
}

func (c *collected) add(f Frame) {
	c.frames = append(c.frames, Frame{ID: f.ID, RPCID: f.RPCID, Body: bytes.Clone(f.Body)})
}

func TestDecoder_Drain(t *testing.T) {
	t.Run("waits for full header", func(t *testing.T) {
		d := NewDecoder(0)
		stream := EncodeFrame(Frame{ID: 1, Body: []byte("abc")})
		_, _ = d.Write(stream[:HeaderLen-1])

		var c collected
		require.NoError(t, d.Drain(c.add))
		assert.Empty(t, c.frames)
		assert.Equal(t, HeaderLen-1, d.Buffered())
	})

	t.Run("waits for full body", func(t *testing.T) {
		d := NewDecoder(0)
		stream := EncodeFrame(Frame{ID: 1, Body: []byte("abcdef")})
		_, _ = d.Write(stream[:len(stream)-1])

		var c collected
		require.NoError(t, d.Drain(c.add))
		assert.Empty(t, c.frames)

		_, _ = d.Write(stream[len(stream)-1:])
		require.NoError(t, d.Drain(c.add))
		require.Len(t, c.frames, 1)
		assert.Equal(t, []byte("abcdef"), c.frames[0].Body)
		assert.Zero(t, d.Buffered())
	})

	t.Run("dispatches several frames and keeps partial tail", func(t *testing.T) {
		d := NewDecoder(0)
		var stream []byte
		stream = AppendFrame(stream, Frame{ID: 1, RPCID: 10, Body: []byte("a")})
		stream = AppendFrame(stream, Frame{ID: 2, RPCID: 20})
		stream = AppendFrame(stream, Frame{ID: 3, RPCID: 30, Body: []byte("ccc")})
		_, _ = d.Write(stream[:len(stream)-2])

		var c collected
		require.NoError(t, d.Drain(c.add))
		require.Len(t, c.frames, 2)
		assert.Equal(t, int32(1), c.frames[0].ID)
		assert.Equal(t, int32(2), c.frames[1].ID)
		assert.Empty(t, c.frames[1].Body)
		assert.Equal(t, HeaderLen+1, d.Buffered())
	})

	t.Run("oversize frame is rejected after earlier frames", func(t *testing.T) {
		d := NewDecoder(8)
		var stream []byte
		stream = AppendFrame(stream, Frame{ID: 1, Body: []byte("ok")})
		stream = AppendFrame(stream, Frame{ID: 2, Body: make([]byte, 9)})
		_, _ = d.Write(stream)

		var c collected
		err := d.Drain(c.add)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		require.Len(t, c.frames, 1)
	})

	t.Run("Fill appends in place", func(t *testing.T) {
		d := NewDecoder(0)
		d.Fill(func(dst []byte) []byte {
			return AppendFrame(dst, Frame{ID: 4, Body: []byte("x")})
		})

		var c collected
		require.NoError(t, d.Drain(c.add))
		require.Len(t, c.frames, 1)
		assert.Equal(t, int32(4), c.frames[0].ID)
	})

	t.Run("reset discards buffered bytes", func(t *testing.T) {
		d := NewDecoder(0)
		_, _ = d.Write([]byte{1, 2, 3})
		d.Reset()
		assert.Zero(t, d.Buffered())
	})
}

func TestDecoder_roundTripArbitrarySplits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 50; iter++ {
		want := make([]Frame, 1+rng.Intn(8))
		var stream []byte
		for i := range want {
			body := make([]byte, rng.Intn(300))
			rng.Read(body)
			want[i] = Frame{ID: int32(rng.Intn(100)), RPCID: int32(rng.Intn(100)), Body: body}
			stream = AppendFrame(stream, want[i])
		}

		d := NewDecoder(0)
		var c collected
		for len(stream) > 0 {
			n := 1 + rng.Intn(len(stream))
			_, _ = d.Write(stream[:n])
			stream = stream[n:]
			require.NoError(t, d.Drain(c.add))
		}

		require.Len(t, c.frames, len(want))
		for i := range want {
			assert.Equal(t, want[i].ID, c.frames[i].ID)
			assert.Equal(t, want[i].RPCID, c.frames[i].RPCID)
			assert.True(t, bytes.Equal(want[i].Body, c.frames[i].Body), "frame %d body", i)
		}
		assert.Zero(t, d.Buffered())
	}
}
