package codec

import (
	"errors"
	"math"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Deserialization sentinels. Every Read function returns the number of
// bytes consumed together with nil, or zero together with one of these.
var (
	// ErrNoData reports an input of exactly zero bytes. Older senders omit
	// trailing optional fields, so a decoder may treat it as "keep default".
	ErrNoData = errors.New("codec: no data")

	// ErrDataNotEnough reports a declared length beyond the remaining input.
	ErrDataNotEnough = errors.New("codec: data not enough")

	// ErrFlagLengthNotEnough reports a negative length prefix.
	ErrFlagLengthNotEnough = errors.New("codec: flag length not enough")
)

const lenPrefix = 4

// Marshaler is implemented by structured bodies.
type Marshaler interface {
	MarshalBody(w *Writer)
}

// Unmarshaler is implemented by structured bodies. UnmarshalBody returns
// the number of bytes consumed from b.
type Unmarshaler interface {
	UnmarshalBody(b []byte) (int, error)
}

// Writer accumulates a serialized body.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for capacity bytes.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the serialized bytes. The slice aliases the Writer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Reset empties the Writer, keeping its storage.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// PutBool writes a one byte boolean.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// PutString writes [len+1][bytes][0].
func (w *Writer) PutString(s string) {
	w.putLen(len(s) + 1)
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// PutBytes writes a byte vector as [count][bytes].
func (w *Writer) PutBytes(b []byte) {
	w.putLen(len(b))
	w.buf = append(w.buf, b...)
}

// PutNested writes m as [size][bytes].
func (w *Writer) PutNested(m Marshaler) {
	at := len(w.buf)
	w.putLen(0)
	m.MarshalBody(w)
	le.PutUint32(w.buf[at:], uint32(int32(len(w.buf)-at-lenPrefix)))
}

func (w *Writer) putLen(n int) {
	w.buf = le.AppendUint32(w.buf, uint32(int32(n)))
}

// PutInt writes an integer of any width, little-endian.
func PutInt[T constraints.Integer](w *Writer, v T) {
	n := int(unsafe.Sizeof(v))
	u := uint64(v)
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, byte(u>>(8*i)))
	}
}

// PutFloat writes an IEEE-754 float32 or float64.
func PutFloat[T constraints.Float](w *Writer, v T) {
	if unsafe.Sizeof(v) == 4 {
		w.buf = le.AppendUint32(w.buf, math.Float32bits(float32(v)))
		return
	}
	w.buf = le.AppendUint64(w.buf, math.Float64bits(float64(v)))
}

// PutSlice writes [count] followed by each element.
func PutSlice[T any](w *Writer, items []T, put func(*Writer, T)) {
	w.putLen(len(items))
	for _, it := range items {
		put(w, it)
	}
}

// PutSet writes [count] followed by each member in map iteration order.
func PutSet[T comparable](w *Writer, set map[T]struct{}, put func(*Writer, T)) {
	w.putLen(len(set))
	for it := range set {
		put(w, it)
	}
}

// PutMap writes [count] followed by each key and value.
func PutMap[K comparable, V any](w *Writer, m map[K]V, putKey func(*Writer, K), putVal func(*Writer, V)) {
	w.putLen(len(m))
	for k, v := range m {
		putKey(w, k)
		putVal(w, v)
	}
}

// ReadBool reads a one byte boolean.
func ReadBool(b []byte, v *bool) (int, error) {
	if len(b) == 0 {
		return 0, ErrNoData
	}
	*v = b[0] != 0
	return 1, nil
}

// ReadInt reads an integer of T's width.
func ReadInt[T constraints.Integer](b []byte, v *T) (int, error) {
	var zero T
	n := int(unsafe.Sizeof(zero))
	if len(b) == 0 {
		return 0, ErrNoData
	}
	if len(b) < n {
		return 0, ErrDataNotEnough
	}

	var u uint64
	for i := 0; i < n; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	*v = T(u)
	return n, nil
}

// ReadFloat reads a float of T's width.
func ReadFloat[T constraints.Float](b []byte, v *T) (int, error) {
	var zero T
	n := int(unsafe.Sizeof(zero))
	if len(b) == 0 {
		return 0, ErrNoData
	}
	if len(b) < n {
		return 0, ErrDataNotEnough
	}

	if n == 4 {
		*v = T(math.Float32frombits(le.Uint32(b)))
	} else {
		*v = T(math.Float64frombits(le.Uint64(b)))
	}
	return n, nil
}

// ReadString reads [len][bytes][0]. The terminator is not part of the result.
func ReadString(b []byte, v *string) (int, error) {
	n, err := readLen(b)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		*v = ""
		return lenPrefix, nil
	}

	*v = string(b[lenPrefix : lenPrefix+n-1])
	return lenPrefix + n, nil
}

// ReadBytes reads [count][bytes] into a fresh slice.
func ReadBytes(b []byte, v *[]byte) (int, error) {
	n, err := readLen(b)
	if err != nil {
		return 0, err
	}

	out := make([]byte, n)
	copy(out, b[lenPrefix:])
	*v = out
	return lenPrefix + n, nil
}

// ReadSlice reads [count] elements with read.
func ReadSlice[T any](b []byte, v *[]T, read func([]byte, *T) (int, error)) (int, error) {
	count, off, err := readCount(b)
	if err != nil {
		return 0, err
	}

	out := make([]T, count)
	for i := range out {
		n, err := readElem(b[off:], &out[i], read)
		if err != nil {
			return 0, err
		}
		off += n
	}

	*v = out
	return off, nil
}

// ReadSet reads [count] members with read.
func ReadSet[T comparable](b []byte, v *map[T]struct{}, read func([]byte, *T) (int, error)) (int, error) {
	count, off, err := readCount(b)
	if err != nil {
		return 0, err
	}

	out := make(map[T]struct{}, count)
	for i := 0; i < count; i++ {
		var it T
		n, err := readElem(b[off:], &it, read)
		if err != nil {
			return 0, err
		}
		off += n
		out[it] = struct{}{}
	}

	*v = out
	return off, nil
}

// ReadMap reads [count] key/value pairs.
func ReadMap[K comparable, V any](b []byte, v *map[K]V, readKey func([]byte, *K) (int, error), readVal func([]byte, *V) (int, error)) (int, error) {
	count, off, err := readCount(b)
	if err != nil {
		return 0, err
	}

	out := make(map[K]V, count)
	for i := 0; i < count; i++ {
		var k K
		n, err := readElem(b[off:], &k, readKey)
		if err != nil {
			return 0, err
		}
		off += n

		var val V
		n, err = readElem(b[off:], &val, readVal)
		if err != nil {
			return 0, err
		}
		off += n
		out[k] = val
	}

	*v = out
	return off, nil
}

// ReadNested reads [size][bytes] and hands exactly size bytes to m. Bytes
// m leaves unread are skipped, so newer senders may append fields.
func ReadNested(b []byte, m Unmarshaler) (int, error) {
	n, err := readLen(b)
	if err != nil {
		return 0, err
	}

	if _, err := m.UnmarshalBody(b[lenPrefix : lenPrefix+n]); err != nil && !errors.Is(err, ErrNoData) {
		return 0, err
	}

	return lenPrefix + n, nil
}

// readLen reads a length prefix and checks it against the remaining input.
func readLen(b []byte) (int, error) {
	var n int32
	if _, err := ReadInt(b, &n); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrFlagLengthNotEnough
	}
	if int(n) > len(b)-lenPrefix {
		return 0, ErrDataNotEnough
	}
	return int(n), nil
}

// readCount reads a container count. Elements are checked as they are read.
func readCount(b []byte) (int, int, error) {
	var n int32
	if _, err := ReadInt(b, &n); err != nil {
		return 0, 0, err
	}
	if n < 0 {
		return 0, 0, ErrFlagLengthNotEnough
	}
	// Every element takes at least one byte.
	if int(n) > len(b)-lenPrefix {
		return 0, 0, ErrDataNotEnough
	}
	return int(n), lenPrefix, nil
}

// readElem runs read for one container element. Running out of input
// inside a counted container is truncation, not an omitted field.
func readElem[T any](b []byte, v *T, read func([]byte, *T) (int, error)) (int, error) {
	n, err := read(b, v)
	if errors.Is(err, ErrNoData) {
		return 0, ErrDataNotEnough
	}
	return n, err
}

// Reader walks a body field by field, remembering the first error.
//
//	r := codec.NewReader(b)
//	r.Next(codec.ReadInt(r.Rest(), &m.Count))
//	r.Next(codec.ReadString(r.Rest(), &m.Name))
//	return r.Offset(), r.Optional()
type Reader struct {
	b   []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Rest returns the unread input, or nil after an error so later reads fail
// with ErrNoData without touching the buffer.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.b[r.off:]
}

// Next records the result of one Read call and reports whether it succeeded.
func (r *Reader) Next(n int, err error) bool {
	if r.err != nil {
		return false
	}
	if err != nil {
		r.err = err
		return false
	}
	r.off += n
	return true
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

// Err returns the first error, including ErrNoData.
func (r *Reader) Err() error { return r.err }

// Optional returns Err with ErrNoData treated as success: the fields after
// the last one present keep their defaults.
func (r *Reader) Optional() error {
	if errors.Is(r.err, ErrNoData) {
		return nil
	}
	return r.err
}
