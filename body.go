package uplink

import (
	"encoding/binary"
	"math"
)

// bodyWriter appends little-endian fields to a message body.
type bodyWriter struct {
	buf []byte
}

func (w *bodyWriter) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *bodyWriter) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *bodyWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *bodyWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *bodyWriter) i32(v int32)  { w.u32(uint32(v)) }
func (w *bodyWriter) f32(v float32) {
	w.u32(math.Float32bits(v))
}
func (w *bodyWriter) f64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *bodyWriter) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *bodyWriter) string(v string) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// bodyReader consumes fields written by bodyWriter. The first short read
// latches failed; later reads return zero values.
type bodyReader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *bodyReader) take(n int) []byte {
	if r.failed || n < 0 || len(r.buf)-r.off < n {
		r.failed = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *bodyReader) remaining() int { return len(r.buf) - r.off }

func (r *bodyReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) bool() bool { return r.u8() != 0 }

func (r *bodyReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *bodyReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *bodyReader) i32() int32   { return int32(r.u32()) }
func (r *bodyReader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *bodyReader) f64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *bodyReader) bytes() []byte {
	n := r.u32()
	if r.failed || uint64(n) > uint64(r.remaining()) {
		r.failed = true
		return nil
	}
	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *bodyReader) string() string {
	n := r.u32()
	if r.failed || uint64(n) > uint64(r.remaining()) {
		r.failed = true
		return ""
	}
	return string(r.take(int(n)))
}
