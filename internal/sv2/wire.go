package sv2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errShortPayload = errors.New("sv2 payload truncated")

type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) u256(v [32]byte) { w.buf = append(w.buf, v[:]...) }

func (w *writer) str0255(field, s string) {
	if len(s) > 255 {
		w.fail(fmt.Errorf("sv2 %s too long: %d", field, len(s)))
		return
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) b032(field string, b []byte) {
	if len(b) > 32 {
		w.fail(fmt.Errorf("sv2 %s too long: %d", field, len(b)))
		return
	}
	w.u8(uint8(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) optionU32(present bool, v uint32) {
	if !present {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u32(v)
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// reader consumes a payload; the first short read sticks as the error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = errShortPayload
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) u256() (out [32]byte) {
	if b := r.take(32); b != nil {
		copy(out[:], b)
	}
	return out
}

func (r *reader) str0255() string {
	n := int(r.u8())
	b := r.take(n)
	return string(b)
}

func (r *reader) b032() []byte {
	n := int(r.u8())
	if n > 32 && r.err == nil {
		r.err = fmt.Errorf("sv2 B0_32 length out of range: %d", n)
		return nil
	}
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) optionU32() (bool, uint32) {
	switch r.u8() {
	case 0:
		return false, 0
	case 1:
		return true, r.u32()
	default:
		if r.err == nil {
			r.err = errors.New("sv2 option tag out of range")
		}
		return false, 0
	}
}

func (r *reader) done(name string) error {
	if r.err != nil {
		return fmt.Errorf("%s: %w", name, r.err)
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%s payload len=%d want %d", name, len(r.buf), r.off)
	}
	return nil
}
