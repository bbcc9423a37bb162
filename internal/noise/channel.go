package noise

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Channel is an established secure transport over a byte stream.
type Channel struct {
	r *ReadHalf
	w *WriteHalf
}

// Open performs the handshake for role over rw. The initiator writes act1
// immediately; the responder first waits for it.
func Open(rw io.ReadWriter, role Role) (*Channel, error) {
	r := newReadHalf(rw)
	w := newWriteHalf(rw)
	recv, send, err := role.handshake(r, w)
	if err != nil {
		return nil, err
	}
	r.dec.startTransport(recv)
	w.enc.cs = send
	return &Channel{r: r, w: w}, nil
}

func (c *Channel) ReadFrame() (Frame, error) {
	return c.r.ReadFrame()
}

func (c *Channel) WriteFrame(f Frame) error {
	return c.w.WriteFrame(f)
}

// Split hands out the two directions. The Channel must not be used for I/O
// afterwards.
func (c *Channel) Split() (*ReadHalf, *WriteHalf) {
	return c.r, c.w
}

// ReadHalf decodes inbound frames.
type ReadHalf struct {
	src io.Reader
	dec *Decoder
	buf []byte
}

func newReadHalf(src io.Reader) *ReadHalf {
	return &ReadHalf{src: src, dec: &Decoder{}}
}

// ReadFrame blocks until a whole frame has been received. Partial reads are
// accumulated; the decoder's request for more bytes only loops back to the
// next blocking read.
func (r *ReadHalf) ReadFrame() (Frame, error) {
	for {
		n := r.dec.WritableLen()
		if len(r.buf) != n {
			r.buf = make([]byte, n)
		}
		if err := r.fill(); err != nil {
			return Frame{}, err
		}
		f, err := r.dec.Decode(r.buf)
		if errors.Is(err, ErrMissingBytes) {
			continue
		}
		if err != nil {
			return Frame{}, err
		}
		return f, nil
	}
}

func (r *ReadHalf) fill() error {
	for filled := 0; filled < len(r.buf); {
		k, err := r.src.Read(r.buf[filled:])
		filled += k
		if filled == len(r.buf) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSocketClosed, err)
		}
		if k == 0 {
			return fmt.Errorf("%w: zero-byte read", ErrSocketClosed)
		}
	}
	return nil
}

// WriteHalf encodes outbound frames. Safe for concurrent use.
type WriteHalf struct {
	mu  sync.Mutex
	dst io.Writer
	enc *Encoder
}

func newWriteHalf(dst io.Writer) *WriteHalf {
	return &WriteHalf{dst: dst, enc: &Encoder{}}
}

// WriteFrame encrypts f and writes it fully.
func (w *WriteHalf) WriteFrame(f Frame) error {
	if f.Kind != FrameTransport {
		return codecError("write", fmt.Errorf("unexpected %s frame after handshake", f.Kind))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out, err := w.enc.Encode(f.Payload)
	if err != nil {
		return err
	}
	return w.write(out)
}

func (w *WriteHalf) writeRaw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(b)
}

func (w *WriteHalf) write(b []byte) error {
	n, err := w.dst.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: %v", ErrSocketClosed, io.ErrShortWrite)
	}
	return nil
}
