// Package connection detects the downstream protocol and wraps the raw
// sockets the proxy reads and writes.
package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/carlosrabelo/defproxy/internal/proxysocks"
	"github.com/carlosrabelo/defproxy/internal/stratum"
	apperrors "github.com/carlosrabelo/defproxy/pkg/errors"
)

// Protocol is the family a downstream miner speaks.
type Protocol int

const (
	ProtocolV1 Protocol = iota + 1
	ProtocolV2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV1:
		return "sv1"
	case ProtocolV2:
		return "sv2"
	}
	return "unknown"
}

// MaxLineSize caps a single V1 line.
const MaxLineSize = 1 << 20

const readBufSize = 4096

// ErrLineTooLong is returned by ReadLine when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("connection: line too long")

// PeekedConn replays bytes consumed while peeking before reading from the
// socket again.
type PeekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *PeekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Detect classifies a fresh downstream connection by its first byte without
// consuming it: '{' is V1 JSON, anything else is a V2 Noise handshake. The
// returned conn must be used in place of conn.
func Detect(conn net.Conn) (Protocol, net.Conn, error) {
	br := bufio.NewReaderSize(conn, readBufSize)
	b, err := br.Peek(1)
	if err != nil {
		return 0, conn, fmt.Errorf("connection: peek: %w", err)
	}
	peeked := &PeekedConn{Conn: conn, r: br}
	if b[0] == '{' {
		return ProtocolV1, peeked, nil
	}
	return ProtocolV2, peeked, nil
}

// Dialer opens upstream TCP connections, optionally through SOCKS5.
type Dialer struct {
	socks *proxysocks.Dialer
}

func NewDialer(cfg proxysocks.Config, timeout time.Duration) (*Dialer, error) {
	d, err := proxysocks.NewDialer(cfg, timeout)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid upstream proxy", err)
	}
	return &Dialer{socks: d}, nil
}

// Dial connects to address. Failures carry CodeUpstreamConnect.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	if address == "" {
		return nil, apperrors.New(apperrors.CodeUpstreamConnect, "empty upstream address")
	}
	conn, err := d.socks.DialContext(ctx, address)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamConnect, "dial "+address, err)
	}
	return conn, nil
}

// Via describes the route taken by Dial, for logging.
func (d *Dialer) Via() string {
	if d.socks.IsEnabled() {
		return "socks5://" + d.socks.Address()
	}
	return "direct"
}

// LineConn reads and writes newline-delimited V1 messages. Reads must come
// from a single goroutine; writes may come from several.
type LineConn struct {
	Conn net.Conn
	Addr string

	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

func NewLineConn(conn net.Conn) *LineConn {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &LineConn{
		Conn: conn,
		Addr: addr,
		r:    bufio.NewReaderSize(conn, readBufSize),
		w:    bufio.NewWriterSize(conn, readBufSize),
	}
}

// ReadLine returns the next line with its terminator, byte for byte. A final
// unterminated line is returned before io.EOF.
func (l *LineConn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// WriteLine writes line, adding the terminator when missing, and flushes.
func (l *LineConn) WriteLine(line []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if err := l.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return l.w.Flush()
}

// WriteJSON encodes msg as one line.
func (l *LineConn) WriteJSON(msg stratum.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	return l.WriteLine(b)
}

func (l *LineConn) Close() error {
	return l.Conn.Close()
}

// IsExpectedClose reports errors that only mean a peer went away: EOF, a
// closed connection, a broken pipe or a reset.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
