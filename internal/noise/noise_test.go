package noise

import (
	"bytes"
	"io"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	ch  *Channel
	err error
}

func newResponder(t *testing.T) *Responder {
	t.Helper()
	authority, err := GenerateKeys()
	require.NoError(t, err)
	r, err := NewResponder(authority, time.Hour)
	require.NoError(t, err)
	return r
}

func handshakePair(t *testing.T, resp *Responder, init *Initiator, wrap func(net.Conn) io.ReadWriter) (*Channel, *Channel, error, error) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	var downstream io.ReadWriter = a
	var upstream io.ReadWriter = b
	if wrap != nil {
		downstream = wrap(a)
		upstream = wrap(b)
	}

	done := make(chan result, 1)
	go func() {
		ch, err := Open(downstream, resp)
		if err != nil {
			a.Close()
		}
		done <- result{ch, err}
	}()
	ic, ierr := Open(upstream, init)
	if ierr != nil {
		b.Close()
	}
	res := <-done
	return res.ch, ic, res.err, ierr
}

func plainFrame(msgType byte, payload []byte) []byte {
	n := len(payload)
	out := []byte{0x00, 0x00, msgType, byte(n), byte(n >> 8), byte(n >> 16)}
	return append(out, payload...)
}

func exchange(t *testing.T, from, to *Channel, frame []byte) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- from.WriteFrame(Frame{Kind: FrameTransport, Payload: frame}) }()
	got, err := to.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, FrameTransport, got.Kind)
	assert.True(t, bytes.Equal(frame, got.Payload), "payload mismatch (len %d vs %d)", len(frame), len(got.Payload))
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 64, Act1Len)
	assert.Equal(t, 234, Act2Len)
	assert.Equal(t, 74, CertificateLen)
	assert.Equal(t, 22, EncryptedHeaderLen)
	assert.Equal(t, 65519, MaxPlaintextChunk)
}

func TestEncryptedLen(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0},
		{1, 17},
		{65519, 65535},
		{65520, 65520 + 32},
		{2 * 65519, 2*65519 + 32},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EncryptedLen(tt.in), "len %d", tt.in)
	}
}

func TestHandshakeAndExchange(t *testing.T) {
	resp := newResponder(t)
	init := NewInitiator(resp.AuthorityPublicKey())
	down, up, derr, uerr := handshakePair(t, resp, init, nil)
	require.NoError(t, derr)
	require.NoError(t, uerr)

	exchange(t, up, down, plainFrame(0x00, []byte("setup connection")))
	exchange(t, down, up, plainFrame(0x01, []byte{2, 0, 0, 0, 0, 0}))
	exchange(t, up, down, plainFrame(0x1a, nil))
	exchange(t, down, up, plainFrame(0x15, bytes.Repeat([]byte{7}, 100)))
}

func TestLargeFramesAreChunked(t *testing.T) {
	resp := newResponder(t)
	down, up, derr, uerr := handshakePair(t, resp, NewInitiator(resp.AuthorityPublicKey()), nil)
	require.NoError(t, derr)
	require.NoError(t, uerr)

	payload := make([]byte, 3*MaxPlaintextChunk+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	exchange(t, up, down, plainFrame(0x70, payload))
	exchange(t, down, up, plainFrame(0x71, payload[:MaxPlaintextChunk]))
}

func TestPartialReads(t *testing.T) {
	resp := newResponder(t)
	wrap := func(c net.Conn) io.ReadWriter {
		return struct {
			io.Reader
			io.Writer
		}{iotest.OneByteReader(c), c}
	}
	down, up, derr, uerr := handshakePair(t, resp, NewInitiator(resp.AuthorityPublicKey()), wrap)
	require.NoError(t, derr)
	require.NoError(t, uerr)
	exchange(t, up, down, plainFrame(0x1a, bytes.Repeat([]byte{1}, 24)))
	exchange(t, down, up, plainFrame(0x1c, bytes.Repeat([]byte{2}, 20)))
}

func TestSplitHalvesRunIndependently(t *testing.T) {
	resp := newResponder(t)
	down, up, derr, uerr := handshakePair(t, resp, NewInitiator(resp.AuthorityPublicKey()), nil)
	require.NoError(t, derr)
	require.NoError(t, uerr)

	dr, dw := down.Split()
	ur, uw := up.Split()

	const n = 20
	errc := make(chan error, 2)
	go func() {
		for i := 0; i < n; i++ {
			if err := uw.WriteFrame(Frame{Kind: FrameTransport, Payload: plainFrame(0x1a, []byte{byte(i)})}); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	go func() {
		for i := 0; i < n; i++ {
			if err := dw.WriteFrame(Frame{Kind: FrameTransport, Payload: plainFrame(0x15, []byte{byte(i)})}); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	for i := 0; i < n; i++ {
		f, err := dr.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, byte(i), f.Payload[FrameHeaderLen])
		f, err = ur.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, byte(i), f.Payload[FrameHeaderLen])
	}
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)
}

func TestWrongAuthorityRejected(t *testing.T) {
	resp := newResponder(t)
	other, err := GenerateKeys()
	require.NoError(t, err)
	_, _, _, uerr := handshakePair(t, resp, NewInitiator(other.PubKey()), nil)
	require.Error(t, uerr)
	assert.ErrorIs(t, uerr, ErrInvalidCertificate)
}

func TestExpiredCertificateRejected(t *testing.T) {
	resp := newResponder(t)
	resp.now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	_, _, _, uerr := handshakePair(t, resp, NewInitiator(resp.AuthorityPublicKey()), nil)
	assert.ErrorIs(t, uerr, ErrInvalidCertificate)
}

func TestInvalidAct1Size(t *testing.T) {
	resp := newResponder(t)
	_, _, _, err := resp.respond(make([]byte, 10))
	assert.ErrorIs(t, err, ErrHandshakeRemoteInvalidMessage)

	st, _, err := NewInitiator(resp.AuthorityPublicKey()).start()
	require.NoError(t, err)
	_, _, err = NewInitiator(resp.AuthorityPublicKey()).finish(st, make([]byte, Act2Len-1))
	assert.ErrorIs(t, err, ErrHandshakeRemoteInvalidMessage)
}

func TestTamperedAct2Rejected(t *testing.T) {
	resp := newResponder(t)
	init := NewInitiator(resp.AuthorityPublicKey())
	st, act1, err := init.start()
	require.NoError(t, err)
	act2, _, _, err := resp.respond(act1)
	require.NoError(t, err)
	act2[Act1Len+3] ^= 0xff
	_, _, err = init.finish(st, act2)
	assert.ErrorIs(t, err, ErrHandshakeRemoteInvalidMessage)
}

func TestPeerCloseIsSocketClosed(t *testing.T) {
	a, b := net.Pipe()
	b.Close()
	_, err := Open(a, newResponder(t))
	assert.ErrorIs(t, err, ErrSocketClosed)

	a, b = net.Pipe()
	go func() {
		buf := make([]byte, Act1Len)
		_, _ = io.ReadFull(b, buf)
		b.Close()
	}()
	resp := newResponder(t)
	_, err = Open(a, NewInitiator(resp.AuthorityPublicKey()))
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestDecoderStates(t *testing.T) {
	key := bytes.Repeat([]byte{9}, 32)
	send, err := newCipherState(key)
	require.NoError(t, err)
	recv, err := newCipherState(key)
	require.NoError(t, err)

	enc := &Encoder{cs: send}
	dec := &Decoder{}
	dec.startTransport(recv)
	assert.Equal(t, EncryptedHeaderLen, dec.WritableLen())

	wire, err := enc.Encode(plainFrame(0x21, bytes.Repeat([]byte{3}, 36)))
	require.NoError(t, err)
	require.Len(t, wire, EncryptedHeaderLen+EncryptedLen(36))

	_, err = dec.Decode(wire[:EncryptedHeaderLen])
	require.ErrorIs(t, err, ErrMissingBytes)
	assert.Equal(t, EncryptedLen(36), dec.WritableLen())

	f, err := dec.Decode(wire[EncryptedHeaderLen:])
	require.NoError(t, err)
	assert.Equal(t, plainFrame(0x21, bytes.Repeat([]byte{3}, 36)), f.Payload)
	assert.Equal(t, EncryptedHeaderLen, dec.WritableLen())

	wire, err = enc.Encode(plainFrame(0x1a, nil))
	require.NoError(t, err)
	f, err = dec.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, plainFrame(0x1a, nil), f.Payload)

	_, err = dec.Decode(make([]byte, 3))
	var ce *CodecError
	assert.ErrorAs(t, err, &ce)
}

func TestEncoderRejectsBadFrames(t *testing.T) {
	cs, err := newCipherState(make([]byte, 32))
	require.NoError(t, err)
	enc := &Encoder{cs: cs}
	_, err = enc.Encode([]byte{1, 2})
	assert.Error(t, err)
	_, err = enc.Encode([]byte{0, 0, 0, 5, 0, 0, 1})
	assert.Error(t, err)
	_, err = (&Encoder{}).Encode(plainFrame(0, nil))
	assert.Error(t, err)
}

func TestPublicKeyEncoding(t *testing.T) {
	priv, err := GenerateKeys()
	require.NoError(t, err)
	s := FormatPublicKey(priv.PubKey())
	pub, err := ParsePublicKey(s)
	require.NoError(t, err)
	assert.Equal(t, FormatPublicKey(pub), s)

	_, err = ParsePublicKey("not-a-key")
	assert.Error(t, err)
}

func TestKeyFromHex(t *testing.T) {
	priv, err := KeyFromHex("0101010101010101010101010101010101010101010101010101010101010101")
	require.NoError(t, err)
	again, err := KeyFromHex("0101010101010101010101010101010101010101010101010101010101010101")
	require.NoError(t, err)
	assert.Equal(t, FormatPublicKey(priv.PubKey()), FormatPublicKey(again.PubKey()))

	_, err = KeyFromHex("abcd")
	assert.Error(t, err)
	_, err = KeyFromHex("zz")
	assert.Error(t, err)
}

func TestCertificateRoundTrip(t *testing.T) {
	authority, err := GenerateKeys()
	require.NoError(t, err)
	static := bytes.Repeat([]byte{5}, 32)
	now := time.Now()
	cert, err := signCertificate(authority, static, now, time.Hour)
	require.NoError(t, err)

	parsed, err := ParseCertificate(cert.Marshal())
	require.NoError(t, err)
	assert.Equal(t, cert, parsed)
	assert.NoError(t, parsed.Verify(authority.PubKey(), static, now))
	assert.ErrorIs(t, parsed.Verify(authority.PubKey(), bytes.Repeat([]byte{6}, 32), now), ErrInvalidCertificate)
	assert.ErrorIs(t, parsed.Verify(authority.PubKey(), static, now.Add(2*time.Hour)), ErrInvalidCertificate)

	_, err = ParseCertificate(make([]byte, 10))
	assert.Error(t, err)
}
